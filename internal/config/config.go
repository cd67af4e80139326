package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/botkeeper/internal/bootstrap"
	"github.com/loykin/botkeeper/internal/logger"
	"github.com/loykin/botkeeper/internal/manager"
	"github.com/loykin/botkeeper/internal/process"
	"github.com/loykin/botkeeper/internal/restart"
	"github.com/loykin/botkeeper/internal/server"
)

// EnvPrefix is the prefix of every botkeeper environment variable except
// SESSION_ID and PORT, which hosting platforms set directly.
const EnvPrefix = "BOTKEEPER"

// Config is the complete wrapper configuration.
type Config struct {
	SessionID  string           `mapstructure:"session_id"`
	AppName    string           `mapstructure:"app_name"`
	Env        []string         `mapstructure:"env"`       // extra K=V for the supervised app
	EnvFiles   []string         `mapstructure:"env_files"` // dotenv files merged into Env
	Bootstrap  bootstrap.Config `mapstructure:"bootstrap"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	PM2        PM2Config        `mapstructure:"pm2"`
	Server     server.Config    `mapstructure:"server"`
	Log        logger.Config    `mapstructure:"log"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// SupervisorConfig configures the direct-spawn tier.
type SupervisorConfig struct {
	Command       string         `mapstructure:"command"`
	Policy        restart.Policy `mapstructure:",squash"`
	RestartDelay  time.Duration  `mapstructure:"restart_delay"`
	StopTimeout   time.Duration  `mapstructure:"stop_timeout"`
	PIDFile       string         `mapstructure:"pid_file"`
	CaptureOutput bool           `mapstructure:"capture_output"` // tee child output into log.dir
}

// PM2Config configures the external process manager tier.
type PM2Config struct {
	Enabled                bool `mapstructure:"enabled"`
	manager.ExternalConfig `mapstructure:",squash"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	b := bootstrap.DefaultConfig()
	s := server.DefaultConfig()
	p := restart.DefaultPolicy()

	v.SetDefault("session_id", "")
	v.SetDefault("app_name", "bot")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("bootstrap.repo_url", b.RepoURL)
	v.SetDefault("bootstrap.branch", b.Branch)
	v.SetDefault("bootstrap.depth", b.Depth)
	v.SetDefault("bootstrap.app_dir", b.AppDir)
	v.SetDefault("bootstrap.env_file", b.EnvFile)
	v.SetDefault("bootstrap.flag_key", b.FlagKey)
	v.SetDefault("bootstrap.manifest", b.Manifest)
	v.SetDefault("bootstrap.deps_dir", b.DepsDir)
	v.SetDefault("bootstrap.install_command", b.InstallCommand)
	v.SetDefault("bootstrap.verify_command", b.VerifyCommand)

	v.SetDefault("supervisor.command", "node index.js")
	v.SetDefault("supervisor.max_restarts", p.MaxRestarts)
	v.SetDefault("supervisor.window", p.Window)
	v.SetDefault("supervisor.restart_delay", time.Duration(0))
	v.SetDefault("supervisor.stop_timeout", 5*time.Second)
	v.SetDefault("supervisor.pid_file", "")
	v.SetDefault("supervisor.capture_output", false)

	v.SetDefault("pm2.enabled", true)
	v.SetDefault("pm2.tier", "pm2")
	v.SetDefault("pm2.start_command", "")
	v.SetDefault("pm2.status_command", "pm2 jlist")
	v.SetDefault("pm2.teardown_command", "")
	v.SetDefault("pm2.process_name", "")
	v.SetDefault("pm2.poll_interval", 5*time.Second)
	v.SetDefault("pm2.max_restarts", p.MaxRestarts)
	v.SetDefault("pm2.window", p.Window)
	v.SetDefault("pm2.restart_delay", time.Duration(0))
	v.SetDefault("pm2.output_marker", "")

	v.SetDefault("server.port", s.Port)
	v.SetDefault("server.body", s.Body)
	v.SetDefault("server.rate_limit", s.RateLimit)
	v.SetDefault("server.rate_window", s.RateWindow)
	v.SetDefault("server.api_base", s.APIBase)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.stdout", "")
	v.SetDefault("log.stderr", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.dsns", []string{})
	v.SetDefault("metrics.enabled", true)
}

// aliases are environment variables accepted besides BOTKEEPER_<SECTION>_<KEY>.
var aliases = map[string][]string{
	"session_id":         {"SESSION_ID"},
	"server.port":        {"PORT"},
	"bootstrap.repo_url": {EnvPrefix + "_REPO_URL"},
	"bootstrap.branch":   {EnvPrefix + "_BRANCH"},
	"bootstrap.app_dir":  {EnvPrefix + "_APP_DIR"},
	"log.level":          {EnvPrefix + "_LOG_LEVEL"},
}

// LoadDotEnv loads dotenv files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from defaults, the optional TOML file at path, and
// the environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range aliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.applyEnvFiles(); err != nil {
		return nil, err
	}
	c.applyDerived()
	return &c, nil
}

// applyEnvFiles merges dotenv files ahead of the explicit env list.
func (c *Config) applyEnvFiles() error {
	var merged []string
	for _, f := range c.EnvFiles {
		m, err := godotenv.Read(filepath.Clean(f))
		if err != nil {
			return fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range m {
			merged = append(merged, k+"="+v)
		}
	}
	c.Env = append(merged, c.Env...)
	return nil
}

// applyDerived fills settings that default to other settings.
func (c *Config) applyDerived() {
	c.Bootstrap.SessionID = c.SessionID
	c.Server.Metrics = c.Metrics.Enabled

	if c.PM2.ProcessName == "" {
		c.PM2.ProcessName = c.AppName
	}
	def := manager.DefaultExternalConfig(c.PM2.ProcessName)
	if c.PM2.Tier == "" {
		c.PM2.Tier = def.Tier
	}
	if c.PM2.StartCommand == "" {
		c.PM2.StartCommand = def.StartCommand
	}
	if c.PM2.StatusCommand == "" {
		c.PM2.StatusCommand = def.StatusCommand
	}
	if c.PM2.TeardownCommand == "" {
		c.PM2.TeardownCommand = def.TeardownCommand
	}
	if c.PM2.WorkDir == "" {
		c.PM2.WorkDir = c.Bootstrap.AppDir
	}
	c.PM2.Env = append(append([]string(nil), c.Env...), c.PM2.Env...)
}

// Validate checks required and mutually consistent fields.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AppName) == "" {
		errs = append(errs, errors.New("app_name is required"))
	}
	if strings.TrimSpace(c.Supervisor.Command) == "" {
		errs = append(errs, errors.New("supervisor.command is required"))
	}
	if err := c.Supervisor.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	if err := c.Bootstrap.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.PM2.Enabled {
		if err := c.PM2.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DirectSpec is the process spec of the direct-spawn tier.
func (c *Config) DirectSpec() process.Spec {
	s := process.Spec{
		Name:    c.AppName,
		Command: c.Supervisor.Command,
		WorkDir: c.Bootstrap.AppDir,
		Env:     c.Env,
		PIDFile: c.Supervisor.PIDFile,
	}
	if c.Supervisor.CaptureOutput {
		s.Log = c.Log
	}
	return s
}
