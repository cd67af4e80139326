package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/joho/godotenv"

	"github.com/loykin/botkeeper/internal/history"
	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/process"
)

// Fatal bootstrap errors. Every error returned by EnsureApplicationReady wraps one of them.
var (
	ErrClone           = errors.New("clone application")
	ErrEnvFile         = errors.New("write application env file")
	ErrMissingManifest = errors.New("application manifest not found")
	ErrInstall         = errors.New("install dependencies")
)

// Config describes where the application lives and how to prepare it.
type Config struct {
	RepoURL        string            `mapstructure:"repo_url"`
	Branch         string            `mapstructure:"branch"`
	Depth          int               `mapstructure:"depth"` // 0 clones full history
	AppDir         string            `mapstructure:"app_dir"`
	EnvFile        string            `mapstructure:"env_file"`   // relative to AppDir
	FlagKey        string            `mapstructure:"flag_key"`   // boolean flag written as <key>=true
	SessionID      string            `mapstructure:"session_id"` // forwarded as SESSION_ID
	ExtraEnv       map[string]string `mapstructure:"extra_env"`  // additional env file entries
	Manifest       string            `mapstructure:"manifest"`   // relative to AppDir
	DepsDir        string            `mapstructure:"deps_dir"`   // relative to AppDir
	InstallCommand string            `mapstructure:"install_command"`
	VerifyCommand  string            `mapstructure:"verify_command"`
}

// DefaultConfig returns the settings for a yarn managed Node.js bot.
func DefaultConfig() Config {
	return Config{
		Depth:          1,
		AppDir:         "app",
		EnvFile:        "config.env",
		FlagKey:        "VPS",
		Manifest:       "package.json",
		DepsDir:        "node_modules",
		InstallCommand: "yarn install --network-concurrency 1",
		VerifyCommand:  "yarn check --verify-tree",
	}
}

func (c Config) Validate() error {
	if c.AppDir == "" {
		return errors.New("bootstrap: app_dir is required")
	}
	if c.InstallCommand == "" {
		return errors.New("bootstrap: install_command is required")
	}
	return nil
}

// Bootstrapper makes sure the application source and dependencies are present.
type Bootstrapper struct {
	cfg      Config
	runner   process.Runner
	log      *slog.Logger
	progress io.Writer
	rec      *history.Recorder
}

type Option func(*Bootstrapper)

func WithRunner(r process.Runner) Option { return func(b *Bootstrapper) { b.runner = r } }
func WithLogger(l *slog.Logger) Option { return func(b *Bootstrapper) { b.log = l } }
func WithProgress(w io.Writer) Option { return func(b *Bootstrapper) { b.progress = w } }
func WithRecorder(r *history.Recorder) Option { return func(b *Bootstrapper) { b.rec = r } }

func New(cfg Config, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{cfg: cfg, log: slog.Default(), progress: os.Stdout}
	for _, o := range opts {
		o(b)
	}
	if b.runner == nil {
		b.runner = process.ExecRunner{}
	}
	return b
}

// EnsureApplicationReady clones the application if needed, writes its env file,
// and installs or verifies dependencies. Any error is fatal for the wrapper.
func (b *Bootstrapper) EnsureApplicationReady(ctx context.Context) error {
	start := time.Now()
	stage, err := b.ensure(ctx)
	metrics.ObserveBootstrap(time.Since(start).Seconds())
	ev := history.Event{Type: history.EventBootstrap, Name: filepath.Base(b.cfg.AppDir), Message: "ready"}
	if err != nil {
		metrics.IncBootstrapFailure(stage)
		b.log.Error("bootstrap failed", "stage", stage, "error", err)
		ev.ExitCode = 1
		ev.Message = err.Error()
	} else {
		b.log.Info("application ready", "dir", b.cfg.AppDir, "elapsed", time.Since(start).Round(time.Millisecond))
	}
	b.rec.Record(ctx, ev)
	return err
}

func (b *Bootstrapper) ensure(ctx context.Context) (string, error) {
	if err := b.cfg.Validate(); err != nil {
		return "config", err
	}
	if err := b.ensureSource(ctx); err != nil {
		return "clone", err
	}
	if err := b.writeEnvFile(); err != nil {
		return "env", err
	}
	manifest := b.path(b.cfg.Manifest, "package.json")
	if _, err := os.Stat(manifest); err != nil {
		return "manifest", fmt.Errorf("%w: %s", ErrMissingManifest, manifest)
	}
	if err := b.ensureDependencies(ctx); err != nil {
		return "install", err
	}
	return "", nil
}

func (b *Bootstrapper) ensureSource(ctx context.Context) error {
	dir := b.cfg.AppDir
	if _, err := os.Stat(dir); err == nil {
		b.log.Debug("application directory present, skipping clone", "dir", dir)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: %w", ErrClone, err)
	}
	if b.cfg.RepoURL == "" {
		return fmt.Errorf("%w: %s does not exist and no repository is configured", ErrClone, dir)
	}

	b.log.Info("cloning application", "repo", b.cfg.RepoURL, "branch", b.cfg.Branch, "dir", dir)
	opts := &git.CloneOptions{
		URL:      b.cfg.RepoURL,
		Progress: b.progress,
		Depth:    b.cfg.Depth,
	}
	if b.cfg.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(b.cfg.Branch)
		opts.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("%w: %w", ErrClone, err)
	}
	return nil
}

func (b *Bootstrapper) writeEnvFile() error {
	vals := make(map[string]string, len(b.cfg.ExtraEnv)+2)
	for k, v := range b.cfg.ExtraEnv {
		vals[k] = v
	}
	key := b.cfg.FlagKey
	if key == "" {
		key = "VPS"
	}
	vals[key] = "true"
	vals["SESSION_ID"] = b.cfg.SessionID
	path := b.path(b.cfg.EnvFile, "config.env")
	if err := godotenv.Write(vals, path); err != nil {
		return fmt.Errorf("%w: %w", ErrEnvFile, err)
	}
	b.log.Debug("wrote env file", "path", path, "keys", len(vals))
	return nil
}

func (b *Bootstrapper) ensureDependencies(ctx context.Context) error {
	deps := b.path(b.cfg.DepsDir, "node_modules")
	if _, err := os.Stat(deps); os.IsNotExist(err) {
		b.log.Info("dependencies missing, installing", "command", b.cfg.InstallCommand)
		return b.install(ctx)
	}
	if b.cfg.VerifyCommand == "" {
		return nil
	}
	err := b.runner.Run(ctx, process.Spec{Name: "verify", Command: b.cfg.VerifyCommand, WorkDir: b.cfg.AppDir})
	if err == nil {
		b.log.Info("dependencies verified")
		return nil
	}
	b.log.Warn("dependency verification failed, reinstalling", "error", err)
	if err := os.RemoveAll(deps); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrInstall, deps, err)
	}
	return b.install(ctx)
}

func (b *Bootstrapper) install(ctx context.Context) error {
	if err := b.runner.Run(ctx, process.Spec{Name: "install", Command: b.cfg.InstallCommand, WorkDir: b.cfg.AppDir}); err != nil {
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	return nil
}

func (b *Bootstrapper) path(rel, def string) string {
	if rel == "" {
		rel = def
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(b.cfg.AppDir, rel)
}
