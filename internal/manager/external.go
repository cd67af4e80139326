package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-shellwords"

	"github.com/loykin/botkeeper/internal/env"
	"github.com/loykin/botkeeper/internal/process"
	"github.com/loykin/botkeeper/internal/restart"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ExternalConfig describes a tier run by an external process manager such as pm2.
type ExternalConfig struct {
	Tier            string         `mapstructure:"tier"`
	StartCommand    string         `mapstructure:"start_command"`    // attached, e.g. pm2 start index.js --name bot --attach
	StatusCommand   string         `mapstructure:"status_command"`   // JSON process list, e.g. pm2 jlist
	TeardownCommand string         `mapstructure:"teardown_command"` // e.g. pm2 delete bot
	ProcessName     string         `mapstructure:"process_name"`
	WorkDir         string         `mapstructure:"work_dir"`
	Env             []string       `mapstructure:"env"`
	PollInterval    time.Duration  `mapstructure:"poll_interval"`
	Policy          restart.Policy `mapstructure:",squash"`
	RestartDelay    time.Duration  `mapstructure:"restart_delay"`
	// OutputMarker, when set, counts every output line containing it as an abnormal exit.
	OutputMarker string `mapstructure:"output_marker"`
}

// DefaultExternalConfig returns the pm2 settings used for the bot.
func DefaultExternalConfig(processName string) ExternalConfig {
	return ExternalConfig{
		Tier:            "pm2",
		StartCommand:    fmt.Sprintf("pm2 start index.js --name %s --attach", processName),
		StatusCommand:   "pm2 jlist",
		TeardownCommand: "pm2 delete " + processName,
		ProcessName:     processName,
		PollInterval:    5 * time.Second,
		Policy:          restart.DefaultPolicy(),
	}
}

func (c ExternalConfig) Validate() error {
	if strings.TrimSpace(c.StartCommand) == "" {
		return errors.New("external tier: start_command is required")
	}
	if c.StatusCommand != "" && c.ProcessName == "" {
		return errors.New("external tier: process_name is required with status_command")
	}
	return c.Policy.Validate()
}

// ManagedStatus is what the external manager reports about the app.
type ManagedStatus struct {
	PID      int    `json:"pid"`
	Status   string `json:"status"`
	Restarts int    `json:"restarts"`
}

// ExternalStrategy runs the app under an external process manager. The attached
// manager command is supervised like any child; restarts the manager performs on
// its own are read from its status output and count against the same policy.
// On give-up or cancellation the app is deleted from the manager.
type ExternalStrategy struct {
	cfg    ExternalConfig
	log    *slog.Logger
	runner process.Runner
	query  func(ctx context.Context) ([]byte, error)
	opts   []Option

	mu      sync.RWMutex
	sup     *Supervisor
	managed *ManagedStatus
}

// ExternalOption configures an ExternalStrategy.
type ExternalOption func(*ExternalStrategy)

// WithRunner replaces the runner used for the teardown command.
func WithRunner(r process.Runner) ExternalOption {
	return func(e *ExternalStrategy) { e.runner = r }
}

// WithStatusQuery replaces the status command with fn.
func WithStatusQuery(fn func(ctx context.Context) ([]byte, error)) ExternalOption {
	return func(e *ExternalStrategy) { e.query = fn }
}

// WithSupervisorOptions passes options to the Supervisor of the attached command.
func WithSupervisorOptions(opts ...Option) ExternalOption {
	return func(e *ExternalStrategy) { e.opts = append(e.opts, opts...) }
}

func NewExternalStrategy(cfg ExternalConfig, log *slog.Logger, opts ...ExternalOption) *ExternalStrategy {
	if cfg.Tier == "" {
		cfg.Tier = "pm2"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	e := &ExternalStrategy{cfg: cfg, log: log.With("tier", cfg.Tier)}
	for _, o := range opts {
		o(e)
	}
	if e.runner == nil {
		e.runner = process.ExecRunner{Env: cfg.Env}
	}
	if e.query == nil && cfg.StatusCommand != "" {
		e.query = e.runStatusCommand
	}
	return e
}

func (e *ExternalStrategy) Name() string { return e.cfg.Tier }

func (e *ExternalStrategy) Status() TierStatus {
	e.mu.RLock()
	sup, managed := e.sup, e.managed
	e.mu.RUnlock()
	st := TierStatus{Tier: e.cfg.Tier, Name: e.cfg.ProcessName, Phase: restart.PhaseRunning.String()}
	if sup != nil {
		st = sup.Status()
	}
	if managed != nil {
		m := *managed
		st.Managed = &m
	}
	return st
}

func (e *ExternalStrategy) Run(ctx context.Context) (Outcome, error) {
	if err := e.cfg.Validate(); err != nil {
		return OutcomeGaveUp, err
	}
	if err := lookupExecutable(e.cfg.StartCommand); err != nil {
		e.log.Warn("process manager unavailable", "command", e.cfg.StartCommand, "error", err)
		return OutcomeGaveUp, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := make(chan restart.Event, 16)
	stdout, stderr := io.Writer(os.Stdout), io.Writer(os.Stderr)
	if e.cfg.OutputMarker != "" {
		stdout = &markerWriter{dst: stdout, marker: []byte(e.cfg.OutputMarker), out: signals}
		stderr = &markerWriter{dst: stderr, marker: []byte(e.cfg.OutputMarker), out: signals}
	}

	spec := process.Spec{
		Name:    e.cfg.ProcessName,
		Command: e.cfg.StartCommand,
		WorkDir: e.cfg.WorkDir,
		Env:     e.cfg.Env,
	}
	if spec.Name == "" {
		spec.Name = e.cfg.Tier
	}
	opts := append([]Option{
		WithTier(e.cfg.Tier),
		WithLogger(e.log),
		WithRestartDelay(e.cfg.RestartDelay),
		WithConsole(nil, stdout, stderr),
		WithSignals(signals),
		WithTeardown(e.teardown),
	}, e.opts...)
	sup := NewSupervisor(spec, e.cfg.Policy, opts...)
	e.mu.Lock()
	e.sup = sup
	e.mu.Unlock()

	if e.query != nil {
		w := &jlistWatcher{name: e.cfg.ProcessName, log: e.log, onStatus: e.setManaged}
		go w.watch(ctx, e.query, e.cfg.PollInterval, signals)
	}
	return sup.Run(ctx)
}

func (e *ExternalStrategy) setManaged(m *ManagedStatus) {
	e.mu.Lock()
	e.managed = m
	e.mu.Unlock()
}

func (e *ExternalStrategy) teardown(ctx context.Context) {
	if e.cfg.TeardownCommand == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	spec := process.Spec{Name: e.cfg.Tier + "-teardown", Command: e.cfg.TeardownCommand, WorkDir: e.cfg.WorkDir}
	if err := e.runner.Run(ctx, spec); err != nil {
		e.log.Warn("teardown failed", "command", e.cfg.TeardownCommand, "error", err)
		return
	}
	e.log.Info("removed app from process manager", "command", e.cfg.TeardownCommand)
}

func (e *ExternalStrategy) runStatusCommand(ctx context.Context) ([]byte, error) {
	spec := process.Spec{Name: e.cfg.Tier + "-status", Command: e.cfg.StatusCommand}
	cmd, err := spec.BuildCommand(ctx)
	if err != nil {
		return nil, err
	}
	cmd.Dir = e.cfg.WorkDir
	if len(e.cfg.Env) > 0 {
		cmd.Env = env.New().Merge(e.cfg.Env)
	}
	return cmd.Output()
}

// lookupExecutable resolves the program named by command. Commands handed to a
// shell are not checked.
func lookupExecutable(command string) error {
	if strings.ContainsAny(command, "|&;<>*?`$(){}[]~\n") {
		return nil
	}
	args, err := shellwords.Parse(command)
	if err != nil || len(args) == 0 {
		return nil
	}
	if args[0] == "sh" || strings.HasSuffix(args[0], "/sh") {
		return nil
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

// jlistEntry is the subset of one `pm2 jlist` element botkeeper reads.
type jlistEntry struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
	Env  struct {
		Status      string `json:"status"`
		RestartTime int    `json:"restart_time"`
	} `json:"pm2_env"`
}

// parseJList finds name in pm2's JSON process list. pm2 may print warnings
// before the JSON document; they are skipped.
func parseJList(b []byte, name string) (jlistEntry, bool, error) {
	if i := bytes.IndexByte(b, '['); i > 0 {
		b = b[i:]
	}
	var list []jlistEntry
	if err := json.Unmarshal(b, &list); err != nil {
		return jlistEntry{}, false, fmt.Errorf("parse process list: %w", err)
	}
	for _, p := range list {
		if p.Name == name {
			return p, true, nil
		}
	}
	return jlistEntry{}, false, nil
}

// jlistWatcher turns changes of the manager's restart counter into abnormal exit events.
type jlistWatcher struct {
	name     string
	log      *slog.Logger
	onStatus func(*ManagedStatus)

	seen     bool
	restarts int
	errored  bool
}

// observe returns how many abnormal exits happened since the previous observation.
// The first observation and counter resets (the app was re-created) only set the baseline.
func (w *jlistWatcher) observe(p jlistEntry, found bool) int {
	if !found {
		w.seen = false
		w.errored = false
		return 0
	}
	n := 0
	switch {
	case !w.seen || p.Env.RestartTime < w.restarts:
	default:
		n = p.Env.RestartTime - w.restarts
	}
	w.seen = true
	w.restarts = p.Env.RestartTime

	errored := p.Env.Status == "errored"
	if errored && !w.errored {
		n++
	}
	w.errored = errored
	return n
}

func (w *jlistWatcher) watch(ctx context.Context, query func(context.Context) ([]byte, error), every time.Duration, out chan<- restart.Event) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		b, err := query(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Debug("status query failed", "error", err)
			}
			continue
		}
		p, found, err := parseJList(b, w.name)
		if err != nil {
			w.log.Debug("status output unreadable", "error", err)
			continue
		}
		if w.onStatus != nil {
			if found {
				w.onStatus(&ManagedStatus{PID: p.PID, Status: p.Env.Status, Restarts: p.Env.RestartTime})
			} else {
				w.onStatus(nil)
			}
		}
		for i := w.observe(p, found); i > 0; i-- {
			w.log.Warn("process manager restarted the app", "status", p.Env.Status, "restart_time", p.Env.RestartTime)
			select {
			case out <- restart.Event{Kind: restart.EventExit, Code: -1, Err: errors.New("restarted by process manager")}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// markerWriter forwards output and emits an abnormal exit event for every
// complete line containing marker.
type markerWriter struct {
	dst    io.Writer
	marker []byte
	out    chan<- restart.Event
	mu     sync.Mutex
	line   []byte
}

func (m *markerWriter) Write(p []byte) (int, error) {
	n, err := m.dst.Write(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.line = append(m.line, p...)
	for {
		i := bytes.IndexByte(m.line, '\n')
		if i < 0 {
			break
		}
		if bytes.Contains(m.line[:i], m.marker) {
			select {
			case m.out <- restart.Event{Kind: restart.EventExit, Code: -1, Err: errors.New("output marker matched")}:
			default:
			}
		}
		m.line = m.line[i+1:]
	}
	if len(m.line) > 64*1024 {
		m.line = m.line[:0]
	}
	return n, err
}
