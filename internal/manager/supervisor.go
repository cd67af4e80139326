package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/botkeeper/internal/env"
	"github.com/loykin/botkeeper/internal/history"
	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/process"
	"github.com/loykin/botkeeper/internal/restart"
)

// Outcome is how a supervision tier ended.
type Outcome int

const (
	OutcomeExited    Outcome = iota // child exited cleanly
	OutcomeGaveUp                   // restart policy exhausted
	OutcomeCancelled                // context cancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeGaveUp:
		return "gave_up"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Child is a running instance started by a Spawner.
type Child interface {
	Wait() process.ExitInfo
	Stop(wait time.Duration) error
	Snapshot() process.Status
}

// Spawner starts spec with env and returns the running child.
type Spawner func(spec process.Spec, env []string) (Child, error)

// TierStatus is a point-in-time view of one supervision tier.
type TierStatus struct {
	Tier         string         `json:"tier"`
	Name         string         `json:"name"`
	Phase        string         `json:"phase"`
	Restarts     int            `json:"restarts"`
	WindowStart  time.Time      `json:"window_start"`
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	StartedAt    time.Time      `json:"started_at"`
	LastExitCode int            `json:"last_exit_code"`
	LastExitAt   time.Time      `json:"last_exit_at"`
	Managed      *ManagedStatus `json:"managed,omitempty"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithTier(name string) Option { return func(s *Supervisor) { s.tier = name } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithEnv merges the wrapper's environment into every spawn.
func WithEnv(e *env.Env) Option { return func(s *Supervisor) { s.env = e } }

func WithRecorder(r *history.Recorder) Option { return func(s *Supervisor) { s.rec = r } }

// WithRestartDelay pauses between an abnormal exit and the next spawn.
func WithRestartDelay(d time.Duration) Option { return func(s *Supervisor) { s.delay = d } }

// WithStopTimeout sets the SIGTERM grace before SIGKILL on cancellation.
func WithStopTimeout(d time.Duration) Option { return func(s *Supervisor) { s.stopWait = d } }

func WithSpawner(sp Spawner) Option { return func(s *Supervisor) { s.spawn = sp } }

// WithConsole replaces the standard streams handed to spawned children.
func WithConsole(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(s *Supervisor) { s.stdin, s.stdout, s.stderr = stdin, stdout, stderr }
}

// WithSignals feeds externally observed abnormal exits into the restart policy.
// They count against the same window as exits of the spawned child.
func WithSignals(ch <-chan restart.Event) Option { return func(s *Supervisor) { s.signals = ch } }

// WithTeardown registers a hook run after the child is stopped on give-up or cancellation.
func WithTeardown(fn func(ctx context.Context)) Option { return func(s *Supervisor) { s.teardown = fn } }

func withClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// Supervisor keeps one child process alive within the bounds of a restart.Policy.
// All state changes happen on the Run goroutine; Status may be called concurrently.
type Supervisor struct {
	tier     string
	spec     process.Spec
	policy   restart.Policy
	log      *slog.Logger
	env      *env.Env
	rec      *history.Recorder
	delay    time.Duration
	stopWait time.Duration
	spawn    Spawner
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	signals  <-chan restart.Event
	teardown func(ctx context.Context)
	now      func() time.Time

	mu     sync.RWMutex
	state  restart.State
	status TierStatus
}

func NewSupervisor(spec process.Spec, policy restart.Policy, opts ...Option) *Supervisor {
	s := &Supervisor{
		tier:     "direct",
		spec:     spec,
		policy:   policy,
		log:      slog.Default(),
		stopWait: 5 * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.spawn == nil {
		s.spawn = s.processSpawner
	}
	s.log = s.log.With("tier", s.tier, "name", spec.Name)
	s.status = TierStatus{Tier: s.tier, Name: spec.Name, Phase: s.state.Phase.String()}
	return s
}

func (s *Supervisor) Name() string { return s.tier }

// Status returns a snapshot of the restart state and the current child.
func (s *Supervisor) Status() TierStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Run spawns the child and restarts it on abnormal exits until the policy gives
// up, the child exits cleanly, or ctx is cancelled. A missing executable is
// reported immediately as OutcomeGaveUp with the spawn error.
func (s *Supervisor) Run(ctx context.Context) (Outcome, error) {
	if err := s.spec.Validate(); err != nil {
		return OutcomeGaveUp, err
	}
	if err := s.policy.Validate(); err != nil {
		return OutcomeGaveUp, err
	}
	if pid, err := process.ReapStale(s.spec.PIDFile, s.stopWait); pid > 0 {
		s.log.Warn("terminated stale process from previous run", "pid", pid, "error", err)
	}

	exits := make(chan process.ExitInfo, 1)
	var child Child

	ev, err := s.start(ctx, &child, exits)
	if err != nil {
		return OutcomeGaveUp, err
	}
	for {
		action := s.apply(ev)
		switch action {
		case restart.ActionGiveUp:
			st := s.Status()
			s.log.Error("restart limit reached, giving up",
				"restarts", st.Restarts, "max_restarts", s.policy.MaxRestarts, "window", s.policy.Window)
			metrics.IncGiveUp(s.tier)
			s.record(ctx, history.EventGiveUp, st, restart.ErrGivenUp.Error())
			s.shutdown(ctx, child, exits)
			return OutcomeGaveUp, nil
		case restart.ActionSpawn:
			st := s.Status()
			metrics.IncRestart(s.tier)
			s.record(ctx, history.EventRestart, st, "")
			if child != nil {
				// the child is still ours; an external manager already restarted the app
				s.log.Warn("external restart observed", "restarts", st.Restarts)
				ev = restart.Started()
				continue
			}
			s.log.Warn("restarting after abnormal exit", "restarts", st.Restarts, "delay", s.delay)
			if !sleepCtx(ctx, s.delay) {
				s.shutdown(ctx, nil, exits)
				return OutcomeCancelled, nil
			}
			if ev, err = s.start(ctx, &child, exits); err != nil {
				s.shutdown(ctx, nil, exits)
				return OutcomeGaveUp, err
			}
			continue
		}

		if s.Status().Phase == restart.PhaseExited.String() {
			s.log.Info("process exited cleanly, supervision finished")
			return OutcomeExited, nil
		}

		select {
		case <-ctx.Done():
			s.shutdown(ctx, child, exits)
			return OutcomeCancelled, nil
		case info := <-exits:
			child = nil
			ev = s.onExit(ctx, info)
		case sig := <-s.signals:
			ev = sig
		}
	}
}

// start spawns a new child. Spawn failures become restart events except for a
// missing executable, which is returned as an error.
func (s *Supervisor) start(ctx context.Context, child *Child, exits chan<- process.ExitInfo) (restart.Event, error) {
	var merged []string
	if s.env != nil {
		merged = s.env.Merge(s.spec.Env)
	} else if len(s.spec.Env) > 0 {
		merged = env.New().Merge(s.spec.Env)
	}
	c, err := s.spawn(s.spec, merged)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			s.log.Error("executable not found", "command", s.spec.Command, "error", err)
			return restart.Event{}, fmt.Errorf("%s: %w", s.tier, err)
		}
		s.log.Error("spawn failed", "command", s.spec.Command, "error", err)
		return restart.SpawnFailed(err), nil
	}
	*child = c
	go func() { exits <- c.Wait() }()

	ps := c.Snapshot()
	s.mu.Lock()
	s.status.Running = true
	s.status.PID = ps.PID
	s.status.StartedAt = ps.StartedAt
	s.mu.Unlock()

	metrics.IncStart(s.tier)
	s.log.Info("process started", "pid", ps.PID)
	s.record(ctx, history.EventStart, s.Status(), "")
	return restart.Started(), nil
}

func (s *Supervisor) onExit(ctx context.Context, info process.ExitInfo) restart.Event {
	s.mu.Lock()
	s.status.Running = false
	s.status.LastExitCode = info.Code
	s.status.LastExitAt = s.now()
	st := s.status
	s.mu.Unlock()

	metrics.IncExit(s.tier, info.Code)
	msg := ""
	if info.Err != nil {
		msg = info.Err.Error()
	}
	if info.Clean() {
		s.log.Info("process exited", "pid", st.PID, "code", info.Code)
	} else {
		s.log.Warn("process exited abnormally", "pid", st.PID, "code", info.Code, "signaled", info.Signaled, "error", info.Err)
	}
	s.record(ctx, history.EventExit, st, msg)
	return restart.Event{Kind: restart.EventExit, Code: info.Code, Signaled: info.Signaled, Err: info.Err}
}

// apply runs the transition function and publishes the new state.
func (s *Supervisor) apply(ev restart.Event) restart.Action {
	s.mu.Lock()
	prev := s.state
	next, action := restart.Next(s.policy, prev, ev, s.now())
	s.state = next
	s.status.Phase = next.Phase.String()
	s.status.Restarts = next.Count
	s.status.WindowStart = next.WindowStart
	s.mu.Unlock()

	metrics.SetState(s.tier, prev.Phase.String(), next.Phase.String())
	if prev != next {
		s.log.Debug("restart state", "event", ev.Kind.String(), "from", prev.String(), "to", next.String(), "action", action.String())
	}
	return action
}

func (s *Supervisor) shutdown(ctx context.Context, child Child, exits <-chan process.ExitInfo) {
	if child != nil {
		if err := child.Stop(s.stopWait); err != nil {
			s.log.Warn("stop failed", "error", err)
		}
		select {
		case <-exits:
		case <-time.After(s.stopWait + time.Second):
			s.log.Warn("child did not report exit after stop")
		}
		s.mu.Lock()
		s.status.Running = false
		s.mu.Unlock()
	}
	if s.teardown != nil {
		s.teardown(context.WithoutCancel(ctx))
	}
}

func (s *Supervisor) record(ctx context.Context, t history.EventType, st TierStatus, msg string) {
	s.rec.Record(ctx, history.Event{
		Type:     t,
		Tier:     st.Tier,
		Name:     st.Name,
		PID:      st.PID,
		ExitCode: st.LastExitCode,
		Restarts: st.Restarts,
		Message:  msg,
	})
}

func (s *Supervisor) processSpawner(spec process.Spec, env []string) (Child, error) {
	p := process.New(spec)
	p.SetConsole(s.stdin, s.stdout, s.stderr)
	if err := p.Start(env); err != nil {
		return nil, err
	}
	return p, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
