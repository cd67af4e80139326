package restart

import (
	"errors"
	"fmt"
	"time"
)

// Default policy values. Five restarts inside a thirty second window.
const (
	DefaultMaxRestarts = 5
	DefaultWindow      = 30 * time.Second
)

// Policy bounds how many restarts are permitted within a sliding window.
type Policy struct {
	MaxRestarts int           `json:"max_restarts" mapstructure:"max_restarts"`
	Window      time.Duration `json:"window" mapstructure:"window"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MaxRestarts: DefaultMaxRestarts, Window: DefaultWindow}
}

// Validate rejects policies that can never be satisfied.
func (p Policy) Validate() error {
	if p.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must be >= 0, got %d", p.MaxRestarts)
	}
	if p.Window < 0 {
		return fmt.Errorf("window must be >= 0, got %s", p.Window)
	}
	return nil
}

// Phase is the supervision phase of one process lifetime.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseRestarting
	PhaseGivenUp
	PhaseExited
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseRestarting:
		return "restarting"
	case PhaseGivenUp:
		return "given_up"
	case PhaseExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == PhaseGivenUp || p == PhaseExited }

// State is the restart bookkeeping owned by a single supervisor.
// It is a plain value: pass it to Next and keep what comes back.
type State struct {
	Phase       Phase     `json:"phase"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

func (s State) String() string {
	return fmt.Sprintf("%s (restarts=%d)", s.Phase, s.Count)
}

// EventKind enumerates what can happen to a supervised process.
type EventKind int

const (
	EventStarted EventKind = iota
	EventExit
	EventSpawnFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventExit:
		return "exit"
	case EventSpawnFailed:
		return "spawn_failed"
	default:
		return "unknown"
	}
}

// Event is one observation fed into Next.
type Event struct {
	Kind     EventKind
	Code     int
	Signaled bool
	Err      error
}

// Started reports a successful spawn.
func Started() Event { return Event{Kind: EventStarted} }

// Exited reports a process exit with the given status code.
func Exited(code int) Event { return Event{Kind: EventExit, Code: code} }

// Killed reports a process terminated by a signal.
func Killed() Event { return Event{Kind: EventExit, Code: -1, Signaled: true} }

// SpawnFailed reports that the process could not be started at all.
func SpawnFailed(err error) Event { return Event{Kind: EventSpawnFailed, Err: err} }

// Clean reports whether the event is a normal, zero-status exit.
func (e Event) Clean() bool { return e.Kind == EventExit && e.Code == 0 && !e.Signaled }

// Action is what the caller must do after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionSpawn
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSpawn:
		return "spawn"
	case ActionGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// ErrGivenUp is returned by supervisors that exhausted their policy.
var ErrGivenUp = errors.New("restart limit reached")

// Next is the pure transition function of the restart state machine.
//
//	Running/Restarting --started--> Running
//	any --clean exit--> Exited
//	any --abnormal exit--> Restarting (spawn) | GivenUp (give up)
//	GivenUp, Exited: absorbing
//
// The window resets when more than p.Window has elapsed since WindowStart;
// the count is then incremented, so the first event of a new window yields 1.
func Next(p Policy, s State, e Event, now time.Time) (State, Action) {
	if s.Phase.Terminal() {
		return s, ActionNone
	}
	switch {
	case e.Kind == EventStarted:
		s.Phase = PhaseRunning
		return s, ActionNone
	case e.Clean():
		s.Phase = PhaseExited
		return s, ActionNone
	}

	if s.WindowStart.IsZero() || now.Sub(s.WindowStart) > p.Window {
		s.Count = 0
		s.WindowStart = now
	}
	s.Count++
	if s.Count > p.MaxRestarts {
		s.Phase = PhaseGivenUp
		return s, ActionGiveUp
	}
	s.Phase = PhaseRestarting
	return s, ActionSpawn
}
