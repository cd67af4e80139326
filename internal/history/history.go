package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventStart     EventType = "start"
	EventExit      EventType = "exit"
	EventRestart   EventType = "restart"
	EventGiveUp    EventType = "giveup"
	EventFallback  EventType = "fallback"
	EventBootstrap EventType = "bootstrap"
)

// Event represents a supervision event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Tier       string    `json:"tier"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Restarts   int       `json:"restarts"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. Failures are logged and otherwise ignored,
// so a broken sink never affects supervision. The zero value and nil are usable.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log, timeout: 5 * time.Second}
}

// Record stamps e with the current time when unset and delivers it to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "type", string(e.Type), "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
