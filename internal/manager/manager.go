package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/botkeeper/internal/history"
	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/restart"
)

// Strategy is one supervision tier.
type Strategy interface {
	Name() string
	Run(ctx context.Context) (Outcome, error)
	Status() TierStatus
}

// Status describes the Manager and all of its tiers.
type Status struct {
	Current  string       `json:"current"`
	Finished bool         `json:"finished"`
	Outcome  string       `json:"outcome,omitempty"`
	Tiers    []TierStatus `json:"tiers"`
}

// Manager runs supervision tiers in order, falling back to the next tier when
// one gives up or fails to run.
type Manager struct {
	tiers []Strategy
	log   *slog.Logger
	rec   *history.Recorder

	mu       sync.RWMutex
	current  int
	finished bool
	outcome  Outcome
}

func NewManager(log *slog.Logger, rec *history.Recorder, tiers ...Strategy) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{tiers: tiers, log: log, rec: rec, current: -1}
}

// Run supervises until a tier finishes cleanly, ctx is cancelled, or the last
// tier gives up. In the latter case it returns restart.ErrGivenUp.
func (m *Manager) Run(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		m.finished = true
		m.mu.Unlock()
	}()
	if len(m.tiers) == 0 {
		return fmt.Errorf("no supervision tiers configured")
	}
	for i, t := range m.tiers {
		m.mu.Lock()
		m.current = i
		m.mu.Unlock()

		m.log.Info("starting supervision tier", "tier", t.Name())
		outcome, err := t.Run(ctx)
		m.mu.Lock()
		m.outcome = outcome
		m.mu.Unlock()

		switch {
		case err == nil && outcome == OutcomeExited:
			m.log.Info("supervised process exited cleanly", "tier", t.Name())
			return nil
		case err == nil && outcome == OutcomeCancelled, ctx.Err() != nil:
			m.log.Info("supervision cancelled", "tier", t.Name())
			return nil
		}

		if i+1 < len(m.tiers) {
			next := m.tiers[i+1].Name()
			m.log.Warn("falling back to next supervision tier", "from", t.Name(), "to", next, "outcome", outcome.String(), "error", err)
			metrics.IncFallback(t.Name(), next)
			msg := t.Name() + " -> " + next
			if err != nil {
				msg += ": " + err.Error()
			}
			m.rec.Record(ctx, history.Event{Type: history.EventFallback, Tier: t.Name(), Name: t.Status().Name, Message: msg})
			continue
		}
		m.log.Error("all supervision tiers exhausted; health endpoint stays up", "tier", t.Name(), "error", err)
		if err != nil {
			return fmt.Errorf("%w: %w", restart.ErrGivenUp, err)
		}
		return restart.ErrGivenUp
	}
	return restart.ErrGivenUp
}

// Status returns the current tier and a snapshot of every tier.
func (m *Manager) Status() Status {
	m.mu.RLock()
	cur, finished, outcome := m.current, m.finished, m.outcome
	m.mu.RUnlock()

	st := Status{Finished: finished, Tiers: make([]TierStatus, 0, len(m.tiers))}
	if cur >= 0 && cur < len(m.tiers) {
		st.Current = m.tiers[cur].Name()
	}
	if finished {
		st.Outcome = outcome.String()
	}
	for _, t := range m.tiers {
		st.Tiers = append(st.Tiers, t.Status())
	}
	return st
}
