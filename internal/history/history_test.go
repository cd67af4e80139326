package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestRecorder_FansOutAndStamps(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	r := NewRecorder(nil, a, b)

	r.Record(context.Background(), Event{Type: EventRestart, Tier: "direct", Name: "bot", Restarts: 2})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1, "failing sink still receives the event")
	assert.Equal(t, EventRestart, a.events[0].Type)
	assert.False(t, a.events[0].OccurredAt.IsZero())
}

func TestRecorder_KeepsExplicitTime(t *testing.T) {
	s := &memSink{}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	NewRecorder(nil, s).Record(context.Background(), Event{Type: EventExit, OccurredAt: at})
	assert.Equal(t, at, s.events[0].OccurredAt)
}

func TestRecorder_IgnoresCancelledCaller(t *testing.T) {
	s := &memSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewRecorder(nil, s).Record(ctx, Event{Type: EventGiveUp})
	assert.Len(t, s.events, 1)
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventStart})
	assert.NoError(t, r.Close())
}

func TestRecorder_Close(t *testing.T) {
	s := &memSink{}
	require.NoError(t, NewRecorder(nil, s).Close())
	assert.True(t, s.closed)
}
