package server

import (
	"math"
	"sync"
	"time"
)

// windowStore is an echo RateLimiterStore counting requests per identifier in
// fixed windows. A window opens with the first request of an identifier and
// its counter resets only once the window has fully elapsed.
type windowStore struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*windowCount
	lastSweep time.Time
}

type windowCount struct {
	count int
	start time.Time
}

func newWindowStore(limit int, window time.Duration) *windowStore {
	return &windowStore{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*windowCount),
	}
}

func (s *windowStore) Allow(identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)

	c, ok := s.clients[identifier]
	if !ok || now.Sub(c.start) >= s.window {
		c = &windowCount{start: now}
		s.clients[identifier] = c
	}
	c.count++
	return c.count <= s.limit, nil
}

// retryAfter is the number of seconds until identifier's window resets,
// rounded up, and at least 1.
func (s *windowStore) retryAfter(identifier string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	left := s.window
	if c, ok := s.clients[identifier]; ok {
		left = c.start.Add(s.window).Sub(s.now())
	}
	return max(1, int(math.Ceil(left.Seconds())))
}

// sweep drops expired windows at most once per window length.
func (s *windowStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.window {
		return
	}
	s.lastSweep = now
	for id, c := range s.clients {
		if now.Sub(c.start) >= s.window {
			delete(s.clients, id)
		}
	}
}
