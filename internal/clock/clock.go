package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time to components that reason about wall-clock
// intervals, so tests can drive them deterministically.
type Clock interface {
	Now() time.Time
}

// System reads the host clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at start. A zero start is replaced
// with a fixed epoch so durations never underflow.
func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Unix(1_700_000_000, 0)
	}
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
