package mock

import (
	"sync"
	"time"
)

// MockClock is a movable clock. Tests advance it explicitly so latency and
// timeout math is exact.
type MockClock struct {
	mu sync.Mutex
	at time.Time
}

func NewMockClock(at time.Time) *MockClock {
	return &MockClock{at: at.UTC()}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func (c *MockClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = at.UTC()
}

// MockRand replays a scripted sequence of draws and repeats the last value
// once the script runs out. An empty script always draws zero.
type MockRand struct {
	mu     sync.Mutex
	script []float64
	next   int
	drawn  int
}

func NewMockRand(script ...float64) *MockRand {
	return &MockRand{script: script}
}

func (r *MockRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawn++
	if len(r.script) == 0 {
		return 0
	}
	v := r.script[r.next]
	if r.next < len(r.script)-1 {
		r.next++
	}
	return v
}

// Drawn reports how many values were consumed.
func (r *MockRand) Drawn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drawn
}
