package core

import (
	"math/rand"
	"sync"
	"time"
)

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// SeededRand wraps math/rand with an explicit seed so runs replay. Draws are
// serialized: both the dispatcher and inline submits pull from it.
type SeededRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededRand creates a deterministic random source.
func NewSeededRand(seed int64) *SeededRand {
	return &SeededRand{rng: rand.New(rand.NewSource(seed))}
}

func (r *SeededRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// ZeroRand always returns 0, removing slippage and latency jitter. Used by
// tests and by replay runs that need exact determinism.
type ZeroRand struct{}

func (ZeroRand) Float64() float64 { return 0 }
