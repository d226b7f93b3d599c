// Package concurrency provides the bounded worker pools used for fan-out
// work that must never back-pressure the trading path.
package concurrency

import (
	"errors"
	"fmt"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/core"

	"github.com/alitto/pond"
)

// ErrQueueFull is returned by Submit on a non-blocking pool whose task queue
// is at capacity. Callers treat it as "drop the work", not as a fault.
var ErrQueueFull = errors.New("task queue full")

const (
	defaultWorkers  = 10
	defaultCapacity = 100
	defaultIdle     = time.Minute
)

// PoolConfig describes a named worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail fast with ErrQueueFull instead of
	// stalling the producer when the queue is at capacity.
	NonBlocking bool
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultWorkers
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = defaultCapacity
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdle
	}
}

// WorkerPool is a thin wrapper over alitto/pond that fixes the platform's
// conventions: named pools, recovered panics routed to the logger, and a
// fail-fast submit mode for best-effort work.
type WorkerPool struct {
	name        string
	capacity    int
	nonBlocking bool
	inner       *pond.WorkerPool
	logger      core.ILogger
}

// NewWorkerPool builds and starts a pool. Zero config values take safe
// defaults.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	cfg.applyDefaults()
	scoped := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	inner := pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(v interface{}) {
			scoped.Error("task panicked", "panic", v)
		}),
	)

	return &WorkerPool{
		name:        cfg.Name,
		capacity:    cfg.MaxCapacity,
		nonBlocking: cfg.NonBlocking,
		inner:       inner,
		logger:      scoped,
	}
}

// Submit enqueues a task. On a non-blocking pool it returns ErrQueueFull
// when the queue is at capacity; otherwise it blocks until a slot frees up.
func (wp *WorkerPool) Submit(task func()) error {
	if !wp.nonBlocking {
		wp.inner.Submit(task)
		return nil
	}
	if !wp.inner.TrySubmit(task) {
		return fmt.Errorf("pool %s (capacity %d): %w", wp.name, wp.capacity, ErrQueueFull)
	}
	return nil
}

// TrySubmit enqueues without ever blocking, regardless of pool mode. It
// reports false when the queue is full.
func (wp *WorkerPool) TrySubmit(task func()) bool {
	return wp.inner.TrySubmit(task)
}

// SubmitAndWait enqueues a task and blocks until it has run.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	wp.inner.SubmitAndWait(task)
}

// Stop drains queued tasks and waits for in-flight ones to finish.
func (wp *WorkerPool) Stop() {
	wp.inner.StopAndWait()
}

// Name returns the pool's configured name.
func (wp *WorkerPool) Name() string { return wp.name }

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	RunningWorkers  int
	IdleWorkers     int
	SubmittedTasks  uint64
	WaitingTasks    uint64
	SuccessfulTasks uint64
	FailedTasks     uint64
}

// Stats reports the pool's counters, for health endpoints and shutdown logs.
func (wp *WorkerPool) Stats() Stats {
	return Stats{
		RunningWorkers:  wp.inner.RunningWorkers(),
		IdleWorkers:     wp.inner.IdleWorkers(),
		SubmittedTasks:  wp.inner.SubmittedTasks(),
		WaitingTasks:    wp.inner.WaitingTasks(),
		SuccessfulTasks: wp.inner.SuccessfulTasks(),
		FailedTasks:     wp.inner.FailedTasks(),
	}
}
