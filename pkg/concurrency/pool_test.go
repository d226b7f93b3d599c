package concurrency

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KaisukaTran/findmy-fm/pkg/logging"
)

func TestSubmitRunsTask(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "basic"}, logging.NewNopLogger())
	defer pool.Stop()

	done := make(chan struct{})
	if err := pool.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestNonBlockingSubmitFailsFast(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "broadcast",
		MaxWorkers:  1,
		MaxCapacity: 1,
		NonBlocking: true,
	}, logging.NewNopLogger())
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)

	// Park the worker, then pile tasks on until the queue rejects one.
	var full error
	for i := 0; i < 200 && full == nil; i++ {
		full = pool.Submit(func() { <-release })
	}
	if full == nil {
		t.Fatal("saturated pool never rejected a submit")
	}
	if !errors.Is(full, ErrQueueFull) {
		t.Errorf("rejection = %v, want ErrQueueFull", full)
	}
}

func TestTrySubmitReportsFullQueue(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "fanout", MaxWorkers: 1, MaxCapacity: 1}, logging.NewNopLogger())
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)

	if !pool.TrySubmit(func() { <-release }) {
		t.Fatal("TrySubmit rejected work on an idle pool")
	}

	rejected := false
	for i := 0; i < 200; i++ {
		if !pool.TrySubmit(func() { <-release }) {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Error("TrySubmit never reported a full queue")
	}
}

func TestTaskPanicDoesNotKillPool(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "recover", MaxWorkers: 1}, logging.NewNopLogger())
	defer pool.Stop()

	pool.SubmitAndWait(func() { panic("boom") })

	// With a single worker the next task only runs after the panicked one
	// has been fully accounted for.
	var ran atomic.Bool
	pool.SubmitAndWait(func() { ran.Store(true) })
	if !ran.Load() {
		t.Fatal("pool unusable after a recovered panic")
	}
	if pool.Stats().FailedTasks == 0 {
		t.Error("panicked task not counted as failed")
	}
}

func TestStatsAfterDrain(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "stats", MaxWorkers: 4}, logging.NewNopLogger())

	const n = 5
	for i := 0; i < n; i++ {
		if err := pool.Submit(func() {}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	pool.Stop()

	s := pool.Stats()
	if s.SubmittedTasks != n {
		t.Errorf("SubmittedTasks = %d, want %d", s.SubmittedTasks, n)
	}
	if s.SuccessfulTasks != n {
		t.Errorf("SuccessfulTasks = %d, want %d", s.SuccessfulTasks, n)
	}
}

func BenchmarkSubmit(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{Name: "bench", MaxWorkers: 8, MaxCapacity: 4096}, logging.NewNopLogger())
	defer pool.Stop()

	var n atomic.Int64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(func() { n.Add(1) })
	}
}
