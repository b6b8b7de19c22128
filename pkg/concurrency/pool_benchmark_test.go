package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
)

func BenchmarkSubmit(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "bench",
		MaxWorkers:  10,
		MaxCapacity: 1000,
	}, nopLogger{})
	defer pool.Stop()

	var n int64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(func() { atomic.AddInt64(&n, 1) })
	}
}

func BenchmarkSubmitAndWait(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "bench-wait",
		MaxWorkers:  10,
		MaxCapacity: 1000,
	}, nopLogger{})
	defer pool.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.SubmitAndWait(func() {})
	}
}

// Baseline for comparison against raw goroutine spawning.
func BenchmarkBareGoroutine(b *testing.B) {
	var wg sync.WaitGroup
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wg.Add(1)
		go wg.Done()
	}
	wg.Wait()
}
