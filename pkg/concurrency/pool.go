// Package concurrency provides a bounded worker pool on top of alitto/pond.
package concurrency

import (
	"fmt"
	"time"
	"volharvester/internal/core"

	"github.com/alitto/pond"
)

const (
	defaultMaxWorkers  = 10
	defaultMaxCapacity = 100
	defaultIdleTimeout = time.Minute
)

// PoolConfig sizes a worker pool. NonBlocking makes Submit fail fast when the
// queue is full instead of blocking the caller.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool
}

func (cfg PoolConfig) withDefaults() PoolConfig {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = defaultMaxCapacity
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return cfg
}

// WorkerPool is a named pond pool with panic recovery routed to the logger.
type WorkerPool struct {
	pool   *pond.WorkerPool
	cfg    PoolConfig
	logger core.ILogger
}

// NewWorkerPool builds a pool from cfg. Zero-value fields get safe defaults.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	cfg = cfg.withDefaults()

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("worker pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		cfg:    cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
}

// Submit queues task. In NonBlocking mode a full queue returns an error.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.cfg.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool %q is full (capacity %d)", wp.cfg.Name, wp.cfg.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// SubmitAndWait queues task and blocks until it has run.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		defer close(done)
		task()
	})
	<-done
}

// Stop drains the queue and waits for in-flight tasks.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Stats reports pool counters for status endpoints.
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"idle_workers":     wp.pool.IdleWorkers(),
		"submitted_tasks":  wp.pool.SubmittedTasks(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
	}
}
