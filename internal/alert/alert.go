// Package alert fans out operational notifications (breaker trips, emergency
// flattens, session lifecycle) to the configured channels.
package alert

import (
	"context"
	"sync"
	"time"
	"volharvester/internal/core"
	"volharvester/pkg/concurrency"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager dispatches alerts asynchronously on a worker pool so delivery
// never blocks the trading path.
type AlertManager struct {
	channels []AlertChannel
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "alerts",
		MaxWorkers:  4,
		MaxCapacity: 64,
		NonBlocking: true,
	}, logger)

	return &AlertManager{
		channels: make([]AlertChannel, 0),
		pool:     pool,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert queues the payload for delivery to every channel. A full queue drops
// the alert with a log line rather than stalling the caller.
func (am *AlertManager) Alert(title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.mu.RLock()
	channels := make([]AlertChannel, len(am.channels))
	copy(channels, am.channels)
	am.mu.RUnlock()

	if len(channels) == 0 {
		return
	}
	am.logger.Info("Triggering alert", "title", title, "level", string(level))

	for _, ch := range channels {
		c := ch
		err := am.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Send(ctx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		})
		if err != nil {
			am.logger.Warn("Alert queue full, dropping alert", "channel", c.Name(), "title", title)
		}
	}
}

// Stop drains the dispatch pool.
func (am *AlertManager) Stop() {
	am.pool.Stop()
}
