// Package server exposes the control API: session lifecycle, status,
// emergency actions, and on-demand backtests.
package server

import (
	"context"
	"sync"
	"time"
	"volharvester/internal/core"
	"volharvester/internal/trader"
	apperrors "volharvester/pkg/errors"
)

// SessionFactory builds a fresh trader for each started session.
type SessionFactory func() (*trader.Trader, error)

// SessionManager enforces the single-session rule: at most one trader runs
// at a time, and control actions are routed to it.
type SessionManager struct {
	mu      sync.Mutex
	factory SessionFactory
	logger  core.ILogger

	current *trader.Trader
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewSessionManager creates a manager around the factory.
func NewSessionManager(factory SessionFactory, logger core.ILogger) *SessionManager {
	return &SessionManager{
		factory: factory,
		logger:  logger.WithField("component", "session_manager"),
	}
}

// Start launches a new session. Returns ErrSessionRunning while one is
// already active.
func (sm *SessionManager) Start(parent context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != nil && sm.current.IsRunning() {
		return apperrors.ErrSessionRunning
	}

	tr, err := sm.factory()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	sm.current = tr
	sm.cancel = cancel
	sm.done = done
	sm.lastErr = nil

	go func() {
		defer close(done)
		if err := tr.Run(ctx); err != nil && err != context.Canceled {
			sm.mu.Lock()
			sm.lastErr = err
			sm.mu.Unlock()
			sm.logger.Error("Session ended with error", "error", err)
		}
	}()

	sm.logger.Info("Session launched")
	return nil
}

// Stop cancels the active session and waits briefly for it to wind down.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	if sm.current == nil || !sm.current.IsRunning() {
		sm.mu.Unlock()
		return apperrors.ErrNoSession
	}
	cancel := sm.cancel
	done := sm.done
	sm.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		sm.logger.Warn("Session did not stop within the grace period")
	}
	return nil
}

// EmergencyFlatten delegates to the active session.
func (sm *SessionManager) EmergencyFlatten(ctx context.Context) error {
	tr := sm.active()
	if tr == nil {
		return apperrors.ErrNoSession
	}
	return tr.EmergencyFlatten(ctx)
}

// Resume clears a pause on the active session.
func (sm *SessionManager) Resume() error {
	tr := sm.active()
	if tr == nil {
		return apperrors.ErrNoSession
	}
	return tr.Resume()
}

// Status reports the active session, or a stub when none exists.
func (sm *SessionManager) Status() map[string]interface{} {
	sm.mu.Lock()
	tr := sm.current
	lastErr := sm.lastErr
	sm.mu.Unlock()

	if tr == nil {
		return map[string]interface{}{"running": false}
	}
	status := tr.Status()
	if lastErr != nil {
		status["session_error"] = lastErr.Error()
	}
	return status
}

// HealthCheck reports session liveness for the health registry. A manager
// with no session yet is healthy; a dead loop is not.
func (sm *SessionManager) HealthCheck() error {
	tr := sm.active()
	if tr == nil {
		return nil
	}
	return tr.HealthCheck()
}

func (sm *SessionManager) active() *trader.Trader {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == nil || !sm.current.IsRunning() {
		return nil
	}
	return sm.current
}
