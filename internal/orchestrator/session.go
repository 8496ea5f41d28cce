package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// SessionManager owns the live browser session. It is the only place a
// session is created or replaced.
type SessionManager struct {
	driver harvest.SessionDriver
	logger *zap.Logger

	mu      sync.Mutex
	current harvest.Session
}

// NewSessionManager returns a manager that launches sessions with driver.
func NewSessionManager(driver harvest.SessionDriver, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{driver: driver, logger: logger.Named("session")}
}

// Start launches the first session.
func (m *SessionManager) Start(ctx context.Context) error {
	sess, err := m.driver.Launch(ctx)
	if err != nil {
		return fmt.Errorf("launch session: %w", err)
	}
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	return nil
}

// Current returns the live session, or nil when none is running.
func (m *SessionManager) Current() harvest.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Restart closes the current session and launches a new one. When the
// launch fails no session is left running.
func (m *SessionManager) Restart(ctx context.Context) error {
	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("closing previous session", zap.Error(err))
		}
	}
	return m.Start(ctx)
}

// Close shuts the current session down.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// asFatal wraps err as a FatalStartupError unless it already is one.
func asFatal(err error) error {
	var fatal *harvest.FatalStartupError
	if errors.As(err, &fatal) {
		return err
	}
	return &harvest.FatalStartupError{Err: err}
}
