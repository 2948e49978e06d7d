package capture

import (
	"context"
	"sync"
)

// SessionFactory builds a fresh, unstarted session
type SessionFactory func() *Session

// Manager owns the single active capture session
type Manager struct {
	mu      sync.Mutex
	current *Session
	factory SessionFactory
}

// NewManager creates a manager that builds sessions with factory
func NewManager(factory SessionFactory) *Manager {
	return &Manager{factory: factory}
}

// Start fully tears down any active session, then starts a new one. The
// new session is returned even when it fails to start so its error state
// can be inspected.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		_ = m.current.Stop()
		m.current = nil
	}

	s := m.factory()
	if err := s.Start(ctx); err != nil {
		return s, err
	}
	m.current = s
	return s, nil
}

// Stop tears down the active session, if any
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	err := m.current.Stop()
	m.current = nil
	return err
}

// Current returns the active session or nil
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
