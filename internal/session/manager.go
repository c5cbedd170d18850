package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// drainPoll is how often Drain re-checks the registry.
const drainPoll = 20 * time.Millisecond

// Manager is the process-wide registry of live call sessions. The gateway
// adds a session before running it and removes it when Run returns; health
// reporting reads the count and shutdown drains the registry.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu   sync.Mutex
	live map[*Session]struct{}
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{live: make(map[*Session]struct{})}
}

// Add registers a session and returns its idempotent remove function.
func (m *Manager) Add(s *Session) (remove func()) {
	m.mu.Lock()
	m.live[s] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.live, s)
			m.mu.Unlock()
		})
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Drain blocks until every registered session has ended or ctx expires.
// Sessions end on their own once the server context is cancelled; Drain
// only watches the registry empty out.
func (m *Manager) Drain(ctx context.Context) error {
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	for {
		if m.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("session: drain: %d call(s) still live: %w", m.Len(), ctx.Err())
		case <-t.C:
		}
	}
}
