package server

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/dialect"
	"github.com/zeptools/sqlrelay/errdefs"
)

// Manager owns every live session and the backend pools they draw from.
type Manager struct {
	mu       sync.RWMutex
	pools    map[string]backend.Pool
	dialects map[string]dialect.Dialect
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{
		pools:    map[string]backend.Pool{},
		dialects: map[string]dialect.Dialect{},
		sessions: map[string]*Session{},
	}
}

// AddBackend registers a named backend pool with its companion dialect.
func (m *Manager) AddBackend(name string, conf *backend.Conf) error {
	pool, err := backend.New(conf)
	if err != nil {
		return fmt.Errorf("backend %q: %w", name, err)
	}
	dial, err := dialect.New(conf.Type)
	if err != nil {
		pool.Close()
		return fmt.Errorf("backend %q: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[name] = pool
	m.dialects[name] = dial
	return nil
}

// AddBackendPool registers an already-built pool, mainly for tests.
func (m *Manager) AddBackendPool(name string, pool backend.Pool, dial dialect.Dialect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[name] = pool
	m.dialects[name] = dial
}

func (m *Manager) OpenSession(backendName string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[backendName]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("unknown backend %q", backendName))
	}
	s := newSession(backendName, pool, m.dialects[backendName])
	m.sessions[s.ID] = s
	return s, nil
}

func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("unknown session %s", id))
	}
	return s, nil
}

func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return errdefs.New(errdefs.KindAlreadyClosed, fmt.Sprintf("session %s already closed", id))
	}
	s.close()
	return nil
}

// SessionIDs snapshots the live session ids, oldest-registration order not
// guaranteed.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ReapIdle closes every session idle for longer than maxIdle and returns how
// many were reaped.
func (m *Manager) ReapIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	var victims []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.IdleSince().Before(cutoff) {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		log.Printf("[INFO][Sessions] reaping idle session %s (backend %s)", s.ID, s.Backend)
		s.close()
	}
	return len(victims)
}

// Close shuts every session and every pool down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.close()
		delete(m.sessions, id)
	}
	for name, pool := range m.pools {
		if err := pool.Close(); err != nil {
			log.Printf("[ERROR][Sessions] closing pool %q: %v", name, err)
		}
		delete(m.pools, name)
	}
}
