// Package server implements the relay side: it owns the physical backend
// pools and maps wire operations onto leased connections, prepared
// statements, open cursors and materialized large objects.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/dialect"
	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/wire"
)

// Session is the server-side image of one logical client connection. All
// resources a client allocates hang off its session so one cascade frees
// everything when the session ends.
type Session struct {
	ID      string
	Backend string

	mu       sync.Mutex
	pool     backend.Pool
	dial     dialect.Dialect
	leases   map[string]backend.Conn
	stmts    map[string]*serverStmt
	cursors  map[string]*serverCursor
	lobs     map[string]*lobEntry
	lastUsed time.Time
	closed   bool
}

type serverStmt struct {
	id      string
	leaseID string
	sql     string
	stmt    backend.Stmt
}

type serverCursor struct {
	id      string
	leaseID string
	cur     backend.Cursor
	cols    []wire.Column
	// oneShot is set when the statement was prepared just for this
	// execution and must die with the cursor.
	oneShot *serverStmt
	lobIDs  []string
}

type lobEntry struct {
	id    string
	kind  wire.Type
	data  []byte
	sized bool // false: length was not declared by the backend
}

func newSession(backendName string, pool backend.Pool, dial dialect.Dialect) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Backend:  backendName,
		pool:     pool,
		dial:     dial,
		leases:   map[string]backend.Conn{},
		stmts:    map[string]*serverStmt{},
		cursors:  map[string]*serverCursor{},
		lobs:     map[string]*lobEntry{},
		lastUsed: time.Now(),
	}
}

func (s *Session) touch() {
	s.lastUsed = time.Now()
}

// IdleSince reports the last moment any operation ran on this session.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) conn(leaseID string) (backend.Conn, error) {
	c, ok := s.leases[leaseID]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("unknown lease %s", leaseID))
	}
	return c, nil
}

func (s *Session) acquire(ctx context.Context) (string, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	leaseID := uuid.NewString()
	s.leases[leaseID] = c
	return leaseID, nil
}

// release returns the lease's connection to the pool. Statements prepared on
// the lease die with it; cursors must already be closed by the client.
func (s *Session) release(leaseID string) error {
	c, err := s.conn(leaseID)
	if err != nil {
		return err
	}
	s.dropLeaseResources(leaseID)
	delete(s.leases, leaseID)
	s.pool.Release(c)
	return nil
}

func (s *Session) discard(leaseID string) error {
	c, err := s.conn(leaseID)
	if err != nil {
		return err
	}
	s.dropLeaseResources(leaseID)
	delete(s.leases, leaseID)
	s.pool.Discard(c)
	return nil
}

func (s *Session) dropLeaseResources(leaseID string) {
	for id, cur := range s.cursors {
		if cur.leaseID == leaseID {
			if cur.cur != nil {
				_ = cur.cur.Close()
			}
			s.freeCursor(cur)
			delete(s.cursors, id)
		}
	}
	for id, st := range s.stmts {
		if st.leaseID == leaseID {
			_ = st.stmt.Close()
			delete(s.stmts, id)
		}
	}
}

func (s *Session) freeCursor(cur *serverCursor) {
	for _, lobID := range cur.lobIDs {
		delete(s.lobs, lobID)
	}
	if cur.oneShot != nil {
		_ = cur.oneShot.stmt.Close()
		cur.oneShot = nil
	}
}

// close tears the whole session down: cursors, statements, lobs, leases.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, cur := range s.cursors {
		if cur.cur != nil {
			_ = cur.cur.Close()
		}
		s.freeCursor(cur)
		delete(s.cursors, id)
	}
	for id, st := range s.stmts {
		_ = st.stmt.Close()
		delete(s.stmts, id)
	}
	s.lobs = map[string]*lobEntry{}
	for id, c := range s.leases {
		s.pool.Release(c)
		delete(s.leases, id)
	}
}
