// Package backendmock provides an in-memory implementation of the backend
// interfaces for tests.
package backendmock

import (
	"context"
	"sync"

	"github.com/zeptools/sqlrelay/backend"
)

func init() {
	backend.RegisterFactory("mock", func(conf *backend.Conf) (backend.Pool, error) {
		return NewPool(NewScript()), nil
	})
}

// Pool hands out mock connections and records pool traffic for assertions.
// Released connections are reused before new ones are created, so per
// connection state (see Conn.Vars) survives a release/acquire cycle the way
// it does on a real pool.
type Pool struct {
	Script *Script

	mu              sync.Mutex
	free            []*Conn
	seq             int
	AcquireCount    int
	ReleaseCount    int
	DiscardCount    int
	FailNextAcquire error
	Discarded       []*Conn
}

var _ backend.Pool = (*Pool)(nil)

func NewPool(script *Script) *Pool {
	return &Pool{Script: script}
}

func (p *Pool) Acquire(ctx context.Context) (backend.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AcquireCount++
	if err := p.FailNextAcquire; err != nil {
		p.FailNextAcquire = nil
		return nil, err
	}
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		return c, nil
	}
	p.seq++
	return newConn(p, p.seq), nil
}

func (p *Pool) Release(c backend.Conn) {
	mc, ok := c.(*Conn)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReleaseCount++
	mc.AutoCommit = true
	p.free = append(p.free, mc)
}

func (p *Pool) Discard(c backend.Conn) {
	mc, ok := c.(*Conn)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DiscardCount++
	p.Discarded = append(p.Discarded, mc)
}

func (p *Pool) Close() error { return nil }
