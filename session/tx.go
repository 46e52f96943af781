package session

import (
	"context"
	"fmt"

	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/wire"
)

// Savepoint is a named rollback point. The token remembers the connection
// that created it; using it anywhere else fails locally.
type Savepoint struct {
	sessionID string
	name      string
}

func (sp *Savepoint) Name() string { return sp.name }

// SetAutoCommit switches transactional mode. Turning autocommit off opens an
// explicit transaction on the backend, which pins the connection.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	if err := c.guard.enter("conn"); err != nil {
		return err
	}
	defer c.guard.exit("conn")
	c.mu.Lock()
	if err := c.checkUsable(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.autoCommit == on {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if !on {
		if err := c.pin(ctx, "explicit transaction"); err != nil {
			return err
		}
	}
	c.mu.Lock()
	leaseID := c.leaseID
	c.mu.Unlock()
	if leaseID == "" {
		// autocommit back on with no backend connection held: nothing to tell
		c.mu.Lock()
		c.autoCommit = on
		c.mu.Unlock()
		return nil
	}
	if _, err := c.roundTrip(ctx, &wire.Request{
		Op:         wire.OpSetAutoCommit,
		LeaseID:    leaseID,
		AutoCommit: on,
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.autoCommit = on
	c.mu.Unlock()
	return nil
}

func (c *Conn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit
}

// SetIsolation sets the transaction isolation level for the session, e.g.
// "SERIALIZABLE". Session state, so the connection pins.
func (c *Conn) SetIsolation(ctx context.Context, level string) error {
	if err := c.guard.enter("conn"); err != nil {
		return err
	}
	defer c.guard.exit("conn")
	if err := c.pin(ctx, "isolation level"); err != nil {
		return err
	}
	c.mu.Lock()
	leaseID := c.leaseID
	c.mu.Unlock()
	_, err := c.roundTrip(ctx, &wire.Request{
		Op:        wire.OpSetIsolation,
		LeaseID:   leaseID,
		Isolation: level,
	})
	return err
}

// Commit commits the open transaction. With no backend connection held there
// is nothing to commit and the call succeeds as a no-op.
func (c *Conn) Commit(ctx context.Context) error {
	return c.endTx(ctx, wire.OpCommit)
}

// Rollback rolls the open transaction back. No-op without a backend
// connection, same as Commit.
func (c *Conn) Rollback(ctx context.Context) error {
	return c.endTx(ctx, wire.OpRollback)
}

func (c *Conn) endTx(ctx context.Context, op wire.Op) error {
	if err := c.guard.enter("conn"); err != nil {
		return err
	}
	defer c.guard.exit("conn")
	c.mu.Lock()
	if err := c.checkUsable(); err != nil {
		c.mu.Unlock()
		return err
	}
	leaseID := c.leaseID
	c.mu.Unlock()
	if leaseID == "" {
		return nil
	}
	_, err := c.roundTrip(ctx, &wire.Request{Op: op, LeaseID: leaseID})
	return err
}

// SetSavepoint creates a savepoint inside the open transaction.
func (c *Conn) SetSavepoint(ctx context.Context) (*Savepoint, error) {
	if err := c.guard.enter("conn"); err != nil {
		return nil, err
	}
	defer c.guard.exit("conn")
	c.mu.Lock()
	if err := c.checkUsable(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.autoCommit {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: savepoint requires an explicit transaction", errdefs.ErrInvalidState)
	}
	leaseID := c.leaseID
	c.mu.Unlock()
	resp, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpSavepointSet, LeaseID: leaseID})
	if err != nil {
		return nil, err
	}
	return &Savepoint{sessionID: c.sessionID, name: resp.Savepoint}, nil
}

// RollbackTo rolls back to sp without ending the transaction.
func (c *Conn) RollbackTo(ctx context.Context, sp *Savepoint) error {
	return c.savepointOp(ctx, wire.OpSavepointRollback, sp)
}

// ReleaseSavepoint discards sp. The transaction keeps running.
func (c *Conn) ReleaseSavepoint(ctx context.Context, sp *Savepoint) error {
	return c.savepointOp(ctx, wire.OpSavepointRelease, sp)
}

func (c *Conn) savepointOp(ctx context.Context, op wire.Op, sp *Savepoint) error {
	if err := c.guard.enter("conn"); err != nil {
		return err
	}
	defer c.guard.exit("conn")
	if sp == nil || sp.sessionID != c.sessionID {
		return fmt.Errorf("%w: savepoint belongs to a different connection", errdefs.ErrInvalidSavepoint)
	}
	c.mu.Lock()
	if err := c.checkUsable(); err != nil {
		c.mu.Unlock()
		return err
	}
	leaseID := c.leaseID
	c.mu.Unlock()
	if leaseID == "" {
		return fmt.Errorf("%w: no open transaction", errdefs.ErrInvalidSavepoint)
	}
	_, err := c.roundTrip(ctx, &wire.Request{Op: op, LeaseID: leaseID, Savepoint: sp.name})
	return err
}
