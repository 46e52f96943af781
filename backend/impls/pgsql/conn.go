package pgsql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zeptools/sqlrelay/backend"
)

// queryer is satisfied by both *pgxpool.Conn and pgx.Tx, so statements run
// through the open transaction when autocommit is off.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Conn struct {
	id string
	pc *pgxpool.Conn
	tx pgx.Tx // non-nil while autocommit is off
}

// Ensure pgsql.Conn implements backend.Conn
var _ backend.Conn = (*Conn)(nil)

func newConn(pc *pgxpool.Conn) *Conn {
	return &Conn{id: uuid.NewString(), pc: pc}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) queryer() queryer {
	if c.tx != nil {
		return c.tx
	}
	return c.pc
}

func (c *Conn) Prepare(ctx context.Context, sql string) (backend.Stmt, error) {
	name := "sr_" + uuid.NewString()
	sd, err := c.pc.Conn().Prepare(ctx, name, sql)
	if err != nil {
		return nil, err
	}
	return &Stmt{conn: c, name: name, paramCount: len(sd.ParamOIDs)}, nil
}

func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	if on {
		if c.tx == nil {
			return nil
		}
		if err := c.tx.Commit(ctx); err != nil {
			c.tx = nil
			return err
		}
		c.tx = nil
		return nil
	}
	if c.tx != nil {
		return nil
	}
	tx, err := c.pc.Begin(ctx)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *Conn) SetIsolation(ctx context.Context, level string) error {
	// Level strings come from a fixed client-side set, never raw user input.
	_, err := c.pc.Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL "+level)
	return err
}

// Commit commits the open transaction and immediately opens the next one,
// keeping JDBC-style autocommit-off semantics.
func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit(ctx)
	c.tx = nil
	if err != nil {
		return err
	}
	return c.SetAutoCommit(ctx, false)
}

func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	if err != nil {
		return err
	}
	return c.SetAutoCommit(ctx, false)
}

func (c *Conn) Savepoint(ctx context.Context, name string) error {
	if err := backend.CheckIdent(name); err != nil {
		return err
	}
	if c.tx == nil {
		return fmt.Errorf("savepoint %q requires an open transaction", name)
	}
	_, err := c.tx.Exec(ctx, "SAVEPOINT "+name)
	return err
}

func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	if err := backend.CheckIdent(name); err != nil {
		return err
	}
	if c.tx == nil {
		return fmt.Errorf("savepoint %q requires an open transaction", name)
	}
	_, err := c.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

func (c *Conn) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := backend.CheckIdent(name); err != nil {
		return err
	}
	if c.tx == nil {
		return fmt.Errorf("savepoint %q requires an open transaction", name)
	}
	_, err := c.tx.Exec(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.pc.Ping(ctx)
}

func (c *Conn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback(context.Background())
		c.tx = nil
	}
	return nil
}

type Stmt struct {
	conn       *Conn
	name       string
	paramCount int
}

// Ensure pgsql.Stmt implements backend.Stmt
var _ backend.Stmt = (*Stmt)(nil)

func (s *Stmt) Query(ctx context.Context, args []any) (backend.Cursor, error) {
	rows, err := s.conn.queryer().Query(ctx, s.name, args...)
	if err != nil {
		return nil, err
	}
	return newCursor(s.conn, rows), nil
}

func (s *Stmt) Exec(ctx context.Context, args []any) (int64, error) {
	tag, err := s.conn.queryer().Exec(ctx, s.name, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Stmt) ParamCount() int {
	return s.paramCount
}

func (s *Stmt) Close() error {
	if s.conn.pc == nil {
		return nil // connection already discarded
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.conn.pc.Conn().Deallocate(ctx, s.name)
}
