package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/zeptools/sqlrelay/backend"
)

type Conn struct {
	id string
	sc *sql.Conn
}

// Ensure mysql.Conn implements backend.Conn
var _ backend.Conn = (*Conn)(nil)

func newConn(sc *sql.Conn) *Conn {
	return &Conn{id: uuid.NewString(), sc: sc}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Prepare(ctx context.Context, query string) (backend.Stmt, error) {
	stmt, err := c.sc.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &Stmt{stmt: stmt}, nil
}

// SetAutoCommit toggles the session autocommit variable. With autocommit off
// the server opens the next transaction implicitly after each COMMIT, which
// matches the coordinator's expectations.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	_, err := c.sc.ExecContext(ctx, "SET autocommit="+v)
	return err
}

func (c *Conn) SetIsolation(ctx context.Context, level string) error {
	_, err := c.sc.ExecContext(ctx, "SET SESSION TRANSACTION ISOLATION LEVEL "+level)
	return err
}

func (c *Conn) Commit(ctx context.Context) error {
	_, err := c.sc.ExecContext(ctx, "COMMIT")
	return err
}

func (c *Conn) Rollback(ctx context.Context) error {
	_, err := c.sc.ExecContext(ctx, "ROLLBACK")
	return err
}

func (c *Conn) Savepoint(ctx context.Context, name string) error {
	if err := backend.CheckIdent(name); err != nil {
		return err
	}
	_, err := c.sc.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	if err := backend.CheckIdent(name); err != nil {
		return err
	}
	_, err := c.sc.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

func (c *Conn) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := backend.CheckIdent(name); err != nil {
		return err
	}
	_, err := c.sc.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func (c *Conn) Ping(ctx context.Context) error {
	if c.sc == nil {
		return fmt.Errorf("mysql connection already returned")
	}
	return c.sc.PingContext(ctx)
}

func (c *Conn) Close() error {
	return nil // lifetime is managed by the pool
}

type Stmt struct {
	stmt *sql.Stmt
}

// Ensure mysql.Stmt implements backend.Stmt
var _ backend.Stmt = (*Stmt)(nil)

func (s *Stmt) Query(ctx context.Context, args []any) (backend.Cursor, error) {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	return newCursor(rows)
}

func (s *Stmt) Exec(ctx context.Context, args []any) (int64, error) {
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Stmt) ParamCount() int {
	// database/sql does not surface the bind-slot count
	return -1
}

func (s *Stmt) Close() error {
	return s.stmt.Close()
}
