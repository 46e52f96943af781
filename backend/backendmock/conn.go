package backendmock

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/wire"
)

// Conn is a mock backend connection. Vars holds arbitrary session-local
// state; a script handler that writes to it models things like temporary
// tables, which are only visible on the same physical connection.
type Conn struct {
	pool *Pool
	id   string

	Vars       map[string]any
	AutoCommit bool
	Isolation  string

	Commits     int
	Rollbacks   int
	Savepoints  []string
	RolledBack  []string
	ReleasedSPs []string
	PingErr     error
}

var _ backend.Conn = (*Conn)(nil)

func newConn(p *Pool, n int) *Conn {
	return &Conn{
		pool:       p,
		id:         fmt.Sprintf("mock-conn-%d", n),
		Vars:       map[string]any{},
		AutoCommit: true,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Prepare(ctx context.Context, query string) (backend.Stmt, error) {
	if err := c.pool.Script.checkSyntax(query); err != nil {
		return nil, err
	}
	return &Stmt{conn: c, sql: query}, nil
}

func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.AutoCommit = on
	return nil
}

func (c *Conn) SetIsolation(ctx context.Context, level string) error {
	c.Isolation = level
	return nil
}

func (c *Conn) Commit(ctx context.Context) error {
	c.Commits++
	return nil
}

func (c *Conn) Rollback(ctx context.Context) error {
	c.Rollbacks++
	return nil
}

func (c *Conn) Savepoint(ctx context.Context, name string) error {
	if err := backend.CheckIdent(name); err != nil {
		return err
	}
	c.Savepoints = append(c.Savepoints, name)
	return nil
}

func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	if err := backend.CheckIdent(name); err != nil {
		return err
	}
	c.RolledBack = append(c.RolledBack, name)
	return nil
}

func (c *Conn) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := backend.CheckIdent(name); err != nil {
		return err
	}
	c.ReleasedSPs = append(c.ReleasedSPs, name)
	return nil
}

func (c *Conn) Ping(ctx context.Context) error { return c.PingErr }

func (c *Conn) Close() error { return nil }

type Stmt struct {
	conn *Conn
	sql  string
}

var _ backend.Stmt = (*Stmt)(nil)

func (s *Stmt) Query(ctx context.Context, args []any) (backend.Cursor, error) {
	res, err := s.conn.pool.Script.query(s.conn, s.sql, args)
	if err != nil {
		return nil, err
	}
	return &Cursor{res: res}, nil
}

func (s *Stmt) Exec(ctx context.Context, args []any) (int64, error) {
	return s.conn.pool.Script.exec(s.conn, s.sql, args)
}

func (s *Stmt) ParamCount() int {
	return strings.Count(s.sql, "?")
}

func (s *Stmt) Close() error { return nil }

type Cursor struct {
	res *Result
	pos int
}

var _ backend.Cursor = (*Cursor)(nil)

func (c *Cursor) Columns() []wire.Column { return c.res.Columns }

func (c *Cursor) Next() ([]any, bool, error) {
	if c.res.RowErr != nil && c.pos == len(c.res.Rows) {
		return nil, false, c.res.RowErr
	}
	if c.pos >= len(c.res.Rows) {
		return nil, false, nil
	}
	row := c.res.Rows[c.pos]
	c.pos++
	return row, true, nil
}

func (c *Cursor) Close() error { return nil }
