package backend

import (
	"context"

	"github.com/zeptools/sqlrelay/wire"
)

// Conf describes one real database target.
type Conf struct {
	Type string `json:"type"` // mysql, pgsql, ...
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	PW   string `json:"pw"`
	DB   string `json:"db"`
	TZ   string `json:"tz"`  // Connection Timezone
	DSN  string `json:"dsn"` // To Overwrite Default DSN

	MaxConns       int `json:"max_conns"`
	AcquireTimeout int `json:"acquire_timeout_millis"`
}

// Conn is one physical database connection. At most one relay session uses a
// Conn at a time; the Pool is the only thing handing them out.
type Conn interface {
	ID() string
	Prepare(ctx context.Context, sql string) (Stmt, error)
	SetAutoCommit(ctx context.Context, on bool) error
	SetIsolation(ctx context.Context, level string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	Ping(ctx context.Context) error
	Close() error
}

// Stmt is a statement prepared on one Conn. It dies with its Conn.
type Stmt interface {
	// Query executes and returns a streaming cursor over the result.
	Query(ctx context.Context, args []any) (Cursor, error)
	// Exec executes and returns the affected-row count.
	Exec(ctx context.Context, args []any) (int64, error)
	// ParamCount reports the number of bind slots, or -1 when the driver
	// cannot tell without executing.
	ParamCount() int
	Close() error
}

// Cursor walks result rows one at a time on the connection that produced it.
type Cursor interface {
	Columns() []wire.Column
	// Next returns the next row, or (nil, false, nil) at end of data.
	Next() ([]any, bool, error)
	Close() error
}

// Pool hands out physical connections.
// Acquire blocks up to the configured timeout and fails with ErrTimeout.
// Release returns a healthy connection; Discard destroys one whose state is
// unknown (post-timeout, post-transport-error) instead of returning it.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Release(c Conn)
	Discard(c Conn)
	Close() error
}
