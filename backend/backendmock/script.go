package backendmock

import (
	"fmt"
	"sync"

	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/wire"
)

// Result is the canned answer a script handler returns for a query.
type Result struct {
	Columns []wire.Column
	Rows    [][]any
	RowErr  error // returned after the last row instead of plain exhaustion
}

// QueryFunc produces a result for a scripted query. The connection is passed
// so handlers can read and write connection-local state.
type QueryFunc func(conn *Conn, args []any) (*Result, error)

// ExecFunc produces an update count for a scripted statement.
type ExecFunc func(conn *Conn, args []any) (int64, error)

// Script maps SQL text to handlers. Statements without a handler fail, which
// keeps tests honest about what they actually send.
type Script struct {
	mu      sync.Mutex
	queries map[string]QueryFunc
	execs   map[string]ExecFunc
	badSQL  map[string]string
}

func NewScript() *Script {
	return &Script{
		queries: map[string]QueryFunc{},
		execs:   map[string]ExecFunc{},
		badSQL:  map[string]string{},
	}
}

func (s *Script) OnQuery(sql string, fn QueryFunc) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[sql] = fn
	return s
}

func (s *Script) OnExec(sql string, fn ExecFunc) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[sql] = fn
	return s
}

// RejectSyntax makes Prepare fail for the given SQL with the given message.
func (s *Script) RejectSyntax(sql, msg string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badSQL[sql] = msg
	return s
}

// Rows is a convenience for a fixed result with string column names and
// declared types inferred per column.
func Rows(cols []wire.Column, rows ...[]any) QueryFunc {
	return func(*Conn, []any) (*Result, error) {
		return &Result{Columns: cols, Rows: rows}, nil
	}
}

// Updates is a convenience for a fixed update count.
func Updates(n int64) ExecFunc {
	return func(*Conn, []any) (int64, error) { return n, nil }
}

func (s *Script) checkSyntax(sql string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.badSQL[sql]; ok {
		return errdefs.New(errdefs.KindSyntaxRejected, msg)
	}
	return nil
}

func (s *Script) query(conn *Conn, sql string, args []any) (*Result, error) {
	s.mu.Lock()
	fn, ok := s.queries[sql]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backendmock: no query handler for %q", sql)
	}
	return fn(conn, args)
}

func (s *Script) exec(conn *Conn, sql string, args []any) (int64, error) {
	s.mu.Lock()
	fn, ok := s.execs[sql]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("backendmock: no exec handler for %q", sql)
	}
	return fn(conn, args)
}
