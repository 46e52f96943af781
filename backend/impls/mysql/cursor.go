package mysql

import (
	"database/sql"

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/wire"
)

type Cursor struct {
	rows *sql.Rows
	cols []wire.Column
}

// Ensure mysql.Cursor implements backend.Cursor
var _ backend.Cursor = (*Cursor)(nil)

func newCursor(rows *sql.Rows) (*Cursor, error) {
	cts, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, err
	}
	cols := make([]wire.Column, len(cts))
	for i, ct := range cts {
		nullable, known := ct.Nullable()
		cols[i] = wire.Column{
			Name:     ct.Name(),
			Declared: ct.DatabaseTypeName(),
			Nullable: nullable || !known,
		}
	}
	return &Cursor{rows: rows, cols: cols}, nil
}

func (c *Cursor) Columns() []wire.Column { return c.cols }

func (c *Cursor) Next() ([]any, bool, error) {
	if !c.rows.Next() {
		return nil, false, c.rows.Err()
	}
	vals := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	return vals, true, nil
}

func (c *Cursor) Close() error {
	if err := c.rows.Close(); err != nil {
		return err
	}
	return c.rows.Err()
}
