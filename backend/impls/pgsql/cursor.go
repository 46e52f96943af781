package pgsql

import (
	"github.com/jackc/pgx/v5"

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/wire"
)

type Cursor struct {
	rows pgx.Rows
	cols []wire.Column
}

// Ensure pgsql.Cursor implements backend.Cursor
var _ backend.Cursor = (*Cursor)(nil)

func newCursor(c *Conn, rows pgx.Rows) *Cursor {
	fds := rows.FieldDescriptions()
	cols := make([]wire.Column, len(fds))
	tm := c.pc.Conn().TypeMap()
	for i, fd := range fds {
		declared := ""
		if t, ok := tm.TypeForOID(fd.DataTypeOID); ok {
			declared = t.Name
		}
		cols[i] = wire.Column{
			Name:     fd.Name,
			Declared: declared,
			Nullable: true, // pg row descriptions do not carry nullability
		}
	}
	return &Cursor{rows: rows, cols: cols}
}

func (c *Cursor) Columns() []wire.Column {
	return c.cols
}

func (c *Cursor) Next() ([]any, bool, error) {
	if !c.rows.Next() {
		return nil, false, c.rows.Err()
	}
	vals, err := c.rows.Values()
	if err != nil {
		return nil, false, err
	}
	return vals, true, nil
}

func (c *Cursor) Close() error {
	c.rows.Close()
	return c.rows.Err()
}
