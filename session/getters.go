package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/handles"
	"github.com/zeptools/sqlrelay/wire"
)

// datumAt reads the 1-indexed column of the current row and tracks null for
// WasNull.
func (r *Rows) datumAt(i int) (wire.Datum, error) {
	if err := r.checkOpen(); err != nil {
		return wire.Datum{}, err
	}
	row, err := r.current()
	if err != nil {
		return wire.Datum{}, err
	}
	if i < 1 || i > len(row) {
		return wire.Datum{}, fmt.Errorf("%w: column %d", errdefs.ErrInvalidParameterIndex, i)
	}
	d := row[i-1]
	r.wasNull = d.IsNull()
	return d, nil
}

// WasNull reports whether the most recent column read saw NULL. Advancing or
// repositioning resets it.
func (r *Rows) WasNull() bool {
	return r.wasNull
}

// Column resolves a column name to its 1-based index, case-insensitively.
func (r *Rows) Column(name string) (int, error) {
	for i, col := range r.cols {
		if strings.EqualFold(col.Name, name) {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: column %q", errdefs.ErrNotFound, name)
}

// Get returns the column's native value. NULL yields nil; lob columns yield
// a *Lob governed by the connection's transfer policy.
func (r *Rows) Get(i int) (any, error) {
	d, err := r.datumAt(i)
	if err != nil {
		return nil, err
	}
	if d.Type == wire.TypeBlob || d.Type == wire.TypeClob {
		return r.lobFor(d)
	}
	return d.Value(), nil
}

func (r *Rows) GetString(i int) (string, error) {
	d, err := r.datumAt(i)
	if err != nil {
		return "", err
	}
	switch d.Type {
	case wire.TypeNull:
		return "", nil
	case wire.TypeString:
		return d.Str, nil
	default:
		return "", typeMismatch(i, d.Type, wire.TypeString)
	}
}

func (r *Rows) GetInt64(i int) (int64, error) {
	d, err := r.datumAt(i)
	if err != nil {
		return 0, err
	}
	switch d.Type {
	case wire.TypeNull:
		return 0, nil
	case wire.TypeInt:
		return d.Int, nil
	default:
		return 0, typeMismatch(i, d.Type, wire.TypeInt)
	}
}

func (r *Rows) GetFloat64(i int) (float64, error) {
	d, err := r.datumAt(i)
	if err != nil {
		return 0, err
	}
	switch d.Type {
	case wire.TypeNull:
		return 0, nil
	case wire.TypeFloat:
		return d.Float, nil
	case wire.TypeInt:
		return float64(d.Int), nil
	default:
		return 0, typeMismatch(i, d.Type, wire.TypeFloat)
	}
}

func (r *Rows) GetBool(i int) (bool, error) {
	d, err := r.datumAt(i)
	if err != nil {
		return false, err
	}
	switch d.Type {
	case wire.TypeNull:
		return false, nil
	case wire.TypeBool:
		return d.Bool, nil
	default:
		return false, typeMismatch(i, d.Type, wire.TypeBool)
	}
}

func (r *Rows) GetBytes(i int) ([]byte, error) {
	d, err := r.datumAt(i)
	if err != nil {
		return nil, err
	}
	switch d.Type {
	case wire.TypeNull:
		return nil, nil
	case wire.TypeBytes:
		return d.Bytes, nil
	default:
		return nil, typeMismatch(i, d.Type, wire.TypeBytes)
	}
}

func (r *Rows) GetTime(i int) (time.Time, error) {
	d, err := r.datumAt(i)
	if err != nil {
		return time.Time{}, err
	}
	switch d.Type {
	case wire.TypeNull:
		return time.Time{}, nil
	case wire.TypeTime:
		return d.Time, nil
	default:
		return time.Time{}, typeMismatch(i, d.Type, wire.TypeTime)
	}
}

// GetLob returns the column's large object. NULL yields nil.
func (r *Rows) GetLob(i int) (*Lob, error) {
	d, err := r.datumAt(i)
	if err != nil {
		return nil, err
	}
	if d.Type == wire.TypeNull {
		return nil, nil
	}
	if d.Type != wire.TypeBlob && d.Type != wire.TypeClob {
		return nil, typeMismatch(i, d.Type, wire.TypeBlob)
	}
	return r.lobFor(d)
}

// lobFor wraps a lob datum. Hydrated payloads attach to the connection and
// outlive the result; streamed ones attach to the result and die with the
// row. Repeated reads of the same hydrated cell share one wrapper so the
// registry holds a single entry per payload.
func (r *Rows) lobFor(d wire.Datum) (*Lob, error) {
	if d.Lob == nil {
		return nil, fmt.Errorf("%w: lob column without descriptor", errdefs.ErrProtocol)
	}
	if data, ok := r.hydrated[d.Lob.ID]; ok {
		if lob, ok := r.hydratedLobs[d.Lob.ID]; ok {
			return lob, nil
		}
		lob := &Lob{
			conn: r.conn,
			id:   d.Lob.ID,
			kind: d.Lob.Kind,
			size: int64(len(data)),
			data: data,
		}
		lob.handle = r.conn.reg.Register(handles.KindLob, lob.id, r.conn.handle)
		r.hydratedLobs[d.Lob.ID] = lob
		return lob, nil
	}
	lob := &Lob{
		conn: r.conn,
		id:   d.Lob.ID,
		kind: d.Lob.Kind,
		size: d.Lob.Size,
	}
	lob.handle = r.conn.reg.Register(handles.KindLob, lob.id, r.handle)
	r.rowLobs = append(r.rowLobs, lob)
	return lob, nil
}

func typeMismatch(i int, got, want wire.Type) error {
	return fmt.Errorf("%w: column %d is %s, not %s", errdefs.ErrInvalidState, i, got, want)
}

// GetByName variants resolve the column first.

func (r *Rows) GetStringByName(name string) (string, error) {
	i, err := r.Column(name)
	if err != nil {
		return "", err
	}
	return r.GetString(i)
}

func (r *Rows) GetInt64ByName(name string) (int64, error) {
	i, err := r.Column(name)
	if err != nil {
		return 0, err
	}
	return r.GetInt64(i)
}

func (r *Rows) GetLobByName(name string) (*Lob, error) {
	i, err := r.Column(name)
	if err != nil {
		return nil, err
	}
	return r.GetLob(i)
}
