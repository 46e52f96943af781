package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/wire"
)

// resolveStmt finds the statement to execute. A valid StatementID on the
// same lease reuses the prepared statement; otherwise the SQL text is
// prepared one-shot and the returned statement must be closed by the caller
// (or die with its cursor).
func (s *Session) resolveStmt(ctx context.Context, leaseID string, req *wire.Request) (*serverStmt, bool, error) {
	if req.StatementID != "" {
		if st, ok := s.stmts[req.StatementID]; ok && st.leaseID == leaseID {
			return st, false, nil
		}
	}
	if req.SQL == "" {
		return nil, false, errdefs.New(errdefs.KindProtocol, "execute without statement or sql")
	}
	c, err := s.conn(leaseID)
	if err != nil {
		return nil, false, err
	}
	bst, err := c.Prepare(ctx, req.SQL)
	if err != nil {
		return nil, false, err
	}
	return &serverStmt{
		id:      uuid.NewString(),
		leaseID: leaseID,
		sql:     req.SQL,
		stmt:    bst,
	}, true, nil
}

// prepare registers a statement on a lease after the backend has validated
// the text. Validation failures surface as syntax rejections.
func (s *Session) prepare(ctx context.Context, leaseID, sql string) (*serverStmt, error) {
	c, err := s.conn(leaseID)
	if err != nil {
		return nil, err
	}
	bst, err := c.Prepare(ctx, sql)
	if err != nil {
		if errdefs.KindOf(err) != errdefs.KindNone {
			return nil, err
		}
		return nil, errdefs.New(errdefs.KindSyntaxRejected, err.Error())
	}
	st := &serverStmt{
		id:      uuid.NewString(),
		leaseID: leaseID,
		sql:     sql,
		stmt:    bst,
	}
	s.stmts[st.id] = st
	return st, nil
}

// argsFromParams turns wire datums into backend bind arguments. LOB datums
// are resolved to their materialized payloads.
func (s *Session) argsFromParams(params []wire.Datum) ([]any, error) {
	args := make([]any, len(params))
	for i, d := range params {
		switch d.Type {
		case wire.TypeBlob, wire.TypeClob:
			if d.Lob == nil {
				return nil, errdefs.New(errdefs.KindProtocol, "lob datum without descriptor")
			}
			entry, ok := s.lobs[d.Lob.ID]
			if !ok {
				return nil, errdefs.New(errdefs.KindLobExpired, fmt.Sprintf("lob %s expired", d.Lob.ID))
			}
			if entry.kind == wire.TypeClob {
				args[i] = string(entry.data)
			} else {
				args[i] = append([]byte(nil), entry.data...)
			}
		default:
			args[i] = d.Value()
		}
	}
	return args, nil
}

// openCursor maps backend columns through the dialect and registers a cursor
// for paged fetching. The cursor entry survives exhaustion so materialized
// lobs stay readable until the client closes the result.
func (s *Session) openCursor(leaseID string, cur backend.Cursor, oneShot *serverStmt) *serverCursor {
	cols := cur.Columns()
	mapped := make([]wire.Column, len(cols))
	for i, col := range cols {
		col.Type = s.dial.MapColumnType(col.Declared)
		mapped[i] = col
	}
	sc := &serverCursor{
		id:      uuid.NewString(),
		leaseID: leaseID,
		cur:     cur,
		cols:    mapped,
		oneShot: oneShot,
	}
	s.cursors[sc.id] = sc
	return sc
}

// buildPage pulls up to limit rows off the cursor. On exhaustion the backend
// cursor is closed but the entry stays registered until close_result.
func (s *Session) buildPage(sc *serverCursor, limit int) (*wire.Page, error) {
	page := &wire.Page{Rows: make([][]wire.Datum, 0, limit)}
	if sc.cur == nil {
		page.Last = true
		return page, nil
	}
	for len(page.Rows) < limit {
		vals, ok, err := sc.cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			page.Last = true
			_ = sc.cur.Close()
			sc.cur = nil
			break
		}
		row, err := s.encodeRow(sc.cols, vals, sc)
		if err != nil {
			return nil, err
		}
		page.Rows = append(page.Rows, row)
	}
	return page, nil
}

// encodeRow converts one backend row into wire datums, materializing large
// objects. Lobs owned by a cursor are freed when its result closes; lobs
// with no owner live until the session ends.
func (s *Session) encodeRow(cols []wire.Column, vals []any, owner *serverCursor) ([]wire.Datum, error) {
	if len(vals) != len(cols) {
		return nil, errdefs.New(errdefs.KindProtocol,
			fmt.Sprintf("row width %d does not match %d columns", len(vals), len(cols)))
	}
	row := make([]wire.Datum, len(vals))
	for i, v := range vals {
		if v == nil {
			row[i] = wire.Null()
			continue
		}
		if cols[i].Type == wire.TypeBlob || cols[i].Type == wire.TypeClob {
			d, err := s.materializeLob(cols[i].Type, v, owner)
			if err != nil {
				return nil, err
			}
			row[i] = d
			continue
		}
		d, err := wire.FromValue(v)
		if err != nil {
			return nil, errdefs.New(errdefs.KindProtocol, err.Error())
		}
		row[i] = d
	}
	return row, nil
}

func (s *Session) materializeLob(kind wire.Type, v any, owner *serverCursor) (wire.Datum, error) {
	var (
		data  []byte
		sized = true
	)
	switch t := v.(type) {
	case []byte:
		data = t
	case string:
		data = []byte(t)
	case backend.UnsizedBytes:
		data = []byte(t)
		sized = false
	default:
		return wire.Datum{}, errdefs.New(errdefs.KindProtocol,
			fmt.Sprintf("unsupported lob value type %T", v))
	}
	entry := &lobEntry{
		id:    uuid.NewString(),
		kind:  kind,
		data:  data,
		sized: sized,
	}
	s.lobs[entry.id] = entry
	if owner != nil {
		owner.lobIDs = append(owner.lobIDs, entry.id)
	}
	size := int64(len(data))
	if !sized {
		size = -1
	}
	return wire.Datum{
		Type: kind,
		Lob:  &wire.LobDescriptor{ID: entry.id, Kind: kind, Size: size},
	}, nil
}
