package server

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/sec"
	"github.com/zeptools/sqlrelay/transport"
	"github.com/zeptools/sqlrelay/wire"
)

// SessionTracker binds sessions to the node serving them. Implemented by the
// cluster registry; nil disables tracking for single-node deployments.
type SessionTracker interface {
	Claim(ctx context.Context, sessionID string) error
	Release(ctx context.Context, sessionID string) error
}

// Relay turns wire operations into backend work. It is the transport.Handler
// every transport implementation serves.
type Relay struct {
	Manager  *Manager
	Seg      *Segregator
	Tracker  SessionTracker
	PageSize int   // rows per result page; 0 means the default
	LobChunk int32 // max bytes per lob read; 0 means the default
}

var _ transport.Handler = (*Relay)(nil)

func NewRelay(m *Manager) *Relay {
	return &Relay{Manager: m}
}

func (r *Relay) pageSize() int {
	if r.PageSize > 0 {
		return r.PageSize
	}
	return 100
}

func (r *Relay) lobChunk() int32 {
	if r.LobChunk > 0 {
		return r.LobChunk
	}
	return 64 << 10
}

func fail(err error) *wire.Response {
	return &wire.Response{Err: wire.NewError(err)}
}

func (r *Relay) Handle(ctx context.Context, req *wire.Request) *wire.Response {
	if req.Op == wire.OpSessionOpen {
		return r.sessionOpen(ctx, req)
	}
	s, err := r.Manager.Session(req.SessionID)
	if err != nil {
		if req.Op == wire.OpSessionClose {
			// closing a session twice is not an error
			return &wire.Response{}
		}
		return fail(err)
	}
	if req.Op == wire.OpSessionClose {
		return r.sessionClose(ctx, req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	switch req.Op {
	case wire.OpAcquire:
		leaseID, err := s.acquire(ctx)
		if err != nil {
			return fail(err)
		}
		return &wire.Response{LeaseID: leaseID}
	case wire.OpRelease:
		if err := s.release(req.LeaseID); err != nil {
			return fail(err)
		}
		return &wire.Response{}
	case wire.OpDiscard:
		if err := s.discard(req.LeaseID); err != nil {
			return fail(err)
		}
		return &wire.Response{}
	case wire.OpPrepare:
		st, err := s.prepare(ctx, req.LeaseID, req.SQL)
		if err != nil {
			return fail(err)
		}
		return &wire.Response{
			StatementID: st.id,
			ParamCount:  int32(st.stmt.ParamCount()),
		}
	case wire.OpExecuteQuery:
		return r.executeQuery(ctx, s, req)
	case wire.OpExecuteUpdate:
		return r.executeUpdate(ctx, s, req)
	case wire.OpExecuteCall:
		return r.executeCall(ctx, s, req)
	case wire.OpExecuteBatch:
		return r.executeBatch(ctx, s, req)
	case wire.OpFetch:
		return r.fetch(s, req)
	case wire.OpCloseStatement:
		if st, ok := s.stmts[req.StatementID]; ok {
			_ = st.stmt.Close()
			delete(s.stmts, req.StatementID)
		}
		return &wire.Response{}
	case wire.OpCloseResult:
		if sc, ok := s.cursors[req.ResultID]; ok {
			if sc.cur != nil {
				_ = sc.cur.Close()
				sc.cur = nil
			}
			s.freeCursor(sc)
			delete(s.cursors, req.ResultID)
		}
		return &wire.Response{}
	case wire.OpSetAutoCommit:
		c, err := s.conn(req.LeaseID)
		if err != nil {
			return fail(err)
		}
		if err := c.SetAutoCommit(ctx, req.AutoCommit); err != nil {
			return fail(err)
		}
		return &wire.Response{}
	case wire.OpSetIsolation:
		c, err := s.conn(req.LeaseID)
		if err != nil {
			return fail(err)
		}
		if err := c.SetIsolation(ctx, req.Isolation); err != nil {
			return fail(err)
		}
		return &wire.Response{}
	case wire.OpCommit:
		c, err := s.conn(req.LeaseID)
		if err != nil {
			return fail(err)
		}
		if err := c.Commit(ctx); err != nil {
			return fail(err)
		}
		return &wire.Response{}
	case wire.OpRollback:
		c, err := s.conn(req.LeaseID)
		if err != nil {
			return fail(err)
		}
		if err := c.Rollback(ctx); err != nil {
			return fail(err)
		}
		return &wire.Response{}
	case wire.OpSavepointSet:
		c, err := s.conn(req.LeaseID)
		if err != nil {
			return fail(err)
		}
		name := "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if err := c.Savepoint(ctx, name); err != nil {
			return fail(err)
		}
		return &wire.Response{Savepoint: name}
	case wire.OpSavepointRollback:
		c, err := s.conn(req.LeaseID)
		if err != nil {
			return fail(err)
		}
		if err := c.RollbackTo(ctx, req.Savepoint); err != nil {
			return fail(err)
		}
		return &wire.Response{}
	case wire.OpSavepointRelease:
		c, err := s.conn(req.LeaseID)
		if err != nil {
			return fail(err)
		}
		if err := c.ReleaseSavepoint(ctx, req.Savepoint); err != nil {
			return fail(err)
		}
		return &wire.Response{}
	case wire.OpLobCreate:
		return r.lobCreate(s, req)
	case wire.OpLobWrite:
		return r.lobWrite(s, req)
	case wire.OpLobRead:
		return r.lobRead(s, req)
	case wire.OpLobLength:
		entry, ok := s.lobs[req.LobID]
		if !ok {
			return fail(errdefs.New(errdefs.KindLobExpired, fmt.Sprintf("lob %s expired", req.LobID)))
		}
		return &wire.Response{LobSize: int64(len(entry.data))}
	case wire.OpPing:
		if req.LeaseID != "" {
			c, err := s.conn(req.LeaseID)
			if err != nil {
				return fail(err)
			}
			if err := c.Ping(ctx); err != nil {
				return fail(err)
			}
		}
		return &wire.Response{}
	default:
		return fail(errdefs.New(errdefs.KindProtocol, fmt.Sprintf("unknown op %d", req.Op)))
	}
}

func (r *Relay) sessionOpen(ctx context.Context, req *wire.Request) *wire.Response {
	s, err := r.Manager.OpenSession(req.Backend)
	if err != nil {
		return fail(err)
	}
	if r.Tracker != nil {
		if err := r.Tracker.Claim(ctx, s.ID); err != nil {
			_ = r.Manager.CloseSession(s.ID)
			return fail(err)
		}
	}
	log.Printf("[INFO][Relay] session %s opened on backend %s", s.ID, s.Backend)
	return &wire.Response{SessionID: s.ID}
}

func (r *Relay) sessionClose(ctx context.Context, req *wire.Request) *wire.Response {
	if r.Tracker != nil {
		if err := r.Tracker.Release(ctx, req.SessionID); err != nil {
			log.Printf("[WARN][Relay] releasing session %s from tracker: %v", req.SessionID, err)
		}
	}
	if err := r.Manager.CloseSession(req.SessionID); err != nil {
		if errdefs.KindOf(err) == errdefs.KindAlreadyClosed {
			return &wire.Response{}
		}
		return fail(err)
	}
	log.Printf("[INFO][Relay] session %s closed", req.SessionID)
	return &wire.Response{}
}

func (r *Relay) executeQuery(ctx context.Context, s *Session, req *wire.Request) *wire.Response {
	key := sec.HashHexSHA256(req.SQL)
	if !r.Seg.Allow(key, time.Now()) {
		return fail(errdefs.New(errdefs.KindThrottled, "statement throttled by slow-query segregation"))
	}
	st, oneShot, err := s.resolveStmt(ctx, req.LeaseID, req)
	if err != nil {
		return fail(err)
	}
	args, err := s.argsFromParams(req.Params)
	if err != nil {
		if oneShot {
			_ = st.stmt.Close()
		}
		return fail(err)
	}
	start := time.Now()
	cur, err := st.stmt.Query(ctx, args)
	elapsed := time.Since(start)
	r.Seg.Observe(key, elapsed)
	if err != nil {
		if oneShot {
			_ = st.stmt.Close()
		}
		return fail(err)
	}
	var owner *serverStmt
	if oneShot {
		owner = st
	}
	sc := s.openCursor(req.LeaseID, cur, owner)
	page, err := s.buildPage(sc, r.pageSize())
	if err != nil {
		if sc.cur != nil {
			_ = sc.cur.Close()
			sc.cur = nil
		}
		s.freeCursor(sc)
		delete(s.cursors, sc.id)
		return fail(err)
	}
	resp := &wire.Response{
		ResultID: sc.id,
		Columns:  sc.cols,
		Page:     page,
	}
	r.warnSlow(resp, elapsed)
	return resp
}

func (r *Relay) executeUpdate(ctx context.Context, s *Session, req *wire.Request) *wire.Response {
	key := sec.HashHexSHA256(req.SQL)
	if !r.Seg.Allow(key, time.Now()) {
		return fail(errdefs.New(errdefs.KindThrottled, "statement throttled by slow-query segregation"))
	}
	st, oneShot, err := s.resolveStmt(ctx, req.LeaseID, req)
	if err != nil {
		return fail(err)
	}
	if oneShot {
		defer func() { _ = st.stmt.Close() }()
	}
	args, err := s.argsFromParams(req.Params)
	if err != nil {
		return fail(err)
	}
	start := time.Now()
	n, err := st.stmt.Exec(ctx, args)
	elapsed := time.Since(start)
	r.Seg.Observe(key, elapsed)
	if err != nil {
		return fail(err)
	}
	resp := &wire.Response{UpdateCount: n}
	r.warnSlow(resp, elapsed)
	return resp
}

// executeCall runs a callable. Without out-parameters it behaves like an
// update; with them the call runs as a query and the first row feeds the
// registered slots.
func (r *Relay) executeCall(ctx context.Context, s *Session, req *wire.Request) *wire.Response {
	if len(req.OutParams) == 0 {
		return r.executeUpdate(ctx, s, req)
	}
	st, oneShot, err := s.resolveStmt(ctx, req.LeaseID, req)
	if err != nil {
		return fail(err)
	}
	if oneShot {
		defer func() { _ = st.stmt.Close() }()
	}
	args, err := s.argsFromParams(req.Params)
	if err != nil {
		return fail(err)
	}
	cur, err := st.stmt.Query(ctx, args)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = cur.Close() }()
	cols := cur.Columns()
	for i := range cols {
		cols[i].Type = s.dial.MapColumnType(cols[i].Declared)
	}
	vals, ok, err := cur.Next()
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(errdefs.New(errdefs.KindBackendRejected, "callable produced no out-parameter row"))
	}
	row, err := s.encodeRow(cols, vals, nil)
	if err != nil {
		return fail(err)
	}
	out := make([]wire.Datum, len(req.OutParams))
	for i, p := range req.OutParams {
		idx := p.Index - 1
		if idx < 0 || idx >= len(row) {
			return fail(errdefs.New(errdefs.KindInvalidParameterIndex,
				fmt.Sprintf("out-parameter index %d out of range", p.Index)))
		}
		out[i] = row[idx]
	}
	return &wire.Response{OutValues: out}
}

// executeBatch runs every entry in order, one outcome per entry. A failed
// entry keeps its diagnostic and the remaining entries still run; the
// response carries a partial-failure error when any entry failed.
func (r *Relay) executeBatch(ctx context.Context, s *Session, req *wire.Request) *wire.Response {
	st, oneShot, err := s.resolveStmt(ctx, req.LeaseID, req)
	if err != nil {
		return fail(err)
	}
	if oneShot {
		defer func() { _ = st.stmt.Close() }()
	}
	outcomes := make([]errdefs.BatchOutcome, 0, len(req.Batch))
	var firstErr error
	for _, params := range req.Batch {
		args, err := s.argsFromParams(params)
		if err == nil {
			var n int64
			if n, err = st.stmt.Exec(ctx, args); err == nil {
				outcomes = append(outcomes, errdefs.BatchOutcome{UpdateCount: n, OK: true})
				continue
			}
		}
		outcomes = append(outcomes, errdefs.BatchOutcome{OK: false, Message: err.Error()})
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return &wire.Response{
			Err:           &wire.Error{Kind: errdefs.KindBatchPartialFailure, Message: firstErr.Error()},
			BatchOutcomes: outcomes,
		}
	}
	return &wire.Response{BatchOutcomes: outcomes}
}

func (r *Relay) fetch(s *Session, req *wire.Request) *wire.Response {
	sc, ok := s.cursors[req.ResultID]
	if !ok {
		return fail(errdefs.New(errdefs.KindNotFound, fmt.Sprintf("unknown result %s", req.ResultID)))
	}
	page, err := s.buildPage(sc, r.pageSize())
	if err != nil {
		return fail(err)
	}
	return &wire.Response{ResultID: sc.id, Page: page}
}

func (r *Relay) lobCreate(s *Session, req *wire.Request) *wire.Response {
	if req.LobKind != wire.TypeBlob && req.LobKind != wire.TypeClob {
		return fail(errdefs.New(errdefs.KindProtocol, "lob kind must be blob or clob"))
	}
	entry := &lobEntry{
		id:    uuid.NewString(),
		kind:  req.LobKind,
		sized: true,
	}
	s.lobs[entry.id] = entry
	return &wire.Response{LobID: entry.id}
}

func (r *Relay) lobWrite(s *Session, req *wire.Request) *wire.Response {
	entry, ok := s.lobs[req.LobID]
	if !ok {
		return fail(errdefs.New(errdefs.KindLobExpired, fmt.Sprintf("lob %s expired", req.LobID)))
	}
	if req.Offset < 0 {
		return fail(errdefs.New(errdefs.KindProtocol, "negative lob offset"))
	}
	end := req.Offset + int64(len(req.Data))
	if end > int64(len(entry.data)) {
		grown := make([]byte, end)
		copy(grown, entry.data)
		entry.data = grown
	}
	copy(entry.data[req.Offset:], req.Data)
	return &wire.Response{LobSize: int64(len(entry.data))}
}

func (r *Relay) lobRead(s *Session, req *wire.Request) *wire.Response {
	entry, ok := s.lobs[req.LobID]
	if !ok {
		return fail(errdefs.New(errdefs.KindLobExpired, fmt.Sprintf("lob %s expired", req.LobID)))
	}
	if req.Offset < 0 {
		return fail(errdefs.New(errdefs.KindProtocol, "negative lob offset"))
	}
	size := int64(len(entry.data))
	if req.Offset >= size {
		return &wire.Response{EOF: true}
	}
	n := int64(req.Length)
	if max := int64(r.lobChunk()); n <= 0 || n > max {
		n = max
	}
	if req.Offset+n > size {
		n = size - req.Offset
	}
	data := append([]byte(nil), entry.data[req.Offset:req.Offset+n]...)
	return &wire.Response{
		Data: data,
		EOF:  req.Offset+n == size,
	}
}

func (r *Relay) warnSlow(resp *wire.Response, elapsed time.Duration) {
	if r.Seg == nil || r.Seg.conf == nil {
		return
	}
	if elapsed >= r.Seg.conf.SlowThreshold {
		resp.Warnings = append(resp.Warnings, wire.Warning{
			Code:    "SLOW_QUERY",
			Message: fmt.Sprintf("statement took %v", elapsed),
		})
	}
}
