package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeptools/sqlrelay/dialect"
	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/handles"
	"github.com/zeptools/sqlrelay/wire"
)

// Stmt is a prepared statement. Preparation validates the text on a real
// backend connection; afterwards executions re-send the text whenever the
// borrowed backend connection changed underneath, so a statement survives
// lease churn without the caller noticing.
type Stmt struct {
	conn   *Conn
	handle handles.Handle

	sql        string
	remoteID   string // server-side statement id
	prepLease  string // lease the remote statement lives on
	paramCount int32  // -1 when the backend cannot report it
	affinity   dialect.Affinity
	scrollable bool

	params    map[int]wire.Datum
	batch     [][]wire.Datum
	outParams []wire.OutParam
	outValues []wire.Datum

	closed bool
	broken bool
}

var _ invalidator = (*Stmt)(nil)

// Prepare validates sql on the backend and returns a statement handle.
// Statements that touch connection-scoped state pin the connection first.
func (c *Conn) Prepare(ctx context.Context, sql string) (*Stmt, error) {
	if err := c.guard.enter("conn"); err != nil {
		return nil, err
	}
	defer c.guard.exit("conn")
	c.mu.Lock()
	if err := c.checkUsable(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	aff := c.dial.ClassifyAffinity(sql)
	if aff == dialect.Triggering {
		if err := c.pin(ctx, "statement touches connection state"); err != nil {
			return nil, err
		}
	}
	leaseID, err := c.lease(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, &wire.Request{
		Op:      wire.OpPrepare,
		LeaseID: leaseID,
		SQL:     sql,
	})
	if err != nil {
		_ = c.unlease(ctx)
		return nil, err
	}
	s := &Stmt{
		conn:       c,
		sql:        sql,
		remoteID:   resp.StatementID,
		prepLease:  leaseID,
		paramCount: resp.ParamCount,
		affinity:   aff,
		params:     map[int]wire.Datum{},
	}
	s.handle = c.reg.Register(handles.KindStatement, s.remoteID, c.handle)
	c.adopt(s.handle, s)
	// returning the lease drops the server-side statement; executions fall
	// back to the retained text
	if err := c.unlease(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Stmt) invalidate() {
	s.broken = true
}

func (s *Stmt) key() string {
	return fmt.Sprintf("stmt:%d", s.handle)
}

// ParamCount reports the number of bind slots, -1 when unknown.
func (s *Stmt) ParamCount() int {
	return int(s.paramCount)
}

// SetScrollable switches the next Query to retained paging, allowing
// absolute and backward positioning on its rows.
func (s *Stmt) SetScrollable(on bool) {
	s.scrollable = on
}

func (s *Stmt) checkOpen() error {
	if s.broken {
		return errdefs.ErrConnectionBroken
	}
	if s.closed {
		return fmt.Errorf("%w: statement closed", errdefs.ErrInvalidState)
	}
	return nil
}

// Bind sets the 1-indexed parameter to v.
func (s *Stmt) Bind(index int, v any) error {
	if err := s.guard(); err != nil {
		return err
	}
	d, err := toDatum(v)
	if err != nil {
		return err
	}
	return s.bindDatum(index, d)
}

// BindNull sets the 1-indexed parameter to NULL.
func (s *Stmt) BindNull(index int) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.bindDatum(index, wire.Null())
}

func (s *Stmt) guard() error {
	return s.checkOpen()
}

func (s *Stmt) bindDatum(index int, d wire.Datum) error {
	if index < 1 || (s.paramCount >= 0 && index > int(s.paramCount)) {
		return fmt.Errorf("%w: %d", errdefs.ErrInvalidParameterIndex, index)
	}
	s.params[index] = d
	return nil
}

func toDatum(v any) (wire.Datum, error) {
	if lob, ok := v.(*Lob); ok {
		return lob.datum()
	}
	d, err := wire.FromValue(v)
	if err != nil {
		return wire.Datum{}, fmt.Errorf("%w: %v", errdefs.ErrProtocol, err)
	}
	return d, nil
}

// RegisterOutParameter declares a 1-indexed out slot for a callable.
func (s *Stmt) RegisterOutParameter(index int, t wire.Type) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if index < 1 {
		return fmt.Errorf("%w: %d", errdefs.ErrInvalidParameterIndex, index)
	}
	s.outParams = append(s.outParams, wire.OutParam{Index: index, Type: t})
	return nil
}

// Out reads a callable's out-parameter after Call. Reading a slot never
// registered is an error even when the call produced a value there.
func (s *Stmt) Out(index int) (any, error) {
	for i, p := range s.outParams {
		if p.Index == index {
			if i < len(s.outValues) {
				return s.outValues[i].Value(), nil
			}
			return nil, fmt.Errorf("%w: call did not run", errdefs.ErrInvalidState)
		}
	}
	return nil, fmt.Errorf("%w: %d", errdefs.ErrParameterNotRegistered, index)
}

// snapshotParams orders the bound parameters. Every slot up to the arity
// must be bound.
func (s *Stmt) snapshotParams() ([]wire.Datum, error) {
	arity := int(s.paramCount)
	if arity < 0 {
		for idx := range s.params {
			if idx > arity {
				arity = idx
			}
		}
	}
	if arity <= 0 {
		if len(s.params) > 0 {
			return nil, fmt.Errorf("%w: statement takes no parameters", errdefs.ErrInvalidParameterIndex)
		}
		return nil, nil
	}
	out := make([]wire.Datum, arity)
	for i := 1; i <= arity; i++ {
		d, ok := s.params[i]
		if !ok {
			return nil, fmt.Errorf("%w: parameter %d not bound", errdefs.ErrInvalidState, i)
		}
		out[i-1] = d
	}
	return out, nil
}

// AddBatch snapshots the current bindings as one batch entry and clears them
// for the next.
func (s *Stmt) AddBatch() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	entry, err := s.snapshotParams()
	if err != nil {
		return err
	}
	s.batch = append(s.batch, entry)
	s.params = map[int]wire.Datum{}
	return nil
}

// ClearBatch drops the accumulated batch entries.
func (s *Stmt) ClearBatch() {
	s.batch = nil
}

func (s *Stmt) execRequest(op wire.Op) *wire.Request {
	req := &wire.Request{Op: op, SQL: s.sql}
	s.conn.mu.Lock()
	if s.remoteID != "" && s.prepLease == s.conn.leaseID {
		req.StatementID = s.remoteID
	}
	s.conn.mu.Unlock()
	return req
}

// Query executes and returns the rows. The backend connection stays leased
// until the rows close.
func (s *Stmt) Query(ctx context.Context) (*Rows, error) {
	if err := s.conn.guard.enter(s.key()); err != nil {
		return nil, err
	}
	defer s.conn.guard.exit(s.key())
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	params, err := s.snapshotParams()
	if err != nil {
		return nil, err
	}
	leaseID, err := s.conn.lease(ctx)
	if err != nil {
		return nil, err
	}
	req := s.execRequest(wire.OpExecuteQuery)
	req.LeaseID = leaseID
	req.Params = params
	resp, err := s.conn.roundTrip(ctx, req)
	if err != nil {
		_ = s.conn.unlease(ctx)
		return nil, err
	}
	s.conn.cursorOpened()
	rows := newRows(s, resp, s.scrollable)
	if err := rows.finishInit(ctx, resp.Page); err != nil {
		rows.closed = true
		s.conn.disown(rows.handle)
		_ = s.conn.reg.Release(rows.handle)
		_, _ = s.conn.roundTrip(ctx, &wire.Request{Op: wire.OpCloseResult, ResultID: rows.resultID})
		s.conn.cursorClosed(ctx)
		return nil, err
	}
	return rows, nil
}

// Exec executes and returns the update count. The backend connection is
// borrowed for just this round trip unless the connection is pinned.
func (s *Stmt) Exec(ctx context.Context) (int64, error) {
	if err := s.conn.guard.enter(s.key()); err != nil {
		return 0, err
	}
	defer s.conn.guard.exit(s.key())
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	params, err := s.snapshotParams()
	if err != nil {
		return 0, err
	}
	leaseID, err := s.conn.lease(ctx)
	if err != nil {
		return 0, err
	}
	req := s.execRequest(wire.OpExecuteUpdate)
	req.LeaseID = leaseID
	req.Params = params
	resp, err := s.conn.roundTrip(ctx, req)
	if uerr := s.conn.unlease(ctx); err == nil {
		err = uerr
	}
	if err != nil {
		return 0, err
	}
	return resp.UpdateCount, nil
}

// ExecBatch runs the accumulated entries in order and returns their update
// counts. Every entry runs even when an earlier one fails; on partial
// failure the returned error unwraps to the batch taxonomy sentinel and
// carries one outcome per entry, with zero counts for the failed ones.
// The batch clears either way.
func (s *Stmt) ExecBatch(ctx context.Context) ([]int64, error) {
	if err := s.conn.guard.enter(s.key()); err != nil {
		return nil, err
	}
	defer s.conn.guard.exit(s.key())
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	batch := s.batch
	s.batch = nil
	if len(batch) == 0 {
		return nil, nil
	}
	leaseID, err := s.conn.lease(ctx)
	if err != nil {
		return nil, err
	}
	req := s.execRequest(wire.OpExecuteBatch)
	req.LeaseID = leaseID
	req.Batch = batch
	resp, err := s.conn.roundTrip(ctx, req)
	if uerr := s.conn.unlease(ctx); err == nil {
		err = uerr
	}
	if err != nil {
		var batchErr *errdefs.BatchError
		if errors.As(err, &batchErr) {
			return counts(batchErr.Outcomes), err
		}
		return nil, err
	}
	return counts(resp.BatchOutcomes), nil
}

func counts(outcomes []errdefs.BatchOutcome) []int64 {
	out := make([]int64, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.UpdateCount
	}
	return out
}

// Call executes a callable statement. Out-parameter values become readable
// through Out afterwards.
func (s *Stmt) Call(ctx context.Context) error {
	if err := s.conn.guard.enter(s.key()); err != nil {
		return err
	}
	defer s.conn.guard.exit(s.key())
	if err := s.checkOpen(); err != nil {
		return err
	}
	params, err := s.snapshotParams()
	if err != nil {
		return err
	}
	leaseID, err := s.conn.lease(ctx)
	if err != nil {
		return err
	}
	req := s.execRequest(wire.OpExecuteCall)
	req.LeaseID = leaseID
	req.Params = params
	req.OutParams = s.outParams
	resp, err := s.conn.roundTrip(ctx, req)
	if uerr := s.conn.unlease(ctx); err == nil {
		err = uerr
	}
	if err != nil {
		return err
	}
	s.outValues = resp.OutValues
	return nil
}

// Close releases the statement and every result still open on it. Closing
// twice is a no-op.
func (s *Stmt) Close(ctx context.Context) error {
	if err := s.conn.guard.enter(s.key()); err != nil {
		return err
	}
	defer s.conn.guard.exit(s.key())
	if s.closed {
		return nil
	}
	s.closed = true
	s.conn.disown(s.handle)

	released, err := s.conn.reg.ReleaseTree(s.handle)
	if err != nil {
		if errors.Is(err, errdefs.ErrAlreadyClosed) {
			return nil
		}
		return err
	}
	if s.broken || s.conn.State() != StateActive {
		return nil
	}
	for _, rel := range released {
		switch rel.Kind {
		case handles.KindResult:
			_, _ = s.conn.roundTrip(ctx, &wire.Request{Op: wire.OpCloseResult, ResultID: rel.RemoteID})
			s.conn.cursorClosed(ctx)
		case handles.KindStatement:
			s.conn.mu.Lock()
			live := s.remoteID != "" && s.prepLease == s.conn.leaseID
			s.conn.mu.Unlock()
			if live {
				_, _ = s.conn.roundTrip(ctx, &wire.Request{Op: wire.OpCloseStatement, StatementID: rel.RemoteID})
			}
		}
	}
	return nil
}
