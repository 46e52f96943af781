package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/handles"
	"github.com/zeptools/sqlrelay/wire"
)

// Rows is a paged result set. Forward-only rows keep just the newest page in
// memory; scrollable rows retain every fetched page so positioning never
// refetches.
//
// Position is 1-based: 0 is before the first row, rowCount+1 is after the
// last.
type Rows struct {
	stmt   *Stmt
	conn   *Conn
	handle handles.Handle

	resultID   string
	cols       []wire.Column
	scrollable bool

	rows    [][]wire.Datum
	basePos int64 // absolute 1-based position of rows[0]
	pos     int64
	last    bool  // no further pages on the relay
	total   int64 // valid once last

	hydrated     map[string][]byte // lob payloads pulled at fetch time
	hydratedLobs map[string]*Lob   // handed-out wrappers, one per payload
	rowLobs      []*Lob            // streamed lobs handed out for the current row

	wasNull bool
	closed  bool
	broken  bool

	pre chan fetchOutcome
}

type fetchOutcome struct {
	resp *wire.Response
	err  error
}

var _ invalidator = (*Rows)(nil)

func newRows(s *Stmt, resp *wire.Response, scrollable bool) *Rows {
	r := &Rows{
		stmt:       s,
		conn:       s.conn,
		resultID:   resp.ResultID,
		cols:       resp.Columns,
		scrollable: scrollable,
		basePos:    1,

		hydrated:     map[string][]byte{},
		hydratedLobs: map[string]*Lob{},
	}
	r.handle = s.conn.reg.Register(handles.KindResult, r.resultID, s.handle)
	s.conn.adopt(r.handle, r)
	r.ingest(resp.Page)
	return r
}

// finishInit hydrates the first page's lobs and kicks off prefetching.
// Split from newRows because both can fail or reach the relay.
func (r *Rows) finishInit(ctx context.Context, page *wire.Page) error {
	if err := r.hydrateLobs(ctx, page); err != nil {
		return err
	}
	if !r.last && r.conn.conf.Prefetch {
		r.startPrefetch()
	}
	return nil
}

func (r *Rows) invalidate() {
	r.broken = true
	for _, lob := range r.rowLobs {
		lob.expire()
	}
}

func (r *Rows) key() string {
	return fmt.Sprintf("result:%d", r.handle)
}

// Columns describes the result shape.
func (r *Rows) Columns() []wire.Column {
	return r.cols
}

func (r *Rows) checkOpen() error {
	if r.broken {
		return errdefs.ErrConnectionBroken
	}
	if r.closed {
		return fmt.Errorf("%w: result closed", errdefs.ErrInvalidState)
	}
	return nil
}

// ingest appends a page to the buffer. Forward-only drops the rows already
// passed.
func (r *Rows) ingest(page *wire.Page) {
	if page == nil {
		r.last = true
		r.total = r.basePos - 1 + int64(len(r.rows))
		return
	}
	r.rows = append(r.rows, page.Rows...)
	if page.Last {
		r.last = true
		r.total = r.basePos - 1 + int64(len(r.rows))
	}
}

// frontier is the absolute position of the newest buffered row.
func (r *Rows) frontier() int64 {
	return r.basePos - 1 + int64(len(r.rows))
}

func (r *Rows) fetchNext(ctx context.Context) error {
	var out fetchOutcome
	if r.pre != nil {
		out = <-r.pre
		r.pre = nil
	} else {
		out.resp, out.err = r.conn.roundTrip(ctx, &wire.Request{
			Op:       wire.OpFetch,
			ResultID: r.resultID,
		})
	}
	if out.err != nil {
		return out.err
	}
	if !r.scrollable {
		// drop the rows behind the current position
		passed := int(r.pos - r.basePos + 1)
		if passed > len(r.rows) {
			passed = len(r.rows)
		}
		if passed > 0 {
			r.rows = r.rows[passed:]
			r.basePos += int64(passed)
		}
	}
	r.ingest(out.resp.Page)
	if err := r.hydrateLobs(ctx, out.resp.Page); err != nil {
		return err
	}
	if !r.last && r.conn.conf.Prefetch {
		r.startPrefetch()
	}
	return nil
}

// startPrefetch overlaps the next page fetch with consumption of the current
// one. At most one fetch is in flight; an abandoned outcome is drained by
// the buffered channel.
func (r *Rows) startPrefetch() {
	ch := make(chan fetchOutcome, 1)
	r.pre = ch
	go func() {
		resp, err := r.conn.roundTrip(context.Background(), &wire.Request{
			Op:       wire.OpFetch,
			ResultID: r.resultID,
		})
		ch <- fetchOutcome{resp: resp, err: err}
	}()
}

// ensure makes the row at absolute position target available, fetching pages
// as needed. Reports whether the position holds a row.
func (r *Rows) ensure(ctx context.Context, target int64) (bool, error) {
	if target < r.basePos && !r.scrollable {
		return false, fmt.Errorf("%w: cannot move backward on a forward-only result", errdefs.ErrInvalidState)
	}
	for target > r.frontier() && !r.last {
		if err := r.fetchNext(ctx); err != nil {
			return false, err
		}
	}
	return target >= r.basePos && target <= r.frontier(), nil
}

func (r *Rows) leaveRow() {
	for _, lob := range r.rowLobs {
		lob.expire()
	}
	r.rowLobs = nil
	r.wasNull = false
}

// Next advances one row forward. False means the position moved past the
// last row.
func (r *Rows) Next(ctx context.Context) (bool, error) {
	if err := r.conn.guard.enter(r.key()); err != nil {
		return false, err
	}
	defer r.conn.guard.exit(r.key())
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	r.leaveRow()
	ok, err := r.ensure(ctx, r.pos+1)
	if err != nil {
		return false, err
	}
	r.pos++
	if !ok {
		r.pos = r.total + 1
		return false, nil
	}
	return true, nil
}

// Absolute positions on row n. Negative n counts from the end, -1 being the
// last row. Zero moves before the first row. Requires a scrollable result;
// forward-only cursors permit nothing but Next.
func (r *Rows) Absolute(ctx context.Context, n int64) (bool, error) {
	if err := r.conn.guard.enter(r.key()); err != nil {
		return false, err
	}
	defer r.conn.guard.exit(r.key())
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	if !r.scrollable {
		return false, fmt.Errorf("%w: positioning requires a scrollable result", errdefs.ErrInvalidState)
	}
	r.leaveRow()
	if n < 0 {
		if err := r.drain(ctx); err != nil {
			return false, err
		}
		n = r.total + 1 + n
		if n < 0 {
			n = 0
		}
	}
	ok, err := r.ensure(ctx, n)
	if err != nil {
		return false, err
	}
	if r.last && n > r.total {
		n = r.total + 1
		ok = false
	}
	r.pos = n
	return ok, nil
}

// Relative moves k rows from the current position, negative k backward.
func (r *Rows) Relative(ctx context.Context, k int64) (bool, error) {
	target := r.pos + k
	if target < 0 {
		target = 0
	}
	return r.Absolute(ctx, target)
}

// First positions on the first row.
func (r *Rows) First(ctx context.Context) (bool, error) {
	return r.Absolute(ctx, 1)
}

// Last positions on the last row, draining remaining pages to find it.
func (r *Rows) Last(ctx context.Context) (bool, error) {
	return r.Absolute(ctx, -1)
}

// drain pulls every remaining page so the row count is known.
func (r *Rows) drain(ctx context.Context) error {
	for !r.last {
		if err := r.fetchNext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Position reports the current 1-based position, 0 before the first row.
func (r *Rows) Position() int64 {
	return r.pos
}

func (r *Rows) current() ([]wire.Datum, error) {
	if r.pos < r.basePos || r.pos > r.frontier() {
		return nil, fmt.Errorf("%w: no current row", errdefs.ErrInvalidState)
	}
	return r.rows[r.pos-r.basePos], nil
}

// hydrateLobs pulls small lob payloads into memory as their page arrives, so
// they stay readable for the life of the connection.
func (r *Rows) hydrateLobs(ctx context.Context, page *wire.Page) error {
	if page == nil {
		return nil
	}
	for _, row := range page.Rows {
		for _, d := range row {
			if d.Lob == nil || !r.conn.hydrates(d.Lob) {
				continue
			}
			data, err := r.conn.pullLob(ctx, d.Lob.ID)
			if err != nil {
				return err
			}
			r.hydrated[d.Lob.ID] = data
		}
	}
	return nil
}

// Close releases the result. The backend connection goes back to the pool
// once no cursor needs it. Closing twice is a no-op.
func (r *Rows) Close(ctx context.Context) error {
	if err := r.conn.guard.enter(r.key()); err != nil {
		return err
	}
	defer r.conn.guard.exit(r.key())
	if r.closed {
		return nil
	}
	r.closed = true
	r.leaveRow()
	r.conn.disown(r.handle)
	if err := r.conn.reg.Release(r.handle); err != nil {
		if errors.Is(err, errdefs.ErrAlreadyClosed) {
			return nil
		}
		return err
	}
	if !r.broken && r.conn.State() == StateActive {
		_, _ = r.conn.roundTrip(ctx, &wire.Request{Op: wire.OpCloseResult, ResultID: r.resultID})
	}
	r.conn.cursorClosed(ctx)
	return nil
}
