package session

import (
	"context"
	"errors"
	"testing"

	"github.com/zeptools/sqlrelay/backend/backendmock"
	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/transport"
	"github.com/zeptools/sqlrelay/wire"
)

func TestOpenAndCloseLifecycle(t *testing.T) {
	rig := newRig(t, backendmock.NewScript(), nil)
	if got := rig.conn.State(); got != StateActive {
		t.Fatalf("expected active, got %s", got)
	}
	if err := rig.conn.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rig.conn.State(); got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}
	// second close is a no-op
	if err := rig.conn.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestOperationsAfterCloseFail(t *testing.T) {
	rig := newRig(t, backendmock.NewScript(), nil)
	if err := rig.conn.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := rig.conn.Prepare(context.Background(), "SELECT 1")
	if !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestExecBorrowsAndReturnsLease(t *testing.T) {
	script := backendmock.NewScript()
	script.OnExec("DELETE FROM t", backendmock.Updates(3))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	st, err := rig.conn.Prepare(ctx, "DELETE FROM t")
	if err != nil {
		t.Fatal(err)
	}
	n, err := st.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected update count 3, got %d", n)
	}
	// prepare borrowed once, exec borrowed once; both returned
	if rig.pool.AcquireCount != rig.pool.ReleaseCount {
		t.Fatalf("lease leaked: acquired %d released %d", rig.pool.AcquireCount, rig.pool.ReleaseCount)
	}
	if rig.conn.leaseID != "" {
		t.Fatal("connection still holds a lease after exec")
	}
}

func TestQueryHoldsLeaseUntilResultClose(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id FROM t", backendmock.Rows(
		[]wire.Column{{Name: "id", Declared: "INT"}},
		[]any{int64(1)},
	))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	st, err := rig.conn.Prepare(ctx, "SELECT id FROM t")
	if err != nil {
		t.Fatal(err)
	}
	released := rig.pool.ReleaseCount
	rows, err := st.Query(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rig.conn.leaseID == "" {
		t.Fatal("open cursor should hold the lease")
	}
	if err := rows.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if rig.pool.ReleaseCount != released+1 {
		t.Fatal("closing the last result should return the lease")
	}
	if rig.conn.leaseID != "" {
		t.Fatal("lease not cleared after result close")
	}
}

func TestCommitWithoutBackendIsNoop(t *testing.T) {
	rig := newRig(t, backendmock.NewScript(), nil)
	ctx := context.Background()
	if err := rig.conn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rig.conn.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if rig.pool.AcquireCount != 0 {
		t.Fatal("no-op commit should not touch the pool")
	}
}

func TestAutocommitOffPinsConnection(t *testing.T) {
	script := backendmock.NewScript()
	script.OnExec("INSERT INTO t VALUES (1)", backendmock.Updates(1))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	if err := rig.conn.SetAutoCommit(ctx, false); err != nil {
		t.Fatal(err)
	}
	if !rig.conn.Pinned() {
		t.Fatal("autocommit off must pin the connection")
	}
	st, err := rig.conn.Prepare(ctx, "INSERT INTO t VALUES (1)")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Exec(ctx); err != nil {
		t.Fatal(err)
	}
	if rig.pool.AcquireCount != 1 {
		t.Fatalf("pinned connection must reuse its lease, acquired %d times", rig.pool.AcquireCount)
	}
	if err := rig.conn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if rig.pool.ReleaseCount != 0 {
		t.Fatal("pinned lease must not return to the pool before close")
	}
}

func TestSavepointRoundTrip(t *testing.T) {
	rig := newRig(t, backendmock.NewScript(), nil)
	ctx := context.Background()

	if err := rig.conn.SetAutoCommit(ctx, false); err != nil {
		t.Fatal(err)
	}
	sp, err := rig.conn.SetSavepoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sp.Name() == "" {
		t.Fatal("savepoint has no name")
	}
	if err := rig.conn.RollbackTo(ctx, sp); err != nil {
		t.Fatal(err)
	}
	if err := rig.conn.ReleaseSavepoint(ctx, sp); err != nil {
		t.Fatal(err)
	}
}

func TestSavepointRequiresTransaction(t *testing.T) {
	rig := newRig(t, backendmock.NewScript(), nil)
	_, err := rig.conn.SetSavepoint(context.Background())
	if !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestSavepointFromOtherConnectionRejected(t *testing.T) {
	rig1 := newRig(t, backendmock.NewScript(), nil)
	rig2 := newRig(t, backendmock.NewScript(), nil)
	ctx := context.Background()

	if err := rig1.conn.SetAutoCommit(ctx, false); err != nil {
		t.Fatal(err)
	}
	sp, err := rig1.conn.SetSavepoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := rig2.conn.SetAutoCommit(ctx, false); err != nil {
		t.Fatal(err)
	}
	err = rig2.conn.RollbackTo(ctx, sp)
	if !errors.Is(err, errdefs.ErrInvalidSavepoint) {
		t.Fatalf("expected invalid savepoint, got %v", err)
	}
	// no round trip happened for the rejected token
	if rig2.tr.count(wire.OpSavepointRollback) != 0 {
		t.Fatal("foreign savepoint must be rejected locally")
	}
}

// brokenTransport fails every send after the cutover.
type brokenTransport struct {
	inner transport.Transport
	fail  bool
}

func (t *brokenTransport) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if t.fail {
		return nil, errors.New("wire torn")
	}
	return t.inner.Send(ctx, req)
}

func (t *brokenTransport) Close() error { return t.inner.Close() }

func TestTransportFailureBreaksConnection(t *testing.T) {
	script := backendmock.NewScript()
	rig := newRig(t, script, nil)
	ctx := context.Background()

	bt := &brokenTransport{inner: rig.conn.tr}
	rig.conn.tr = bt
	bt.fail = true

	err := rig.conn.Ping(ctx)
	if !errors.Is(err, errdefs.ErrConnectionBroken) {
		t.Fatalf("expected connection broken, got %v", err)
	}
	if rig.conn.State() != StateBroken {
		t.Fatalf("expected broken state, got %s", rig.conn.State())
	}
	// every later operation fails fast without touching the wire
	_, err = rig.conn.Prepare(ctx, "SELECT 1")
	if !errors.Is(err, errdefs.ErrConnectionBroken) {
		t.Fatalf("expected connection broken, got %v", err)
	}
}

// timeoutTransport simulates a deadline expiry on the wire.
type timeoutTransport struct {
	inner  transport.Transport
	expire bool
}

func (t *timeoutTransport) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if t.expire && req.Op != wire.OpDiscard {
		return nil, context.DeadlineExceeded
	}
	return t.inner.Send(ctx, req)
}

func (t *timeoutTransport) Close() error { return t.inner.Close() }

func TestTimeoutOnBorrowedLeaseKeepsConnUsable(t *testing.T) {
	script := backendmock.NewScript()
	script.OnExec("DELETE FROM t", backendmock.Updates(1))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	st, err := rig.conn.Prepare(ctx, "DELETE FROM t")
	if err != nil {
		t.Fatal(err)
	}

	tt := &timeoutTransport{inner: rig.conn.tr}
	rig.conn.tr = tt
	tt.expire = true
	_, err = st.Exec(ctx)
	if !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if rig.conn.State() != StateActive {
		t.Fatalf("unpinned timeout must not break the connection, state %s", rig.conn.State())
	}

	tt.expire = false
	if _, err := st.Exec(ctx); err != nil {
		t.Fatalf("connection unusable after borrowed-lease timeout: %v", err)
	}
}

func TestTimeoutWhilePinnedBreaksConnection(t *testing.T) {
	rig := newRig(t, backendmock.NewScript(), nil)
	ctx := context.Background()

	if err := rig.conn.SetAutoCommit(ctx, false); err != nil {
		t.Fatal(err)
	}
	tt := &timeoutTransport{inner: rig.conn.tr, expire: true}
	rig.conn.tr = tt

	err := rig.conn.Commit(ctx)
	if !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if rig.conn.State() != StateBroken {
		t.Fatalf("pinned timeout must break the connection, state %s", rig.conn.State())
	}
}

func TestConcurrentAccessDetected(t *testing.T) {
	rig := newRig(t, backendmock.NewScript(), nil)
	if err := rig.conn.guard.enter("conn"); err != nil {
		t.Fatal(err)
	}
	defer rig.conn.guard.exit("conn")

	err := rig.conn.Ping(context.Background())
	if !errors.Is(err, errdefs.ErrConcurrentAccess) {
		t.Fatalf("expected concurrent access error, got %v", err)
	}
}

// warningTransport attaches a diagnostic to every successful response.
type warningTransport struct {
	inner transport.Transport
}

func (t *warningTransport) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	resp, err := t.inner.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Warnings = append(resp.Warnings, wire.Warning{Code: "SLOW_QUERY", Message: "took a while"})
	return resp, nil
}

func (t *warningTransport) Close() error { return t.inner.Close() }

func TestWarningsPersistUntilCleared(t *testing.T) {
	script := backendmock.NewScript()
	script.OnExec("DELETE FROM t", backendmock.Updates(1))
	rig := newRig(t, script, nil)
	rig.conn.tr = &warningTransport{inner: rig.conn.tr}
	ctx := context.Background()

	st, err := rig.conn.Prepare(ctx, "DELETE FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Exec(ctx); err != nil {
		t.Fatal(err)
	}
	got := rig.conn.Warnings()
	if len(got) == 0 || got[0].Code != "SLOW_QUERY" {
		t.Fatalf("expected a slow-query warning, got %v", got)
	}
	// retrieval does not drain
	if again := rig.conn.Warnings(); len(again) != len(got) {
		t.Fatalf("expected warnings to persist, got %v", again)
	}
	rig.conn.ClearWarnings()
	if left := rig.conn.Warnings(); len(left) != 0 {
		t.Fatalf("expected no warnings after clear, got %v", left)
	}
}
