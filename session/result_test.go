package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/zeptools/sqlrelay/backend/backendmock"
	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/wire"
)

func numberedRows(n int) backendmock.QueryFunc {
	cols := []wire.Column{
		{Name: "id", Declared: "INT"},
		{Name: "name", Declared: "VARCHAR"},
	}
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i + 1), fmt.Sprintf("row-%d", i+1)}
	}
	return backendmock.Rows(cols, rows...)
}

func openRows(t *testing.T, rig *testRig, sql string, scrollable bool) *Rows {
	t.Helper()
	ctx := context.Background()
	st, err := rig.conn.Prepare(ctx, sql)
	if err != nil {
		t.Fatal(err)
	}
	st.SetScrollable(scrollable)
	rows, err := st.Query(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestForwardOnlyPagination(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", numberedRows(37))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, name FROM t", false)
	var n int64
	for {
		ok, err := rows.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		n++
		id, err := rows.GetInt64(1)
		if err != nil {
			t.Fatal(err)
		}
		if id != n {
			t.Fatalf("row %d: expected id %d, got %d", n, n, id)
		}
	}
	if n != 37 {
		t.Fatalf("expected 37 rows, got %d", n)
	}
	// page size 10: first page rides the execute response, three more fetches
	if got := rig.tr.count(wire.OpFetch); got != 3 {
		t.Fatalf("expected 3 fetches, got %d", got)
	}
	// advancing past the end stays past the end
	if ok, err := rows.Next(ctx); err != nil || ok {
		t.Fatalf("expected exhausted result, ok=%v err=%v", ok, err)
	}
	if err := rows.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestScrollableRevisitsWithoutRefetch(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", numberedRows(25))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, name FROM t", true)
	if ok, err := rows.Last(ctx); err != nil || !ok {
		t.Fatalf("last: ok=%v err=%v", ok, err)
	}
	if got := rows.Position(); got != 25 {
		t.Fatalf("expected position 25, got %d", got)
	}
	fetched := rig.tr.count(wire.OpFetch)

	// every earlier row is still buffered
	if ok, err := rows.Absolute(ctx, 3); err != nil || !ok {
		t.Fatalf("absolute 3: ok=%v err=%v", ok, err)
	}
	name, err := rows.GetStringByName("name")
	if err != nil {
		t.Fatal(err)
	}
	if name != "row-3" {
		t.Fatalf("expected row-3, got %s", name)
	}
	if ok, err := rows.First(ctx); err != nil || !ok {
		t.Fatalf("first: ok=%v err=%v", ok, err)
	}
	if got := rig.tr.count(wire.OpFetch); got != fetched {
		t.Fatalf("revisit must not refetch: %d -> %d", fetched, got)
	}
}

func TestAbsoluteFromEnd(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", numberedRows(12))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, name FROM t", true)
	if ok, err := rows.Absolute(ctx, -1); err != nil || !ok {
		t.Fatalf("absolute -1: ok=%v err=%v", ok, err)
	}
	if got := rows.Position(); got != 12 {
		t.Fatalf("expected position 12, got %d", got)
	}
	if ok, err := rows.Absolute(ctx, -12); err != nil || !ok {
		t.Fatalf("absolute -12: ok=%v err=%v", ok, err)
	}
	if got := rows.Position(); got != 1 {
		t.Fatalf("expected position 1, got %d", got)
	}
	// beyond the start clamps to before-first
	if ok, err := rows.Absolute(ctx, -40); err != nil || ok {
		t.Fatalf("absolute -40: ok=%v err=%v", ok, err)
	}
	if got := rows.Position(); got != 0 {
		t.Fatalf("expected position 0, got %d", got)
	}
}

func TestRelativeMovement(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", numberedRows(8))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, name FROM t", true)
	if ok, err := rows.Relative(ctx, 5); err != nil || !ok {
		t.Fatalf("relative +5: ok=%v err=%v", ok, err)
	}
	if ok, err := rows.Relative(ctx, -2); err != nil || !ok {
		t.Fatalf("relative -2: ok=%v err=%v", ok, err)
	}
	id, err := rows.GetInt64ByName("id")
	if err != nil {
		t.Fatal(err)
	}
	if id != 3 {
		t.Fatalf("expected id 3, got %d", id)
	}
	// past the end parks after-last
	if ok, err := rows.Relative(ctx, 100); err != nil || ok {
		t.Fatalf("relative +100: ok=%v err=%v", ok, err)
	}
	if got := rows.Position(); got != 9 {
		t.Fatalf("expected after-last position 9, got %d", got)
	}
}

func TestForwardOnlyRejectsPositioning(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", numberedRows(30))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, name FROM t", false)
	// stay inside the first buffered page; the restriction is on the mode,
	// not on whether the target row is still held
	for i := 0; i < 5; i++ {
		if ok, err := rows.Next(ctx); err != nil || !ok {
			t.Fatalf("next %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, err := rows.Absolute(ctx, 3); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("absolute within window: expected invalid state, got %v", err)
	}
	if _, err := rows.Relative(ctx, -1); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("relative within window: expected invalid state, got %v", err)
	}
	if _, err := rows.Absolute(ctx, 20); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("forward absolute: expected invalid state, got %v", err)
	}
	// cross a page boundary so the passed rows are gone
	for i := 0; i < 10; i++ {
		if ok, err := rows.Next(ctx); err != nil || !ok {
			t.Fatalf("next %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, err := rows.Absolute(ctx, 3); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("absolute past window: expected invalid state, got %v", err)
	}
	// plain iteration still works after the rejected moves
	if ok, err := rows.Next(ctx); err != nil || !ok {
		t.Fatalf("next after rejection: ok=%v err=%v", ok, err)
	}
}

func TestNullColumnReporting(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", backendmock.Rows(
		[]wire.Column{
			{Name: "id", Declared: "INT"},
			{Name: "name", Declared: "VARCHAR", Nullable: true},
		},
		[]any{int64(1), nil},
	))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, name FROM t", false)
	if ok, err := rows.Next(ctx); err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if _, err := rows.GetInt64(1); err != nil {
		t.Fatal(err)
	}
	if rows.WasNull() {
		t.Fatal("id is not null")
	}
	name, err := rows.GetString(2)
	if err != nil {
		t.Fatal(err)
	}
	if name != "" || !rows.WasNull() {
		t.Fatalf("expected null name, got %q wasNull=%v", name, rows.WasNull())
	}
}

func TestColumnLookup(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", numberedRows(1))
	rig := newRig(t, script, nil)

	rows := openRows(t, rig, "SELECT id, name FROM t", false)
	if _, err := rows.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	idx, err := rows.Column("NAME")
	if err != nil {
		t.Fatal(err)
	}
	if idx != 2 {
		t.Fatalf("expected column 2, got %d", idx)
	}
	_, err = rows.Column("missing")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetterTypeMismatch(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", numberedRows(1))
	rig := newRig(t, script, nil)

	rows := openRows(t, rig, "SELECT id, name FROM t", false)
	if _, err := rows.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := rows.GetBool(2)
	if !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestRowsCloseIdempotent(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", numberedRows(2))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, name FROM t", false)
	if err := rows.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rows.Close(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := rows.Next(ctx)
	if !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("expected invalid state after close, got %v", err)
	}
}

func TestPrefetchDeliversEveryRow(t *testing.T) {
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, name FROM t", numberedRows(37))
	rig := newRig(t, script, &Conf{Prefetch: true})
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, name FROM t", false)
	var n int64
	for {
		ok, err := rows.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		n++
		id, err := rows.GetInt64(1)
		if err != nil {
			t.Fatal(err)
		}
		if id != n {
			t.Fatalf("row %d: expected id %d, got %d", n, n, id)
		}
	}
	if n != 37 {
		t.Fatalf("expected 37 rows, got %d", n)
	}
}
