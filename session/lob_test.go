package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/backend/backendmock"
	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/wire"
)

func lobQuery(payload any) backendmock.QueryFunc {
	return backendmock.Rows(
		[]wire.Column{
			{Name: "id", Declared: "INT"},
			{Name: "doc", Declared: "BLOB"},
		},
		[]any{int64(1), payload},
	)
}

func TestHydratedLobSurvivesResultClose(t *testing.T) {
	payload := []byte("small enough to hydrate")
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, doc FROM docs", lobQuery(payload))
	rig := newRig(t, script, nil) // threshold 0 hydrates everything
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, doc FROM docs", false)
	if ok, err := rows.Next(ctx); err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	lob, err := rows.GetLob(2)
	if err != nil {
		t.Fatal(err)
	}
	if !lob.Hydrated() {
		t.Fatal("expected hydrated lob under default policy")
	}
	if err := rows.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// the payload lives in client memory now; no relay traffic needed
	reads := rig.tr.count(wire.OpLobRead)
	got, err := lob.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
	if rig.tr.count(wire.OpLobRead) != reads {
		t.Fatal("hydrated read must not touch the relay")
	}
	n, err := lob.Length(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("expected length %d, got %d", len(payload), n)
	}
}

func TestStreamedLobExpiresWithItsRow(t *testing.T) {
	payload := []byte("definitely larger than the hydration threshold")
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, doc FROM docs", backendmock.Rows(
		[]wire.Column{
			{Name: "id", Declared: "INT"},
			{Name: "doc", Declared: "BLOB"},
		},
		[]any{int64(1), payload},
		[]any{int64(2), []byte("next")},
	))
	rig := newRig(t, script, &Conf{LobHydrationThreshold: 4})
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, doc FROM docs", false)
	if ok, err := rows.Next(ctx); err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	lob, err := rows.GetLob(2)
	if err != nil {
		t.Fatal(err)
	}
	if lob.Hydrated() {
		t.Fatal("payload above threshold must stream")
	}
	got, err := lob.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}

	// leaving the row invalidates the streamed handle
	if ok, err := rows.Next(ctx); err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	_, err = lob.ReadAll(ctx)
	if !errors.Is(err, errdefs.ErrLobExpired) {
		t.Fatalf("expected expired lob, got %v", err)
	}
}

func TestStreamedLobChunkedRead(t *testing.T) {
	payload := []byte("0123456789abcdef")
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, doc FROM docs", lobQuery(payload))
	rig := newRig(t, script, &Conf{LobHydrationThreshold: 4})
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, doc FROM docs", false)
	if _, err := rows.Next(ctx); err != nil {
		t.Fatal(err)
	}
	lob, err := rows.GetLob(2)
	if err != nil {
		t.Fatal(err)
	}

	var assembled []byte
	buf := make([]byte, 5)
	for {
		n, err := lob.Read(ctx, buf)
		assembled = append(assembled, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(assembled, payload) {
		t.Fatalf("assembled %q, want %q", assembled, payload)
	}

	// random access re-reads an arbitrary slice
	n, err := lob.ReadAt(ctx, buf, 10)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf[:n]) != "abcde" {
		t.Fatalf("readat: got %q", buf[:n])
	}
}

func TestUndeclaredLobSizeResolvedOnDemand(t *testing.T) {
	payload := backend.UnsizedBytes("length unknown until asked")
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, doc FROM docs", lobQuery(payload))
	rig := newRig(t, script, &Conf{LobHydrationThreshold: 1 << 20})
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, doc FROM docs", false)
	if _, err := rows.Next(ctx); err != nil {
		t.Fatal(err)
	}
	lob, err := rows.GetLob(2)
	if err != nil {
		t.Fatal(err)
	}
	// an undeclared size never hydrates, whatever the threshold
	if lob.Hydrated() {
		t.Fatal("expected streamed lob")
	}

	n, err := lob.Length(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("expected length %d, got %d", len(payload), n)
	}
	if got := rig.tr.count(wire.OpLobLength); got != 1 {
		t.Fatalf("expected 1 length call, got %d", got)
	}
	// the answer is cached
	if _, err := lob.Length(ctx); err != nil {
		t.Fatal(err)
	}
	if got := rig.tr.count(wire.OpLobLength); got != 1 {
		t.Fatalf("expected cached length, got %d calls", got)
	}
}

func TestRepeatedHydratedLobReadsShareOneHandle(t *testing.T) {
	payload := []byte("cached payload")
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, doc FROM docs", lobQuery(payload))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, doc FROM docs", false)
	if _, err := rows.Next(ctx); err != nil {
		t.Fatal(err)
	}
	first, err := rows.GetLob(2)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Hydrated() {
		t.Fatal("expected hydrated lob")
	}
	before := rig.conn.reg.Len()
	for i := 0; i < 5; i++ {
		again, err := rows.GetLob(2)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatal("expected the same lob wrapper on every read")
		}
	}
	if got := rig.conn.reg.Len(); got != before {
		t.Fatalf("registry grew from %d to %d entries", before, got)
	}
}

func TestUndeclaredLobSizeStreamsWithoutThreshold(t *testing.T) {
	payload := backend.UnsizedBytes("size unknown")
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, doc FROM docs", lobQuery(payload))
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, doc FROM docs", false)
	if _, err := rows.Next(ctx); err != nil {
		t.Fatal(err)
	}
	lob, err := rows.GetLob(2)
	if err != nil {
		t.Fatal(err)
	}
	if lob.Hydrated() {
		t.Fatal("expected streamed lob")
	}
	got, err := lob.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(payload)) {
		t.Fatalf("read %q, want %q", got, payload)
	}
}

func TestClientCreatedLobBindsItsPayload(t *testing.T) {
	script := backendmock.NewScript()
	var bound []byte
	script.OnExec("INSERT INTO docs VALUES (?)", func(_ *backendmock.Conn, args []any) (int64, error) {
		b, ok := args[0].([]byte)
		if !ok {
			return 0, errors.New("expected a byte payload")
		}
		bound = append([]byte(nil), b...)
		return 1, nil
	})
	rig := newRig(t, script, nil)
	ctx := context.Background()

	lob, err := rig.conn.CreateBlob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := lob.Write(ctx, 0, []byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if err := lob.Write(ctx, 6, []byte("world")); err != nil {
		t.Fatal(err)
	}
	n, err := lob.Length(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Fatalf("expected length 11, got %d", n)
	}

	st, err := rig.conn.Prepare(ctx, "INSERT INTO docs VALUES (?)")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Bind(1, lob); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Exec(ctx); err != nil {
		t.Fatal(err)
	}
	if string(bound) != "hello world" {
		t.Fatalf("backend saw %q", bound)
	}
}

func TestHydratedLobRebindsByValue(t *testing.T) {
	payload := []byte("round trip me")
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, doc FROM docs", lobQuery(payload))
	var bound []byte
	script.OnExec("INSERT INTO archive VALUES (?)", func(_ *backendmock.Conn, args []any) (int64, error) {
		bound, _ = args[0].([]byte)
		return 1, nil
	})
	rig := newRig(t, script, nil)
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, doc FROM docs", false)
	if _, err := rows.Next(ctx); err != nil {
		t.Fatal(err)
	}
	lob, err := rows.GetLob(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := rows.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// the source result is gone; the hydrated payload still binds
	st, err := rig.conn.Prepare(ctx, "INSERT INTO archive VALUES (?)")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Bind(1, lob); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Exec(ctx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bound, payload) {
		t.Fatalf("backend saw %q", bound)
	}
}

func TestWriteToStreamedLobRejected(t *testing.T) {
	payload := []byte("read-only row payload here")
	script := backendmock.NewScript()
	script.OnQuery("SELECT id, doc FROM docs", lobQuery(payload))
	rig := newRig(t, script, &Conf{LobHydrationThreshold: 4})
	ctx := context.Background()

	rows := openRows(t, rig, "SELECT id, doc FROM docs", false)
	if _, err := rows.Next(ctx); err != nil {
		t.Fatal(err)
	}
	lob, err := rows.GetLob(2)
	if err != nil {
		t.Fatal(err)
	}
	err = lob.Write(ctx, 0, []byte("nope"))
	if !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("expected read-only rejection, got %v", err)
	}
}
