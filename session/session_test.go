package session

import (
	"context"
	"sync"
	"testing"

	"github.com/zeptools/sqlrelay/backend/backendmock"
	"github.com/zeptools/sqlrelay/server"
	"github.com/zeptools/sqlrelay/transport"
	"github.com/zeptools/sqlrelay/transport/impls/inproc"
	"github.com/zeptools/sqlrelay/wire"
)

// countingTransport records traffic per operation on its way to the relay.
type countingTransport struct {
	inner transport.Transport

	mu  sync.Mutex
	ops map[wire.Op]int
}

func newCountingTransport(inner transport.Transport) *countingTransport {
	return &countingTransport{inner: inner, ops: map[wire.Op]int{}}
}

func (t *countingTransport) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	t.mu.Lock()
	t.ops[req.Op]++
	t.mu.Unlock()
	return t.inner.Send(ctx, req)
}

func (t *countingTransport) Close() error { return t.inner.Close() }

func (t *countingTransport) count(op wire.Op) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops[op]
}

type testRig struct {
	pool  *backendmock.Pool
	relay *server.Relay
	tr    *countingTransport
	conn  *Conn
}

func newRig(t *testing.T, script *backendmock.Script, conf *Conf) *testRig {
	t.Helper()
	pool := backendmock.NewPool(script)
	mgr := server.NewManager()
	mgr.AddBackendPool("main", pool, &backendmock.Dialect{})
	relay := server.NewRelay(mgr)
	relay.PageSize = 10
	tr := newCountingTransport(inproc.New(relay))
	if conf == nil {
		conf = &Conf{}
	}
	conf.Backend = "main"
	conf.Dialect = "mock"
	conn, err := Open(context.Background(), tr, conf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = conn.Close(context.Background())
		mgr.Close()
	})
	return &testRig{pool: pool, relay: relay, tr: tr, conn: conn}
}
