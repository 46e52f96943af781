// Package inproc links a session core directly to a relay in the same
// process. Used by embedded deployments and throughout the tests.
package inproc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/zeptools/sqlrelay/transport"
	"github.com/zeptools/sqlrelay/wire"
)

type Transport struct {
	h      transport.Handler
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

func New(h transport.Handler) *Transport {
	return &Transport{h: h}
}

func (t *Transport) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("inproc transport closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.h.Handle(ctx, req), nil
}

func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}
