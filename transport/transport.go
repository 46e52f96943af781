// Package transport carries request/response exchanges between the session
// core and the relay. Implementations live under impls/.
package transport

import (
	"context"

	"github.com/zeptools/sqlrelay/wire"
)

// Transport is the client side of one relay link. Send performs exactly one
// exchange. An error return means the exchange itself failed (link broken,
// deadline passed); operation-level failures travel inside the response.
type Transport interface {
	Send(ctx context.Context, req *wire.Request) (*wire.Response, error)
	Close() error
}

// Handler is the server side of a transport. It never returns a Go error;
// failures are encoded into the response so every transport serializes them
// the same way.
type Handler interface {
	Handle(ctx context.Context, req *wire.Request) *wire.Response
}
