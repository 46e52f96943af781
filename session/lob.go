package session

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/handles"
	"github.com/zeptools/sqlrelay/rw"
	"github.com/zeptools/sqlrelay/wire"
)

// Lob is a large object. Hydrated lobs hold their payload in memory and stay
// readable for the life of the connection; streamed lobs read from the relay
// on demand and expire when their row is left behind.
type Lob struct {
	conn   *Conn
	handle handles.Handle

	id   string
	kind wire.Type
	size int64 // -1 until known

	data     []byte // hydrated payload, nil when streamed
	writable bool   // created by the client for binding

	offset  int64
	expired bool
}

// hydrates decides the transfer policy for one lob descriptor: payloads of
// known size at or below the threshold come over eagerly, everything else
// streams. An unset threshold hydrates every sized payload; undeclared
// sizes always stream.
func (c *Conn) hydrates(desc *wire.LobDescriptor) bool {
	if desc.Size < 0 {
		return false
	}
	t := c.conf.LobHydrationThreshold
	return t <= 0 || desc.Size <= t
}

// pullLob drains a relay-side lob into memory.
func (c *Conn) pullLob(ctx context.Context, id string) ([]byte, error) {
	var buf bytes.Buffer
	cw := rw.NewCountWriter(&buf)
	for {
		resp, err := c.roundTrip(ctx, &wire.Request{
			Op:     wire.OpLobRead,
			LobID:  id,
			Offset: cw.BytesWritten(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := cw.Write(resp.Data); err != nil {
			return nil, err
		}
		if resp.EOF {
			return buf.Bytes(), nil
		}
	}
}

// CreateBlob allocates an empty relay-side binary lob for binding.
func (c *Conn) CreateBlob(ctx context.Context) (*Lob, error) {
	return c.createLob(ctx, wire.TypeBlob)
}

// CreateClob allocates an empty relay-side character lob for binding.
func (c *Conn) CreateClob(ctx context.Context) (*Lob, error) {
	return c.createLob(ctx, wire.TypeClob)
}

func (c *Conn) createLob(ctx context.Context, kind wire.Type) (*Lob, error) {
	if err := c.guard.enter("conn"); err != nil {
		return nil, err
	}
	defer c.guard.exit("conn")
	resp, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpLobCreate, LobKind: kind})
	if err != nil {
		return nil, err
	}
	lob := &Lob{
		conn:     c,
		id:       resp.LobID,
		kind:     kind,
		writable: true,
	}
	lob.handle = c.reg.Register(handles.KindLob, lob.id, c.handle)
	return lob, nil
}

func (l *Lob) Kind() wire.Type { return l.kind }

// Hydrated reports whether the payload already lives in client memory.
func (l *Lob) Hydrated() bool { return l.data != nil }

func (l *Lob) check() error {
	if l.expired {
		return errdefs.ErrLobExpired
	}
	return nil
}

// expire invalidates a streamed lob. Hydrated lobs keep their payload.
func (l *Lob) expire() {
	if l.data == nil && !l.writable {
		l.expired = true
	}
}

// Length reports the payload size, asking the relay when the backend never
// declared it.
func (l *Lob) Length(ctx context.Context) (int64, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	if l.data != nil {
		return int64(len(l.data)), nil
	}
	if l.size >= 0 {
		return l.size, nil
	}
	resp, err := l.conn.roundTrip(ctx, &wire.Request{Op: wire.OpLobLength, LobID: l.id})
	if err != nil {
		return 0, err
	}
	l.size = resp.LobSize
	return l.size, nil
}

// Read continues the sequential read. io.EOF follows the final byte.
func (l *Lob) Read(ctx context.Context, p []byte) (int, error) {
	n, err := l.ReadAt(ctx, p, l.offset)
	l.offset += int64(n)
	return n, err
}

// ReadAt reads len(p) bytes starting at off.
func (l *Lob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative lob offset", errdefs.ErrInvalidState)
	}
	if l.data != nil {
		if off >= int64(len(l.data)) {
			return 0, io.EOF
		}
		n := copy(p, l.data[off:])
		if off+int64(n) == int64(len(l.data)) {
			return n, io.EOF
		}
		return n, nil
	}
	resp, err := l.conn.roundTrip(ctx, &wire.Request{
		Op:     wire.OpLobRead,
		LobID:  l.id,
		Offset: off,
		Length: int32(len(p)),
	})
	if err != nil {
		return 0, err
	}
	n := copy(p, resp.Data)
	if resp.EOF {
		return n, io.EOF
	}
	return n, nil
}

// ReadAll returns the whole payload. Hydrated lobs answer from memory and
// remain re-readable.
func (l *Lob) ReadAll(ctx context.Context) ([]byte, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	if l.data != nil {
		return append([]byte(nil), l.data...), nil
	}
	data, err := l.conn.pullLob(ctx, l.id)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Rewind resets the sequential read position.
func (l *Lob) Rewind() {
	l.offset = 0
}

// Write stores p at off in a client-created lob.
func (l *Lob) Write(ctx context.Context, off int64, p []byte) error {
	if err := l.check(); err != nil {
		return err
	}
	if !l.writable {
		return fmt.Errorf("%w: lob is read-only", errdefs.ErrInvalidState)
	}
	resp, err := l.conn.roundTrip(ctx, &wire.Request{
		Op:     wire.OpLobWrite,
		LobID:  l.id,
		Offset: off,
		Data:   p,
	})
	if err != nil {
		return err
	}
	l.size = resp.LobSize
	return nil
}

// datum encodes the lob as a bind value. Hydrated payloads bind by value;
// the relay-side entry behind them may already be gone.
func (l *Lob) datum() (wire.Datum, error) {
	if err := l.check(); err != nil {
		return wire.Datum{}, err
	}
	if l.data != nil {
		if l.kind == wire.TypeClob {
			return wire.Datum{Type: wire.TypeString, Str: string(l.data)}, nil
		}
		return wire.Datum{Type: wire.TypeBytes, Bytes: l.data}, nil
	}
	return wire.Datum{
		Type: l.kind,
		Lob:  &wire.LobDescriptor{ID: l.id, Kind: l.kind, Size: l.size},
	}, nil
}
