package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeptools/sqlrelay/dialect"
	"github.com/zeptools/sqlrelay/errdefs"
	"github.com/zeptools/sqlrelay/handles"
	"github.com/zeptools/sqlrelay/transport"
	"github.com/zeptools/sqlrelay/wire"
)

// ConnState is the lifecycle state of a logical connection.
type ConnState uint8

const (
	StateActive ConnState = iota + 1
	StateClosing
	StateBroken
	StateClosed
)

var stateNames = map[ConnState]string{
	StateActive:  "active",
	StateClosing: "closing",
	StateBroken:  "broken",
	StateClosed:  "closed",
}

func (s ConnState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Conn is one logical database connection multiplexed over a relay
// transport. Backend connections are borrowed per operation until a
// triggering statement or an open transaction pins one for the rest of the
// connection's life.
type Conn struct {
	tr   transport.Transport
	conf *Conf
	dial dialect.Dialect

	sessionID string
	handle    handles.Handle
	reg       *handles.Registry
	guard     opGuard

	mu          sync.Mutex
	state       ConnState
	leaseID     string
	pinned      bool
	pinReason   string
	autoCommit  bool
	openCursors int
	warnings    []wire.Warning
	children    map[handles.Handle]invalidator
}

// invalidator lets the connection flip its dependents dead on teardown
// without another round of remote calls.
type invalidator interface {
	invalidate()
}

// Open establishes a logical connection on the relay.
func Open(ctx context.Context, tr transport.Transport, conf *Conf) (*Conn, error) {
	conf.SetDefaults()
	dial, err := dialect.New(conf.Dialect)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		tr:         tr,
		conf:       conf,
		dial:       dial,
		reg:        handles.NewRegistry(),
		state:      StateActive,
		autoCommit: true,
		children:   map[handles.Handle]invalidator{},
	}
	resp, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpSessionOpen, Backend: conf.Backend})
	if err != nil {
		return nil, err
	}
	c.sessionID = resp.SessionID
	c.handle = c.reg.Register(handles.KindConnection, c.sessionID, handles.None)
	return c, nil
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pinned reports whether the connection is stuck to one backend connection.
func (c *Conn) Pinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned
}

// Warnings returns the non-fatal diagnostics accumulated since the last
// ClearWarnings call.
func (c *Conn) Warnings() []wire.Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Warning(nil), c.warnings...)
}

// ClearWarnings discards the accumulated diagnostics.
func (c *Conn) ClearWarnings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = nil
}

func (c *Conn) checkUsable() error {
	switch c.state {
	case StateActive:
		return nil
	case StateBroken:
		return errdefs.ErrConnectionBroken
	default:
		return fmt.Errorf("%w: connection is %s", errdefs.ErrInvalidState, c.state)
	}
}

// roundTrip performs one exchange. Transport failures break the connection.
// A deadline expiry on an unpinned connection only costs the borrowed lease;
// pinned connections cannot survive it because the backend connection state
// is unknowable afterwards.
func (c *Conn) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	c.mu.Lock()
	if err := c.checkUsable(); err != nil && c.state != StateClosing {
		c.mu.Unlock()
		return nil, err
	}
	req.SessionID = c.sessionID
	c.mu.Unlock()

	if c.conf.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.conf.OpTimeout)
		defer cancel()
	}
	resp, err := c.tr.Send(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			c.onTimeout()
			return nil, fmt.Errorf("%w: %s", errdefs.ErrTimeout, req.Op)
		}
		c.markBroken()
		return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrConnectionBroken, req.Op, err)
	}
	c.mu.Lock()
	c.warnings = append(c.warnings, resp.Warnings...)
	c.mu.Unlock()
	if err := resp.ToError(); err != nil {
		if errdefs.KindOf(err) == errdefs.KindConnectionBroken {
			c.markBroken()
		}
		return nil, err
	}
	return resp, nil
}

func (c *Conn) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned {
		c.state = StateBroken
		return
	}
	// the borrowed backend connection is in an unknown state; let the relay
	// discard it and keep using the logical connection
	if c.leaseID != "" {
		leaseID := c.leaseID
		c.leaseID = ""
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = c.tr.Send(ctx, &wire.Request{
				Op:        wire.OpDiscard,
				SessionID: c.sessionID,
				LeaseID:   leaseID,
			})
		}()
	}
}

func (c *Conn) markBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive || c.state == StateClosing {
		c.state = StateBroken
		for _, child := range c.children {
			child.invalidate()
		}
	}
}

// lease returns the backend lease to run on, acquiring one when none is
// held. The caller must follow up with unlease unless a cursor stays open.
func (c *Conn) lease(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.leaseID != "" {
		id := c.leaseID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()
	resp, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpAcquire})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.leaseID = resp.LeaseID
	c.mu.Unlock()
	return resp.LeaseID, nil
}

// unlease returns the borrowed backend connection unless the connection is
// pinned or cursors still need it.
func (c *Conn) unlease(ctx context.Context) error {
	c.mu.Lock()
	if c.pinned || c.openCursors > 0 || c.leaseID == "" {
		c.mu.Unlock()
		return nil
	}
	leaseID := c.leaseID
	c.leaseID = ""
	c.mu.Unlock()
	_, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpRelease, LeaseID: leaseID})
	return err
}

// pin fixes the connection onto its current backend connection. A lease is
// acquired first when none is held. Pins are never undone before close.
func (c *Conn) pin(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.pinned {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if _, err := c.lease(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.pinned = true
	c.pinReason = reason
	c.mu.Unlock()
	return nil
}

// PinReason reports why the connection got pinned, empty when unpinned.
func (c *Conn) PinReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinReason
}

func (c *Conn) cursorOpened() {
	c.mu.Lock()
	c.openCursors++
	c.mu.Unlock()
}

func (c *Conn) cursorClosed(ctx context.Context) {
	c.mu.Lock()
	if c.openCursors > 0 {
		c.openCursors--
	}
	c.mu.Unlock()
	_ = c.unlease(ctx)
}

// Ping verifies the relay link and, when a lease is held, the backend
// connection behind it.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.guard.enter("conn"); err != nil {
		return err
	}
	defer c.guard.exit("conn")
	c.mu.Lock()
	leaseID := c.leaseID
	c.mu.Unlock()
	_, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpPing, LeaseID: leaseID})
	return err
}

// Close tears the logical connection down: results, statements and lobs
// first, then the lease, then the relay session. Closing twice is a no-op.
func (c *Conn) Close(ctx context.Context) error {
	if err := c.guard.enter("conn"); err != nil {
		return err
	}
	defer c.guard.exit("conn")

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasBroken := c.state == StateBroken
	c.state = StateClosing
	for _, child := range c.children {
		child.invalidate()
	}
	c.children = map[handles.Handle]invalidator{}
	leaseID := c.leaseID
	c.leaseID = ""
	c.openCursors = 0
	c.mu.Unlock()

	released, err := c.reg.ReleaseTree(c.handle)
	if err != nil && !errors.Is(err, errdefs.ErrAlreadyClosed) {
		return err
	}

	if !wasBroken {
		for _, rel := range released {
			switch rel.Kind {
			case handles.KindResult:
				_, _ = c.roundTrip(ctx, &wire.Request{Op: wire.OpCloseResult, ResultID: rel.RemoteID})
			case handles.KindStatement:
				_, _ = c.roundTrip(ctx, &wire.Request{Op: wire.OpCloseStatement, StatementID: rel.RemoteID})
			}
		}
		if leaseID != "" {
			_, _ = c.roundTrip(ctx, &wire.Request{Op: wire.OpRelease, LeaseID: leaseID})
		}
		_, _ = c.roundTrip(ctx, &wire.Request{Op: wire.OpSessionClose})
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return nil
}

func (c *Conn) adopt(h handles.Handle, child invalidator) {
	c.mu.Lock()
	c.children[h] = child
	c.mu.Unlock()
}

func (c *Conn) disown(h handles.Handle) {
	c.mu.Lock()
	delete(c.children, h)
	c.mu.Unlock()
}
