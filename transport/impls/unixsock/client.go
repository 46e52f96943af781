package unixsock

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zeptools/sqlrelay/sec"
	"github.com/zeptools/sqlrelay/transport"
	"github.com/zeptools/sqlrelay/wire"
)

// Client is the dialing side of the socket transport. Exchanges are
// serialized on one connection; the session core already serializes per
// logical connection, so contention here only happens across sessions
// sharing a client.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	cipher *sec.XChaCha20Poly1305Cipher
}

var _ transport.Transport = (*Client)(nil)

func Dial(sockPath string, authSecret []byte, cipher *sec.XChaCha20Poly1305Cipher) (*Client, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("dial(%q) failed: %w", sockPath, err)
	}
	token, err := sec.MintLinkToken(authSecret, time.Minute)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Write(append([]byte(token), '\n')); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64<<10),
		cipher: cipher,
	}, nil
}

func (c *Client) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("socket transport closed")
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	} else {
		if err := c.conn.SetDeadline(time.Time{}); err != nil {
			return nil, err
		}
	}

	out, err := sealFrame(c.cipher, req)
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(out); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}
	line, err := readFrame(c.reader)
	if err != nil {
		return nil, fmt.Errorf("recv %s: %w", req.Op, err)
	}
	var resp wire.Response
	if err := openFrame(c.cipher, line, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
