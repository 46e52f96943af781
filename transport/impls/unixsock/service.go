package unixsock

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/zeptools/sqlrelay/sec"
	"github.com/zeptools/sqlrelay/svc"
	"github.com/zeptools/sqlrelay/transport"
	"github.com/zeptools/sqlrelay/wire"
)

type Service struct {
	Ctx        context.Context    // Service Context
	cancel     context.CancelFunc // Service Context CancelFunc
	state      int                // internal service state
	done       chan error         // Shutdown Error Channel
	SocketPath string
	Handler    transport.Handler
	AuthSecret []byte
	Cipher     *sec.XChaCha20Poly1305Cipher
	listener   net.Listener
}

var _ svc.Service = (*Service)(nil)

func (s *Service) Name() string {
	return "UnixSockService"
}

func NewService(parentCtx context.Context, sockPath string, h transport.Handler, authSecret []byte, cipher *sec.XChaCha20Poly1305Cipher) *Service {
	svcCtx, svcCancel := context.WithCancel(parentCtx)
	return &Service{
		Ctx:        svcCtx,
		cancel:     svcCancel,
		state:      svc.StateREADY,
		done:       make(chan error, 1),
		SocketPath: sockPath,
		Handler:    h,
		AuthSecret: authSecret,
		Cipher:     cipher,
	}
}

// Start the unix socket service in the background.
// Bootstrapping errors are returned immediately.
// Runtime errors are pushed into Done().
func (s *Service) Start() error {
	// clean up old socket if any
	_ = os.Remove(s.SocketPath)
	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen(%q) failed: %v", s.SocketPath, err)
	}
	s.listener = listener
	// tighten permissions immediately after binding
	if err = os.Chmod(s.SocketPath, 0600); err != nil {
		_ = s.listener.Close()
		_ = os.Remove(s.SocketPath)
		return fmt.Errorf("chmod(%q) failed: %w", s.SocketPath, err)
	}
	go s.run()
	return nil
}

func (s *Service) Stop() {
	s.cancel()
	s.state = svc.StateSTOPPED
	log.Println("[INFO][SOCK] service stopped")
}

func (s *Service) Done() <-chan error {
	return s.done
}

// run - internal run loop
func (s *Service) run() {
	// goroutine to clean up when context is done
	go func() {
		<-s.Ctx.Done()
		log.Printf("[INFO][SOCK] stopping")
		if err := s.listener.Close(); err != nil {
			log.Printf("[ERROR][SOCK] cannot close listener: %v", err)
		}
		// To avoid TOCTOU race, just try removing before checking if it exists.
		if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
			log.Printf("[ERROR][SOCK] cannot remove socket file: %v", err)
		}
	}()

	// --- Serving loop ---
	log.Printf("[INFO][SOCK] listening on %q ...\n", s.SocketPath)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Printf("[INFO][SOCK] socket closed")
				s.done <- nil // also a clean shutdown
				return
			}
			// For transient errors, don’t kill the loop
			log.Println("[ERROR][SOCK] accept failed:", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Service) handleConn(c net.Conn) {
	go func() {
		<-s.Ctx.Done()
		_ = c.Close()
	}()

	defer func() {
		if err := c.Close(); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("[ERROR][SOCK] closing connection: %v\n", err)
			}
		}
	}()

	reader := bufio.NewReaderSize(c, 64<<10)

	// First frame is the link token. Anything invalid drops the connection
	// before any relay traffic is accepted.
	token, err := readFrame(reader)
	if err != nil {
		log.Printf("[ERROR][SOCK] handshake read: %v\n", err)
		return
	}
	if err := sec.VerifyLinkToken(s.AuthSecret, string(token)); err != nil {
		log.Printf("[WARN][SOCK] rejected link: %v\n", err)
		return
	}
	log.Println("[INFO][SOCK] link established")

	for {
		line, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Println("[INFO][SOCK] client disconnected")
			} else if s.Ctx.Err() == nil {
				log.Printf("[ERROR][SOCK] read error: %v\n", err)
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		var req wire.Request
		if err := openFrame(s.Cipher, line, &req); err != nil {
			log.Printf("[ERROR][SOCK] bad frame: %v\n", err)
			return
		}
		resp := s.Handler.Handle(s.Ctx, &req)
		traceExchange(&req, resp)
		out, err := sealFrame(s.Cipher, resp)
		if err != nil {
			log.Printf("[ERROR][SOCK] %v\n", err)
			return
		}
		if _, err := c.Write(out); err != nil {
			log.Printf("[ERROR][SOCK] write error: %v\n", err)
			return
		}
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > maxFrame {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrame)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
