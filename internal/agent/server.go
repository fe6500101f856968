// Package agent serves the SSH-agent protocol on a unix socket.
//
// Only listing identities and signing are supported. Everything else the
// protocol defines is refused with SSH_AGENT_FAILURE; frames that are not
// valid protocol messages close the connection they arrived on. Which keys
// are listed and whether a signature is produced is up to the Backend.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Gerharddc/litterbox/internal/logging"
)

// ErrKeyNotAvailable indicates a sign request for a key the sandbox cannot
// see.
var ErrKeyNotAvailable = errors.New("agent: key not available")

// ErrSocketInUse indicates another process is serving the socket path.
var ErrSocketInUse = errors.New("agent: socket is in use")

// Identity is a key offered to clients.
type Identity struct {
	PublicKey ssh.PublicKey
	Comment   string
}

// Backend answers agent requests. ctx is cancelled when the server
// closes.
type Backend interface {
	List(ctx context.Context) ([]Identity, error)
	Sign(ctx context.Context, key ssh.PublicKey, data []byte, flags uint32) (*ssh.Signature, error)
}

// Server is an SSH agent bound to one unix socket.
type Server struct {
	socketPath string
	backend    Backend
	logger     *logging.ComponentLogger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server for socketPath. Listen binds it.
func NewServer(socketPath string, backend Backend, logger *logging.ComponentLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen creates the socket. A leftover socket nobody answers on is
// replaced; a live one is ErrSocketInUse.
func (s *Server) Listen() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return fmt.Errorf("failed to set socket directory permissions: %w", err)
	}

	if _, err := os.Lstat(s.socketPath); err == nil {
		if conn, err := net.DialTimeout("unix", s.socketPath, time.Second); err == nil {
			_ = conn.Close()
			return fmt.Errorf("%w: %s", ErrSocketInUse, s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Close. Each connection is handled on
// its own goroutine.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("agent: server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warnf("accept failed: %v", err)
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warnf("closing connection on %s: %v", s.socketPath, err)
			}
			return
		}

		reply, err := s.dispatch(ctx, payload)
		if err != nil {
			s.logger.Warnf("closing connection on %s: %v", s.socketPath, err)
			return
		}
		if err := writeFrame(conn, reply); err != nil {
			return
		}
	}
}

// dispatch returns the reply to payload. An error means the connection
// must be closed.
func (s *Server) dispatch(ctx context.Context, payload []byte) ([]byte, error) {
	switch typ := payload[0]; typ {
	case msgRequestIdentities:
		if len(payload) != 1 {
			return nil, fmt.Errorf("%w: trailing bytes in identities request", ErrMalformedMessage)
		}
		ids, err := s.backend.List(ctx)
		if err != nil {
			s.logger.Errorf("list identities: %v", err)
			return failureFrame, nil
		}
		return marshalIdentities(ids), nil

	case msgSignRequest:
		req, err := parseSignRequest(payload)
		if err != nil {
			return nil, err
		}
		return s.sign(ctx, req), nil

	default:
		if refusedRequests[typ] {
			return failureFrame, nil
		}
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, typ)
	}
}

func (s *Server) sign(ctx context.Context, req *signRequestMsg) []byte {
	key, err := ssh.ParsePublicKey(req.KeyBlob)
	if err != nil {
		s.logger.Warnf("sign request with unparsable key: %v", err)
		return failureFrame
	}

	sig, err := s.backend.Sign(ctx, key, req.Data, req.Flags)
	if err != nil {
		return failureFrame
	}
	return ssh.Marshal(signResponseMsg{SigBlob: ssh.Marshal(sig)})
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, closes every connection, waits for their
// handlers and removes the socket. Close is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	if listener != nil {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}
	s.wg.Wait()
	return nil
}
