package approval

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// ErrAgentGone is returned by Console.Next when the agent a dialled
// console was talking to disconnects.
var ErrAgentGone = errors.New("approval: agent disconnected")

// Question is a prompt received by a Console, answerable once.
type Question struct {
	Prompt
	mc   *monitorConn
	once sync.Once
}

// Answer sends choice back to the agent that asked.
func (q *Question) Answer(choice Choice) error {
	err := errors.New("approval: question already answered")
	q.once.Do(func() {
		q.mc.mu.Lock()
		defer q.mc.mu.Unlock()
		err = q.mc.encoder.Encode(&Response{ID: q.ID, Choice: choice})
	})
	return err
}

// Console is the human side of the approval socket. It dials an agent
// that owns the socket or, when none is running, listens on the socket so
// agents started later connect to it.
type Console struct {
	socketPath string
	listener   net.Listener
	questions  chan *Question
	quit       chan struct{}
	lost       chan struct{}

	mu     sync.Mutex
	conns  map[*monitorConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// OpenConsole attaches a console to socketPath.
func OpenConsole(socketPath string) (*Console, error) {
	c := &Console{
		socketPath: socketPath,
		questions:  make(chan *Question),
		quit:       make(chan struct{}),
		conns:      make(map[*monitorConn]struct{}),
	}

	if conn, err := net.Dial("unix", socketPath); err == nil {
		c.lost = make(chan struct{})
		c.track(newMonitorConn(conn), c.lost)
		return c, nil
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	c.listener = listener

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mc := newMonitorConn(conn)
			if err := mc.encoder.Encode(&Hello{Monitor: MonitorName}); err != nil {
				_ = conn.Close()
				continue
			}
			c.track(mc, nil)
		}
	}()
	return c, nil
}

// Listening reports whether the console owns the socket.
func (c *Console) Listening() bool {
	return c.listener != nil
}

// Connections returns the number of connected agents.
func (c *Console) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// track reads prompts from mc until it closes. lost, if set, is closed
// when the connection ends.
func (c *Console) track(mc *monitorConn, lost chan struct{}) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = mc.conn.Close()
		return
	}
	c.conns[mc] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			_ = mc.conn.Close()
			c.mu.Lock()
			delete(c.conns, mc)
			c.mu.Unlock()
			if lost != nil {
				close(lost)
			}
		}()

		for {
			q := &Question{mc: mc}
			if err := mc.decoder.Decode(&q.Prompt); err != nil {
				return
			}
			select {
			case c.questions <- q:
			case <-c.quit:
				return
			}
		}
	}()
}

// Next blocks until a prompt arrives or ctx is done. A dialled console
// returns ErrAgentGone once its agent disconnects.
func (c *Console) Next(ctx context.Context) (*Question, error) {
	select {
	case q := <-c.questions:
		return q, nil
	case <-c.lost:
		return nil, ErrAgentGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects every agent and, when listening, removes the socket.
func (c *Console) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)

	// Release the socket before agents notice the disconnect, so one that
	// takes it over is not unlinked afterwards.
	if c.listener != nil {
		_ = c.listener.Close()
		_ = os.Remove(c.socketPath)
	}
	for mc := range c.conns {
		_ = mc.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
