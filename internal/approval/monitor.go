package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoMonitor indicates no monitor is connected to answer prompts.
var ErrNoMonitor = errors.New("approval: no monitor connected")

// ErrSocketInUse indicates the approval socket belongs to something that
// is not a listening monitor.
var ErrSocketInUse = errors.New("approval: approval socket is in use")

// MonitorName identifies a listening monitor in its Hello.
const MonitorName = "litterbox-monitor"

const (
	helloTimeout   = 2 * time.Second
	rejoinInterval = time.Second
)

// Mode is how a MonitorPrompter reaches monitors.
type Mode string

const (
	// ModeServer: the prompter owns the socket and monitors dial in.
	ModeServer Mode = "server"
	// ModeClient: a monitor owns the socket and the prompter dials it.
	ModeClient Mode = "client"
)

// Hello is the first message a listening monitor sends to each agent that
// connects to it.
type Hello struct {
	Monitor string `json:"monitor"`
}

type monitorConn struct {
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
	mu      sync.Mutex
}

func newMonitorConn(conn net.Conn) *monitorConn {
	return &monitorConn{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}
}

func (m *monitorConn) send(p *Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encoder.Encode(p)
}

// MonitorPrompter sends prompts as newline-delimited JSON over a unix
// socket to `litterbox monitor` terminals and routes their responses back.
type MonitorPrompter struct {
	socketPath string

	monitorsMu sync.RWMutex
	monitors   []*monitorConn

	pendingMu sync.Mutex
	pending   map[string]chan Response

	// mu guards mode, listener and closed.
	mu       sync.Mutex
	mode     Mode
	listener net.Listener
	closed   bool
	quit     chan struct{}
}

// NewMonitorPrompter connects to a monitor listening on socketPath, or,
// when nothing is listening there, takes over the socket and waits for
// monitors to connect.
//
// A prompter that dialled a monitor keeps a route to monitors when that
// monitor quits: it joins whichever monitor owns the socket next, or takes
// the socket over so a restarted monitor can dial in.
func NewMonitorPrompter(socketPath string) (*MonitorPrompter, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	p := &MonitorPrompter{
		socketPath: socketPath,
		pending:    make(map[string]chan Response),
		quit:       make(chan struct{}),
	}

	mc, listener, err := dialOrListen(socketPath)
	if err != nil {
		return nil, err
	}
	p.adopt(mc, listener)
	return p, nil
}

// dialOrListen returns a greeted connection to the monitor owning
// socketPath, or a listener on socketPath when nothing answers there.
func dialOrListen(socketPath string) (*monitorConn, net.Listener, error) {
	if _, err := os.Stat(socketPath); err == nil {
		conn, err := net.DialTimeout("unix", socketPath, helloTimeout)
		if err == nil {
			mc := newMonitorConn(conn)
			if err := mc.expectHello(); err != nil {
				_ = conn.Close()
				return nil, nil, fmt.Errorf("%w: %s: %v", ErrSocketInUse, socketPath, err)
			}
			return mc, nil, nil
		}
		// Stale socket
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return nil, nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return nil, listener, nil
}

// adopt switches to client mode over mc or to server mode over listener.
// It releases both and returns false once the prompter is closed.
func (p *MonitorPrompter) adopt(mc *monitorConn, listener net.Listener) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		if mc != nil {
			_ = mc.conn.Close()
		}
		if listener != nil {
			_ = listener.Close()
		}
		return false
	}

	if mc != nil {
		p.mode = ModeClient
		p.monitorsMu.Lock()
		p.monitors = append(p.monitors, mc)
		p.monitorsMu.Unlock()
		go p.readResponses(mc)
		return true
	}

	p.mode = ModeServer
	p.listener = listener
	go p.acceptConnections(listener)
	return true
}

// rejoin restores a route to monitors after the dialled monitor went
// away. It retries while the socket is held by something that does not
// greet, such as another agent that took it over first.
func (p *MonitorPrompter) rejoin() {
	for {
		mc, listener, err := dialOrListen(p.socketPath)
		if err == nil {
			p.adopt(mc, listener)
			return
		}
		select {
		case <-p.quit:
			return
		case <-time.After(rejoinInterval):
		}
	}
}

func (m *monitorConn) expectHello() error {
	_ = m.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer func() { _ = m.conn.SetReadDeadline(time.Time{}) }()

	var hello Hello
	if err := m.decoder.Decode(&hello); err != nil {
		return fmt.Errorf("no monitor greeting: %w", err)
	}
	if hello.Monitor != MonitorName {
		return fmt.Errorf("unexpected greeting %q", hello.Monitor)
	}
	return nil
}

// Mode returns the operating mode. A client-mode prompter whose monitor
// quit may switch to server mode.
func (p *MonitorPrompter) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SocketPath returns the path of the approval socket.
func (p *MonitorPrompter) SocketPath() string {
	return p.socketPath
}

// HasMonitor reports whether at least one monitor is connected.
func (p *MonitorPrompter) HasMonitor() bool {
	p.monitorsMu.RLock()
	defer p.monitorsMu.RUnlock()
	return len(p.monitors) > 0
}

func (p *MonitorPrompter) acceptConnections(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if p.isClosed() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		mc := newMonitorConn(conn)
		p.monitorsMu.Lock()
		p.monitors = append(p.monitors, mc)
		p.monitorsMu.Unlock()

		go p.readResponses(mc)
	}
}

// readResponses delivers a monitor's responses to the waiting prompts.
func (p *MonitorPrompter) readResponses(mc *monitorConn) {
	defer func() {
		_ = mc.conn.Close()
		if p.removeMonitor(mc) == 0 {
			p.failPending()
			if !p.isClosed() && p.Mode() == ModeClient {
				go p.rejoin()
			}
		}
	}()

	for {
		var resp Response
		if err := mc.decoder.Decode(&resp); err != nil {
			return
		}

		p.pendingMu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.pendingMu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

// removeMonitor drops mc and returns the number of monitors left.
func (p *MonitorPrompter) removeMonitor(mc *monitorConn) int {
	p.monitorsMu.Lock()
	defer p.monitorsMu.Unlock()

	for i, m := range p.monitors {
		if m == mc {
			p.monitors = append(p.monitors[:i], p.monitors[i+1:]...)
			break
		}
	}
	return len(p.monitors)
}

// failPending wakes every waiting prompt with ErrNoMonitor.
func (p *MonitorPrompter) failPending() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

// Prompt sends prompt to every connected monitor and returns the first
// answer.
func (p *MonitorPrompter) Prompt(ctx context.Context, prompt *Prompt) (Choice, error) {
	if p.isClosed() {
		return "", ErrNoMonitor
	}

	p.monitorsMu.RLock()
	monitors := make([]*monitorConn, len(p.monitors))
	copy(monitors, p.monitors)
	p.monitorsMu.RUnlock()

	if len(monitors) == 0 {
		return "", ErrNoMonitor
	}

	ch := make(chan Response, 1)
	p.pendingMu.Lock()
	p.pending[prompt.ID] = ch
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, prompt.ID)
		p.pendingMu.Unlock()
	}()

	sent := 0
	for _, mc := range monitors {
		if err := mc.send(prompt); err != nil {
			continue
		}
		sent++
	}
	if sent == 0 {
		return "", ErrNoMonitor
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return "", ErrNoMonitor
		}
		return resp.Choice, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *MonitorPrompter) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close disconnects all monitors. In server mode the socket is removed.
func (p *MonitorPrompter) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	mode, listener := p.mode, p.listener
	p.mu.Unlock()

	p.monitorsMu.Lock()
	for _, mc := range p.monitors {
		_ = mc.conn.Close()
	}
	p.monitors = nil
	p.monitorsMu.Unlock()

	if mode == ModeClient {
		// The monitor owns the socket.
		return nil
	}

	if listener != nil {
		_ = listener.Close()
	}
	_ = os.Remove(p.socketPath)
	return nil
}
