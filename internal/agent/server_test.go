package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	sshagent "golang.org/x/crypto/ssh/agent"
)

// shortTempDir creates a short temp directory suitable for Unix socket paths.
// macOS limits socket paths to 104 bytes; t.TempDir() paths are too long.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "lb-")
	if err != nil {
		t.Fatalf("failed to create short temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// fakeBackend serves in-memory signers; keys in deny are refused.
type fakeBackend struct {
	mu      sync.Mutex
	signers []ssh.Signer
	deny    map[string]bool
	block   chan struct{}
	signs   int
	flags   []uint32
}

func (b *fakeBackend) List(context.Context) ([]Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]Identity, len(b.signers))
	for i, s := range b.signers {
		ids[i] = Identity{PublicKey: s.PublicKey(), Comment: "key" + string(rune('0'+i))}
	}
	return ids, nil
}

func (b *fakeBackend) Sign(ctx context.Context, key ssh.PublicKey, data []byte, flags uint32) (*ssh.Signature, error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.signs++
	b.flags = append(b.flags, flags)

	for _, s := range b.signers {
		if !bytes.Equal(s.PublicKey().Marshal(), key.Marshal()) {
			continue
		}
		if b.deny[ssh.FingerprintSHA256(key)] {
			return nil, errors.New("denied")
		}
		if alg := AlgorithmForFlags(key, flags); alg != "" {
			return s.(ssh.AlgorithmSigner).SignWithAlgorithm(rand.Reader, data, alg)
		}
		return s.Sign(rand.Reader, data)
	}
	return nil, ErrKeyNotAvailable
}

func newEd25519Signer(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	s, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey failed: %v", err)
	}
	return s
}

func startServer(t *testing.T, backend Backend) *Server {
	t.Helper()
	socketPath := filepath.Join(shortTempDir(t), "agents", "box.sock")
	srv := NewServer(socketPath, backend, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dialAgent(t *testing.T, srv *Server) (sshagent.ExtendedAgent, net.Conn) {
	t.Helper()
	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return sshagent.NewClient(conn), conn
}

func TestServer_ListAndSign(t *testing.T) {
	signer := newEd25519Signer(t)
	backend := &fakeBackend{signers: []ssh.Signer{signer}}
	srv := startServer(t, backend)

	st, err := os.Stat(srv.SocketPath())
	if err != nil {
		t.Fatalf("stat socket failed: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("expected socket mode 0600, got %o", st.Mode().Perm())
	}

	client, _ := dialAgent(t, srv)

	keys, err := client.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 || !bytes.Equal(keys[0].Blob, signer.PublicKey().Marshal()) {
		t.Fatalf("unexpected identities: %v", keys)
	}
	if keys[0].Comment != "key0" {
		t.Errorf("expected comment key0, got %q", keys[0].Comment)
	}

	data := []byte("userauth request")
	sig, err := client.Sign(signer.PublicKey(), data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := signer.PublicKey().Verify(data, sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestServer_EmptyList(t *testing.T) {
	srv := startServer(t, &fakeBackend{})
	client, _ := dialAgent(t, srv)

	keys, err := client.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no identities, got %d", len(keys))
	}
}

func TestServer_SignFailureKeepsConnection(t *testing.T) {
	allowed := newEd25519Signer(t)
	denied := newEd25519Signer(t)
	unknown := newEd25519Signer(t)
	backend := &fakeBackend{
		signers: []ssh.Signer{allowed, denied},
		deny:    map[string]bool{ssh.FingerprintSHA256(denied.PublicKey()): true},
	}
	srv := startServer(t, backend)
	client, _ := dialAgent(t, srv)

	if _, err := client.Sign(denied.PublicKey(), []byte("x")); err == nil {
		t.Error("expected failure for denied key")
	}
	if _, err := client.Sign(unknown.PublicKey(), []byte("x")); err == nil {
		t.Error("expected failure for unknown key")
	}
	if _, err := client.Sign(allowed.PublicKey(), []byte("x")); err != nil {
		t.Errorf("connection should survive failures: %v", err)
	}
}

func TestServer_RSAFlags(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey failed: %v", err)
	}
	srv := startServer(t, &fakeBackend{signers: []ssh.Signer{signer}})
	client, _ := dialAgent(t, srv)

	tests := []struct {
		flags sshagent.SignatureFlags
		want  string
	}{
		{0, ssh.KeyAlgoRSA},
		{sshagent.SignatureFlagRsaSha256, ssh.KeyAlgoRSASHA256},
		{sshagent.SignatureFlagRsaSha512, ssh.KeyAlgoRSASHA512},
	}
	for _, tt := range tests {
		sig, err := client.SignWithFlags(signer.PublicKey(), []byte("data"), tt.flags)
		if err != nil {
			t.Fatalf("SignWithFlags(%d) failed: %v", tt.flags, err)
		}
		if sig.Format != tt.want {
			t.Errorf("flags %d: expected %s, got %s", tt.flags, tt.want, sig.Format)
		}
		if err := signer.PublicKey().Verify([]byte("data"), sig); err != nil {
			t.Errorf("flags %d: verify failed: %v", tt.flags, err)
		}
	}
}

func TestServer_RefusedRequests(t *testing.T) {
	signer := newEd25519Signer(t)
	backend := &fakeBackend{signers: []ssh.Signer{signer}}
	srv := startServer(t, backend)
	client, _ := dialAgent(t, srv)

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	if err := client.Add(sshagent.AddedKey{PrivateKey: priv}); err == nil {
		t.Error("add identity should fail")
	}
	if err := client.RemoveAll(); err == nil {
		t.Error("remove all should fail")
	}
	if err := client.Lock([]byte("pw")); err == nil {
		t.Error("lock should fail")
	}
	if _, err := client.Extension("session-bind@openssh.com", nil); err == nil {
		t.Error("extension should fail")
	}

	// Refusals leave the connection usable.
	keys, err := client.List()
	if err != nil {
		t.Fatalf("List after refusals failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("expected 1 identity, got %d", len(keys))
	}
}

// rawRoundTrip writes frame and returns the reply payload, or the read error.
func rawRoundTrip(t *testing.T, conn net.Conn, frame []byte) ([]byte, error) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		return nil, err
	}
	return readFrame(conn)
}

func frame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

func TestServer_MalformedFramesCloseConnection(t *testing.T) {
	signer := newEd25519Signer(t)
	srv := startServer(t, &fakeBackend{signers: []ssh.Signer{signer}})

	signReq := ssh.Marshal(signRequestMsg{KeyBlob: signer.PublicKey().Marshal(), Data: []byte("x")})

	tests := []struct {
		name  string
		bytes []byte
	}{
		{"zero length", []byte{0, 0, 0, 0}},
		{"oversize", []byte{0x00, 0x10, 0x00, 0x01, msgRequestIdentities}},
		{"unknown type", frame([]byte{200})},
		{"response type as request", frame([]byte{msgIdentitiesAnswer})},
		{"trailing identities", frame([]byte{msgRequestIdentities, 0})},
		{"trailing sign", frame(append(append([]byte(nil), signReq...), 0xff))},
		{"short sign", frame(signReq[:5])},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("unix", srv.SocketPath())
			if err != nil {
				t.Fatalf("dial failed: %v", err)
			}
			defer func() { _ = conn.Close() }()

			if _, err := rawRoundTrip(t, conn, tt.bytes); !errors.Is(err, io.EOF) {
				t.Errorf("expected connection close, got %v", err)
			}
		})
	}

	// The server keeps serving other connections.
	client, _ := dialAgent(t, srv)
	if _, err := client.List(); err != nil {
		t.Errorf("List after malformed frames failed: %v", err)
	}
}

func TestServer_TruncatedPayloadClosesConnection(t *testing.T) {
	srv := startServer(t, &fakeBackend{})

	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Announce 10 bytes, send 3, then half-close.
	if _, err := conn.Write([]byte{0, 0, 0, 10, msgSignRequest, 0, 0}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.(*net.UnixConn).CloseWrite()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFrame(conn); !errors.Is(err, io.EOF) {
		t.Errorf("expected connection close, got %v", err)
	}
}

func TestServer_RawFailureReply(t *testing.T) {
	srv := startServer(t, &fakeBackend{})

	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	reply, err := rawRoundTrip(t, conn, frame([]byte{msgRemoveAllIdentities}))
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if !bytes.Equal(reply, []byte{msgFailure}) {
		t.Errorf("expected failure reply, got %v", reply)
	}
}

func TestServer_ConcurrentConnections(t *testing.T) {
	signer := newEd25519Signer(t)
	backend := &fakeBackend{signers: []ssh.Signer{signer}, block: make(chan struct{})}
	srv := startServer(t, backend)

	// A sign request parked in the backend must not hold up other clients.
	blocked, _ := dialAgent(t, srv)
	done := make(chan error, 1)
	go func() {
		_, err := blocked.Sign(signer.PublicKey(), []byte("x"))
		done <- err
	}()

	other, _ := dialAgent(t, srv)
	if _, err := other.List(); err != nil {
		t.Fatalf("List on second connection failed: %v", err)
	}

	close(backend.block)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("parked Sign failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked Sign never completed")
	}
}

func TestServer_CloseReleasesPendingAndRemovesSocket(t *testing.T) {
	signer := newEd25519Signer(t)
	backend := &fakeBackend{signers: []ssh.Signer{signer}, block: make(chan struct{})}
	srv := startServer(t, backend)

	client, _ := dialAgent(t, srv)
	done := make(chan error, 1)
	go func() {
		_, err := client.Sign(signer.PublicKey(), []byte("x"))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = srv.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a pending request")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("pending Sign should fail when the server closes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never released")
	}

	if _, err := os.Stat(srv.SocketPath()); !os.IsNotExist(err) {
		t.Error("socket should be removed on Close")
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestServer_ListenReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(shortTempDir(t), "box.sock")
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	srv := NewServer(socketPath, &fakeBackend{}, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen over stale socket failed: %v", err)
	}
	defer func() { _ = srv.Close() }()
	go func() { _ = srv.Serve() }()

	second := NewServer(socketPath, &fakeBackend{}, nil)
	if err := second.Listen(); !errors.Is(err, ErrSocketInUse) {
		t.Errorf("expected ErrSocketInUse for live socket, got %v", err)
	}
}

func TestAlgorithmForFlags(t *testing.T) {
	ed := newEd25519Signer(t).PublicKey()
	if got := AlgorithmForFlags(ed, FlagRSASHA256); got != "" {
		t.Errorf("flags must not affect ed25519, got %q", got)
	}
}
