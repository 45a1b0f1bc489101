package core

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/pocketsh/internal/transport"
	"pkt.systems/pocketsh/schema"
)

type acceptAllHostKeys struct{}

func (acceptAllHostKeys) Callback() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "test")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(block)
}

func fakeRequest(t *testing.T) schema.ConnectRequest {
	t.Helper()
	return schema.ConnectRequest{
		Hostname:   "host.example",
		Port:       2222,
		Username:   "alice",
		PrivateKey: testKeyPEM(t),
	}
}

// fakeDialer hands out fakeConns; open overrides the default behavior.
type fakeDialer struct {
	mu    sync.Mutex
	opens int
	conns []*fakeConn
	open  func(ctx context.Context, endpoint transport.Endpoint) error
	conn  func() *fakeConn
}

func (d *fakeDialer) Open(ctx context.Context, endpoint transport.Endpoint, hostKey ssh.HostKeyCallback) (transport.Conn, error) {
	d.mu.Lock()
	d.opens++
	open := d.open
	d.mu.Unlock()
	if open != nil {
		if err := open(ctx, endpoint); err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	if d.conn != nil {
		conn = d.conn()
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *fakeDialer) Conns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

type fakeConn struct {
	authErr      error
	keepaliveErr error
	closed       atomic.Bool
	keepalives   atomic.Int64

	mu    sync.Mutex
	shell *fakeShell
	execs []*fakeExec
	exec  func(command string) *fakeExec
}

func newFakeConn() *fakeConn {
	return &fakeConn{}
}

func (c *fakeConn) Authenticate(ctx context.Context, username string, methods []ssh.AuthMethod) error {
	return c.authErr
}

func (c *fakeConn) OpenShell(term string, cols, rows int) (transport.Shell, error) {
	if c.closed.Load() {
		return nil, io.EOF
	}
	shell := newFakeShell(cols, rows)
	c.mu.Lock()
	c.shell = shell
	c.mu.Unlock()
	return shell, nil
}

func (c *fakeConn) OpenExec(command string) (transport.Exec, error) {
	if c.closed.Load() {
		return nil, io.EOF
	}
	if c.exec == nil {
		return nil, errors.New("exec not supported")
	}
	exec := c.exec(command)
	c.mu.Lock()
	c.execs = append(c.execs, exec)
	c.mu.Unlock()
	return exec, nil
}

func (c *fakeConn) Keepalive() error {
	c.keepalives.Add(1)
	return c.keepaliveErr
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	shell := c.shell
	c.mu.Unlock()
	if shell != nil {
		_ = shell.Close()
	}
	return nil
}

func (c *fakeConn) Shell() *fakeShell {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shell
}

// fakeShell exposes the remote ends of the shell pipes to the test.
type fakeShell struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	inR        *io.PipeReader
	inW        *io.PipeWriter

	mu      sync.Mutex
	windows [][2]int
	once    sync.Once
}

func newFakeShell(cols, rows int) *fakeShell {
	s := &fakeShell{windows: [][2]int{{cols, rows}}}
	s.outR, s.outW = io.Pipe()
	s.errR, s.errW = io.Pipe()
	s.inR, s.inW = io.Pipe()
	return s
}

func (s *fakeShell) Stdout() io.Reader { return s.outR }
func (s *fakeShell) Stderr() io.Reader { return s.errR }
func (s *fakeShell) Stdin() io.WriteCloser { return s.inW }
func (s *fakeShell) Wait() error { return nil }
func (s *fakeShell) WindowChange(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, [2]int{cols, rows})
	return nil
}

func (s *fakeShell) Close() error {
	s.once.Do(func() {
		_ = s.outW.Close()
		_ = s.errW.Close()
		_ = s.inR.Close()
	})
	return nil
}

func (s *fakeShell) Windows() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.windows...)
}

type fakeExec struct {
	stdout io.Reader
	stderr io.Reader
	wait   func() (int, error)
	closed atomic.Bool
	onCl   func()
}

func (e *fakeExec) Stdout() io.Reader { return e.stdout }
func (e *fakeExec) Stderr() io.Reader { return e.stderr }
func (e *fakeExec) Wait() (int, error) {
	return e.wait()
}

func (e *fakeExec) Close() error {
	if e.closed.CompareAndSwap(false, true) && e.onCl != nil {
		e.onCl()
	}
	return nil
}

func newTestSession(t *testing.T, cfg SessionConfig, dialer transport.Dialer) *Session {
	t.Helper()
	session, err := NewSession(cfg, SessionDeps{Dialer: dialer, HostKeys: acceptAllHostKeys{}})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, session *Session, status schema.ConnectionStatus) schema.ConnectionState {
	t.Helper()
	var state schema.ConnectionState
	waitFor(t, 3*time.Second, "state "+string(status), func() bool {
		state = session.State()
		return state.Status == status
	})
	return state
}

func isZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
