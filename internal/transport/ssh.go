package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/pocketsh/internal/version"
	"pkt.systems/pslog"
)

const keepaliveRequest = "keepalive@openssh.com"

// ErrNotAuthenticated is returned when a channel is requested before Authenticate.
var ErrNotAuthenticated = errors.New("transport not authenticated")

// SSHDialer dials TCP and speaks SSH with golang.org/x/crypto/ssh.
type SSHDialer struct {
	log pslog.Logger
}

// NewSSHDialer constructs a dialer. A nil logger uses the context default.
func NewSSHDialer(logger pslog.Logger) *SSHDialer {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &SSHDialer{log: logger}
}

// Open dials the endpoint within ConnectTimeout. The handshake happens in
// Authenticate.
func (d *SSHDialer) Open(ctx context.Context, endpoint Endpoint, hostKey ssh.HostKeyCallback) (Conn, error) {
	if hostKey == nil {
		return nil, errors.New("host key callback is required")
	}
	dialer := net.Dialer{Timeout: endpoint.ConnectTimeout, KeepAlive: 30 * time.Second}
	addr := endpoint.Address()
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.log.Debug("ssh dial failed", "addr", addr, "err", err)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	d.log.Debug("ssh dial ok", "addr", addr, "remote", raw.RemoteAddr().String())
	return &sshConn{raw: raw, endpoint: endpoint, hostKey: hostKey, log: d.log.With("addr", addr)}, nil
}

type sshConn struct {
	raw      net.Conn
	endpoint Endpoint
	hostKey  ssh.HostKeyCallback
	log      pslog.Logger

	mu     sync.Mutex
	client *ssh.Client
	closed bool
}

func (c *sshConn) Authenticate(ctx context.Context, username string, methods []ssh.AuthMethod) error {
	deadline := time.Time{}
	if c.endpoint.KexTimeout > 0 {
		deadline = time.Now().Add(c.endpoint.KexTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if err := c.raw.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.SetDeadline(time.Unix(1, 0))
	})
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: c.hostKey,
		ClientVersion:   version.SSHIdent(),
	}
	cc, chans, reqs, err := ssh.NewClientConn(c.raw, c.endpoint.Address(), config)
	stop()
	if err != nil {
		_ = c.raw.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ssh handshake: %w", ctxErr)
		}
		return err
	}
	if err := c.raw.SetDeadline(time.Time{}); err != nil {
		_ = cc.Close()
		return err
	}
	client := ssh.NewClient(cc, chans, reqs)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = client.Close()
		return net.ErrClosed
	}
	c.client = client
	c.mu.Unlock()
	c.log.Debug("ssh authenticated", "user", username, "server_version", string(cc.ServerVersion()))
	return nil
}

func (c *sshConn) sshClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	if c.client == nil {
		return nil, ErrNotAuthenticated
	}
	return c.client, nil
}

func (c *sshConn) OpenShell(term string, cols, rows int) (Shell, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	c.log.Debug("ssh shell opened", "term", term, "cols", cols, "rows", rows)
	return &sshShell{sess: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (c *sshConn) OpenExec(command string) (Exec, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}
	return &sshExec{sess: sess, stdout: stdout, stderr: stderr}, nil
}

func (c *sshConn) Keepalive() error {
	client, err := c.sshClient()
	if err != nil {
		return err
	}
	_, _, err = client.SendRequest(keepaliveRequest, true, nil)
	return err
}

func (c *sshConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	client := c.client
	c.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	return c.raw.Close()
}

type sshShell struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (s *sshShell) Stdout() io.Reader { return s.stdout }
func (s *sshShell) Stdin() io.WriteCloser { return s.stdin }
func (s *sshShell) Stderr() io.Reader { return s.stderr }
func (s *sshShell) Wait() error { return s.sess.Wait() }
func (s *sshShell) WindowChange(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	err := s.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type sshExec struct {
	sess   *ssh.Session
	stdout io.Reader
	stderr io.Reader
}

func (e *sshExec) Stdout() io.Reader { return e.stdout }
func (e *sshExec) Stderr() io.Reader { return e.stderr }

func (e *sshExec) Wait() (int, error) {
	err := e.sess.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return -1, err
}

func (e *sshExec) Close() error {
	err := e.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
