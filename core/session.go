package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"pkt.systems/pocketsh/internal/eventbus"
	"pkt.systems/pocketsh/internal/logx"
	"pkt.systems/pocketsh/internal/sshkeys"
	"pkt.systems/pocketsh/internal/transport"
	"pkt.systems/pocketsh/schema"
	"pkt.systems/pslog"
)

// Session owns at most one SSH transport and its interactive shell. Connect,
// Disconnect, ResizeTerminal, ExecuteCommand and AttachStreams are
// serialized by one lock; state changes are published on a latest-value bus.
type Session struct {
	cfg      SessionConfig
	dialer   transport.Dialer
	hostKeys HostKeyVerifier
	logger   pslog.Logger
	state    *eventbus.Latest[schema.ConnectionState]

	// lock guards every field below it except dims.
	lock          *semaphore.Weighted
	conn          transport.Conn
	shell         transport.Shell
	stream        *shellStream
	target        connectTarget
	gen           uint64
	stopKeepalive context.CancelFunc
	keepaliveDone chan struct{}

	// liveGen is the generation of the open shell, zero when none.
	liveGen atomic.Uint64

	dimsMu sync.Mutex
	cols   int
	rows   int
}

// NewSession constructs a disconnected session.
func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if deps.Dialer == nil {
		return nil, errors.New("session dialer is required")
	}
	if deps.HostKeys == nil {
		return nil, errors.New("session host key verifier is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Session{
		cfg:      cfg.withDefaults(),
		dialer:   deps.Dialer,
		hostKeys: deps.HostKeys,
		logger:   logger,
		state:    eventbus.NewLatest("connection", schema.Disconnected(), logger),
		lock:     semaphore.NewWeighted(1),
		cols:     schema.DefaultColumns,
		rows:     schema.DefaultRows,
	}, nil
}

// State returns the current connection state.
func (s *Session) State() schema.ConnectionState {
	return s.state.Load()
}

// Subscribe returns a channel that receives the current state and then the
// latest state after each change. Intermediate states may be skipped.
func (s *Session) Subscribe() (<-chan schema.ConnectionState, func()) {
	return s.state.Subscribe()
}

// Dimensions returns the last requested terminal size.
func (s *Session) Dimensions() (cols, rows int) {
	s.dimsMu.Lock()
	defer s.dimsMu.Unlock()
	return s.cols, s.rows
}

func (s *Session) setDimensions(cols, rows int) {
	s.dimsMu.Lock()
	s.cols, s.rows = cols, rows
	s.dimsMu.Unlock()
}

// Connect replaces any existing connection with a new one to the requested
// endpoint and returns the resulting state. The key material in req is
// zeroed before Connect returns. Cancellation of ctx yields Disconnected.
func (s *Session) Connect(ctx context.Context, req schema.ConnectRequest) schema.ConnectionState {
	defer clear(req.PrivateKey)
	defer clear(req.Passphrase)
	if err := s.lock.Acquire(ctx, 1); err != nil {
		s.logger.Debug("session connect abandoned before start", "err", err)
		return s.state.Load()
	}
	defer s.lock.Release(1)

	if s.conn != nil {
		s.teardownLocked("reconnect")
	}
	s.state.Publish(schema.Connecting())

	normalized, err := schema.NormalizeConnectRequest(req)
	if err != nil {
		return s.failLocked(s.logger, configurationError(err))
	}
	req = normalized
	log := logx.WithEndpoint(s.logger, req.Hostname, req.Port, req.Username)
	target := connectTarget{host: req.Hostname, port: req.Port, user: req.Username}
	s.setDimensions(req.Columns, req.Rows)

	signer, wipe, err := sshkeys.ParseSigner(req.PrivateKey, req.Passphrase)
	if err != nil {
		return s.failLocked(log, configurationError(err))
	}
	defer wipe()
	methods := []ssh.AuthMethod{ssh.PublicKeys(signer)}
	if req.TOTPSecret != "" {
		methods = append(methods, ssh.KeyboardInteractive(totpChallenge(req.TOTPSecret)))
	}

	log.Info("session connect start")
	var hostKeyRejected atomic.Bool
	verify := s.hostKeys.Callback()
	hostKey := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := verify(hostname, remote, key); err != nil {
			hostKeyRejected.Store(true)
			return err
		}
		return nil
	}
	endpoint := transport.Endpoint{
		Host:           req.Hostname,
		Port:           req.Port,
		ConnectTimeout: s.cfg.ConnectTimeout,
		KexTimeout:     s.cfg.KexTimeout,
	}
	conn, err := s.dialer.Open(ctx, endpoint, hostKey)
	if err != nil {
		return s.failLocked(log, classifyConnectError("dial", err, target, isCanceled(ctx), false))
	}
	if err := conn.Authenticate(ctx, req.Username, methods); err != nil {
		_ = conn.Close()
		return s.failLocked(log, classifyConnectError("handshake", err, target, isCanceled(ctx), hostKeyRejected.Load()))
	}
	shell, err := conn.OpenShell(s.cfg.TermType, req.Columns, req.Rows)
	if err != nil {
		_ = conn.Close()
		return s.failLocked(log, classifyConnectError("shell", err, target, isCanceled(ctx), false))
	}
	if isCanceled(ctx) {
		_ = shell.Close()
		_ = conn.Close()
		return s.failLocked(log, NewConnectError(ConnectErrorCanceled, "shell", ctx.Err()))
	}

	s.gen++
	gen := s.gen
	s.conn = conn
	s.shell = shell
	s.target = target
	s.liveGen.Store(gen)
	s.stream = newShellStream(shell.Stdout(), shell.Stderr(), log, func(err error) {
		s.connectionLost(gen, err, remoteClosedMessage)
	})
	s.startKeepaliveLocked(gen, conn, log)
	state := schema.Connected(req.Hostname, req.Port, req.Username)
	s.state.Publish(state)
	log.Info("session connect ok", "term", s.cfg.TermType, "cols", req.Columns, "rows", req.Rows)
	return state
}

// failLocked publishes the outcome of a failed connect attempt.
func (s *Session) failLocked(log pslog.Logger, ce *ConnectError) schema.ConnectionState {
	if ce.Kind == ConnectErrorCanceled {
		log.Info("session connect canceled", "op", ce.Op)
		state := schema.Disconnected()
		s.state.Publish(state)
		return state
	}
	log.Warn("session connect failed", "kind", string(ce.Kind), "op", ce.Op, "err", ce.Err)
	state := schema.Failed(ce.Error(), ce)
	s.state.Publish(state)
	return state
}

func isCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func totpChallenge(secret string) ssh.KeyboardInteractiveChallenge {
	return func(_ string, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		if len(questions) == 0 {
			return answers, nil
		}
		code, err := totp.GenerateCode(secret, time.Now())
		if err != nil {
			return nil, fmt.Errorf("generate verification code: %w", err)
		}
		for i := range answers {
			answers[i] = code
		}
		return answers, nil
	}
}

// Disconnect closes the shell and transport if open and publishes
// Disconnected. It is safe to call repeatedly.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)
	if s.conn != nil {
		s.teardownLocked("disconnect")
	}
	if s.state.Load().Status != schema.StatusDisconnected {
		s.state.Publish(schema.Disconnected())
	}
	return nil
}

// Close disconnects and seals the state bus; subscribers' channels close.
func (s *Session) Close() error {
	err := s.Disconnect(context.Background())
	s.state.Seal()
	return err
}

// teardownLocked releases the shell, keepalive and transport. Streams handed
// out by AttachStreams observe EOF.
func (s *Session) teardownLocked(reason string) {
	log := logx.WithEndpoint(s.logger, s.target.host, s.target.port, s.target.user)
	s.liveGen.Store(0)
	if s.stopKeepalive != nil {
		s.stopKeepalive()
	}
	if s.shell != nil {
		if err := s.shell.Close(); err != nil && !errors.Is(err, io.EOF) {
			log.Debug("session shell close failed", "err", err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug("session transport close failed", "err", err)
		}
	}
	if s.stream != nil {
		s.stream.Close()
	}
	if s.keepaliveDone != nil {
		<-s.keepaliveDone
	}
	s.gen++
	s.conn = nil
	s.shell = nil
	s.stream = nil
	s.stopKeepalive = nil
	s.keepaliveDone = nil
	log.Info("session teardown", "reason", reason)
}

// connectionLost handles remote closure or keepalive failure of connection
// gen. It runs the teardown on its own goroutine so the caller never waits
// on the session lock.
func (s *Session) connectionLost(gen uint64, cause error, message string) {
	go func() {
		if err := s.lock.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer s.lock.Release(1)
		if s.gen != gen || s.conn == nil {
			return
		}
		s.logger.Warn("session connection lost", "err", cause)
		s.teardownLocked("connection lost")
		ce := NewConnectError(ConnectErrorProtocol, "stream", cause)
		ce.Message = message
		s.state.Publish(schema.Failed(message, ce))
	}()
}

func (s *Session) startKeepaliveLocked(gen uint64, conn transport.Conn, log pslog.Logger) {
	if s.cfg.KeepaliveInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopKeepalive = cancel
	s.keepaliveDone = done
	interval := s.cfg.KeepaliveInterval
	misses := s.cfg.KeepaliveMisses
	target := s.target
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		missed := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := sendKeepalive(ctx, conn, interval); err != nil {
				if ctx.Err() != nil {
					return
				}
				missed++
				log.Debug("session keepalive missed", "missed", missed, "err", err)
				if missed >= misses {
					s.connectionLost(gen, err, "Connection to "+target.address()+" timed out")
					return
				}
				continue
			}
			missed = 0
		}
	}()
}

var errKeepaliveTimeout = errors.New("keepalive timed out")

// sendKeepalive bounds one keepalive round trip by timeout.
func sendKeepalive(ctx context.Context, conn transport.Conn, timeout time.Duration) error {
	result := make(chan error, 1)
	go func() { result <- conn.Keepalive() }()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return errKeepaliveTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResizeTerminal records the size and forwards it to the open shell. It is
// a no-op without a shell.
func (s *Session) ResizeTerminal(ctx context.Context, cols, rows int) error {
	cols, rows = schema.NormalizeSize(cols, rows)
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)
	s.setDimensions(cols, rows)
	if s.shell == nil {
		s.logger.Debug("session resize skipped", "cols", cols, "rows", rows)
		return nil
	}
	if err := s.shell.WindowChange(cols, rows); err != nil {
		s.logger.Warn("session resize failed", "cols", cols, "rows", rows, "err", err)
		return fmt.Errorf("window change: %w", err)
	}
	s.logger.Debug("session resize", "cols", cols, "rows", rows)
	return nil
}

// AttachStreams returns the shell output and input streams. A previous
// attachment's reader is ended. Closing the returned reader detaches it
// without losing output; the next attachment receives the remainder.
func (s *Session) AttachStreams(ctx context.Context) (io.ReadCloser, io.Writer, error) {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	defer s.lock.Release(1)
	if s.stream == nil || s.shell == nil {
		return nil, nil, schema.ErrNotConnected
	}
	return s.stream.Attach(), &shellInput{session: s, gen: s.gen, w: s.shell.Stdin()}, nil
}

// shellInput writes to the shell it was attached to and fails once that
// connection has been replaced or closed.
type shellInput struct {
	session *Session
	gen     uint64
	w       io.Writer
}

func (in *shellInput) Write(p []byte) (int, error) {
	if in.session.liveGen.Load() != in.gen {
		return 0, schema.ErrNotConnected
	}
	return in.w.Write(p)
}
