// Package sshtest runs an in-process SSH server for exercising the client
// against real protocol traffic.
package sshtest

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
)

// ExecFunc handles an exec request and returns the exit status.
type ExecFunc func(command string, stdout, stderr io.Writer) int

// ShellFunc handles an interactive session after the PTY is granted.
type ShellFunc func(sess gliderssh.Session, windows <-chan gliderssh.Window)

// Options configures a Server.
type Options struct {
	// TOTPSecret enables a keyboard-interactive verification step after
	// the public key is accepted.
	TOTPSecret string
	Exec       ExecFunc
	Shell      ShellFunc
	Logger     pslog.Logger
}

// Server is a running test server bound to 127.0.0.1.
type Server struct {
	Host       string
	Port       int
	HostKey    ssh.PublicKey
	ClientUser string

	clientPEM  []byte
	clientPub  ssh.PublicKey
	srv        *gliderssh.Server
	listener   *countingListener
	log        pslog.Logger
	keepalives atomic.Int64

	mu      sync.Mutex
	windows []gliderssh.Window
	inputs  []byte
}

type authContextKey string

const pubKeyOK authContextKey = "pubkey-ok"

// NewServer starts a server and registers cleanup with t.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	hostSigner := newSigner(t)
	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "sshtest")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	clientSigner, err := ssh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	s := &Server{
		Host:       "127.0.0.1",
		Port:       raw.Addr().(*net.TCPAddr).Port,
		HostKey:    hostSigner.PublicKey(),
		ClientUser: "tester",
		clientPEM:  pem.EncodeToMemory(block),
		clientPub:  clientSigner.PublicKey(),
		listener:   &countingListener{Listener: raw},
		log:        logger.With("component", "sshtest"),
	}
	s.srv = &gliderssh.Server{
		Handler:          s.handler(opts),
		PublicKeyHandler: s.publicKeyHandler(opts.TOTPSecret != ""),
		RequestHandlers: map[string]gliderssh.RequestHandler{
			"keepalive@openssh.com": func(gliderssh.Context, *gliderssh.Server, *ssh.Request) (bool, []byte) {
				s.keepalives.Add(1)
				return true, nil
			},
		},
	}
	if opts.TOTPSecret != "" {
		s.srv.KeyboardInteractiveHandler = s.keyboardInteractiveHandler(opts.TOTPSecret)
	}
	s.srv.AddHostKey(hostSigner)
	go func() { _ = s.srv.Serve(s.listener) }()
	t.Cleanup(func() { _ = s.srv.Close() })
	return s
}

// ClientKey returns a fresh copy of the authorized client private key in PEM form.
func (s *Server) ClientKey() []byte {
	return append([]byte(nil), s.clientPEM...)
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ActiveConns returns the number of open TCP connections.
func (s *Server) ActiveConns() int {
	return int(s.listener.active.Load())
}

// Keepalives returns how many keepalive requests were answered.
func (s *Server) Keepalives() int {
	return int(s.keepalives.Load())
}

// Windows returns the PTY sizes seen so far, initial size first.
func (s *Server) Windows() []gliderssh.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gliderssh.Window(nil), s.windows...)
}

// Input returns every byte received by the default echo shell.
func (s *Server) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.inputs...)
}

// Close stops the server and drops all connections.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) publicKeyHandler(needTOTP bool) gliderssh.PublicKeyHandler {
	return func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
		if ctx.User() != s.ClientUser || !gliderssh.KeysEqual(key, s.clientPub) {
			s.log.Debug("sshtest pubkey rejected", "user", ctx.User())
			return false
		}
		if needTOTP {
			ctx.SetValue(pubKeyOK, true)
			return false
		}
		return true
	}
}

func (s *Server) keyboardInteractiveHandler(secret string) gliderssh.KeyboardInteractiveHandler {
	return func(ctx gliderssh.Context, challenger ssh.KeyboardInteractiveChallenge) bool {
		if ctx.Value(pubKeyOK) != true {
			return false
		}
		answers, err := challenger(ctx.User(), "", []string{"Verification code: "}, []bool{false})
		if err != nil || len(answers) != 1 {
			return false
		}
		return totp.Validate(answers[0], secret)
	}
}

func (s *Server) handler(opts Options) gliderssh.Handler {
	return func(sess gliderssh.Session) {
		_, windows, isPty := sess.Pty()
		if !isPty {
			if opts.Exec == nil {
				_, _ = io.WriteString(sess.Stderr(), "exec not supported\n")
				_ = sess.Exit(127)
				return
			}
			_ = sess.Exit(opts.Exec(sess.RawCommand(), sess, sess.Stderr()))
			return
		}
		recorded := make(chan gliderssh.Window, 16)
		go func() {
			defer close(recorded)
			for win := range windows {
				s.mu.Lock()
				s.windows = append(s.windows, win)
				s.mu.Unlock()
				select {
				case recorded <- win:
				default:
				}
			}
		}()
		if opts.Shell != nil {
			opts.Shell(sess, recorded)
			return
		}
		s.echoShell(sess)
	}
}

// echoShell greets, then echoes input until the line "exit".
func (s *Server) echoShell(sess gliderssh.Session) {
	_, _ = io.WriteString(sess, "ready\r\n")
	reader := bufio.NewReader(sess)
	var line []byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("sshtest shell read failed", "err", err)
			}
			return
		}
		s.mu.Lock()
		s.inputs = append(s.inputs, b)
		s.mu.Unlock()
		if _, err := sess.Write([]byte{b}); err != nil {
			return
		}
		if b == '\r' || b == '\n' {
			if string(line) == "exit" {
				_ = sess.Exit(0)
				return
			}
			line = line[:0]
			continue
		}
		line = append(line, b)
	}
}

func newSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	return signer
}

type countingListener struct {
	net.Listener
	active atomic.Int64
}

func (l *countingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.active.Add(1)
	return &countingConn{Conn: conn, listener: l}, nil
}

type countingConn struct {
	net.Conn
	listener *countingListener
	once     sync.Once
}

func (c *countingConn) Close() error {
	c.once.Do(func() { c.listener.active.Add(-1) })
	return c.Conn.Close()
}
