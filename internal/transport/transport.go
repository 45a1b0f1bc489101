// Package transport is the SSH connection layer used by the session core.
// The interfaces exist so the core can be driven by fakes in tests; the
// production implementation wraps golang.org/x/crypto/ssh.
package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// Endpoint identifies a remote host and the timeouts used to reach it.
type Endpoint struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	KexTimeout     time.Duration
}

// Address returns host:port suitable for dialing and known_hosts lookups.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Dialer opens transport connections.
type Dialer interface {
	Open(ctx context.Context, endpoint Endpoint, hostKey ssh.HostKeyCallback) (Conn, error)
}

// Conn is one connected transport. Authenticate must succeed before any
// channel is opened.
type Conn interface {
	Authenticate(ctx context.Context, username string, methods []ssh.AuthMethod) error
	OpenShell(term string, cols, rows int) (Shell, error)
	OpenExec(command string) (Exec, error)
	Keepalive() error
	Close() error
}

// Shell is an interactive PTY channel.
type Shell interface {
	Stdout() io.Reader
	Stdin() io.WriteCloser
	Stderr() io.Reader
	WindowChange(cols, rows int) error
	Wait() error
	Close() error
}

// Exec is a one-shot command channel.
type Exec interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait returns the exit status, or -1 when the remote side sent none.
	Wait() (int, error)
	Close() error
}
