package core

import (
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/pocketsh/internal/transport"
	"pkt.systems/pslog"
)

// HostKeyVerifier supplies the callback used to check server host keys.
type HostKeyVerifier interface {
	Callback() ssh.HostKeyCallback
}

// SessionConfig holds the timing and terminal settings of a Session.
type SessionConfig struct {
	ConnectTimeout    time.Duration
	KexTimeout        time.Duration
	TermType          string
	KeepaliveInterval time.Duration
	KeepaliveMisses   int
}

// SessionDeps captures the collaborators of a Session. Dialer and HostKeys
// are required; Logger defaults to the context logger.
type SessionDeps struct {
	Dialer   transport.Dialer
	HostKeys HostKeyVerifier
	Logger   pslog.Logger
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKexTimeout     = 15 * time.Second
	defaultTermType       = "xterm-256color"
	defaultKeepaliveMiss  = 3
)

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.KexTimeout <= 0 {
		c.KexTimeout = defaultKexTimeout
	}
	if c.TermType == "" {
		c.TermType = defaultTermType
	}
	if c.KeepaliveMisses <= 0 {
		c.KeepaliveMisses = defaultKeepaliveMiss
	}
	return c
}
