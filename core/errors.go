package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"pkt.systems/pocketsh/internal/hostkeys"
	"pkt.systems/pocketsh/internal/sshkeys"
	"pkt.systems/pocketsh/schema"
)

// ConnectErrorKind classifies connect failures for user-facing messages.
type ConnectErrorKind string

const (
	// ConnectErrorNetwork covers DNS, refused, unreachable and timeout failures.
	ConnectErrorNetwork ConnectErrorKind = "network"
	// ConnectErrorAuth indicates the server rejected every offered credential.
	ConnectErrorAuth ConnectErrorKind = "auth"
	// ConnectErrorProtocol indicates the SSH exchange failed after the socket opened.
	ConnectErrorProtocol ConnectErrorKind = "protocol"
	// ConnectErrorConfiguration indicates the request was rejected before dialing.
	ConnectErrorConfiguration ConnectErrorKind = "configuration"
	// ConnectErrorHostKey indicates the server host key was not trusted.
	ConnectErrorHostKey ConnectErrorKind = "host_key"
	// ConnectErrorCanceled indicates the caller canceled the attempt.
	ConnectErrorCanceled ConnectErrorKind = "canceled"
)

// ErrBridgeUsed is returned when Attach is called on a bridge that was
// already attached or detached.
var ErrBridgeUsed = errors.New("bridge already used")

// ConnectError wraps connect failures with a stable classification.
type ConnectError struct {
	Kind    ConnectErrorKind
	Op      string
	Message string
	Err     error
}

// NewConnectError constructs a classified connect error.
func NewConnectError(kind ConnectErrorKind, op string, err error) *ConnectError {
	return &ConnectError{Kind: kind, Op: op, Err: err}
}

func (e *ConnectError) Error() string {
	if e == nil {
		return "connect error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("connect %s failed", e.Op)
	}
	return "connect error"
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsCanceled reports whether err is a ConnectError of kind canceled.
func IsCanceled(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Kind == ConnectErrorCanceled
}

// connectTarget carries the endpoint fields used in user-facing messages.
type connectTarget struct {
	host string
	port int
	user string
}

func (t connectTarget) address() string {
	return fmt.Sprintf("%s:%d", t.host, t.port)
}

// configurationError classifies request validation failures.
func configurationError(err error) *ConnectError {
	ce := NewConnectError(ConnectErrorConfiguration, "validate", err)
	switch {
	case errors.Is(err, schema.ErrMissingKey):
		ce.Message = "A private key is required"
	case errors.Is(err, sshkeys.ErrPassphraseRequired):
		ce.Message = "The private key is protected by a passphrase"
	case errors.Is(err, schema.ErrInvalidHost):
		ce.Message = "Invalid hostname"
	case errors.Is(err, schema.ErrInvalidPort):
		ce.Message = "Invalid port"
	case errors.Is(err, schema.ErrInvalidUsername):
		ce.Message = "Invalid username"
	default:
		ce.Message = "Invalid private key: " + err.Error()
	}
	return ce
}

// classifyConnectError maps a dial, handshake or shell failure to a
// ConnectError. canceled reports whether the caller's context was canceled;
// hostKeyRejected reports whether the host key callback refused the server.
func classifyConnectError(op string, err error, target connectTarget, canceled, hostKeyRejected bool) *ConnectError {
	if canceled || errors.Is(err, context.Canceled) {
		ce := NewConnectError(ConnectErrorCanceled, op, err)
		ce.Message = "Connection canceled"
		return ce
	}
	if hostKeyRejected || isHostKeyError(err) {
		ce := NewConnectError(ConnectErrorHostKey, op, err)
		ce.Message = "Host key verification failed for " + target.host
		return ce
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		ce := NewConnectError(ConnectErrorNetwork, op, err)
		ce.Message = "Could not resolve hostname " + target.host
		return ce
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		ce := NewConnectError(ConnectErrorNetwork, op, err)
		ce.Message = "Connection refused by " + target.address()
		return ce
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		ce := NewConnectError(ConnectErrorNetwork, op, err)
		ce.Message = "No route to host " + target.host
		return ce
	case isTimeout(err):
		ce := NewConnectError(ConnectErrorNetwork, op, err)
		ce.Message = "Connection to " + target.address() + " timed out"
		return ce
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		ce := NewConnectError(ConnectErrorAuth, op, err)
		ce.Message = "Authentication failed for " + target.user + "@" + target.host
		return ce
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		ce := NewConnectError(ConnectErrorProtocol, op, err)
		ce.Message = remoteClosedMessage
		return ce
	}
	return NewConnectError(ConnectErrorProtocol, op, err)
}

const remoteClosedMessage = "Connection closed by remote host"

func isHostKeyError(err error) bool {
	return errors.Is(err, hostkeys.ErrHostKeyMismatch) ||
		errors.Is(err, hostkeys.ErrUnknownHost) ||
		errors.Is(err, hostkeys.ErrHostKeyRejected) ||
		errors.Is(err, hostkeys.ErrHostKeyRevoked)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
