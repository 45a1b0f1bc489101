// Package hostkeys verifies server host keys against an OpenSSH known_hosts
// file, optionally trusting unknown hosts on first use.
package hostkeys

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/pslog"
)

var (
	// ErrHostKeyMismatch means the host presented a key different from the recorded one.
	ErrHostKeyMismatch = errors.New("host key mismatch")
	// ErrUnknownHost means the host has no recorded key and the policy forbids learning it.
	ErrUnknownHost = errors.New("unknown host key")
	// ErrHostKeyRejected means the confirmer declined an unknown key.
	ErrHostKeyRejected = errors.New("host key rejected")
	// ErrHostKeyRevoked means the key is marked @revoked in known_hosts.
	ErrHostKeyRevoked = errors.New("host key revoked")
)

// Policy selects how unknown hosts are handled.
type Policy string

const (
	// PolicyTOFU records unknown keys after confirmation.
	PolicyTOFU Policy = "tofu"
	// PolicyStrict rejects any host not already in known_hosts.
	PolicyStrict Policy = "strict"
	// PolicyAcceptAll accepts every key without recording it.
	PolicyAcceptAll Policy = "accept-all"
)

// Confirmer decides whether to trust an unknown host key. Address is in
// known_hosts form and fingerprint is SHA256.
type Confirmer func(address, fingerprint string, key ssh.PublicKey) bool

// Verifier checks host keys and learns new ones under the TOFU policy.
type Verifier struct {
	path    string
	policy  Policy
	confirm Confirmer
	mu      sync.Mutex
	log     pslog.Logger
}

// NewVerifier constructs a verifier backed by the known_hosts file at path.
// A nil confirmer accepts unknown keys.
func NewVerifier(path string, policy Policy, confirm Confirmer, logger pslog.Logger) (*Verifier, error) {
	switch policy {
	case PolicyTOFU, PolicyStrict, PolicyAcceptAll:
	case "":
		policy = PolicyTOFU
	default:
		return nil, fmt.Errorf("unsupported host key policy %q", policy)
	}
	if policy != PolicyAcceptAll && strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("known_hosts path is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Verifier{path: path, policy: policy, confirm: confirm, log: logger}, nil
}

// Policy returns the configured policy.
func (v *Verifier) Policy() Policy {
	return v.policy
}

// Callback returns an ssh.HostKeyCallback applying the verifier policy.
func (v *Verifier) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return v.check(hostname, remote, key)
	}
}

func (v *Verifier) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)
	address := knownhosts.Normalize(hostname)
	log := v.log.With("host", address, "fingerprint", fingerprint)
	if v.policy == PolicyAcceptAll {
		log.Warn("host key accepted without verification")
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := ensureFile(v.path); err != nil {
		return err
	}
	callback, err := knownhosts.New(v.path)
	if err != nil {
		return fmt.Errorf("load known_hosts: %w", err)
	}
	err = callback(hostname, remote, key)
	if err == nil {
		log.Debug("host key verified")
		return nil
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		log.Warn("host key revoked")
		return fmt.Errorf("%w: %s", ErrHostKeyRevoked, address)
	}
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		log.Warn("host key mismatch", "known", len(keyErr.Want))
		return fmt.Errorf("%w: %s", ErrHostKeyMismatch, address)
	}
	if v.policy == PolicyStrict {
		log.Warn("host key unknown")
		return fmt.Errorf("%w: %s", ErrUnknownHost, address)
	}
	if v.confirm != nil && !v.confirm(address, fingerprint, key) {
		log.Info("host key rejected by user")
		return fmt.Errorf("%w: %s", ErrHostKeyRejected, address)
	}
	if err := appendLine(v.path, knownhosts.Line([]string{hostname}, key)); err != nil {
		log.Warn("host key record failed", "err", err)
		return err
	}
	log.Info("host key recorded")
	return nil
}

// Forget removes plain-text entries for host from known_hosts and returns the
// number of removed lines. Hashed entries are left alone.
func (v *Verifier) Forget(host string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := os.ReadFile(v.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	target := knownhosts.Normalize(host)
	var out bytes.Buffer
	removed := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if lineMatches(line, target) {
			removed++
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := os.WriteFile(v.path, out.Bytes(), 0o600); err != nil {
		return 0, err
	}
	v.log.Info("host key forgotten", "host", target, "removed", removed)
	return removed, nil
}

func lineMatches(line, target string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
		return false
	}
	hosts := fields[0]
	if strings.HasPrefix(hosts, "@") {
		if len(fields) < 3 {
			return false
		}
		hosts = fields[1]
	}
	for _, h := range strings.Split(hosts, ",") {
		if h == target {
			return true
		}
	}
	return false
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
