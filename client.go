// Package pocketsh composes the SSH session core with key storage, host key
// trust and saved profiles.
package pocketsh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pkt.systems/pocketsh/core"
	"pkt.systems/pocketsh/internal/appconfig"
	"pkt.systems/pocketsh/internal/hostkeys"
	"pkt.systems/pocketsh/internal/logx"
	"pkt.systems/pocketsh/internal/remotesession"
	"pkt.systems/pocketsh/internal/sshkeys"
	"pkt.systems/pocketsh/internal/transport"
	"pkt.systems/pocketsh/schema"
	"pkt.systems/pslog"
)

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("client closed")

// ClientDeps captures optional dependencies used to build a Client.
type ClientDeps struct {
	// Dialer defaults to the x/crypto SSH dialer.
	Dialer transport.Dialer
	// ConfirmHostKey is asked before an unknown host key is trusted under
	// the tofu policy. Nil accepts.
	ConfirmHostKey hostkeys.Confirmer
	Logger         pslog.Logger
}

// Client owns one Session, its bridge registry and the client key store.
type Client struct {
	cfg      appconfig.Config
	session  *core.Session
	registry *core.Registry
	keys     *sshkeys.Store
	hostKeys *hostkeys.Verifier
	logger   pslog.Logger

	mu     sync.Mutex
	closed bool
}

// New constructs a client from configuration.
func New(cfg appconfig.Config, deps ClientDeps) (*Client, error) {
	if err := appconfig.Validate(cfg); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	keys, err := sshkeys.NewStoreWithLogger(cfg.Keys.StorePath, cfg.Keys.KeyDir, logger)
	if err != nil {
		return nil, err
	}
	verifier, err := hostkeys.NewVerifier(cfg.SSH.KnownHostsPath, hostkeys.Policy(cfg.SSH.HostKeyPolicy), deps.ConfirmHostKey, logger)
	if err != nil {
		return nil, err
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = transport.NewSSHDialer(logger)
	}
	session, err := core.NewSession(core.SessionConfig{
		ConnectTimeout:    cfg.SSH.ConnectTimeout(),
		KexTimeout:        cfg.SSH.KexTimeout(),
		TermType:          cfg.SSH.TermType,
		KeepaliveInterval: cfg.SSH.KeepaliveInterval(),
		KeepaliveMisses:   cfg.SSH.KeepaliveMisses,
	}, core.SessionDeps{Dialer: dialer, HostKeys: verifier, Logger: logger})
	if err != nil {
		return nil, err
	}
	factory := core.SessionBridgeFactory(session, core.BridgeConfig{
		RenderInterval:  cfg.Bridge.RenderInterval(),
		ReadBufferBytes: cfg.Bridge.ReadBufferBytes,
		ScrollbackRows:  cfg.Bridge.ScrollbackRows,
		Logger:          logger,
	})
	return &Client{
		cfg:      cfg,
		session:  session,
		registry: core.NewRegistry(factory, logger),
		keys:     keys,
		hostKeys: verifier,
		logger:   logger,
	}, nil
}

// Session returns the underlying connection session.
func (c *Client) Session() *core.Session { return c.session }

// Keys returns the client key store.
func (c *Client) Keys() *sshkeys.Store { return c.keys }

// HostKeys returns the host key verifier.
func (c *Client) HostKeys() *hostkeys.Verifier { return c.hostKeys }

// Profiles returns the configured profiles.
func (c *Client) Profiles() []schema.Profile {
	out := make([]schema.Profile, 0, len(c.cfg.Profiles))
	for _, p := range c.cfg.Profiles {
		out = append(out, p.Profile())
	}
	return out
}

// ConnectProfile connects to a saved profile and attaches a fresh bridge
// sized cols x rows. When the profile names a remote session, the shell is
// asked to attach to it. The returned bridge is nil unless the state is
// connected.
func (c *Client) ConnectProfile(ctx context.Context, profileID schema.ProfileID, cols, rows int) (schema.ConnectionState, *core.Bridge, error) {
	profile, attach, state, err := c.connect(ctx, profileID, cols, rows, true)
	if err != nil || !state.IsConnected() {
		return state, nil, err
	}
	bridge, err := c.registry.GetOrCreateBridge(ctx, profileID)
	if err != nil {
		return state, nil, err
	}
	if attach != "" {
		logx.WithProfile(ctx, profileID).Info("client remote session attach", "remote_session", profile.RemoteSession)
		bridge.Write([]byte(attach + "\r"))
	}
	return state, bridge, nil
}

// Open connects to a saved profile without attaching a bridge. The shell
// stays idle; use it for Exec and remote session management.
func (c *Client) Open(ctx context.Context, profileID schema.ProfileID) (schema.ConnectionState, error) {
	_, _, state, err := c.connect(ctx, profileID, 0, 0, false)
	return state, err
}

func (c *Client) connect(ctx context.Context, profileID schema.ProfileID, cols, rows int, interactive bool) (schema.Profile, string, schema.ConnectionState, error) {
	if err := c.ensureOpen(); err != nil {
		return schema.Profile{}, "", schema.ConnectionState{}, err
	}
	profile, err := c.cfg.Profile(profileID)
	if err != nil {
		return schema.Profile{}, "", schema.ConnectionState{}, err
	}
	log := logx.WithProfile(ctx, profileID)
	var attach string
	if interactive && strings.TrimSpace(profile.RemoteSession) != "" {
		attach, err = remotesession.AttachCommand(profile.RemoteSession)
		if err != nil {
			return profile, "", schema.ConnectionState{}, err
		}
	}
	key, err := c.keys.LoadPrivateKeyBytes(profile.KeyName)
	if err != nil {
		log.Warn("client key load failed", "key", profile.KeyName, "err", err)
		return profile, "", schema.ConnectionState{}, err
	}
	// The previous bridge belongs to the connection Connect is about to replace.
	c.registry.RemoveAll()
	state := c.session.Connect(ctx, schema.ConnectRequest{
		Hostname:   profile.Hostname,
		Port:       profile.Port,
		Username:   profile.Username,
		PrivateKey: key,
		TOTPSecret: profile.TOTPSecret,
		Columns:    cols,
		Rows:       rows,
	})
	return profile, attach, state, nil
}

// Bridge returns the active bridge for profileID, attaching a new one to the
// live shell when needed.
func (c *Client) Bridge(ctx context.Context, profileID schema.ProfileID) (*core.Bridge, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	return c.registry.GetOrCreateBridge(ctx, profileID)
}

// Exec runs command on the open connection with the configured timeout.
func (c *Client) Exec(ctx context.Context, command string) (*schema.CommandResult, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	res, err := c.session.ExecuteCommand(ctx, command, c.cfg.Exec.Timeout())
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, schema.ErrNotConnected
	}
	return res, nil
}

// RemoteSessions lists tmux sessions on the connected host.
func (c *Client) RemoteSessions(ctx context.Context) ([]remotesession.Session, error) {
	res, err := c.Exec(ctx, remotesession.ListCommand())
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, fmt.Errorf("list remote sessions: timed out")
	}
	return remotesession.ParseList(res.Stdout)
}

// KillRemoteSession ends the named tmux session on the connected host.
func (c *Client) KillRemoteSession(ctx context.Context, name string) error {
	command, err := remotesession.KillCommand(name)
	if err != nil {
		return err
	}
	res, err := c.Exec(ctx, command)
	if err != nil {
		return err
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("kill remote session %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Disconnect detaches the bridge and closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.registry.RemoveAll()
	return c.session.Disconnect(ctx)
}

// Close releases the bridge and connection. The client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.registry.RemoveAll()
	err := c.session.Close()
	c.logger.Info("client closed")
	return err
}

func (c *Client) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}
