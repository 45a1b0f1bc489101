package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pocketsh/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	SSH           SSHConfig       `mapstructure:"ssh" yaml:"ssh"`
	Bridge        BridgeConfig    `mapstructure:"bridge" yaml:"bridge"`
	Exec          ExecConfig      `mapstructure:"exec" yaml:"exec"`
	Keys          KeysConfig      `mapstructure:"keys" yaml:"keys"`
	Profiles      []ProfileConfig `mapstructure:"profiles" yaml:"profiles"`
	Logging       LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Host key policies.
const (
	HostKeyPolicyTOFU      = "tofu"
	HostKeyPolicyStrict    = "strict"
	HostKeyPolicyAcceptAll = "accept-all"
)

// SSHConfig configures outgoing SSH connections.
type SSHConfig struct {
	ConnectTimeoutSeconds    int    `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	KexTimeoutSeconds        int    `mapstructure:"kex_timeout_seconds" yaml:"kex_timeout_seconds"`
	TermType                 string `mapstructure:"term_type" yaml:"term_type"`
	KeepaliveIntervalSeconds int    `mapstructure:"keepalive_interval_seconds" yaml:"keepalive_interval_seconds"`
	KeepaliveMisses          int    `mapstructure:"keepalive_misses" yaml:"keepalive_misses"`
	KnownHostsPath           string `mapstructure:"known_hosts_path" yaml:"known_hosts_path"`
	HostKeyPolicy            string `mapstructure:"host_key_policy" yaml:"host_key_policy"`
}

// ConnectTimeout returns the TCP connect timeout.
func (c SSHConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// KexTimeout returns the handshake and authentication timeout.
func (c SSHConfig) KexTimeout() time.Duration {
	return time.Duration(c.KexTimeoutSeconds) * time.Second
}

// KeepaliveInterval returns the keepalive interval; zero disables keepalives.
func (c SSHConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalSeconds) * time.Second
}

// BridgeConfig tunes the terminal relay.
type BridgeConfig struct {
	RenderIntervalMillis int `mapstructure:"render_interval_ms" yaml:"render_interval_ms"`
	ReadBufferBytes      int `mapstructure:"read_buffer_bytes" yaml:"read_buffer_bytes"`
	ScrollbackRows       int `mapstructure:"scrollback_rows" yaml:"scrollback_rows"`
}

// RenderInterval returns the snapshot cadence.
func (c BridgeConfig) RenderInterval() time.Duration {
	return time.Duration(c.RenderIntervalMillis) * time.Millisecond
}

// ExecConfig controls one-off remote commands.
type ExecConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout returns the default exec timeout.
func (c ExecConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// KeysConfig configures the encrypted client key store.
type KeysConfig struct {
	StorePath   string `mapstructure:"store_path" yaml:"store_path"`
	KeyDir      string `mapstructure:"key_dir" yaml:"key_dir"`
	DefaultType string `mapstructure:"default_type" yaml:"default_type"`
}

// ProfileConfig is a saved connection target.
type ProfileConfig struct {
	ID            string `mapstructure:"id" yaml:"id"`
	Name          string `mapstructure:"name" yaml:"name"`
	Hostname      string `mapstructure:"hostname" yaml:"hostname"`
	Port          int    `mapstructure:"port" yaml:"port"`
	Username      string `mapstructure:"username" yaml:"username"`
	KeyName       string `mapstructure:"key" yaml:"key"`
	RemoteSession string `mapstructure:"remote_session" yaml:"remote_session,omitempty"`
	TOTPSecret    string `mapstructure:"totp_secret" yaml:"totp_secret,omitempty"`
}

// Profile converts the config entry to its schema form.
func (p ProfileConfig) Profile() schema.Profile {
	port := p.Port
	if port == 0 {
		port = schema.DefaultPort
	}
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return schema.Profile{
		ID:            schema.ProfileID(p.ID),
		Name:          name,
		Hostname:      p.Hostname,
		Port:          port,
		Username:      p.Username,
		KeyName:       p.KeyName,
		RemoteSession: p.RemoteSession,
		TOTPSecret:    p.TOTPSecret,
	}
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Profile looks up a profile by id.
func (c Config) Profile(id schema.ProfileID) (schema.Profile, error) {
	for _, p := range c.Profiles {
		if schema.ProfileID(p.ID) == id {
			return p.Profile(), nil
		}
	}
	return schema.Profile{}, fmt.Errorf("%w: %s", schema.ErrProfileNotFound, id)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".pocketsh")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		SSH: SSHConfig{
			ConnectTimeoutSeconds:    10,
			KexTimeoutSeconds:        15,
			TermType:                 "xterm-256color",
			KeepaliveIntervalSeconds: 30,
			KeepaliveMisses:          3,
			KnownHostsPath:           filepath.Join(base, "known_hosts"),
			HostKeyPolicy:            HostKeyPolicyTOFU,
		},
		Bridge: BridgeConfig{
			RenderIntervalMillis: 33,
			ReadBufferBytes:      8192,
			ScrollbackRows:       2000,
		},
		Exec: ExecConfig{
			TimeoutSeconds: 30,
		},
		Keys: KeysConfig{
			StorePath:   filepath.Join(base, "state", "keys.bundle"),
			KeyDir:      filepath.Join(base, "state", "keys"),
			DefaultType: "ed25519",
		},
		Profiles: []ProfileConfig{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pocketsh", "config.yaml"), nil
}
