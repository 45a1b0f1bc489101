package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/pocketsh/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("POCKETSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("ssh.connect_timeout_seconds", cfg.SSH.ConnectTimeoutSeconds)
	v.SetDefault("ssh.kex_timeout_seconds", cfg.SSH.KexTimeoutSeconds)
	v.SetDefault("ssh.term_type", cfg.SSH.TermType)
	v.SetDefault("ssh.keepalive_interval_seconds", cfg.SSH.KeepaliveIntervalSeconds)
	v.SetDefault("ssh.keepalive_misses", cfg.SSH.KeepaliveMisses)
	v.SetDefault("ssh.known_hosts_path", cfg.SSH.KnownHostsPath)
	v.SetDefault("ssh.host_key_policy", cfg.SSH.HostKeyPolicy)
	v.SetDefault("bridge.render_interval_ms", cfg.Bridge.RenderIntervalMillis)
	v.SetDefault("bridge.read_buffer_bytes", cfg.Bridge.ReadBufferBytes)
	v.SetDefault("bridge.scrollback_rows", cfg.Bridge.ScrollbackRows)
	v.SetDefault("exec.timeout_seconds", cfg.Exec.TimeoutSeconds)
	v.SetDefault("keys.store_path", cfg.Keys.StorePath)
	v.SetDefault("keys.key_dir", cfg.Keys.KeyDir)
	v.SetDefault("keys.default_type", cfg.Keys.DefaultType)
	v.SetDefault("profiles", cfg.Profiles)
	v.SetDefault("logging.level", cfg.Logging.Level)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks a loaded config for values the client cannot run with.
func Validate(cfg Config) error {
	switch cfg.SSH.HostKeyPolicy {
	case HostKeyPolicyTOFU, HostKeyPolicyStrict, HostKeyPolicyAcceptAll:
	default:
		return fmt.Errorf("unsupported ssh.host_key_policy %q", cfg.SSH.HostKeyPolicy)
	}
	if cfg.SSH.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("ssh.connect_timeout_seconds must be positive")
	}
	if cfg.SSH.KexTimeoutSeconds <= 0 {
		return fmt.Errorf("ssh.kex_timeout_seconds must be positive")
	}
	if cfg.SSH.KeepaliveIntervalSeconds < 0 || cfg.SSH.KeepaliveMisses < 0 {
		return fmt.Errorf("ssh keepalive settings must not be negative")
	}
	if strings.TrimSpace(cfg.SSH.TermType) == "" {
		return fmt.Errorf("ssh.term_type is required")
	}
	if cfg.Bridge.RenderIntervalMillis <= 0 {
		return fmt.Errorf("bridge.render_interval_ms must be positive")
	}
	if cfg.Bridge.ReadBufferBytes <= 0 {
		return fmt.Errorf("bridge.read_buffer_bytes must be positive")
	}
	if cfg.Bridge.ScrollbackRows < 0 {
		return fmt.Errorf("bridge.scrollback_rows must not be negative")
	}
	if cfg.Exec.TimeoutSeconds <= 0 {
		return fmt.Errorf("exec.timeout_seconds must be positive")
	}
	switch cfg.Keys.DefaultType {
	case "ed25519", "rsa":
	default:
		return fmt.Errorf("unsupported keys.default_type %q", cfg.Keys.DefaultType)
	}
	seen := make(map[string]struct{}, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		if err := schema.ValidateProfileID(schema.ProfileID(p.ID)); err != nil {
			return fmt.Errorf("profiles[%d]: %w", i, err)
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("profiles[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		if strings.TrimSpace(p.Hostname) == "" {
			return fmt.Errorf("profiles[%d]: hostname is required", i)
		}
		if strings.TrimSpace(p.Username) == "" {
			return fmt.Errorf("profiles[%d]: username is required", i)
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("profiles[%d]: port %d out of range", i, p.Port)
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.SSH.KnownHostsPath = expandEnv(cfg.SSH.KnownHostsPath)
	cfg.Keys.StorePath = expandEnv(cfg.Keys.StorePath)
	cfg.Keys.KeyDir = expandEnv(cfg.Keys.KeyDir)
	for i := range cfg.Profiles {
		cfg.Profiles[i].Hostname = expandEnv(cfg.Profiles[i].Hostname)
		cfg.Profiles[i].Username = expandEnv(cfg.Profiles[i].Username)
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
