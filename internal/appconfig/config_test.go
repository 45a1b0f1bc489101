package appconfig

import (
	"errors"
	"testing"

	"pkt.systems/pocketsh/schema"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Bridge.ReadBufferBytes != 8192 {
		t.Fatalf("expected 8192 byte read buffer, got %d", cfg.Bridge.ReadBufferBytes)
	}
	if cfg.Bridge.RenderInterval().Milliseconds() != 33 {
		t.Fatalf("expected 33ms render interval, got %s", cfg.Bridge.RenderInterval())
	}
	if cfg.SSH.HostKeyPolicy != HostKeyPolicyTOFU {
		t.Fatalf("expected tofu host key policy, got %q", cfg.SSH.HostKeyPolicy)
	}
}

func TestProfileLookup(t *testing.T) {
	cfg := Config{Profiles: []ProfileConfig{
		{ID: "work", Hostname: "work.example.net", Username: "alice", KeyName: "laptop"},
	}}
	profile, err := cfg.Profile("work")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Port != schema.DefaultPort {
		t.Fatalf("expected default port, got %d", profile.Port)
	}
	if profile.Name != "work" {
		t.Fatalf("expected name to fall back to id, got %q", profile.Name)
	}
	if _, err := cfg.Profile("home"); !errors.Is(err, schema.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}
