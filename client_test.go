package pocketsh

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/pocketsh/internal/appconfig"
	"pkt.systems/pocketsh/internal/sshtest"
	"pkt.systems/pocketsh/schema"
)

func testConfig(t *testing.T, srv *sshtest.Server, remoteSession string) appconfig.Config {
	t.Helper()
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	dir := t.TempDir()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Keys.StorePath = filepath.Join(dir, "state", "keys.bundle")
	cfg.Keys.KeyDir = filepath.Join(dir, "state", "keys")
	cfg.SSH.KnownHostsPath = filepath.Join(dir, "known_hosts")
	cfg.SSH.KeepaliveIntervalSeconds = 0
	cfg.Bridge.RenderIntervalMillis = 5
	cfg.Exec.TimeoutSeconds = 5
	cfg.Profiles = []appconfig.ProfileConfig{{
		ID:            "lab",
		Hostname:      srv.Host,
		Port:          srv.Port,
		Username:      srv.ClientUser,
		KeyName:       "lab",
		RemoteSession: remoteSession,
	}}
	return cfg
}

func newTestClient(t *testing.T, srv *sshtest.Server, remoteSession string) *Client {
	t.Helper()
	client, err := New(testConfig(t, srv, remoteSession), ClientDeps{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if _, err := client.Keys().ImportKey("lab", srv.ClientKey(), nil); err != nil {
		t.Fatalf("import key: %v", err)
	}
	return client
}

func waitScreen(t *testing.T, snapshot func() schema.TerminalSnapshot, text string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := snapshot()
		if snap.Screen != nil && strings.Contains(strings.Join(snap.Screen.Lines(), "\n"), text) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("screen never showed %q", text)
}

func TestClientConnectProfileAttachesRemoteSession(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	client := newTestClient(t, srv, "work")
	state, bridge, err := client.ConnectProfile(context.Background(), "lab", 100, 30)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !state.IsConnected() || bridge == nil {
		t.Fatalf("expected connected with bridge, got %v", state)
	}
	waitScreen(t, bridge.Snapshot, "tmux new-session -A -s work")
	if snap := bridge.Snapshot(); snap.Columns != 100 || snap.Rows != 30 {
		t.Fatalf("expected 100x30, got %dx%d", snap.Columns, snap.Rows)
	}

	same, err := client.Bridge(context.Background(), "lab")
	if err != nil || same != bridge {
		t.Fatalf("expected active bridge reuse, got %v", err)
	}
}

func TestClientConnectProfileFailure(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	client := newTestClient(t, srv, "")
	if _, _, err := client.ConnectProfile(context.Background(), "missing", 80, 24); !errors.Is(err, schema.ErrProfileNotFound) {
		t.Fatalf("expected profile not found, got %v", err)
	}
	_ = srv.Close()
	state, bridge, err := client.ConnectProfile(context.Background(), "lab", 80, 24)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if state.Status != schema.StatusError || bridge != nil {
		t.Fatalf("expected error state without bridge, got %v", state)
	}
}

func TestClientRemoteSessions(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{
		Exec: func(command string, stdout, stderr io.Writer) int {
			switch {
			case strings.HasPrefix(command, "tmux list-sessions"):
				_, _ = io.WriteString(stdout, "work\t2\t1\t1700000000\nscratch\t1\t0\t1700000100\n")
				return 0
			case command == "tmux kill-session -t scratch":
				return 0
			default:
				_, _ = io.WriteString(stderr, "no such session")
				return 1
			}
		},
	})
	client := newTestClient(t, srv, "")
	if _, err := client.RemoteSessions(context.Background()); !errors.Is(err, schema.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}
	if state, err := client.Open(context.Background(), "lab"); err != nil || !state.IsConnected() {
		t.Fatalf("open: %v %v", state, err)
	}
	if _, _, ok := client.registry.Active(); ok {
		t.Fatalf("open must not attach a bridge")
	}
	sessions, err := client.RemoteSessions(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 || sessions[0].Name != "work" || !sessions[0].Attached || sessions[1].Windows != 1 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if err := client.KillRemoteSession(context.Background(), "scratch"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := client.KillRemoteSession(context.Background(), "ghost"); err == nil {
		t.Fatalf("expected kill failure")
	}
	if err := client.KillRemoteSession(context.Background(), "bad;name"); !errors.Is(err, schema.ErrInvalidSessionName) {
		t.Fatalf("expected invalid name, got %v", err)
	}
}

func TestClientClose(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	client := newTestClient(t, srv, "")
	if _, _, err := client.ConnectProfile(context.Background(), "lab", 80, 24); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if client.Session().State().Status != schema.StatusDisconnected {
		t.Fatalf("expected disconnected after close")
	}
	if _, _, err := client.ConnectProfile(context.Background(), "lab", 80, 24); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	cfg := testConfig(t, srv, "")
	cfg.SSH.HostKeyPolicy = "yolo"
	if _, err := New(cfg, ClientDeps{}); err == nil {
		t.Fatalf("expected invalid policy error")
	}
}
