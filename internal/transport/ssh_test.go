package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pocketsh/internal/sshtest"
)

func testEndpoint(srv *sshtest.Server) Endpoint {
	return Endpoint{Host: srv.Host, Port: srv.Port, ConnectTimeout: 2 * time.Second, KexTimeout: 5 * time.Second}
}

func clientAuth(t *testing.T, srv *sshtest.Server) []ssh.AuthMethod {
	t.Helper()
	signer, err := ssh.ParsePrivateKey(srv.ClientKey())
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}
}

func connect(t *testing.T, srv *sshtest.Server) Conn {
	t.Helper()
	ctx := context.Background()
	conn, err := NewSSHDialer(nil).Open(ctx, testEndpoint(srv), ssh.FixedHostKey(srv.HostKey))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.Authenticate(ctx, srv.ClientUser, clientAuth(t, srv)); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return conn
}

func TestExecReturnsOutputAndStatus(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{
		Exec: func(command string, stdout, stderr io.Writer) int {
			fmt.Fprintf(stdout, "ran %s\n", command)
			fmt.Fprint(stderr, "warn\n")
			return 3
		},
	})
	conn := connect(t, srv)
	exec, err := conn.OpenExec("uptime")
	if err != nil {
		t.Fatalf("open exec: %v", err)
	}
	defer func() { _ = exec.Close() }()
	stdout, err := io.ReadAll(exec.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	stderr, err := io.ReadAll(exec.Stderr())
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	code, err := exec.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(stdout) != "ran uptime\n" || string(stderr) != "warn\n" || code != 3 {
		t.Fatalf("unexpected exec result stdout=%q stderr=%q code=%d", stdout, stderr, code)
	}
}

func TestShellEchoAndWindowChange(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	conn := connect(t, srv)
	shell, err := conn.OpenShell("xterm", 80, 24)
	if err != nil {
		t.Fatalf("open shell: %v", err)
	}
	defer func() { _ = shell.Close() }()

	reader := bufio.NewReader(shell.Stdout())
	greeting, err := reader.ReadString('\n')
	if err != nil || greeting != "ready\r\n" {
		t.Fatalf("unexpected greeting %q err=%v", greeting, err)
	}
	if _, err := io.WriteString(shell.Stdin(), "hi\r"); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, 3)
	if _, err := io.ReadFull(reader, echo); err != nil || string(echo) != "hi\r" {
		t.Fatalf("unexpected echo %q err=%v", echo, err)
	}

	if err := shell.WindowChange(100, 40); err != nil {
		t.Fatalf("window change: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		wins := srv.Windows()
		if len(wins) >= 2 && wins[len(wins)-1].Width == 100 && wins[len(wins)-1].Height == 40 {
			if wins[0].Width != 80 || wins[0].Height != 24 {
				t.Fatalf("unexpected initial window %+v", wins[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("window change not observed: %+v", wins)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestKeepalive(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	conn := connect(t, srv)
	if err := conn.Keepalive(); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if srv.Keepalives() != 1 {
		t.Fatalf("expected 1 keepalive, got %d", srv.Keepalives())
	}
	_ = conn.Close()
	if err := conn.Keepalive(); err == nil {
		t.Fatalf("expected keepalive on closed conn to fail")
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	other := sshtest.NewServer(t, sshtest.Options{})
	ctx := context.Background()
	conn, err := NewSSHDialer(nil).Open(ctx, testEndpoint(srv), ssh.FixedHostKey(srv.HostKey))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = conn.Close() }()
	err = conn.Authenticate(ctx, srv.ClientUser, clientAuth(t, other))
	if err == nil || !strings.Contains(err.Error(), "unable to authenticate") {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestAuthenticateWithTOTP(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	srv := sshtest.NewServer(t, sshtest.Options{TOTPSecret: secret})
	ctx := context.Background()
	conn, err := NewSSHDialer(nil).Open(ctx, testEndpoint(srv), ssh.FixedHostKey(srv.HostKey))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = conn.Close() }()
	methods := append(clientAuth(t, srv), ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
		code, err := totp.GenerateCode(secret, time.Now())
		if err != nil {
			return nil, err
		}
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = code
		}
		return answers, nil
	}))
	if err := conn.Authenticate(ctx, srv.ClientUser, methods); err != nil {
		t.Fatalf("authenticate with totp: %v", err)
	}
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	_, err = NewSSHDialer(nil).Open(context.Background(), Endpoint{Host: "127.0.0.1", Port: port, ConnectTimeout: time.Second}, ssh.InsecureIgnoreHostKey())
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected connection refused, got %v", err)
	}
}

func TestAuthenticateHonoursCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_, _ = io.Copy(io.Discard, conn)
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := NewSSHDialer(nil).Open(ctx, Endpoint{Host: "127.0.0.1", Port: port, ConnectTimeout: time.Second, KexTimeout: 10 * time.Second}, ssh.InsecureIgnoreHostKey())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = conn.Close() }()
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	err = conn.Authenticate(ctx, "tester", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancel took too long")
	}
}

func TestChannelsRequireAuthentication(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	conn, err := NewSSHDialer(nil).Open(context.Background(), testEndpoint(srv), ssh.FixedHostKey(srv.HostKey))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.OpenShell("xterm", 80, 24); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}
