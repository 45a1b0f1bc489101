package schema

import (
	"errors"
	"testing"
)

func TestValidateProfileID(t *testing.T) {
	cases := []struct {
		name    string
		profile ProfileID
		valid   bool
	}{
		{"simple", "home", true},
		{"digits", "1", true},
		{"with-dots", "home.lab", true},
		{"with-dash", "prod-db", true},
		{"empty", "", false},
		{"uppercase", "Home", false},
		{"space", "home lab", false},
		{"symbol", "home@", false},
	}

	for _, tc := range cases {
		err := ValidateProfileID(tc.profile)
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("case %q expected error, got nil", tc.name)
		}
	}
}

func TestNormalizeConnectRequestDefaults(t *testing.T) {
	req, err := NormalizeConnectRequest(ConnectRequest{
		Hostname:   " example.com ",
		Username:   "alice",
		PrivateKey: []byte("key"),
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if req.Hostname != "example.com" {
		t.Fatalf("expected trimmed host, got %q", req.Hostname)
	}
	if req.Port != DefaultPort {
		t.Fatalf("expected default port, got %d", req.Port)
	}
	if req.Columns != DefaultColumns || req.Rows != DefaultRows {
		t.Fatalf("expected default size, got %dx%d", req.Columns, req.Rows)
	}
}

func TestNormalizeConnectRequestRejects(t *testing.T) {
	base := ConnectRequest{Hostname: "example.com", Port: 22, Username: "alice", PrivateKey: []byte("key")}
	cases := []struct {
		name   string
		mutate func(*ConnectRequest)
		want   error
	}{
		{"empty host", func(r *ConnectRequest) { r.Hostname = "" }, ErrInvalidHost},
		{"host with user", func(r *ConnectRequest) { r.Hostname = "bob@example.com" }, ErrInvalidHost},
		{"port range", func(r *ConnectRequest) { r.Port = 70000 }, ErrInvalidPort},
		{"empty user", func(r *ConnectRequest) { r.Username = " " }, ErrInvalidUsername},
		{"missing key", func(r *ConnectRequest) { r.PrivateKey = nil }, ErrMissingKey},
	}
	for _, tc := range cases {
		req := base
		tc.mutate(&req)
		if _, err := NormalizeConnectRequest(req); !errors.Is(err, tc.want) {
			t.Fatalf("case %q expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestConnectionStateString(t *testing.T) {
	if got := Connected("host", 22, "alice").String(); got != "connected alice@host" {
		t.Fatalf("unexpected connected string %q", got)
	}
	if got := Failed("boom", nil).String(); got != "error: boom" {
		t.Fatalf("unexpected error string %q", got)
	}
	if got := (ConnectionState{}).String(); got != "disconnected" {
		t.Fatalf("unexpected zero string %q", got)
	}
}
