package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = old })

	if got := Current().Version; got != "v1.2.3" {
		t.Fatalf("expected build version, got %q", got)
	}
}

func TestPseudoVersionFromBuildInfo(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "example.com/fork", Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(info, "")
	if got.Version != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("unexpected version %q", got.Version)
	}
	if !got.Dirty || got.Module != "example.com/fork" {
		t.Fatalf("unexpected info %+v", got)
	}
	if got.String() != "v0.0.0-20250102030405-1234567890ab (1234567890ab, dirty)" {
		t.Fatalf("unexpected string %q", got.String())
	}
}

func TestFromNilBuildInfo(t *testing.T) {
	got := fromBuildInfo(nil, "")
	if got.Version != "v0.0.0-unknown" || got.Module != defaultModule {
		t.Fatalf("unexpected info %+v", got)
	}
	if got.String() != "v0.0.0-unknown" {
		t.Fatalf("unexpected string %q", got.String())
	}
}

func TestSSHIdentHasNoReservedCharacters(t *testing.T) {
	old := buildVersion
	buildVersion = "v1.2.3-rc.1+dirty"
	t.Cleanup(func() { buildVersion = old })

	ident := SSHIdent()
	if !strings.HasPrefix(ident, "SSH-2.0-pocketsh_") {
		t.Fatalf("unexpected ident %q", ident)
	}
	software := strings.TrimPrefix(ident, "SSH-2.0-")
	if strings.ContainsAny(software, "- +") {
		t.Fatalf("ident software version contains reserved characters: %q", software)
	}
}
