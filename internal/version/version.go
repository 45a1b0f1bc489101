package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/pocketsh"

// buildVersion is set via -ldflags "-X pkt.systems/pocketsh/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version  string
	Revision string
	Dirty    bool
	Module   string
}

// String renders the version with revision details when known.
func (i Info) String() string {
	if i.Revision == "" {
		return i.Version
	}
	detail := i.Revision
	if i.Dirty {
		detail += ", dirty"
	}
	return i.Version + " (" + detail + ")"
}

// Current returns the best available build information.
func Current() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(info, buildVersion)
}

// SSHIdent returns the client identification string sent during the SSH
// handshake. Characters the protocol reserves are replaced.
func SSHIdent() string {
	v := strings.NewReplacer("-", ".", "+", ".", " ", "").Replace(Current().Version)
	return "SSH-2.0-pocketsh_" + v
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Version: "v0.0.0-unknown", Module: defaultModule}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		rev, modified, stamp := vcsSettings(info)
		out.Revision = shortRevision(rev)
		out.Dirty = modified
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			out.Version = strings.TrimSuffix(v, "+dirty")
		} else if out.Revision != "" && !stamp.IsZero() {
			out.Version = "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + out.Revision
		}
	}
	if v := strings.TrimSpace(override); v != "" {
		out.Version = v
	}
	return out
}

func vcsSettings(info *debug.BuildInfo) (revision string, modified bool, stamp time.Time) {
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				stamp = parsed
			}
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	return revision, modified, stamp
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
