// Package remotesession builds the shell commands used to keep a named tmux
// session alive on the remote host across reconnects.
package remotesession

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pocketsh/schema"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

const listFormat = "#{session_name}\t#{session_windows}\t#{session_attached}\t#{session_created}"

// Session describes one tmux session reported by the remote host.
type Session struct {
	Name     string
	Windows  int
	Attached bool
	Created  time.Time
}

// ValidateName rejects names that tmux would reinterpret or a shell would expand.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", schema.ErrInvalidSessionName, name)
	}
	return nil
}

// AttachCommand returns a command that attaches to name, creating it when missing.
func AttachCommand(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return "tmux new-session -A -s " + name, nil
}

// KillCommand returns a command that ends the named session.
func KillCommand(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return "tmux kill-session -t " + name, nil
}

// ListCommand returns a command listing sessions in the format ParseList reads.
// A host without a tmux server prints nothing and still exits zero.
func ListCommand() string {
	return "tmux list-sessions -F '" + listFormat + "' 2>/dev/null || true"
}

// ParseList parses ListCommand output. Malformed lines are reported, not skipped.
func ParseList(stdout string) ([]Session, error) {
	var sessions []Session
	var errs []error
	for i, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			errs = append(errs, fmt.Errorf("line %d: expected 4 fields, got %d", i+1, len(fields)))
			continue
		}
		windows, err := strconv.Atoi(fields[1])
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: windows: %w", i+1, err))
			continue
		}
		attached, err := strconv.Atoi(fields[2])
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: attached: %w", i+1, err))
			continue
		}
		created, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: created: %w", i+1, err))
			continue
		}
		sessions = append(sessions, Session{
			Name:     fields[0],
			Windows:  windows,
			Attached: attached > 0,
			Created:  time.Unix(created, 0).UTC(),
		})
	}
	return sessions, errors.Join(errs...)
}
