package schema

// ScreenReader is a read-only view of a live terminal screen. Each call
// synchronizes with the terminal owner, so values are consistent per call but
// may advance between calls.
type ScreenReader interface {
	// Lines returns the visible rows as text, top to bottom.
	Lines() []string
	// Scrollback returns up to limit lines of history, oldest first.
	Scrollback(limit int) []string
}

// TerminalSnapshot is an immutable sample of terminal state for renderers.
// Epoch strictly increases on every emission from one attachment.
type TerminalSnapshot struct {
	Running         bool
	Title           string
	Columns         int
	Rows            int
	CursorRow       int
	CursorCol       int
	CursorVisible   bool
	AltScreen       bool
	ScrollbackDepth int
	Epoch           uint64
	Screen          ScreenReader
}

// CommandResult captures the output of a one-off remote command.
// ExitCode is -1 when the remote did not report a status.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}
