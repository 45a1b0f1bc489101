// Package termengine adapts the vt10x terminal emulator to the relay bridge:
// it feeds remote output through the VT parser, keeps primary-screen
// scrollback, and exposes the screen as plain text rows.
package termengine

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/hinshun/vt10x"

	"pkt.systems/pocketsh/schema"
)

// Options configures a new Engine.
type Options struct {
	// Output receives bytes the emulator sends back to the remote side,
	// such as cursor position reports.
	Output         io.Writer
	Columns        int
	Rows           int
	ScrollbackRows int
}

// Engine wraps one vt10x terminal. It is not safe for concurrent use; the
// owner serializes all calls.
type Engine struct {
	term       vt10x.Terminal
	scrollback *scrollback
	pending    []byte
}

// New constructs an engine sized to Columns x Rows.
func New(opts Options) *Engine {
	cols, rows := schema.NormalizeSize(opts.Columns, opts.Rows)
	output := opts.Output
	if output == nil {
		output = io.Discard
	}
	return &Engine{
		term:       vt10x.New(vt10x.WithWriter(output), vt10x.WithSize(cols, rows)),
		scrollback: newScrollback(opts.ScrollbackRows),
	}
}

// Append feeds remote output to the emulator. Incomplete trailing UTF-8
// sequences are held until the next call.
func (e *Engine) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	if len(e.pending) > 0 {
		joined := make([]byte, 0, len(e.pending)+len(p))
		joined = append(joined, e.pending...)
		joined = append(joined, p...)
		p = joined
		e.pending = e.pending[:0]
	}
	complete, rest := splitIncomplete(p)
	if len(rest) > 0 {
		e.pending = append(e.pending, rest...)
	}
	for len(complete) > 0 {
		idx := bytes.IndexByte(complete, '\n')
		if idx < 0 {
			_, _ = e.term.Write(complete)
			return
		}
		if idx > 0 {
			_, _ = e.term.Write(complete[:idx])
		}
		e.captureScrolledRow()
		_, _ = e.term.Write(complete[idx : idx+1])
		complete = complete[idx+1:]
	}
}

// captureScrolledRow saves the top row when the next line feed will scroll
// the primary screen.
func (e *Engine) captureScrolledRow() {
	if e.term.Mode()&vt10x.ModeAltScreen != 0 {
		return
	}
	_, rows := e.term.Size()
	if e.term.Cursor().Y != rows-1 {
		return
	}
	e.scrollback.Append(e.row(0))
}

// Resize changes the emulator dimensions.
func (e *Engine) Resize(cols, rows int) {
	cols, rows = schema.NormalizeSize(cols, rows)
	e.term.Resize(cols, rows)
}

// Size returns the emulator dimensions.
func (e *Engine) Size() (cols, rows int) {
	return e.term.Size()
}

// Cursor returns the zero-based cursor row and column.
func (e *Engine) Cursor() (row, col int) {
	cur := e.term.Cursor()
	return cur.Y, cur.X
}

// CursorVisible reports whether the remote side has the cursor shown.
func (e *Engine) CursorVisible() bool {
	return e.term.CursorVisible()
}

// Title returns the window title set by the remote side.
func (e *Engine) Title() string {
	return e.term.Title()
}

// AltScreen reports whether the alternate screen is active.
func (e *Engine) AltScreen() bool {
	return e.term.Mode()&vt10x.ModeAltScreen != 0
}

// ScrollbackDepth returns the number of retained scrollback lines.
func (e *Engine) ScrollbackDepth() int {
	return e.scrollback.Len()
}

// Lines returns the visible screen rows with trailing blanks trimmed.
func (e *Engine) Lines() []string {
	_, rows := e.term.Size()
	lines := make([]string, rows)
	for y := 0; y < rows; y++ {
		lines[y] = e.row(y)
	}
	return lines
}

// Scrollback returns up to limit scrollback lines, oldest first.
func (e *Engine) Scrollback(limit int) []string {
	return e.scrollback.Window(limit, 0)
}

func (e *Engine) row(y int) string {
	cols, _ := e.term.Size()
	var b strings.Builder
	b.Grow(cols)
	for x := 0; x < cols; x++ {
		ch := e.term.Cell(x, y).Char
		if ch == 0 {
			ch = ' '
		}
		b.WriteRune(ch)
	}
	return strings.TrimRight(b.String(), " ")
}

func splitIncomplete(p []byte) (complete, rest []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		tail := p[len(p)-i:]
		if !utf8.RuneStart(tail[0]) {
			continue
		}
		if utf8.FullRune(tail) {
			return p, nil
		}
		return p[:len(p)-i], tail
	}
	return p, nil
}
