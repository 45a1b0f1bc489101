package main

import (
	"fmt"
	"io"
	"strings"

	"pkt.systems/pocketsh/schema"
)

type screen struct {
	out   io.Writer
	title string
}

func newScreen(out io.Writer) *screen {
	return &screen{out: out}
}

func (s *screen) EnterAltScreen() {
	_, _ = io.WriteString(s.out, "\x1b[?1049h\x1b[H\x1b[2J")
}

func (s *screen) ExitAltScreen() {
	_, _ = io.WriteString(s.out, "\x1b[?1049l\x1b[?25h")
}

// Render repaints the whole terminal from snap. Cursor positions in the
// snapshot are zero based.
func (s *screen) Render(snap schema.TerminalSnapshot) error {
	var lines []string
	if snap.Screen != nil {
		lines = snap.Screen.Lines()
	}
	var b strings.Builder
	if snap.Title != s.title {
		b.WriteString("\x1b]0;")
		b.WriteString(sanitizeTitle(snap.Title))
		b.WriteString("\x07")
		s.title = snap.Title
	}
	b.WriteString("\x1b[?25l")
	b.WriteString("\x1b[H\x1b[2J")
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(line)
	}
	b.WriteString(fmt.Sprintf("\x1b[%d;%dH", snap.CursorRow+1, snap.CursorCol+1))
	if snap.CursorVisible {
		b.WriteString("\x1b[?25h")
	}
	_, err := io.WriteString(s.out, b.String())
	return err
}

func sanitizeTitle(title string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, title)
}
