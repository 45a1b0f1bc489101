package termengine

// DefaultScrollbackRows is used when Options.ScrollbackRows is zero.
const DefaultScrollbackRows = 2000

// scrollback stores lines that scrolled off the top of the primary screen,
// oldest first, capped at maxLines.
type scrollback struct {
	lines    []string
	maxLines int
}

func newScrollback(maxLines int) *scrollback {
	if maxLines == 0 {
		maxLines = DefaultScrollbackRows
	}
	return &scrollback{maxLines: maxLines}
}

// Append adds lines, trimming the oldest past the cap. A negative cap
// disables retention.
func (b *scrollback) Append(lines ...string) {
	if len(lines) == 0 || b.maxLines < 0 {
		return
	}
	b.lines = append(b.lines, lines...)
	if len(b.lines) > b.maxLines {
		trim := len(b.lines) - b.maxLines
		kept := make([]string, b.maxLines)
		copy(kept, b.lines[trim:])
		b.lines = kept
	}
}

// Len returns the number of retained lines.
func (b *scrollback) Len() int {
	return len(b.lines)
}

// Window returns up to limit lines ending offset lines above the newest one.
// Offset is clamped so the window never runs past the oldest line.
func (b *scrollback) Window(limit, offset int) []string {
	total := len(b.lines)
	if limit <= 0 || limit > total {
		limit = total
	}
	offset = clampOffset(offset, total, limit)
	end := total - offset
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]string, end-start)
	copy(out, b.lines[start:end])
	return out
}

// Clear drops all retained lines.
func (b *scrollback) Clear() {
	b.lines = nil
}

func clampOffset(offset, total, limit int) int {
	max := 0
	if total > limit {
		max = total - limit
	}
	if offset < 0 {
		return 0
	}
	if offset > max {
		return max
	}
	return offset
}
