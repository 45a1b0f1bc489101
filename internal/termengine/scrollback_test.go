package termengine

import "testing"

func TestScrollbackRespectsMaxLines(t *testing.T) {
	b := newScrollback(3)
	b.Append("one", "two", "three", "four", "five")
	if b.Len() != 3 {
		t.Fatalf("expected 3 lines, got %d", b.Len())
	}
	lines := b.Window(10, 0)
	if len(lines) != 3 {
		t.Fatalf("expected 3 visible lines, got %d", len(lines))
	}
	if lines[0] != "three" || lines[2] != "five" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestScrollbackWindowOffset(t *testing.T) {
	b := newScrollback(100)
	b.Append("one", "two", "three", "four", "five")
	lines := b.Window(2, 1)
	if len(lines) != 2 || lines[0] != "three" || lines[1] != "four" {
		t.Fatalf("unexpected window: %+v", lines)
	}
	lines = b.Window(2, 99)
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("expected clamped window at oldest lines, got %+v", lines)
	}
}

func TestScrollbackWindowIsCopy(t *testing.T) {
	b := newScrollback(10)
	b.Append("one")
	lines := b.Window(1, 0)
	lines[0] = "mutated"
	if got := b.Window(1, 0)[0]; got != "one" {
		t.Fatalf("expected stored line unchanged, got %q", got)
	}
}

func TestScrollbackDisabled(t *testing.T) {
	b := newScrollback(-1)
	b.Append("one", "two")
	if b.Len() != 0 {
		t.Fatalf("expected disabled scrollback to retain nothing, got %d", b.Len())
	}
}

func TestScrollbackClear(t *testing.T) {
	b := newScrollback(0)
	b.Append("one", "two")
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("expected empty scrollback after clear")
	}
}
