package runtime

import "testing"

func TestTailBuffer(t *testing.T) {
	tb := NewTailBuffer(8)
	tb.Write([]byte("hello "))
	if tb.Truncated() {
		t.Error("should not be truncated yet")
	}
	tb.Write([]byte("world!"))
	if got := tb.String(); got != "o world!" {
		t.Errorf("String() = %q", got)
	}
	if !tb.Truncated() {
		t.Error("expected Truncated()")
	}
}

func TestTailBuffer_UTF8Boundary(t *testing.T) {
	tb := NewTailBuffer(4)
	tb.Write([]byte("aé✓"))
	// last 4 bytes start mid-rune of "é"
	if got := tb.String(); got != "✓" {
		t.Errorf("String() = %q, want %q", got, "✓")
	}
}

func TestTailBuffer_Unbounded(t *testing.T) {
	tb := NewTailBuffer(0)
	tb.Write([]byte("abc"))
	tb.Write([]byte("def"))
	if tb.String() != "abcdef" || tb.Truncated() {
		t.Errorf("unexpected %q truncated=%v", tb.String(), tb.Truncated())
	}
}
