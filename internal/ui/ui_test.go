package ui

import (
	"strings"
	"testing"
)

func TestBold_ContainsText(t *testing.T) {
	Init(false, false)
	result := Bold("hello")
	if !strings.Contains(result, "hello") {
		t.Errorf("Bold output should contain 'hello', got %q", result)
	}
}

func TestColorDisabled_PlainText(t *testing.T) {
	Init(true, false)
	defer Init(false, false)

	for _, tc := range []struct{ got, want string }{
		{Bold("hello"), "hello"},
		{Red("error"), "error"},
		{Green("ok"), "ok"},
		{Yellow("warn"), "warn"},
		{Dim("dim"), "dim"},
		{StatusColor("committed"), "committed"},
	} {
		if tc.got != tc.want {
			t.Errorf("expected plain text %q when color disabled, got %q", tc.want, tc.got)
		}
	}
}

func TestLoggerInitialized(t *testing.T) {
	if Logger == nil {
		t.Fatal("Logger should be usable before Init()")
	}
	Init(false, true)
	if Logger == nil {
		t.Error("Logger should be initialized after Init()")
	}
}

func TestMarkdownString_NoColorPassthrough(t *testing.T) {
	Init(true, false)
	defer Init(false, false)

	md := "# Generation 3\n\n- committed\n"
	if got := MarkdownString(md, 80); got != md {
		t.Errorf("expected raw markdown with color off, got %q", got)
	}
}

func TestBanners_NoPanic(t *testing.T) {
	Init(true, false)
	defer Init(false, false)
	CommandBanner("run", "target: .")
	GenerationHeader(2, 3, 5, "abc1234")
	GenerationHeader(0, 1, 0, "abc1234")
}
