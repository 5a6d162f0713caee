package system

import (
	"os"
	"strings"
	"testing"

	"remoteshell/pkg/define"
)

func TestNonTerminalDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tm := NewTerminal(f)
	if tm.IsTerminal() {
		t.Fatal("regular file reported as terminal")
	}
	if w, h := tm.Size(); w != define.DefaultTermWidth || h != define.DefaultTermHeight {
		t.Fatalf("size = %dx%d", w, h)
	}
	if err := tm.MakeRaw(); err == nil {
		t.Fatal("raw mode on a regular file")
	}
	tm.Restore()
}

func TestInputBuffering(t *testing.T) {
	tm := &Terminal{fd: -1}
	if err := tm.ReadInput(strings.NewReader("ls -l\n")); err != nil {
		t.Fatal(err)
	}
	if got := string(tm.TakeInput()); got != "ls -l\n" {
		t.Fatalf("input = %q", got)
	}
	if got := tm.TakeInput(); got != nil {
		t.Fatalf("input not cleared: %q", got)
	}
}

func TestTerminalType(t *testing.T) {
	t.Setenv("TERM", "vt100")
	if got := TerminalType(); got != "vt100" {
		t.Fatalf("got %q", got)
	}
	t.Setenv("TERM", "")
	if got := TerminalType(); got != define.DefaultTerminalType {
		t.Fatalf("got %q", got)
	}
}
