// Package system wraps the local terminal for interactive shells.
package system

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"remoteshell/pkg/define"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Terminal tracks the size of a local terminal and buffers its input so a
// session can poll both from the event loop without blocking.
type Terminal struct {
	fd int

	mu     sync.Mutex
	state  *term.State
	width  int
	height int
	input  []byte
}

// NewTerminal wraps f, usually os.Stdin.
func NewTerminal(f *os.File) *Terminal {
	t := &Terminal{fd: int(f.Fd()), width: define.DefaultTermWidth, height: define.DefaultTermHeight}
	t.refresh()
	return t
}

// IsTerminal reports whether the wrapped descriptor is a terminal.
func (t *Terminal) IsTerminal() bool {
	return term.IsTerminal(t.fd)
}

func (t *Terminal) MakeRaw() error {
	state, err := term.MakeRaw(t.fd)
	if err != nil {
		return fmt.Errorf("terminal make raw failed: %w", err)
	}
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	return nil
}

// Restore undoes MakeRaw. It is safe to call more than once.
func (t *Terminal) Restore() {
	t.mu.Lock()
	state := t.state
	t.state = nil
	t.mu.Unlock()
	if state != nil {
		_ = term.Restore(t.fd, state)
	}
}

// Size returns the last known size.
func (t *Terminal) Size() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.width, t.height
}

func (t *Terminal) refresh() {
	width, height, err := term.GetSize(t.fd)
	if err != nil {
		return
	}
	t.mu.Lock()
	t.width, t.height = width, height
	t.mu.Unlock()
}

// WatchResize refreshes the size on every SIGWINCH until ctx is done.
func (t *Terminal) WatchResize(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				logrus.Debugf("terminal resize watcher done")
				return
			case <-ch:
				t.refresh()
			}
		}
	}()
}

// ReadInput copies r into the input buffer until r fails. io.EOF is not
// reported.
func (t *Terminal) ReadInput(r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.input = append(t.input, buf[:n]...)
			t.mu.Unlock()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// TakeInput returns and clears buffered input.
func (t *Terminal) TakeInput() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.input
	t.input = nil
	return p
}

// TerminalType returns $TERM or the default.
func TerminalType() string {
	if termEnv := os.Getenv("TERM"); termEnv != "" {
		return termEnv
	}
	return define.DefaultTerminalType
}
