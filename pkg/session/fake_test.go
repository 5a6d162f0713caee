package session_test

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"remoteshell/pkg/session"
)

// asyncStep finishes once its goroutine reports.
type asyncStep struct {
	done chan error
	res  session.StepResult
	err  error
}

func goStep(fn func() error, wake func()) *asyncStep {
	st := &asyncStep{done: make(chan error, 1), res: session.NeedsMoreIO}
	go func() {
		st.done <- fn()
		if wake != nil {
			wake()
		}
	}()
	return st
}

func (s *asyncStep) WantsRead() bool  { return true }
func (s *asyncStep) WantsWrite() bool { return false }

func (s *asyncStep) Step(time.Time) (session.StepResult, error) {
	if s.res != session.NeedsMoreIO {
		return s.res, s.err
	}
	select {
	case err := <-s.done:
		if err != nil {
			s.res, s.err = session.StepError, err
		} else {
			s.res = session.Finished
		}
	default:
	}
	return s.res, s.err
}

type fakeChannel struct {
	mu       sync.Mutex
	chunks   []string
	steps    int
	finishAt int // 0 never finishes
	exit     int
	input    []string
	sizes    [][2]int
	out      strings.Builder
	canceled bool
}

func (c *fakeChannel) WantsRead() bool  { return true }
func (c *fakeChannel) WantsWrite() bool { return false }

func (c *fakeChannel) Step(time.Time) (session.StepResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps++
	if len(c.chunks) > 0 {
		c.out.WriteString(c.chunks[0])
		c.chunks = c.chunks[1:]
	}
	if c.finishAt > 0 && c.steps >= c.finishAt {
		return session.Finished, nil
	}
	return session.Progress, nil
}

func (c *fakeChannel) Drain() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.Len() == 0 {
		return nil
	}
	p := []byte(c.out.String())
	c.out.Reset()
	return p
}

func (c *fakeChannel) Write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = append(c.input, string(p))
}

func (c *fakeChannel) Resize(w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes = append(c.sizes, [2]int{w, h})
}

func (c *fakeChannel) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
}

func (c *fakeChannel) ExitStatus() int { return c.exit }

func (c *fakeChannel) stepped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steps
}

func (c *fakeChannel) wasCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// fakeEngine reads the identification line like a real engine would and
// accepts any credentials except the password "wrong".
type fakeEngine struct {
	mu      sync.Mutex
	conn    net.Conn
	banner  string
	channel *fakeChannel
	closed  bool
	wake    func()
}

func (e *fakeEngine) SetWakeup(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wake = fn
}

func (e *fakeEngine) wakeup() {
	e.mu.Lock()
	fn := e.wake
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *fakeEngine) Handshake(conn net.Conn, addr string) session.Stepper {
	e.conn = conn
	return goStep(func() error {
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.banner = strings.TrimSpace(line)
		e.mu.Unlock()
		_, err = conn.Write([]byte("SSH-2.0-fake-client\r\n"))
		return err
	}, e.wakeup)
}

func (e *fakeEngine) Authenticate(creds session.Credentials) session.Stepper {
	return goStep(func() error {
		if creds.Password == "wrong" {
			return net.UnknownNetworkError("rejected")
		}
		return nil
	}, e.wakeup)
}

func (e *fakeEngine) Keepalive() session.Stepper { return nil }

func (e *fakeEngine) OpenExec(string) session.Channel { return e.channel }

func (e *fakeEngine) OpenShell(session.PTYRequest) session.Channel { return e.channel }

func (e *fakeEngine) Banner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.banner
}

func (e *fakeEngine) Fingerprint() string { return "SHA256:fake" }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
