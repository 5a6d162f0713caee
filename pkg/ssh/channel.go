package ssh

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"remoteshell/pkg/define"
	"remoteshell/pkg/session"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrPTYRequestFailed is returned when PTY allocation fails
	ErrPTYRequestFailed = errors.New("failed to request PTY")
	// ErrCommandFailed is returned when command execution fails
	ErrCommandFailed = errors.New("command execution failed")
)

// channel adapts one ssh.Session to session.Channel. Output is moved
// through a bounded chan; a full chan stalls the remote side instead of
// growing memory.
type channel struct {
	cancelSignal ssh.Signal
	wake         func()
	out          chan []byte
	stop         chan struct{}
	stopOnce     sync.Once
	copiers      sync.WaitGroup

	mu       sync.Mutex
	cond     *sync.Cond
	sess     *ssh.Session
	input    *queue.Queue
	finished bool
	exit     int
	err      error
}

func newChannel(sig ssh.Signal, wake func()) *channel {
	c := &channel{
		cancelSignal: sig,
		wake:         wake,
		out:          make(chan []byte, define.OutputChunks),
		stop:         make(chan struct{}),
		input:        queue.New(),
		exit:         -1,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *channel) attach(s *ssh.Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	if c.stopped() {
		_ = s.Close()
	}
}

func (c *channel) startExec(command string) error {
	s := c.session()
	if err := c.pipeOutput(s); err != nil {
		return err
	}
	logrus.Debugf("ssh: starting command: %s", command)
	if err := s.Start(command); err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	go c.wait(s)
	return nil
}

func (c *channel) startShell(req session.PTYRequest, modes ssh.TerminalModes) error {
	s := c.session()
	if err := s.RequestPty(req.Term, req.Height, req.Width, modes); err != nil {
		return fmt.Errorf("%w: %v", ErrPTYRequestFailed, err)
	}
	stdin, err := s.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if err := c.pipeOutput(s); err != nil {
		return err
	}
	go c.pumpInput(stdin)
	if err := s.Shell(); err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	logrus.Debugf("ssh: PTY allocated: %s (%dx%d)", req.Term, req.Width, req.Height)
	go c.wait(s)
	return nil
}

func (c *channel) pipeOutput(s *ssh.Session) error {
	stdout, err := s.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := s.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	c.copiers.Add(2)
	go c.copyOutput(stdout)
	go c.copyOutput(stderr)
	return nil
}

func (c *channel) copyOutput(r io.Reader) {
	defer c.copiers.Done()
	buf := make([]byte, define.BufferSize/4)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case c.out <- slices.Clone(buf[:n]):
				c.notify()
			case <-c.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *channel) pumpInput(stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		c.mu.Lock()
		for c.input.Length() == 0 && !c.finished && !c.stopped() {
			c.cond.Wait()
		}
		if c.input.Length() == 0 {
			c.mu.Unlock()
			return
		}
		p := c.input.Remove().([]byte)
		c.mu.Unlock()

		if _, err := stdin.Write(p); err != nil {
			logrus.Debugf("ssh: write to channel: %v", err)
			return
		}
	}
}

func (c *channel) wait(s *ssh.Session) {
	err := s.Wait()
	c.copiers.Wait()

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		c.finish(0, nil)
	case errors.As(err, &exitErr):
		c.finish(exitErr.ExitStatus(), nil)
	case errors.As(err, &missing):
		c.finish(-1, nil)
	case c.stopped():
		c.finish(-1, nil)
	default:
		c.finish(-1, fmt.Errorf("%w: %v", ErrCommandFailed, err))
	}
}

func (c *channel) finish(exit int, err error) {
	c.mu.Lock()
	if !c.finished {
		c.finished, c.exit, c.err = true, exit, err
	}
	c.mu.Unlock()
	c.cond.Broadcast()
	c.notify()
}

func (c *channel) notify() {
	if c.wake != nil {
		c.wake()
	}
}

func (c *channel) session() *ssh.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *channel) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *channel) WantsRead() bool  { return true }
func (c *channel) WantsWrite() bool { return false }

// Step reports Finished only after the remote side exited and every output
// chunk was drained.
func (c *channel) Step(time.Time) (session.StepResult, error) {
	c.mu.Lock()
	finished, err := c.finished, c.err
	c.mu.Unlock()
	if len(c.out) > 0 {
		return session.Progress, nil
	}
	if !finished {
		return session.NeedsMoreIO, nil
	}
	if err != nil {
		return session.StepError, err
	}
	return session.Finished, nil
}

func (c *channel) Drain() []byte {
	var out []byte
	for {
		select {
		case p := <-c.out:
			out = append(out, p...)
		default:
			return out
		}
	}
}

func (c *channel) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	c.mu.Lock()
	c.input.Add(slices.Clone(p))
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *channel) Resize(width, height int) {
	s := c.session()
	if s == nil {
		return
	}
	go func() {
		if err := s.WindowChange(height, width); err != nil {
			logrus.Debugf("ssh: failed to change window size: %v", err)
			return
		}
		logrus.Debugf("ssh: terminal resized to %dx%d", width, height)
	}()
}

func (c *channel) Cancel() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.cond.Broadcast()
		s := c.session()
		if s == nil {
			return
		}
		go func() {
			if c.cancelSignal != "" {
				if err := s.Signal(c.cancelSignal); err != nil {
					logrus.Debugf("ssh: failed to send signal %s: %v", c.cancelSignal, err)
				}
			}
			if err := s.Close(); err != nil && !errors.Is(err, io.EOF) {
				logrus.Debugf("ssh: close channel: %v", err)
			}
		}()
	})
}

func (c *channel) ExitStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

var _ session.Channel = (*channel)(nil)
