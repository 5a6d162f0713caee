package ssh

import (
	"time"

	"remoteshell/pkg/session"
)

// asyncStep runs one blocking protocol call in a goroutine and reports its
// outcome through Step.
type asyncStep struct {
	done chan struct{}
	err  error
}

// startStep runs fn and calls wake, if set, once its result is visible.
func startStep(fn func() error, wake func()) *asyncStep {
	s := &asyncStep{done: make(chan struct{})}
	go func() {
		s.err = fn()
		close(s.done)
		if wake != nil {
			wake()
		}
	}()
	return s
}

func (s *asyncStep) WantsRead() bool  { return true }
func (s *asyncStep) WantsWrite() bool { return false }

func (s *asyncStep) Step(time.Time) (session.StepResult, error) {
	select {
	case <-s.done:
		if s.err != nil {
			return session.StepError, s.err
		}
		return session.Finished, nil
	default:
		return session.NeedsMoreIO, nil
	}
}

var _ session.Stepper = (*asyncStep)(nil)
