// Package scheduler drives every session from one loop goroutine.
//
// The loop alternates between waiting on the reactor, running requests
// handed off by other goroutines and a periodic tick that pumps every live
// session. Sessions are held through weak references; a session nobody else
// references is pruned on the next tick without being called again.
package scheduler

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"remoteshell/pkg/arena"
	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/reactor"
	"remoteshell/pkg/session"
	"remoteshell/pkg/sockets"

	"github.com/sirupsen/logrus"
)

var (
	sharedOnce sync.Once
	shared     *Scheduler
)

// Shared returns the process-wide scheduler. It still needs Startup.
func Shared() *Scheduler {
	sharedOnce.Do(func() {
		shared = New()
	})
	return shared
}

type Option func(*Scheduler)

// WithTickPeriod sets how often every session is pumped regardless of I/O.
func WithTickPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMaxEvents bounds the readiness events handled per reactor pass.
func WithMaxEvents(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

type Scheduler struct {
	tick      time.Duration
	maxEvents int
	sessions  arena.Arena[session.Session]

	mu       sync.Mutex
	reactor  *reactor.Reactor
	running  bool
	done     chan struct{}
	requests []func()
	pickups  map[arena.ID]struct{}
	fullPass bool

	// Loop confined.
	watched map[arena.ID][]*sockets.Handle
}

// New returns a stopped scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tick:      define.TickPeriod,
		maxEvents: define.MaxEvents,
		pickups:   make(map[arena.ID]struct{}),
		watched:   make(map[arena.ID][]*sockets.Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Startup creates the reactor and launches the loop. Calling it on a running
// scheduler does nothing.
func (s *Scheduler) Startup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	r, err := reactor.New(reactor.WithMaxEvents(s.maxEvents))
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	s.reactor = r
	s.running = true
	s.done = make(chan struct{})
	go s.loop(r, s.done)
	logrus.Debugf("scheduler: started, tick %s", s.tick)
	return nil
}

// Terminate stops the loop and forgets every delegated session. Session state
// is left untouched and their sockets stay open.
func (s *Scheduler) Terminate() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	r, done := s.reactor, s.done
	s.requests = nil
	clear(s.pickups)
	s.mu.Unlock()

	r.Stop()
	<-done
	if err := r.Close(); err != nil {
		logrus.Debugf("scheduler: close reactor: %v", err)
	}
	s.sessions.Reset()
	clear(s.watched)
	logrus.Debug("scheduler: terminated")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Len returns the number of delegated sessions, including collected ones
// not yet pruned.
func (s *Scheduler) Len() int {
	return s.sessions.Len()
}

// Delegate registers a weak reference to sess. It is pumped on readiness of
// its sockets and on every tick until released or collected.
func (s *Scheduler) Delegate(sess *session.Session) (arena.ID, error) {
	if !s.Running() {
		return arena.ID{}, errdefs.ErrSchedulerStopped
	}
	id := s.sessions.Insert(sess)
	logrus.Debugf("scheduler: delegated session %s as %s", sess.ID(), id)
	return id, nil
}

// Release forgets id. The session receives no further pump calls.
func (s *Scheduler) Release(id arena.ID) {
	if !s.sessions.Remove(id) {
		return
	}
	_ = s.Submit(func() {
		s.forget(id, false)
	})
}

// Submit runs fn on the loop goroutine.
func (s *Scheduler) Submit(fn func()) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errdefs.ErrSchedulerStopped
	}
	s.requests = append(s.requests, fn)
	r := s.reactor
	s.mu.Unlock()
	return r.Wakeup()
}

// RequestStatusPickup pumps the session behind id on the loop as soon as
// possible instead of waiting for the next tick.
func (s *Scheduler) RequestStatusPickup(id arena.ID) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errdefs.ErrSchedulerStopped
	}
	s.pickups[id] = struct{}{}
	r := s.reactor
	s.mu.Unlock()
	return r.Wakeup()
}

// ExplicitRequestHandle forces an out-of-band pump of every session.
func (s *Scheduler) ExplicitRequestHandle() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errdefs.ErrSchedulerStopped
	}
	s.fullPass = true
	r := s.reactor
	s.mu.Unlock()
	return r.Wakeup()
}

// Watch registers h for the session behind id. Loop only.
func (s *Scheduler) Watch(id arena.ID, h *sockets.Handle, mask reactor.Interest) error {
	if err := s.reactor.Register(h, &sessionListener{s: s, id: id}, mask); err != nil {
		return err
	}
	s.watched[id] = append(s.watched[id], h)
	return nil
}

// WatchListener registers h with an arbitrary listener. Loop only.
func (s *Scheduler) WatchListener(h *sockets.Handle, l reactor.Listener, mask reactor.Interest) error {
	return s.reactor.Register(h, l, mask)
}

// UpdateInterest changes the mask of a watched socket. Loop only.
func (s *Scheduler) UpdateInterest(h *sockets.Handle, mask reactor.Interest) error {
	return s.reactor.UpdateInterest(h, mask)
}

// Unwatch deregisters h. Loop only.
func (s *Scheduler) Unwatch(h *sockets.Handle) {
	if err := s.reactor.Unregister(h); err != nil {
		logrus.Debugf("scheduler: unwatch %s: %v", h, err)
	}
	for id, hs := range s.watched {
		for i, w := range hs {
			if w == h {
				s.watched[id] = append(hs[:i], hs[i+1:]...)
				if len(s.watched[id]) == 0 {
					delete(s.watched, id)
				}
				return
			}
		}
	}
}

// EnqueueWrite queues data for h. Safe from any goroutine.
func (s *Scheduler) EnqueueWrite(h *sockets.Handle, data []byte) error {
	s.mu.Lock()
	r, running := s.reactor, s.running
	s.mu.Unlock()
	if !running {
		return errdefs.ErrSchedulerStopped
	}
	return r.EnqueueWrite(h, data)
}

func (s *Scheduler) loop(r *reactor.Reactor, done chan struct{}) {
	defer close(done)
	next := time.Now().Add(s.tick)
	for {
		r.RunOnce(max(time.Until(next), 0))
		if r.Stopped() {
			return
		}
		s.handoff()
		if now := time.Now(); !now.Before(next) {
			s.tickOnce(now)
			next = now.Add(s.tick)
		}
	}
}

func (s *Scheduler) handoff() {
	s.mu.Lock()
	requests := s.requests
	s.requests = nil
	var pickups []arena.ID
	for id := range s.pickups {
		pickups = append(pickups, id)
	}
	clear(s.pickups)
	full := s.fullPass
	s.fullPass = false
	s.mu.Unlock()

	for _, fn := range requests {
		s.guard("request", fn)
	}
	now := time.Now()
	if full {
		s.tickOnce(now)
		return
	}
	for _, id := range pickups {
		if sess := s.sessions.Get(id); sess != nil {
			s.guard("pickup", func() { sess.Pump(now) })
		}
	}
}

func (s *Scheduler) tickOnce(now time.Time) {
	pruned := s.sessions.Sweep(func(id arena.ID, sess *session.Session) {
		s.guard("tick", func() { sess.Pump(now) })
	})
	for _, id := range pruned {
		logrus.Debugf("scheduler: pruned collected session %s", id)
		s.forget(id, true)
	}
}

// forget drops the sockets watched for id. Sockets of collected sessions
// have no other owner and are closed here.
func (s *Scheduler) forget(id arena.ID, closeSockets bool) {
	for _, h := range s.watched[id] {
		if s.reactor.Registered(h) {
			_ = s.reactor.Unregister(h)
		}
		if closeSockets {
			sockets.CloseSocket(h)
		}
	}
	delete(s.watched, id)
}

func (s *Scheduler) guard(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logrus.Errorf("scheduler: %s panicked: %v\n%s", what, p, debug.Stack())
		}
	}()
	fn()
}

type sessionListener struct {
	s  *Scheduler
	id arena.ID
}

func (l *sessionListener) OnReadiness(h *sockets.Handle, ready reactor.Interest) {
	sess := l.s.sessions.Get(l.id)
	if sess == nil {
		l.s.Unwatch(h)
		return
	}
	sess.HandleIO(h, ready)
	sess.Pump(time.Now())
}

func (l *sessionListener) OnSocketClosed(h *sockets.Handle, err error) {
	l.s.Unwatch(h)
	sess := l.s.sessions.Get(l.id)
	if sess == nil {
		return
	}
	sess.HandleClosed(h, err)
	sess.Pump(time.Now())
}

var _ session.Loop = (*Scheduler)(nil)
