package reactor

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/sockets"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

// Listener receives readiness notifications for a registered socket. Calls
// happen on the goroutine running RunOnce. Errored and peer-closed sockets
// are unregistered and reported through OnSocketClosed.
type Listener interface {
	OnReadiness(h *sockets.Handle, ready Interest)
	OnSocketClosed(h *sockets.Handle, err error)
}

type registration struct {
	h        *sockets.Handle
	listener Listener
	seq      uint64

	// interest is what the owner asked for, armed what the poller has.
	// They differ by Write while queued data is pending.
	interest Interest
	armed    Interest

	writes *queue.Queue
	offset int
}

// Reactor multiplexes readiness of registered sockets and owns their
// outbound write queues.
//
// Register, UpdateInterest, Unregister and RunOnce must be called from a
// single goroutine. EnqueueWrite, Wakeup and Stop are safe from any goroutine.
type Reactor struct {
	poller    poller
	maxEvents int

	mu    sync.Mutex
	regs  map[int]*registration
	dirty map[int]struct{}
	seq   uint64

	stopped atomic.Bool
	events  []event
}

type Option func(*Reactor)

// WithMaxEvents bounds the readiness events collected per RunOnce.
func WithMaxEvents(n int) Option {
	return func(r *Reactor) {
		if n > 0 {
			r.maxEvents = n
		}
	}
}

// New returns a reactor backed by the platform poller.
func New(opts ...Option) (*Reactor, error) {
	r := &Reactor{
		maxEvents: define.MaxEvents,
		regs:      make(map[int]*registration),
		dirty:     make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	p, err := newPoller(r.maxEvents)
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}
	r.poller = p
	r.events = make([]event, 0, r.maxEvents)
	return r, nil
}

// Register starts watching h for mask and routes its notifications to l.
func (r *Reactor) Register(h *sockets.Handle, l Listener, mask Interest) error {
	if !h.Valid() {
		return fmt.Errorf("%w: %s", errdefs.ErrInvalidState, h)
	}
	if l == nil {
		return errors.New("reactor: nil listener")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[h.FD()]; ok {
		return fmt.Errorf("%w: %s", errdefs.ErrAlreadyRegistered, h)
	}
	if err := r.poller.add(h.FD(), mask); err != nil {
		return errdefs.Wrap(errdefs.ErrIO, err)
	}
	r.seq++
	r.regs[h.FD()] = &registration{
		h:        h,
		listener: l,
		seq:      r.seq,
		interest: mask,
		armed:    mask,
		writes:   queue.New(),
	}
	return nil
}

// UpdateInterest replaces the interest mask of h. Setting the current mask
// again does nothing.
func (r *Reactor) UpdateInterest(h *sockets.Handle, mask Interest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.lookup(h)
	if !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrNotRegistered, h)
	}
	if reg.interest == mask {
		return nil
	}
	reg.interest = mask
	return r.rearm(reg)
}

// Unregister stops watching h and discards its queued writes. The socket
// itself stays open.
func (r *Reactor) Unregister(h *sockets.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.lookup(h)
	if !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrNotRegistered, h)
	}
	r.drop(reg)
	return nil
}

// Registered reports whether h is currently watched.
func (r *Reactor) Registered(h *sockets.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lookup(h)
	return ok
}

// Pending returns the number of queued bytes not yet written to h.
func (r *Reactor) Pending(h *sockets.Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.lookup(h)
	if !ok {
		return 0
	}
	total := -reg.offset
	for i := 0; i < reg.writes.Length(); i++ {
		total += len(reg.writes.Get(i).([]byte))
	}
	return total
}

// EnqueueWrite appends data to the write queue of h. Bytes reach the socket
// in enqueue order as it becomes writable.
func (r *Reactor) EnqueueWrite(h *sockets.Handle, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf := slices.Clone(data)

	r.mu.Lock()
	reg, ok := r.lookup(h)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", errdefs.ErrNotRegistered, h)
	}
	reg.writes.Add(buf)
	arm := reg.armed&Write == 0
	if arm {
		r.dirty[h.FD()] = struct{}{}
	}
	r.mu.Unlock()

	if arm {
		return r.Wakeup()
	}
	return nil
}

// Wakeup interrupts a RunOnce blocked in the poller.
func (r *Reactor) Wakeup() error {
	return r.poller.wake()
}

// Stop makes every current and future RunOnce return without dispatching.
func (r *Reactor) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		_ = r.poller.wake()
	}
}

// Stopped reports whether Stop was called.
func (r *Reactor) Stopped() bool {
	return r.stopped.Load()
}

// Close releases the poller. Registered sockets are not closed.
func (r *Reactor) Close() error {
	r.Stop()
	r.mu.Lock()
	for _, reg := range r.regs {
		reg.writes = queue.New()
	}
	clear(r.regs)
	clear(r.dirty)
	r.mu.Unlock()
	return r.poller.close()
}

// RunOnce waits up to maxWait for readiness and dispatches it. A negative
// maxWait blocks until an event or a wakeup arrives. It returns the number
// of sockets that saw activity.
func (r *Reactor) RunOnce(maxWait time.Duration) int {
	if r.stopped.Load() {
		return 0
	}

	r.mu.Lock()
	for fd := range r.dirty {
		if reg, ok := r.regs[fd]; ok {
			if err := r.rearm(reg); err != nil {
				logrus.Debugf("reactor: rearm fd %d: %v", fd, err)
			}
		}
	}
	clear(r.dirty)
	r.mu.Unlock()

	events, err := r.poller.wait(maxWait, r.events[:0])
	if err != nil {
		logrus.Warnf("reactor: poll: %v", err)
		return 0
	}
	if r.stopped.Load() || len(events) == 0 {
		return 0
	}

	type ready struct {
		reg   *registration
		ready Interest
	}
	batch := make([]ready, 0, len(events))
	r.mu.Lock()
	for _, ev := range events {
		if reg, ok := r.regs[ev.fd]; ok {
			batch = append(batch, ready{reg, ev.ready})
		}
	}
	r.mu.Unlock()
	slices.SortFunc(batch, func(a, b ready) int {
		return cmp.Compare(a.reg.seq, b.reg.seq)
	})

	for _, b := range batch {
		if r.stopped.Load() {
			break
		}
		r.dispatch(b.reg, b.ready)
	}
	return len(batch)
}

func (r *Reactor) dispatch(reg *registration, ready Interest) {
	if !r.current(reg) {
		return
	}

	if ready&Write != 0 {
		if err := r.flush(reg); err != nil {
			r.closeRegistration(reg, errdefs.Wrap(errdefs.ErrIO, err))
			return
		}
		if reg.interest&Write != 0 {
			r.notify(reg, Write)
			if !r.current(reg) {
				return
			}
		}
	}

	// An errored socket is always dropped. Readable data that arrived with
	// the error is still delivered first.
	if ready&Error != 0 {
		if ready&Read != 0 && reg.interest&Read != 0 {
			r.notify(reg, Read)
		}
		r.closeRegistration(reg, errdefs.ErrIO)
		return
	}
	if ready&Read == 0 {
		return
	}
	if sockets.PeerClosed(reg.h) {
		r.closeRegistration(reg, errdefs.ErrDisconnected)
		return
	}
	if reg.interest&Read != 0 {
		r.notify(reg, Read)
	}
}

// flush writes queued data until the queue is empty or the socket would
// block. Queue-induced Write interest is dropped once flushed.
func (r *Reactor) flush(reg *registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for reg.writes.Length() > 0 {
		buf := reg.writes.Peek().([]byte)
		n, err := sockets.Write(reg.h, buf[reg.offset:])
		reg.offset += n
		if reg.offset >= len(buf) {
			reg.writes.Remove()
			reg.offset = 0
		}
		if err != nil {
			if sockets.IsWouldBlock(err) {
				return nil
			}
			return err
		}
	}
	if reg.armed != reg.interest {
		r.dirty[reg.h.FD()] = struct{}{}
	}
	return nil
}

func (r *Reactor) notify(reg *registration, ready Interest) {
	defer func() {
		if p := recover(); p != nil {
			logrus.Errorf("reactor: listener panicked on %s %s: %v", reg.h, ready, p)
		}
	}()
	reg.listener.OnReadiness(reg.h, ready)
}

func (r *Reactor) closeRegistration(reg *registration, cause error) {
	r.mu.Lock()
	ok := r.regs[reg.h.FD()] == reg
	if ok {
		r.drop(reg)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	logrus.Debugf("reactor: %s closed: %v", reg.h, cause)
	defer func() {
		if p := recover(); p != nil {
			logrus.Errorf("reactor: listener panicked on close of %s: %v", reg.h, p)
		}
	}()
	reg.listener.OnSocketClosed(reg.h, cause)
}

func (r *Reactor) current(reg *registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[reg.h.FD()] == reg
}

// lookup expects r.mu held.
func (r *Reactor) lookup(h *sockets.Handle) (*registration, bool) {
	if h == nil {
		return nil, false
	}
	reg, ok := r.regs[h.FD()]
	if !ok || reg.h != h {
		return nil, false
	}
	return reg, true
}

// rearm expects r.mu held.
func (r *Reactor) rearm(reg *registration) error {
	want := reg.interest
	if reg.writes.Length() > 0 {
		want |= Write
	}
	if want == reg.armed {
		return nil
	}
	if err := r.poller.modify(reg.h.FD(), want); err != nil {
		return errdefs.Wrap(errdefs.ErrIO, err)
	}
	reg.armed = want
	return nil
}

// drop expects r.mu held.
func (r *Reactor) drop(reg *registration) {
	fd := reg.h.FD()
	delete(r.regs, fd)
	delete(r.dirty, fd)
	reg.writes = queue.New()
	reg.offset = 0
	if err := r.poller.remove(fd); err != nil {
		logrus.Debugf("reactor: remove fd %d: %v", fd, err)
	}
}
