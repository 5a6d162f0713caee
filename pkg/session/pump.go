package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/reactor"
	"remoteshell/pkg/sockets"

	"github.com/sirupsen/logrus"
)

// maxBuffered is how many unread inbound bytes the transport may hold
// before the pump stops reading the socket.
const maxBuffered = 4 * define.BufferSize

// HandleIO consumes readiness for the session socket. Loop only.
func (s *Session) HandleIO(h *sockets.Handle, ready reactor.Interest) {
	if h != s.handle || s.conn == nil || ready&reactor.Read == 0 {
		return
	}
	if s.readBuf == nil {
		s.readBuf = make([]byte, define.BufferSize)
	}
	for total := 0; total < define.BufferSize; {
		n, err := sockets.Read(h, s.readBuf)
		if err != nil {
			if sockets.IsWouldBlock(err) {
				return
			}
			s.fail(errdefs.Wrap(errdefs.ErrIO, err))
			return
		}
		if n == 0 {
			s.fail(errdefs.Wrap(errdefs.ErrIO, errdefs.ErrDisconnected))
			return
		}
		s.conn.feed(s.readBuf[:n])
		total += n
	}
}

// HandleClosed is called when the reactor dropped the session socket.
// Loop only.
func (s *Session) HandleClosed(h *sockets.Handle, cause error) {
	if h != s.handle || s.state.Terminal() {
		return
	}
	if s.state == Connecting && s.conn == nil && s.op != nil {
		_, err := sockets.CheckConnect(h)
		if err == nil {
			err = errdefs.Wrap(errdefs.ErrConnectRefused, cause)
		}
		s.dropAttempt(s.op, err)
		s.dialNext(s.op)
		return
	}
	s.fail(errdefs.Wrap(errdefs.ErrIO, cause))
}

// Pump advances the session by one step. Loop only.
func (s *Session) Pump(now time.Time) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.disconnect != nil {
		op := s.disconnect
		s.mu.Unlock()
		s.shutdown(op)
		return
	}
	if s.op == nil && s.pending != nil {
		s.op, s.pending = s.pending, nil
	}
	op := s.op
	var abort error
	if op != nil {
		abort = op.abort
	}
	s.mu.Unlock()

	if op != nil {
		if abort != nil {
			s.abortOp(op, abort)
		} else {
			s.advance(op, now)
		}
	}
	if s.state.Terminal() {
		return
	}
	s.keepalive(now)
	s.syncInterest()
}

func (s *Session) advance(op *operation, now time.Time) {
	switch op.kind {
	case opConnect:
		s.advanceConnect(op, now)
	case opAuth:
		s.advanceAuth(op, now)
	case opExec, opShell:
		s.advanceChannel(op, now)
	default:
		s.complete(op, fmt.Errorf("%w: unexpected %s", errdefs.ErrInvalidState, op.kind))
	}
}

func (s *Session) advanceConnect(op *operation, now time.Time) {
	if !op.started {
		if s.state != Idle {
			s.complete(op, fmt.Errorf("%w: connect while %s", errdefs.ErrInvalidState, s.state))
			return
		}
		op.started = true
		op.deadline = now.Add(s.ep.Timeout)
		s.setState(Resolving)
		go s.resolve(op)
		return
	}
	if now.After(op.deadline) {
		s.fail(fmt.Errorf("%w: %s not reached within %s", errdefs.ErrConnectTimeout, s.ep, s.ep.Timeout))
		return
	}

	switch s.state {
	case Resolving:
		s.mu.Lock()
		resolved, err := op.resolved, op.resolveErr
		s.mu.Unlock()
		if !resolved {
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		s.setState(Connecting)
		s.dialNext(op)
	case Connecting:
		if s.handle == nil {
			return
		}
		if s.conn == nil {
			done, err := sockets.CheckConnect(s.handle)
			if !done {
				return
			}
			if err != nil {
				s.dropAttempt(op, err)
				s.dialNext(op)
				return
			}
			s.attach(op)
		}
		s.stepHandshake(op)
	}
}

func (s *Session) resolve(op *operation) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ep.Timeout)
	defer cancel()
	addrs, err := sockets.ResolveAddresses(ctx, s.ep.Host)
	if err != nil && ctx.Err() != nil && !errors.Is(err, errdefs.ErrResolution) {
		err = errdefs.Wrap(errdefs.ErrConnectTimeout, err)
	}

	s.mu.Lock()
	op.resolved, op.resolveErr, op.addrs = true, err, addrs
	slot := s.slot
	s.mu.Unlock()
	if err := s.loop.RequestStatusPickup(slot); err != nil {
		logrus.Debugf("session %s: pickup after resolve: %v", s.id, err)
	}
}

// dialNext starts a connect attempt on the next resolved address, or fails
// the session once every address was tried.
func (s *Session) dialNext(op *operation) {
	for op.next < len(op.addrs) {
		ip := op.addrs[op.next]
		op.next++
		h, err := sockets.OpenNonBlocking(ip, s.ep.Port)
		if err != nil {
			logrus.Debugf("session %s: connect %s: %v", s.id, ip, err)
			op.lastErr = err
			continue
		}
		mask := reactor.Write | reactor.Error
		if err := s.loop.Watch(s.Slot(), h, mask); err != nil {
			sockets.CloseSocket(h)
			op.lastErr = err
			continue
		}
		s.handle, s.interest, op.addr = h, mask, ip.String()
		return
	}
	err := op.lastErr
	if err == nil {
		err = fmt.Errorf("%w: no usable address for %s", errdefs.ErrConnectRefused, s.ep.Host)
	}
	s.fail(err)
}

func (s *Session) dropAttempt(op *operation, err error) {
	logrus.Debugf("session %s: connect %s: %v", s.id, op.addr, err)
	op.lastErr = err
	if s.handle != nil {
		s.loop.Unwatch(s.handle)
		sockets.CloseSocket(s.handle)
		s.handle = nil
	}
}

// attach wraps the connected socket in a transport and starts the
// identification exchange.
func (s *Session) attach(op *operation) {
	h, loop := s.handle, s.loop
	write := func(p []byte) error {
		return loop.EnqueueWrite(h, p)
	}
	var local, remote net.Addr
	if port, err := sockets.BoundPort(h); err == nil {
		local = &net.TCPAddr{Port: port}
	}
	remote = &net.TCPAddr{IP: net.ParseIP(op.addr), Port: s.ep.Port}

	s.conn = newTransport(write, local, remote)
	s.res.conn.Store(s.conn)
	op.stepper = s.engine.Handshake(s.conn, net.JoinHostPort(s.ep.Host, fmt.Sprint(s.ep.Port)))

	s.mu.Lock()
	s.resolvedAddr = op.addr
	s.mu.Unlock()
	s.syncInterest()
}

func (s *Session) stepHandshake(op *operation) {
	res, err := op.stepper.Step(op.deadline)
	switch res {
	case Finished:
		op.stepper = nil
		s.setState(Connected)
		logrus.Infof("session %s: connected to %s (%s)", s.id, s.ep, op.addr)
		s.complete(op, nil)
	case StepError:
		s.fail(errdefs.Wrap(errdefs.ErrProtocol, err))
	}
}

func (s *Session) advanceAuth(op *operation, now time.Time) {
	if !op.started {
		if s.state != Connected || s.authenticated {
			s.complete(op, fmt.Errorf("%w: authenticate while %s", errdefs.ErrInvalidState, s.state))
			return
		}
		op.started = true
		op.deadline = now.Add(s.ep.AuthTimeout)
		s.setState(Authenticating)
		op.stepper = s.engine.Authenticate(op.creds)
	}

	res, err := op.stepper.Step(op.deadline)
	switch res {
	case Finished:
		s.mu.Lock()
		s.authenticated = true
		s.mu.Unlock()
		s.setState(Authenticated)
		s.kaLast = now
		logrus.Infof("session %s: authenticated as %s", s.id, op.creds.User)
		s.complete(op, nil)
		return
	case StepError:
		s.fail(errdefs.Wrap(errdefs.ErrAuthentication, err))
		return
	}
	if now.After(op.deadline) {
		s.fail(fmt.Errorf("%w: handshake did not finish within %s", errdefs.ErrAuthentication, s.ep.AuthTimeout))
	}
}

func (s *Session) advanceChannel(op *operation, now time.Time) {
	if !op.started {
		if !s.authenticated || (s.state != Authenticated && s.state != Connected) {
			s.complete(op, fmt.Errorf("%w: %s while %s", errdefs.ErrInvalidState, op.kind, s.state))
			return
		}
		op.started = true
		if op.kind == opExec {
			op.deadline = now.Add(op.execTimeout)
			op.channel = s.engine.OpenExec(op.command)
			s.setState(Executing)
		} else {
			op.channel = s.engine.OpenShell(op.shell.PTY)
			s.setState(ShellOpen)
		}
	}
	ch := op.channel

	if cont := op.shell.Continuation; cont != nil && !cont() {
		ch.Cancel()
		s.finishChannel(op, errdefs.ErrCancelledByCaller)
		return
	}

	if op.kind == opShell {
		if size := op.shell.TerminalSize; size != nil {
			if w, h := size(); w > 0 && h > 0 && (w != op.width || h != op.height) {
				op.width, op.height = w, h
				ch.Resize(w, h)
			}
		}
		if write := op.shell.WriteData; write != nil {
			if p := write(); len(p) > 0 {
				ch.Write(p)
			}
		}
	}

	s.deliverOutput(op)
	res, err := ch.Step(op.deadline)
	switch res {
	case Finished:
		s.deliverOutput(op)
		op.exit = ch.ExitStatus()
		s.finishChannel(op, nil)
		return
	case StepError:
		s.fail(errdefs.Wrap(errdefs.ErrProtocol, err))
		return
	}
	if op.kind == opExec && now.After(op.deadline) {
		ch.Cancel()
		s.fail(fmt.Errorf("%w: %q did not finish within %s", errdefs.ErrChannelTimeout, op.command, op.execTimeout))
	}
}

func (s *Session) deliverOutput(op *operation) {
	out := op.channel.Drain()
	if len(out) > 0 && op.shell.OnOutput != nil {
		op.shell.OnOutput(string(out))
	}
}

func (s *Session) finishChannel(op *operation, err error) {
	s.setState(Connected)
	if err != nil {
		logrus.Debugf("session %s: %s ended: %v", s.id, op.kind, err)
	}
	s.complete(op, err)
}

func (s *Session) abortOp(op *operation, cause error) {
	if !op.started {
		s.complete(op, cause)
		return
	}
	switch op.kind {
	case opExec, opShell:
		op.channel.Cancel()
		s.finishChannel(op, cause)
	default:
		s.fail(cause)
	}
}

func (s *Session) keepalive(now time.Time) {
	if !s.authenticated || s.keepaliveInterval <= 0 {
		return
	}
	if s.ka != nil {
		res, err := s.ka.Step(time.Time{})
		switch res {
		case Finished:
			s.ka, s.kaFailures = nil, 0
		case StepError:
			s.ka = nil
			s.keepaliveFailed(err)
		default:
			if now.Sub(s.kaLast) >= s.keepaliveInterval {
				s.kaLast = now
				s.keepaliveFailed(errors.New("no reply"))
			}
		}
		return
	}
	if now.Sub(s.kaLast) >= s.keepaliveInterval {
		s.kaLast = now
		s.ka = s.engine.Keepalive()
	}
}

func (s *Session) keepaliveFailed(err error) {
	s.kaFailures++
	logrus.Debugf("session %s: keepalive failed (%d/%d): %v", s.id, s.kaFailures, s.keepaliveTolerance, err)
	if s.kaFailures > s.keepaliveTolerance {
		s.fail(fmt.Errorf("%w: %d consecutive keepalive failures", errdefs.ErrIO, s.kaFailures))
	}
}

func (s *Session) syncInterest() {
	if s.handle == nil {
		return
	}
	want := reactor.Error
	if s.conn == nil {
		want |= reactor.Write
	} else {
		st := s.activeStepper()
		if s.conn.buffered() < maxBuffered && (st == nil || st.WantsRead()) {
			want |= reactor.Read
		}
		if st != nil && st.WantsWrite() {
			want |= reactor.Write
		}
	}
	if want == s.interest {
		return
	}
	if err := s.loop.UpdateInterest(s.handle, want); err != nil {
		logrus.Debugf("session %s: update interest: %v", s.id, err)
		return
	}
	s.interest = want
}

func (s *Session) activeStepper() Stepper {
	op := s.op
	switch {
	case op == nil:
		return nil
	case op.channel != nil:
		return op.channel
	case op.stepper != nil:
		return op.stepper
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		logrus.Debugf("session %s: %s -> %s", s.id, prev, st)
	}
}

// complete publishes the result of op and wakes its waiter.
func (s *Session) complete(op *operation, err error) {
	s.mu.Lock()
	if s.op == op {
		s.op = nil
	}
	if s.pending == op {
		s.pending = nil
	}
	if s.disconnect == op {
		s.disconnect = nil
	}
	s.mu.Unlock()

	select {
	case <-op.done:
		return
	default:
	}
	op.err = err
	close(op.done)
}

// fail moves the session to Failed and releases everything it owns.
func (s *Session) fail(cause error) {
	if s.state.Terminal() {
		return
	}
	logrus.Warnf("session %s: %v", s.id, cause)
	s.mu.Lock()
	s.lastErr = cause
	s.mu.Unlock()
	s.teardown(Failed, cause)
}

func (s *Session) shutdown(op *operation) {
	s.teardown(Disconnected, errdefs.ErrDisconnected)
	logrus.Infof("session %s: disconnected", s.id)
	s.complete(op, nil)
}

// teardown deregisters, then closes, the socket and completes every waiting
// operation with cause. A pending disconnect completes without error.
func (s *Session) teardown(final State, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = final
	ops := []*operation{s.op, s.pending}
	disconnect := s.disconnect
	slot := s.slot
	s.mu.Unlock()
	logrus.Debugf("session %s: %s -> %s", s.id, prev, final)

	if s.op != nil && s.op.channel != nil {
		s.op.channel.Cancel()
	}
	s.ka = nil

	if err := s.engine.Close(); err != nil {
		logrus.Debugf("session %s: close engine: %v", s.id, err)
	}
	if s.conn != nil {
		s.conn.fail(eofOr(cause))
	}
	if s.handle != nil {
		s.loop.Unwatch(s.handle)
		sockets.CloseSocket(s.handle)
		s.handle = nil
	}
	s.loop.Release(slot)

	for _, op := range ops {
		if op != nil {
			s.complete(op, cause)
		}
	}
	if disconnect != nil {
		s.complete(disconnect, nil)
	}
}
