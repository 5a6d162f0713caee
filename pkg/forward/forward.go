// Package forward implements local port forwarding over an authenticated
// session: a loopback listener watched by the scheduler's reactor, each
// accepted client bridged to a direct-tcpip stream on the remote side.
package forward

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/reactor"
	"remoteshell/pkg/scheduler"
	"remoteshell/pkg/session"
	"remoteshell/pkg/sockets"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Handle is a running forward.
type Handle struct {
	id     uuid.UUID
	sess   *session.Session
	sched  *scheduler.Scheduler
	target string
	host   string
	port   int
	bound  int

	listeners []*sockets.Handle

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
	err   error
}

// StartLocal listens on localPort on the loopback addresses and forwards every
// accepted connection to targetHost:targetPort as seen from the remote host.
// The forward stops when continuation returns false, on Cancel, or once the
// session is no longer authenticated. continuation may be nil.
func StartLocal(sess *session.Session, sched *scheduler.Scheduler, localPort int, targetHost string, targetPort int, continuation func() bool) (*Handle, error) {
	if !sess.IsAuthenticated() {
		return nil, fmt.Errorf("%w: forward needs an authenticated session", errdefs.ErrInvalidState)
	}
	if !sockets.ValidatePort(targetPort) || targetHost == "" {
		return nil, fmt.Errorf("%w: invalid target %s:%d", errdefs.ErrInvalidConfig, targetHost, targetPort)
	}

	v4, v6, err := sockets.CreateListener(localPort, sockets.WithLoopback())
	if err != nil {
		return nil, err
	}
	var listeners []*sockets.Handle
	for _, l := range []*sockets.Handle{v4, v6} {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	bound, err := sockets.BoundPort(listeners[0])
	if err != nil {
		closeAll(listeners)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:        uuid.New(),
		sess:      sess,
		sched:     sched,
		host:      targetHost,
		port:      targetPort,
		target:    net.JoinHostPort(targetHost, strconv.Itoa(targetPort)),
		bound:     bound,
		listeners: listeners,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}

	watched := make(chan error, 1)
	if err := sched.Submit(func() {
		for _, l := range listeners {
			if err := sched.WatchListener(l, h, reactor.Read|reactor.Error); err != nil {
				for _, w := range listeners {
					sched.Unwatch(w)
				}
				watched <- err
				return
			}
		}
		watched <- nil
	}); err != nil {
		cancel()
		closeAll(listeners)
		return nil, err
	}
	if err := <-watched; err != nil {
		cancel()
		closeAll(listeners)
		return nil, err
	}

	go h.monitor(continuation)
	logrus.Infof("forward %s: 127.0.0.1:%d -> %s", h.id, bound, h.target)
	return h, nil
}

func (h *Handle) ID() uuid.UUID { return h.id }

// BoundPort is the local port clients connect to.
func (h *Handle) BoundPort() int { return h.bound }

// Done is closed once the forward stopped and every bridge finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the reason the forward stopped, nil after Cancel.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Active returns the number of bridged connections.
func (h *Handle) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Cancel stops the forward and waits for every bridge to finish. It must not
// be called from the scheduler loop.
func (h *Handle) Cancel() {
	h.stop(nil)
	<-h.done
}

func (h *Handle) stop(cause error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = cause
		for c := range h.conns {
			_ = c.Close()
		}
		h.mu.Unlock()
		h.cancel()

		closed := make(chan struct{})
		release := func() {
			for _, l := range h.listeners {
				h.sched.Unwatch(l)
			}
			closeAll(h.listeners)
			close(closed)
		}
		if err := h.sched.Submit(release); err != nil {
			closeAll(h.listeners)
			close(closed)
		}

		go func() {
			<-closed
			h.wg.Wait()
			if cause != nil {
				logrus.Warnf("forward %s stopped: %v", h.id, cause)
			} else {
				logrus.Infof("forward %s stopped", h.id)
			}
			close(h.done)
		}()
	})
}

func (h *Handle) monitor(continuation func() bool) {
	ticker := time.NewTicker(4 * define.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if !h.sess.IsAuthenticated() {
				h.stop(fmt.Errorf("%w: session is %s", errdefs.ErrDisconnected, h.sess.State()))
				return
			}
			if continuation != nil && !continuation() {
				h.stop(nil)
				return
			}
		}
	}
}

// OnReadiness accepts pending clients. Runs on the scheduler loop.
func (h *Handle) OnReadiness(l *sockets.Handle, ready reactor.Interest) {
	for {
		client, peer, err := sockets.Accept(l)
		if err != nil {
			if !sockets.IsWouldBlock(err) {
				logrus.Warnf("forward %s: accept: %v", h.id, err)
			}
			return
		}
		conn, err := sockets.ToConn(client)
		if err != nil {
			logrus.Warnf("forward %s: adopt %s: %v", h.id, peer, err)
			continue
		}
		if !h.track(conn) {
			_ = conn.Close()
			return
		}
		logrus.Debugf("forward %s: accepted %s", h.id, peer)
		go h.bridge(conn)
	}
}

// OnSocketClosed stops the forward when a listener fails.
func (h *Handle) OnSocketClosed(l *sockets.Handle, err error) {
	go h.stop(errdefs.Wrap(errdefs.ErrIO, err))
}

func (h *Handle) track(c net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handle) untrack(c net.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Handle) bridge(local net.Conn) {
	defer h.untrack(local)
	defer local.Close()

	remote, err := h.sess.DialRemote(h.ctx, h.host, h.port)
	if err != nil {
		logrus.Warnf("forward %s: %v", h.id, errors.Wrapf(err, "dial %s", h.target))
		return
	}
	defer remote.Close()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(remote, local)
		closeWrite(remote)
		return errors.Wrap(err, "local to remote")
	})
	g.Go(func() error {
		_, err := io.Copy(local, remote)
		closeWrite(local)
		return errors.Wrap(err, "remote to local")
	})
	if err := g.Wait(); err != nil && h.ctx.Err() == nil {
		logrus.Debugf("forward %s: %v", h.id, err)
	}
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

func closeAll(hs []*sockets.Handle) {
	for _, h := range hs {
		sockets.CloseSocket(h)
	}
}

var _ reactor.Listener = (*Handle)(nil)
