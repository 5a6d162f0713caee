package session

import (
	"bytes"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// transport is the net.Conn handed to the engine. Inbound bytes are fed by
// the pump after it reads the socket; outbound bytes go to the reactor
// write queue. The engine never sees the descriptor.
type transport struct {
	mu           sync.Mutex
	cond         *sync.Cond
	buf          bytes.Buffer
	err          error
	readDeadline time.Time
	timer        *time.Timer

	write  func([]byte) error
	local  net.Addr
	remote net.Addr
}

func newTransport(write func([]byte) error, local, remote net.Addr) *transport {
	t := &transport{write: write, local: local, remote: remote}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// feed appends bytes read from the socket.
func (t *transport) feed(p []byte) {
	t.mu.Lock()
	if t.err == nil {
		t.buf.Write(p)
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

// buffered returns the number of fed bytes the engine has not read yet.
func (t *transport) buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}

// fail makes pending and future reads return err once buffered data is
// consumed. The first error wins.
func (t *transport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.buf.Len() == 0 {
		if t.err != nil {
			return 0, t.err
		}
		if !t.readDeadline.IsZero() && !time.Now().Before(t.readDeadline) {
			return 0, os.ErrDeadlineExceeded
		}
		t.cond.Wait()
	}
	return t.buf.Read(p)
}

func (t *transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	err := t.err
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := t.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *transport) Close() error {
	t.fail(net.ErrClosed)
	return nil
}

func (t *transport) LocalAddr() net.Addr  { return t.local }
func (t *transport) RemoteAddr() net.Addr { return t.remote }

func (t *transport) SetDeadline(d time.Time) error {
	return t.SetReadDeadline(d)
}

func (t *transport) SetReadDeadline(d time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readDeadline = d
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !d.IsZero() {
		t.timer = time.AfterFunc(time.Until(d), t.cond.Broadcast)
	}
	return nil
}

// SetWriteDeadline is accepted and ignored; writes never block.
func (t *transport) SetWriteDeadline(time.Time) error {
	return nil
}

var _ net.Conn = (*transport)(nil)

// eofOr maps a nil cause to io.EOF for the transport.
func eofOr(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}
