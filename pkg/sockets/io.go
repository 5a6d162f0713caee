package sockets

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"remoteshell/pkg/errdefs"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// CloseSocket closes the descriptor owned by h. It is a no-op for nil or
// already closed handles.
func CloseSocket(h *Handle) {
	if h == nil || h.fd < 0 {
		return
	}
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	if err := unix.Close(h.fd); err != nil {
		logrus.Debugf("sockets: close %s: %v", h, err)
	}
}

// IsWouldBlock reports whether err means the operation would have blocked.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// Read reads at most len(p) bytes. A zero count with a nil error means the
// peer closed the stream.
func Read(h *Handle, p []byte) (int, error) {
	if !h.Valid() {
		return 0, fmt.Errorf("%w: %s is closed", errdefs.ErrIO, h)
	}
	for {
		n, err := unix.Read(h.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Write writes as much of p as the kernel accepts right now.
func Write(h *Handle, p []byte) (int, error) {
	if !h.Valid() {
		return 0, fmt.Errorf("%w: %s is closed", errdefs.ErrIO, h)
	}
	for {
		n, err := unix.Write(h.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// PeerClosed peeks at the socket without consuming data. It reports true
// when the peer performed an orderly shutdown or the socket is in error.
func PeerClosed(h *Handle) bool {
	if !h.Valid() {
		return true
	}
	var b [1]byte
	for {
		n, _, err := unix.Recvfrom(h.fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return !IsWouldBlock(err)
		}
		return n == 0
	}
}

// Accept takes one pending connection from a listening handle. The error
// satisfies IsWouldBlock when nothing is pending.
func Accept(l *Handle) (*Handle, string, error) {
	if !l.Valid() {
		return nil, "", fmt.Errorf("%w: %s is closed", errdefs.ErrIO, l)
	}
	for {
		fd, sa, err := unix.Accept(l.fd)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			return nil, "", errdefs.Wrap(errdefs.ErrIO, err)
		}
		return newHandle(fd, l.family), sockaddrString(sa), nil
	}
}

// BoundPort returns the local port of h.
func BoundPort(h *Handle) (int, error) {
	if !h.Valid() {
		return 0, fmt.Errorf("%w: %s is closed", errdefs.ErrIO, h)
	}
	sa, err := unix.Getsockname(h.fd)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.ErrIO, err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, fmt.Errorf("%w: unexpected address family %T", errdefs.ErrIO, sa)
}

// PeerAddress returns host:port of the remote end of h.
func PeerAddress(h *Handle) (string, error) {
	if !h.Valid() {
		return "", fmt.Errorf("%w: %s is closed", errdefs.ErrIO, h)
	}
	sa, err := unix.Getpeername(h.fd)
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrIO, err)
	}
	return sockaddrString(sa), nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return ""
}

// ToConn hands the descriptor over to the Go runtime as a net.Conn. h is
// closed afterwards and must not be used again.
func ToConn(h *Handle) (net.Conn, error) {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s is closed", errdefs.ErrIO, h)
	}
	f := os.NewFile(uintptr(h.fd), h.String())
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, err)
	}
	return conn, nil
}
