package sockets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"remoteshell/pkg/errdefs"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	afInet  = unix.AF_INET
	afInet6 = unix.AF_INET6

	pollSlice = 100 * time.Millisecond
)

func sockaddr(ip net.IP, port int) (int, unix.Sockaddr) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return afInet, sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return afInet6, sa
}

func newSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// OpenNonBlocking creates a non-blocking socket and starts connecting it to
// ip:port. The connection is usually still in progress when it returns; use
// CheckConnect or WaitConnect to learn the outcome.
func OpenNonBlocking(ip net.IP, port int) (*Handle, error) {
	family, sa := sockaddr(ip, port)
	fd, err := newSocket(family)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIO, err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	for {
		err = unix.Connect(fd, sa)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil && !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EALREADY) {
		_ = unix.Close(fd)
		return nil, classifyConnect(err)
	}
	return newHandle(fd, family), nil
}

// CheckConnect polls an in-progress connect without blocking. done is false
// while the handshake is still pending.
func CheckConnect(h *Handle) (done bool, err error) {
	if !h.Valid() {
		return true, fmt.Errorf("%w: %s is closed", errdefs.ErrIO, h)
	}
	fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return true, errdefs.Wrap(errdefs.ErrIO, err)
	}
	if n == 0 {
		return false, nil
	}
	return true, socketError(h)
}

// WaitConnect blocks until the in-progress connect on h completes, timeout
// elapses or ctx is done.
func WaitConnect(ctx context.Context, h *Handle, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return errdefs.Wrap(errdefs.ErrConnectTimeout, err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: after %s", errdefs.ErrConnectTimeout, timeout)
		}
		slice := min(remaining, pollSlice)

		fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(slice/time.Millisecond)+1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errdefs.Wrap(errdefs.ErrIO, err)
		}
		if n > 0 {
			return socketError(h)
		}
	}
}

func socketError(h *Handle) error {
	soerr, err := unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrIO, err)
	}
	if soerr != 0 {
		return classifyConnect(unix.Errno(soerr))
	}
	return nil
}

func classifyConnect(err error) error {
	switch {
	case errors.Is(err, unix.ECONNREFUSED),
		errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.ENETUNREACH),
		errors.Is(err, unix.EHOSTUNREACH):
		return errdefs.Wrap(errdefs.ErrConnectRefused, err)
	case errors.Is(err, unix.ETIMEDOUT):
		return errdefs.Wrap(errdefs.ErrConnectTimeout, err)
	default:
		return errdefs.Wrap(errdefs.ErrIO, err)
	}
}

// Connect resolves host and tries each address in order, bounding every
// attempt by timeout. It returns the first connected, non-blocking socket
// together with the address it reached.
func Connect(ctx context.Context, host string, port int, timeout time.Duration) (*Handle, string, error) {
	if !ValidatePort(port) {
		return nil, "", fmt.Errorf("%w: invalid port %d", errdefs.ErrInvalidConfig, port)
	}
	ips, err := ResolveAddresses(ctx, host)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for _, ip := range ips {
		h, err := OpenNonBlocking(ip, port)
		if err == nil {
			err = WaitConnect(ctx, h, timeout)
		}
		if err != nil {
			CloseSocket(h)
			logrus.Debugf("sockets: connect %s port %d: %v", ip, port, err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return h, ip.String(), nil
	}
	if lastErr == nil {
		lastErr = errdefs.ErrConnectTimeout
	}
	return nil, "", lastErr
}
