package sockets

import (
	"fmt"

	"remoteshell/pkg/errdefs"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const defaultBacklog = 16

type listenOptions struct {
	loopback bool
	backlog  int
}

// ListenOption customizes CreateListener.
type ListenOption func(*listenOptions)

// WithLoopback binds to 127.0.0.1 and ::1 instead of the wildcard addresses.
func WithLoopback() ListenOption {
	return func(o *listenOptions) {
		o.loopback = true
	}
}

// WithBacklog overrides the listen backlog.
func WithBacklog(n int) ListenOption {
	return func(o *listenOptions) {
		if n > 0 {
			o.backlog = n
		}
	}
}

// CreateListener opens non-blocking IPv4 and IPv6 listeners on localPort.
// Port 0 picks an ephemeral port; the IPv6 listener then reuses the port the
// IPv4 one received. It fails only when neither family could be bound.
func CreateListener(localPort int, opts ...ListenOption) (v4, v6 *Handle, err error) {
	if localPort < 0 || localPort > 65535 {
		return nil, nil, fmt.Errorf("%w: invalid local port %d", errdefs.ErrInvalidConfig, localPort)
	}
	o := listenOptions{backlog: defaultBacklog}
	for _, opt := range opts {
		opt(&o)
	}

	v4, err4 := listenFamily(afInet, localPort, o)
	if err4 != nil {
		logrus.Debugf("sockets: ipv4 listener on port %d: %v", localPort, err4)
	}

	port6 := localPort
	if port6 == 0 && v4 != nil {
		if p, err := BoundPort(v4); err == nil {
			port6 = p
		}
	}
	v6, err6 := listenFamily(afInet6, port6, o)
	if err6 != nil {
		logrus.Debugf("sockets: ipv6 listener on port %d: %v", port6, err6)
	}

	if v4 == nil && v6 == nil {
		return nil, nil, fmt.Errorf("%w: listen on port %d: ipv4: %v, ipv6: %v", errdefs.ErrIO, localPort, err4, err6)
	}
	return v4, v6, nil
}

func listenFamily(family, port int, o listenOptions) (*Handle, error) {
	fd, err := newSocket(family)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	fail := func(err error, what string) (*Handle, error) {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, what)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(err, "set SO_REUSEADDR")
	}

	var sa unix.Sockaddr
	if family == afInet6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fail(err, "set IPV6_V6ONLY")
		}
		a := &unix.SockaddrInet6{Port: port}
		if o.loopback {
			a.Addr[15] = 1
		}
		sa = a
	} else {
		a := &unix.SockaddrInet4{Port: port}
		if o.loopback {
			a.Addr = [4]byte{127, 0, 0, 1}
		}
		sa = a
	}

	if err := unix.Bind(fd, sa); err != nil {
		return fail(err, "bind")
	}
	if err := unix.Listen(fd, o.backlog); err != nil {
		return fail(err, "listen")
	}
	return newHandle(fd, family), nil
}
