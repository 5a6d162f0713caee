package sockets

import (
	"fmt"
	"sync/atomic"
)

// Handle owns exactly one socket descriptor.
type Handle struct {
	fd     int
	family int
	closed atomic.Bool
}

func newHandle(fd, family int) *Handle {
	return &Handle{fd: fd, family: family}
}

// FD returns the descriptor number, or -1 for a nil handle.
func (h *Handle) FD() int {
	if h == nil {
		return -1
	}
	return h.fd
}

// Valid reports whether h refers to an open descriptor.
func (h *Handle) Valid() bool {
	return h != nil && h.fd >= 0 && !h.closed.Load()
}

// Closed reports whether CloseSocket already ran for h.
func (h *Handle) Closed() bool {
	return h == nil || h.closed.Load()
}

// IsIPv6 reports whether the descriptor belongs to the AF_INET6 family.
func (h *Handle) IsIPv6() bool {
	return h != nil && h.family == afInet6
}

func (h *Handle) String() string {
	if h == nil {
		return "socket(nil)"
	}
	return fmt.Sprintf("socket(%d)", h.fd)
}
