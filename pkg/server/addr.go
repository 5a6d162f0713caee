package server

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Addr is a parsed listen address: unix:///path or tcp://host:port.
type Addr struct {
	Scheme string
	Host   string // hostname or IP (no brackets)
	Port   int
	Path   string
}

func (a *Addr) String() string {
	if a.Scheme == "unix" {
		return "unix://" + a.Path
	}
	return "tcp://" + net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddr accepts unix:///path and tcp://host:port.
func ParseAddr(raw string) (*Addr, error) {
	switch {
	case strings.HasPrefix(raw, "unix://"):
		return parseUnixAddr(raw)
	case strings.HasPrefix(raw, "tcp://"):
		return parseTCPAddr(raw)
	default:
		return nil, fmt.Errorf("scheme missing, expected unix:///path or tcp://<host>:<port>, got %q", raw)
	}
}

func parseUnixAddr(raw string) (*Addr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if u.Path == "" {
		return nil, fmt.Errorf("missing path")
	}
	return &Addr{Scheme: u.Scheme, Path: u.Path}, nil
}

func parseTCPAddr(raw string) (*Addr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host:port")
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("split host/port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	return &Addr{
		Scheme: u.Scheme,
		Host:   host, // IPv6 will be un-bracketed here
		Port:   port,
	}, nil
}

// listen opens a stream listener on a. A stale unix socket file is removed
// first; the returned cleanup removes it again.
func listen(a *Addr) (net.Listener, func(), error) {
	if a.Scheme == "tcp" {
		ln, err := net.Listen("tcp", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to listen on %q: %w", a, err)
		}
		return ln, func() {}, nil
	}

	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to remove old unix socket %q: %w", a.Path, err)
	}
	ln, err := net.Listen("unix", a.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %q: %w", a.Path, err)
	}
	return ln, func() { _ = os.Remove(a.Path) }, nil
}
