package sockets

import (
	"context"
	"fmt"
	"net"

	"remoteshell/pkg/errdefs"

	"github.com/sirupsen/logrus"
)

// ValidatePort reports whether p is a usable remote port.
func ValidatePort(p int) bool {
	return p > 0 && p <= 65535
}

// ResolveAddresses returns the addresses of host in resolver order. IP
// literals are returned as is.
func ResolveAddresses(ctx context.Context, host string) ([]net.IP, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", errdefs.ErrResolution)
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrResolution, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %q", errdefs.ErrResolution, host)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	logrus.Debugf("sockets: %s resolved to %v", host, ips)
	return ips, nil
}
