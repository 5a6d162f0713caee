package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// hostKeyCallback returns the verification function for the configured
// policy. record receives the fingerprint of every key that was accepted.
func (c *ClientConfig) hostKeyCallback(record func(string)) (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" {
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			record(ssh.FingerprintSHA256(key))
			return nil
		}, nil
	}

	if c.AcceptNew {
		if err := ensureFile(c.KnownHostsPath); err != nil {
			return nil, err
		}
	}
	verify, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load known hosts %q: %v", errdefs.ErrInvalidConfig, c.KnownHostsPath, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			record(ssh.FingerprintSHA256(key))
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 || !c.AcceptNew {
			return err
		}
		if err := appendKnownHost(c.KnownHostsPath, hostname, remote, key); err != nil {
			return err
		}
		logrus.Warnf("permanently added %s (%s) to %s", hostname, ssh.FingerprintSHA256(key), c.KnownHostsPath)
		record(ssh.FingerprintSHA256(key))
		return nil
	}, nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %q: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	return f.Close()
}

// appendKnownHost adds one line under an exclusive lock so concurrent
// sessions do not interleave writes.
func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	lock := flock.New(path + define.LockFileSuffix)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %q: %w", path, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logrus.Debugf("unlock %q: %v", path, err)
		}
	}()

	addrs := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if r := knownhosts.Normalize(remote.String()); r != addrs[0] {
			addrs = append(addrs, r)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, knownhosts.Line(addrs, key)); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}
