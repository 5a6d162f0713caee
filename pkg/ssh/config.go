package ssh

import (
	"errors"

	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/crypto/ssh"
)

// ClientConfig configures an Engine.
type ClientConfig struct {
	// Host key policy. An empty KnownHostsPath accepts any host key.
	KnownHostsPath string
	AcceptNew      bool

	// ClientVersion is sent in the identification exchange.
	ClientVersion string

	// Terminal defaults for shells.
	TerminalType  string
	TerminalModes ssh.TerminalModes

	// CancelSignal is sent before a cancelled channel is closed.
	CancelSignal ssh.Signal

	// BannerCallback receives the pre-authentication banner, if any.
	BannerCallback func(message string)
}

// NewClientConfig creates a new ClientConfig with default values
func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		ClientVersion: "SSH-2.0-rshell_" + define.Version,
		TerminalType:  define.DefaultTerminalType,
		TerminalModes: ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.IUTF8:         1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		},
		CancelSignal: ssh.SIGTERM,
	}
}

// WithKnownHosts verifies host keys against path. With acceptNew, unknown
// hosts are appended instead of rejected.
func (c *ClientConfig) WithKnownHosts(path string, acceptNew bool) *ClientConfig {
	c.KnownHostsPath = path
	c.AcceptNew = acceptNew
	return c
}

// WithTerminalType sets the default TERM for shells
func (c *ClientConfig) WithTerminalType(term string) *ClientConfig {
	c.TerminalType = term
	return c
}

// WithCancelSignal sets the signal to send when a channel is cancelled
func (c *ClientConfig) WithCancelSignal(signal ssh.Signal) *ClientConfig {
	c.CancelSignal = signal
	return c
}

// WithBannerCallback sets the receiver of the server's auth banner
func (c *ClientConfig) WithBannerCallback(fn func(string)) *ClientConfig {
	c.BannerCallback = fn
	return c
}

// Validate checks if the configuration is valid
func (c *ClientConfig) Validate() error {
	if c.AcceptNew && c.KnownHostsPath == "" {
		return errors.Join(errdefs.ErrInvalidConfig, errors.New("accept-new needs a known_hosts path"))
	}
	if c.TerminalType == "" {
		return errors.Join(errdefs.ErrInvalidConfig, errors.New("terminal type cannot be empty"))
	}
	return nil
}

// CommandString quotes argv into a single remote command line.
func CommandString(argv ...string) string {
	return shellescape.QuoteCommand(argv)
}
