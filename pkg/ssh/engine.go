package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/session"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrEngineClosed is returned when operations are attempted on a closed engine
	ErrEngineClosed = errors.New("SSH engine is closed")
	// ErrNotAuthenticated is returned when a channel is requested before authentication
	ErrNotAuthenticated = errors.New("SSH engine is not authenticated")
)

// maxBannerLines bounds the lines a server may send before its version.
const maxBannerLines = 64

// Engine implements session.Engine on top of golang.org/x/crypto/ssh.
type Engine struct {
	config *ClientConfig

	mu          sync.Mutex
	conn        net.Conn
	addr        string
	reader      *bufio.Reader
	versionLine string
	fingerprint string
	client      *ssh.Client
	closed      bool
	wake        func()
}

// NewEngine returns an engine for one session.
func NewEngine(config *ClientConfig) *Engine {
	if config == nil {
		config = NewClientConfig()
	}
	return &Engine{config: config}
}

// SetWakeup installs the function called when a step or channel makes
// progress off the loop.
func (e *Engine) SetWakeup(fn func()) {
	e.mu.Lock()
	e.wake = fn
	e.mu.Unlock()
}

func (e *Engine) wakeup() {
	e.mu.Lock()
	fn := e.wake
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Handshake reads the server identification line. Key exchange is left to
// Authenticate, which replays the line to the protocol library.
func (e *Engine) Handshake(conn net.Conn, addr string) session.Stepper {
	e.mu.Lock()
	e.conn, e.addr = conn, addr
	e.reader = bufio.NewReader(conn)
	r := e.reader
	e.mu.Unlock()

	return startStep(func() error {
		for range maxBannerLines {
			line, err := r.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read identification: %w", err)
			}
			if strings.HasPrefix(line, "SSH-") {
				e.mu.Lock()
				e.versionLine = line
				e.mu.Unlock()
				logrus.Debugf("ssh: %s identifies as %q", addr, strings.TrimSpace(line))
				return nil
			}
			logrus.Debugf("ssh: pre-version line from %s: %q", addr, strings.TrimSpace(line))
		}
		return fmt.Errorf("%w: no identification line from %s", errdefs.ErrProtocol, addr)
	}, e.wakeup)
}

// Authenticate runs key exchange and user authentication.
func (e *Engine) Authenticate(creds session.Credentials) session.Stepper {
	return startStep(func() error { return e.authenticate(creds) }, e.wakeup)
}

func (e *Engine) authenticate(creds session.Credentials) error {
	if err := e.config.Validate(); err != nil {
		return err
	}
	auth, err := authMethods(creds)
	if err != nil {
		return err
	}
	hostKey, err := e.config.hostKeyCallback(func(fp string) {
		e.mu.Lock()
		e.fingerprint = fp
		e.mu.Unlock()
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.conn == nil || e.versionLine == "" {
		e.mu.Unlock()
		return fmt.Errorf("%w: identification exchange has not completed", errdefs.ErrInvalidState)
	}
	conn := &replayConn{Conn: e.conn, r: io.MultiReader(strings.NewReader(e.versionLine), e.reader)}
	addr := e.addr
	e.mu.Unlock()

	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		ClientVersion:   e.config.ClientVersion,
	}
	if e.config.BannerCallback != nil {
		cb := e.config.BannerCallback
		cfg.BannerCallback = func(message string) error {
			cb(message)
			return nil
		}
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return fmt.Errorf("%s@%s: %w", creds.User, addr, err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = client.Close()
		return ErrEngineClosed
	}
	e.client = client
	logrus.Debugf("ssh: authenticated %s@%s, server %s", creds.User, addr, clientConn.ServerVersion())
	return nil
}

func authMethods(creds session.Credentials) ([]ssh.AuthMethod, error) {
	switch creds.Kind {
	case session.PasswordAuth:
		pw := creds.Password
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, nil
	case session.KeyAuth:
		pem := creds.PrivateKey
		if len(pem) == 0 {
			b, err := os.ReadFile(creds.KeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key from %q: %w", creds.KeyPath, err)
			}
			pem = b
		}
		var (
			signer ssh.Signer
			err    error
		)
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("%w: unknown credential kind %d", errdefs.ErrInvalidConfig, creds.Kind)
}

// Keepalive sends one keepalive@openssh.com request. Any reply counts.
func (e *Engine) Keepalive() session.Stepper {
	client, err := e.sshClient()
	if err != nil {
		return nil
	}
	return startStep(func() error {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		return err
	}, e.wakeup)
}

// OpenExec starts command on a new session channel.
func (e *Engine) OpenExec(command string) session.Channel {
	return e.openChannel(func(c *channel) error { return c.startExec(command) })
}

// OpenShell requests a pty and starts the login shell.
func (e *Engine) OpenShell(req session.PTYRequest) session.Channel {
	if req.Term == "" {
		req.Term = e.config.TerminalType
	}
	return e.openChannel(func(c *channel) error { return c.startShell(req, e.config.TerminalModes) })
}

func (e *Engine) openChannel(start func(*channel) error) session.Channel {
	c := newChannel(e.config.CancelSignal, e.wakeup)
	client, err := e.sshClient()
	if err != nil {
		c.finish(-1, err)
		return c
	}
	go func() {
		s, err := client.NewSession()
		if err != nil {
			c.finish(-1, fmt.Errorf("failed to create SSH session: %w", err))
			return
		}
		c.attach(s)
		if err := start(c); err != nil {
			c.finish(-1, err)
		}
	}()
	return c
}

// DialRemote opens a direct-tcpip channel to host:port.
func (e *Engine) DialRemote(ctx context.Context, host string, port int) (net.Conn, error) {
	client, err := e.sshClient()
	if err != nil {
		return nil, err
	}
	return client.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// Banner returns the server identification line.
func (e *Engine) Banner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.TrimSpace(e.versionLine)
}

// Fingerprint returns the SHA256 fingerprint of the accepted host key.
func (e *Engine) Fingerprint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fingerprint
}

// Close tears down the protocol connection. It is safe to call repeatedly.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	client, conn := e.client, e.conn
	e.client = nil
	e.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil && !isErrorIsConnectionAlreadyClosed(err) {
			logrus.Debugf("ssh: close client: %v", err)
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (e *Engine) sshClient() (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if e.client == nil {
		return nil, ErrNotAuthenticated
	}
	return e.client, nil
}

func isErrorIsConnectionAlreadyClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "connection already closed")
}

// replayConn serves the already consumed identification line before the
// rest of the stream.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

var (
	_ session.Engine       = (*Engine)(nil)
	_ session.RemoteDialer = (*Engine)(nil)
)
