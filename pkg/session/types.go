package session

import (
	"errors"
	"fmt"
	"net"
	"time"

	"remoteshell/pkg/arena"
	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/reactor"
	"remoteshell/pkg/sockets"
)

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Resolving
	Connecting
	Connected
	Authenticating
	Authenticated
	Executing
	ShellOpen
	Disconnected
	Failed
)

var stateNames = [...]string{
	Idle:           "idle",
	Resolving:      "resolving",
	Connecting:     "connecting",
	Connected:      "connected",
	Authenticating: "authenticating",
	Authenticated:  "authenticated",
	Executing:      "executing",
	ShellOpen:      "shell-open",
	Disconnected:   "disconnected",
	Failed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Disconnected || s == Failed
}

// Endpoint is the remote address a session connects to.
type Endpoint struct {
	Host string
	Port int
	// Timeout bounds resolution plus the TCP connect and identification
	// exchange.
	Timeout time.Duration
	// AuthTimeout bounds key exchange plus user authentication.
	AuthTimeout time.Duration
}

// NewEndpoint returns an endpoint with default port and timeouts.
func NewEndpoint(host string) Endpoint {
	return Endpoint{
		Host:        host,
		Port:        define.DefaultSSHPort,
		Timeout:     define.DefaultConnectTimeout,
		AuthTimeout: define.OperationTimeout,
	}
}

// WithPort sets the remote port.
func (e Endpoint) WithPort(port int) Endpoint {
	e.Port = port
	return e
}

// WithTimeout sets the connect timeout.
func (e Endpoint) WithTimeout(d time.Duration) Endpoint {
	e.Timeout = d
	return e
}

// Validate checks the endpoint before it is used.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return errors.Join(errdefs.ErrInvalidConfig, errors.New("host cannot be empty"))
	}
	if !sockets.ValidatePort(e.Port) {
		return errors.Join(errdefs.ErrInvalidConfig, fmt.Errorf("port %d out of range", e.Port))
	}
	if e.Timeout <= 0 {
		return errors.Join(errdefs.ErrInvalidConfig, errors.New("connect timeout must be positive"))
	}
	return nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, fmt.Sprint(e.Port))
}

// CredentialKind selects how Credentials authenticate.
type CredentialKind int

const (
	PasswordAuth CredentialKind = iota
	KeyAuth
)

// Credentials are handed to the engine unchanged. Exactly one of Password,
// PrivateKey or KeyPath is meaningful for a given Kind.
type Credentials struct {
	Kind       CredentialKind
	User       string
	Password   string
	PrivateKey []byte
	KeyPath    string
	Passphrase string
}

// Password returns password credentials.
func Password(user, password string) Credentials {
	return Credentials{Kind: PasswordAuth, User: user, Password: password}
}

// PrivateKey returns key credentials from PEM bytes.
func PrivateKey(user string, pem []byte, passphrase string) Credentials {
	return Credentials{Kind: KeyAuth, User: user, PrivateKey: pem, Passphrase: passphrase}
}

// PrivateKeyFile returns key credentials read from path when used.
func PrivateKeyFile(user, path, passphrase string) Credentials {
	return Credentials{Kind: KeyAuth, User: user, KeyPath: path, Passphrase: passphrase}
}

// PTYRequest describes the terminal requested for a shell.
type PTYRequest struct {
	Term   string
	Width  int
	Height int
}

// StepResult is the outcome of one Stepper.Step call.
type StepResult int

const (
	Progress StepResult = iota
	NeedsMoreIO
	Finished
	StepError
)

func (r StepResult) String() string {
	switch r {
	case Progress:
		return "progress"
	case NeedsMoreIO:
		return "needs-more-io"
	case Finished:
		return "finished"
	case StepError:
		return "error"
	}
	return fmt.Sprintf("step(%d)", int(r))
}

// Stepper is one protocol operation advanced by the pump. Step must not
// block.
type Stepper interface {
	WantsRead() bool
	WantsWrite() bool
	Step(deadline time.Time) (StepResult, error)
}

// Channel is a command or shell channel.
type Channel interface {
	Stepper
	// Drain returns output produced since the last call.
	Drain() []byte
	// Write queues input for the remote side.
	Write(p []byte)
	Resize(width, height int)
	// Cancel asks the remote side to stop and releases the channel.
	Cancel()
	// ExitStatus is valid after Step returned Finished; -1 when the remote
	// side reported none.
	ExitStatus() int
}

// Engine is the protocol engine a Session drives.
type Engine interface {
	// Handshake starts the identification exchange over conn.
	Handshake(conn net.Conn, addr string) Stepper
	// Authenticate starts key exchange and user authentication.
	Authenticate(creds Credentials) Stepper
	// Keepalive starts one liveness probe. It returns nil when the engine
	// has no keepalive mechanism.
	Keepalive() Stepper
	OpenExec(command string) Channel
	OpenShell(req PTYRequest) Channel
	Banner() string
	Fingerprint() string
	Close() error
}

// Waker is implemented by engines whose steps complete off the loop. The
// installed function asks for the session to be pumped right away.
type Waker interface {
	SetWakeup(fn func())
}

// Loop is the execution context that owns the socket and pumps sessions.
// Watch, UpdateInterest and Unwatch are only called from the loop itself.
type Loop interface {
	Delegate(s *Session) (arena.ID, error)
	Release(id arena.ID)
	RequestStatusPickup(id arena.ID) error
	Watch(id arena.ID, h *sockets.Handle, mask reactor.Interest) error
	UpdateInterest(h *sockets.Handle, mask reactor.Interest) error
	Unwatch(h *sockets.Handle)
	EnqueueWrite(h *sockets.Handle, data []byte) error
}
