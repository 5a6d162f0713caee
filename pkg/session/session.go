package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"remoteshell/pkg/arena"
	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/reactor"
	"remoteshell/pkg/sockets"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type opKind int

const (
	opConnect opKind = iota + 1
	opAuth
	opExec
	opShell
	opDisconnect
)

func (k opKind) String() string {
	switch k {
	case opConnect:
		return "connect"
	case opAuth:
		return "authenticate"
	case opExec:
		return "execute"
	case opShell:
		return "shell"
	case opDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// operation is one blocking request. The pump is the only writer of its
// result fields and the only party that closes done.
type operation struct {
	kind opKind
	done chan struct{}

	// abort is set by the waiter under Session.mu when it gives up.
	abort error

	err  error
	exit int

	started  bool
	deadline time.Time
	stepper  Stepper
	channel  Channel

	// connect
	resolved   bool
	resolveErr error
	addrs      []net.IP
	next       int
	addr       string
	lastErr    error

	creds       Credentials
	command     string
	execTimeout time.Duration
	shell       ShellOptions
	width       int
	height      int
}

func newOperation(kind opKind) *operation {
	return &operation{kind: kind, done: make(chan struct{}), exit: -1}
}

// ShellOptions configure OpenShellWithTerminal. Every callback runs on the
// scheduler loop and must not call blocking Session methods.
type ShellOptions struct {
	PTY PTYRequest
	// TerminalSize is polled each pump cycle; a change resizes the remote pty.
	TerminalSize func() (width, height int)
	// WriteData is polled each pump cycle for input to forward.
	WriteData func() []byte
	OnOutput  func(string)
	// Continuation returning false closes the shell.
	Continuation func() bool
}

// Option customizes a Session.
type Option func(*Session)

// WithKeepalive sets the probe interval and how many consecutive failed
// probes are tolerated. A zero interval disables keepalive.
func WithKeepalive(interval time.Duration, tolerance int) Option {
	return func(s *Session) {
		s.keepaliveInterval = interval
		s.keepaliveTolerance = tolerance
	}
}

// WithID overrides the generated session ID.
func WithID(id uuid.UUID) Option {
	return func(s *Session) {
		s.id = id
	}
}

// resources is what must be released if a session is collected without
// reaching a terminal state. It must not reference the Session.
type resources struct {
	engine Engine
	conn   atomic.Pointer[transport]
}

func (r *resources) release() {
	if c := r.conn.Load(); c != nil {
		c.fail(net.ErrClosed)
	}
	if err := r.engine.Close(); err != nil {
		logrus.Debugf("session: close engine of collected session: %v", err)
	}
}

// Session is one remote shell connection. Its blocking methods may be called
// from any goroutine, one at a time; RequestDisconnectAndWait may overlap
// with any of them.
type Session struct {
	id     uuid.UUID
	ep     Endpoint
	engine Engine
	loop   Loop
	res    *resources

	keepaliveInterval  time.Duration
	keepaliveTolerance int

	mu            sync.Mutex
	state         State
	authenticated bool
	slot          arena.ID
	op            *operation
	pending       *operation
	disconnect    *operation
	resolvedAddr  string
	lastErr       error

	// Loop confined.
	handle     *sockets.Handle
	conn       *transport
	interest   reactor.Interest
	readBuf    []byte
	ka         Stepper
	kaLast     time.Time
	kaFailures int
}

// New returns an idle session. Nothing touches the network until
// RequestConnectAndWait.
func New(ep Endpoint, engine Engine, loop Loop, opts ...Option) *Session {
	if ep.AuthTimeout <= 0 {
		ep.AuthTimeout = define.OperationTimeout
	}
	s := &Session{
		id:                 uuid.New(),
		ep:                 ep,
		engine:             engine,
		loop:               loop,
		res:                &resources{engine: engine},
		keepaliveInterval:  define.KeepaliveInterval,
		keepaliveTolerance: define.KeepaliveErrorTolerance,
		state:              Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if w, ok := engine.(Waker); ok {
		// Held weakly: the engine is reachable from the cleanup resources.
		ref := weak.Make(s)
		w.SetWakeup(func() {
			if s := ref.Value(); s != nil && !s.Slot().IsZero() {
				_ = s.ExplicitRequestStatusPickup()
			}
		})
	}
	runtime.AddCleanup(s, func(r *resources) { r.release() }, s.res)
	return s
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Endpoint() Endpoint { return s.ep }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the transport is up, authenticated or not.
func (s *Session) IsConnected() bool {
	switch s.State() {
	case Connected, Authenticating, Authenticated, Executing, ShellOpen:
		return true
	}
	return false
}

func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated && !s.state.Terminal()
}

// ResolvedAddress is the IP the session connected to.
func (s *Session) ResolvedAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvedAddr
}

// Banner is the identification line sent by the server.
func (s *Session) Banner() string {
	if s.State() < Connected {
		return ""
	}
	return s.engine.Banner()
}

// Fingerprint is the host key fingerprint, known once authenticated.
func (s *Session) Fingerprint() string {
	if !s.IsAuthenticated() {
		return ""
	}
	return s.engine.Fingerprint()
}

// LastError is the cause of the most recent failure.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Slot is the scheduler registration of the session; zero before connect.
func (s *Session) Slot() arena.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot
}

// RequestConnectAndWait resolves the endpoint, connects and exchanges
// identification lines. It returns once the session is Connected or Failed.
func (s *Session) RequestConnectAndWait(ctx context.Context) error {
	if err := s.ep.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Idle || !s.slot.IsZero() {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect requested while %s", errdefs.ErrInvalidState, st)
	}
	s.mu.Unlock()

	id, err := s.loop.Delegate(s)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrConnection, err)
	}
	s.mu.Lock()
	s.slot = id
	s.mu.Unlock()

	logrus.Debugf("session %s: connecting to %s", s.id, s.ep)
	op := newOperation(opConnect)
	if err := s.run(ctx, op, s.ep.Timeout); err != nil {
		return errdefs.Wrap(errdefs.ErrConnection, err)
	}
	return nil
}

// AuthenticateWith runs key exchange and user authentication. A rejected
// credential fails the session; retrying needs a new session.
func (s *Session) AuthenticateWith(ctx context.Context, creds Credentials) error {
	if creds.User == "" {
		return errors.Join(errdefs.ErrInvalidConfig, errors.New("user cannot be empty"))
	}
	op := newOperation(opAuth)
	op.creds = creds
	return s.run(ctx, op, s.ep.AuthTimeout)
}

// ExecuteRemote runs command and streams its output to onOutput. The
// continuation is invoked every pump cycle; returning false cancels the
// command. A non-positive execTimeout uses the default operation timeout.
// It returns the remote exit status.
func (s *Session) ExecuteRemote(ctx context.Context, command string, execTimeout time.Duration, onOutput func(string), continuation func() bool) (int, error) {
	if execTimeout <= 0 {
		execTimeout = define.OperationTimeout
	}
	op := newOperation(opExec)
	op.command = command
	op.execTimeout = execTimeout
	op.shell.OnOutput = onOutput
	op.shell.Continuation = continuation
	err := s.run(ctx, op, execTimeout)
	return op.result(err)
}

// OpenShellWithTerminal opens an interactive shell and pumps it until the
// remote side exits, the continuation returns false or ctx is done.
func (s *Session) OpenShellWithTerminal(ctx context.Context, opts ShellOptions) (int, error) {
	if opts.PTY.Term == "" {
		opts.PTY.Term = define.DefaultTerminalType
	}
	if opts.PTY.Width <= 0 || opts.PTY.Height <= 0 {
		opts.PTY.Width, opts.PTY.Height = define.DefaultTermWidth, define.DefaultTermHeight
	}
	op := newOperation(opShell)
	op.shell = opts
	op.width, op.height = opts.PTY.Width, opts.PTY.Height
	err := s.run(ctx, op, 0)
	return op.result(err)
}

// RequestDisconnectAndWait closes the session. In-flight operations return
// ErrDisconnected. It is a no-op on a terminal session.
func (s *Session) RequestDisconnectAndWait(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.slot.IsZero() {
		s.state = Disconnected
		s.mu.Unlock()
		s.res.release()
		return nil
	}
	op := s.disconnect
	if op == nil {
		op = newOperation(opDisconnect)
		s.disconnect = op
	}
	s.mu.Unlock()

	return s.await(ctx, op, define.OperationTimeout)
}

// ExplicitRequestStatusPickup asks the loop to pump this session now instead
// of on the next tick.
func (s *Session) ExplicitRequestStatusPickup() error {
	slot := s.Slot()
	if slot.IsZero() {
		return fmt.Errorf("%w: session is not delegated", errdefs.ErrInvalidState)
	}
	return s.loop.RequestStatusPickup(slot)
}

// DialRemote opens a TCP stream from the remote host to host:port. It must
// not be called from the scheduler loop.
func (s *Session) DialRemote(ctx context.Context, host string, port int) (net.Conn, error) {
	if !s.IsAuthenticated() {
		return nil, fmt.Errorf("%w: session is not authenticated", errdefs.ErrInvalidState)
	}
	d, ok := s.engine.(RemoteDialer)
	if !ok {
		return nil, fmt.Errorf("%w: engine cannot dial", errdefs.ErrInvalidState)
	}
	return d.DialRemote(ctx, host, port)
}

// RemoteDialer is implemented by engines that can tunnel TCP streams.
type RemoteDialer interface {
	DialRemote(ctx context.Context, host string, port int) (net.Conn, error)
}

func (op *operation) result(err error) (int, error) {
	if err != nil {
		return -1, err
	}
	return op.exit, nil
}

func (s *Session) run(ctx context.Context, op *operation, limit time.Duration) error {
	s.mu.Lock()
	switch {
	case s.state.Terminal():
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s requested while %s", errdefs.ErrInvalidState, op.kind, st)
	case s.slot.IsZero() && op.kind != opConnect:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s requested before connect", errdefs.ErrInvalidState, op.kind)
	case s.op != nil || s.pending != nil:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s requested while another operation is running", errdefs.ErrInvalidState, op.kind)
	}
	s.pending = op
	s.mu.Unlock()

	return s.await(ctx, op, limit)
}

// await parks the caller until the pump completes op. The waiter never
// completes op itself; on cancellation it only asks the pump to abort.
func (s *Session) await(ctx context.Context, op *operation, limit time.Duration) error {
	if err := s.loop.RequestStatusPickup(s.Slot()); err != nil {
		s.withdraw(op)
		return err
	}

	var expired <-chan time.Time
	if limit > 0 {
		t := time.NewTimer(limit + define.WaitGrace)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return s.abandon(op, errdefs.Wrap(errdefs.ErrCancelledByCaller, ctx.Err()))
	case <-expired:
		return s.abandon(op, timeoutError(op.kind, limit))
	}
}

func (s *Session) abandon(op *operation, cause error) error {
	s.mu.Lock()
	if op.abort == nil {
		op.abort = cause
	}
	s.mu.Unlock()
	if err := s.loop.RequestStatusPickup(s.Slot()); err != nil {
		s.withdraw(op)
		return cause
	}

	t := time.NewTimer(define.WaitGrace)
	defer t.Stop()
	select {
	case <-op.done:
		return op.err
	case <-t.C:
		logrus.Warnf("session %s: %s did not acknowledge abort", s.id, op.kind)
		return cause
	}
}

func (s *Session) withdraw(op *operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == op {
		s.pending = nil
	}
	if s.disconnect == op {
		s.disconnect = nil
	}
}

func timeoutError(kind opKind, limit time.Duration) error {
	switch kind {
	case opConnect:
		return fmt.Errorf("%w: no connection after %s", errdefs.ErrConnectTimeout, limit)
	case opAuth:
		return fmt.Errorf("%w: handshake did not finish within %s", errdefs.ErrAuthentication, limit)
	case opExec:
		return fmt.Errorf("%w: command did not finish within %s", errdefs.ErrChannelTimeout, limit)
	}
	return fmt.Errorf("%w: %s did not finish within %s", errdefs.ErrIO, kind, limit)
}
