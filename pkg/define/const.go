package define

import "time"

var (
	Version  = ""
	CommitID = ""
)

const (
	DefaultSSHPort        = 22
	DefaultConnectTimeout = 8 * time.Second

	// OperationTimeout bounds blocking entry points that were given no
	// explicit deadline.
	OperationTimeout = 30 * time.Second

	// WaitGrace is added on top of an operation deadline before a blocked
	// caller gives up waiting for the pump on its own.
	WaitGrace = 2 * time.Second

	KeepaliveInterval       = 1 * time.Second
	KeepaliveErrorTolerance = 8

	TickPeriod = 25 * time.Millisecond

	BufferSize      = 131_072
	SocketQueueSize = 16
	MaxEvents       = 128

	// OutputChunks is the capacity of the channel between engine readers and
	// the pump.
	OutputChunks = 64

	DefaultTerminalType = "xterm-256color"
	DefaultTermWidth    = 80
	DefaultTermHeight   = 24

	DefaultGuestUser = "root"
	SSHKeyPair       = "id_ed25519"
	LockFileSuffix   = ".lock"
	DefaultServeAddr = "unix:///tmp/rshell.sock"
)

const (
	FlagVerbose    = "verbose"
	FlagLogLevel   = "log-level"
	FlagConfig     = "config"
	FlagProfile    = "profile"
	FlagHost       = "host"
	FlagPort       = "port"
	FlagUser       = "user"
	FlagPassEnv    = "password-env"
	FlagIdentity   = "identity"
	FlagTimeout    = "timeout"
	FlagKnownHosts = "known-hosts"
	FlagAcceptNew  = "accept-new"
	FlagExecTime   = "exec-timeout"
	FlagTerm       = "term"
	FlagLocalPort  = "local"
	FlagTarget     = "target"
	FlagListen     = "listen"
	FlagKeyType    = "type"
	FlagKeyOut     = "out"
	FlagPassphrase = "passphrase-env"
)
