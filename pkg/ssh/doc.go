/*
Package ssh is the protocol engine behind a remoteshell session. It runs
golang.org/x/crypto/ssh over the in-memory connection a session feeds from
the reactor, and exposes every blocking protocol call as a non-blocking
stepper the session pump can poll.

# Architecture

  - config.go: engine configuration and host key policy settings
  - engine.go: identification exchange, authentication, keepalive, dialing
  - channel.go: exec and shell channels with bounded output buffering
  - hostkey.go: known_hosts verification with trust on first use
  - keygen.go: key pair generation

# Basic Usage

	cfg := ssh.NewClientConfig().
		WithKnownHosts("/home/me/.ssh/known_hosts", true)

	sess := session.New(session.NewEndpoint("example.org"), ssh.NewEngine(cfg), scheduler.Shared())
	if err := sess.RequestConnectAndWait(ctx); err != nil {
		return err
	}
	if err := sess.AuthenticateWith(ctx, session.PrivateKeyFile("root", keyPath, "")); err != nil {
		return err
	}
	status, err := sess.ExecuteRemote(ctx, ssh.CommandString("uname", "-a"), 0, func(out string) {
		fmt.Print(out)
	}, nil)

Protocol goroutines never touch the socket. A session fails, rather than
blocks, when the remote side stops answering: every step is bounded by the
deadline the pump passes in.
*/
package ssh
