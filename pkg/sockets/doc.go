/*
Package sockets creates, connects and closes the raw OS socket descriptors
that the reactor multiplexes.

Descriptors are wrapped in a *Handle so closing is idempotent: teardown
races between a failing session and an explicit disconnect are expected, and
closing a number twice could otherwise close an unrelated, recycled
descriptor.

	ips, err := sockets.ResolveAddresses(ctx, "example.org")
	h, addr, err := sockets.Connect(ctx, "example.org", 22, 5*time.Second)
	defer sockets.CloseSocket(h)

Listeners are dual stack. Either handle returned by CreateListener may be nil
when the host does not support that family:

	v4, v6, err := sockets.CreateListener(2222, sockets.WithLoopback())
*/
package sockets
