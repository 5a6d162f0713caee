package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"remoteshell/pkg/define"
	"remoteshell/pkg/forward"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

var forwardCommand = cli.Command{
	Name:        "forward",
	Usage:       "forward a local port through the remote host",
	UsageText:   "forward --local N --target host:port [flags]",
	Description: "listen on loopback and bridge every accepted connection to target through the SSH session, until interrupted",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  define.FlagLocalPort,
			Usage: "local port, 0 picks one",
		},
		&cli.StringFlag{
			Name:     define.FlagTarget,
			Usage:    "host:port to reach from the remote side",
			Required: true,
		},
	},
	Action: localForward,
}

func localForward(ctx context.Context, command *cli.Command) error {
	targetHost, targetPort, err := splitTarget(command.String(define.FlagTarget))
	if err != nil {
		return err
	}

	sched, stop, err := startScheduler()
	if err != nil {
		return err
	}
	defer stop()

	sess, _, err := openSession(ctx, command, sched)
	if err != nil {
		return err
	}
	defer disconnect(sess)

	h, err := forward.StartLocal(sess, sched, int(command.Int(define.FlagLocalPort)), targetHost, targetPort, func() bool {
		return ctx.Err() == nil
	})
	if err != nil {
		return err
	}
	defer h.Cancel()

	logrus.Infof("forwarding localhost:%d to %s:%d (%s)", h.BoundPort(), targetHost, targetPort, h.ID())
	fmt.Println(h.BoundPort())

	select {
	case <-ctx.Done():
	case <-h.Done():
	}
	if err := h.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func splitTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("invalid target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid target port %q", portStr)
	}
	if host == "" {
		return "", 0, errors.New("target host cannot be empty")
	}
	return host, port, nil
}
