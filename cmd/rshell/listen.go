package main

import (
	"context"
	"fmt"

	"remoteshell/pkg/define"
	"remoteshell/pkg/sockets"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

var listenCommand = cli.Command{
	Name:        "listen",
	Usage:       "open a dual-stack listener and report what was bound",
	UsageText:   "listen [--port N] [--loopback]",
	Description: "create IPv4 and IPv6 listening sockets on one port, print the bound families and port, then close them",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  define.FlagPort,
			Usage: "port to bind, 0 picks one",
		},
		&cli.BoolFlag{
			Name:  "loopback",
			Usage: "bind loopback addresses only",
		},
	},
	Action: listenDualStack,
}

func listenDualStack(ctx context.Context, command *cli.Command) error {
	var opts []sockets.ListenOption
	if command.Bool("loopback") {
		opts = append(opts, sockets.WithLoopback())
	}

	v4, v6, err := sockets.CreateListener(int(command.Int(define.FlagPort)), opts...)
	if err != nil {
		return err
	}

	for _, h := range []*sockets.Handle{v4, v6} {
		if !h.Valid() {
			continue
		}
		port, err := sockets.BoundPort(h)
		if err != nil {
			return err
		}
		family := "ipv4"
		if h.IsIPv6() {
			family = "ipv6"
		}
		fmt.Printf("%s\t%d\n", family, port)
	}

	// Closing twice is harmless.
	for range 2 {
		for _, h := range []*sockets.Handle{v4, v6} {
			sockets.CloseSocket(h)
		}
	}
	logrus.Debugf("listeners closed: ipv4 %t, ipv6 %t", v4.Closed(), v6.Closed())
	return nil
}
