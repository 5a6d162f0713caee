package main

import (
	"context"
	"errors"

	"remoteshell/pkg/define"
	"remoteshell/pkg/server"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

var serveCommand = cli.Command{
	Name:        "serve",
	Usage:       "serve the HTTP exec API",
	UsageText:   "serve [--listen unix:///path|tcp://host:port]",
	Description: "expose GET /healthz and POST /exec; exec output is streamed as server-sent events",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  define.FlagListen,
			Usage: "listen address",
			Value: define.DefaultServeAddr,
		},
	},
	Action: serveAPI,
}

func serveAPI(ctx context.Context, command *cli.Command) error {
	sched, stop, err := startScheduler()
	if err != nil {
		return err
	}
	defer stop()

	client := clientConfig(command.String(define.FlagKnownHosts), command.Bool(define.FlagAcceptNew))
	if err := client.Validate(); err != nil {
		return err
	}
	srv := server.New(command.String(define.FlagListen), sched, client)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logrus.Debugf("serve: %d sessions left at shutdown", sched.Len())
	return nil
}
