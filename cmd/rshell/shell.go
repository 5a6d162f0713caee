package main

import (
	"context"
	"os"

	"remoteshell/pkg/define"
	"remoteshell/pkg/session"
	"remoteshell/pkg/system"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

var shellCommand = cli.Command{
	Name:        "shell",
	Usage:       "open an interactive shell on the remote host",
	UsageText:   "shell [flags]",
	Description: "open a pty shell; the local terminal is put in raw mode and size changes are forwarded",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  define.FlagTerm,
			Usage: "terminal type, defaults to $TERM",
		},
	},
	Action: remoteShell,
}

func remoteShell(ctx context.Context, command *cli.Command) error {
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

	tm := system.NewTerminal(os.Stdin)
	if tm.IsTerminal() {
		if err := tm.MakeRaw(); err != nil {
			return err
		}
		defer tm.Restore()
	} else {
		logrus.Warnf("stdin is not a terminal")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tm.WatchResize(ctx)

	// Stdin reads cannot be interrupted; the goroutine ends with the process.
	go func() {
		if err := tm.ReadInput(os.Stdin); err != nil {
			logrus.Debugf("stdin: %v", err)
		}
	}()

	termType := command.String(define.FlagTerm)
	if termType == "" {
		termType = system.TerminalType()
	}
	width, height := tm.Size()

	status, err := sess.OpenShellWithTerminal(ctx, session.ShellOptions{
		PTY:          session.PTYRequest{Term: termType, Width: width, Height: height},
		TerminalSize: tm.Size,
		WriteData:    tm.TakeInput,
		OnOutput: func(out string) {
			_, _ = os.Stdout.WriteString(out)
		},
		Continuation: func() bool { return ctx.Err() == nil },
	})
	tm.Restore()
	if err != nil {
		return err
	}
	if status > 0 {
		return cli.Exit("", status)
	}
	return nil
}
