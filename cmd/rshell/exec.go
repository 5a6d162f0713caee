package main

import (
	"context"
	"errors"
	"os"
	"time"

	"remoteshell/pkg/config"
	"remoteshell/pkg/define"
	"remoteshell/pkg/ssh"

	"github.com/urfave/cli/v3"
)

var execCommand = cli.Command{
	Name:        "exec",
	Usage:       "run a command on the remote host",
	UsageText:   "exec [flags] -- command [args...]",
	Description: "connect, authenticate and run one command, streaming its output. The remote exit status becomes the exit status of rshell",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  define.FlagExecTime,
			Usage: "command timeout",
		},
	},
	Action: remoteExec,
}

func remoteExec(ctx context.Context, command *cli.Command) error {
	args := command.Args().Slice()
	if len(args) == 0 {
		return errors.New("no command given")
	}

	sched, stop, err := startScheduler()
	if err != nil {
		return err
	}
	defer stop()

	sess, p, err := openSession(ctx, command, sched)
	if err != nil {
		return err
	}
	defer disconnect(sess)

	status, err := sess.ExecuteRemote(ctx, commandLine(args), execTimeout(command, p), func(out string) {
		_, _ = os.Stdout.WriteString(out)
	}, nil)
	if err != nil {
		return err
	}
	if status != 0 {
		return cli.Exit("", status)
	}
	return nil
}

// commandLine passes a single argument through untouched so shell syntax
// survives; several arguments are quoted.
func commandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return ssh.CommandString(args...)
}

func execTimeout(command *cli.Command, p config.Profile) time.Duration {
	if command.IsSet(define.FlagExecTime) {
		return command.Duration(define.FlagExecTime)
	}
	return p.ExecTimeout
}
