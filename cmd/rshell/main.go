package main

import (
	"context"
	"os"

	"remoteshell/pkg/define"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	app := cli.Command{
		Name:                      os.Args[0],
		Usage:                     "run commands and shells on remote hosts over SSH",
		UsageText:                 os.Args[0] + " [command] [flags]",
		Description:               "drive SSH sessions from a single event loop: exec, shell, port forwarding and an HTTP exec API",
		Before:                    earlyStage,
		DisableSliceFlagSeparator: true,
		Flags:                     globalFlags(),
	}

	app.Commands = []*cli.Command{
		&execCommand,
		&shellCommand,
		&listenCommand,
		&forwardCommand,
		&serveCommand,
		&keygenCommand,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  define.FlagVerbose,
			Usage: "enable debug logging",
		},
		&cli.StringFlag{
			Name:  define.FlagLogLevel,
			Usage: "log level: OFF, ERROR, WARN, INFO, DEBUG, TRACE",
			Value: define.INFO.String(),
		},
		&cli.StringFlag{
			Name:  define.FlagConfig,
			Usage: "YAML file with host profiles",
		},
		&cli.StringFlag{
			Name:  define.FlagProfile,
			Usage: "host profile name from the config file",
		},
		&cli.StringFlag{
			Name:  define.FlagHost,
			Usage: "remote host name or address",
		},
		&cli.IntFlag{
			Name:  define.FlagPort,
			Usage: "remote SSH port",
			Value: define.DefaultSSHPort,
		},
		&cli.StringFlag{
			Name:  define.FlagUser,
			Usage: "remote user",
			Value: define.DefaultGuestUser,
		},
		&cli.StringFlag{
			Name:  define.FlagPassEnv,
			Usage: "environment variable holding the password",
		},
		&cli.StringFlag{
			Name:  define.FlagIdentity,
			Usage: "private key file",
		},
		&cli.StringFlag{
			Name:  define.FlagPassphrase,
			Usage: "environment variable holding the private key passphrase",
		},
		&cli.DurationFlag{
			Name:  define.FlagTimeout,
			Usage: "connect timeout",
			Value: define.DefaultConnectTimeout,
		},
		&cli.StringFlag{
			Name:  define.FlagKnownHosts,
			Usage: "verify host keys against this known_hosts file",
		},
		&cli.BoolFlag{
			Name:  define.FlagAcceptNew,
			Usage: "append unknown host keys to the known_hosts file",
		},
	}
}
