package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"remoteshell/pkg/config"
	"remoteshell/pkg/define"
	"remoteshell/pkg/scheduler"
	"remoteshell/pkg/session"
	"remoteshell/pkg/ssh"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func earlyStage(ctx context.Context, command *cli.Command) (context.Context, error) {
	if err := setLogrus(command); err != nil {
		return ctx, err
	}
	showVersion()
	ctx, _ = signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	return ctx, nil
}

func setLogrus(command *cli.Command) error {
	level, err := define.ParseLoglevel(command.String(define.FlagLogLevel))
	if err != nil {
		return err
	}
	logrus.SetLevel(level.Logrus())
	if command.Bool(define.FlagVerbose) {
		logrus.SetLevel(logrus.DebugLevel)
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		ForceColors:     true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	logrus.SetOutput(os.Stderr)
	return nil
}

func showVersion() {
	var version strings.Builder
	if define.Version != "" {
		version.WriteString(define.Version)
	} else {
		version.WriteString("unknown")
	}

	version.WriteString("-")

	if define.CommitID != "" {
		version.WriteString(define.CommitID)
	} else {
		version.WriteString("unknown")
	}

	logrus.Debugf("%s version: %s", os.Args[0], version.String())
}

// loadProfile merges the config file profile with command line overrides.
func loadProfile(command *cli.Command) (config.Profile, error) {
	cfg := config.Default()
	if path := command.String(define.FlagConfig); path != "" {
		var err error
		if cfg, err = config.Load(config.ExpandHome(path)); err != nil {
			return config.Profile{}, err
		}
	}

	name := command.String(define.FlagProfile)
	if name == "" {
		name = command.String(define.FlagHost)
	}
	p := cfg.Lookup(name)

	if command.IsSet(define.FlagHost) {
		p.Host = command.String(define.FlagHost)
	}
	if command.IsSet(define.FlagPort) {
		p.Port = int(command.Int(define.FlagPort))
	}
	if command.IsSet(define.FlagUser) {
		p.User = command.String(define.FlagUser)
	}
	if command.IsSet(define.FlagPassEnv) {
		p.PasswordEnv = command.String(define.FlagPassEnv)
	}
	if command.IsSet(define.FlagIdentity) {
		p.Identity = command.String(define.FlagIdentity)
	}
	if command.IsSet(define.FlagTimeout) {
		p.Timeout = command.Duration(define.FlagTimeout)
	}
	if command.IsSet(define.FlagKnownHosts) {
		p.KnownHosts = command.String(define.FlagKnownHosts)
	}
	if command.Bool(define.FlagAcceptNew) {
		p.AcceptNew = true
	}

	return p, p.Validate()
}

func credentials(command *cli.Command, p config.Profile) (session.Credentials, error) {
	if p.Identity != "" {
		var passphrase string
		if env := command.String(define.FlagPassphrase); env != "" {
			passphrase = os.Getenv(env)
		}
		return session.PrivateKeyFile(p.User, config.ExpandHome(p.Identity), passphrase), nil
	}

	pw, err := p.Password()
	if err != nil {
		return session.Credentials{}, err
	}
	return session.Password(p.User, pw), nil
}

func clientConfig(knownHosts string, acceptNew bool) *ssh.ClientConfig {
	cfg := ssh.NewClientConfig().WithBannerCallback(func(msg string) {
		fmt.Fprint(os.Stderr, msg)
	})
	if knownHosts != "" {
		cfg.WithKnownHosts(config.ExpandHome(knownHosts), acceptNew)
	}
	return cfg
}

// startScheduler starts the shared scheduler. The returned stop function
// terminates it.
func startScheduler() (*scheduler.Scheduler, func(), error) {
	sched := scheduler.Shared()
	if err := sched.Startup(); err != nil {
		return nil, nil, fmt.Errorf("start scheduler: %w", err)
	}
	return sched, sched.Terminate, nil
}

// openSession connects and authenticates to the host the flags describe.
func openSession(ctx context.Context, command *cli.Command, sched *scheduler.Scheduler) (*session.Session, config.Profile, error) {
	p, err := loadProfile(command)
	if err != nil {
		return nil, p, err
	}
	creds, err := credentials(command, p)
	if err != nil {
		return nil, p, err
	}

	ep := session.NewEndpoint(p.Host).WithPort(p.Port).WithTimeout(p.Timeout)
	sess, err := ssh.Open(ctx, sched, ep, creds, clientConfig(p.KnownHosts, p.AcceptNew))
	if err != nil {
		return nil, p, err
	}
	logrus.Infof("connected to %s (%s), host key %s", ep, sess.ResolvedAddress(), sess.Fingerprint())
	return sess, p, nil
}

func disconnect(sess *session.Session) {
	if err := sess.RequestDisconnectAndWait(context.Background()); err != nil {
		logrus.Warnf("disconnect: %v", err)
	}
}
