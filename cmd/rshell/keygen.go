package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"remoteshell/pkg/config"
	"remoteshell/pkg/define"
	"remoteshell/pkg/ssh"

	"github.com/urfave/cli/v3"
)

var keygenCommand = cli.Command{
	Name:        "keygen",
	Usage:       "generate an SSH key pair",
	UsageText:   "keygen [--type ed25519|rsa|ecdsa] [--out path]",
	Description: "write a private key to --out and its public key to --out.pub; an existing pair is kept",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  define.FlagKeyType,
			Usage: "key type: ed25519, rsa or ecdsa",
			Value: "ed25519",
		},
		&cli.StringFlag{
			Name:  define.FlagKeyOut,
			Usage: "private key path",
			Value: filepath.Join("~", ".ssh", define.SSHKeyPair),
		},
	},
	Action: generateKeys,
}

func generateKeys(ctx context.Context, command *cli.Command) error {
	keyType, err := ssh.ParseKeyType(command.String(define.FlagKeyType))
	if err != nil {
		return err
	}

	opts := ssh.DefaultKeyGenOptions()
	opts.KeyType = keyType
	if env := command.String(define.FlagPassphrase); env != "" {
		opts.Passphrase = os.Getenv(env)
	}

	out := config.ExpandHome(command.String(define.FlagKeyOut))
	if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	kp, err := ssh.GenerateKeyPair(out, opts)
	if err != nil {
		return err
	}
	fmt.Println(kp.PublicKeyPath())
	return nil
}
