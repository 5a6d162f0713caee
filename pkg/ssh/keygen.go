package ssh

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/keygen"
	"github.com/sirupsen/logrus"
)

// KeyPair represents an SSH key pair with its metadata
type KeyPair struct {
	*keygen.KeyPair
	AbsolutePath string
}

// KeyGenOptions configures SSH key generation
type KeyGenOptions struct {
	KeyType    keygen.KeyType
	Passphrase string
}

// DefaultKeyGenOptions returns sensible defaults for key generation
func DefaultKeyGenOptions() KeyGenOptions {
	return KeyGenOptions{
		KeyType: keygen.Ed25519,
	}
}

// ParseKeyType maps a command line name to a key type.
func ParseKeyType(name string) (keygen.KeyType, error) {
	switch strings.ToLower(name) {
	case "", "ed25519":
		return keygen.Ed25519, nil
	case "rsa":
		return keygen.RSA, nil
	case "ecdsa":
		return keygen.ECDSA, nil
	}
	return "", fmt.Errorf("unsupported key type %q", name)
}

// GenerateKeyPair creates a key pair and writes it to keyFile and
// keyFile.pub. An existing pair at keyFile is loaded instead. An empty
// keyFile keeps the pair in memory only.
func GenerateKeyPair(keyFile string, opts KeyGenOptions) (*KeyPair, error) {
	logrus.Debugf("generating SSH key pair (type: %v) at %q", opts.KeyType, keyFile)

	keygenOpts := []keygen.Option{
		keygen.WithKeyType(opts.KeyType),
	}
	if opts.Passphrase != "" {
		keygenOpts = append(keygenOpts, keygen.WithPassphrase(opts.Passphrase))
	}

	kp, err := keygen.New(keyFile, keygenOpts...)
	if err != nil {
		logrus.Errorf("failed to generate SSH key pair: %v", err)
		return nil, err
	}
	if keyFile != "" && !kp.KeyPairExists() {
		if err := kp.WriteKeys(); err != nil {
			return nil, fmt.Errorf("write key pair to %q: %w", keyFile, err)
		}
	}

	return &KeyPair{
		KeyPair:      kp,
		AbsolutePath: keyFile,
	}, nil
}

// PublicKeyPath returns the path to the public key file
func (kp *KeyPair) PublicKeyPath() string {
	return kp.AbsolutePath + ".pub"
}

// PrivateKeyPath returns the path to the private key file
func (kp *KeyPair) PrivateKeyPath() string {
	return kp.AbsolutePath
}
