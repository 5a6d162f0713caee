package ssh

import (
	"context"
	"errors"
	"fmt"

	"remoteshell/pkg/session"

	"github.com/sirupsen/logrus"
)

// Open connects and authenticates a new session on loop. The session is
// disconnected again when either step fails.
func Open(ctx context.Context, loop session.Loop, ep session.Endpoint, creds session.Credentials, config *ClientConfig, opts ...session.Option) (*session.Session, error) {
	if config == nil {
		config = NewClientConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := session.New(ep, NewEngine(config), loop, opts...)
	if err := s.RequestConnectAndWait(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ep, err)
	}
	logrus.Debugf("%s: connected, server %q", ep, s.Banner())

	if err := s.AuthenticateWith(ctx, creds); err != nil {
		if derr := s.RequestDisconnectAndWait(context.WithoutCancel(ctx)); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, fmt.Errorf("authenticate %s@%s: %w", creds.User, ep, err)
	}
	logrus.Debugf("%s: authenticated as %s, host key %s", ep, creds.User, s.Fingerprint())
	return s, nil
}
