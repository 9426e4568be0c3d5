package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/grouprelay/internal/protocol"
)

// Connector keeps a session to the relay alive, redialing with exponential
// backoff for as long as ctx allows. Each fresh session is handed to the
// reconciler, which re-joins groups and flushes the outbox.
type Connector struct {
	opts       Options
	reconciler *Reconciler
	logger     zerolog.Logger

	// NewBackOff returns the policy for one redial cycle.
	NewBackOff func() backoff.BackOff
}

func NewConnector(opts Options, reconciler *Reconciler) *Connector {
	return &Connector{
		opts:       opts,
		reconciler: reconciler,
		logger:     opts.Logger,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0 // never give up
			return b
		},
	}
}

// Run blocks until ctx ends or the relay rejects the credentials.
// onSession, if set, is called with every new session after reconciliation.
func (c *Connector) Run(ctx context.Context, onSession func(*Session)) error {
	opts := c.opts
	userOnMessage := opts.Handlers.OnMessage
	opts.Handlers.OnMessage = func(m protocol.Message) {
		if err := c.reconciler.HandleMessage(ctx, m); err != nil {
			c.logger.Error().Err(err).Str("id", m.ID).Msg("failed to store relayed message")
		}
		if userOnMessage != nil {
			userOnMessage(m)
		}
	}

	for {
		var s *Session
		dial := func() error {
			var err error
			s, err = Dial(ctx, opts)
			if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrDeviceIDRequired) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("relay unreachable")
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(c.NewBackOff(), ctx), notify); err != nil {
			return err
		}

		if err := c.reconciler.OnConnected(ctx, s); err != nil {
			c.logger.Warn().Err(err).Msg("reconciliation incomplete")
		}
		if onSession != nil {
			onSession(s)
		}

		select {
		case <-s.Done():
			c.reconciler.OnDisconnected(s)
		case <-ctx.Done():
			c.reconciler.OnDisconnected(s)
			_ = s.Close()
			return ctx.Err()
		}
	}
}
