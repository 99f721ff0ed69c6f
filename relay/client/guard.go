package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultReconnectBaseDelay = 5 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
)

// newReconnectBackoff doubles the delay from base up to maxDelay and never gives up
func newReconnectBackoff(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	return bo
}

// errConnectionLost marks an attempt that reached Connected before failing
type errConnectionLost struct {
	err error
}

func (e *errConnectionLost) Error() string {
	return fmt.Sprintf("connection lost: %s", e.err)
}

func (e *errConnectionLost) Unwrap() error {
	return e.err
}

// runCampaign connects and reconnects until ctx is canceled. Only one campaign runs per Manager.
func (m *Manager) runCampaign(ctx context.Context) {
	bo := newReconnectBackoff(m.config.ReconnectBaseDelay, m.config.ReconnectMaxDelay)

	operation := func() error {
		m.setState(ctx, StateConnecting)

		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		// the delay starts over after every successful connection
		bo.Reset()
		m.resetReconnectDelay()

		err = m.serveConnection(ctx, conn)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return &errConnectionLost{err: err}
	}

	notify := func(err error, delay time.Duration) {
		if !m.enterReconnecting(ctx, delay) {
			return
		}

		var lost *errConnectionLost
		if errors.As(err, &lost) {
			m.log.Warnf("%s, reconnecting in %s", err, delay)
			m.statusLine(fmt.Sprintf("connection lost, reconnecting in %s", delay))
			return
		}
		m.log.Warnf("failed to connect to %s: %s, retrying in %s", m.config.ServerAddress, err, delay)
		m.statusLine(fmt.Sprintf("connection failed: %s, retrying in %s", err, delay))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Errorf("exiting connection retry loop due to unrecoverable error: %s", err)
	}
}
