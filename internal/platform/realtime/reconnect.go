package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Dialer establishes one transport connection. Clients supply an
// implementation wrapping their websocket dial.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// ReconnectPolicy bounds automatic reconnection. Subscriptions never survive
// a reconnect: every successful dial yields a brand-new connection and the
// caller must re-issue its subscribe commands. Notifications published while
// disconnected are lost.
type ReconnectPolicy struct {
	// MaxAttempts is the number of dials tried before giving up.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Multiplier scales the delay after each failed attempt. 1 keeps the
	// delay fixed.
	Multiplier float64
}

// DefaultReconnectPolicy mirrors the capped-attempt behaviour clients are
// expected to implement: five attempts with a doubling delay.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		Delay:       2 * time.Second,
		Multiplier:  2,
	}
}

// DelayFor returns the wait before the given attempt. Attempts are numbered
// from 1; the first attempt is immediate.
func (p ReconnectPolicy) DelayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.Delay
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	return d
}

// Reconnector dials with bounded retries. It carries no session state: each
// successful dial produces a fresh connection for the caller to register and
// re-subscribe.
type Reconnector struct {
	dialer Dialer
	policy ReconnectPolicy
	logger zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconnector creates a Reconnector with the given dialer and policy.
func NewReconnector(dialer Dialer, policy ReconnectPolicy, logger zerolog.Logger) *Reconnector {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultReconnectPolicy().MaxAttempts
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	return &Reconnector{
		dialer: dialer,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Connect dials until a connection is established or attempts run out. It
// returns the connection and the number of attempts used. Context
// cancellation aborts between attempts.
func (r *Reconnector) Connect(ctx context.Context) (Conn, int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if delay := r.policy.DelayFor(attempt); delay > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return nil, attempt - 1, err
			}
		}

		conn, err := r.dialer.Dial(ctx)
		if err == nil {
			return conn, attempt, nil
		}
		lastErr = err
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
	}
	return nil, r.policy.MaxAttempts, fmt.Errorf("connect: %d attempts exhausted: %w", r.policy.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
