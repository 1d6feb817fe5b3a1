// Package listener bridges a PostgreSQL LISTEN/NOTIFY channel into the
// realtime hub.
//
// A Listener holds one dedicated session, separate from the query pool. Every
// notification payload is published unchanged. Session loss is never fatal:
// the listener reconnects with capped exponential backoff until its context
// is cancelled or, when configured, a retry budget runs out.
package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/feed-data-realtime/internal/metrics"
)

const (
	DefaultChannel        = "last_price_change"
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second

	closeTimeout = 5 * time.Second
)

// ErrRetriesExhausted is returned by Run when MaxRetries consecutive
// reconnect attempts failed.
var ErrRetriesExhausted = errors.New("notification listener retries exhausted")

// SessionError reports a lost or unreachable notification session. It is
// always recoverable.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string { return fmt.Sprintf("notification session %s: %v", e.Op, e.Err) }
func (e *SessionError) Unwrap() error { return e.Err }

// Session is one connection able to receive notifications.
type Session interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (payload string, err error)
	Close(ctx context.Context) error
}

// Dialer opens a new Session.
type Dialer func(ctx context.Context) (Session, error)

// Publisher receives forwarded payloads. Publish must not block.
type Publisher interface {
	Publish(msg []byte)
}

type Options struct {
	Channel        string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries bounds consecutive reconnect attempts; 0 retries forever.
	MaxRetries int
	Clock      clockwork.Clock
	Metrics    *metrics.Realtime
}

type Listener struct {
	dial   Dialer
	pub    Publisher
	opts   Options
	logger *zap.Logger
}

func New(dial Dialer, pub Publisher, opts Options, logger *zap.Logger) *Listener {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.InitialBackoff)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNopRealtime()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		dial:   dial,
		pub:    pub,
		opts:   opts,
		logger: logger.With(zap.String("channel", opts.Channel)),
	}
}

// Run listens until ctx is cancelled, returning nil. It returns
// ErrRetriesExhausted only when MaxRetries is set and used up.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.opts.InitialBackoff
	failures := 0

	for {
		established, err := l.session(ctx)
		if ctx.Err() != nil {
			l.logger.Info("notification listener stopped")
			return nil
		}
		if established {
			backoff = l.opts.InitialBackoff
			failures = 0
		}

		failures++
		if l.opts.MaxRetries > 0 && failures > l.opts.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
		}

		l.opts.Metrics.ListenerReconnects.Inc()
		l.logger.Warn("notification session failed, reconnecting",
			zap.Error(err),
			zap.Int("attempt", failures),
			zap.Duration("backoff", backoff),
		)
		if !l.sleep(ctx, backoff) {
			l.logger.Info("notification listener stopped")
			return nil
		}
		backoff = nextBackoff(backoff, l.opts.MaxBackoff)
	}
}

// session runs one connection until it fails. established reports whether
// LISTEN succeeded, which resets the backoff.
func (l *Listener) session(ctx context.Context) (established bool, err error) {
	sess, err := l.dial(ctx)
	if err != nil {
		return false, &SessionError{Op: "connect", Err: err}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := sess.Close(closeCtx); cerr != nil {
			l.logger.Debug("close notification session", zap.Error(cerr))
		}
	}()

	if err := sess.Listen(ctx, l.opts.Channel); err != nil {
		return false, &SessionError{Op: "listen", Err: err}
	}
	l.logger.Info("listening for notifications")

	for {
		payload, err := sess.WaitForNotification(ctx)
		if err != nil {
			return true, &SessionError{Op: "wait", Err: err}
		}
		l.pub.Publish([]byte(payload))
		l.opts.Metrics.Notifications.Inc()
	}
}

func (l *Listener) sleep(ctx context.Context, d time.Duration) bool {
	t := l.opts.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	return min(cur*2, limit)
}
