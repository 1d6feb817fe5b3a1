package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/feed-data-realtime/internal/models"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("instrument store unavailable")

// Store is the full instrument query and write surface.
type Store interface {
	List(ctx context.Context, limit int) ([]models.Instrument, error)
	Detail(ctx context.Context, id int64) (models.InstrumentDetail, error)
	Chart(ctx context.Context, id int64, interval models.ChartInterval, from, to time.Time) ([]models.ChartCandle, error)
	Search(ctx context.Context, term string, limit int) ([]models.Instrument, error)
	TopGainers(ctx context.Context, limit int) ([]models.Instrument, error)
	TopLosers(ctx context.Context, limit int) ([]models.Instrument, error)
	UpdatePrice(ctx context.Context, u models.PriceUpdate) error
}

type BreakerOptions struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// OnStateChange observes transitions, e.g. for a metrics gauge.
	OnStateChange func(from, to gobreaker.State)
}

// Breaker wraps a Store with a circuit breaker. Store failures count against
// it; ErrNotFound and caller cancellation do not.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Store, opts BreakerOptions, logger *zap.Logger) *Breaker {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := opts.ConsecutiveFailures
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "instrument_store",
			MaxRequests: 1,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				if opts.OnStateChange != nil {
					opts.OnStateChange(from, to)
				}
			},
		}),
	}
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) List(ctx context.Context, limit int) ([]models.Instrument, error) {
	return guard(b, func() ([]models.Instrument, error) { return b.next.List(ctx, limit) })
}

func (b *Breaker) Detail(ctx context.Context, id int64) (models.InstrumentDetail, error) {
	return guard(b, func() (models.InstrumentDetail, error) { return b.next.Detail(ctx, id) })
}

func (b *Breaker) Chart(ctx context.Context, id int64, interval models.ChartInterval, from, to time.Time) ([]models.ChartCandle, error) {
	return guard(b, func() ([]models.ChartCandle, error) { return b.next.Chart(ctx, id, interval, from, to) })
}

func (b *Breaker) Search(ctx context.Context, term string, limit int) ([]models.Instrument, error) {
	return guard(b, func() ([]models.Instrument, error) { return b.next.Search(ctx, term, limit) })
}

func (b *Breaker) TopGainers(ctx context.Context, limit int) ([]models.Instrument, error) {
	return guard(b, func() ([]models.Instrument, error) { return b.next.TopGainers(ctx, limit) })
}

func (b *Breaker) TopLosers(ctx context.Context, limit int) ([]models.Instrument, error) {
	return guard(b, func() ([]models.Instrument, error) { return b.next.TopLosers(ctx, limit) })
}

func (b *Breaker) UpdatePrice(ctx context.Context, u models.PriceUpdate) error {
	_, err := guard(b, func() (struct{}, error) { return struct{}{}, b.next.UpdatePrice(ctx, u) })
	return err
}

func guard[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var (
		result    T
		passedErr error
	)
	_, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil && !countsAsFailure(err) {
			passedErr = err
			return nil, nil
		}
		result = v
		return nil, err
	})

	var zero T
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	case err != nil:
		return zero, err
	case passedErr != nil:
		return zero, passedErr
	}
	return result, nil
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
