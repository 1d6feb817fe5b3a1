package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/feed-data-realtime/internal/models"
)

type stubStore struct {
	Store
	err   error
	calls int
}

func (s *stubStore) List(context.Context, int) ([]models.Instrument, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []models.Instrument{{InstrumentID: 1}}, nil
}

func (s *stubStore) Detail(_ context.Context, id int64) (models.InstrumentDetail, error) {
	s.calls++
	return models.InstrumentDetail{}, ErrNotFound
}

func (s *stubStore) UpdatePrice(context.Context, models.PriceUpdate) error {
	s.calls++
	return s.err
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &stubStore{err: errors.New("connection refused")}
	var transitions []gobreaker.State
	b := NewBreaker(inner, BreakerOptions{
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Hour,
		OnStateChange:       func(_, to gobreaker.State) { transitions = append(transitions, to) },
	}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, err := b.List(context.Background(), 5)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	_, err := b.List(context.Background(), 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, b.UpdatePrice(context.Background(), models.PriceUpdate{}), ErrUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestBreaker_NotFoundIsNotAFailure(t *testing.T) {
	inner := &stubStore{}
	b := NewBreaker(inner, BreakerOptions{ConsecutiveFailures: 1}, nil)

	for i := 0; i < 5; i++ {
		_, err := b.Detail(context.Background(), 9)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, 5, inner.calls)
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	inner := &stubStore{err: context.Canceled}
	b := NewBreaker(inner, BreakerOptions{ConsecutiveFailures: 1}, nil)

	_, err := b.List(context.Background(), 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_RecoversAfterTimeout(t *testing.T) {
	inner := &stubStore{err: errors.New("connection refused")}
	b := NewBreaker(inner, BreakerOptions{ConsecutiveFailures: 1, OpenTimeout: 20 * time.Millisecond}, nil)

	_, err := b.List(context.Background(), 5)
	require.Error(t, err)
	require.Equal(t, gobreaker.StateOpen, b.State())

	inner.err = nil
	require.Eventually(t, func() bool { return b.State() == gobreaker.StateHalfOpen }, time.Second, 5*time.Millisecond)

	got, err := b.List(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []models.Instrument{{InstrumentID: 1}}, got)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
