package realtime

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// failingListener reports a transient error on every Accept.
type failingListener struct {
	net.Listener
	accepts atomic.Int32
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	return nil, errors.New("accept: too many open files")
}

func TestRetryListener_RetriesTransientErrors(t *testing.T) {
	inner := &failingListener{}
	done := make(chan struct{})
	l := &retryListener{
		Listener: inner,
		done:     done,
		minWait:  time.Millisecond,
		maxWait:  2 * time.Millisecond,
		logger:   zap.NewNop(),
	}

	result := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		result <- err
	}()

	require.Eventually(t, func() bool { return inner.accepts.Load() >= 5 }, 2*time.Second, time.Millisecond)
	close(done)
	select {
	case err := <-result:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not stop")
	}
}

func TestRetryListener_DoneInterruptsBackoff(t *testing.T) {
	inner := &failingListener{}
	done := make(chan struct{})
	l := &retryListener{
		Listener: inner,
		done:     done,
		minWait:  time.Hour,
		maxWait:  time.Hour,
		logger:   zap.NewNop(),
	}

	result := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		result <- err
	}()

	require.Eventually(t, func() bool { return inner.accepts.Load() == 1 }, 2*time.Second, time.Millisecond)
	close(done)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept kept sleeping after done was closed")
	}
	assert.Equal(t, int32(1), inner.accepts.Load())
}
