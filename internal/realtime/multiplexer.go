package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/feed-data-realtime/internal/metrics"
	"github.com/feed-data-realtime/internal/validation"
)

const (
	defaultWriteTimeout       = 5 * time.Second
	defaultPongTimeout        = 60 * time.Second
	defaultPingInterval       = 30 * time.Second
	defaultMaxMessageBytes    = 4096
	defaultMaxMalformedFrames = 3
)

var (
	errPeerClosed  = errors.New("peer closed connection")
	errLocalClosed = errors.New("connection closed locally")
)

// Publisher accepts serialized messages for fan-out.
type Publisher interface {
	Publish(msg []byte)
}

// ConnConfig is shared by every connection served by one Acceptor.
type ConnConfig struct {
	// Trusted is the exact, case-sensitive set of producer identities whose
	// envelopes are re-broadcast.
	Trusted            map[string]struct{}
	Validator          *validation.Validator
	MaxMalformedFrames int
	MaxMessageBytes    int64
	WriteTimeout       time.Duration
	PongTimeout        time.Duration
	PingInterval       time.Duration
	Metrics            *metrics.Realtime
	// RejectLog throttles log lines for discarded untrusted frames across
	// all connections; the metric counts every one.
	RejectLog *rate.Limiter
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.Trusted == nil {
		c.Trusted = map[string]struct{}{}
	}
	if c.Validator == nil {
		c.Validator = validation.New()
	}
	if c.MaxMalformedFrames < 1 {
		c.MaxMalformedFrames = defaultMaxMalformedFrames
	}
	if c.MaxMessageBytes < 1 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNopRealtime()
	}
	if c.RejectLog == nil {
		c.RejectLog = rate.NewLimiter(rate.Every(10*time.Second), 1)
	}
	return c
}

// Multiplexer owns one client connection: it drains a Subscription to the
// client and republishes trusted inbound envelopes to the hub.
type Multiplexer struct {
	conn   *websocket.Conn
	pub    Publisher
	sub    *Subscription
	cfg    ConnConfig
	logger *zap.Logger

	closing   atomic.Bool
	closeSent atomic.Bool
	closeOnce sync.Once
}

func NewMultiplexer(conn *websocket.Conn, pub Publisher, sub *Subscription, cfg ConnConfig, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{
		conn:   conn,
		pub:    pub,
		sub:    sub,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run serves the connection until the client goes away, an I/O error occurs,
// the subscription ends or ctx is cancelled. The subscription is always
// closed on return. Orderly closes return nil.
func (m *Multiplexer) Run(ctx context.Context) error {
	defer m.sub.Close()

	m.conn.SetReadLimit(m.cfg.MaxMessageBytes)
	_ = m.conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	})

	g, gctx := errgroup.WithContext(ctx)

	var outErr error
	outboundDone := make(chan struct{})

	g.Go(m.inbound)
	g.Go(func() error {
		defer close(outboundDone)
		outErr = m.outbound(gctx)
		return outErr
	})
	g.Go(func() error {
		// The transport is closed only after outbound returned, so a frame
		// write is never cut short.
		<-outboundDone
		code, text := websocket.CloseNormalClosure, ""
		if ctx.Err() != nil || errors.Is(outErr, ErrSubscriptionClosed) {
			code, text = websocket.CloseGoingAway, "server shutting down"
		}
		m.closeTransport(code, text)
		return nil
	})

	err := g.Wait()
	switch {
	case err == nil,
		errors.Is(err, errPeerClosed),
		errors.Is(err, errLocalClosed),
		errors.Is(err, ErrSubscriptionClosed):
		return nil
	}
	return err
}

func (m *Multiplexer) inbound() error {
	strikes := 0
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			return m.readError(err)
		}
		// Any inbound frame proves the peer alive, not only a pong.
		_ = m.conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))

		if err := m.handleFrame(data); err != nil {
			strikes++
			m.cfg.Metrics.FramesRejected.WithLabelValues("malformed").Inc()
			m.logger.Warn("malformed frame",
				zap.Error(err),
				zap.Int("consecutive", strikes),
			)
			if strikes >= m.cfg.MaxMalformedFrames {
				m.sendClose(websocket.ClosePolicyViolation, "too many malformed frames")
				return ErrTooManyMalformedFrames
			}
			continue
		}
		strikes = 0
	}
}

// handleFrame decodes one inbound frame and republishes it when the producer
// is trusted. Only decode failures are reported; untrusted frames are dropped
// silently.
func (m *Multiplexer) handleFrame(data []byte) error {
	env, err := m.cfg.Validator.DecodeEnvelope(data)
	if err != nil {
		return &FrameDecodeError{Err: err}
	}

	if _, ok := m.cfg.Trusted[env.ClientID]; !ok {
		m.cfg.Metrics.FramesRejected.WithLabelValues("untrusted").Inc()
		if m.cfg.RejectLog.Allow() {
			m.logger.Info("discarding frame from untrusted producer", zap.String("client_id", env.ClientID))
		}
		return nil
	}

	payload, err := json.Marshal(env.Instrument)
	if err != nil {
		return &FrameDecodeError{Err: err}
	}
	m.pub.Publish(payload)
	m.cfg.Metrics.FramesRepublished.Inc()
	return nil
}

func (m *Multiplexer) readError(err error) error {
	if m.closing.Load() {
		return errLocalClosed
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		m.logger.Debug("client closed connection", zap.Int("code", closeErr.Code), zap.String("text", closeErr.Text))
		return errPeerClosed
	}
	return &TransportError{Op: "read", Err: err}
}

func (m *Multiplexer) outbound(ctx context.Context) error {
	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()

	for {
		// Pings are checked on every iteration so a subscription that never
		// empties still keeps the peer's pongs coming.
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := m.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		default:
		}

		msg, ok, closed := m.sub.TryNext()
		if closed {
			return ErrSubscriptionClosed
		}
		if ok {
			if err := m.write(websocket.TextMessage, msg); err != nil {
				return err
			}
			continue
		}

		select {
		case <-m.sub.Ready():
		case <-m.sub.Done():
		case <-ping.C:
			if err := m.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Multiplexer) write(messageType int, data []byte) error {
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := m.conn.WriteMessage(messageType, data); err != nil {
		if m.closing.Load() {
			return errLocalClosed
		}
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// sendClose writes at most one close frame per connection.
func (m *Multiplexer) sendClose(code int, text string) {
	if !m.closeSent.CompareAndSwap(false, true) {
		return
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.cfg.WriteTimeout))
}

// closeTransport sends a best-effort close frame unless one was already sent,
// then closes the socket. Both WriteControl and Close may run concurrently
// with the read loop.
func (m *Multiplexer) closeTransport(code int, text string) {
	m.closeOnce.Do(func() {
		m.closing.Store(true)
		m.sendClose(code, text)
		_ = m.conn.Close()
	})
}
