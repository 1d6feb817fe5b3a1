package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// AcceptorOptions tunes the WebSocket endpoint.
type AcceptorOptions struct {
	// AllowedOrigins lists exact browser origins (scheme://host[:port]).
	// Empty allows every origin; requests without an Origin header are
	// always allowed.
	AllowedOrigins  []string
	MaxConnections  int
	ShutdownTimeout time.Duration
}

// Acceptor binds the WebSocket endpoint and runs one Multiplexer per
// upgraded connection, each bound to a fresh hub Subscription.
type Acceptor struct {
	hub      *Hub
	cfg      ConnConfig
	opts     AcceptorOptions
	upgrader websocket.Upgrader
	logger   *zap.Logger

	ctx context.Context // cancelled when serving stops; set before the first request

	mu       sync.Mutex
	draining bool
	slots    int
	conns    map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
}

func NewAcceptor(hub *Hub, cfg ConnConfig, opts AcceptorOptions, logger *zap.Logger) *Acceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	a := &Acceptor{
		hub:    hub,
		cfg:    cfg.withDefaults(),
		opts:   opts,
		logger: logger,
		ctx:    context.Background(),
		conns:  map[*websocket.Conn]struct{}{},
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

// Serve binds addr and serves until ctx is cancelled. A bind failure is
// returned immediately; it is the only fatal error.
func (a *Acceptor) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind websocket listener %s: %w", addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener serves on an already bound listener. On cancellation it stops
// accepting, lets connections finish their in-flight write and close, and
// waits for them up to the shutdown timeout.
func (a *Acceptor) ServeListener(ctx context.Context, ln net.Listener) error {
	connCtx, cancelConns := context.WithCancel(ctx)
	defer cancelConns()
	a.ctx = connCtx

	srv := &http.Server{
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(a.logger.Named("websocket_http")),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(&retryListener{
			Listener: ln,
			done:     connCtx.Done(),
			minWait:  acceptBackoffMin,
			maxWait:  acceptBackoffMax,
			logger:   a.logger,
		})
	}()
	a.logger.Info("websocket acceptor listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		cancelConns()
		a.drain(context.Background())
		if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("serve websocket: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("websocket http shutdown", zap.Error(err))
	}
	<-errCh
	a.drain(shutdownCtx)
	a.logger.Info("websocket acceptor stopped")
	return nil
}

// ActiveConnections returns the number of connections being served.
func (a *Acceptor) ActiveConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.admit() {
		a.cfg.Metrics.ConnectionsRejected.Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer a.wg.Done()

	logger := a.logger.With(
		zap.String("conn_id", uuid.NewString()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		logger.Debug("websocket upgrade failed", zap.Error(err))
		a.release(nil)
		return
	}
	a.track(conn)
	defer a.release(conn)

	a.cfg.Metrics.ConnectionsTotal.Inc()
	a.cfg.Metrics.ActiveConnections.Inc()
	defer a.cfg.Metrics.ActiveConnections.Dec()

	logger.Debug("client connected")
	mux := NewMultiplexer(conn, a.hub, a.hub.Subscribe(), a.cfg, logger)
	if err := mux.Run(a.ctx); err != nil {
		logger.Info("connection ended", zap.Error(err))
		return
	}
	logger.Debug("client disconnected")
}

// admit reserves a connection slot unless the acceptor is draining or full.
func (a *Acceptor) admit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draining {
		return false
	}
	if a.opts.MaxConnections > 0 && a.slots >= a.opts.MaxConnections {
		return false
	}
	a.slots++
	a.wg.Add(1)
	return true
}

func (a *Acceptor) track(conn *websocket.Conn) {
	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()
}

func (a *Acceptor) release(conn *websocket.Conn) {
	a.mu.Lock()
	if conn != nil {
		delete(a.conns, conn)
	}
	a.slots--
	a.mu.Unlock()
}

// drain refuses new connections and waits for the active ones. Connections
// still open when ctx expires are closed forcibly.
func (a *Acceptor) drain(ctx context.Context) {
	a.mu.Lock()
	a.draining = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	a.mu.Lock()
	remaining := len(a.conns)
	for conn := range a.conns {
		_ = conn.Close()
	}
	a.mu.Unlock()
	a.logger.Warn("forced websocket connections closed after shutdown timeout", zap.Int("connections", remaining))
	<-done
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(a.opts.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range a.opts.AllowedOrigins {
		if allowed == u.Scheme+"://"+u.Host {
			return true
		}
	}
	return false
}

// retryListener keeps the accept loop alive across transient errors. Only a
// closed listener or done ends it.
type retryListener struct {
	net.Listener
	done             <-chan struct{}
	minWait, maxWait time.Duration
	logger           *zap.Logger
}

func (l *retryListener) Accept() (net.Conn, error) {
	backoff := l.minWait
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		l.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-l.done:
			t.Stop()
			return nil, fmt.Errorf("accept: %w", net.ErrClosed)
		}
		backoff = min(backoff*2, l.maxWait)
	}
}
