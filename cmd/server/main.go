package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/feed-data-realtime/internal/config"
	"github.com/feed-data-realtime/internal/db"
	feedhttp "github.com/feed-data-realtime/internal/http"
	"github.com/feed-data-realtime/internal/listener"
	"github.com/feed-data-realtime/internal/logging"
	"github.com/feed-data-realtime/internal/metrics"
	"github.com/feed-data-realtime/internal/realtime"
	"github.com/feed-data-realtime/internal/repository"
	"github.com/feed-data-realtime/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run binds both endpoints and serves until ctx is cancelled. A bind failure
// is the only startup error that stops the process; the database may be
// unreachable and is retried in the background.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	wsLn, err := net.Listen("tcp", cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("bind websocket listener %s: %w", cfg.WSAddr, err)
	}
	httpLn, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = wsLn.Close()
		return fmt.Errorf("bind http listener %s: %w", cfg.HTTPAddr, err)
	}
	return serve(ctx, cfg, logger, wsLn, httpLn)
}

// serve owns both listeners and closes them on return.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger, wsLn, httpLn net.Listener) error {
	defer wsLn.Close()
	defer httpLn.Close()

	reg := metrics.NewRegistry()
	realtimeMetrics := metrics.NewRealtime(reg)
	httpMetrics := metrics.NewHTTP(reg)

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db config: %w", err)
	}
	defer pool.Close()

	listenCfg, err := db.ListenConfig(cfg)
	if err != nil {
		return err
	}

	v := validation.New()
	hub := realtime.NewHub(cfg.HubBufferSize, realtimeMetrics)
	defer hub.Close()

	notifications := listener.New(listener.PGDialer(listenCfg), hub, listener.Options{
		Channel:        cfg.NotifyChannel,
		InitialBackoff: cfg.ListenerInitialBackoff,
		MaxBackoff:     cfg.ListenerMaxBackoff,
		MaxRetries:     cfg.ListenerMaxRetries,
		Metrics:        realtimeMetrics,
	}, logger.Named("listener"))

	acceptor := realtime.NewAcceptor(hub, realtime.ConnConfig{
		Trusted:            cfg.TrustedProducerSet(),
		Validator:          v,
		MaxMalformedFrames: cfg.MaxMalformedFrames,
		MaxMessageBytes:    cfg.WSMaxMessageBytes,
		WriteTimeout:       cfg.WSWriteTimeout,
		PongTimeout:        cfg.WSPongTimeout,
		PingInterval:       cfg.WSPingInterval,
		Metrics:            realtimeMetrics,
	}, realtime.AcceptorOptions{
		AllowedOrigins:  cfg.AllowedOrigins(),
		MaxConnections:  cfg.WSMaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger.Named("websocket"))

	store := repository.NewBreaker(repository.NewInstruments(pool), repository.BreakerOptions{
		ConsecutiveFailures: cfg.StoreBreakerFailures,
		OpenTimeout:         cfg.StoreBreakerTimeout,
		OnStateChange: func(_, to gobreaker.State) {
			httpMetrics.StoreBreaker.Set(float64(to))
		},
	}, logger.Named("store"))

	router := feedhttp.NewRouter(feedhttp.RouterDeps{
		Handler:  feedhttp.NewHandler(store, v, cfg.TrustedProducerSet(), logger.Named("api")),
		Config:   cfg,
		Metrics:  httpMetrics,
		Registry: reg,
		Logger:   logger,
	})
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http_server")),
	}

	listenerCtx, stopListener := context.WithCancel(context.WithoutCancel(ctx))
	defer stopListener()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		// Losing the notification stream degrades the feed but never stops
		// the process.
		if err := notifications.Run(listenerCtx); err != nil {
			logger.Error("notification listener gave up, clients receive only direct frames", zap.Error(err))
		}
	}()

	if cfg.ApplyMigrations {
		background.Add(1)
		go func() {
			defer background.Done()
			apply := func(ctx context.Context) error {
				return db.ApplyMigrations(ctx, pool, db.Migrations, "migrations")
			}
			_ = db.ApplyWithRetry(listenerCtx, apply, db.RetryOptions{
				InitialBackoff: cfg.ListenerInitialBackoff,
				MaxBackoff:     cfg.ListenerMaxBackoff,
			}, logger.Named("migrations"))
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acceptor.ServeListener(gctx, wsLn)
	})
	g.Go(func() error {
		logger.Info("query api listening", zap.String("addr", httpLn.Addr().String()))
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})

	// The acceptor returns only after its connections drained; the
	// listener, migrations and hub are stopped after it.
	err = g.Wait()
	stopListener()
	background.Wait()
	hub.Close()
	return err
}

// ensure gin uses release mode in production
func init() {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}
