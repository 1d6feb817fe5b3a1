package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config aggregates runtime settings loaded from environment variables.
// A .env file in the working directory is read first when present.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" default:":8080"`
	WSAddr   string `env:"WS_ADDR" default:":1092"`

	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PG_HOST" default:"localhost"`
	PGPort      string `env:"PG_PORT" default:"5432"`
	PGDatabase  string `env:"PG_DATABASE" default:"feed_data"`
	PGUser      string `env:"PG_USER" default:"feed_data"`
	PGPassword  string `env:"PG_PASSWORD"`
	PGSSL       bool   `env:"PG_SSL" default:"false"`

	NotifyChannel    string `env:"NOTIFY_CHANNEL" default:"last_price_change"`
	TrustedProducers string `env:"TRUSTED_PRODUCERS" default:"OMS_SERVER"`
	HubBufferSize    int    `env:"HUB_BUFFER_SIZE" default:"16"`

	ListenerInitialBackoff time.Duration `env:"LISTENER_INITIAL_BACKOFF" default:"1s"`
	ListenerMaxBackoff     time.Duration `env:"LISTENER_MAX_BACKOFF" default:"30s"`
	ListenerMaxRetries     int           `env:"LISTENER_MAX_RETRIES" default:"0"`

	WSMaxMessageBytes  int64         `env:"WS_MAX_MESSAGE_BYTES" default:"4096"`
	WSWriteTimeout     time.Duration `env:"WS_WRITE_TIMEOUT" default:"5s"`
	WSPongTimeout      time.Duration `env:"WS_PONG_TIMEOUT" default:"60s"`
	WSPingInterval     time.Duration `env:"WS_PING_INTERVAL" default:"30s"`
	WSMaxConnections   int           `env:"WS_MAX_CONNECTIONS" default:"10000"`
	WSAllowedOrigins   string        `env:"WS_ALLOWED_ORIGINS"`
	MaxMalformedFrames int           `env:"MAX_MALFORMED_FRAMES" default:"3"`

	StoreBreakerFailures uint32        `env:"STORE_BREAKER_FAILURES" default:"5"`
	StoreBreakerTimeout  time.Duration `env:"STORE_BREAKER_TIMEOUT" default:"30s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
	ApplyMigrations bool          `env:"APPLY_MIGRATIONS" default:"true"`
	MaintenanceFlag string        `env:"MAINTENANCE_FLAG" default:"maintenance.flag"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`
}

// Load reads .env (if any) and the process environment into a validated Config.
func Load() (Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that defaults alone cannot guarantee.
func (c Config) Validate() error {
	var errs []error
	if c.HubBufferSize < 1 {
		errs = append(errs, errors.New("HUB_BUFFER_SIZE must be at least 1"))
	}
	if c.ListenerInitialBackoff <= 0 {
		errs = append(errs, errors.New("LISTENER_INITIAL_BACKOFF must be positive"))
	}
	if c.ListenerMaxBackoff < c.ListenerInitialBackoff {
		errs = append(errs, errors.New("LISTENER_MAX_BACKOFF must not be below LISTENER_INITIAL_BACKOFF"))
	}
	if c.ListenerMaxRetries < 0 {
		errs = append(errs, errors.New("LISTENER_MAX_RETRIES must not be negative"))
	}
	if len(c.TrustedProducerSet()) == 0 {
		errs = append(errs, errors.New("TRUSTED_PRODUCERS must name at least one producer"))
	}
	if c.HTTPAddr == c.WSAddr {
		errs = append(errs, fmt.Errorf("HTTP_ADDR and WS_ADDR must differ, both are %q", c.HTTPAddr))
	}
	if c.MaxMalformedFrames < 1 {
		errs = append(errs, errors.New("MAX_MALFORMED_FRAMES must be at least 1"))
	}
	if c.WSMaxMessageBytes < 1 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE_BYTES must be at least 1"))
	}
	if c.WSPingInterval >= c.WSPongTimeout {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be shorter than WS_PONG_TIMEOUT"))
	}
	return errors.Join(errs...)
}

// DSN returns DATABASE_URL when set, otherwise a URL built from the PG_* fields.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	sslMode := "disable"
	if c.PGSSL {
		sslMode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PGUser, c.PGPassword),
		Host:     c.PGHost + ":" + firstNonEmpty(c.PGPort, "5432"),
		Path:     "/" + c.PGDatabase,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

// TrustedProducerSet splits TRUSTED_PRODUCERS on commas. Identities are kept
// case-sensitive; surrounding whitespace is dropped.
func (c Config) TrustedProducerSet() map[string]struct{} {
	return splitSet(c.TrustedProducers)
}

// AllowedOrigins returns the configured WebSocket origins; empty allows any.
func (c Config) AllowedOrigins() []string {
	var out []string
	for origin := range splitSet(c.WSAllowedOrigins) {
		out = append(out, origin)
	}
	return out
}

func splitSet(raw string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
