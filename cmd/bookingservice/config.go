package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/example/parkwise/internal/booking/service"
	"github.com/example/parkwise/internal/notify"
	outboxworker "github.com/example/parkwise/internal/outbox"
)

type appConfig struct {
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Tracing     bool   `envconfig:"TRACING" default:"false"`
	PostgresDSN string `envconfig:"DATABASE_URL"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`
	NATSURL     string `envconfig:"NATS_URL"`

	JWTSecret      string        `envconfig:"JWT_SECRET" required:"true"`
	PassSecret     string        `envconfig:"PASS_SECRET" required:"true"`
	PassIssuer     string        `envconfig:"PASS_ISSUER" default:"parkwise"`
	PassTTL        time.Duration `envconfig:"PASS_TTL" default:"72h"`
	CallbackSecret string        `envconfig:"PAYMENT_CALLBACK_SECRET"`

	GarageCatalog string        `envconfig:"GARAGE_CATALOG" default:"configs/garages.yaml"`
	CatalogPoll   time.Duration `envconfig:"GARAGE_CATALOG_POLL" default:"30s"`

	AlertLead        time.Duration `envconfig:"ALERT_LEAD" default:"5m"`
	HardExpiryBuffer time.Duration `envconfig:"HARD_EXPIRY_BUFFER" default:"10m"`
	MustEnterWindow  time.Duration `envconfig:"MUST_ENTER_WINDOW" default:"1h"`
	LateConfirmation bool          `envconfig:"LATE_CONFIRMATION" default:"true"`

	TimerPoll  time.Duration `envconfig:"TIMER_POLL" default:"1s"`
	TimerLease time.Duration `envconfig:"TIMER_LEASE" default:"30s"`
	TimerBatch int           `envconfig:"TIMER_BATCH" default:"100"`
	LockTTL    time.Duration `envconfig:"LOCK_TTL" default:"10s"`
	IdemTTL    time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	NotifyWorkers int     `envconfig:"NOTIFY_WORKERS" default:"4"`
	NotifyRPS     float64 `envconfig:"NOTIFY_RPS" default:"20"`
	NotifyBurst   int     `envconfig:"NOTIFY_BURST" default:"30"`
	NotifyRetry   int     `envconfig:"NOTIFY_RETRY_MAX" default:"3"`
	NotifyPrefix  string  `envconfig:"NOTIFY_SUBJECT_PREFIX" default:"parking.notifications"`

	OutboxPoll  time.Duration `envconfig:"OUTBOX_POLL" default:"200ms"`
	OutboxBatch int           `envconfig:"OUTBOX_BATCH" default:"100"`
	OutboxRetry int           `envconfig:"OUTBOX_RETRY_MAX" default:"3"`
}

// loadConfig reads the environment, preloading a .env file when present.
func loadConfig() (appConfig, error) {
	_ = godotenv.Load(".env")
	var cfg appConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return appConfig{}, fmt.Errorf("process env: %w", err)
	}
	return cfg, nil
}

func (c appConfig) engine() service.Config {
	return service.Config{
		AlertLead:        c.AlertLead,
		HardExpiryBuffer: c.HardExpiryBuffer,
		MustEnterWindow:  c.MustEnterWindow,
		LateConfirmation: c.LateConfirmation,
	}
}

func (c appConfig) dispatcher() notify.Config {
	return notify.Config{
		Workers:       c.NotifyWorkers,
		RatePerSecond: c.NotifyRPS,
		Burst:         c.NotifyBurst,
		RetryMax:      c.NotifyRetry,
	}
}

func (c appConfig) outbox() outboxworker.WorkerConfig {
	return outboxworker.WorkerConfig{
		PollInterval: c.OutboxPoll,
		BatchSize:    c.OutboxBatch,
		RetryMax:     c.OutboxRetry,
	}
}
