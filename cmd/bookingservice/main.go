package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/handler"
	"github.com/example/parkwise/internal/booking/ledger"
	"github.com/example/parkwise/internal/booking/repository"
	"github.com/example/parkwise/internal/booking/scan"
	"github.com/example/parkwise/internal/booking/service"
	"github.com/example/parkwise/internal/booking/spots"
	"github.com/example/parkwise/internal/booking/token"
	"github.com/example/parkwise/internal/garage"
	"github.com/example/parkwise/internal/lock"
	"github.com/example/parkwise/internal/notify"
	outboxworker "github.com/example/parkwise/internal/outbox"
	"github.com/example/parkwise/internal/timer"
	"github.com/example/parkwise/pkg/observability"
	outboxpkg "github.com/example/parkwise/pkg/outbox"
)

// store is everything the engine persists.
type store interface {
	domain.BookingRepository
	domain.SpotRepository
	domain.AccountRepository
	domain.LedgerRepository
	domain.TxManager
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		observability.SetupLogger("booking-service", "").Fatal("config", zap.Error(err))
	}

	logger := observability.SetupLogger("booking-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "booking-service", cfg.Tracing)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	checks := map[string]observability.Check{}

	var (
		db    *sql.DB
		repo  store
		clock = domain.SystemClock{}
	)
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		pg := repository.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		repo = pg
		checks["postgres"] = db.PingContext
	} else {
		logger.Warn("DATABASE_URL not set, bookings are kept in memory")
		repo = repository.NewMemoryStore()
	}

	var (
		locks      domain.Locker = lock.NewKeyed()
		timerStore timer.Store   = timer.NewMemoryStore()
		idem       domain.IdempotencyRepository
	)
	idem = repository.NewMemoryIdempotencyRepo(cfg.IdemTTL)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		locks = lock.NewRedis(redisClient, lock.RedisConfig{TTL: cfg.LockTTL})
		timerStore = timer.NewRedisStore(redisClient, "")
		idem = repository.NewRedisIdempotencyRepo(redisClient, "", cfg.IdemTTL)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_ADDR not set, locks and timers are process local")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("bookingservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	sender := buildSender(ctx, db, natsConn, logger, cfg)
	dispatcher := notify.NewDispatcher(sender, logger.Named("notify"), cfg.dispatcher())
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("notification dispatcher stopped", zap.Error(err))
		}
	}()

	catalog, err := garage.Load(cfg.GarageCatalog, logger)
	if err != nil {
		logger.Fatal("garage catalog", zap.Error(err))
	}
	registry := spots.NewRegistry(repo, logger)
	if err := catalog.Sync(ctx, registry, repo); err != nil {
		logger.Fatal("garage catalog sync", zap.Error(err))
	}
	go catalog.Watch(ctx, cfg.CatalogPoll, func(ctx context.Context) error {
		return catalog.Sync(ctx, registry, repo)
	})

	timers := timer.New(timerStore, clock, logger.Named("timer"), timer.Config{
		PollInterval: cfg.TimerPoll,
		Lease:        cfg.TimerLease,
		BatchSize:    cfg.TimerBatch,
	})
	passes := token.NewIssuer(cfg.PassSecret, cfg.PassIssuer, cfg.PassTTL)

	svc := service.New(service.Deps{
		Bookings:    repo,
		Accounts:    repo,
		Spots:       registry,
		Ledger:      ledger.New(repo, repo, repo, locks, clock, logger),
		Garages:     catalog,
		Tx:          repo,
		Locks:       locks,
		Timers:      timers,
		Notifier:    dispatcher,
		Clock:       clock,
		Idempotency: idem,
		Passes:      passes,
		Logger:      logger,
	}, cfg.engine())

	if n, err := svc.RearmTimers(ctx); err != nil {
		logger.Error("re-arm timers", zap.Error(err))
	} else {
		logger.Info("timers re-armed", zap.Int("bookings", n))
	}
	go func() {
		if err := timers.Run(ctx, svc.HandleTimer); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("timer loop stopped", zap.Error(err))
		}
	}()

	gateway := scan.NewGateway(svc, passes, logger)

	grpcServer, err := scan.NewGRPCServer(scan.NewServer(gateway, cfg.JWTSecret, logger), prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Fatal("grpc server", zap.Error(err))
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}
	go func() {
		logger.Info("gate grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	bookingHTTP := handler.NewHTTP(svc, gateway, handler.Config{
		JWTSecret:      cfg.JWTSecret,
		CallbackSecret: cfg.CallbackSecret,
	}, logger)

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", bookingHTTP.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("booking service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
}

// buildSender picks the most durable notification channel available: the
// outbox table when Postgres and NATS are both up, NATS directly, or the log.
func buildSender(ctx context.Context, db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg appConfig) notify.Sender {
	switch {
	case db != nil && conn != nil:
		worker := outboxworker.NewWorker(db, conn, logger.Named("outbox"), cfg.outbox())
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
		return notify.NewOutboxSender(worker, cfg.NotifyPrefix)
	case conn != nil:
		logger.Warn("outbox disabled, publishing notifications directly")
		return notify.NewBrokerSender(outboxpkg.NewPublisher(conn), cfg.NotifyPrefix)
	default:
		logger.Warn("no broker configured, notifications are only logged")
		return notify.NewLogSender(logger.Named("notify"))
	}
}
