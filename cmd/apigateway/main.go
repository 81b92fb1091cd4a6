package main

import (
	"context"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/auth"
	ratelimitmw "github.com/example/parkwise/internal/http/middleware"
	"github.com/example/parkwise/pkg/observability"
)

type gatewayConfig struct {
	Addr            string        `envconfig:"GATEWAY_ADDR" default:":8088"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	BookingURL      string        `envconfig:"BOOKING_SERVICE_URL" default:"http://localhost:8080"`
	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	JWTSecret       string        `envconfig:"JWT_SECRET"`
	UpstreamTimeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"15s"`
	ReadRPS         float64       `envconfig:"RATE_READ_RPS" default:"50"`
	ReadBurst       float64       `envconfig:"RATE_READ_BURST" default:"100"`
	WriteRPS        float64       `envconfig:"RATE_WRITE_RPS" default:"10"`
	WriteBurst      float64       `envconfig:"RATE_WRITE_BURST" default:"20"`
	GateRPS         float64       `envconfig:"RATE_GATE_RPS" default:"5"`
	GateBurst       float64       `envconfig:"RATE_GATE_BURST" default:"10"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load(".env")
	var cfg gatewayConfig
	if err := envconfig.Process("", &cfg); err != nil {
		observability.SetupLogger("api-gateway", "").Fatal("config", zap.Error(err))
	}

	logger := observability.SetupLogger("api-gateway", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway", false)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	checks := map[string]observability.Check{}
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	if cfg.JWTSecret != "" {
		r.Use(auth.Optional(cfg.JWTSecret))
	}
	if redisClient := newRedisClient(ctx, cfg.RedisAddr, logger); redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		limiter := ratelimitmw.NewRateLimiter(redisClient, ratelimitmw.Limits{
			Read:  ratelimitmw.RateConfig{Rate: cfg.ReadRPS, Burst: cfg.ReadBurst},
			Write: ratelimitmw.RateConfig{Rate: cfg.WriteRPS, Burst: cfg.WriteBurst},
			Gate:  ratelimitmw.RateConfig{Rate: cfg.GateRPS, Burst: cfg.GateBurst},
		})
		r.Use(limiter.Middleware)
	} else {
		logger.Warn("rate limiting disabled")
	}

	client := &http.Client{Timeout: cfg.UpstreamTimeout}
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Handle("/v1/*", proxy(client, cfg.BookingURL))

	srv := &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("upstream", cfg.BookingURL))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func proxy(client *http.Client, target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := target + r.URL.Path
		if r.URL.RawQuery != "" {
			url += "?" + r.URL.RawQuery
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			req.Header.Set("X-Request-Id", id)
		}
		resp, err := client.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		vv := make([]string, len(v))
		copy(vv, v)
		dst[k] = vv
	}
}

func newRedisClient(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
