package timer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/booking/domain"
)

var (
	timersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_timers_fired_total",
		Help: "Timer callbacks delivered grouped by kind and outcome.",
	}, []string{"kind", "result"})
	timerLagSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_timer_lag_seconds",
		Help:    "Delay between a timer's due time and its delivery.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)

// Handler runs the callback for a due job. Returning an error leaves the job
// claimed; it is delivered again once its lease runs out.
type Handler func(ctx context.Context, job domain.TimerJob) error

// Store persists scheduled jobs. ClaimDue hands out due jobs and hides them
// for the lease duration; Ack removes a delivered job for good.
type Store interface {
	Add(ctx context.Context, job domain.TimerJob) error
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.TimerJob, error)
	Ack(ctx context.Context, job domain.TimerJob) error
}

// Config defines tunables for the polling loop.
type Config struct {
	PollInterval time.Duration
	Lease        time.Duration
	BatchSize    int
}

// Service schedules booking callbacks and delivers them at least once.
type Service struct {
	store  Store
	clock  domain.Clock
	logger *zap.Logger
	cfg    Config
}

// New constructs the timer service.
func New(store Store, clock domain.Clock, logger *zap.Logger, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, clock: clock, logger: logger, cfg: cfg}
}

// ScheduleAt arms job to fire at the given instant. Scheduling the same kind
// for the same booking and instant twice stores a single job.
func (s *Service) ScheduleAt(ctx context.Context, at time.Time, job domain.TimerJob) error {
	job.At = at.UTC().Truncate(time.Millisecond)
	if err := s.store.Add(ctx, job); err != nil {
		return fmt.Errorf("schedule %s for booking %s: %w", job.Kind, job.BookingID, err)
	}
	return nil
}

// Schedule arms job to fire after delay.
func (s *Service) Schedule(ctx context.Context, delay time.Duration, job domain.TimerJob) error {
	return s.ScheduleAt(ctx, s.clock.Now().Add(delay), job)
}

// Run polls for due jobs until the context is cancelled.
func (s *Service) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("timer service requires a handler")
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("timer poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch of due jobs and reports how many were acknowledged.
func (s *Service) RunOnce(ctx context.Context, h Handler) (int, error) {
	now := s.clock.Now()
	jobs, err := s.store.ClaimDue(ctx, now, s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due timers: %w", err)
	}
	acked := 0
	for _, job := range jobs {
		kind := string(job.Kind)
		timerLagSeconds.WithLabelValues(kind).Observe(now.Sub(job.At).Seconds())
		if err := h(ctx, job); err != nil {
			timersFired.WithLabelValues(kind, "retry").Inc()
			s.logger.Warn("timer handler failed",
				zap.Error(err),
				zap.String("kind", kind),
				zap.String("booking_id", job.BookingID.String()),
			)
			continue
		}
		if err := s.store.Ack(ctx, job); err != nil {
			return acked, fmt.Errorf("ack timer: %w", err)
		}
		timersFired.WithLabelValues(kind, "ok").Inc()
		acked++
	}
	return acked, nil
}

func encodeJob(job domain.TimerJob) string {
	return strings.Join([]string{string(job.Kind), job.BookingID.String(), strconv.FormatInt(job.At.UnixMilli(), 10)}, "|")
}

func decodeJob(member string) (domain.TimerJob, error) {
	parts := strings.Split(member, "|")
	if len(parts) != 3 {
		return domain.TimerJob{}, fmt.Errorf("malformed timer member %q", member)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return domain.TimerJob{}, fmt.Errorf("timer member %q: %w", member, err)
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return domain.TimerJob{}, fmt.Errorf("timer member %q: %w", member, err)
	}
	return domain.TimerJob{Kind: domain.TimerKind(parts[0]), BookingID: id, At: time.UnixMilli(ms).UTC()}, nil
}
