package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/parkwise/internal/booking/domain"
)

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notifications grouped by kind and outcome.",
	}, []string{"kind", "result"})
	notificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notification_queue_depth",
		Help: "Notifications waiting for a sender worker.",
	})
)

// Notification is the rendered message handed to a Sender.
type Notification struct {
	ID        uuid.UUID               `json:"id"`
	AccountID uuid.UUID               `json:"account_id"`
	Kind      domain.NotificationKind `json:"kind"`
	Subject   string                  `json:"subject"`
	Body      string                  `json:"body"`
	Payload   map[string]any          `json:"payload,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
}

// Sender delivers one notification to its channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Config defines tunables for the dispatcher.
type Config struct {
	QueueSize     int
	Workers       int
	RatePerSecond float64
	Burst         int
	RetryMax      int
	RetryBackoff  time.Duration
}

// Dispatcher queues notifications and sends them from background workers.
// Notify never blocks and never fails; send errors are retried then logged.
type Dispatcher struct {
	sender  Sender
	queue   chan Notification
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewDispatcher constructs a dispatcher; call Run to start delivery.
func NewDispatcher(sender Sender, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 30
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender:  sender,
		queue:   make(chan Notification, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Notify renders and enqueues a notification for accountID.
func (d *Dispatcher) Notify(_ context.Context, accountID uuid.UUID, kind domain.NotificationKind, payload map[string]any) {
	subject, body, err := render(kind, payload)
	if err != nil {
		notificationsTotal.WithLabelValues(string(kind), "render_error").Inc()
		d.logger.Warn("notification render failed", zap.Error(err), zap.String("kind", string(kind)))
		return
	}
	n := Notification{
		ID:        uuid.New(),
		AccountID: accountID,
		Kind:      kind,
		Subject:   subject,
		Body:      body,
		Payload:   payload,
		CreatedAt: d.now(),
	}
	select {
	case d.queue <- n:
		notificationQueueDepth.Inc()
	default:
		notificationsTotal.WithLabelValues(string(kind), "dropped").Inc()
		d.logger.Warn("notification queue full, dropping",
			zap.String("kind", string(kind)),
			zap.String("account_id", accountID.String()),
		)
	}
}

// Run starts the workers and blocks until ctx is done and they have exited.
func (d *Dispatcher) Run(ctx context.Context) error {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	<-ctx.Done()
	d.wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			notificationQueueDepth.Dec()
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	kind := string(n.Kind)
	if err := d.limiter.Wait(ctx); err != nil {
		notificationsTotal.WithLabelValues(kind, "cancelled").Inc()
		return
	}
	if err := d.sendWithRetry(ctx, n); err != nil {
		notificationsTotal.WithLabelValues(kind, "failed").Inc()
		d.logger.Warn("notification not delivered",
			zap.Error(err),
			zap.String("kind", kind),
			zap.String("account_id", n.AccountID.String()),
		)
		return
	}
	notificationsTotal.WithLabelValues(kind, "sent").Inc()
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, n Notification) error {
	var attempt int
	for {
		attempt++
		err := d.sender.Send(ctx, n)
		if err == nil {
			return nil
		}
		if attempt >= d.cfg.RetryMax || errors.Is(err, context.Canceled) {
			return fmt.Errorf("send %s after %d attempts: %w", n.Kind, attempt, err)
		}
		backoff := time.Duration(attempt*attempt) * d.cfg.RetryBackoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
