package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// LogSender writes notifications to the log. Used when no broker is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		zap.String("id", n.ID.String()),
		zap.String("account_id", n.AccountID.String()),
		zap.String("kind", string(n.Kind)),
		zap.String("subject", n.Subject),
		zap.String("body", n.Body),
	)
	return nil
}

type publisher interface {
	Publish(ctx context.Context, subject, eventType string, payload any) error
}

// BrokerSender publishes each notification on "<prefix>.<kind>" for the
// email/SMS delivery services to consume.
type BrokerSender struct {
	pub    publisher
	prefix string
}

func NewBrokerSender(pub publisher, prefix string) *BrokerSender {
	if prefix == "" {
		prefix = "parking.notifications"
	}
	return &BrokerSender{pub: pub, prefix: prefix}
}

func (s *BrokerSender) Send(ctx context.Context, n Notification) error {
	return s.pub.Publish(ctx, s.prefix+"."+string(n.Kind), string(n.Kind), n)
}

type enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload []byte) error
}

// OutboxSender persists notifications to the outbox table; the outbox worker
// publishes them to the broker later, surviving broker outages and restarts.
type OutboxSender struct {
	outbox enqueuer
	prefix string
}

func NewOutboxSender(outbox enqueuer, prefix string) *OutboxSender {
	if prefix == "" {
		prefix = "parking.notifications"
	}
	return &OutboxSender{outbox: outbox, prefix: prefix}
}

func (s *OutboxSender) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.outbox.Enqueue(ctx, s.prefix+"."+string(n.Kind), payload)
}
