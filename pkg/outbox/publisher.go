package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
)

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes JSON messages to NATS subjects, tagging each with the
// current trace id and an event type header.
type Publisher struct {
	conn msgPublisher
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn) *Publisher {
	if conn == nil {
		return &Publisher{}
	}
	return &Publisher{conn: conn}
}

// Publish marshals payload and sends it on subject. A publisher without a
// connection drops the message.
func (p *Publisher) Publish(ctx context.Context, subject, eventType string, payload any) error {
	if p == nil || p.conn == nil {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("x-trace-id", traceIDFromContext(ctx))
	msg.Header.Set("x-event-type", eventType)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
