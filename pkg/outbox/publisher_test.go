package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct{ msgs []*nats.Msg }

func (c *capturePublisher) PublishMsg(msg *nats.Msg) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestPublishSetsHeadersAndPayload(t *testing.T) {
	capture := &capturePublisher{}
	p := &Publisher{conn: capture}

	err := p.Publish(context.Background(), "parking.notifications.late_alert", "late_alert", map[string]string{"booking_id": "b-1"})
	require.NoError(t, err)
	require.Len(t, capture.msgs, 1)

	msg := capture.msgs[0]
	require.Equal(t, "parking.notifications.late_alert", msg.Subject)
	require.Equal(t, "late_alert", msg.Header.Get("x-event-type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	require.Equal(t, "b-1", body["booking_id"])
}

func TestPublishWithoutConnectionIsNoop(t *testing.T) {
	require.NoError(t, NewPublisher(nil).Publish(context.Background(), "x", "y", struct{}{}))
}
