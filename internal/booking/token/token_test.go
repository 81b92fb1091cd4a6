package token_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/token"
)

func sampleBooking() domain.Booking {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.Booking{
		ID:                    uuid.New(),
		DriverID:              uuid.New(),
		SpotID:                uuid.New(),
		Status:                domain.StatusPending,
		EstimatedArrivalTime:  now.Add(time.Hour),
		ReservationExpiryTime: now.Add(75 * time.Minute),
		EstimatedCost:         1000,
		CreatedAt:             now,
	}
}

func TestIssueDecodeRoundTrip(t *testing.T) {
	iss := token.NewIssuer("secret", "parkwise", time.Hour)
	b := sampleBooking()

	pass, err := iss.Issue(b, "Central")
	require.NoError(t, err)
	id, err := iss.Decode(pass)
	require.NoError(t, err)
	require.Equal(t, b.ID, id)
}

func TestDecodeRejectsForeignPass(t *testing.T) {
	pass, err := token.NewIssuer("other", "parkwise", 0).Issue(sampleBooking(), "Central")
	require.NoError(t, err)

	_, err = token.NewIssuer("secret", "parkwise", 0).Decode(pass)
	require.ErrorIs(t, err, token.ErrInvalidPass)

	_, err = token.NewIssuer("secret", "parkwise", 0).Decode("not-a-token")
	require.ErrorIs(t, err, token.ErrInvalidPass)
}

func TestQRProducesPNG(t *testing.T) {
	png, err := token.QR("hello", 0)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}
