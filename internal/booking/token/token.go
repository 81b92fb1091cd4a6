// Package token issues the signed booking pass a driver shows at the gate
// and decodes it back to a booking id when scanned.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/example/parkwise/internal/booking/domain"
)

var ErrInvalidPass = errors.New("invalid booking pass")

// Claims are the display fields carried in the pass. Only ID is trusted on
// scan; the rest is for offline display.
type Claims struct {
	BookingID             string `json:"id"`
	GarageName            string `json:"garage_name"`
	SpotID                string `json:"spot_id"`
	EstimatedArrivalTime  string `json:"estimated_arrival_time"`
	ReservationExpiryTime string `json:"reservation_expiry_time"`
	EstimatedCost         string `json:"estimated_cost"`
	Status                string `json:"status"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer builds an HS256 issuer. A zero ttl issues passes without expiry.
func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue signs a pass for booking.
func (i *Issuer) Issue(b domain.Booking, garageName string) (string, error) {
	claims := Claims{
		BookingID:             b.ID.String(),
		GarageName:            garageName,
		SpotID:                b.SpotID.String(),
		EstimatedArrivalTime:  b.EstimatedArrivalTime.UTC().Format(time.RFC3339),
		ReservationExpiryTime: b.ReservationExpiryTime.UTC().Format(time.RFC3339),
		EstimatedCost:         b.EstimatedCost.String(),
		Status:                string(b.Status),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   i.issuer,
			Subject:  b.DriverID.String(),
			IssuedAt: jwt.NewNumericDate(b.CreatedAt),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(b.ReservationExpiryTime.Add(i.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign booking pass: %w", err)
	}
	return signed, nil
}

// Decode verifies a pass and returns the booking id it names.
func (i *Issuer) Decode(pass string) (uuid.UUID, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(pass, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer))
	if err != nil || !tok.Valid {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	id, err := uuid.Parse(claims.BookingID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad booking id", ErrInvalidPass)
	}
	return id, nil
}

// QR renders a pass as a PNG image.
func QR(pass string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(pass, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}
