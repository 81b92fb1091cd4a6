// Package scan turns gate scans of booking passes into entry and exit
// transitions.
package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/auth"
	"github.com/example/parkwise/internal/booking/domain"
)

// Engine is the part of the booking engine the gateway drives.
type Engine interface {
	GetBooking(ctx context.Context, id uuid.UUID, caller auth.Caller) (domain.Booking, error)
	RecordEntry(ctx context.Context, id uuid.UUID, caller auth.Caller) (domain.Booking, error)
	RecordExit(ctx context.Context, id uuid.UUID, caller auth.Caller) (domain.Booking, error)
}

// PassDecoder resolves a scanned pass to its booking.
type PassDecoder interface {
	Decode(pass string) (uuid.UUID, error)
}

type Event string

const (
	EventEntry Event = "entry"
	EventExit  Event = "exit"
)

// Result reports what a scan did.
type Result struct {
	Event   Event          `json:"event"`
	Booking domain.Booking `json:"booking"`
}

// RejectedError is returned for a booking whose status admits neither entry
// nor exit.
type RejectedError struct {
	Status  domain.BookingStatus
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

func (e *RejectedError) Unwrap() error { return domain.ErrInvalidState }

func rejection(status domain.BookingStatus) *RejectedError {
	var msg string
	switch status {
	case domain.StatusAwaitingResponse:
		msg = "booking is waiting for the driver to confirm a late arrival"
	case domain.StatusCompleted:
		msg = "booking is already completed"
	case domain.StatusExpired:
		msg = "booking has expired"
	case domain.StatusCancelled, domain.StatusCancelledBlocked, domain.StatusCancelledCharged:
		msg = "booking was cancelled"
	default:
		msg = fmt.Sprintf("booking cannot be scanned while %s", status)
	}
	return &RejectedError{Status: status, Message: msg}
}

// Gateway holds no state of its own; the booking status decides whether a
// scan is an entry or an exit.
type Gateway struct {
	engine Engine
	passes PassDecoder
	logger *zap.Logger
}

func NewGateway(engine Engine, passes PassDecoder, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{engine: engine, passes: passes, logger: logger.Named("scan")}
}

// Scan decodes pass and applies the matching transition on behalf of caller.
func (g *Gateway) Scan(ctx context.Context, pass string, caller auth.Caller) (Result, error) {
	id, err := g.passes.Decode(pass)
	if err != nil {
		return Result{}, err
	}
	return g.ScanBooking(ctx, id, caller)
}

// ScanBooking routes an already decoded booking id.
func (g *Gateway) ScanBooking(ctx context.Context, id uuid.UUID, caller auth.Caller) (Result, error) {
	b, err := g.engine.GetBooking(ctx, id, caller)
	if err != nil {
		return Result{}, err
	}
	var (
		event Event
		out   domain.Booking
	)
	switch b.Status {
	case domain.StatusPending, domain.StatusConfirmedLate:
		event = EventEntry
		out, err = g.engine.RecordEntry(ctx, id, caller)
	case domain.StatusConfirmed:
		event = EventExit
		out, err = g.engine.RecordExit(ctx, id, caller)
	default:
		return Result{}, rejection(b.Status)
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// status moved between the read and the transition
			g.logger.Debug("scan raced a transition", zap.String("booking_id", id.String()), zap.Error(err))
		}
		return Result{}, err
	}
	g.logger.Info("scan recorded",
		zap.String("booking_id", id.String()),
		zap.String("event", string(event)),
		zap.String("scanner_id", caller.AccountID.String()),
	)
	return Result{Event: event, Booking: out}, nil
}
