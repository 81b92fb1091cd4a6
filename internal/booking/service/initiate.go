package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/lock"
)

// InitiateRequest asks for a spot to be held until the driver arrives.
type InitiateRequest struct {
	DriverID    uuid.UUID
	GarageID    uuid.UUID
	SpotID      uuid.UUID
	ArrivalTime time.Time
}

// InitiateResult is the created booking together with its signed pass.
type InitiateResult struct {
	Booking domain.Booking `json:"booking"`
	Pass    string         `json:"pass,omitempty"`
}

// Initiate reserves the spot and creates a pending booking. A non-empty key
// makes the call idempotent per driver: a repeat returns the first result.
func (s *Service) Initiate(ctx context.Context, key string, req InitiateRequest) (InitiateResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "booking.initiate", trace.WithAttributes(
		attribute.String("spot.id", req.SpotID.String()),
		attribute.String("driver.id", req.DriverID.String()),
	))
	defer span.End()

	idemKey := ""
	if key != "" && s.idem != nil {
		idemKey = req.DriverID.String() + ":" + key
		if cached, ok, err := s.idem.GetResponse(ctx, idemKey); err == nil && ok {
			var res InitiateResult
			if err := json.Unmarshal(cached, &res); err == nil {
				operationsTotal.WithLabelValues("initiate", "replayed").Inc()
				return res, nil
			}
		} else if err != nil {
			s.logger.Warn("idempotency lookup failed", zap.Error(err))
		}
	}

	res, err := s.initiate(ctx, req)
	operationsTotal.WithLabelValues("initiate", resultLabel(err, false)).Inc()
	operationSeconds.WithLabelValues("initiate").Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(span, "initiate", uuid.Nil, err)
		return InitiateResult{}, err
	}
	span.SetAttributes(attribute.String("booking.id", res.Booking.ID.String()))

	if idemKey != "" {
		if payload, err := json.Marshal(res); err == nil {
			if err := s.idem.PutResponse(ctx, idemKey, payload); err != nil {
				s.logger.Warn("idempotency store failed", zap.Error(err))
			}
		}
	}
	return res, nil
}

func (s *Service) initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	garage, err := s.garages.Garage(ctx, req.GarageID)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("load garage %s: %w", req.GarageID, err)
	}
	if !garage.IsOpenAt(s.clock.Now()) {
		return InitiateResult{}, domain.ErrGarageClosed
	}
	spot, err := s.spots.Get(ctx, req.SpotID)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("load spot %s: %w", req.SpotID, err)
	}
	if spot.GarageID != garage.ID {
		return InitiateResult{}, fmt.Errorf("spot %s in garage %s: %w", spot.ID, garage.ID, domain.ErrNotFound)
	}

	release, err := lock.Acquire(ctx, s.locks, lock.SpotKey(req.SpotID), lock.DriverKey(req.DriverID))
	if err != nil {
		return InitiateResult{}, fmt.Errorf("lock spot %s: %w", req.SpotID, err)
	}
	defer release()

	var created domain.Booking
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		acc, err := s.accounts.GetAccount(ctx, req.DriverID)
		if err != nil {
			return fmt.Errorf("load driver account: %w", err)
		}
		if acc.IsBlocked(now) {
			return domain.ErrDriverBlocked
		}
		if _, active, err := s.bookings.ActiveBookingForDriver(ctx, req.DriverID); err != nil {
			return err
		} else if active {
			return domain.ErrConflictingBooking
		}
		current, err := s.spots.Get(ctx, req.SpotID)
		if err != nil {
			return err
		}
		if current.Status != domain.SpotAvailable {
			return domain.ErrSpotUnavailable
		}
		if holder, held, err := s.bookings.ActiveBookingForSpot(ctx, req.SpotID); err != nil {
			return err
		} else if held {
			return domain.Invariant("spot %s is available but held by booking %s", req.SpotID, holder.ID)
		}
		estimate := garage.PricePerHour
		if acc.Balance < estimate {
			return domain.ErrInsufficientFunds
		}
		if _, err := s.spots.Reserve(ctx, req.SpotID); err != nil {
			return err
		}

		arrival := req.ArrivalTime.UTC().Truncate(time.Millisecond)
		if arrival.Before(now) {
			arrival = now.Truncate(time.Millisecond)
		}
		b := domain.Booking{
			ID:                    uuid.New(),
			DriverID:              req.DriverID,
			GarageID:              garage.ID,
			SpotID:                req.SpotID,
			Status:                domain.StatusPending,
			EstimatedArrivalTime:  arrival,
			ReservationExpiryTime: arrival.Add(garage.GracePeriod()),
			EstimatedCost:         estimate,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if created, err = s.bookings.CreateBooking(ctx, b); err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		if err := s.schedule(ctx, domain.TimerPreExpiry, created.ID, s.preExpiryAt(created)); err != nil {
			return err
		}
		return s.schedule(ctx, domain.TimerHardExpiry, created.ID, s.hardExpiryAt(created))
	})
	if err != nil {
		return InitiateResult{}, err
	}

	transitionsTotal.WithLabelValues("new", string(domain.StatusPending)).Inc()
	s.logger.Info("booking created",
		zap.String("booking_id", created.ID.String()),
		zap.String("spot_id", created.SpotID.String()),
		zap.Time("reservation_expiry_time", created.ReservationExpiryTime),
	)

	payload := basePayload(created, garage)
	payload["spot_label"] = spot.Label
	s.dispatch(ctx, []notice{{account: created.DriverID, kind: domain.NotifyBookingConfirmed, payload: payload}})

	res := InitiateResult{Booking: created}
	if s.passes != nil {
		pass, err := s.passes.Issue(created, garage.Name)
		if err != nil {
			s.logger.Warn("issue booking pass failed", zap.Error(err), zap.String("booking_id", created.ID.String()))
		}
		res.Pass = pass
	}
	return res, nil
}

// CancelPending lets the driver drop a booking before its grace period ends.
func (s *Service) CancelPending(ctx context.Context, bookingID, driverID uuid.UUID) (domain.Booking, error) {
	return s.transition(ctx, "cancel_pending", bookingID, func(ctx context.Context, st *step) error {
		if st.booking.DriverID != driverID {
			return domain.ErrNotOwner
		}
		if st.booking.Status != domain.StatusPending {
			return fmt.Errorf("%w: booking is %s", domain.ErrInvalidTransition, st.booking.Status)
		}
		if !st.now.Before(st.booking.ReservationExpiryTime) {
			return fmt.Errorf("%w: grace period has elapsed", domain.ErrInvalidTransition)
		}
		if _, err := s.spots.Release(ctx, st.booking.SpotID, domain.SpotReserved); err != nil {
			return err
		}
		if err := st.moveTo(domain.StatusCancelled); err != nil {
			return err
		}
		st.notify(st.booking.DriverID, domain.NotifyBookingCancelled, basePayload(st.booking, st.garage))
		return nil
	})
}
