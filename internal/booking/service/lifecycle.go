package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/booking/domain"
)

// Decision is the driver's answer to a late alert.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionCancel  Decision = "cancel"
)

// HandleTimer routes a fired timer to its check. Unknown kinds are dropped.
func (s *Service) HandleTimer(ctx context.Context, job domain.TimerJob) error {
	var err error
	switch job.Kind {
	case domain.TimerPreExpiry:
		_, err = s.OnPreExpiryTimer(ctx, job.BookingID)
	case domain.TimerHardExpiry:
		_, err = s.OnHardExpiryTimer(ctx, job.BookingID)
	case domain.TimerNoEntry:
		_, err = s.OnNoEntryTimer(ctx, job.BookingID)
	default:
		s.logger.Warn("unknown timer kind", zap.String("kind", string(job.Kind)))
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("timer for unknown booking", zap.String("booking_id", job.BookingID.String()))
		return nil
	}
	return err
}

// OnPreExpiryTimer sends the arrival reminder ahead of expiry and, once the
// grace period is over, asks the driver whether they are still coming.
func (s *Service) OnPreExpiryTimer(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	return s.transition(ctx, "pre_expiry", bookingID, func(ctx context.Context, st *step) error {
		b := &st.booking
		if b.Status != domain.StatusPending {
			st.skip("no longer pending")
			return nil
		}
		if st.now.Before(b.ReservationExpiryTime) {
			if !b.ReminderSent {
				b.ReminderSent = true
				st.touch()
				st.notify(b.DriverID, domain.NotifyArrivalReminder, basePayload(*b, st.garage))
			} else {
				st.skip("grace period still running")
			}
			return s.schedule(ctx, domain.TimerPreExpiry, b.ID, b.ReservationExpiryTime)
		}
		if b.LateAlertSent {
			st.skip("late alert already sent")
			return nil
		}
		if !s.cfg.LateConfirmation {
			return s.expire(ctx, st)
		}
		if err := st.moveTo(domain.StatusAwaitingResponse); err != nil {
			return err
		}
		b.LateAlertSent = true
		payload := basePayload(*b, st.garage)
		payload["respond_by"] = localTime(st.garage, s.hardExpiryAt(*b))
		st.notify(b.DriverID, domain.NotifyLateAlert, payload)
		return nil
	})
}

// OnHardExpiryTimer releases a booking nobody acted on and blocks the driver.
func (s *Service) OnHardExpiryTimer(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	return s.transition(ctx, "hard_expiry", bookingID, func(ctx context.Context, st *step) error {
		b := st.booking
		if b.Status != domain.StatusPending && b.Status != domain.StatusAwaitingResponse {
			st.skip("already resolved")
			return nil
		}
		if st.now.Before(b.ReservationExpiryTime) {
			st.skip("fired before expiry")
			return s.schedule(ctx, domain.TimerHardExpiry, b.ID, s.hardExpiryAt(b))
		}
		return s.expire(ctx, st)
	})
}

// expire is the shared punitive release: hard expiry, auto-expire and an
// explicit cancel after a late alert all end here.
func (s *Service) expire(ctx context.Context, st *step) error {
	next := domain.StatusExpired
	kind := domain.NotifyBookingExpired
	if st.booking.Status == domain.StatusAwaitingResponse {
		next = domain.StatusCancelledBlocked
		kind = domain.NotifyBookingCancelled
	}
	if _, err := s.spots.Release(ctx, st.booking.SpotID, domain.SpotReserved); err != nil {
		return err
	}
	if err := st.moveTo(next); err != nil {
		return err
	}
	until, err := s.block(ctx, st)
	if err != nil {
		return err
	}
	payload := basePayload(st.booking, st.garage)
	payload["blocked_until"] = localTime(st.garage, until)
	st.notify(st.booking.DriverID, kind, payload)
	return nil
}

// DriverDecision applies the driver's answer to a late alert. A confirmation
// arriving after the hard-expiry instant is refused and the booking expires.
func (s *Service) DriverDecision(ctx context.Context, bookingID, driverID uuid.UUID, action Decision) (domain.Booking, error) {
	if action != DecisionConfirm && action != DecisionCancel {
		return domain.Booking{}, fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidState, action)
	}
	b, err := s.transition(ctx, "decision_"+string(action), bookingID, func(ctx context.Context, st *step) error {
		b := &st.booking
		if b.DriverID != driverID {
			return domain.ErrNotOwner
		}
		if b.Status != domain.StatusAwaitingResponse {
			return fmt.Errorf("%w: booking is %s", domain.ErrInvalidTransition, b.Status)
		}
		if action == DecisionCancel {
			return s.expire(ctx, st)
		}
		if deadline := s.hardExpiryAt(*b); !st.now.Before(deadline) {
			return fmt.Errorf("%w: response window closed at %s", errDeadlinePassed, deadline.Format(time.RFC3339))
		}
		if err := st.moveTo(domain.StatusConfirmedLate); err != nil {
			return err
		}
		now := st.now.Truncate(time.Millisecond)
		b.ConfirmedLateAt = &now
		b.ReservationExpiryTime = now
		enterBy := s.enterBy(*b)
		if err := s.schedule(ctx, domain.TimerNoEntry, b.ID, enterBy); err != nil {
			return err
		}
		payload := basePayload(*b, st.garage)
		payload["enter_by"] = localTime(st.garage, enterBy)
		st.notify(b.DriverID, domain.NotifyLateConfirmed, payload)
		return nil
	})
	if errors.Is(err, errDeadlinePassed) {
		if _, resolveErr := s.OnHardExpiryTimer(ctx, bookingID); resolveErr != nil {
			return domain.Booking{}, resolveErr
		}
	}
	return b, err
}

// OnNoEntryTimer closes a late-confirmed booking the driver never used:
// one hour is charged when the balance allows it, otherwise the driver is
// blocked. The spot is released either way.
func (s *Service) OnNoEntryTimer(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	return s.transition(ctx, "no_entry", bookingID, func(ctx context.Context, st *step) error {
		b := &st.booking
		if b.Status != domain.StatusConfirmedLate || b.StartTime != nil {
			st.skip("entered or resolved")
			return nil
		}
		deadline := s.enterBy(*b)
		if st.now.Before(deadline) {
			st.skip("entry window still open")
			return s.schedule(ctx, domain.TimerNoEntry, b.ID, deadline)
		}
		if _, err := s.spots.Release(ctx, b.SpotID, domain.SpotReserved); err != nil {
			return err
		}

		fee := st.garage.PricePerHour
		acc, err := s.accounts.GetAccount(ctx, b.DriverID)
		if err != nil {
			return fmt.Errorf("load driver account: %w", err)
		}
		if acc.Balance >= fee {
			_, err := s.ledger.Debit(ctx, "no_show:"+b.ID.String(), b.DriverID, fee)
			switch {
			case err == nil:
				if err := st.moveTo(domain.StatusCancelledCharged); err != nil {
					return err
				}
				payload := basePayload(*b, st.garage)
				payload["amount"] = fee.String()
				st.notify(b.DriverID, domain.NotifyNoShowCharged, payload)
				noShowTotal.WithLabelValues("charged").Inc()
				return nil
			case !errors.Is(err, domain.ErrInsufficientFunds):
				return err
			}
		}

		if err := st.moveTo(domain.StatusCancelledBlocked); err != nil {
			return err
		}
		until, err := s.block(ctx, st)
		if err != nil {
			return err
		}
		payload := basePayload(*b, st.garage)
		payload["blocked_until"] = localTime(st.garage, until)
		st.notify(b.DriverID, domain.NotifyNoShowBlocked, payload)
		noShowTotal.WithLabelValues("blocked").Inc()
		return nil
	})
}

// RearmTimers schedules the pending checks of every active booking again.
// Jobs are keyed by booking, kind and instant, so rearming an intact
// scheduler adds nothing.
func (s *Service) RearmTimers(ctx context.Context) (int, error) {
	active, err := s.bookings.ListActiveBookings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active bookings: %w", err)
	}
	armed := 0
	for _, b := range active {
		var jobs []domain.TimerJob
		switch b.Status {
		case domain.StatusPending:
			jobs = append(jobs,
				domain.TimerJob{Kind: domain.TimerPreExpiry, BookingID: b.ID, At: s.preExpiryAt(b)},
				domain.TimerJob{Kind: domain.TimerHardExpiry, BookingID: b.ID, At: s.hardExpiryAt(b)},
			)
		case domain.StatusAwaitingResponse:
			jobs = append(jobs, domain.TimerJob{Kind: domain.TimerHardExpiry, BookingID: b.ID, At: s.hardExpiryAt(b)})
		case domain.StatusConfirmedLate:
			jobs = append(jobs, domain.TimerJob{Kind: domain.TimerNoEntry, BookingID: b.ID, At: s.enterBy(b)})
		}
		for _, job := range jobs {
			if err := s.schedule(ctx, job.Kind, job.BookingID, job.At); err != nil {
				return armed, err
			}
			armed++
		}
	}
	s.logger.Info("booking timers rearmed", zap.Int("bookings", len(active)), zap.Int("timers", armed))
	return armed, nil
}
