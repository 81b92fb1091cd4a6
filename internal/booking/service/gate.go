package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/parkwise/internal/auth"
	"github.com/example/parkwise/internal/booking/domain"
)

func authorize(caller auth.Caller, b domain.Booking, g domain.GarageConfig) error {
	if caller.AccountID == b.DriverID || caller.AccountID == g.OwnerID {
		return nil
	}
	return domain.ErrNotAuthorized
}

// RecordEntry marks the driver as parked. Scanning an entered booking again
// returns it unchanged. A late-confirmed booking past its entry deadline is
// closed as a no-show and the entry is refused.
func (s *Service) RecordEntry(ctx context.Context, bookingID uuid.UUID, caller auth.Caller) (domain.Booking, error) {
	b, err := s.transition(ctx, "entry", bookingID, func(ctx context.Context, st *step) error {
		b := &st.booking
		if err := authorize(caller, *b, st.garage); err != nil {
			return err
		}
		if b.StartTime != nil {
			st.skip("already entered")
			return nil
		}
		if b.Status != domain.StatusPending && b.Status != domain.StatusConfirmedLate {
			return fmt.Errorf("%w: booking is %s", domain.ErrInvalidTransition, b.Status)
		}
		if enterBy := s.enterBy(*b); b.Status == domain.StatusConfirmedLate && !st.now.Before(enterBy) {
			return fmt.Errorf("%w: entry window closed at %s", errDeadlinePassed, enterBy.Format(time.RFC3339))
		}
		if _, err := s.spots.Occupy(ctx, b.SpotID); err != nil {
			return err
		}
		if err := st.moveTo(domain.StatusConfirmed); err != nil {
			return err
		}
		now := st.now
		waited := now.Sub(b.WaitingSince())
		if waited < 0 {
			waited = 0
		}
		b.StartTime = &now
		b.WaitingTime = &waited
		payload := basePayload(*b, st.garage)
		payload["start_time"] = localTime(st.garage, now)
		if spot, err := s.spots.Get(ctx, b.SpotID); err == nil {
			payload["spot_label"] = spot.Label
		}
		st.notify(b.DriverID, domain.NotifyEntryRecorded, payload)
		return nil
	})
	if errors.Is(err, errDeadlinePassed) {
		if _, resolveErr := s.OnNoEntryTimer(ctx, bookingID); resolveErr != nil {
			return domain.Booking{}, resolveErr
		}
	}
	return b, err
}

// RecordExit prices the stay and settles it from driver to garage owner.
// With too little balance nothing changes and the exit can be retried after
// a top-up.
func (s *Service) RecordExit(ctx context.Context, bookingID uuid.UUID, caller auth.Caller) (domain.Booking, error) {
	return s.transition(ctx, "exit", bookingID, func(ctx context.Context, st *step) error {
		b := &st.booking
		if err := authorize(caller, *b, st.garage); err != nil {
			return err
		}
		if b.Status == domain.StatusCompleted {
			st.skip("already exited")
			return nil
		}
		if b.Status != domain.StatusConfirmed {
			return fmt.Errorf("%w: booking is %s", domain.ErrInvalidTransition, b.Status)
		}
		if b.StartTime == nil {
			return domain.Invariant("confirmed booking %s has no start time", b.ID)
		}

		now := st.now
		cost := domain.HourlyCost(st.garage.PricePerHour, now.Sub(*b.StartTime))
		payer, payee := b.DriverID, st.garage.OwnerID
		if payer != payee && cost > 0 {
			if _, err := s.ledger.Transfer(ctx, "settlement:"+b.ID.String(), payer, payee, cost); err != nil {
				return err
			}
		}
		if _, err := s.spots.Release(ctx, b.SpotID, domain.SpotOccupied); err != nil {
			return err
		}
		if err := st.moveTo(domain.StatusCompleted); err != nil {
			return err
		}
		b.EndTime = &now
		b.ActualCost = &cost
		settledCents.Add(float64(cost))

		payload := basePayload(*b, st.garage)
		payload["start_time"] = localTime(st.garage, *b.StartTime)
		payload["end_time"] = localTime(st.garage, now)
		payload["amount"] = cost.String()
		st.notify(payer, domain.NotifyExitSettled, payload)
		if payee != payer {
			st.notify(payee, domain.NotifyExitSettled, payload)
		}
		return nil
	})
}
