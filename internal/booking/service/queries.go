package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/auth"
	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/spots"
)

// GetBooking returns a booking visible to its driver or the garage owner.
func (s *Service) GetBooking(ctx context.Context, bookingID uuid.UUID, caller auth.Caller) (domain.Booking, error) {
	b, err := s.bookings.GetBookingByID(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("load booking %s: %w", bookingID, err)
	}
	g, err := s.garages.Garage(ctx, b.GarageID)
	if err != nil {
		return domain.Booking{}, err
	}
	if err := authorize(caller, b, g); err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

// Pass re-issues the signed pass of a booking for its driver.
func (s *Service) Pass(ctx context.Context, bookingID uuid.UUID, caller auth.Caller) (string, error) {
	if s.passes == nil {
		return "", fmt.Errorf("booking passes are not configured")
	}
	b, err := s.GetBooking(ctx, bookingID, caller)
	if err != nil {
		return "", err
	}
	g, err := s.garages.Garage(ctx, b.GarageID)
	if err != nil {
		return "", err
	}
	return s.passes.Issue(b, g.Name)
}

// Occupancy summarises spot usage of a garage.
func (s *Service) Occupancy(ctx context.Context, garageID uuid.UUID) (spots.Occupancy, error) {
	if _, err := s.garages.Garage(ctx, garageID); err != nil {
		return spots.Occupancy{}, err
	}
	return s.spots.Occupancy(ctx, garageID)
}

// Dashboard is the owner's view of one garage for the current local day.
type Dashboard struct {
	GarageID      uuid.UUID        `json:"garage_id"`
	Name          string           `json:"name"`
	PricePerHour  domain.Money     `json:"price_per_hour"`
	OpeningHour   string           `json:"opening_hour"`
	ClosingHour   string           `json:"closing_hour"`
	IsOpen        bool             `json:"is_open"`
	Occupancy     spots.Occupancy  `json:"occupancy"`
	Spots         []domain.Spot    `json:"spots"`
	TodayRevenue  domain.Money     `json:"today_revenue"`
	TodayBookings []domain.Booking `json:"today_bookings"`
}

// Dashboard summarises a garage for its owner. Revenue counts settlements
// that ended today; today's bookings leave out cancelled and expired ones.
// Days follow the garage's time zone.
func (s *Service) Dashboard(ctx context.Context, garageID uuid.UUID, caller auth.Caller) (Dashboard, error) {
	g, err := s.garages.Garage(ctx, garageID)
	if err != nil {
		return Dashboard{}, err
	}
	if caller.AccountID != g.OwnerID {
		return Dashboard{}, domain.ErrNotAuthorized
	}
	occ, err := s.spots.Occupancy(ctx, garageID)
	if err != nil {
		return Dashboard{}, err
	}
	list, err := s.spots.List(ctx, garageID)
	if err != nil {
		return Dashboard{}, err
	}

	now := s.clock.Now()
	from, to := localDay(g, now)
	bookings, err := s.bookings.ListGarageBookings(ctx, garageID, from, to)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list garage bookings: %w", err)
	}
	d := Dashboard{
		GarageID:      g.ID,
		Name:          g.Name,
		PricePerHour:  g.PricePerHour,
		OpeningHour:   g.OpeningHour.String(),
		ClosingHour:   g.ClosingHour.String(),
		IsOpen:        g.IsOpenAt(now),
		Occupancy:     occ,
		Spots:         list,
		TodayBookings: []domain.Booking{},
	}
	for _, b := range bookings {
		if b.ActualCost != nil && b.EndTime != nil && !b.EndTime.Before(from) && b.EndTime.Before(to) {
			d.TodayRevenue += *b.ActualCost
		}
		if b.CreatedAt.Before(from) || !b.CreatedAt.Before(to) {
			continue
		}
		switch b.Status {
		case domain.StatusCancelled, domain.StatusCancelledBlocked, domain.StatusCancelledCharged, domain.StatusExpired:
			continue
		}
		d.TodayBookings = append(d.TodayBookings, b)
	}
	return d, nil
}

func localDay(g domain.GarageConfig, t time.Time) (time.Time, time.Time) {
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// Spots lists the garage's spots with their current status.
func (s *Service) Spots(ctx context.Context, garageID uuid.UUID) ([]domain.Spot, error) {
	if _, err := s.garages.Garage(ctx, garageID); err != nil {
		return nil, err
	}
	return s.spots.List(ctx, garageID)
}

// EnsureAccount opens a zero-balance account for a caller seen for the
// first time.
func (s *Service) EnsureAccount(ctx context.Context, caller auth.Caller) (domain.Account, error) {
	acc, err := s.accounts.OpenAccount(ctx, caller.AccountID, caller.Role)
	if err != nil {
		return domain.Account{}, fmt.Errorf("open account %s: %w", caller.AccountID, err)
	}
	return acc, nil
}

// Account returns balance and block state.
func (s *Service) Account(ctx context.Context, accountID uuid.UUID) (domain.Account, error) {
	return s.accounts.GetAccount(ctx, accountID)
}

// TopUp credits an external payment. externalID is the gateway's transaction
// id; delivering the same payment twice credits once.
func (s *Service) TopUp(ctx context.Context, externalID string, accountID uuid.UUID, amount domain.Money) (domain.LedgerEntry, error) {
	if externalID == "" {
		return domain.LedgerEntry{}, fmt.Errorf("top up: missing transaction id")
	}
	if amount <= 0 {
		return domain.LedgerEntry{}, fmt.Errorf("top up: amount must be positive")
	}
	if _, err := s.accounts.GetAccount(ctx, accountID); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("top up %s: %w", accountID, err)
	}
	entry, err := s.ledger.Credit(ctx, "topup:"+externalID, accountID, amount)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	s.logger.Info("wallet topped up",
		zap.String("account_id", accountID.String()),
		zap.String("reference", entry.Reference),
		zap.Int64("amount_cents", int64(amount)),
	)
	s.dispatch(ctx, []notice{{account: accountID, kind: domain.NotifyPaymentReceived, payload: map[string]any{"amount": amount.String()}}})
	return entry, nil
}
