package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/spots"
	"github.com/example/parkwise/internal/lock"
)

// SpotRegistry is the registry surface the engine needs, including the
// read-only garage views.
type SpotRegistry interface {
	domain.SpotRegistry
	Occupancy(ctx context.Context, garageID uuid.UUID) (spots.Occupancy, error)
	List(ctx context.Context, garageID uuid.UUID) ([]domain.Spot, error)
}

// PassIssuer signs the scannable booking pass.
type PassIssuer interface {
	Issue(b domain.Booking, garageName string) (string, error)
}

// Config holds engine tunables.
type Config struct {
	// AlertLead moves the pre-expiry timer ahead of expiry so that a reminder
	// goes out first. Zero fires it exactly at expiry.
	AlertLead        time.Duration
	HardExpiryBuffer time.Duration
	MustEnterWindow  time.Duration
	// LateConfirmation enables the awaiting_response branch. When false an
	// unused booking expires as soon as its grace period ends.
	LateConfirmation bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AlertLead:        5 * time.Minute,
		HardExpiryBuffer: 10 * time.Minute,
		MustEnterWindow:  time.Hour,
		LateConfirmation: true,
	}
}

// Deps lists the engine's collaborators.
type Deps struct {
	Bookings    domain.BookingRepository
	Accounts    domain.AccountRepository
	Spots       SpotRegistry
	Ledger      domain.Ledger
	Garages     domain.GarageProvider
	Tx          domain.TxManager
	Locks       domain.Locker
	Timers      domain.Scheduler
	Notifier    domain.Notifier
	Clock       domain.Clock
	Idempotency domain.IdempotencyRepository
	Passes      PassIssuer
	Logger      *zap.Logger
}

// Service is the booking lifecycle engine. Every operation that reads then
// writes a booking holds the booking, spot and driver locks in that order and
// runs inside one transaction; notifications go out only after commit.
type Service struct {
	bookings domain.BookingRepository
	accounts domain.AccountRepository
	spots    SpotRegistry
	ledger   domain.Ledger
	garages  domain.GarageProvider
	tx       domain.TxManager
	locks    domain.Locker
	timers   domain.Scheduler
	notifier domain.Notifier
	clock    domain.Clock
	idem     domain.IdempotencyRepository
	passes   PassIssuer
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config
}

// New constructs the engine.
func New(d Deps, cfg Config) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = domain.SystemClock{}
	}
	if cfg.MustEnterWindow <= 0 {
		cfg.MustEnterWindow = time.Hour
	}
	if cfg.AlertLead < 0 {
		cfg.AlertLead = 0
	}
	if cfg.HardExpiryBuffer < 0 {
		cfg.HardExpiryBuffer = 0
	}
	return &Service{
		bookings: d.Bookings,
		accounts: d.Accounts,
		spots:    d.Spots,
		ledger:   d.Ledger,
		garages:  d.Garages,
		tx:       d.Tx,
		locks:    d.Locks,
		timers:   d.Timers,
		notifier: d.Notifier,
		clock:    d.Clock,
		idem:     d.Idempotency,
		passes:   d.Passes,
		logger:   d.Logger.Named("booking"),
		tracer:   otel.Tracer("parking.booking.engine"),
		cfg:      cfg,
	}
}

// errDeadlinePassed rejects an action whose window closed while its timer had
// not fired yet. The caller resolves the booking as the timer would have.
var errDeadlinePassed = fmt.Errorf("%w: deadline passed", domain.ErrInvalidState)

// notice is a notification queued until the transaction commits.
type notice struct {
	account uuid.UUID
	kind    domain.NotificationKind
	payload map[string]any
}

// step is the mutable view an operation works on while holding the locks.
type step struct {
	booking domain.Booking
	garage  domain.GarageConfig
	now     time.Time

	from    domain.BookingStatus
	changed bool
	noop    string
	notices []notice
}

func (s *step) moveTo(next domain.BookingStatus) error {
	cur := s.booking.Status
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, cur, next)
	}
	if !s.changed {
		s.from = cur
	}
	s.booking.Status = next
	s.changed = true
	return nil
}

func (s *step) touch() { s.changed = true }

func (s *step) skip(reason string) { s.noop = reason }

func (s *step) notify(account uuid.UUID, kind domain.NotificationKind, payload map[string]any) {
	s.notices = append(s.notices, notice{account: account, kind: kind, payload: payload})
}

// transition runs fn against the current booking under the booking, spot and
// driver locks and inside a transaction. fn mutates st.booking; the result is
// persisted when fn marks it changed.
func (s *Service) transition(ctx context.Context, op string, bookingID uuid.UUID, fn func(ctx context.Context, st *step) error) (domain.Booking, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "booking."+op, trace.WithAttributes(attribute.String("booking.id", bookingID.String())))
	defer span.End()

	var st *step
	err := func() error {
		peek, err := s.bookings.GetBookingByID(ctx, bookingID)
		if err != nil {
			return fmt.Errorf("load booking %s: %w", bookingID, err)
		}
		release, err := lock.Acquire(ctx, s.locks, lock.BookingKey(peek.ID), lock.SpotKey(peek.SpotID), lock.DriverKey(peek.DriverID))
		if err != nil {
			return fmt.Errorf("lock booking %s: %w", bookingID, err)
		}
		defer release()

		garage, err := s.garages.Garage(ctx, peek.GarageID)
		if err != nil {
			return fmt.Errorf("load garage %s: %w", peek.GarageID, err)
		}
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			current, err := s.bookings.GetBookingByID(ctx, bookingID)
			if err != nil {
				return err
			}
			st = &step{booking: current, garage: garage, now: s.clock.Now()}
			if err := fn(ctx, st); err != nil {
				return err
			}
			if !st.changed {
				return nil
			}
			st.booking.UpdatedAt = st.now
			updated, err := s.bookings.UpdateBooking(ctx, st.booking)
			if err != nil {
				return fmt.Errorf("save booking: %w", err)
			}
			st.booking = updated
			return nil
		})
	}()

	noop := err == nil && st != nil && st.noop != ""
	operationsTotal.WithLabelValues(op, resultLabel(err, noop)).Inc()
	operationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(span, op, bookingID, err)
		return domain.Booking{}, err
	}
	if noop {
		s.logger.Debug("booking operation skipped",
			zap.String("op", op),
			zap.String("booking_id", bookingID.String()),
			zap.String("status", string(st.booking.Status)),
			zap.String("reason", st.noop),
		)
	}
	if st.changed && st.from != "" && st.from != st.booking.Status {
		transitionsTotal.WithLabelValues(string(st.from), string(st.booking.Status)).Inc()
		span.SetAttributes(attribute.String("booking.from", string(st.from)), attribute.String("booking.to", string(st.booking.Status)))
		s.logger.Info("booking transitioned",
			zap.String("op", op),
			zap.String("booking_id", bookingID.String()),
			zap.String("from", string(st.from)),
			zap.String("to", string(st.booking.Status)),
		)
	}
	s.dispatch(ctx, st.notices)
	return st.booking, nil
}

func (s *Service) fail(span trace.Span, op string, bookingID uuid.UUID, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	fields := []zap.Field{zap.String("op", op), zap.Error(err)}
	if bookingID != uuid.Nil {
		fields = append(fields, zap.String("booking_id", bookingID.String()))
	}
	if errors.Is(err, domain.ErrInvariantViolation) {
		s.logger.Error("booking invariant violated", fields...)
		return
	}
	s.logger.Debug("booking operation rejected", fields...)
}

func (s *Service) dispatch(ctx context.Context, notices []notice) {
	if s.notifier == nil {
		return
	}
	for _, n := range notices {
		s.notifier.Notify(ctx, n.account, n.kind, n.payload)
	}
}

// block suspends the driver for the garage's block duration. An existing
// longer block is kept.
func (s *Service) block(ctx context.Context, st *step) (time.Time, error) {
	until := st.now.Add(st.garage.BlockDuration())
	acc, err := s.accounts.GetAccount(ctx, st.booking.DriverID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load driver account: %w", err)
	}
	if acc.BlockedUntil != nil && acc.BlockedUntil.After(until) {
		return *acc.BlockedUntil, nil
	}
	if err := s.accounts.SetBlockedUntil(ctx, st.booking.DriverID, until); err != nil {
		return time.Time{}, fmt.Errorf("block driver: %w", err)
	}
	return until, nil
}

func (s *Service) schedule(ctx context.Context, kind domain.TimerKind, bookingID uuid.UUID, at time.Time) error {
	if s.timers == nil {
		return nil
	}
	return s.timers.ScheduleAt(ctx, at, domain.TimerJob{Kind: kind, BookingID: bookingID, At: at})
}

// preExpiryAt is when the pre-expiry check first fires for b.
func (s *Service) preExpiryAt(b domain.Booking) time.Time {
	if b.ReminderSent || s.cfg.AlertLead <= 0 {
		return b.ReservationExpiryTime
	}
	at := b.ReservationExpiryTime.Add(-s.cfg.AlertLead)
	if at.Before(b.CreatedAt) {
		return b.CreatedAt
	}
	return at
}

func (s *Service) hardExpiryAt(b domain.Booking) time.Time {
	return b.ReservationExpiryTime.Add(s.cfg.HardExpiryBuffer)
}

func (s *Service) enterBy(b domain.Booking) time.Time {
	if b.ConfirmedLateAt == nil {
		return b.ReservationExpiryTime.Add(s.cfg.MustEnterWindow)
	}
	return b.ConfirmedLateAt.Add(s.cfg.MustEnterWindow)
}

const displayLayout = "2006-01-02 15:04 MST"

func localTime(g domain.GarageConfig, t time.Time) string {
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(displayLayout)
}

func basePayload(b domain.Booking, g domain.GarageConfig) map[string]any {
	return map[string]any{
		"booking_id":              b.ID.String(),
		"garage_name":             g.Name,
		"status":                  string(b.Status),
		"reservation_expiry_time": localTime(g, b.ReservationExpiryTime),
		"estimated_cost":          b.EstimatedCost.String(),
		"price_per_hour":          g.PricePerHour.String(),
	}
}
