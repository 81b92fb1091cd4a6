package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type BookingRepository interface {
	CreateBooking(ctx context.Context, booking Booking) (Booking, error)
	GetBookingByID(ctx context.Context, id uuid.UUID) (Booking, error)
	UpdateBooking(ctx context.Context, booking Booking) (Booking, error)
	ActiveBookingForDriver(ctx context.Context, driverID uuid.UUID) (Booking, bool, error)
	ActiveBookingForSpot(ctx context.Context, spotID uuid.UUID) (Booking, bool, error)
	ListActiveBookings(ctx context.Context) ([]Booking, error)
	// ListGarageBookings returns the garage's bookings created or ended in
	// [from, to), newest first.
	ListGarageBookings(ctx context.Context, garageID uuid.UUID, from, to time.Time) ([]Booking, error)
}

type SpotRepository interface {
	GetSpot(ctx context.Context, id uuid.UUID) (Spot, error)
	// EnsureSpot registers spot unless its id is already known and returns the stored row.
	EnsureSpot(ctx context.Context, spot Spot) (Spot, error)
	ListSpotsByGarage(ctx context.Context, garageID uuid.UUID) ([]Spot, error)
	// CompareAndSetSpotStatus moves the spot to next only if its current status
	// is one of expected. It returns the spot as stored afterwards and whether
	// the swap happened.
	CompareAndSetSpotStatus(ctx context.Context, id uuid.UUID, expected []SpotStatus, next SpotStatus) (Spot, bool, error)
}

type AccountRepository interface {
	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)
	// OpenAccount creates a zero-balance account unless one already exists.
	OpenAccount(ctx context.Context, id uuid.UUID, role Role) (Account, error)
	SetBlockedUntil(ctx context.Context, id uuid.UUID, until time.Time) error
}

type LedgerRepository interface {
	FindEntry(ctx context.Context, reference string) (LedgerEntry, bool, error)
	// ApplyEntry moves balances and records the entry in one step. It returns
	// ErrInsufficientFunds without mutating anything when From cannot cover Amount.
	ApplyEntry(ctx context.Context, entry LedgerEntry) error
}

// TxManager runs fn so that every repository write inside it commits or rolls
// back together. Nested calls join the outer transaction.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type GarageProvider interface {
	Garage(ctx context.Context, id uuid.UUID) (GarageConfig, error)
}

type SpotRegistry interface {
	Get(ctx context.Context, id uuid.UUID) (Spot, error)
	Reserve(ctx context.Context, id uuid.UUID) (Spot, error)
	Occupy(ctx context.Context, id uuid.UUID) (Spot, error)
	Release(ctx context.Context, id uuid.UUID, from SpotStatus) (Spot, error)
}

type Ledger interface {
	Transfer(ctx context.Context, reference string, from, to uuid.UUID, amount Money) (LedgerEntry, error)
	Debit(ctx context.Context, reference string, account uuid.UUID, amount Money) (LedgerEntry, error)
	Credit(ctx context.Context, reference string, account uuid.UUID, amount Money) (LedgerEntry, error)
}

type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, job TimerJob) error
}

type Notifier interface {
	Notify(ctx context.Context, accountID uuid.UUID, kind NotificationKind, payload map[string]any)
}

// Locker provides mutual exclusion per key. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
