package domain

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	StatusPending          BookingStatus = "pending"
	StatusConfirmed        BookingStatus = "confirmed"
	StatusAwaitingResponse BookingStatus = "awaiting_response"
	StatusConfirmedLate    BookingStatus = "confirmed_late"
	StatusCompleted        BookingStatus = "completed"
	StatusCancelled        BookingStatus = "cancelled"
	StatusCancelledBlocked BookingStatus = "cancelled_blocked"
	StatusCancelledCharged BookingStatus = "cancelled_charged"
	StatusExpired          BookingStatus = "expired"
)

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:          {StatusConfirmed, StatusAwaitingResponse, StatusCancelled, StatusExpired},
	StatusAwaitingResponse: {StatusConfirmedLate, StatusCancelledBlocked},
	StatusConfirmedLate:    {StatusConfirmed, StatusCancelledCharged, StatusCancelledBlocked},
	StatusConfirmed:        {StatusCompleted},
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusCancelledBlocked, StatusCancelledCharged, StatusExpired:
		return true
	default:
		return false
	}
}

// ActiveStatuses lists the non-terminal statuses, i.e. the ones holding a spot.
func ActiveStatuses() []BookingStatus {
	return []BookingStatus{StatusPending, StatusAwaitingResponse, StatusConfirmedLate, StatusConfirmed}
}

type SpotStatus string

const (
	SpotAvailable SpotStatus = "available"
	SpotReserved  SpotStatus = "reserved"
	SpotOccupied  SpotStatus = "occupied"
)

type Role string

const (
	RoleDriver      Role = "driver"
	RoleGarageOwner Role = "garage_owner"
)

type Spot struct {
	ID        uuid.UUID  `json:"id"`
	GarageID  uuid.UUID  `json:"garage_id"`
	Label     string     `json:"label"`
	Status    SpotStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int64      `json:"-"`
}

type Account struct {
	ID           uuid.UUID  `json:"id"`
	Role         Role       `json:"role"`
	Balance      Money      `json:"balance"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Version      int64      `json:"-"`
}

// IsBlocked reports whether the account may not create bookings at now.
func (a Account) IsBlocked(now time.Time) bool {
	return a.BlockedUntil != nil && a.BlockedUntil.After(now)
}

type Booking struct {
	ID                    uuid.UUID      `json:"id"`
	DriverID              uuid.UUID      `json:"driver_id"`
	GarageID              uuid.UUID      `json:"garage_id"`
	SpotID                uuid.UUID      `json:"spot_id"`
	Status                BookingStatus  `json:"status"`
	EstimatedArrivalTime  time.Time      `json:"estimated_arrival_time"`
	ReservationExpiryTime time.Time      `json:"reservation_expiry_time"`
	StartTime             *time.Time     `json:"start_time,omitempty"`
	EndTime               *time.Time     `json:"end_time,omitempty"`
	EstimatedCost         Money          `json:"estimated_cost"`
	ActualCost            *Money         `json:"actual_cost,omitempty"`
	ConfirmedLateAt       *time.Time     `json:"confirmed_late_at,omitempty"`
	LateAlertSent         bool           `json:"late_alert_sent"`
	ReminderSent          bool           `json:"reminder_sent"`
	WaitingTime           *time.Duration `json:"waiting_time,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	Version               int64          `json:"-"`
}

// WaitingSince is the instant the driver's wait for a spot is measured from.
func (b Booking) WaitingSince() time.Time {
	if b.ConfirmedLateAt != nil {
		return *b.ConfirmedLateAt
	}
	return b.CreatedAt
}

type EntryKind string

const (
	EntryTransfer EntryKind = "transfer"
	EntryDebit    EntryKind = "debit"
	EntryCredit   EntryKind = "credit"
)

// LedgerEntry records one balance movement. Reference is unique per movement
// and makes every ledger operation idempotent.
type LedgerEntry struct {
	ID        uuid.UUID  `json:"id"`
	Reference string     `json:"reference"`
	Kind      EntryKind  `json:"kind"`
	From      *uuid.UUID `json:"from,omitempty"`
	To        *uuid.UUID `json:"to,omitempty"`
	Amount    Money      `json:"amount"`
	CreatedAt time.Time  `json:"created_at"`
}

type TimerKind string

const (
	TimerPreExpiry  TimerKind = "pre_expiry"
	TimerHardExpiry TimerKind = "hard_expiry"
	TimerNoEntry    TimerKind = "no_entry"
)

// TimerJob is a callback reference: which check to run for which booking, and when.
type TimerJob struct {
	Kind      TimerKind `json:"kind"`
	BookingID uuid.UUID `json:"booking_id"`
	At        time.Time `json:"at"`
}

type NotificationKind string

const (
	NotifyBookingConfirmed NotificationKind = "booking_confirmed"
	NotifyArrivalReminder  NotificationKind = "arrival_reminder"
	NotifyLateAlert        NotificationKind = "late_alert"
	NotifyBookingExpired   NotificationKind = "booking_expired"
	NotifyBookingCancelled NotificationKind = "booking_cancelled"
	NotifyLateConfirmed    NotificationKind = "late_confirmed"
	NotifyNoShowCharged    NotificationKind = "no_show_charged"
	NotifyNoShowBlocked    NotificationKind = "no_show_blocked"
	NotifyEntryRecorded    NotificationKind = "entry_recorded"
	NotifyExitSettled      NotificationKind = "exit_settled"
	NotifyPaymentReceived  NotificationKind = "payment_received"
)
