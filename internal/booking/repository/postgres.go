package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/example/parkwise/internal/booking/domain"
)

const uniqueViolation = "23505"

// Postgres persists engine state so it survives restarts. Reads issued inside
// WithinTx take row locks (SELECT ... FOR UPDATE).
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an open pgx-backed *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "pgx")}
}

type pgTxKey struct{}

func (p *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) ext(ctx context.Context) (sqlx.ExtContext, bool) {
	if tx, ok := ctx.Value(pgTxKey{}).(*sqlx.Tx); ok {
		return tx, true
	}
	return p.db, false
}

func forUpdate(inTx bool) string {
	if inTx {
		return " FOR UPDATE"
	}
	return ""
}

type bookingRow struct {
	ID                    uuid.UUID  `db:"id"`
	DriverID              uuid.UUID  `db:"driver_id"`
	GarageID              uuid.UUID  `db:"garage_id"`
	SpotID                uuid.UUID  `db:"spot_id"`
	Status                string     `db:"status"`
	EstimatedArrivalTime  time.Time  `db:"estimated_arrival_time"`
	ReservationExpiryTime time.Time  `db:"reservation_expiry_time"`
	StartTime             *time.Time `db:"start_time"`
	EndTime               *time.Time `db:"end_time"`
	EstimatedCostCents    int64      `db:"estimated_cost_cents"`
	ActualCostCents       *int64     `db:"actual_cost_cents"`
	ConfirmedLateAt       *time.Time `db:"confirmed_late_at"`
	LateAlertSent         bool       `db:"late_alert_sent"`
	ReminderSent          bool       `db:"reminder_sent"`
	WaitingMS             *int64     `db:"waiting_ms"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	Version               int64      `db:"version"`
}

const bookingColumns = `id, driver_id, garage_id, spot_id, status, estimated_arrival_time, reservation_expiry_time,
	start_time, end_time, estimated_cost_cents, actual_cost_cents, confirmed_late_at, late_alert_sent,
	reminder_sent, waiting_ms, created_at, updated_at, version`

const activeStatusFilter = `status IN ('pending', 'awaiting_response', 'confirmed_late', 'confirmed')`

func toBookingRow(b domain.Booking) bookingRow {
	row := bookingRow{
		ID:                    b.ID,
		DriverID:              b.DriverID,
		GarageID:              b.GarageID,
		SpotID:                b.SpotID,
		Status:                string(b.Status),
		EstimatedArrivalTime:  b.EstimatedArrivalTime,
		ReservationExpiryTime: b.ReservationExpiryTime,
		StartTime:             b.StartTime,
		EndTime:               b.EndTime,
		EstimatedCostCents:    int64(b.EstimatedCost),
		ConfirmedLateAt:       b.ConfirmedLateAt,
		LateAlertSent:         b.LateAlertSent,
		ReminderSent:          b.ReminderSent,
		CreatedAt:             b.CreatedAt,
		UpdatedAt:             b.UpdatedAt,
		Version:               b.Version,
	}
	if b.ActualCost != nil {
		v := int64(*b.ActualCost)
		row.ActualCostCents = &v
	}
	if b.WaitingTime != nil {
		v := b.WaitingTime.Milliseconds()
		row.WaitingMS = &v
	}
	return row
}

func (r bookingRow) toDomain() domain.Booking {
	b := domain.Booking{
		ID:                    r.ID,
		DriverID:              r.DriverID,
		GarageID:              r.GarageID,
		SpotID:                r.SpotID,
		Status:                domain.BookingStatus(r.Status),
		EstimatedArrivalTime:  r.EstimatedArrivalTime.UTC(),
		ReservationExpiryTime: r.ReservationExpiryTime.UTC(),
		StartTime:             r.StartTime,
		EndTime:               r.EndTime,
		EstimatedCost:         domain.Money(r.EstimatedCostCents),
		ConfirmedLateAt:       r.ConfirmedLateAt,
		LateAlertSent:         r.LateAlertSent,
		ReminderSent:          r.ReminderSent,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
		Version:               r.Version,
	}
	if r.ActualCostCents != nil {
		v := domain.Money(*r.ActualCostCents)
		b.ActualCost = &v
	}
	if r.WaitingMS != nil {
		v := time.Duration(*r.WaitingMS) * time.Millisecond
		b.WaitingTime = &v
	}
	return b
}

func (p *Postgres) CreateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	q, _ := p.ext(ctx)
	booking.Version = 1
	row := toBookingRow(booking)
	_, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO bookings (`+bookingColumns+`) VALUES (
		:id, :driver_id, :garage_id, :spot_id, :status, :estimated_arrival_time, :reservation_expiry_time,
		:start_time, :end_time, :estimated_cost_cents, :actual_cost_cents, :confirmed_late_at, :late_alert_sent,
		:reminder_sent, :waiting_ms, :created_at, :updated_at, :version)`, row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case "bookings_active_driver_uq":
				return domain.Booking{}, domain.ErrConflictingBooking
			case "bookings_active_spot_uq":
				return domain.Booking{}, domain.Invariant("spot %s already held", booking.SpotID)
			}
		}
		return domain.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	return booking, nil
}

func (p *Postgres) GetBookingByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	q, inTx := p.ext(ctx)
	var row bookingRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`+forUpdate(inTx), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("select booking: %w", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) UpdateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	q, _ := p.ext(ctx)
	row := toBookingRow(booking)
	res, err := sqlx.NamedExecContext(ctx, q, `UPDATE bookings SET
		status = :status,
		reservation_expiry_time = :reservation_expiry_time,
		start_time = :start_time,
		end_time = :end_time,
		actual_cost_cents = :actual_cost_cents,
		confirmed_late_at = :confirmed_late_at,
		late_alert_sent = :late_alert_sent,
		reminder_sent = :reminder_sent,
		waiting_ms = :waiting_ms,
		updated_at = :updated_at,
		version = version + 1
		WHERE id = :id AND version = :version`, row)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("update booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Booking{}, fmt.Errorf("update booking: %w", err)
	}
	if n == 0 {
		if _, err := p.GetBookingByID(ctx, booking.ID); err != nil {
			return domain.Booking{}, err
		}
		return domain.Booking{}, ErrVersionConflict
	}
	booking.Version++
	return booking, nil
}

func (p *Postgres) ActiveBookingForDriver(ctx context.Context, driverID uuid.UUID) (domain.Booking, bool, error) {
	return p.activeBy(ctx, "driver_id", driverID)
}

func (p *Postgres) ActiveBookingForSpot(ctx context.Context, spotID uuid.UUID) (domain.Booking, bool, error) {
	return p.activeBy(ctx, "spot_id", spotID)
}

func (p *Postgres) activeBy(ctx context.Context, column string, id uuid.UUID) (domain.Booking, bool, error) {
	q, _ := p.ext(ctx)
	var row bookingRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+bookingColumns+` FROM bookings WHERE `+column+` = $1 AND `+activeStatusFilter+` LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, false, nil
	}
	if err != nil {
		return domain.Booking{}, false, fmt.Errorf("select active booking: %w", err)
	}
	return row.toDomain(), true, nil
}

func (p *Postgres) ListActiveBookings(ctx context.Context) ([]domain.Booking, error) {
	q, _ := p.ext(ctx)
	var rows []bookingRow
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+bookingColumns+` FROM bookings WHERE `+activeStatusFilter+` ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list active bookings: %w", err)
	}
	out := make([]domain.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (p *Postgres) ListGarageBookings(ctx context.Context, garageID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	q, _ := p.ext(ctx)
	var rows []bookingRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+bookingColumns+` FROM bookings
		WHERE garage_id = $1
		AND ((created_at >= $2 AND created_at < $3) OR (end_time >= $2 AND end_time < $3))
		ORDER BY created_at DESC`, garageID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list garage bookings: %w", err)
	}
	out := make([]domain.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type spotRow struct {
	ID        uuid.UUID `db:"id"`
	GarageID  uuid.UUID `db:"garage_id"`
	Label     string    `db:"label"`
	Status    string    `db:"status"`
	UpdatedAt time.Time `db:"updated_at"`
	Version   int64     `db:"version"`
}

func (r spotRow) toDomain() domain.Spot {
	return domain.Spot{ID: r.ID, GarageID: r.GarageID, Label: r.Label, Status: domain.SpotStatus(r.Status), UpdatedAt: r.UpdatedAt.UTC(), Version: r.Version}
}

const spotColumns = `id, garage_id, label, status, updated_at, version`

func (p *Postgres) GetSpot(ctx context.Context, id uuid.UUID) (domain.Spot, error) {
	q, inTx := p.ext(ctx)
	var row spotRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+spotColumns+` FROM spots WHERE id = $1`+forUpdate(inTx), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Spot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Spot{}, fmt.Errorf("select spot: %w", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) EnsureSpot(ctx context.Context, spot domain.Spot) (domain.Spot, error) {
	q, _ := p.ext(ctx)
	if spot.Status == "" {
		spot.Status = domain.SpotAvailable
	}
	_, err := q.ExecContext(ctx, `INSERT INTO spots (id, garage_id, label, status) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, spot.ID, spot.GarageID, spot.Label, string(spot.Status))
	if err != nil {
		return domain.Spot{}, fmt.Errorf("insert spot: %w", err)
	}
	return p.GetSpot(ctx, spot.ID)
}

func (p *Postgres) ListSpotsByGarage(ctx context.Context, garageID uuid.UUID) ([]domain.Spot, error) {
	q, _ := p.ext(ctx)
	var rows []spotRow
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+spotColumns+` FROM spots WHERE garage_id = $1 ORDER BY label`, garageID); err != nil {
		return nil, fmt.Errorf("list spots: %w", err)
	}
	out := make([]domain.Spot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (p *Postgres) CompareAndSetSpotStatus(ctx context.Context, id uuid.UUID, expected []domain.SpotStatus, next domain.SpotStatus) (domain.Spot, bool, error) {
	q, _ := p.ext(ctx)
	states := make([]string, len(expected))
	for i, s := range expected {
		states[i] = string(s)
	}
	var row spotRow
	err := sqlx.GetContext(ctx, q, &row, `UPDATE spots SET status = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND status = ANY($3) RETURNING `+spotColumns, id, string(next), states)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.GetSpot(ctx, id)
		if getErr != nil {
			return domain.Spot{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return domain.Spot{}, false, fmt.Errorf("cas spot: %w", err)
	}
	return row.toDomain(), true, nil
}

type accountRow struct {
	ID           uuid.UUID  `db:"id"`
	Role         string     `db:"role"`
	BalanceCents int64      `db:"balance_cents"`
	BlockedUntil *time.Time `db:"blocked_until"`
	Version      int64      `db:"version"`
}

func (p *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	q, _ := p.ext(ctx)
	var row accountRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT id, role, balance_cents, blocked_until, version FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("select account: %w", err)
	}
	return domain.Account{
		ID:           row.ID,
		Role:         domain.Role(row.Role),
		Balance:      domain.Money(row.BalanceCents),
		BlockedUntil: row.BlockedUntil,
		Version:      row.Version,
	}, nil
}

func (p *Postgres) OpenAccount(ctx context.Context, id uuid.UUID, role domain.Role) (domain.Account, error) {
	q, _ := p.ext(ctx)
	if _, err := q.ExecContext(ctx, `INSERT INTO accounts (id, role) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id, string(role)); err != nil {
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return p.GetAccount(ctx, id)
}

func (p *Postgres) SetBlockedUntil(ctx context.Context, id uuid.UUID, until time.Time) error {
	q, _ := p.ext(ctx)
	res, err := q.ExecContext(ctx, `UPDATE accounts SET blocked_until = $2, version = version + 1 WHERE id = $1`, id, until)
	if err != nil {
		return fmt.Errorf("block account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type entryRow struct {
	ID          uuid.UUID  `db:"id"`
	Reference   string     `db:"reference"`
	Kind        string     `db:"kind"`
	FromAccount *uuid.UUID `db:"from_account"`
	ToAccount   *uuid.UUID `db:"to_account"`
	AmountCents int64      `db:"amount_cents"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (p *Postgres) FindEntry(ctx context.Context, reference string) (domain.LedgerEntry, bool, error) {
	q, _ := p.ext(ctx)
	var row entryRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT id, reference, kind, from_account, to_account, amount_cents, created_at
		FROM ledger_entries WHERE reference = $1`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("select ledger entry: %w", err)
	}
	return domain.LedgerEntry{
		ID:        row.ID,
		Reference: row.Reference,
		Kind:      domain.EntryKind(row.Kind),
		From:      row.FromAccount,
		To:        row.ToAccount,
		Amount:    domain.Money(row.AmountCents),
		CreatedAt: row.CreatedAt.UTC(),
	}, true, nil
}

func (p *Postgres) ApplyEntry(ctx context.Context, entry domain.LedgerEntry) error {
	return p.WithinTx(ctx, func(ctx context.Context) error {
		q, _ := p.ext(ctx)
		if entry.From != nil {
			res, err := q.ExecContext(ctx, `UPDATE accounts SET balance_cents = balance_cents - $2, version = version + 1
				WHERE id = $1 AND balance_cents >= $2`, *entry.From, int64(entry.Amount))
			if err != nil {
				return fmt.Errorf("debit account: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				if _, err := p.GetAccount(ctx, *entry.From); err != nil {
					return err
				}
				return domain.ErrInsufficientFunds
			}
		}
		if entry.To != nil {
			res, err := q.ExecContext(ctx, `UPDATE accounts SET balance_cents = balance_cents + $2, version = version + 1
				WHERE id = $1`, *entry.To, int64(entry.Amount))
			if err != nil {
				return fmt.Errorf("credit account: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return domain.ErrNotFound
			}
		}
		_, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO ledger_entries (id, reference, kind, from_account, to_account, amount_cents, created_at)
			VALUES (:id, :reference, :kind, :from_account, :to_account, :amount_cents, :created_at)`, entryRow{
			ID:          entry.ID,
			Reference:   entry.Reference,
			Kind:        string(entry.Kind),
			FromAccount: entry.From,
			ToAccount:   entry.To,
			AmountCents: int64(entry.Amount),
			CreatedAt:   entry.CreatedAt,
		})
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return domain.Invariant("ledger reference %q reused", entry.Reference)
			}
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		return nil
	})
}

// DB exposes the underlying handle for the notification outbox.
func (p *Postgres) DB() *sql.DB {
	return p.db.DB
}
