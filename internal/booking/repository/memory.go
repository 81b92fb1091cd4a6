package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/parkwise/internal/booking/domain"
)

// ErrVersionConflict signals an update against a stale row version.
var ErrVersionConflict = errors.New("stale row version")

// MemoryStore keeps bookings, spots, accounts and ledger entries in maps. It
// is the store used by tests and local demos; writes made inside WithinTx are
// journaled and undone if the transaction function fails.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]domain.Booking
	spots    map[uuid.UUID]domain.Spot
	accounts map[uuid.UUID]domain.Account
	entries  map[string]domain.LedgerEntry
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[uuid.UUID]domain.Booking),
		spots:    make(map[uuid.UUID]domain.Spot),
		accounts: make(map[uuid.UUID]domain.Account),
		entries:  make(map[string]domain.LedgerEntry),
	}
}

type journalKey struct{}

type journal struct {
	undo []func()
}

// WithinTx implements domain.TxManager.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}
	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		m.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// record must be called with m.mu held.
func record(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.undo = append(j.undo, undo)
	}
}

func isActive(status domain.BookingStatus) bool {
	return !status.IsTerminal()
}

// CreateBooking stores a new booking, refusing a second active booking for
// the same driver or spot.
func (m *MemoryStore) CreateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bookings[booking.ID]; exists {
		return domain.Booking{}, domain.Invariant("booking %s already exists", booking.ID)
	}
	for _, b := range m.bookings {
		if !isActive(b.Status) {
			continue
		}
		if b.DriverID == booking.DriverID {
			return domain.Booking{}, domain.ErrConflictingBooking
		}
		if b.SpotID == booking.SpotID {
			return domain.Booking{}, domain.Invariant("spot %s already held by booking %s", booking.SpotID, b.ID)
		}
	}
	booking.Version = 1
	m.bookings[booking.ID] = booking
	id := booking.ID
	record(ctx, func() { delete(m.bookings, id) })
	return booking, nil
}

// GetBookingByID retrieves a booking.
func (m *MemoryStore) GetBookingByID(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return booking, nil
}

// UpdateBooking replaces the stored booking, performing optimistic locking on version.
func (m *MemoryStore) UpdateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.bookings[booking.ID]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	if booking.Version != existing.Version {
		return domain.Booking{}, ErrVersionConflict
	}
	booking.Version = existing.Version + 1
	m.bookings[booking.ID] = booking
	record(ctx, func() { m.bookings[existing.ID] = existing })
	return booking, nil
}

func (m *MemoryStore) ActiveBookingForDriver(_ context.Context, driverID uuid.UUID) (domain.Booking, bool, error) {
	return m.findActive(func(b domain.Booking) bool { return b.DriverID == driverID })
}

func (m *MemoryStore) ActiveBookingForSpot(_ context.Context, spotID uuid.UUID) (domain.Booking, bool, error) {
	return m.findActive(func(b domain.Booking) bool { return b.SpotID == spotID })
}

func (m *MemoryStore) findActive(match func(domain.Booking) bool) (domain.Booking, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if isActive(b.Status) && match(b) {
			return b, true, nil
		}
	}
	return domain.Booking{}, false, nil
}

// ListActiveBookings returns non-terminal bookings ordered by creation time.
func (m *MemoryStore) ListActiveBookings(_ context.Context) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if isActive(b.Status) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListGarageBookings(_ context.Context, garageID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	within := func(t time.Time) bool { return !t.Before(from) && t.Before(to) }
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if b.GarageID != garageID {
			continue
		}
		if within(b.CreatedAt) || (b.EndTime != nil && within(*b.EndTime)) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetSpot retrieves a spot.
func (m *MemoryStore) GetSpot(_ context.Context, id uuid.UUID) (domain.Spot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spot, ok := m.spots[id]
	if !ok {
		return domain.Spot{}, domain.ErrNotFound
	}
	return spot, nil
}

func (m *MemoryStore) EnsureSpot(ctx context.Context, spot domain.Spot) (domain.Spot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.spots[spot.ID]; ok {
		return existing, nil
	}
	if spot.Status == "" {
		spot.Status = domain.SpotAvailable
	}
	spot.Version = 1
	m.spots[spot.ID] = spot
	id := spot.ID
	record(ctx, func() { delete(m.spots, id) })
	return spot, nil
}

func (m *MemoryStore) ListSpotsByGarage(_ context.Context, garageID uuid.UUID) ([]domain.Spot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Spot
	for _, s := range m.spots {
		if s.GarageID == garageID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *MemoryStore) CompareAndSetSpotStatus(ctx context.Context, id uuid.UUID, expected []domain.SpotStatus, next domain.SpotStatus) (domain.Spot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spot, ok := m.spots[id]
	if !ok {
		return domain.Spot{}, false, domain.ErrNotFound
	}
	matched := false
	for _, s := range expected {
		if spot.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return spot, false, nil
	}
	prev := spot
	spot.Status = next
	spot.Version++
	spot.UpdatedAt = time.Now().UTC()
	m.spots[id] = spot
	record(ctx, func() { m.spots[prev.ID] = prev })
	return spot, true, nil
}

// GetAccount retrieves an account.
func (m *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return account, nil
}

func (m *MemoryStore) OpenAccount(ctx context.Context, id uuid.UUID, role domain.Role) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.accounts[id]; ok {
		return existing, nil
	}
	account := domain.Account{ID: id, Role: role, Version: 1}
	m.accounts[id] = account
	record(ctx, func() { delete(m.accounts, id) })
	return account, nil
}

func (m *MemoryStore) SetBlockedUntil(ctx context.Context, id uuid.UUID, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	prevBlock := account.BlockedUntil
	account.BlockedUntil = &until
	account.Version++
	m.accounts[id] = account
	record(ctx, func() {
		current := m.accounts[id]
		current.BlockedUntil = prevBlock
		current.Version++
		m.accounts[id] = current
	})
	return nil
}

func (m *MemoryStore) FindEntry(_ context.Context, reference string) (domain.LedgerEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[reference]
	return entry, ok, nil
}

func (m *MemoryStore) ApplyEntry(ctx context.Context, entry domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entry.Reference]; exists {
		return domain.Invariant("ledger reference %q reused", entry.Reference)
	}
	var from, to domain.Account
	if entry.From != nil {
		acc, ok := m.accounts[*entry.From]
		if !ok {
			return domain.ErrNotFound
		}
		if acc.Balance < entry.Amount {
			return domain.ErrInsufficientFunds
		}
		from = acc
	}
	if entry.To != nil {
		acc, ok := m.accounts[*entry.To]
		if !ok {
			return domain.ErrNotFound
		}
		to = acc
	}
	if entry.From != nil {
		m.adjustBalance(ctx, from.ID, -entry.Amount)
	}
	if entry.To != nil {
		m.adjustBalance(ctx, to.ID, entry.Amount)
	}
	m.entries[entry.Reference] = entry
	ref := entry.Reference
	record(ctx, func() { delete(m.entries, ref) })
	return nil
}

// adjustBalance must be called with m.mu held. The undo applies the inverse
// delta so that movements committed by others in the meantime survive a
// rollback.
func (m *MemoryStore) adjustBalance(ctx context.Context, id uuid.UUID, delta domain.Money) {
	account := m.accounts[id]
	account.Balance += delta
	account.Version++
	m.accounts[id] = account
	record(ctx, func() {
		current := m.accounts[id]
		current.Balance -= delta
		current.Version++
		m.accounts[id] = current
	})
}

// Entries returns recorded ledger entries (for tests).
func (m *MemoryStore) Entries() []domain.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
