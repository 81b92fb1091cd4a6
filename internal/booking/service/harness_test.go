package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/parkwise/internal/auth"
	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/ledger"
	"github.com/example/parkwise/internal/booking/repository"
	"github.com/example/parkwise/internal/booking/service"
	"github.com/example/parkwise/internal/booking/spots"
	"github.com/example/parkwise/internal/booking/token"
	"github.com/example/parkwise/internal/garage"
	"github.com/example/parkwise/internal/lock"
	"github.com/example/parkwise/internal/timer"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type sent struct {
	account uuid.UUID
	kind    domain.NotificationKind
	payload map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingNotifier) Notify(_ context.Context, account uuid.UUID, kind domain.NotificationKind, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{account: account, kind: kind, payload: payload})
}

func (r *recordingNotifier) count(kind domain.NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) last() sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

var epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *fakeClock
	store    *repository.MemoryStore
	registry *spots.Registry
	ledger   *ledger.Service
	timers   *timer.Service
	pending  *timer.MemoryStore
	notifier *recordingNotifier
	passes   *token.Issuer
	svc      *service.Service

	garage domain.GarageConfig
	spots  []uuid.UUID
}

type option func(*domain.GarageConfig, *service.Config)

func withHours(open, closing string) option {
	return func(g *domain.GarageConfig, _ *service.Config) {
		g.OpeningHour, _ = domain.ParseTimeOfDay(open)
		g.ClosingHour, _ = domain.ParseTimeOfDay(closing)
	}
}

func withoutLateConfirmation() option {
	return func(_ *domain.GarageConfig, c *service.Config) { c.LateConfirmation = false }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    &fakeClock{t: epoch},
		store:    repository.NewMemoryStore(),
		pending:  timer.NewMemoryStore(),
		notifier: &recordingNotifier{},
		passes:   token.NewIssuer("pass-secret", "parkwise", time.Hour),
	}
	h.garage = domain.GarageConfig{
		ID:                 uuid.New(),
		OwnerID:            uuid.New(),
		Name:               gofakeit.Company(),
		GracePeriodMinutes: 15,
		BlockDurationHours: 24,
		PricePerHour:       1000,
		Location:           time.UTC,
	}
	cfg := service.DefaultConfig()
	for _, opt := range opts {
		opt(&h.garage, &cfg)
	}

	locks := lock.NewKeyed()
	h.registry = spots.NewRegistry(h.store, nil)
	h.ledger = ledger.New(h.store, h.store, h.store, locks, h.clock, nil)
	h.timers = timer.New(h.pending, h.clock, nil, timer.Config{Lease: time.Minute})

	g := garage.Garage{Config: h.garage}
	for i := 0; i < 3; i++ {
		g.Spots = append(g.Spots, domain.Spot{ID: uuid.New(), GarageID: h.garage.ID, Label: gofakeit.LetterN(1) + gofakeit.DigitN(2)})
	}
	catalog := garage.NewStatic(g)
	require.NoError(t, catalog.Sync(h.ctx, h.registry, h.store))
	for _, s := range g.Spots {
		h.spots = append(h.spots, s.ID)
	}

	h.svc = service.New(service.Deps{
		Bookings:    h.store,
		Accounts:    h.store,
		Spots:       h.registry,
		Ledger:      h.ledger,
		Garages:     catalog,
		Tx:          h.store,
		Locks:       locks,
		Timers:      h.timers,
		Notifier:    h.notifier,
		Clock:       h.clock,
		Idempotency: repository.NewMemoryIdempotencyRepo(time.Hour),
		Passes:      h.passes,
	}, cfg)
	return h
}

func (h *harness) driver(balance domain.Money) uuid.UUID {
	h.t.Helper()
	id := uuid.New()
	_, err := h.svc.EnsureAccount(h.ctx, auth.Caller{AccountID: id, Role: domain.RoleDriver})
	require.NoError(h.t, err)
	if balance > 0 {
		_, err = h.svc.TopUp(h.ctx, "seed-"+id.String(), id, balance)
		require.NoError(h.t, err)
	}
	return id
}

func (h *harness) balance(id uuid.UUID) domain.Money {
	h.t.Helper()
	bal, err := h.ledger.Balance(h.ctx, id)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) spotStatus(id uuid.UUID) domain.SpotStatus {
	h.t.Helper()
	spot, err := h.registry.Get(h.ctx, id)
	require.NoError(h.t, err)
	return spot.Status
}

func (h *harness) book(driver uuid.UUID, spot uuid.UUID) domain.Booking {
	h.t.Helper()
	res, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{
		DriverID:    driver,
		GarageID:    h.garage.ID,
		SpotID:      spot,
		ArrivalTime: h.clock.Now().Add(30 * time.Minute),
	})
	require.NoError(h.t, err)
	return res.Booking
}

func (h *harness) get(id uuid.UUID) domain.Booking {
	h.t.Helper()
	b, err := h.store.GetBookingByID(h.ctx, id)
	require.NoError(h.t, err)
	return b
}

// fire delivers every timer due at the current fake time.
func (h *harness) fire() int {
	h.t.Helper()
	n, err := h.timers.RunOnce(h.ctx, h.svc.HandleTimer)
	require.NoError(h.t, err)
	return n
}

func (h *harness) requireReleased(b domain.Booking) {
	h.t.Helper()
	require.True(h.t, h.get(b.ID).Status.IsTerminal())
	require.Equal(h.t, domain.SpotAvailable, h.spotStatus(b.SpotID))
}

func (h *harness) ownerCaller() auth.Caller {
	return auth.Caller{AccountID: h.garage.OwnerID, Role: domain.RoleGarageOwner}
}

func driverCaller(id uuid.UUID) auth.Caller {
	return auth.Caller{AccountID: id, Role: domain.RoleDriver}
}
