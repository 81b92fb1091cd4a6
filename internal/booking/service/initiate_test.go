package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/service"
)

func TestInitiateReservesSpotAndArmsTimers(t *testing.T) {
	h := newHarness(t)
	driver := h.driver(5000)
	arrival := epoch.Add(30 * time.Minute)

	res, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: driver, GarageID: h.garage.ID, SpotID: h.spots[0], ArrivalTime: arrival})
	require.NoError(t, err)
	b := res.Booking
	require.Equal(t, domain.StatusPending, b.Status)
	require.Equal(t, arrival, b.EstimatedArrivalTime)
	require.Equal(t, arrival.Add(15*time.Minute), b.ReservationExpiryTime)
	require.Equal(t, domain.Money(1000), b.EstimatedCost)
	require.Equal(t, domain.SpotReserved, h.spotStatus(h.spots[0]))

	jobs := h.pending.Pending()
	require.Len(t, jobs, 2)
	require.Equal(t, domain.TimerPreExpiry, jobs[0].Kind)
	require.Equal(t, b.ReservationExpiryTime.Add(-5*time.Minute), jobs[0].At)
	require.Equal(t, domain.TimerHardExpiry, jobs[1].Kind)
	require.Equal(t, b.ReservationExpiryTime.Add(10*time.Minute), jobs[1].At)

	last := h.notifier.last()
	require.Equal(t, domain.NotifyBookingConfirmed, last.kind)
	require.Equal(t, driver, last.account)
	require.Equal(t, h.garage.Name, last.payload["garage_name"])

	id, err := h.passes.Decode(res.Pass)
	require.NoError(t, err)
	require.Equal(t, b.ID, id)

	// nothing is charged at reservation time
	require.Equal(t, domain.Money(5000), h.balance(driver))
}

func TestInitiatePastArrivalStartsGraceNow(t *testing.T) {
	h := newHarness(t)
	driver := h.driver(5000)
	res, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: driver, GarageID: h.garage.ID, SpotID: h.spots[0], ArrivalTime: epoch.Add(-time.Hour)})
	require.NoError(t, err)
	require.Equal(t, epoch, res.Booking.EstimatedArrivalTime)
	require.False(t, res.Booking.ReservationExpiryTime.Before(res.Booking.EstimatedArrivalTime))
}

func TestInitiateRejections(t *testing.T) {
	t.Run("garage closed", func(t *testing.T) {
		h := newHarness(t, withHours("22:00", "06:00"))
		driver := h.driver(5000)
		_, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: driver, GarageID: h.garage.ID, SpotID: h.spots[0], ArrivalTime: epoch})
		require.ErrorIs(t, err, domain.ErrGarageClosed)
		require.Equal(t, domain.SpotAvailable, h.spotStatus(h.spots[0]))
	})

	t.Run("driver blocked", func(t *testing.T) {
		h := newHarness(t)
		driver := h.driver(5000)
		require.NoError(t, h.store.SetBlockedUntil(h.ctx, driver, epoch.Add(time.Hour)))
		_, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: driver, GarageID: h.garage.ID, SpotID: h.spots[0], ArrivalTime: epoch})
		require.ErrorIs(t, err, domain.ErrDriverBlocked)
		require.False(t, domain.IsRetryable(err))

		h.clock.Advance(2 * time.Hour)
		_, err = h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: driver, GarageID: h.garage.ID, SpotID: h.spots[0], ArrivalTime: h.clock.Now()})
		require.NoError(t, err)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		h := newHarness(t)
		driver := h.driver(999)
		_, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: driver, GarageID: h.garage.ID, SpotID: h.spots[0], ArrivalTime: epoch})
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)
		require.False(t, domain.IsRetryable(err))
		require.Equal(t, domain.SpotAvailable, h.spotStatus(h.spots[0]))
		require.Empty(t, h.pending.Pending())
	})

	t.Run("spot taken", func(t *testing.T) {
		h := newHarness(t)
		h.book(h.driver(5000), h.spots[0])
		_, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: h.driver(5000), GarageID: h.garage.ID, SpotID: h.spots[0], ArrivalTime: epoch})
		require.ErrorIs(t, err, domain.ErrSpotUnavailable)
		require.True(t, domain.IsRetryable(err))
	})

	t.Run("spot of another garage", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: h.driver(5000), GarageID: h.garage.ID, SpotID: uuid.New(), ArrivalTime: epoch})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSecondBookingForDriverConflicts(t *testing.T) {
	h := newHarness(t)
	driver := h.driver(5000)
	h.book(driver, h.spots[0])

	_, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: driver, GarageID: h.garage.ID, SpotID: h.spots[1], ArrivalTime: epoch})
	require.ErrorIs(t, err, domain.ErrConflictingBooking)
	require.Equal(t, domain.SpotAvailable, h.spotStatus(h.spots[1]))
}

func TestConcurrentInitiateOnOneSpotHasOneWinner(t *testing.T) {
	h := newHarness(t)
	const contenders = 24
	drivers := make([]uuid.UUID, contenders)
	for i := range drivers {
		drivers[i] = h.driver(5000)
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		wins        int
		unavailable int
	)
	start := make(chan struct{})
	for _, d := range drivers {
		wg.Add(1)
		go func(driver uuid.UUID) {
			defer wg.Done()
			<-start
			_, err := h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: driver, GarageID: h.garage.ID, SpotID: h.spots[0], ArrivalTime: epoch.Add(time.Hour)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case domain.IsRetryable(err):
				unavailable++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(d)
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, contenders-1, unavailable)
	active, err := h.store.ListActiveBookings(h.ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestInitiateIdempotencyKeyReplaysResult(t *testing.T) {
	h := newHarness(t)
	driver := h.driver(5000)
	req := service.InitiateRequest{DriverID: driver, GarageID: h.garage.ID, SpotID: h.spots[0], ArrivalTime: epoch.Add(time.Hour)}

	first, err := h.svc.Initiate(h.ctx, "req-1", req)
	require.NoError(t, err)
	again, err := h.svc.Initiate(h.ctx, "req-1", req)
	require.NoError(t, err)
	require.Equal(t, first.Booking.ID, again.Booking.ID)
	require.Equal(t, first.Pass, again.Pass)
	require.Equal(t, 1, h.notifier.count(domain.NotifyBookingConfirmed))
}

func TestCancelPendingRoundTrip(t *testing.T) {
	h := newHarness(t)
	driver := h.driver(5000)
	b := h.book(driver, h.spots[0])

	_, err := h.svc.CancelPending(h.ctx, b.ID, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotOwner)

	cancelled, err := h.svc.CancelPending(h.ctx, b.ID, driver)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	h.requireReleased(b)
	require.Equal(t, domain.Money(5000), h.balance(driver))
	require.Equal(t, domain.Money(0), h.balance(h.garage.OwnerID))

	_, err = h.svc.CancelPending(h.ctx, b.ID, driver)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	// stale timers for the cancelled booking do nothing
	h.clock.Advance(2 * time.Hour)
	require.Equal(t, 2, h.fire())
	require.Equal(t, domain.StatusCancelled, h.get(b.ID).Status)
	acc, err := h.svc.Account(h.ctx, driver)
	require.NoError(t, err)
	require.False(t, acc.IsBlocked(h.clock.Now()))
}

func TestCancelPendingAfterGraceIsRejected(t *testing.T) {
	h := newHarness(t)
	driver := h.driver(5000)
	b := h.book(driver, h.spots[0])

	h.clock.Set(b.ReservationExpiryTime)
	_, err := h.svc.CancelPending(h.ctx, b.ID, driver)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	require.Equal(t, domain.SpotReserved, h.spotStatus(b.SpotID))
}

func TestInitiateRefusesSpotStillHeldByActiveBooking(t *testing.T) {
	h := newHarness(t)
	b := h.book(h.driver(5000), h.spots[0])

	// the spot row drifted back to available while the booking still holds it
	_, swapped, err := h.store.CompareAndSetSpotStatus(h.ctx, b.SpotID, []domain.SpotStatus{domain.SpotReserved}, domain.SpotAvailable)
	require.NoError(t, err)
	require.True(t, swapped)

	_, err = h.svc.Initiate(h.ctx, "", service.InitiateRequest{DriverID: h.driver(5000), GarageID: h.garage.ID, SpotID: b.SpotID, ArrivalTime: h.clock.Now()})
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
	require.Equal(t, domain.SpotAvailable, h.spotStatus(b.SpotID))
	require.Equal(t, domain.StatusPending, h.get(b.ID).Status)
}
