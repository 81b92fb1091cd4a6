package spots_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/repository"
	"github.com/example/parkwise/internal/booking/spots"
)

func newRegistry(t *testing.T) (*spots.Registry, uuid.UUID, uuid.UUID) {
	t.Helper()
	reg := spots.NewRegistry(repository.NewMemoryStore(), nil)
	garageID, spotID := uuid.New(), uuid.New()
	_, err := reg.Register(context.Background(), garageID, spotID, "A-1")
	require.NoError(t, err)
	return reg, garageID, spotID
}

func TestReserveOccupyRelease(t *testing.T) {
	reg, _, spotID := newRegistry(t)
	ctx := context.Background()

	spot, err := reg.Reserve(ctx, spotID)
	require.NoError(t, err)
	require.Equal(t, domain.SpotReserved, spot.Status)

	_, err = reg.Reserve(ctx, spotID)
	require.ErrorIs(t, err, domain.ErrSpotUnavailable)

	spot, err = reg.Occupy(ctx, spotID)
	require.NoError(t, err)
	require.Equal(t, domain.SpotOccupied, spot.Status)

	spot, err = reg.Release(ctx, spotID, domain.SpotOccupied)
	require.NoError(t, err)
	require.Equal(t, domain.SpotAvailable, spot.Status)
}

func TestMismatchedExpectationIsInvariantViolation(t *testing.T) {
	reg, _, spotID := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Occupy(ctx, spotID)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)

	_, err = reg.Release(ctx, spotID, domain.SpotReserved)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)

	_, err = reg.Release(ctx, spotID, domain.SpotAvailable)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestConcurrentReserveHasOneWinner(t *testing.T) {
	reg, _, spotID := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Reserve(ctx, spotID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrSpotUnavailable):
				losses++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, 31, losses)
}

func TestOccupancyCountsHeldSpots(t *testing.T) {
	reg, garageID, spotID := newRegistry(t)
	ctx := context.Background()
	second := uuid.New()
	_, err := reg.Register(ctx, garageID, second, "A-2")
	require.NoError(t, err)
	_, err = reg.Register(ctx, garageID, uuid.New(), "A-3")
	require.NoError(t, err)

	_, err = reg.Reserve(ctx, spotID)
	require.NoError(t, err)
	_, err = reg.Reserve(ctx, second)
	require.NoError(t, err)
	_, err = reg.Occupy(ctx, second)
	require.NoError(t, err)

	occ, err := reg.Occupancy(ctx, garageID)
	require.NoError(t, err)
	require.Equal(t, 3, occ.Total)
	require.Equal(t, 1, occ.Reserved)
	require.Equal(t, 2, occ.Occupied)
	require.Equal(t, 1, occ.Available)
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg, garageID, spotID := newRegistry(t)
	ctx := context.Background()
	_, err := reg.Reserve(ctx, spotID)
	require.NoError(t, err)

	spot, err := reg.Register(ctx, garageID, spotID, "A-1")
	require.NoError(t, err)
	require.Equal(t, domain.SpotReserved, spot.Status)

	_, err = reg.Register(ctx, uuid.New(), spotID, "A-1")
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
}
