package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/repository"
)

func credit(ref string, to uuid.UUID, amount domain.Money) domain.LedgerEntry {
	return domain.LedgerEntry{ID: uuid.New(), Reference: ref, Kind: domain.EntryCredit, To: &to, Amount: amount, CreatedAt: time.Now().UTC()}
}

func TestRollbackKeepsMovementsCommittedMeanwhile(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	driver, owner := uuid.New(), uuid.New()
	_, err := store.OpenAccount(ctx, driver, domain.RoleDriver)
	require.NoError(t, err)
	_, err = store.OpenAccount(ctx, owner, domain.RoleGarageOwner)
	require.NoError(t, err)
	require.NoError(t, store.ApplyEntry(ctx, credit("seed", driver, 5000)))

	boom := errors.New("boom")
	err = store.WithinTx(ctx, func(txCtx context.Context) error {
		require.NoError(t, store.ApplyEntry(txCtx, domain.LedgerEntry{
			ID: uuid.New(), Reference: "settlement:1", Kind: domain.EntryTransfer,
			From: &driver, To: &owner, Amount: 2000, CreatedAt: time.Now().UTC(),
		}))
		require.NoError(t, store.SetBlockedUntil(txCtx, driver, time.Now().Add(time.Hour)))

		// a top-up outside the transaction commits while it is still open
		require.NoError(t, store.ApplyEntry(ctx, credit("topup:late", driver, 700)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	acc, err := store.GetAccount(ctx, driver)
	require.NoError(t, err)
	require.Equal(t, domain.Money(5700), acc.Balance)
	require.Nil(t, acc.BlockedUntil)
	ownerAcc, err := store.GetAccount(ctx, owner)
	require.NoError(t, err)
	require.Zero(t, ownerAcc.Balance)

	refs := []string{}
	for _, e := range store.Entries() {
		refs = append(refs, e.Reference)
	}
	require.ElementsMatch(t, []string{"seed", "topup:late"}, refs)
	_, found, err := store.FindEntry(ctx, "settlement:1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestApplyEntryRefusesOverdraftWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	driver, owner := uuid.New(), uuid.New()
	_, err := store.OpenAccount(ctx, driver, domain.RoleDriver)
	require.NoError(t, err)
	_, err = store.OpenAccount(ctx, owner, domain.RoleGarageOwner)
	require.NoError(t, err)

	err = store.ApplyEntry(ctx, domain.LedgerEntry{ID: uuid.New(), Reference: "settlement:2", Kind: domain.EntryTransfer, From: &driver, To: &owner, Amount: 1})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.Empty(t, store.Entries())
}

func TestListGarageBookingsCoversCreatedAndEndedInRange(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	garageID := uuid.New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	mk := func(created time.Time, ended *time.Time, status domain.BookingStatus, garage uuid.UUID) domain.Booking {
		b, err := store.CreateBooking(ctx, domain.Booking{
			ID: uuid.New(), DriverID: uuid.New(), GarageID: garage, SpotID: uuid.New(),
			Status: status, EndTime: ended, CreatedAt: created, UpdatedAt: created,
		})
		require.NoError(t, err)
		return b
	}
	endedToday := day.Add(time.Hour)
	overnight := mk(day.Add(-2*time.Hour), &endedToday, domain.StatusCompleted, garageID)
	morning := mk(day.Add(8*time.Hour), nil, domain.StatusCancelled, garageID)
	evening := mk(day.Add(20*time.Hour), nil, domain.StatusCompleted, garageID)
	mk(day.Add(-time.Hour), nil, domain.StatusExpired, garageID)
	mk(day.Add(9*time.Hour), nil, domain.StatusCompleted, uuid.New())
	mk(day.Add(25*time.Hour), nil, domain.StatusCompleted, garageID)

	got, err := store.ListGarageBookings(ctx, garageID, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(got))
	for _, b := range got {
		ids = append(ids, b.ID)
	}
	require.Equal(t, []uuid.UUID{evening.ID, morning.ID, overnight.ID}, ids)
}
