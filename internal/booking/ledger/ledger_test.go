package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/ledger"
	"github.com/example/parkwise/internal/booking/repository"
	"github.com/example/parkwise/internal/lock"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

func newLedger(t *testing.T) (*ledger.Service, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	return ledger.New(store, store, store, lock.NewKeyed(), stubClock{t: time.Unix(0, 0).UTC()}, nil), store
}

func openFunded(t *testing.T, l *ledger.Service, store *repository.MemoryStore, balance domain.Money) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := store.OpenAccount(context.Background(), id, domain.RoleDriver)
	require.NoError(t, err)
	if balance > 0 {
		_, err = l.Credit(context.Background(), "seed:"+id.String(), id, balance)
		require.NoError(t, err)
	}
	return id
}

func TestTransferMovesMoneyOnce(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	driver := openFunded(t, l, store, 5000)
	owner := openFunded(t, l, store, 0)

	_, err := l.Transfer(ctx, "settlement:1", driver, owner, 2000)
	require.NoError(t, err)
	_, err = l.Transfer(ctx, "settlement:1", driver, owner, 2000)
	require.NoError(t, err)

	driverBal, err := l.Balance(ctx, driver)
	require.NoError(t, err)
	ownerBal, err := l.Balance(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, domain.Money(3000), driverBal)
	require.Equal(t, domain.Money(2000), ownerBal)
}

func TestTransferInsufficientFundsMutatesNothing(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	driver := openFunded(t, l, store, 500)
	owner := openFunded(t, l, store, 100)

	_, err := l.Transfer(ctx, "settlement:2", driver, owner, 2000)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	driverBal, _ := l.Balance(ctx, driver)
	ownerBal, _ := l.Balance(ctx, owner)
	require.Equal(t, domain.Money(500), driverBal)
	require.Equal(t, domain.Money(100), ownerBal)

	_, found, err := store.FindEntry(ctx, "settlement:2")
	require.NoError(t, err)
	require.False(t, found)
}

func TestReferenceReuseWithDifferentAmountIsRejected(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	driver := openFunded(t, l, store, 1000)

	_, err := l.Debit(ctx, "no_show:1", driver, 300)
	require.NoError(t, err)
	_, err = l.Debit(ctx, "no_show:1", driver, 400)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestTransferToSelfIsRejected(t *testing.T) {
	l, store := newLedger(t)
	driver := openFunded(t, l, store, 1000)
	_, err := l.Transfer(context.Background(), "settlement:self", driver, driver, 100)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	driver := openFunded(t, l, store, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.Debit(ctx, uuid.NewString(), driver, 100)
		}(i)
	}
	wg.Wait()

	bal, err := l.Balance(ctx, driver)
	require.NoError(t, err)
	require.Equal(t, domain.Money(0), bal)
}

func TestTopUpCreditIsIdempotentByExternalID(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	driver := openFunded(t, l, store, 0)

	for i := 0; i < 3; i++ {
		_, err := l.Credit(ctx, "topup:txn-77", driver, 2500)
		require.NoError(t, err)
	}
	bal, err := l.Balance(ctx, driver)
	require.NoError(t, err)
	require.Equal(t, domain.Money(2500), bal)
}
