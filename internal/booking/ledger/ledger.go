package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/lock"
)

var (
	movementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_movements_total",
		Help: "Ledger operations grouped by kind and outcome.",
	}, []string{"kind", "result"})
	movedCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_moved_cents_total",
		Help: "Sum of amounts applied by the ledger, in cents.",
	}, []string{"kind"})
)

// Service is the only writer of account balances. Each movement is keyed by
// a caller-supplied reference; repeating a reference returns the original
// entry without moving money again.
type Service struct {
	repo     domain.LedgerRepository
	accounts domain.AccountRepository
	tx       domain.TxManager
	locks    domain.Locker
	clock    domain.Clock
	logger   *zap.Logger
}

// New constructs the ledger.
func New(repo domain.LedgerRepository, accounts domain.AccountRepository, tx domain.TxManager, locks domain.Locker, clock domain.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{repo: repo, accounts: accounts, tx: tx, locks: locks, clock: clock, logger: logger}
}

// Transfer debits from and credits to atomically.
func (s *Service) Transfer(ctx context.Context, reference string, from, to uuid.UUID, amount domain.Money) (domain.LedgerEntry, error) {
	if from == to {
		return domain.LedgerEntry{}, domain.Invariant("transfer %q to the paying account", reference)
	}
	return s.apply(ctx, domain.LedgerEntry{Reference: reference, Kind: domain.EntryTransfer, From: &from, To: &to, Amount: amount})
}

// Debit removes amount from account with no counterparty.
func (s *Service) Debit(ctx context.Context, reference string, account uuid.UUID, amount domain.Money) (domain.LedgerEntry, error) {
	return s.apply(ctx, domain.LedgerEntry{Reference: reference, Kind: domain.EntryDebit, From: &account, Amount: amount})
}

// Credit adds amount to account with no counterparty.
func (s *Service) Credit(ctx context.Context, reference string, account uuid.UUID, amount domain.Money) (domain.LedgerEntry, error) {
	return s.apply(ctx, domain.LedgerEntry{Reference: reference, Kind: domain.EntryCredit, To: &account, Amount: amount})
}

// Balance reads the current balance of account.
func (s *Service) Balance(ctx context.Context, account uuid.UUID) (domain.Money, error) {
	acc, err := s.accounts.GetAccount(ctx, account)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (s *Service) apply(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	kind := string(entry.Kind)
	if entry.Reference == "" {
		return domain.LedgerEntry{}, fmt.Errorf("ledger %s: empty reference", kind)
	}
	if entry.Amount < 0 {
		return domain.LedgerEntry{}, fmt.Errorf("ledger %s: negative amount %s", kind, entry.Amount)
	}

	release, err := lock.Acquire(ctx, s.locks, lockKeys(entry)...)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger %s: lock: %w", kind, err)
	}
	defer release()

	var result domain.LedgerEntry
	replayed := false
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, ok, err := s.repo.FindEntry(ctx, entry.Reference)
		if err != nil {
			return err
		}
		if ok {
			if !sameMovement(existing, entry) {
				return domain.Invariant("ledger reference %q reused for a different movement", entry.Reference)
			}
			result, replayed = existing, true
			return nil
		}
		entry.ID = uuid.New()
		entry.CreatedAt = s.clock.Now()
		if err := s.repo.ApplyEntry(ctx, entry); err != nil {
			return err
		}
		result = entry
		return nil
	})
	switch {
	case err != nil:
		movementsTotal.WithLabelValues(kind, "failed").Inc()
		return domain.LedgerEntry{}, fmt.Errorf("ledger %s %q: %w", kind, entry.Reference, err)
	case replayed:
		movementsTotal.WithLabelValues(kind, "replayed").Inc()
		s.logger.Debug("ledger reference replayed", zap.String("reference", entry.Reference))
	default:
		movementsTotal.WithLabelValues(kind, "applied").Inc()
		movedCents.WithLabelValues(kind).Add(float64(entry.Amount))
	}
	return result, nil
}

func lockKeys(entry domain.LedgerEntry) []string {
	ids := make([]uuid.UUID, 0, 2)
	if entry.From != nil {
		ids = append(ids, *entry.From)
	}
	if entry.To != nil {
		ids = append(ids, *entry.To)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = lock.LedgerKey(id)
	}
	return keys
}

func sameMovement(a, b domain.LedgerEntry) bool {
	return a.Kind == b.Kind && a.Amount == b.Amount && sameID(a.From, b.From) && sameID(a.To, b.To)
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
