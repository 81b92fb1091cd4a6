package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/parkwise/internal/booking/domain"
)

var lockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "entity_lock_wait_seconds",
	Help:    "Time spent waiting for per-entity locks.",
	Buckets: prometheus.DefBuckets,
}, []string{"backend", "result"})

var leaseLost = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "entity_lock_lease_lost_total",
	Help: "Locks whose lease expired or was taken over while still held.",
}, []string{"backend"})

func startWait() time.Time { return time.Now() }

func observeWait(backend string, start time.Time, result string) {
	lockWait.WithLabelValues(backend, result).Observe(time.Since(start).Seconds())
}

// Acquire takes every key in order and returns a func releasing them in
// reverse. Callers pass keys in the global order booking, spot, driver,
// ledger so that no two operations can deadlock.
func Acquire(ctx context.Context, locker domain.Locker, keys ...string) (func(), error) {
	held := make([]func(), 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unlock, err := locker.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}

func BookingKey(id uuid.UUID) string { return "booking:" + id.String() }
func SpotKey(id uuid.UUID) string    { return "spot:" + id.String() }
func DriverKey(id uuid.UUID) string  { return "driver:" + id.String() }
func LedgerKey(id uuid.UUID) string  { return "ledger:" + id.String() }
