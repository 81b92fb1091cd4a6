package timer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/parkwise/internal/booking/domain"
)

// MemoryStore keeps jobs in process memory; jobs do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]domain.TimerJob
	due  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]domain.TimerJob), due: make(map[string]time.Time)}
}

func (m *MemoryStore) Add(_ context.Context, job domain.TimerJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := encodeJob(job)
	m.jobs[key] = job
	m.due[key] = job.At
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.TimerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key, at := range m.due {
		if !at.After(now) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return m.due[keys[i]].Before(m.due[keys[j]]) })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]domain.TimerJob, 0, len(keys))
	for _, key := range keys {
		m.due[key] = now.Add(lease)
		out = append(out, m.jobs[key])
	}
	return out, nil
}

func (m *MemoryStore) Ack(_ context.Context, job domain.TimerJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := encodeJob(job)
	delete(m.jobs, key)
	delete(m.due, key)
	return nil
}

// Pending lists stored jobs ordered by due time (for tests).
func (m *MemoryStore) Pending() []domain.TimerJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TimerJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
