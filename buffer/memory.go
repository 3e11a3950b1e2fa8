package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/cppla/pageviews/models"
)

// MemoryStore is an in-process Store for single-process deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   quartz.Clock
	pending []models.BufferedView // oldest first
	batches []Batch               // oldest first
	leased  time.Time             // lease expiry, zero when free
	token   int64
}

func NewMemoryStore(clock quartz.Clock) *MemoryStore {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryStore{clock: clock}
}

func (m *MemoryStore) Push(_ context.Context, item models.BufferedView) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, item)
	return int64(len(m.pending)), nil
}

func (m *MemoryStore) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Pending: int64(len(m.pending))}
	if len(m.pending) > 0 {
		st.Oldest = m.pending[0].EnqueuedAt
	}
	return st, nil
}

func (m *MemoryStore) Cut(_ context.Context, id string, max int, at time.Time) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(max, len(m.pending))
	b := Batch{ID: id, CreatedAt: at}
	if n <= 0 {
		return b, nil
	}
	b.Items = append([]models.BufferedView(nil), m.pending[:n]...)
	m.pending = append(m.pending[:0:0], m.pending[n:]...)
	m.batches = append(m.batches, b)
	return b, nil
}

func (m *MemoryStore) Batches(context.Context) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Batch(nil), m.batches...), nil
}

func (m *MemoryStore) Replace(_ context.Context, id string, items []models.BufferedView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.batches {
		if b.ID != id {
			continue
		}
		if len(items) == 0 {
			m.batches = append(m.batches[:i], m.batches[i+1:]...)
			return nil
		}
		m.batches[i].Items = append([]models.BufferedView(nil), items...)
		m.batches[i].Corrupt = 0
		return nil
	}
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.batches {
		if b.ID == id {
			m.batches = append(m.batches[:i], m.batches[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) ReapPending(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for n < len(m.pending) && m.pending[n].EnqueuedAt.Before(cutoff) {
		n++
	}
	m.pending = append(m.pending[:0:0], m.pending[n:]...)
	return n, nil
}

func (m *MemoryStore) ReapBatches(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	views := 0
	kept := m.batches[:0:0]
	for _, b := range m.batches {
		if b.CreatedAt.Before(cutoff) {
			views += len(b.Items)
			continue
		}
		kept = append(kept, b)
	}
	m.batches = kept
	return views, nil
}

func (m *MemoryStore) Acquire(_ context.Context, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if !m.leased.IsZero() && now.Before(m.leased) {
		return func() {}, false, nil
	}
	m.leased = now.Add(ttl)
	m.token++
	token := m.token
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.token == token {
			m.leased = time.Time{}
		}
	}, true, nil
}
