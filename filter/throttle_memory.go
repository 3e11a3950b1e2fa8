package filter

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// throttleSlack keeps entries a little past the window so a view at the
// exact boundary still sees its predecessor.
const throttleSlack = 5 * time.Second

// MemoryThrottle is a bounded in-process ThrottleStore for single-process
// deployments. Entries older than the window plus slack are evicted.
type MemoryThrottle struct {
	mu    sync.Mutex
	cache *lru.LRU[string, time.Time]
}

func NewMemoryThrottle(size int, window time.Duration) *MemoryThrottle {
	if size <= 0 {
		size = 100000
	}
	return &MemoryThrottle{
		cache: lru.NewLRU[string, time.Time](size, nil, window+throttleSlack),
	}
}

func (m *MemoryThrottle) Allow(_ context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.cache.Get(key); ok && now.Sub(last) < window {
		return false, nil
	}
	m.cache.Add(key, now)
	return true, nil
}
