package host

import (
	"sync"
	"time"
)

// failureMemory remembers compilation errors per cache key for a fixed
// period, so that resubmitting known-bad code does not occupy a worker.
type failureMemory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]failure
}

type failure struct {
	reason  string
	expires time.Time
}

func newFailureMemory(ttl time.Duration) *failureMemory {
	return &failureMemory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]failure),
	}
}

func (m *failureMemory) remember(key, reason string) {
	if m.ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries[key] = failure{reason: reason, expires: now.Add(m.ttl)}

	for k, f := range m.entries {
		if !now.Before(f.expires) {
			delete(m.entries, k)
		}
	}
}

func (m *failureMemory) lookup(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if !m.now().Before(f.expires) {
		delete(m.entries, key)
		return "", false
	}
	return f.reason, true
}
