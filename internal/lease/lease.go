// Package lease provides named, expiring mutual-exclusion leases for periodic jobs.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker hands out at most one live lease per name. A lease ends when released
// or when its ttl elapses, whichever comes first.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

type memoryLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryLease
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemory returns a process-local Locker.
func NewMemory() Locker {
	return &memoryLocker{now: time.Now, leases: make(map[string]memoryLease)}
}

func (m *memoryLocker) Acquire(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[name]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.leases[name] = memoryLease{token: token, expires: now.Add(ttl)}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.leases[name]; ok && cur.token == token {
			delete(m.leases, name)
		}
	}, true, nil
}
