package accounts

import (
	"context"
	"sync"
	"time"
)

// RevocationList remembers session ids invalidated by logout until the
// session would have expired anyway
type RevocationList interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevocationList keeps revoked ids in process
type MemoryRevocationList struct {
	mu      sync.RWMutex
	now     Clock
	revoked map[string]time.Time
}

// NewMemoryRevocationList creates an empty list
func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{
		now:     time.Now,
		revoked: map[string]time.Time{},
	}
}

func (m *MemoryRevocationList) Revoke(_ context.Context, jti string, until time.Time) error {
	if jti == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, exp := range m.revoked {
		if !exp.After(now) {
			delete(m.revoked, id)
		}
	}

	if until.After(now) {
		m.revoked[jti] = until
	}
	return nil
}

func (m *MemoryRevocationList) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exp, ok := m.revoked[jti]
	if !ok {
		return false, nil
	}
	return exp.After(m.now()), nil
}
