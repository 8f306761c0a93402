// Package roles is the boundary to the site's role system. The billing
// engine grants a product's roles on activation and, when policy asks for
// it, revokes them on cancellation or expiry.
package roles

import (
	"context"
	"sort"
	"sync"
)

// Granter grants and revokes roles for a user.
type Granter interface {
	Grant(ctx context.Context, userID int64, roles []string) error
	Revoke(ctx context.Context, userID int64, roles []string) error
}

// Checker answers whether a user holds a role.
type Checker interface {
	Has(ctx context.Context, userID int64, role string) (bool, error)
}

// Memory is an in-process role registry. Grants are reference counted so
// revoking one subscription's roles keeps roles another subscription of
// the same user still grants.
type Memory struct {
	mu    sync.RWMutex
	roles map[int64]map[string]int
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{roles: make(map[int64]map[string]int)}
}

func (m *Memory) Grant(_ context.Context, userID int64, roles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.roles[userID]
	if !ok {
		held = make(map[string]int)
		m.roles[userID] = held
	}
	for _, r := range roles {
		held[r]++
	}
	return nil
}

func (m *Memory) Revoke(_ context.Context, userID int64, roles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.roles[userID]
	for _, r := range roles {
		if held[r] <= 1 {
			delete(held, r)
			continue
		}
		held[r]--
	}
	if len(held) == 0 {
		delete(m.roles, userID)
	}
	return nil
}

func (m *Memory) Has(_ context.Context, userID int64, role string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roles[userID][role] > 0, nil
}

// Roles lists the roles a user holds, sorted.
func (m *Memory) Roles(userID int64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.roles[userID]))
	for r := range m.roles[userID] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
