// Package profile provides the per-account security profile stores.
package profile

import (
	"context"
	"sync"

	"vigil/internal/security"
	"vigil/pkg/domain"
	"vigil/pkg/platform/sentinel"
)

// InMemoryStore keeps profiles in a map. Used in tests and single-node
// development; the Redis store carries the same contract.
type InMemoryStore struct {
	mu       sync.RWMutex
	profiles map[domain.AccountID]*security.Profile
}

// NewInMemoryStore creates an empty profile store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{profiles: make(map[domain.AccountID]*security.Profile)}
}

func (s *InMemoryStore) GetProfile(_ context.Context, accountID domain.AccountID) (*security.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[accountID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *p
	clone.TrustedDevices = append([]security.TrustedDevice(nil), p.TrustedDevices...)
	clone.AllowlistedIPs = append([]string(nil), p.AllowlistedIPs...)
	return &clone, nil
}

func (s *InMemoryStore) PutProfile(_ context.Context, profile *security.Profile) error {
	if profile == nil || profile.AccountID.IsZero() {
		return sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *profile
	clone.TrustedDevices = append([]security.TrustedDevice(nil), profile.TrustedDevices...)
	clone.AllowlistedIPs = append([]string(nil), profile.AllowlistedIPs...)
	s.profiles[profile.AccountID] = &clone
	return nil
}
