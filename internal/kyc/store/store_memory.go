// Package store holds the KYC submission store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"vigil/internal/kyc"
	"vigil/pkg/domain"
	"vigil/pkg/platform/sentinel"
)

// InMemoryStore is the map-backed submission store used in tests and
// single-node deployments.
type InMemoryStore struct {
	mu          sync.RWMutex
	submissions map[domain.SubmissionID]*kyc.Submission
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{submissions: make(map[domain.SubmissionID]*kyc.Submission)}
}

// Create stores a new submission, failing on a duplicate id.
func (s *InMemoryStore) Create(_ context.Context, submission *kyc.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.submissions[submission.ID]; exists {
		return sentinel.ErrConflict
	}
	s.submissions[submission.ID] = clone(submission)
	return nil
}

// Get returns the submission with the given id.
func (s *InMemoryStore) Get(_ context.Context, id domain.SubmissionID) (*kyc.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.submissions[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(stored), nil
}

// List returns submissions matching the filter, newest first.
func (s *InMemoryStore) List(_ context.Context, filter kyc.Filter) ([]*kyc.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*kyc.Submission
	for _, stored := range s.submissions {
		if filter.Status != "" && stored.Status != filter.Status {
			continue
		}
		if filter.RiskLevel != "" && stored.RiskLevel != filter.RiskLevel {
			continue
		}
		out = append(out, clone(stored))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out, nil
}

// ActiveForAccount returns the account's non-superseded submission.
func (s *InMemoryStore) ActiveForAccount(_ context.Context, accountID domain.AccountID) (*kyc.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active *kyc.Submission
	for _, stored := range s.submissions {
		if stored.AccountID != accountID || !stored.SupersededBy.IsZero() {
			continue
		}
		if active == nil || stored.SubmittedAt.After(active.SubmittedAt) {
			active = stored
		}
	}
	if active == nil {
		return nil, sentinel.ErrNotFound
	}
	return clone(active), nil
}

// Update replaces the stored submission iff its status still equals expect.
func (s *InMemoryStore) Update(_ context.Context, submission *kyc.Submission, expect kyc.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.submissions[submission.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Status != expect {
		return sentinel.ErrConflict
	}
	s.submissions[submission.ID] = clone(submission)
	return nil
}

func clone(sub *kyc.Submission) *kyc.Submission {
	c := *sub
	c.Documents = make([]kyc.Document, len(sub.Documents))
	copy(c.Documents, sub.Documents)
	for i := range c.Documents {
		if sub.Documents[i].ReviewedAt != nil {
			at := *sub.Documents[i].ReviewedAt
			c.Documents[i].ReviewedAt = &at
		}
	}
	if sub.ReviewedAt != nil {
		at := *sub.ReviewedAt
		c.ReviewedAt = &at
	}
	return &c
}
