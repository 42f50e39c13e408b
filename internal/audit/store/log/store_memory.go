// Package log provides the append-only audit log store implementations.
package log

import (
	"context"
	"sort"
	"sync"

	"vigil/internal/audit"
)

// InMemoryStore keeps the full log in memory. It is the store used in tests
// and single-node development; the Postgres store carries the same contract
// for durable deployments.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
	head    audit.Seq
}

// NewInMemoryStore creates an empty in-memory log.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Append assigns the next sequence id and chain hash under the writer lock.
func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevHash string
	if n := len(s.entries); n > 0 {
		prevHash = s.entries[n-1].ChainHash
	}

	s.head++
	entry.Seq = s.head
	entry.ChainHash = audit.ChainDigest(prevHash, entry)
	s.entries = append(s.entries, entry)
	return entry, nil
}

// ReadFrom returns committed entries after the cursor in ascending order.
func (s *InMemoryStore) ReadFrom(_ context.Context, cursor audit.Seq, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Seq is 1-based and gapless, so the slice index is Seq-1.
	start := int(cursor)
	if start >= len(s.entries) {
		return nil, nil
	}
	end := len(s.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]audit.Entry, end-start)
	copy(out, s.entries[start:end])
	return out, nil
}

// Head returns the highest committed sequence id.
func (s *InMemoryStore) Head(_ context.Context) (audit.Seq, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

// List returns matching entries in descending sequence order with the total
// match count.
func (s *InMemoryStore) List(_ context.Context, filter audit.Filter) ([]audit.Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []audit.Entry
	for _, e := range s.entries {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq > matched[j].Seq })

	total := len(matched)
	offset, size := filter.Bounds()
	if offset >= total {
		return nil, total, nil
	}
	end := offset + size
	if end > total {
		end = total
	}
	out := make([]audit.Entry, end-offset)
	copy(out, matched[offset:end])
	return out, total, nil
}
