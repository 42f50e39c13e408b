// Package event provides the security event store.
package event

import (
	"context"
	"sort"
	"sync"

	"vigil/internal/audit"
	"vigil/internal/security"
	"vigil/pkg/domain"
	"vigil/pkg/platform/sentinel"
)

// InMemoryStore keeps security events in a map guarded by one mutex. Open
// performs the (account, type) dedup lookup and mutation under that lock;
// Update performs the status compare-and-swap under it, which is what makes
// racing operator transitions lose cleanly instead of overwriting each other.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[domain.SecurityEventID]*security.Event
}

// NewInMemoryStore creates an empty event store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[domain.SecurityEventID]*security.Event)}
}

func (s *InMemoryStore) Create(_ context.Context, event *security.Event) error {
	if event == nil || event.ID.IsZero() {
		return sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event.ID]; exists {
		return sentinel.ErrConflict
	}
	if !event.Status.IsTerminal() && s.openLocked(event.AccountID, event.Type) != nil {
		return sentinel.ErrConflict
	}
	s.events[event.ID] = clone(event)
	return nil
}

// Open inserts the event, or merges its evidence into the already-open event
// for the same (account, type). Lookup and mutation happen under one write
// lock, so concurrent producers cannot open a duplicate event or lose an
// evidence append to each other.
func (s *InMemoryStore) Open(_ context.Context, event *security.Event) (*security.Event, bool, error) {
	if event == nil || event.ID.IsZero() {
		return nil, false, sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.openLocked(event.AccountID, event.Type); existing != nil {
		existing.AppendEvidence(event.Evidence...)
		existing.UpdatedAt = event.UpdatedAt
		return clone(existing), false, nil
	}
	if _, exists := s.events[event.ID]; exists {
		return nil, false, sentinel.ErrConflict
	}
	s.events[event.ID] = clone(event)
	return clone(event), true, nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.SecurityEventID) (*security.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(e), nil
}

func (s *InMemoryStore) List(_ context.Context, filter security.EventFilter) ([]*security.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*security.Event
	for _, e := range s.events {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) FindOpen(_ context.Context, accountID domain.AccountID, eventType security.EventType) (*security.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.openLocked(accountID, eventType); e != nil {
		return clone(e), nil
	}
	return nil, sentinel.ErrNotFound
}

// openLocked returns the stored non-terminal event for (account, type).
// Callers must hold the lock.
func (s *InMemoryStore) openLocked(accountID domain.AccountID, eventType security.EventType) *security.Event {
	for _, e := range s.events {
		if e.AccountID == accountID && e.Type == eventType && !e.Status.IsTerminal() {
			return e
		}
	}
	return nil
}

func (s *InMemoryStore) Update(_ context.Context, event *security.Event, expect security.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.events[event.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Status != expect {
		return sentinel.ErrConflict
	}
	s.events[event.ID] = clone(event)
	return nil
}

func clone(e *security.Event) *security.Event {
	c := *e
	c.Evidence = append([]audit.Seq(nil), e.Evidence...)
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
