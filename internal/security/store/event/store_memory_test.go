package event_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/audit"
	"vigil/internal/security"
	"vigil/internal/security/store/event"
	"vigil/pkg/domain"
	"vigil/pkg/platform/sentinel"
)

func activeEvent(id domain.SecurityEventID, account domain.AccountID, eventType security.EventType) *security.Event {
	now := time.Now().UTC()
	return &security.Event{
		ID:          id,
		Type:        eventType,
		Severity:    audit.SeverityHigh,
		AccountID:   account,
		Description: "repeated failed logins",
		Status:      security.StatusActive,
		Evidence:    []audit.Seq{1, 2, 3},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	e := activeEvent("evt-1", "acct-1", security.EventFailedLogin)
	require.NoError(t, store.Create(ctx, e))

	err := store.Create(ctx, activeEvent("evt-1", "acct-2", security.EventSuspiciousActivity))
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestCreateRejectsZeroID(t *testing.T) {
	store := event.NewInMemoryStore()
	err := store.Create(context.Background(), activeEvent("", "acct-1", security.EventFailedLogin))
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	require.NoError(t, store.Create(ctx, activeEvent("evt-1", "acct-1", security.EventFailedLogin)))

	first, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)

	// Mutating the returned event must not leak into the store.
	first.Evidence[0] = 99
	first.Status = security.StatusResolved

	second, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, []audit.Seq{1, 2, 3}, second.Evidence)
	assert.Equal(t, security.StatusActive, second.Status)
}

func TestGetUnknownID(t *testing.T) {
	store := event.NewInMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestFindOpenSkipsTerminalEvents(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	closed := activeEvent("evt-1", "acct-1", security.EventFailedLogin)
	closed.Status = security.StatusResolved
	require.NoError(t, store.Create(ctx, closed))

	_, err := store.FindOpen(ctx, "acct-1", security.EventFailedLogin)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	open := activeEvent("evt-2", "acct-1", security.EventFailedLogin)
	require.NoError(t, store.Create(ctx, open))

	found, err := store.FindOpen(ctx, "acct-1", security.EventFailedLogin)
	require.NoError(t, err)
	assert.EqualValues(t, "evt-2", found.ID)

	// Different type or account does not match.
	_, err = store.FindOpen(ctx, "acct-1", security.EventAccountLocked)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	_, err = store.FindOpen(ctx, "acct-2", security.EventFailedLogin)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestUpdateComparesAndSwapsOnStatus(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	require.NoError(t, store.Create(ctx, activeEvent("evt-1", "acct-1", security.EventFailedLogin)))

	acked, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)
	acked.ApplyAcknowledge(time.Now().UTC())
	require.NoError(t, store.Update(ctx, acked, security.StatusActive))

	// A second writer still holding the active snapshot loses.
	stale, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)
	stale.Status = security.StatusResolved
	err = store.Update(ctx, stale, security.StatusActive)
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	current, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, security.StatusAcknowledged, current.Status)
}

func TestUpdateUnknownID(t *testing.T) {
	store := event.NewInMemoryStore()
	err := store.Update(context.Background(), activeEvent("missing", "acct-1", security.EventFailedLogin), security.StatusActive)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestListFiltersAndSortsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	older := activeEvent("evt-1", "acct-1", security.EventFailedLogin)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	older.Severity = audit.SeverityMedium
	require.NoError(t, store.Create(ctx, older))

	newer := activeEvent("evt-2", "acct-2", security.EventSuspiciousActivity)
	require.NoError(t, store.Create(ctx, newer))

	resolved := activeEvent("evt-3", "acct-3", security.EventFailedLogin)
	resolved.Status = security.StatusResolved
	require.NoError(t, store.Create(ctx, resolved))

	all, err := store.List(ctx, security.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.EqualValues(t, "evt-2", all[0].ID)

	active, err := store.List(ctx, security.EventFilter{Status: security.StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	high, err := store.List(ctx, security.EventFilter{Severity: audit.SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, high, 2)
}

func TestOpenInsertsWhenNoOpenEvent(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	stored, opened, err := store.Open(ctx, activeEvent("evt-1", "acct-1", security.EventFailedLogin))
	require.NoError(t, err)
	assert.True(t, opened)
	assert.EqualValues(t, "evt-1", stored.ID)

	// A terminal event for the key does not absorb a new one.
	resolved, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)
	resolved.ApplyResolution(security.StatusResolved, "operator-1", time.Now().UTC())
	require.NoError(t, store.Update(ctx, resolved, security.StatusActive))

	_, opened, err = store.Open(ctx, activeEvent("evt-2", "acct-1", security.EventFailedLogin))
	require.NoError(t, err)
	assert.True(t, opened)
}

func TestOpenMergesEvidenceIntoOpenEvent(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	_, opened, err := store.Open(ctx, activeEvent("evt-1", "acct-1", security.EventFailedLogin))
	require.NoError(t, err)
	require.True(t, opened)

	later := activeEvent("evt-2", "acct-1", security.EventFailedLogin)
	later.Evidence = []audit.Seq{3, 4, 5}
	merged, opened, err := store.Open(ctx, later)
	require.NoError(t, err)
	assert.False(t, opened)
	assert.EqualValues(t, "evt-1", merged.ID, "merge targets the already-open event")
	assert.Equal(t, []audit.Seq{1, 2, 3, 4, 5}, merged.Evidence)

	// The discarded candidate id never entered the store.
	_, err = store.Get(ctx, "evt-2")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestOpenRejectsZeroID(t *testing.T) {
	store := event.NewInMemoryStore()
	_, _, err := store.Open(context.Background(), activeEvent("", "acct-1", security.EventFailedLogin))
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestConcurrentOpenOnOneKey(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	const racers = 16
	ready := make(chan struct{})
	type result struct {
		opened bool
		err    error
	}
	results := make(chan result, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			e := activeEvent(domain.SecurityEventID(fmt.Sprintf("evt-%d", i)), "acct-1", security.EventFailedLogin)
			e.Evidence = []audit.Seq{audit.Seq(100 + i)}
			_, opened, err := store.Open(ctx, e)
			results <- result{opened: opened, err: err}
		}(i)
	}
	close(ready)
	wg.Wait()
	close(results)

	opens := 0
	for r := range results {
		require.NoError(t, r.err)
		if r.opened {
			opens++
		}
	}
	assert.Equal(t, 1, opens, "exactly one racer inserts; the rest merge")

	all, err := store.List(ctx, security.EventFilter{Status: security.StatusActive})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Evidence, racers)
}

func TestCreateRejectsSecondOpenEventForKey(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	require.NoError(t, store.Create(ctx, activeEvent("evt-1", "acct-1", security.EventFailedLogin)))

	err := store.Create(ctx, activeEvent("evt-2", "acct-1", security.EventFailedLogin))
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	// Same account, different type is a different key.
	require.NoError(t, store.Create(ctx, activeEvent("evt-3", "acct-1", security.EventAccountLocked)))
}
