package schedule

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgarciad/remindly/internal/model"
)

func TestIndex_PopDueInFireOrder(t *testing.T) {
	idx := NewIndex()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
	}

	idx.Insert(Trigger{ReminderID: ids[0], FireAt: now.Add(-time.Minute)})
	idx.Insert(Trigger{ReminderID: ids[1], FireAt: now.Add(-time.Hour)})
	idx.Insert(Trigger{ReminderID: ids[2], FireAt: now.Add(time.Hour)})

	due := idx.PopDue(now)
	require.Len(t, due, 2)
	assert.Equal(t, ids[1], due[0].ReminderID)
	assert.Equal(t, ids[0], due[1].ReminderID)

	// Popped triggers are gone, the future one stays.
	assert.Equal(t, 1, idx.Len())
	assert.Empty(t, idx.PopDue(now))
}

func TestIndex_TieBreakByID(t *testing.T) {
	idx := NewIndex()
	fireAt := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	idx.Insert(Trigger{ReminderID: b, FireAt: fireAt})
	idx.Insert(Trigger{ReminderID: a, FireAt: fireAt})

	due := idx.PopDue(fireAt)
	require.Len(t, due, 2)
	assert.Equal(t, a, due[0].ReminderID)
	assert.Equal(t, b, due[1].ReminderID)
}

func TestIndex_InsertReplacesExistingTrigger(t *testing.T) {
	idx := NewIndex()
	id := uuid.New()
	base := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

	idx.Insert(Trigger{ReminderID: id, FireAt: base})
	idx.Insert(Trigger{ReminderID: id, FireAt: base.Add(time.Hour)})

	assert.Equal(t, 1, idx.Len())

	earliest, ok := idx.PeekEarliest()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Hour), earliest.FireAt)
}

func TestIndex_Remove(t *testing.T) {
	idx := NewIndex()
	id := uuid.New()
	other := uuid.New()
	base := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

	idx.Insert(Trigger{ReminderID: id, FireAt: base})
	idx.Insert(Trigger{ReminderID: other, FireAt: base.Add(time.Minute)})

	idx.Remove(id)
	idx.Remove(uuid.New()) // unknown id is a no-op

	assert.Equal(t, 1, idx.Len())

	earliest, ok := idx.PeekEarliest()
	require.True(t, ok)
	assert.Equal(t, other, earliest.ReminderID)
}

func TestIndex_PeekEarliestEmpty(t *testing.T) {
	idx := NewIndex()

	_, ok := idx.PeekEarliest()
	assert.False(t, ok)
}

func TestIndex_WakeOnNewEarliest(t *testing.T) {
	idx := NewIndex()
	base := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

	idx.Insert(Trigger{ReminderID: uuid.New(), FireAt: base})
	drainWake(t, idx, true)

	// A later trigger must not re-arm the waiter.
	idx.Insert(Trigger{ReminderID: uuid.New(), FireAt: base.Add(time.Hour)})
	drainWake(t, idx, false)

	// An earlier one must.
	idx.Insert(Trigger{ReminderID: uuid.New(), FireAt: base.Add(-time.Hour)})
	drainWake(t, idx, true)
}

func drainWake(t *testing.T, idx *Index, want bool) {
	t.Helper()

	select {
	case <-idx.Wake():
		if !want {
			t.Fatal("unexpected wake signal")
		}
	default:
		if want {
			t.Fatal("expected wake signal")
		}
	}
}

func TestIndex_RebuildIdempotent(t *testing.T) {
	idx := NewIndex()

	reminders := []model.Reminder{
		{
			ID:         uuid.New(),
			EventAt:    time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC),
			LeadAmount: 2,
			LeadUnit:   model.LeadUnitHours,
			Status:     model.StatusPending,
		},
		{
			ID:         uuid.New(),
			EventAt:    time.Date(2024, 1, 12, 10, 0, 0, 0, time.UTC),
			LeadAmount: 1,
			LeadUnit:   model.LeadUnitDays,
			Status:     model.StatusPending,
		},
	}

	require.NoError(t, idx.Rebuild(reminders))
	first := idx.PopDue(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, idx.Rebuild(reminders))
	require.NoError(t, idx.Rebuild(reminders))
	second := idx.PopDue(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, first, second)
	assert.Equal(t, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC), first[0].FireAt)
	assert.Equal(t, time.Date(2024, 1, 11, 10, 0, 0, 0, time.UTC), first[1].FireAt)
}

func TestIndex_RebuildReplacesContents(t *testing.T) {
	idx := NewIndex()
	stale := uuid.New()

	idx.Insert(Trigger{ReminderID: stale, FireAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})

	fresh := model.Reminder{
		ID:         uuid.New(),
		EventAt:    time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC),
		LeadAmount: 2,
		LeadUnit:   model.LeadUnitHours,
		Status:     model.StatusPending,
	}

	require.NoError(t, idx.Rebuild([]model.Reminder{fresh}))

	assert.Equal(t, 1, idx.Len())
	earliest, ok := idx.PeekEarliest()
	require.True(t, ok)
	assert.Equal(t, fresh.ID, earliest.ReminderID)
}

func TestIndex_RebuildSkipsUnresolvable(t *testing.T) {
	idx := NewIndex()

	good := model.Reminder{
		ID:         uuid.New(),
		EventAt:    time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC),
		LeadAmount: 2,
		LeadUnit:   model.LeadUnitHours,
	}
	bad := model.Reminder{
		ID:         uuid.New(),
		EventAt:    time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC),
		LeadAmount: 0,
		LeadUnit:   model.LeadUnitHours,
	}

	err := idx.Rebuild([]model.Reminder{good, bad})
	assert.ErrorIs(t, err, ErrInvalidOffset)
	assert.Equal(t, 1, idx.Len())
}
