package schedule

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mgarciad/remindly/internal/model"
)

// Trigger is the ephemeral (fire instant, reminder id) projection held by
// the index. Attempt counts redelivery tries; it is zero for a fresh trigger
// and only grows when the dispatcher reinserts after a channel failure.
type Trigger struct {
	ReminderID uuid.UUID
	FireAt     time.Time
	Attempt    int
}

type triggerHeap []*Trigger

func (h triggerHeap) Len() int { return len(h) }

func (h triggerHeap) Less(i, j int) bool {
	if h[i].FireAt.Equal(h[j].FireAt) {
		// Tie-break on id so the pop order is deterministic.
		return h[i].ReminderID.String() < h[j].ReminderID.String()
	}
	return h[i].FireAt.Before(h[j].FireAt)
}

func (h triggerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *triggerHeap) Push(x any) { *h = append(*h, x.(*Trigger)) }

func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Index is the ordered set of pending triggers. It is a cache over the
// store's pending reminders: on disagreement the store wins and Rebuild
// repopulates the index from it.
//
// One reminder id holds at most one trigger; inserting again replaces the
// previous trigger. All methods are safe for concurrent use.
type Index struct {
	mu   sync.Mutex
	heap triggerHeap
	byID map[uuid.UUID]*Trigger
	wake chan struct{}
}

// NewIndex creates an empty trigger index.
func NewIndex() *Index {
	return &Index{
		byID: make(map[uuid.UUID]*Trigger),
		wake: make(chan struct{}, 1),
	}
}

// Wake returns the channel signaled whenever the earliest deadline may have
// moved. The dispatcher selects on it to re-arm its wait.
func (idx *Index) Wake() <-chan struct{} {
	return idx.wake
}

func (idx *Index) signal() {
	select {
	case idx.wake <- struct{}{}:
	default:
	}
}

// Insert adds a trigger, replacing any existing trigger for the same
// reminder. A past fire instant is inserted unchanged; the dispatcher fires
// it on its next pass rather than dropping it.
func (idx *Index) Insert(t Trigger) {
	idx.mu.Lock()

	earliestChanged := idx.heap.Len() == 0 || t.FireAt.Before(idx.heap[0].FireAt)

	if old, ok := idx.byID[t.ReminderID]; ok {
		earliestChanged = earliestChanged || old == idx.heap[0]
		idx.removeLocked(old)
	}

	nt := t
	idx.byID[nt.ReminderID] = &nt
	heap.Push(&idx.heap, &nt)

	idx.mu.Unlock()

	if earliestChanged {
		idx.signal()
	}
}

// Remove drops the trigger for the given reminder id, if present.
func (idx *Index) Remove(id uuid.UUID) {
	idx.mu.Lock()

	t, ok := idx.byID[id]
	if !ok {
		idx.mu.Unlock()
		return
	}

	wasEarliest := idx.heap.Len() > 0 && idx.heap[0] == t
	idx.removeLocked(t)

	idx.mu.Unlock()

	if wasEarliest {
		idx.signal()
	}
}

func (idx *Index) removeLocked(t *Trigger) {
	delete(idx.byID, t.ReminderID)

	for i, h := range idx.heap {
		if h == t {
			heap.Remove(&idx.heap, i)
			return
		}
	}
}

// PeekEarliest returns the earliest trigger without removing it. The second
// return value is false when the index is empty.
func (idx *Index) PeekEarliest() (Trigger, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.heap.Len() == 0 {
		return Trigger{}, false
	}

	return *idx.heap[0], true
}

// PopDue removes and returns every trigger with a fire instant at or before
// now, in non-decreasing fire order.
func (idx *Index) PopDue(now time.Time) []Trigger {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var due []Trigger
	for idx.heap.Len() > 0 && !idx.heap[0].FireAt.After(now) {
		t := heap.Pop(&idx.heap).(*Trigger)
		delete(idx.byID, t.ReminderID)
		due = append(due, *t)
	}

	return due
}

// Len returns the number of indexed triggers.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.heap.Len()
}

// Rebuild clears the index and repopulates it from the given pending
// reminders, deriving each fire instant anew. Reminders whose schedule
// fields no longer resolve are skipped. Used at startup and by the periodic
// consistency sweep.
func (idx *Index) Rebuild(reminders []model.Reminder) error {
	idx.mu.Lock()

	idx.heap = idx.heap[:0]
	idx.byID = make(map[uuid.UUID]*Trigger, len(reminders))

	var firstErr error
	for _, r := range reminders {
		fireAt, err := FireAt(r.EventAt, r.LeadAmount, r.LeadUnit)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		t := &Trigger{ReminderID: r.ID, FireAt: fireAt}
		idx.byID[t.ReminderID] = t
		idx.heap = append(idx.heap, t)
	}

	heap.Init(&idx.heap)

	idx.mu.Unlock()
	idx.signal()

	return firstErr
}
