package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	mocks "github.com/mgarciad/remindly/internal/mocks/dispatch"
	"github.com/mgarciad/remindly/internal/model"
	"github.com/mgarciad/remindly/internal/rabbitmq/queue"
	remrepo "github.com/mgarciad/remindly/internal/repository/reminder"
	"github.com/mgarciad/remindly/internal/schedule"
)

var testNow = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

// pendingReminder returns a reminder whose fire instant is one hour before
// testNow.
func pendingReminder(id uuid.UUID) model.Reminder {
	return model.Reminder{
		ID:          id,
		Title:       "Dentist",
		EventAt:     testNow.Add(time.Hour),
		LeadAmount:  2,
		LeadUnit:    model.LeadUnitHours,
		PhoneNumber: "+34600111222",
		Status:      model.StatusPending,
	}
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *schedule.Index, *mocks.MockreminderStore, *mocks.MockNotifier, *mocks.MockoutcomePublisher) {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	store := mocks.NewMockreminderStore(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)
	outcomes := mocks.NewMockoutcomePublisher(ctrl)

	index := schedule.NewIndex()
	d := NewDispatcher(index, store, notifier, outcomes, cfg)
	d.now = func() time.Time { return testNow }

	return d, index, store, notifier, outcomes
}

func TestDispatcher_DispatchesDueReminderOnce(t *testing.T) {
	d, index, store, notifier, outcomes := newTestDispatcher(t, Config{})

	id := uuid.New()
	rem := pendingReminder(id)
	index.Insert(schedule.Trigger{ReminderID: id, FireAt: testNow.Add(-time.Hour)})

	store.EXPECT().GetReminderByID(gomock.Any(), id).Return(rem, nil)
	notifier.EXPECT().Send(rem.PhoneNumber, rem.Message()).Return(nil)
	store.EXPECT().MarkSent(gomock.Any(), id).Return(nil)
	outcomes.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(msg queue.OutcomeMessage, _ retry.Strategy) error {
			assert.Equal(t, queue.OutcomeSent, msg.Outcome)
			assert.Equal(t, id, msg.ReminderID)
			return nil
		},
	)

	d.fire(context.Background(), retry.Strategy{Attempts: 1})

	// The trigger is consumed: a second pass dispatches nothing.
	d.fire(context.Background(), retry.Strategy{Attempts: 1})
	assert.Equal(t, 0, index.Len())
}

func TestDispatcher_CanceledReminderNeverSent(t *testing.T) {
	d, index, store, _, _ := newTestDispatcher(t, Config{})

	id := uuid.New()
	rem := pendingReminder(id)
	rem.Status = model.StatusCanceled

	index.Insert(schedule.Trigger{ReminderID: id, FireAt: testNow.Add(-time.Minute)})

	// Revalidation finds the cancel; the notifier must never be invoked.
	store.EXPECT().GetReminderByID(gomock.Any(), id).Return(rem, nil)

	d.fire(context.Background(), retry.Strategy{Attempts: 1})
	assert.Equal(t, 0, index.Len())
}

func TestDispatcher_DeletedReminderSkipped(t *testing.T) {
	d, index, store, _, _ := newTestDispatcher(t, Config{})

	id := uuid.New()
	index.Insert(schedule.Trigger{ReminderID: id, FireAt: testNow.Add(-time.Minute)})

	store.EXPECT().GetReminderByID(gomock.Any(), id).Return(model.Reminder{}, remrepo.ErrReminderNotFound)

	d.fire(context.Background(), retry.Strategy{Attempts: 1})
	assert.Equal(t, 0, index.Len())
}

func TestDispatcher_RescheduledReminderReindexed(t *testing.T) {
	d, index, store, _, _ := newTestDispatcher(t, Config{})

	id := uuid.New()
	rem := pendingReminder(id)
	// Moved into the future after the stale trigger was indexed.
	rem.EventAt = testNow.Add(26 * time.Hour)

	index.Insert(schedule.Trigger{ReminderID: id, FireAt: testNow.Add(-time.Minute)})

	store.EXPECT().GetReminderByID(gomock.Any(), id).Return(rem, nil)

	d.fire(context.Background(), retry.Strategy{Attempts: 1})

	earliest, ok := index.PeekEarliest()
	require.True(t, ok)
	assert.Equal(t, id, earliest.ReminderID)
	assert.Equal(t, testNow.Add(24*time.Hour), earliest.FireAt)
}

func TestDispatcher_RetriesWithBackoffThenSucceeds(t *testing.T) {
	d, index, store, notifier, outcomes := newTestDispatcher(t, Config{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	})

	id := uuid.New()
	rem := pendingReminder(id)
	index.Insert(schedule.Trigger{ReminderID: id, FireAt: testNow.Add(-time.Minute)})

	sendErr := errors.New("channel unavailable")
	strategy := retry.Strategy{Attempts: 1}

	store.EXPECT().GetReminderByID(gomock.Any(), id).Return(rem, nil).Times(3)
	gomock.InOrder(
		notifier.EXPECT().Send(rem.PhoneNumber, rem.Message()).Return(sendErr),
		notifier.EXPECT().Send(rem.PhoneNumber, rem.Message()).Return(sendErr),
		notifier.EXPECT().Send(rem.PhoneNumber, rem.Message()).Return(nil),
	)
	store.EXPECT().MarkSent(gomock.Any(), id).Return(nil).Times(1)

	var got []string
	outcomes.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(msg queue.OutcomeMessage, _ retry.Strategy) error {
			got = append(got, msg.Outcome)
			return nil
		},
	).Times(3)

	now := testNow
	d.now = func() time.Time { return now }

	// First attempt fails and requeues with a 1s backoff.
	d.fire(context.Background(), strategy)
	earliest, ok := index.PeekEarliest()
	require.True(t, ok)
	assert.Equal(t, 1, earliest.Attempt)
	assert.Equal(t, now.Add(time.Second), earliest.FireAt)

	// Second attempt fails and backs off to 2s.
	now = now.Add(time.Second)
	d.fire(context.Background(), strategy)
	earliest, ok = index.PeekEarliest()
	require.True(t, ok)
	assert.Equal(t, 2, earliest.Attempt)
	assert.Equal(t, now.Add(2*time.Second), earliest.FireAt)

	// Third attempt succeeds; exactly one MarkSent, nothing left indexed.
	now = now.Add(2 * time.Second)
	d.fire(context.Background(), strategy)

	assert.Equal(t, 0, index.Len())
	assert.Equal(t, []string{queue.OutcomeFailed, queue.OutcomeFailed, queue.OutcomeSent}, got)
}

func TestDispatcher_ExhaustedAttemptsLeaveReminderPending(t *testing.T) {
	d, index, store, notifier, outcomes := newTestDispatcher(t, Config{
		MaxAttempts: 2,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	})

	id := uuid.New()
	rem := pendingReminder(id)
	index.Insert(schedule.Trigger{ReminderID: id, FireAt: testNow.Add(-time.Minute)})

	sendErr := errors.New("channel unavailable")
	strategy := retry.Strategy{Attempts: 1}

	store.EXPECT().GetReminderByID(gomock.Any(), id).Return(rem, nil).Times(2)
	notifier.EXPECT().Send(rem.PhoneNumber, rem.Message()).Return(sendErr).Times(2)

	var got []string
	outcomes.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(msg queue.OutcomeMessage, _ retry.Strategy) error {
			got = append(got, msg.Outcome)
			return nil
		},
	).Times(2)

	now := testNow
	d.now = func() time.Time { return now }

	d.fire(context.Background(), strategy)

	now = now.Add(time.Second)
	d.fire(context.Background(), strategy)

	// Budget spent: no trigger left, MarkSent never called, failure surfaced.
	assert.Equal(t, 0, index.Len())
	assert.Equal(t, []string{queue.OutcomeFailed, queue.OutcomeExhausted}, got)
}

func TestDispatcher_MarkSentConflictSwallowed(t *testing.T) {
	d, index, store, notifier, _ := newTestDispatcher(t, Config{})

	id := uuid.New()
	rem := pendingReminder(id)
	index.Insert(schedule.Trigger{ReminderID: id, FireAt: testNow.Add(-time.Minute)})

	store.EXPECT().GetReminderByID(gomock.Any(), id).Return(rem, nil)
	notifier.EXPECT().Send(rem.PhoneNumber, rem.Message()).Return(nil)
	// A concurrent cancel landed between the send and the mark.
	store.EXPECT().MarkSent(gomock.Any(), id).Return(remrepo.ErrStatusConflict)

	d.fire(context.Background(), retry.Strategy{Attempts: 1})

	// The conflict is benign: no retry, no requeue.
	assert.Equal(t, 0, index.Len())
}

func TestDispatcher_Rebuild(t *testing.T) {
	d, index, store, _, _ := newTestDispatcher(t, Config{})

	id := uuid.New()
	store.EXPECT().ListPending(gomock.Any()).Return([]model.Reminder{pendingReminder(id)}, nil)

	require.NoError(t, d.Rebuild(context.Background()))

	earliest, ok := index.PeekEarliest()
	require.True(t, ok)
	assert.Equal(t, id, earliest.ReminderID)
	assert.Equal(t, testNow.Add(-time.Hour), earliest.FireAt)
}

func TestDispatcher_RunFiresPastDueImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockreminderStore(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)
	outcomes := mocks.NewMockoutcomePublisher(ctrl)

	index := schedule.NewIndex()
	d := NewDispatcher(index, store, notifier, outcomes, Config{})

	id := uuid.New()
	rem := model.Reminder{
		ID:          id,
		Title:       "Dentist",
		EventAt:     time.Now().Add(time.Hour),
		LeadAmount:  2,
		LeadUnit:    model.LeadUnitHours,
		PhoneNumber: "+34600111222",
		Status:      model.StatusPending,
	}

	// Startup rebuild finds a reminder whose fire instant already passed;
	// it must fire on the first pass instead of being discarded.
	store.EXPECT().ListPending(gomock.Any()).Return([]model.Reminder{rem}, nil)
	store.EXPECT().GetReminderByID(gomock.Any(), id).Return(rem, nil)
	notifier.EXPECT().Send(rem.PhoneNumber, rem.Message()).Return(nil)
	store.EXPECT().MarkSent(gomock.Any(), id).Return(nil)
	outcomes.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx, retry.Strategy{Attempts: 1})
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcher_RunWakesOnInsert(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockreminderStore(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)
	outcomes := mocks.NewMockoutcomePublisher(ctrl)

	index := schedule.NewIndex()
	d := NewDispatcher(index, store, notifier, outcomes, Config{})

	id := uuid.New()
	rem := model.Reminder{
		ID:          id,
		Title:       "Dentist",
		EventAt:     time.Now().Add(time.Hour),
		LeadAmount:  1,
		LeadUnit:    model.LeadUnitHours,
		PhoneNumber: "+34600111222",
		Status:      model.StatusPending,
	}

	store.EXPECT().ListPending(gomock.Any()).Return(nil, nil)
	store.EXPECT().GetReminderByID(gomock.Any(), id).Return(rem, nil)
	notifier.EXPECT().Send(rem.PhoneNumber, rem.Message()).Return(nil)
	store.EXPECT().MarkSent(gomock.Any(), id).Return(nil)
	outcomes.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx, retry.Strategy{Attempts: 1})
		close(done)
	}()

	// The loop starts idle; inserting a due trigger must wake it.
	time.Sleep(50 * time.Millisecond)
	index.Insert(schedule.Trigger{ReminderID: id, FireAt: time.Now().Add(-time.Second)})

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
