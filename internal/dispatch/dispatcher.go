// Package dispatch runs the background loop that fires due reminders
// through the notification channel exactly once.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mgarciad/remindly/internal/model"
	"github.com/mgarciad/remindly/internal/rabbitmq/queue"
	remrepo "github.com/mgarciad/remindly/internal/repository/reminder"
	"github.com/mgarciad/remindly/internal/schedule"
)

//go:generate mockgen -source=dispatcher.go -destination=../mocks/dispatch/mock.go -package=mocks

type reminderStore interface {
	GetReminderByID(context.Context, uuid.UUID) (model.Reminder, error)
	MarkSent(context.Context, uuid.UUID) error
	ListPending(context.Context) ([]model.Reminder, error)
}

// Notifier is the delivery channel boundary. The concrete client bounds each
// call with its own timeout; a timeout surfaces as an ordinary send error.
type Notifier interface {
	Send(to, msg string) error
}

type outcomePublisher interface {
	Publish(msg queue.OutcomeMessage, strategy retry.Strategy) error
}

// Config bounds the dispatcher's redelivery behavior.
type Config struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`  // delivery attempts per trigger before giving up
	BackoffBase  time.Duration `mapstructure:"backoff_base"`  // first redelivery delay, doubled per attempt
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`   // upper bound for the redelivery delay
	RebuildEvery time.Duration `mapstructure:"rebuild_every"` // consistency sweep interval, 0 disables
}

// Dispatcher waits on the earliest indexed deadline (or a wake signal from
// the mutation gateway) and dispatches due triggers. It is the single writer
// of dispatch outcomes: the only component calling the notification channel
// and MarkSent.
type Dispatcher struct {
	index    *schedule.Index
	store    reminderStore
	notifier Notifier
	outcomes outcomePublisher
	cfg      Config

	now func() time.Time
}

func NewDispatcher(index *schedule.Index, store reminderStore, notifier Notifier, outcomes outcomePublisher, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Minute
	}

	return &Dispatcher{
		index:    index,
		store:    store,
		notifier: notifier,
		outcomes: outcomes,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run blocks until ctx is canceled. It rebuilds the index from the store
// first, then alternates between waiting for the earliest deadline and
// firing due triggers.
func (d *Dispatcher) Run(ctx context.Context, strategy retry.Strategy) {
	if err := d.Rebuild(ctx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to rebuild trigger index")
	}

	var sweep <-chan time.Time
	if d.cfg.RebuildEvery > 0 {
		ticker := time.NewTicker(d.cfg.RebuildEvery)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		earliest, ok := d.index.PeekEarliest()
		if !ok {
			// Idle: nothing indexed, wait for a signal.
			select {
			case <-ctx.Done():
				zlog.Logger.Info().Msg("dispatcher stopped")
				return
			case <-d.index.Wake():
			case <-sweep:
				if err := d.Rebuild(ctx); err != nil {
					zlog.Logger.Error().Err(err).Msg("failed to rebuild trigger index")
				}
			}
			continue
		}

		if delay := earliest.FireAt.Sub(d.now()); delay > 0 {
			// Waiting: sleep until the earliest deadline or until the
			// index changes under us.
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				zlog.Logger.Info().Msg("dispatcher stopped")
				return
			case <-d.index.Wake():
				timer.Stop()
				continue
			case <-sweep:
				timer.Stop()
				if err := d.Rebuild(ctx); err != nil {
					zlog.Logger.Error().Err(err).Msg("failed to rebuild trigger index")
				}
				continue
			case <-timer.C:
			}
		}

		d.fire(ctx, strategy)
	}
}

// Rebuild reloads the trigger index from the store's pending reminders. The
// store is the source of truth; the index is a cache over it.
func (d *Dispatcher) Rebuild(ctx context.Context) error {
	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return err
	}

	return d.index.Rebuild(pending)
}

// fire pops every due trigger and dispatches them in fire order.
func (d *Dispatcher) fire(ctx context.Context, strategy retry.Strategy) {
	for _, t := range d.index.PopDue(d.now()) {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, strategy, t)
	}
}

// dispatch delivers one trigger. The record is reloaded first: it may have
// been canceled or rescheduled since it was indexed, and a mutation that
// committed before this read must win over the stale trigger.
func (d *Dispatcher) dispatch(ctx context.Context, strategy retry.Strategy, t schedule.Trigger) {
	rem, err := d.store.GetReminderByID(ctx, t.ReminderID)
	if err != nil {
		if errors.Is(err, remrepo.ErrReminderNotFound) {
			zlog.Logger.Warn().Str("id", t.ReminderID.String()).Msg("indexed reminder no longer exists, skipping")
			return
		}

		zlog.Logger.Error().Err(err).Str("id", t.ReminderID.String()).Msg("failed to load reminder, requeueing")
		d.requeue(t, err)
		return
	}

	if rem.Status != model.StatusPending {
		zlog.Logger.Info().Str("id", rem.ID.String()).Str("status", rem.Status).Msg("reminder no longer pending, skipping")
		return
	}

	fireAt, err := schedule.FireAt(rem.EventAt, rem.LeadAmount, rem.LeadUnit)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", rem.ID.String()).Msg("stored reminder no longer resolves, skipping")
		return
	}
	if fireAt.After(d.now()) {
		// Rescheduled into the future after being indexed.
		d.index.Insert(schedule.Trigger{ReminderID: rem.ID, FireAt: fireAt})
		return
	}

	err = retry.Do(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return d.notifier.Send(rem.PhoneNumber, rem.Message())
		}
	}, strategy)
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("id", rem.ID.String()).Int("attempt", t.Attempt+1).Msg("failed to send reminder")
		d.requeue(t, err)
		return
	}

	if err := d.store.MarkSent(ctx, rem.ID); err != nil {
		switch {
		case errors.Is(err, remrepo.ErrStatusConflict):
			// Benign: either a concurrent dispatch won or a cancel landed
			// after the send started. The notification may have gone out
			// unmarked, which is acceptable and logged.
			zlog.Logger.Info().Str("id", rem.ID.String()).Msg("reminder left pending state during dispatch")
		case errors.Is(err, remrepo.ErrReminderNotFound):
			zlog.Logger.Warn().Str("id", rem.ID.String()).Msg("reminder disappeared during dispatch")
		default:
			zlog.Logger.Error().Err(err).Str("id", rem.ID.String()).Msg("failed to mark reminder sent")
			d.requeue(t, err)
		}
		return
	}

	zlog.Logger.Info().Str("id", rem.ID.String()).Msg("reminder dispatched")
	d.publish(queue.OutcomeMessage{
		ReminderID: rem.ID,
		Outcome:    queue.OutcomeSent,
		Attempt:    t.Attempt + 1,
		FireAt:     t.FireAt,
		OccurredAt: d.now(),
	}, strategy)
}

// requeue reinserts a failed trigger with capped exponential backoff, or
// surfaces a persistent delivery failure once the attempt budget is spent.
// The record stays pending either way: a failed reminder is never dropped,
// the periodic sweep keeps it eligible for another round.
func (d *Dispatcher) requeue(t schedule.Trigger, cause error) {
	attempt := t.Attempt + 1

	if attempt >= d.cfg.MaxAttempts {
		zlog.Logger.Error().Err(cause).Str("id", t.ReminderID.String()).
			Int("attempts", attempt).Msg("delivery attempts exhausted, leaving reminder pending")
		d.publish(queue.OutcomeMessage{
			ReminderID: t.ReminderID,
			Outcome:    queue.OutcomeExhausted,
			Attempt:    attempt,
			FireAt:     t.FireAt,
			OccurredAt: d.now(),
			Reason:     cause.Error(),
		}, retry.Strategy{Attempts: 1})
		return
	}

	backoff := d.cfg.BackoffBase << (attempt - 1)
	if backoff > d.cfg.BackoffCap {
		backoff = d.cfg.BackoffCap
	}

	d.index.Insert(schedule.Trigger{
		ReminderID: t.ReminderID,
		FireAt:     d.now().Add(backoff),
		Attempt:    attempt,
	})

	d.publish(queue.OutcomeMessage{
		ReminderID: t.ReminderID,
		Outcome:    queue.OutcomeFailed,
		Attempt:    attempt,
		FireAt:     t.FireAt,
		OccurredAt: d.now(),
		Reason:     cause.Error(),
	}, retry.Strategy{Attempts: 1})
}

func (d *Dispatcher) publish(msg queue.OutcomeMessage, strategy retry.Strategy) {
	if d.outcomes == nil {
		return
	}

	if err := d.outcomes.Publish(msg, strategy); err != nil {
		zlog.Logger.Error().Err(err).Str("id", msg.ReminderID.String()).Msg("failed to publish dispatch outcome")
	}
}
