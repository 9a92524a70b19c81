package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mgarciad/remindly/internal/model"
	remrepo "github.com/mgarciad/remindly/internal/repository/reminder"
	"github.com/mgarciad/remindly/internal/schedule"
)

//go:generate mockgen -source=service.go -destination=../../mocks/service/reminder/mock.go -package=mocks

type reminderRepository interface {
	CreateReminder(context.Context, model.Reminder) (uuid.UUID, error)
	GetReminderByID(context.Context, uuid.UUID) (model.Reminder, error)
	UpdateReminder(context.Context, model.Reminder) error
	CancelReminder(context.Context, uuid.UUID) error
	ListReminders(context.Context) ([]model.Reminder, error)
}

type triggerIndex interface {
	Insert(schedule.Trigger)
	Remove(id uuid.UUID)
}

type cache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy retry.Strategy, key string) (string, error)
}

// UpdateFields is a partial update of a reminder. Nil fields keep their
// current value.
type UpdateFields struct {
	Title       *string
	EventAt     *time.Time
	LeadAmount  *int
	LeadUnit    *model.LeadUnit
	PhoneNumber *string
}

// Service is the mutation gateway: the sole path by which create, update and
// delete reach both the store and the trigger index, so the two never drift
// apart from the caller's point of view.
type Service struct {
	repo  reminderRepository
	index triggerIndex
	cache cache
}

func NewService(repo reminderRepository, index triggerIndex, cache cache) *Service {
	return &Service{repo: repo, index: index, cache: cache}
}

// CreateReminder validates the schedule, persists the reminder and indexes
// its trigger. A fire instant already in the past is indexed unchanged and
// fires on the dispatcher's next pass.
func (s *Service) CreateReminder(ctx context.Context, strategy retry.Strategy, rem model.Reminder) (model.Reminder, error) {
	fireAt, err := schedule.FireAt(rem.EventAt, rem.LeadAmount, rem.LeadUnit)
	if err != nil {
		return model.Reminder{}, fmt.Errorf("resolve fire time: %w", err)
	}

	rem.Status = model.StatusPending

	id, err := s.repo.CreateReminder(ctx, rem)
	if err != nil {
		return model.Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	rem.ID = id

	if err := s.cache.SetWithRetry(ctx, strategy, id.String(), rem.Status); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache reminder status")
	}

	s.index.Insert(schedule.Trigger{ReminderID: id, FireAt: fireAt})

	return rem, nil
}

// UpdateReminder applies a partial update. If any schedule field changed the
// fire instant is re-resolved and the trigger replaced; a title or phone
// change alone leaves the trigger untouched. Only pending reminders keep a
// trigger: sent and canceled ones never regain one.
func (s *Service) UpdateReminder(ctx context.Context, id uuid.UUID, fields UpdateFields) (model.Reminder, error) {
	rem, err := s.repo.GetReminderByID(ctx, id)
	if err != nil {
		return model.Reminder{}, fmt.Errorf("get reminder: %w", err)
	}

	rescheduled := false

	if fields.Title != nil {
		rem.Title = *fields.Title
	}
	if fields.PhoneNumber != nil {
		rem.PhoneNumber = *fields.PhoneNumber
	}
	if fields.EventAt != nil && !fields.EventAt.Equal(rem.EventAt) {
		rem.EventAt = *fields.EventAt
		rescheduled = true
	}
	if fields.LeadAmount != nil && *fields.LeadAmount != rem.LeadAmount {
		rem.LeadAmount = *fields.LeadAmount
		rescheduled = true
	}
	if fields.LeadUnit != nil && *fields.LeadUnit != rem.LeadUnit {
		rem.LeadUnit = *fields.LeadUnit
		rescheduled = true
	}

	var fireAt time.Time
	if rescheduled {
		// Validate before anything is persisted so the call fails atomically.
		fireAt, err = schedule.FireAt(rem.EventAt, rem.LeadAmount, rem.LeadUnit)
		if err != nil {
			return model.Reminder{}, fmt.Errorf("resolve fire time: %w", err)
		}
	}

	if err := s.repo.UpdateReminder(ctx, rem); err != nil {
		return model.Reminder{}, fmt.Errorf("update reminder: %w", err)
	}

	if rescheduled && rem.Status == model.StatusPending {
		s.index.Insert(schedule.Trigger{ReminderID: rem.ID, FireAt: fireAt})
	}

	return rem, nil
}

// CancelReminder marks a reminder canceled and removes its trigger. The
// dispatcher re-validates against the store before sending, so a cancel that
// commits before that read always suppresses the dispatch.
func (s *Service) CancelReminder(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error {
	if err := s.repo.CancelReminder(ctx, id); err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}

	if err := s.cache.SetWithRetry(ctx, strategy, id.String(), model.StatusCanceled); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache reminder status")
	}

	s.index.Remove(id)

	return nil
}

// GetReminderByID returns a single reminder.
func (s *Service) GetReminderByID(ctx context.Context, id uuid.UUID) (model.Reminder, error) {
	rem, err := s.repo.GetReminderByID(ctx, id)
	if err != nil {
		return model.Reminder{}, fmt.Errorf("get reminder: %w", err)
	}

	return rem, nil
}

// GetReminderStatusByID returns the reminder status, served from the cache
// when possible.
func (s *Service) GetReminderStatusByID(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (string, error) {
	status, err := s.cache.GetWithRetry(ctx, strategy, id.String())
	if err != nil && !errors.Is(err, redis.Nil) {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get reminder status from cache")
	}

	if err != nil {
		rem, err := s.repo.GetReminderByID(ctx, id)
		if err != nil {
			if errors.Is(err, remrepo.ErrReminderNotFound) {
				return "", err
			}

			return "", fmt.Errorf("get reminder status: %w", err)
		}
		status = rem.Status

		if err := s.cache.SetWithRetry(ctx, strategy, id.String(), status); err != nil {
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache reminder status")
		}
	}

	return status, nil
}

// ListReminders returns all reminders.
func (s *Service) ListReminders(ctx context.Context) ([]model.Reminder, error) {
	reminders, err := s.repo.ListReminders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}

	return reminders, nil
}
