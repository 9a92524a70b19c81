package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mgarciad/remindly/internal/api/respond"
	"github.com/mgarciad/remindly/internal/config"
	"github.com/mgarciad/remindly/internal/model"
	remrepo "github.com/mgarciad/remindly/internal/repository/reminder"
	"github.com/mgarciad/remindly/internal/schedule"
	remsvc "github.com/mgarciad/remindly/internal/service/reminder"
)

// reminderService defines the interface that the Handler depends on.
//
// It abstracts the mutation gateway: all create, update and delete calls
// that touch scheduling go through it.
//
//go:generate mockgen -source=handler.go -destination=../../../mocks/api/handlers/reminder/mock.go -package=mocks
type reminderService interface {
	CreateReminder(context.Context, retry.Strategy, model.Reminder) (model.Reminder, error)
	UpdateReminder(context.Context, uuid.UUID, remsvc.UpdateFields) (model.Reminder, error)
	CancelReminder(context.Context, retry.Strategy, uuid.UUID) error
	GetReminderByID(context.Context, uuid.UUID) (model.Reminder, error)
	GetReminderStatusByID(context.Context, retry.Strategy, uuid.UUID) (string, error)
	ListReminders(context.Context) ([]model.Reminder, error)
}

// Handler handles HTTP requests related to reminders.
type Handler struct {
	service   reminderService
	validator *validator.Validate
	cfg       *config.Config
}

// NewHandler creates a new Handler instance.
func NewHandler(s reminderService, v *validator.Validate, cfg *config.Config) *Handler {
	return &Handler{service: s, validator: v, cfg: cfg}
}

// CreateRequest represents the JSON body expected in a reminder creation request.
type CreateRequest struct {
	Title       string `json:"title" validate:"required"`
	EventAt     string `json:"event_at" validate:"required"`
	LeadAmount  int    `json:"lead_amount" validate:"required,gt=0"`
	LeadUnit    string `json:"lead_unit" validate:"required,oneof=days hours"`
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
}

// UpdateRequest represents the JSON body of a partial reminder update.
// Absent fields keep their current value.
type UpdateRequest struct {
	Title       *string `json:"title,omitempty"`
	EventAt     *string `json:"event_at,omitempty"`
	LeadAmount  *int    `json:"lead_amount,omitempty" validate:"omitempty,gt=0"`
	LeadUnit    *string `json:"lead_unit,omitempty" validate:"omitempty,oneof=days hours"`
	PhoneNumber *string `json:"phone_number,omitempty" validate:"omitempty,e164"`
}

// Create handles HTTP POST requests to create a new reminder.
//
// It validates the request body, parses the event time, creates the reminder
// through the mutation gateway and returns the created record.
func (h *Handler) Create(c *ginext.Context) {
	var req CreateRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	eventAt, err := time.Parse(time.RFC3339, req.EventAt)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to parse event_at time")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid event_at format"))
		return
	}

	rem := model.Reminder{
		Title:       req.Title,
		EventAt:     eventAt,
		LeadAmount:  req.LeadAmount,
		LeadUnit:    model.LeadUnit(req.LeadUnit),
		PhoneNumber: req.PhoneNumber,
	}

	created, err := h.service.CreateReminder(c.Request.Context(), h.cfg.Retry, rem)
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidOffset) || errors.Is(err, schedule.ErrInvalidSchedule) {
			zlog.Logger.Warn().Err(err).Msg("invalid reminder schedule")
			respond.Fail(c.Writer, http.StatusBadRequest, err)
			return
		}

		zlog.Logger.Error().Err(err).Str("title", rem.Title).Msg("failed to create reminder")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.Created(c.Writer, created)
}

// Get handles HTTP GET requests to retrieve a single reminder.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	rem, err := h.service.GetReminderByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, remrepo.ErrReminderNotFound) {
			zlog.Logger.Warn().Str("id", id.String()).Msg("reminder not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("reminder not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get reminder")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, rem)
}

// GetAll handles HTTP GET requests to retrieve all reminders.
func (h *Handler) GetAll(c *ginext.Context) {
	reminders, err := h.service.ListReminders(c.Request.Context())
	if err != nil {
		if errors.Is(err, remrepo.ErrNoRemindersFound) {
			zlog.Logger.Warn().Err(err).Msg("no reminders found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("no reminders found"))
			return
		}

		zlog.Logger.Error().Err(err).Msg("failed to list reminders")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, reminders)
}

// GetStatus handles HTTP GET requests to retrieve the status of a reminder.
func (h *Handler) GetStatus(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	status, err := h.service.GetReminderStatusByID(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		if errors.Is(err, remrepo.ErrReminderNotFound) {
			zlog.Logger.Warn().Str("id", id.String()).Msg("reminder not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("reminder not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get reminder status")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, status)
}

// Update handles HTTP PUT requests to partially update a reminder.
//
// Changing the event time or lead offset reschedules the reminder; changing
// only the title or phone number leaves its fire time untouched.
func (h *Handler) Update(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	fields := remsvc.UpdateFields{
		Title:       req.Title,
		LeadAmount:  req.LeadAmount,
		PhoneNumber: req.PhoneNumber,
	}

	if req.EventAt != nil {
		eventAt, err := time.Parse(time.RFC3339, *req.EventAt)
		if err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to parse event_at time")
			respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid event_at format"))
			return
		}
		fields.EventAt = &eventAt
	}

	if req.LeadUnit != nil {
		unit := model.LeadUnit(*req.LeadUnit)
		fields.LeadUnit = &unit
	}

	updated, err := h.service.UpdateReminder(c.Request.Context(), id, fields)
	if err != nil {
		switch {
		case errors.Is(err, remrepo.ErrReminderNotFound):
			zlog.Logger.Warn().Str("id", id.String()).Msg("reminder not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("reminder not found"))
		case errors.Is(err, schedule.ErrInvalidOffset), errors.Is(err, schedule.ErrInvalidSchedule):
			zlog.Logger.Warn().Err(err).Str("id", id.String()).Msg("invalid reminder schedule")
			respond.Fail(c.Writer, http.StatusBadRequest, err)
		default:
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to update reminder")
			respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		}
		return
	}

	respond.OK(c.Writer, updated)
}

// Delete handles HTTP DELETE requests to cancel a reminder.
//
// The reminder is marked canceled and its trigger removed; a dispatch that
// has not yet committed will be suppressed by the dispatcher's revalidation.
func (h *Handler) Delete(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.service.CancelReminder(c.Request.Context(), h.cfg.Retry, id); err != nil {
		if errors.Is(err, remrepo.ErrReminderNotFound) {
			zlog.Logger.Warn().Str("id", id.String()).Msg("reminder not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("reminder not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cancel reminder")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.NoContent(c.Writer)
}

func (h *Handler) parseID(c *ginext.Context) (uuid.UUID, bool) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("idStr", idStr).Msg("failed to parse id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return uuid.Nil, false
	}

	if id == uuid.Nil {
		zlog.Logger.Warn().Msg("missing id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing id"))
		return uuid.Nil, false
	}

	return id, true
}
