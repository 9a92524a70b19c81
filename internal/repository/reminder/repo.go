package reminder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/mgarciad/remindly/internal/model"
)

var (
	ErrReminderNotFound = errors.New("reminder not found")
	ErrNoRemindersFound = errors.New("no reminders found")
	ErrStatusConflict   = errors.New("reminder is not pending")
)

// Repository provides methods to interact with the reminders table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new reminder repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateReminder inserts a new reminder into the database and returns its ID.
func (r *Repository) CreateReminder(ctx context.Context, reminder model.Reminder) (uuid.UUID, error) {
	query := `
		INSERT INTO reminders (
		    title, event_at, lead_amount, lead_unit, phone_number, status
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id;
    `

	err := r.db.Master.QueryRowContext(
		ctx, query,
		reminder.Title, reminder.EventAt, reminder.LeadAmount, reminder.LeadUnit, reminder.PhoneNumber, reminder.Status,
	).Scan(&reminder.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create reminder: %w", err)
	}

	return reminder.ID, nil
}

// GetReminderByID retrieves a single reminder by its ID.
func (r *Repository) GetReminderByID(ctx context.Context, id uuid.UUID) (model.Reminder, error) {
	query := `
		SELECT id, title, event_at, lead_amount, lead_unit, phone_number, status, created_at, updated_at
		FROM reminders
		WHERE id = $1;
    `

	var rem model.Reminder
	err := r.db.Master.QueryRowContext(ctx, query, id).Scan(
		&rem.ID, &rem.Title, &rem.EventAt, &rem.LeadAmount, &rem.LeadUnit,
		&rem.PhoneNumber, &rem.Status, &rem.CreatedAt, &rem.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reminder{}, ErrReminderNotFound
		}

		return model.Reminder{}, fmt.Errorf("failed to get reminder: %w", err)
	}

	return rem, nil
}

// UpdateReminder persists the mutable fields of a reminder by its ID.
func (r *Repository) UpdateReminder(ctx context.Context, reminder model.Reminder) error {
	query := `
		UPDATE reminders
		SET title = $1, event_at = $2, lead_amount = $3, lead_unit = $4, phone_number = $5, updated_at = now()
		WHERE id = $6;
    `

	res, err := r.db.ExecContext(
		ctx, query,
		reminder.Title, reminder.EventAt, reminder.LeadAmount, reminder.LeadUnit, reminder.PhoneNumber, reminder.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update reminder: %w", err)
	}

	rows, _ := res.RowsAffected()

	if rows == 0 {
		return ErrReminderNotFound
	}

	return nil
}

// CancelReminder transitions a reminder to the canceled status. Canceling an
// already sent or canceled reminder is a no-op that still succeeds, so a
// delete that races a dispatch stays idempotent from the caller's side.
func (r *Repository) CancelReminder(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE reminders
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3;
    `

	res, err := r.db.ExecContext(ctx, query, model.StatusCanceled, id, model.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to cancel reminder: %w", err)
	}

	rows, _ := res.RowsAffected()

	if rows == 0 {
		if _, getErr := r.GetReminderByID(ctx, id); errors.Is(getErr, ErrReminderNotFound) {
			return ErrReminderNotFound
		}
	}

	return nil
}

// MarkSent atomically transitions a reminder from pending to sent. It is the
// anchor of the exactly-once guarantee: of two concurrent dispatch attempts
// only one can see the pending row, the other gets ErrStatusConflict.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE reminders
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3;
    `

	res, err := r.db.ExecContext(ctx, query, model.StatusSent, id, model.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}

	rows, _ := res.RowsAffected()

	if rows == 0 {
		// Either the row is gone or it already left the pending state.
		if _, getErr := r.GetReminderByID(ctx, id); errors.Is(getErr, ErrReminderNotFound) {
			return ErrReminderNotFound
		}

		return ErrStatusConflict
	}

	return nil
}

// ListPending retrieves all pending reminders ordered by event time. Used to
// rebuild the trigger index at startup and on the consistency sweep.
func (r *Repository) ListPending(ctx context.Context) ([]model.Reminder, error) {
	query := `
		SELECT id, title, event_at, lead_amount, lead_unit, phone_number, status, created_at, updated_at
		FROM reminders
		WHERE status = $1
		ORDER BY event_at;
    `

	rows, err := r.db.QueryContext(ctx, query, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reminders: %w", err)
	}
	defer rows.Close()

	return scanReminders(rows)
}

// ListReminders retrieves all reminders ordered by event time descending.
func (r *Repository) ListReminders(ctx context.Context) ([]model.Reminder, error) {
	query := `
		SELECT id, title, event_at, lead_amount, lead_unit, phone_number, status, created_at, updated_at
		FROM reminders
		ORDER BY event_at DESC;
    `

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer rows.Close()

	reminders, err := scanReminders(rows)
	if err != nil {
		return nil, err
	}

	if len(reminders) == 0 {
		return nil, ErrNoRemindersFound
	}

	return reminders, nil
}

func scanReminders(rows *sql.Rows) ([]model.Reminder, error) {
	var reminders []model.Reminder
	for rows.Next() {
		var rem model.Reminder
		if err := rows.Scan(
			&rem.ID, &rem.Title, &rem.EventAt, &rem.LeadAmount, &rem.LeadUnit,
			&rem.PhoneNumber, &rem.Status, &rem.CreatedAt, &rem.UpdatedAt,
		); err != nil {
			return nil, err
		}

		reminders = append(reminders, rem)
	}

	return reminders, rows.Err()
}
