package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reminder statuses. A reminder starts pending, becomes sent exactly once
// after a successful dispatch, or canceled if deleted before firing.
const (
	StatusPending  = "pending"
	StatusSent     = "sent"
	StatusCanceled = "canceled"
)

// LeadUnit is the unit of the lead-time offset before the event.
type LeadUnit string

const (
	LeadUnitDays  LeadUnit = "days"
	LeadUnitHours LeadUnit = "hours"
)

// Valid reports whether u is a known lead unit.
func (u LeadUnit) Valid() bool {
	return u == LeadUnitDays || u == LeadUnitHours
}

// Reminder represents a reminder entity in the system.
type Reminder struct {
	ID          uuid.UUID `json:"id"`           // unique identifier for the reminder
	Title       string    `json:"title"`        // short event description
	EventAt     time.Time `json:"event_at"`     // absolute instant the event occurs
	LeadAmount  int       `json:"lead_amount"`  // how many lead units before the event to notify
	LeadUnit    LeadUnit  `json:"lead_unit"`    // "days" or "hours"
	PhoneNumber string    `json:"phone_number"` // delivery target for the notification
	Status      string    `json:"status"`       // current state: "pending", "sent", "canceled"
	CreatedAt   time.Time `json:"created_at"`   // timestamp when the reminder was created
	UpdatedAt   time.Time `json:"updated_at"`   // timestamp when the reminder was last updated
}

// Message renders the notification body sent through the delivery channel.
func (r Reminder) Message() string {
	return fmt.Sprintf("⏰ %s\n🗓️ %s\nThis is your reminder!", r.Title, r.EventAt.Format("2006-01-02 15:04"))
}
