// Package schedule owns fire-time derivation and the in-memory index of
// pending triggers the dispatcher drains.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/mgarciad/remindly/internal/model"
)

var (
	ErrInvalidOffset   = errors.New("lead amount must be positive")
	ErrInvalidSchedule = errors.New("invalid event instant")
)

// FireAt derives the instant a reminder must fire: the event instant minus
// the lead offset. Days use a fixed 24h multiplier so the function stays
// pure and timezone-agnostic given an absolute event instant.
//
// It is deterministic, has no side effects and is safe for concurrent use.
func FireAt(eventAt time.Time, leadAmount int, leadUnit model.LeadUnit) (time.Time, error) {
	if leadAmount <= 0 {
		return time.Time{}, fmt.Errorf("%w: %d", ErrInvalidOffset, leadAmount)
	}

	if eventAt.IsZero() {
		return time.Time{}, ErrInvalidSchedule
	}

	switch leadUnit {
	case model.LeadUnitHours:
		return eventAt.Add(-time.Duration(leadAmount) * time.Hour), nil
	case model.LeadUnitDays:
		return eventAt.Add(-time.Duration(leadAmount) * 24 * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown lead unit %q", ErrInvalidSchedule, leadUnit)
	}
}
