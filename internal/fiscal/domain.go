package fiscal

import (
	"errors"
	"fmt"
	"time"
)

// PeriodStatus enumerates valid period and year states.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
)

// Year is a fiscal year owning twelve monthly periods.
type Year struct {
	ID        int64        `json:"id"`
	Label     string       `json:"label"`
	StartDate time.Time    `json:"start_date"`
	EndDate   time.Time    `json:"end_date"`
	Status    PeriodStatus `json:"status"`
	ClosedAt  *time.Time   `json:"closed_at"`
	ClosedBy  string       `json:"closed_by"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Period is a bounded date range that can be closed to further posting.
type Period struct {
	ID        int64        `json:"id"`
	YearID    int64        `json:"year_id"`
	Code      string       `json:"code"`
	StartDate time.Time    `json:"start_date"`
	EndDate   time.Time    `json:"end_date"`
	Status    PeriodStatus `json:"status"`
	ClosedAt  *time.Time   `json:"closed_at"`
	ClosedBy  string       `json:"closed_by"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Contains reports whether the date falls inside the period range.
func (p Period) Contains(date time.Time) bool {
	d := date.Truncate(24 * time.Hour)
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

var (
	// ErrNoPeriodForDate indicates no fiscal period covers the date.
	ErrNoPeriodForDate = errors.New("fiscal: no period covers date")
	// ErrYearNotFound indicates missing fiscal year.
	ErrYearNotFound = errors.New("fiscal: year not found")
	// ErrPeriodNotFound indicates missing fiscal period.
	ErrPeriodNotFound = errors.New("fiscal: period not found")
	// ErrInvalidTransition indicates a period status change not allowed.
	ErrInvalidTransition = errors.New("fiscal: period transition invalid")
	// ErrYearHasOpenPeriods indicates the year cannot close yet.
	ErrYearHasOpenPeriods = errors.New("fiscal: year still has open periods")
	// ErrYearOverlap indicates the new year range collides with an existing one.
	ErrYearOverlap = errors.New("fiscal: year range overlaps an existing year")
)

// ClosedPeriodError reports a write whose effective date falls in a closed
// period, naming the offending period.
type ClosedPeriodError struct {
	PeriodCode string
	Date       time.Time
}

func (e *ClosedPeriodError) Error() string {
	return fmt.Sprintf("fiscal: period %s is closed for %s", e.PeriodCode, e.Date.Format("2006-01-02"))
}

// ValidateTransition checks open/closed status changes.
func ValidateTransition(current, target PeriodStatus) error {
	if current == target {
		return nil
	}
	switch current {
	case PeriodStatusOpen:
		if target == PeriodStatusClosed {
			return nil
		}
	case PeriodStatusClosed:
		if target == PeriodStatusOpen {
			return nil
		}
	}
	return ErrInvalidTransition
}
