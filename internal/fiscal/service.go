package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	FindPeriodByDate(ctx context.Context, date time.Time) (Period, error)
	ListYears(ctx context.Context) ([]Year, error)
	ListPeriods(ctx context.Context, yearID int64) ([]Period, error)
}

// TxRepository exposes operations available within a transaction.
type TxRepository interface {
	YearRangeConflict(ctx context.Context, start, end time.Time) (bool, error)
	InsertYear(ctx context.Context, year Year) (Year, error)
	InsertPeriod(ctx context.Context, period Period) (Period, error)
	GetYearForUpdate(ctx context.Context, id int64) (Year, error)
	GetPeriodForUpdate(ctx context.Context, id int64) (Period, error)
	CountOpenPeriods(ctx context.Context, yearID int64) (int, error)
	UpdateYearStatus(ctx context.Context, id int64, status PeriodStatus, closedAt *time.Time, closedBy string) error
	UpdatePeriodStatus(ctx context.Context, id int64, status PeriodStatus, closedAt *time.Time, closedBy string) error
	InsertAuditLog(ctx context.Context, log shared.AuditLog) error
}

// Service manages fiscal years and periods and answers the open-period guard.
type Service struct {
	repo RepositoryPort
	now  func() time.Time
}

// NewService constructs the fiscal service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// EnsureOpen rejects a write whose effective date falls in a closed period.
// Dates not covered by any period are rejected outright so postings can never
// land outside the configured calendar.
func (s *Service) EnsureOpen(ctx context.Context, date time.Time) error {
	period, err := s.repo.FindPeriodByDate(ctx, date)
	if err != nil {
		return err
	}
	if period.Status != PeriodStatusOpen {
		return &ClosedPeriodError{PeriodCode: period.Code, Date: date}
	}
	return nil
}

// CreateYearInput describes a new fiscal year.
type CreateYearInput struct {
	Label     string
	StartDate time.Time
	Actor     string
}

// CreateYear inserts a fiscal year and generates its twelve monthly periods.
func (s *Service) CreateYear(ctx context.Context, in CreateYearInput) (Year, []Period, error) {
	if in.Label == "" {
		return Year{}, nil, errors.New("fiscal: label required")
	}
	if in.StartDate.IsZero() {
		return Year{}, nil, errors.New("fiscal: start date required")
	}
	start := time.Date(in.StartDate.Year(), in.StartDate.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, -1)

	var year Year
	var periods []Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		conflict, err := tx.YearRangeConflict(ctx, start, end)
		if err != nil {
			return err
		}
		if conflict {
			return ErrYearOverlap
		}
		year, err = tx.InsertYear(ctx, Year{
			Label:     in.Label,
			StartDate: start,
			EndDate:   end,
			Status:    PeriodStatusOpen,
		})
		if err != nil {
			return err
		}
		for i := 0; i < 12; i++ {
			pStart := start.AddDate(0, i, 0)
			pEnd := pStart.AddDate(0, 1, -1)
			period, err := tx.InsertPeriod(ctx, Period{
				YearID:    year.ID,
				Code:      pStart.Format("2006-01"),
				StartDate: pStart,
				EndDate:   pEnd,
				Status:    PeriodStatusOpen,
			})
			if err != nil {
				return err
			}
			periods = append(periods, period)
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    in.Actor,
			Action:   shared.AuditActionCreate,
			Entity:   "fiscal_year",
			EntityID: fmt.Sprintf("%d", year.ID),
			Meta:     map[string]any{"label": in.Label},
			At:       s.now(),
		})
	})
	if err != nil {
		return Year{}, nil, err
	}
	return year, periods, nil
}

// ClosePeriod transitions a period from open to closed.
func (s *Service) ClosePeriod(ctx context.Context, periodID int64, actor string) (Period, error) {
	return s.setPeriodStatus(ctx, periodID, PeriodStatusClosed, actor)
}

// ReopenPeriod transitions a period from closed back to open. The owning year
// must itself still be open.
func (s *Service) ReopenPeriod(ctx context.Context, periodID int64, actor string) (Period, error) {
	return s.setPeriodStatus(ctx, periodID, PeriodStatusOpen, actor)
}

func (s *Service) setPeriodStatus(ctx context.Context, periodID int64, target PeriodStatus, actor string) (Period, error) {
	if periodID == 0 {
		return Period{}, errors.New("fiscal: period id required")
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(current.Status, target); err != nil {
			return err
		}
		year, err := tx.GetYearForUpdate(ctx, current.YearID)
		if err != nil {
			return err
		}
		if target == PeriodStatusOpen && year.Status != PeriodStatusOpen {
			return ErrInvalidTransition
		}
		var closedAt *time.Time
		closedBy := ""
		if target == PeriodStatusClosed {
			ts := s.now()
			closedAt = &ts
			closedBy = actor
		}
		if err := tx.UpdatePeriodStatus(ctx, periodID, target, closedAt, closedBy); err != nil {
			return err
		}
		period = current
		period.Status = target
		period.ClosedAt = closedAt
		period.ClosedBy = closedBy
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "fiscal_period",
			EntityID: fmt.Sprintf("%d", periodID),
			Meta:     map[string]any{"status": string(target)},
			At:       s.now(),
		})
	})
	if err != nil {
		return Period{}, err
	}
	return period, nil
}

// CloseYear closes a fiscal year once every period in it is closed.
func (s *Service) CloseYear(ctx context.Context, yearID int64, actor string) (Year, error) {
	if yearID == 0 {
		return Year{}, errors.New("fiscal: year id required")
	}
	var year Year
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetYearForUpdate(ctx, yearID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(current.Status, PeriodStatusClosed); err != nil {
			return err
		}
		open, err := tx.CountOpenPeriods(ctx, yearID)
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrYearHasOpenPeriods
		}
		ts := s.now()
		if err := tx.UpdateYearStatus(ctx, yearID, PeriodStatusClosed, &ts, actor); err != nil {
			return err
		}
		year = current
		year.Status = PeriodStatusClosed
		year.ClosedAt = &ts
		year.ClosedBy = actor
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "fiscal_year",
			EntityID: fmt.Sprintf("%d", yearID),
			Meta:     map[string]any{"status": string(PeriodStatusClosed)},
			At:       s.now(),
		})
	})
	if err != nil {
		return Year{}, err
	}
	return year, nil
}

// ListYears returns all fiscal years.
func (s *Service) ListYears(ctx context.Context) ([]Year, error) {
	return s.repo.ListYears(ctx)
}

// ListPeriods returns the periods of a fiscal year.
func (s *Service) ListPeriods(ctx context.Context, yearID int64) ([]Period, error) {
	return s.repo.ListPeriods(ctx, yearID)
}
