package fiscal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

type memoryRepo struct {
	years      map[int64]*Year
	periods    map[int64]*Period
	audits     []shared.AuditLog
	nextYear   int64
	nextPeriod int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{years: make(map[int64]*Year), periods: make(map[int64]*Period)}
}

type memoryTx struct {
	repo *memoryRepo
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) FindPeriodByDate(ctx context.Context, date time.Time) (Period, error) {
	for _, p := range r.periods {
		if p.Contains(date) {
			return *p, nil
		}
	}
	return Period{}, ErrNoPeriodForDate
}

func (r *memoryRepo) ListYears(ctx context.Context) ([]Year, error) {
	out := make([]Year, 0, len(r.years))
	for _, y := range r.years {
		out = append(out, *y)
	}
	return out, nil
}

func (r *memoryRepo) ListPeriods(ctx context.Context, yearID int64) ([]Period, error) {
	var out []Period
	for _, p := range r.periods {
		if p.YearID == yearID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (tx *memoryTx) YearRangeConflict(ctx context.Context, start, end time.Time) (bool, error) {
	for _, y := range tx.repo.years {
		if !start.After(y.EndDate) && !end.Before(y.StartDate) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) InsertYear(ctx context.Context, year Year) (Year, error) {
	tx.repo.nextYear++
	year.ID = tx.repo.nextYear
	stored := year
	tx.repo.years[year.ID] = &stored
	return year, nil
}

func (tx *memoryTx) InsertPeriod(ctx context.Context, period Period) (Period, error) {
	tx.repo.nextPeriod++
	period.ID = tx.repo.nextPeriod
	stored := period
	tx.repo.periods[period.ID] = &stored
	return period, nil
}

func (tx *memoryTx) GetYearForUpdate(ctx context.Context, id int64) (Year, error) {
	y, ok := tx.repo.years[id]
	if !ok {
		return Year{}, ErrYearNotFound
	}
	return *y, nil
}

func (tx *memoryTx) GetPeriodForUpdate(ctx context.Context, id int64) (Period, error) {
	p, ok := tx.repo.periods[id]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return *p, nil
}

func (tx *memoryTx) CountOpenPeriods(ctx context.Context, yearID int64) (int, error) {
	count := 0
	for _, p := range tx.repo.periods {
		if p.YearID == yearID && p.Status == PeriodStatusOpen {
			count++
		}
	}
	return count, nil
}

func (tx *memoryTx) UpdateYearStatus(ctx context.Context, id int64, status PeriodStatus, closedAt *time.Time, closedBy string) error {
	y, ok := tx.repo.years[id]
	if !ok {
		return ErrYearNotFound
	}
	y.Status = status
	y.ClosedAt = closedAt
	y.ClosedBy = closedBy
	return nil
}

func (tx *memoryTx) UpdatePeriodStatus(ctx context.Context, id int64, status PeriodStatus, closedAt *time.Time, closedBy string) error {
	p, ok := tx.repo.periods[id]
	if !ok {
		return ErrPeriodNotFound
	}
	p.Status = status
	p.ClosedAt = closedAt
	p.ClosedBy = closedBy
	return nil
}

func (tx *memoryTx) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	tx.repo.audits = append(tx.repo.audits, log)
	return nil
}

func TestCreateYearGeneratesTwelvePeriods(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	year, periods, err := svc.CreateYear(ctx, CreateYearInput{
		Label:     "FY2026",
		StartDate: time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC),
		Actor:     "operator",
	})
	require.NoError(t, err)
	require.Equal(t, PeriodStatusOpen, year.Status)
	require.Len(t, periods, 12)
	require.Equal(t, "2026-01", periods[0].Code)
	require.Equal(t, "2026-12", periods[11].Code)

	// Start is snapped to the first of the month.
	require.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), year.StartDate)
	require.Equal(t, time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC), year.EndDate)
	require.Equal(t, time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC), periods[1].EndDate)
}

func TestCreateYearRejectsOverlap(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	_, _, err := svc.CreateYear(ctx, CreateYearInput{Label: "FY2026", StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Actor: "operator"})
	require.NoError(t, err)

	_, _, err = svc.CreateYear(ctx, CreateYearInput{Label: "FY2026b", StartDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), Actor: "operator"})
	require.ErrorIs(t, err, ErrYearOverlap)
}

func TestEnsureOpen(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	_, periods, err := svc.CreateYear(ctx, CreateYearInput{Label: "FY2026", StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Actor: "operator"})
	require.NoError(t, err)

	inJanuary := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.EnsureOpen(ctx, inJanuary))

	_, err = svc.ClosePeriod(ctx, periods[0].ID, "operator")
	require.NoError(t, err)

	err = svc.EnsureOpen(ctx, inJanuary)
	var closed *ClosedPeriodError
	require.ErrorAs(t, err, &closed)
	require.Equal(t, "2026-01", closed.PeriodCode)

	// Dates outside any configured year are rejected outright.
	err = svc.EnsureOpen(ctx, time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, ErrNoPeriodForDate)
}

func TestPeriodTransitions(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	_, periods, err := svc.CreateYear(ctx, CreateYearInput{Label: "FY2026", StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Actor: "operator"})
	require.NoError(t, err)

	period, err := svc.ClosePeriod(ctx, periods[0].ID, "operator")
	require.NoError(t, err)
	require.Equal(t, PeriodStatusClosed, period.Status)
	require.NotNil(t, period.ClosedAt)
	require.Equal(t, "operator", period.ClosedBy)

	reopened, err := svc.ReopenPeriod(ctx, periods[0].ID, "operator")
	require.NoError(t, err)
	require.Equal(t, PeriodStatusOpen, reopened.Status)
	require.Nil(t, reopened.ClosedAt)
}

func TestCloseYearRequiresAllPeriodsClosed(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	year, periods, err := svc.CreateYear(ctx, CreateYearInput{Label: "FY2026", StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Actor: "operator"})
	require.NoError(t, err)

	_, err = svc.CloseYear(ctx, year.ID, "operator")
	require.ErrorIs(t, err, ErrYearHasOpenPeriods)

	for _, p := range periods {
		_, err = svc.ClosePeriod(ctx, p.ID, "operator")
		require.NoError(t, err)
	}

	closedYear, err := svc.CloseYear(ctx, year.ID, "operator")
	require.NoError(t, err)
	require.Equal(t, PeriodStatusClosed, closedYear.Status)

	// Periods of a closed year stay closed.
	_, err = svc.ReopenPeriod(ctx, periods[0].ID, "operator")
	require.ErrorIs(t, err, ErrInvalidTransition)
}
