package fiscal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/db"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Repository provides PostgreSQL backed persistence for fiscal calendars.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindPeriodByDate looks a period up by date range membership.
func (r *Repository) FindPeriodByDate(ctx context.Context, date time.Time) (Period, error) {
	var p Period
	err := r.pool.QueryRow(ctx, `SELECT id, year_id, code, start_date, end_date, status, closed_at, COALESCE(closed_by, ''), created_at, updated_at
FROM fiscal_periods WHERE start_date <= $1 AND end_date >= $1`, date).
		Scan(&p.ID, &p.YearID, &p.Code, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrNoPeriodForDate
	}
	if err != nil {
		return Period{}, err
	}
	return p, nil
}

// ListYears returns all fiscal years ordered by start date.
func (r *Repository) ListYears(ctx context.Context) ([]Year, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, label, start_date, end_date, status, closed_at, COALESCE(closed_by, ''), created_at, updated_at
FROM fiscal_years ORDER BY start_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var years []Year
	for rows.Next() {
		var y Year
		if err := rows.Scan(&y.ID, &y.Label, &y.StartDate, &y.EndDate, &y.Status, &y.ClosedAt, &y.ClosedBy, &y.CreatedAt, &y.UpdatedAt); err != nil {
			return nil, err
		}
		years = append(years, y)
	}
	return years, rows.Err()
}

// ListPeriods returns the periods of a year ordered by start date.
func (r *Repository) ListPeriods(ctx context.Context, yearID int64) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, year_id, code, start_date, end_date, status, closed_at, COALESCE(closed_by, ''), created_at, updated_at
FROM fiscal_periods WHERE year_id=$1 ORDER BY start_date`, yearID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []Period
	for rows.Next() {
		var p Period
		if err := rows.Scan(&p.ID, &p.YearID, &p.Code, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) YearRangeConflict(ctx context.Context, start, end time.Time) (bool, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM fiscal_years WHERE start_date <= $2 AND end_date >= $1`, start, end).Scan(&count)
	return count > 0, err
}

func (t *txRepository) InsertYear(ctx context.Context, year Year) (Year, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO fiscal_years (label, start_date, end_date, status)
VALUES ($1,$2,$3,$4) RETURNING id, created_at, updated_at`, year.Label, year.StartDate, year.EndDate, year.Status).
		Scan(&year.ID, &year.CreatedAt, &year.UpdatedAt)
	return year, err
}

func (t *txRepository) InsertPeriod(ctx context.Context, period Period) (Period, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO fiscal_periods (year_id, code, start_date, end_date, status)
VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at, updated_at`, period.YearID, period.Code, period.StartDate, period.EndDate, period.Status).
		Scan(&period.ID, &period.CreatedAt, &period.UpdatedAt)
	return period, err
}

func (t *txRepository) GetYearForUpdate(ctx context.Context, id int64) (Year, error) {
	var y Year
	err := t.tx.QueryRow(ctx, `SELECT id, label, start_date, end_date, status, closed_at, COALESCE(closed_by, ''), created_at, updated_at
FROM fiscal_years WHERE id=$1 FOR UPDATE`, id).
		Scan(&y.ID, &y.Label, &y.StartDate, &y.EndDate, &y.Status, &y.ClosedAt, &y.ClosedBy, &y.CreatedAt, &y.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Year{}, ErrYearNotFound
	}
	return y, err
}

func (t *txRepository) GetPeriodForUpdate(ctx context.Context, id int64) (Period, error) {
	var p Period
	err := t.tx.QueryRow(ctx, `SELECT id, year_id, code, start_date, end_date, status, closed_at, COALESCE(closed_by, ''), created_at, updated_at
FROM fiscal_periods WHERE id=$1 FOR UPDATE`, id).
		Scan(&p.ID, &p.YearID, &p.Code, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	return p, err
}

func (t *txRepository) CountOpenPeriods(ctx context.Context, yearID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM fiscal_periods WHERE year_id=$1 AND status='OPEN'`, yearID).Scan(&count)
	return count, err
}

func (t *txRepository) UpdateYearStatus(ctx context.Context, id int64, status PeriodStatus, closedAt *time.Time, closedBy string) error {
	_, err := t.tx.Exec(ctx, `UPDATE fiscal_years SET status=$2, closed_at=$3, closed_by=NULLIF($4,''), updated_at=NOW() WHERE id=$1`,
		id, status, closedAt, closedBy)
	return err
}

func (t *txRepository) UpdatePeriodStatus(ctx context.Context, id int64, status PeriodStatus, closedAt *time.Time, closedBy string) error {
	_, err := t.tx.Exec(ctx, `UPDATE fiscal_periods SET status=$2, closed_at=$3, closed_by=NULLIF($4,''), updated_at=NOW() WHERE id=$1`,
		id, status, closedAt, closedBy)
	return err
}

func (t *txRepository) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	return audit.Insert(ctx, t.tx, log)
}
