package recon

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/db"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

const reconColumns = `id, account_id, statement_date, statement_balance, book_balance, status, completed_at, COALESCE(completed_by, ''), created_at, updated_at`

// Repository provides PostgreSQL backed persistence for reconciliations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReconciliation(row rowScanner) (Reconciliation, error) {
	var rec Reconciliation
	err := row.Scan(&rec.ID, &rec.AccountID, &rec.StatementDate, &rec.StatementBalance, &rec.BookBalance,
		&rec.Status, &rec.CompletedAt, &rec.CompletedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reconciliation{}, ErrReconciliationNotFound
	}
	return rec, err
}

// Get returns one reconciliation with its cleared balance computed.
func (r *Repository) Get(ctx context.Context, reconciliationID int64) (Reconciliation, error) {
	rec, err := scanReconciliation(r.pool.QueryRow(ctx, `SELECT `+reconColumns+` FROM bank_reconciliations WHERE id=$1`, reconciliationID))
	if err != nil {
		return Reconciliation{}, err
	}
	err = r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(l.debit - l.credit), 0)
FROM reconciliation_cleared_lines c
JOIN journal_lines l ON l.id = c.line_id
WHERE c.reconciliation_id=$1`, reconciliationID).Scan(&rec.ClearedBalance)
	if err != nil {
		return Reconciliation{}, err
	}
	rec.ClearedBalance = shared.Round2(rec.ClearedBalance)
	return rec, nil
}

// List returns reconciliations newest statement first, optionally restricted
// to one account.
func (r *Repository) List(ctx context.Context, accountID *int64) ([]Reconciliation, error) {
	query := `SELECT ` + reconColumns + ` FROM bank_reconciliations`
	args := []any{}
	if accountID != nil {
		query += ` WHERE account_id=$1`
		args = append(args, *accountID)
	}
	query += ` ORDER BY statement_date DESC, id DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []Reconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListLines returns the candidate lines for a reconciliation: posted lines
// on its account dated inside the window, with cleared flags.
func (r *Repository) ListLines(ctx context.Context, reconciliationID int64) ([]LineView, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.id, e.id, e.entry_date, e.description, COALESCE(e.reference, ''), l.debit, l.credit,
EXISTS (SELECT 1 FROM reconciliation_cleared_lines c WHERE c.reconciliation_id = rec.id AND c.line_id = l.id)
FROM bank_reconciliations rec
JOIN journal_lines l ON l.account_id = rec.account_id
JOIN journal_entries e ON e.id = l.entry_id
WHERE rec.id=$1 AND e.status=$2 AND e.entry_date <= rec.statement_date
AND (l.reconciliation_id IS NULL OR l.reconciliation_id = rec.id)
ORDER BY e.entry_date, l.id`, reconciliationID, ledger.EntryStatusPosted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LineView
	for rows.Next() {
		var l LineView
		if err := rows.Scan(&l.LineID, &l.EntryID, &l.EntryDate, &l.Description, &l.Reference, &l.Debit, &l.Credit, &l.Cleared); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// UnreconciledLines returns posted, unlocked lines on an account up to asOf.
func (r *Repository) UnreconciledLines(ctx context.Context, accountID int64, asOf time.Time) ([]LineView, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.id, e.id, e.entry_date, e.description, COALESCE(e.reference, ''), l.debit, l.credit, FALSE
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE l.account_id=$1 AND e.status=$2 AND e.entry_date <= $3 AND l.reconciliation_id IS NULL
ORDER BY e.entry_date, l.id`, accountID, ledger.EntryStatusPosted, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LineView
	for rows.Next() {
		var l LineView
		if err := rows.Scan(&l.LineID, &l.EntryID, &l.EntryDate, &l.Description, &l.Reference, &l.Debit, &l.Credit, &l.Cleared); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
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

func (t *txRepository) GetAccountType(ctx context.Context, accountID int64) (ledger.AccountType, error) {
	var accountType ledger.AccountType
	err := t.tx.QueryRow(ctx, `SELECT type FROM accounts WHERE id=$1 AND is_active`, accountID).Scan(&accountType)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ledger.ErrAccountNotFound
	}
	return accountType, err
}

func (t *txRepository) HasInProgress(ctx context.Context, accountID int64) (bool, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM bank_reconciliations WHERE account_id=$1 AND status=$2`,
		accountID, StatusInProgress).Scan(&count)
	return count > 0, err
}

func (t *txRepository) SumPostedLines(ctx context.Context, accountID int64, asOf time.Time) (float64, error) {
	var sum float64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(l.debit - l.credit), 0)
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE l.account_id=$1 AND e.status=$2 AND e.entry_date <= $3`,
		accountID, ledger.EntryStatusPosted, asOf).Scan(&sum)
	return sum, err
}

func (t *txRepository) InsertReconciliation(ctx context.Context, rec Reconciliation) (Reconciliation, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO bank_reconciliations (account_id, statement_date, statement_balance, book_balance, status)
VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at, updated_at`,
		rec.AccountID, rec.StatementDate, rec.StatementBalance, rec.BookBalance, rec.Status).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (t *txRepository) GetForUpdate(ctx context.Context, reconciliationID int64) (Reconciliation, error) {
	return scanReconciliation(t.tx.QueryRow(ctx, `SELECT `+reconColumns+` FROM bank_reconciliations WHERE id=$1 FOR UPDATE`, reconciliationID))
}

func (t *txRepository) GetLineInfo(ctx context.Context, lineID int64) (LineInfo, error) {
	var info LineInfo
	err := t.tx.QueryRow(ctx, `SELECT l.id, l.account_id, e.entry_date, e.status, l.debit, l.credit, l.reconciliation_id
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE l.id=$1`, lineID).
		Scan(&info.LineID, &info.AccountID, &info.EntryDate, &info.EntryStatus, &info.Debit, &info.Credit, &info.ReconciliationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return LineInfo{}, ErrLineNotFound
	}
	return info, err
}

func (t *txRepository) IsCleared(ctx context.Context, reconciliationID, lineID int64) (bool, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM reconciliation_cleared_lines WHERE reconciliation_id=$1 AND line_id=$2`,
		reconciliationID, lineID).Scan(&count)
	return count > 0, err
}

func (t *txRepository) MarkCleared(ctx context.Context, reconciliationID, lineID int64) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO reconciliation_cleared_lines (reconciliation_id, line_id)
VALUES ($1,$2) ON CONFLICT DO NOTHING`, reconciliationID, lineID)
	return err
}

func (t *txRepository) UnmarkCleared(ctx context.Context, reconciliationID, lineID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM reconciliation_cleared_lines WHERE reconciliation_id=$1 AND line_id=$2`,
		reconciliationID, lineID)
	return err
}

func (t *txRepository) SumClearedLines(ctx context.Context, reconciliationID int64) (float64, error) {
	var sum float64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(l.debit - l.credit), 0)
FROM reconciliation_cleared_lines c
JOIN journal_lines l ON l.id = c.line_id
WHERE c.reconciliation_id=$1`, reconciliationID).Scan(&sum)
	return sum, err
}

func (t *txRepository) StampClearedLines(ctx context.Context, reconciliationID int64) (int, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE journal_lines SET reconciliation_id=$1
WHERE id IN (SELECT line_id FROM reconciliation_cleared_lines WHERE reconciliation_id=$1)`, reconciliationID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *txRepository) SetStatus(ctx context.Context, reconciliationID int64, status Status, completedAt *time.Time, completedBy string) error {
	_, err := t.tx.Exec(ctx, `UPDATE bank_reconciliations SET status=$2, completed_at=$3, completed_by=NULLIF($4,''), updated_at=NOW() WHERE id=$1`,
		reconciliationID, status, completedAt, completedBy)
	return err
}

func (t *txRepository) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	return audit.Insert(ctx, t.tx, log)
}
