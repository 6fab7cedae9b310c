package reports

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerkeep/ledgerkeep/internal/allocation"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// PGRepository reads report aggregates straight from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// AccountActivity sums posted debits and credits per account up to asOf.
// Accounts without activity are included at zero.
func (r *PGRepository) AccountActivity(ctx context.Context, asOf time.Time) ([]AccountBalance, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.code, a.name, a.type,
COALESCE(SUM(l.debit), 0), COALESCE(SUM(l.credit), 0)
FROM accounts a
LEFT JOIN journal_lines l ON l.account_id = a.id
LEFT JOIN journal_entries e ON e.id = l.entry_id AND e.status=$1 AND e.entry_date <= $2
WHERE a.is_active
GROUP BY a.id, a.code, a.name, a.type
ORDER BY a.code`, ledger.EntryStatusPosted, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountBalance
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.AccountID, &b.Code, &b.Name, &b.Type, &b.Debit, &b.Credit); err != nil {
			return nil, err
		}
		b.Debit = shared.Round2(b.Debit)
		b.Credit = shared.Round2(b.Credit)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SingleAccountActivity sums one account's posted debits and credits up to
// asOf.
func (r *PGRepository) SingleAccountActivity(ctx context.Context, accountID int64, asOf time.Time) (AccountBalance, error) {
	var b AccountBalance
	err := r.pool.QueryRow(ctx, `SELECT a.id, a.code, a.name, a.type,
COALESCE(SUM(CASE WHEN e.status=$2 AND e.entry_date <= $3 THEN l.debit END), 0),
COALESCE(SUM(CASE WHEN e.status=$2 AND e.entry_date <= $3 THEN l.credit END), 0)
FROM accounts a
LEFT JOIN journal_lines l ON l.account_id = a.id
LEFT JOIN journal_entries e ON e.id = l.entry_id
WHERE a.id=$1
GROUP BY a.id, a.code, a.name, a.type`, accountID, ledger.EntryStatusPosted, asOf).
		Scan(&b.AccountID, &b.Code, &b.Name, &b.Type, &b.Debit, &b.Credit)
	if errors.Is(err, pgx.ErrNoRows) {
		return AccountBalance{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return AccountBalance{}, err
	}
	b.Debit = shared.Round2(b.Debit)
	b.Credit = shared.Round2(b.Credit)
	return b, nil
}

// OpenInvoiceAges lists outstanding invoice amounts with their due dates.
func (r *PGRepository) OpenInvoiceAges(ctx context.Context, asOf time.Time) ([]InvoiceAge, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, due_date, total - paid_amount
FROM ar_invoices
WHERE status IN ($1,$2,$3) AND total - paid_amount > $4 AND issue_date <= $5
ORDER BY due_date, id`,
		allocation.StatusPending, allocation.StatusPartial, allocation.StatusOverdue, shared.Epsilon, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InvoiceAge
	for rows.Next() {
		var age InvoiceAge
		if err := rows.Scan(&age.InvoiceID, &age.DueDate, &age.Outstanding); err != nil {
			return nil, err
		}
		age.Outstanding = shared.Round2(age.Outstanding)
		out = append(out, age)
	}
	return out, rows.Err()
}
