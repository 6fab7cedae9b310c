package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/db"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the posting engine.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `id, event_id, entry_date, description, reference, status, posted_at, COALESCE(posted_by, ''), voided_at, COALESCE(void_reason, ''), created_at, updated_at`

// GetEntry returns an entry with its lines.
func (r *Repository) GetEntry(ctx context.Context, entryID int64) (JournalEntry, error) {
	entry, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1`, entryID))
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.pool, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// ListEntries returns all journal entries, newest first, without lines.
func (r *Repository) ListEntries(ctx context.Context) ([]JournalEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM journal_entries ORDER BY entry_date DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListAccounts returns the chart of accounts ordered by code.
func (r *Repository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, type, parent_id, is_active, created_at, updated_at FROM accounts ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.ParentID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
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

func (t *txRepository) AccountExists(ctx context.Context, accountID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1 AND is_active)`, accountID).Scan(&exists)
	return exists, err
}

func (t *txRepository) InsertEvent(ctx context.Context, event TransactionEvent) (TransactionEvent, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO transaction_events (ref, event_type, description, reference, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, event.Ref, event.EventType, event.Description, event.Reference, event.CreatedBy, event.CreatedAt).
		Scan(&event.ID)
	return event, err
}

func (t *txRepository) InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO journal_entries (event_id, entry_date, description, reference, status)
VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at, updated_at`, entry.EventID, entry.Date, entry.Description, entry.Reference, entry.Status).
		Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_journal_entries_event" {
			return JournalEntry{}, ErrEventAlreadyUsed
		}
		return JournalEntry{}, err
	}
	return entry, nil
}

func (t *txRepository) InsertLine(ctx context.Context, line JournalLine) (JournalLine, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO journal_lines (entry_id, account_id, debit, credit)
VALUES ($1,$2,$3,$4) RETURNING id, created_at, updated_at`, line.EntryID, line.AccountID, line.Debit, line.Credit).
		Scan(&line.ID, &line.CreatedAt, &line.UpdatedAt)
	return line, err
}

func (t *txRepository) GetEntryForUpdate(ctx context.Context, entryID int64) (JournalEntry, error) {
	entry, err := scanEntry(t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1 FOR UPDATE`, entryID))
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, t.tx, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (t *txRepository) UpdateEntryHeader(ctx context.Context, entryID int64, date time.Time, description, reference string) error {
	_, err := t.tx.Exec(ctx, `UPDATE journal_entries SET entry_date=$2, description=$3, reference=$4, updated_at=NOW() WHERE id=$1`,
		entryID, date, description, reference)
	return err
}

func (t *txRepository) UpdateLine(ctx context.Context, line JournalLine) error {
	tag, err := t.tx.Exec(ctx, `UPDATE journal_lines SET account_id=$2, debit=$3, credit=$4, updated_at=NOW() WHERE id=$1 AND entry_id=$5`,
		line.ID, line.AccountID, line.Debit, line.Credit, line.EntryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (t *txRepository) DeleteLine(ctx context.Context, lineID int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM journal_lines WHERE id=$1`, lineID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (t *txRepository) MarkPosted(ctx context.Context, entryID int64, postedAt time.Time, postedBy string) error {
	_, err := t.tx.Exec(ctx, `UPDATE journal_entries SET status=$2, posted_at=$3, posted_by=$4, updated_at=NOW() WHERE id=$1`,
		entryID, EntryStatusPosted, postedAt, postedBy)
	return err
}

func (t *txRepository) MarkVoid(ctx context.Context, entryID int64, voidedAt time.Time, reason string) error {
	_, err := t.tx.Exec(ctx, `UPDATE journal_entries SET status=$2, voided_at=$3, void_reason=$4, updated_at=NOW() WHERE id=$1`,
		entryID, EntryStatusVoid, voidedAt, reason)
	return err
}

func (t *txRepository) DeleteEntry(ctx context.Context, entryID int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM journal_lines WHERE entry_id=$1`, entryID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM journal_entries WHERE id=$1`, entryID)
	return err
}

func (t *txRepository) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	return audit.Insert(ctx, t.tx, log)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.EventID, &e.Date, &e.Description, &e.Reference, &e.Status,
		&e.PostedAt, &e.PostedBy, &e.VoidedAt, &e.VoidReason, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return JournalEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return JournalEntry{}, err
	}
	return e, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLines(ctx context.Context, q querier, entryID int64) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT id, entry_id, account_id, debit, credit, reconciliation_id, created_at, updated_at
FROM journal_lines WHERE entry_id=$1 ORDER BY id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var l JournalLine
		if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountID, &l.Debit, &l.Credit, &l.ReconciliationID, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
