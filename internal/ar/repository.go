package ar

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerkeep/ledgerkeep/internal/allocation"
	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/db"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

const invoiceColumns = `id, number, contact_id, issue_date, due_date, status, subtotal, tax_amount, total, paid_amount, COALESCE(tax_code, ''), entry_id, COALESCE(void_reason, ''), created_at, updated_at`

const paymentColumns = `id, number, contact_id, amount, COALESCE(method, ''), paid_at, status, allocated_amount, entry_id, created_at, updated_at`

const creditNoteColumns = `id, number, contact_id, issue_date, status, total, applied_amount, entry_id, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for receivables.
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

func scanInvoice(row rowScanner) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.ContactID, &inv.IssueDate, &inv.DueDate, &inv.Status,
		&inv.Subtotal, &inv.TaxAmount, &inv.Total, &inv.PaidAmount, &inv.TaxCode, &inv.EntryID,
		&inv.VoidReason, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, err
}

func scanPayment(row rowScanner) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.Number, &p.ContactID, &p.Amount, &p.Method, &p.PaidAt, &p.Status,
		&p.AllocatedAmount, &p.EntryID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	return p, err
}

func scanCreditNote(row rowScanner) (CreditNote, error) {
	var cn CreditNote
	err := row.Scan(&cn.ID, &cn.Number, &cn.ContactID, &cn.IssueDate, &cn.Status, &cn.Total,
		&cn.AppliedAmount, &cn.EntryID, &cn.CreatedAt, &cn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CreditNote{}, ErrCreditNoteNotFound
	}
	return cn, err
}

// GetInvoice returns one invoice by id.
func (r *Repository) GetInvoice(ctx context.Context, invoiceID int64) (Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM ar_invoices WHERE id=$1`, invoiceID))
}

// GetPayment returns one payment by id.
func (r *Repository) GetPayment(ctx context.Context, paymentID int64) (Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM ar_payments WHERE id=$1`, paymentID))
}

// GetCreditNote returns one credit note by id.
func (r *Repository) GetCreditNote(ctx context.Context, creditNoteID int64) (CreditNote, error) {
	return scanCreditNote(r.pool.QueryRow(ctx, `SELECT `+creditNoteColumns+` FROM ar_credit_notes WHERE id=$1`, creditNoteID))
}

// ListInvoices returns invoices newest issue date first, optionally
// restricted to one contact.
func (r *Repository) ListInvoices(ctx context.Context, contactID *int64) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM ar_invoices`
	args := []any{}
	if contactID != nil {
		query += ` WHERE contact_id=$1`
		args = append(args, *contactID)
	}
	query += ` ORDER BY issue_date DESC, id DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// ListPayments returns payments newest first.
func (r *Repository) ListPayments(ctx context.Context) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM ar_payments ORDER BY paid_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *Repository) listAllocations(ctx context.Context, where string, id int64) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, payment_id, invoice_id, amount, method, created_at
FROM ar_allocations WHERE `+where+`=$1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var allocs []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.Amount, &a.Method, &a.CreatedAt); err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// ListAllocationsForPayment returns the allocations made from a payment.
func (r *Repository) ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error) {
	return r.listAllocations(ctx, "payment_id", paymentID)
}

// ListAllocationsForInvoice returns the allocations applied to an invoice.
func (r *Repository) ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	return r.listAllocations(ctx, "invoice_id", invoiceID)
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

func (t *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ar_invoices (number, contact_id, issue_date, due_date, status, subtotal, tax_amount, total, paid_amount, tax_code)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,NULLIF($9,'')) RETURNING id, created_at, updated_at`,
		inv.Number, inv.ContactID, inv.IssueDate, inv.DueDate, inv.Status, inv.Subtotal, inv.TaxAmount, inv.Total, inv.TaxCode).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func (t *txRepository) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ar_payments (number, contact_id, amount, method, paid_at, status, allocated_amount, entry_id)
VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,0,$7) RETURNING id, created_at, updated_at`,
		p.Number, p.ContactID, p.Amount, p.Method, p.PaidAt, p.Status, p.EntryID).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (t *txRepository) InsertCreditNote(ctx context.Context, cn CreditNote) (CreditNote, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ar_credit_notes (number, contact_id, issue_date, status, total, applied_amount, entry_id)
VALUES ($1,$2,$3,$4,$5,0,$6) RETURNING id, created_at, updated_at`,
		cn.Number, cn.ContactID, cn.IssueDate, cn.Status, cn.Total, cn.EntryID).
		Scan(&cn.ID, &cn.CreatedAt, &cn.UpdatedAt)
	return cn, err
}

func (t *txRepository) GetInvoiceForUpdate(ctx context.Context, invoiceID int64) (Invoice, error) {
	return scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM ar_invoices WHERE id=$1 FOR UPDATE`, invoiceID))
}

func (t *txRepository) GetPaymentForUpdate(ctx context.Context, paymentID int64) (Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM ar_payments WHERE id=$1 FOR UPDATE`, paymentID))
}

func (t *txRepository) GetCreditNoteForUpdate(ctx context.Context, creditNoteID int64) (CreditNote, error) {
	return scanCreditNote(t.tx.QueryRow(ctx, `SELECT `+creditNoteColumns+` FROM ar_credit_notes WHERE id=$1 FOR UPDATE`, creditNoteID))
}

func (t *txRepository) GetAllocation(ctx context.Context, allocationID int64) (Allocation, error) {
	var a Allocation
	err := t.tx.QueryRow(ctx, `SELECT id, payment_id, invoice_id, amount, method, created_at
FROM ar_allocations WHERE id=$1`, allocationID).
		Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.Amount, &a.Method, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, ErrAllocationNotFound
	}
	return a, err
}

func (t *txRepository) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ar_allocations (payment_id, invoice_id, amount, method)
VALUES ($1,$2,$3,$4) RETURNING id, created_at`, a.PaymentID, a.InvoiceID, a.Amount, a.Method).
		Scan(&a.ID, &a.CreatedAt)
	return a, err
}

func (t *txRepository) DeleteAllocation(ctx context.Context, allocationID int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM ar_allocations WHERE id=$1`, allocationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAllocationNotFound
	}
	return nil
}

func (t *txRepository) InsertCreditApplication(ctx context.Context, a CreditApplication) (CreditApplication, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ar_credit_applications (credit_note_id, invoice_id, amount)
VALUES ($1,$2,$3) RETURNING id, created_at`, a.CreditNoteID, a.InvoiceID, a.Amount).
		Scan(&a.ID, &a.CreatedAt)
	return a, err
}

func (t *txRepository) CountAllocationsForInvoice(ctx context.Context, invoiceID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT (SELECT COUNT(*) FROM ar_allocations WHERE invoice_id=$1)
+ (SELECT COUNT(*) FROM ar_credit_applications WHERE invoice_id=$1)`, invoiceID).Scan(&count)
	return count, err
}

func (t *txRepository) CountAllocationsForPayment(ctx context.Context, paymentID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM ar_allocations WHERE payment_id=$1`, paymentID).Scan(&count)
	return count, err
}

func (t *txRepository) UpdateInvoiceDerived(ctx context.Context, invoiceID int64, paidAmount float64, status allocation.Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE ar_invoices SET paid_amount=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		invoiceID, paidAmount, status)
	return err
}

func (t *txRepository) UpdatePaymentDerived(ctx context.Context, paymentID int64, allocatedAmount float64, status allocation.Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE ar_payments SET allocated_amount=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		paymentID, allocatedAmount, status)
	return err
}

func (t *txRepository) UpdateCreditNoteDerived(ctx context.Context, creditNoteID int64, appliedAmount float64, status allocation.Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE ar_credit_notes SET applied_amount=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		creditNoteID, appliedAmount, status)
	return err
}

func (t *txRepository) UpdateInvoiceAmounts(ctx context.Context, invoiceID int64, subtotal, taxAmount, total float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE ar_invoices SET subtotal=$2, tax_amount=$3, total=$4, updated_at=NOW() WHERE id=$1`,
		invoiceID, subtotal, taxAmount, total)
	return err
}

func (t *txRepository) UpdatePaymentAmount(ctx context.Context, paymentID int64, amount float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE ar_payments SET amount=$2, updated_at=NOW() WHERE id=$1`, paymentID, amount)
	return err
}

func (t *txRepository) SetInvoiceEntry(ctx context.Context, invoiceID, entryID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE ar_invoices SET entry_id=$2, updated_at=NOW() WHERE id=$1`, invoiceID, entryID)
	return err
}

func (t *txRepository) SetInvoiceStatus(ctx context.Context, invoiceID int64, status allocation.Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE ar_invoices SET status=$2, updated_at=NOW() WHERE id=$1`, invoiceID, status)
	return err
}

func (t *txRepository) MarkInvoiceVoid(ctx context.Context, invoiceID int64, reason string) error {
	_, err := t.tx.Exec(ctx, `UPDATE ar_invoices SET status=$2, void_reason=NULLIF($3,''), updated_at=NOW() WHERE id=$1`,
		invoiceID, allocation.StatusVoid, reason)
	return err
}

func (t *txRepository) MarkPaymentVoid(ctx context.Context, paymentID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE ar_payments SET status=$2, updated_at=NOW() WHERE id=$1`,
		paymentID, allocation.StatusVoid)
	return err
}

func (t *txRepository) ListOpenInvoicesForContact(ctx context.Context, contactID int64) ([]Invoice, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM ar_invoices
WHERE contact_id=$1 AND status IN ($2,$3,$4) AND total - paid_amount > $5
ORDER BY issue_date, id FOR UPDATE`,
		contactID, allocation.StatusPending, allocation.StatusPartial, allocation.StatusOverdue, shared.Epsilon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (t *txRepository) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM ar_invoices
WHERE due_date < $1 AND status IN ($2,$3) AND total - paid_amount > $4
ORDER BY id FOR UPDATE`,
		asOf, allocation.StatusPending, allocation.StatusPartial, shared.Epsilon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (t *txRepository) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	return audit.Insert(ctx, t.tx, log)
}
