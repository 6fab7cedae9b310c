package ap

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

const billColumns = `id, number, contact_id, issue_date, due_date, status, subtotal, tax_amount, total, paid_amount, entry_id, COALESCE(void_reason, ''), created_at, updated_at`

const paymentColumns = `id, number, contact_id, amount, COALESCE(method, ''), paid_at, status, allocated_amount, entry_id, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for payables.
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

func scanBill(row rowScanner) (Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.Number, &b.ContactID, &b.IssueDate, &b.DueDate, &b.Status,
		&b.Subtotal, &b.TaxAmount, &b.Total, &b.PaidAmount, &b.EntryID,
		&b.VoidReason, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bill{}, ErrBillNotFound
	}
	return b, err
}

func scanPayment(row rowScanner) (VendorPayment, error) {
	var p VendorPayment
	err := row.Scan(&p.ID, &p.Number, &p.ContactID, &p.Amount, &p.Method, &p.PaidAt, &p.Status,
		&p.AllocatedAmount, &p.EntryID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return VendorPayment{}, ErrPaymentNotFound
	}
	return p, err
}

// GetBill returns one bill by id.
func (r *Repository) GetBill(ctx context.Context, billID int64) (Bill, error) {
	return scanBill(r.pool.QueryRow(ctx, `SELECT `+billColumns+` FROM ap_bills WHERE id=$1`, billID))
}

// GetPayment returns one vendor payment by id.
func (r *Repository) GetPayment(ctx context.Context, paymentID int64) (VendorPayment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM ap_payments WHERE id=$1`, paymentID))
}

// ListBills returns bills newest issue date first, optionally restricted to
// one contact.
func (r *Repository) ListBills(ctx context.Context, contactID *int64) ([]Bill, error) {
	query := `SELECT ` + billColumns + ` FROM ap_bills`
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
	var bills []Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

// ListPayments returns vendor payments newest first.
func (r *Repository) ListPayments(ctx context.Context) ([]VendorPayment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM ap_payments ORDER BY paid_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []VendorPayment
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
	rows, err := r.pool.Query(ctx, `SELECT id, payment_id, bill_id, amount, method, created_at
FROM ap_allocations WHERE `+where+`=$1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var allocs []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.BillID, &a.Amount, &a.Method, &a.CreatedAt); err != nil {
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

// ListAllocationsForBill returns the allocations applied to a bill.
func (r *Repository) ListAllocationsForBill(ctx context.Context, billID int64) ([]Allocation, error) {
	return r.listAllocations(ctx, "bill_id", billID)
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

func (t *txRepository) InsertBill(ctx context.Context, b Bill) (Bill, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ap_bills (number, contact_id, issue_date, due_date, status, subtotal, tax_amount, total, paid_amount)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0) RETURNING id, created_at, updated_at`,
		b.Number, b.ContactID, b.IssueDate, b.DueDate, b.Status, b.Subtotal, b.TaxAmount, b.Total).
		Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (t *txRepository) InsertPayment(ctx context.Context, p VendorPayment) (VendorPayment, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ap_payments (number, contact_id, amount, method, paid_at, status, allocated_amount, entry_id)
VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,0,$7) RETURNING id, created_at, updated_at`,
		p.Number, p.ContactID, p.Amount, p.Method, p.PaidAt, p.Status, p.EntryID).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (t *txRepository) GetBillForUpdate(ctx context.Context, billID int64) (Bill, error) {
	return scanBill(t.tx.QueryRow(ctx, `SELECT `+billColumns+` FROM ap_bills WHERE id=$1 FOR UPDATE`, billID))
}

func (t *txRepository) GetPaymentForUpdate(ctx context.Context, paymentID int64) (VendorPayment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM ap_payments WHERE id=$1 FOR UPDATE`, paymentID))
}

func (t *txRepository) GetAllocation(ctx context.Context, allocationID int64) (Allocation, error) {
	var a Allocation
	err := t.tx.QueryRow(ctx, `SELECT id, payment_id, bill_id, amount, method, created_at
FROM ap_allocations WHERE id=$1`, allocationID).
		Scan(&a.ID, &a.PaymentID, &a.BillID, &a.Amount, &a.Method, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, ErrAllocationNotFound
	}
	return a, err
}

func (t *txRepository) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ap_allocations (payment_id, bill_id, amount, method)
VALUES ($1,$2,$3,$4) RETURNING id, created_at`, a.PaymentID, a.BillID, a.Amount, a.Method).
		Scan(&a.ID, &a.CreatedAt)
	return a, err
}

func (t *txRepository) DeleteAllocation(ctx context.Context, allocationID int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM ap_allocations WHERE id=$1`, allocationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAllocationNotFound
	}
	return nil
}

func (t *txRepository) CountAllocationsForBill(ctx context.Context, billID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM ap_allocations WHERE bill_id=$1`, billID).Scan(&count)
	return count, err
}

func (t *txRepository) CountAllocationsForPayment(ctx context.Context, paymentID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM ap_allocations WHERE payment_id=$1`, paymentID).Scan(&count)
	return count, err
}

func (t *txRepository) UpdateBillDerived(ctx context.Context, billID int64, paidAmount float64, status allocation.Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE ap_bills SET paid_amount=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		billID, paidAmount, status)
	return err
}

func (t *txRepository) UpdatePaymentDerived(ctx context.Context, paymentID int64, allocatedAmount float64, status allocation.Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE ap_payments SET allocated_amount=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		paymentID, allocatedAmount, status)
	return err
}

func (t *txRepository) SetBillEntry(ctx context.Context, billID, entryID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE ap_bills SET entry_id=$2, updated_at=NOW() WHERE id=$1`, billID, entryID)
	return err
}

func (t *txRepository) SetBillStatus(ctx context.Context, billID int64, status allocation.Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE ap_bills SET status=$2, updated_at=NOW() WHERE id=$1`, billID, status)
	return err
}

func (t *txRepository) MarkBillVoid(ctx context.Context, billID int64, reason string) error {
	_, err := t.tx.Exec(ctx, `UPDATE ap_bills SET status=$2, void_reason=NULLIF($3,''), updated_at=NOW() WHERE id=$1`,
		billID, allocation.StatusVoid, reason)
	return err
}

func (t *txRepository) MarkPaymentVoid(ctx context.Context, paymentID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE ap_payments SET status=$2, updated_at=NOW() WHERE id=$1`,
		paymentID, allocation.StatusVoid)
	return err
}

func (t *txRepository) ListOpenBillsForContact(ctx context.Context, contactID int64) ([]Bill, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+billColumns+` FROM ap_bills
WHERE contact_id=$1 AND status IN ($2,$3,$4) AND total - paid_amount > $5
ORDER BY issue_date, id FOR UPDATE`,
		contactID, allocation.StatusPending, allocation.StatusPartial, allocation.StatusOverdue, shared.Epsilon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bills []Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func (t *txRepository) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]Bill, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+billColumns+` FROM ap_bills
WHERE due_date < $1 AND status IN ($2,$3) AND total - paid_amount > $4
ORDER BY id FOR UPDATE`,
		asOf, allocation.StatusPending, allocation.StatusPartial, shared.Epsilon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bills []Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func (t *txRepository) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	return audit.Insert(ctx, t.tx, log)
}
