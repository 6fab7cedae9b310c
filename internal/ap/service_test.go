package ap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkeep/ledgerkeep/internal/allocation"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
	"github.com/ledgerkeep/ledgerkeep/internal/sysaccount"
)

type memoryRepo struct {
	bills       map[int64]*Bill
	payments    map[int64]*VendorPayment
	allocations map[int64]*Allocation
	audits      []shared.AuditLog
	nextID      int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		bills:       make(map[int64]*Bill),
		payments:    make(map[int64]*VendorPayment),
		allocations: make(map[int64]*Allocation),
	}
}

type memoryTx struct {
	repo *memoryRepo
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetBill(ctx context.Context, billID int64) (Bill, error) {
	b, ok := r.bills[billID]
	if !ok {
		return Bill{}, ErrBillNotFound
	}
	return *b, nil
}

func (r *memoryRepo) GetPayment(ctx context.Context, paymentID int64) (VendorPayment, error) {
	p, ok := r.payments[paymentID]
	if !ok {
		return VendorPayment{}, ErrPaymentNotFound
	}
	return *p, nil
}

func (r *memoryRepo) ListBills(ctx context.Context, contactID *int64) ([]Bill, error) {
	var out []Bill
	for _, b := range r.bills {
		if contactID == nil || b.ContactID == *contactID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListPayments(ctx context.Context) ([]VendorPayment, error) {
	var out []VendorPayment
	for _, p := range r.payments {
		out = append(out, *p)
	}
	return out, nil
}

func (r *memoryRepo) ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error) {
	var out []Allocation
	for _, a := range r.allocations {
		if a.PaymentID == paymentID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListAllocationsForBill(ctx context.Context, billID int64) ([]Allocation, error) {
	var out []Allocation
	for _, a := range r.allocations {
		if a.BillID == billID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertBill(ctx context.Context, b Bill) (Bill, error) {
	b.ID = tx.repo.id()
	stored := b
	tx.repo.bills[b.ID] = &stored
	return b, nil
}

func (tx *memoryTx) InsertPayment(ctx context.Context, p VendorPayment) (VendorPayment, error) {
	p.ID = tx.repo.id()
	stored := p
	tx.repo.payments[p.ID] = &stored
	return p, nil
}

func (tx *memoryTx) GetBillForUpdate(ctx context.Context, billID int64) (Bill, error) {
	return tx.repo.GetBill(ctx, billID)
}

func (tx *memoryTx) GetPaymentForUpdate(ctx context.Context, paymentID int64) (VendorPayment, error) {
	return tx.repo.GetPayment(ctx, paymentID)
}

func (tx *memoryTx) GetAllocation(ctx context.Context, allocationID int64) (Allocation, error) {
	a, ok := tx.repo.allocations[allocationID]
	if !ok {
		return Allocation{}, ErrAllocationNotFound
	}
	return *a, nil
}

func (tx *memoryTx) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	a.ID = tx.repo.id()
	stored := a
	tx.repo.allocations[a.ID] = &stored
	return a, nil
}

func (tx *memoryTx) DeleteAllocation(ctx context.Context, allocationID int64) error {
	delete(tx.repo.allocations, allocationID)
	return nil
}

func (tx *memoryTx) CountAllocationsForBill(ctx context.Context, billID int64) (int, error) {
	count := 0
	for _, a := range tx.repo.allocations {
		if a.BillID == billID {
			count++
		}
	}
	return count, nil
}

func (tx *memoryTx) CountAllocationsForPayment(ctx context.Context, paymentID int64) (int, error) {
	count := 0
	for _, a := range tx.repo.allocations {
		if a.PaymentID == paymentID {
			count++
		}
	}
	return count, nil
}

func (tx *memoryTx) UpdateBillDerived(ctx context.Context, billID int64, paidAmount float64, status allocation.Status) error {
	b, ok := tx.repo.bills[billID]
	if !ok {
		return ErrBillNotFound
	}
	b.PaidAmount = paidAmount
	b.Status = status
	return nil
}

func (tx *memoryTx) UpdatePaymentDerived(ctx context.Context, paymentID int64, allocatedAmount float64, status allocation.Status) error {
	p, ok := tx.repo.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.AllocatedAmount = allocatedAmount
	p.Status = status
	return nil
}

func (tx *memoryTx) SetBillEntry(ctx context.Context, billID, entryID int64) error {
	b, ok := tx.repo.bills[billID]
	if !ok {
		return ErrBillNotFound
	}
	b.EntryID = &entryID
	return nil
}

func (tx *memoryTx) SetBillStatus(ctx context.Context, billID int64, status allocation.Status) error {
	b, ok := tx.repo.bills[billID]
	if !ok {
		return ErrBillNotFound
	}
	b.Status = status
	return nil
}

func (tx *memoryTx) MarkBillVoid(ctx context.Context, billID int64, reason string) error {
	b, ok := tx.repo.bills[billID]
	if !ok {
		return ErrBillNotFound
	}
	b.Status = allocation.StatusVoid
	b.VoidReason = reason
	return nil
}

func (tx *memoryTx) MarkPaymentVoid(ctx context.Context, paymentID int64) error {
	p, ok := tx.repo.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = allocation.StatusVoid
	return nil
}

func (tx *memoryTx) ListOpenBillsForContact(ctx context.Context, contactID int64) ([]Bill, error) {
	var out []Bill
	for _, b := range tx.repo.bills {
		if b.ContactID != contactID {
			continue
		}
		switch b.Status {
		case allocation.StatusPending, allocation.StatusPartial, allocation.StatusOverdue:
			if b.Outstanding() > shared.Epsilon {
				out = append(out, *b)
			}
		}
	}
	return out, nil
}

func (tx *memoryTx) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]Bill, error) {
	var out []Bill
	for _, b := range tx.repo.bills {
		switch b.Status {
		case allocation.StatusPending, allocation.StatusPartial:
			if b.DueDate.Before(asOf) {
				out = append(out, *b)
			}
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	tx.repo.audits = append(tx.repo.audits, log)
	return nil
}

type fakeEngine struct {
	nextEntry int64
	nextEvent int64
	posted    []ledger.DraftInput
	voided    []int64
	voidErr   error
}

func (e *fakeEngine) CreateEvent(ctx context.Context, in ledger.EventInput) (ledger.TransactionEvent, error) {
	e.nextEvent++
	return ledger.TransactionEvent{ID: e.nextEvent, EventType: in.EventType}, nil
}

func (e *fakeEngine) CreateAndPost(ctx context.Context, in ledger.DraftInput, postedBy string) (ledger.JournalEntry, error) {
	if err := in.Validate(); err != nil {
		return ledger.JournalEntry{}, err
	}
	var debit, credit float64
	for _, line := range in.Lines {
		debit += line.Debit
		credit += line.Credit
	}
	if !shared.AmountsEqual(debit, credit) {
		return ledger.JournalEntry{}, &ledger.UnbalancedEntryError{Debit: debit, Credit: credit}
	}
	e.nextEntry++
	e.posted = append(e.posted, in)
	return ledger.JournalEntry{ID: e.nextEntry, Status: ledger.EntryStatusPosted}, nil
}

func (e *fakeEngine) Void(ctx context.Context, entryID int64, reason, actor string) (ledger.JournalEntry, error) {
	if e.voidErr != nil {
		return ledger.JournalEntry{}, e.voidErr
	}
	e.voided = append(e.voided, entryID)
	return ledger.JournalEntry{ID: entryID, Status: ledger.EntryStatusVoid}, nil
}

type fixedResolver map[sysaccount.Role]int64

func (r fixedResolver) Resolve(ctx context.Context, role sysaccount.Role) (int64, error) {
	id, ok := r[role]
	if !ok {
		return 0, sysaccount.ErrNotConfigured
	}
	return id, nil
}

func newTestService() (*Service, *memoryRepo, *fakeEngine) {
	repo := newMemoryRepo()
	engine := &fakeEngine{}
	svc := NewService(repo, engine, fixedResolver{
		sysaccount.RoleAccountsPayable: 11,
		sysaccount.RolePurchaseExpense: 21,
		sysaccount.RoleTaxPayable:      31,
		sysaccount.RoleBankCash:        41,
	})
	return svc, repo, engine
}

func date(month time.Month, d int) time.Time {
	return time.Date(2026, month, d, 0, 0, 0, 0, time.UTC)
}

func postedBill(t *testing.T, svc *Service, contactID int64, number string, subtotal, tax float64, issue time.Time) Bill {
	t.Helper()
	b, err := svc.CreateBill(context.Background(), BillInput{
		Number:    number,
		ContactID: contactID,
		IssueDate: issue,
		DueDate:   issue.AddDate(0, 1, 0),
		Subtotal:  subtotal,
		TaxAmount: tax,
		Actor:     "operator",
	})
	require.NoError(t, err)
	b, err = svc.PostBill(context.Background(), b.ID, "operator")
	require.NoError(t, err)
	return b
}

func TestPostBillBuildsBalancedEntry(t *testing.T) {
	svc, _, engine := newTestService()

	b := postedBill(t, svc, 1, "BILL-001", 800, 80, date(time.May, 1))
	require.Equal(t, allocation.StatusPending, b.Status)
	require.NotNil(t, b.EntryID)

	require.Len(t, engine.posted, 1)
	lines := engine.posted[0].Lines
	require.Len(t, lines, 3)
	// Expense and input tax are debited, payable credited for the total.
	require.InDelta(t, 800.0, lines[0].Debit, 0.001)
	require.InDelta(t, 880.0, lines[1].Credit, 0.001)
	require.InDelta(t, 80.0, lines[2].Debit, 0.001)
}

func TestPayVendorPostsBankCredit(t *testing.T) {
	svc, _, engine := newTestService()

	p, err := svc.PayVendor(context.Background(), PaymentInput{
		Number: "VP-001", ContactID: 1, Amount: 400, Method: "transfer", PaidAt: date(time.May, 2), Actor: "operator",
	})
	require.NoError(t, err)
	require.Equal(t, allocation.StatusPending, p.Status)
	require.NotNil(t, p.EntryID)

	require.Len(t, engine.posted, 1)
	lines := engine.posted[0].Lines
	require.Len(t, lines, 2)
	require.InDelta(t, 400.0, lines[0].Debit, 0.001)
	require.InDelta(t, 400.0, lines[1].Credit, 0.001)
}

func TestAllocateEnforcesBothCeilings(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	b := postedBill(t, svc, 1, "BILL-010", 300, 0, date(time.May, 1))
	p, err := svc.PayVendor(ctx, PaymentInput{Number: "VP-010", ContactID: 1, Amount: 200, PaidAt: date(time.May, 2), Actor: "operator"})
	require.NoError(t, err)

	_, err = svc.Allocate(ctx, p.ID, b.ID, 250, "operator")
	var overPay *PaymentOverallocatedError
	require.ErrorAs(t, err, &overPay)
	require.InDelta(t, 50.0, overPay.Excess, 0.001)

	big, err := svc.PayVendor(ctx, PaymentInput{Number: "VP-011", ContactID: 1, Amount: 900, PaidAt: date(time.May, 2), Actor: "operator"})
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, big.ID, b.ID, 400, "operator")
	var overBill *BillOverallocatedError
	require.ErrorAs(t, err, &overBill)
	require.InDelta(t, 100.0, overBill.Excess, 0.001)

	alloc, err := svc.Allocate(ctx, big.ID, b.ID, 300, "operator")
	require.NoError(t, err)
	require.Equal(t, allocation.MethodManual, alloc.Method)

	b, err = svc.GetBill(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, allocation.StatusPaid, b.Status)
}

func TestAutoAllocateFIFOAcrossBills(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first := postedBill(t, svc, 3, "BILL-020", 150, 0, date(time.January, 5))
	second := postedBill(t, svc, 3, "BILL-021", 250, 0, date(time.February, 5))

	p, err := svc.PayVendor(ctx, PaymentInput{Number: "VP-020", ContactID: 3, Amount: 300, PaidAt: date(time.May, 2), Actor: "operator"})
	require.NoError(t, err)

	made, remainder, err := svc.AutoAllocateFIFO(ctx, p.ID, "operator")
	require.NoError(t, err)
	require.Zero(t, remainder)
	require.Len(t, made, 2)
	require.Equal(t, first.ID, made[0].BillID)
	require.InDelta(t, 150.0, made[0].Amount, 0.001)
	require.Equal(t, second.ID, made[1].BillID)
	require.InDelta(t, 150.0, made[1].Amount, 0.001)
}

func TestDeallocateRestoresBalances(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	b := postedBill(t, svc, 1, "BILL-030", 500, 0, date(time.May, 1))
	p, err := svc.PayVendor(ctx, PaymentInput{Number: "VP-030", ContactID: 1, Amount: 500, PaidAt: date(time.May, 2), Actor: "operator"})
	require.NoError(t, err)

	alloc, err := svc.Allocate(ctx, p.ID, b.ID, 500, "operator")
	require.NoError(t, err)

	require.NoError(t, svc.Deallocate(ctx, alloc.ID, "operator"))

	b, err = svc.GetBill(ctx, b.ID)
	require.NoError(t, err)
	require.Zero(t, b.PaidAmount)
	require.Equal(t, allocation.StatusPending, b.Status)
}

func TestVoidRequiresNoAllocations(t *testing.T) {
	svc, _, engine := newTestService()
	ctx := context.Background()

	b := postedBill(t, svc, 1, "BILL-040", 500, 0, date(time.May, 1))
	p, err := svc.PayVendor(ctx, PaymentInput{Number: "VP-040", ContactID: 1, Amount: 500, PaidAt: date(time.May, 2), Actor: "operator"})
	require.NoError(t, err)
	alloc, err := svc.Allocate(ctx, p.ID, b.ID, 100, "operator")
	require.NoError(t, err)

	require.ErrorIs(t, svc.VoidBill(ctx, b.ID, "duplicate", "operator"), ErrHasAllocations)
	require.ErrorIs(t, svc.VoidPayment(ctx, p.ID, "wrong vendor", "operator"), ErrHasAllocations)

	require.NoError(t, svc.Deallocate(ctx, alloc.ID, "operator"))
	require.NoError(t, svc.VoidBill(ctx, b.ID, "duplicate", "operator"))
	require.NoError(t, svc.VoidPayment(ctx, p.ID, "wrong vendor", "operator"))
	require.Len(t, engine.voided, 2)
}

func TestVoidBillKeepsDocumentWhenEntryVoidFails(t *testing.T) {
	svc, repo, engine := newTestService()
	ctx := context.Background()

	b := postedBill(t, svc, 1, "BILL-041", 500, 0, date(time.May, 1))

	engine.voidErr = errors.New("entry locked")
	err := svc.VoidBill(ctx, b.ID, "duplicate", "operator")
	require.Error(t, err)
	require.Equal(t, allocation.StatusPending, repo.bills[b.ID].Status)
	require.Empty(t, engine.voided)

	engine.voidErr = nil
	require.NoError(t, svc.VoidBill(ctx, b.ID, "duplicate", "operator"))
	require.Equal(t, allocation.StatusVoid, repo.bills[b.ID].Status)
	require.Contains(t, engine.voided, *b.EntryID)
}

func TestRefreshOverdueBills(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	stale := postedBill(t, svc, 1, "BILL-050", 100, 0, date(time.January, 1))
	fresh := postedBill(t, svc, 1, "BILL-051", 100, 0, date(time.May, 1))

	flipped, err := svc.RefreshOverdue(ctx, date(time.March, 1), "scheduler")
	require.NoError(t, err)
	require.Equal(t, 1, flipped)
	require.Equal(t, allocation.StatusOverdue, repo.bills[stale.ID].Status)
	require.Equal(t, allocation.StatusPending, repo.bills[fresh.ID].Status)
}
