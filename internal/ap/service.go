package ap

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/allocation"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
	"github.com/ledgerkeep/ledgerkeep/internal/sysaccount"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBill(ctx context.Context, billID int64) (Bill, error)
	GetPayment(ctx context.Context, paymentID int64) (VendorPayment, error)
	ListBills(ctx context.Context, contactID *int64) ([]Bill, error)
	ListPayments(ctx context.Context) ([]VendorPayment, error)
	ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error)
	ListAllocationsForBill(ctx context.Context, billID int64) ([]Allocation, error)
}

// TxRepository exposes operations available within a transaction.
type TxRepository interface {
	InsertBill(ctx context.Context, b Bill) (Bill, error)
	InsertPayment(ctx context.Context, p VendorPayment) (VendorPayment, error)
	GetBillForUpdate(ctx context.Context, billID int64) (Bill, error)
	GetPaymentForUpdate(ctx context.Context, paymentID int64) (VendorPayment, error)
	GetAllocation(ctx context.Context, allocationID int64) (Allocation, error)
	InsertAllocation(ctx context.Context, a Allocation) (Allocation, error)
	DeleteAllocation(ctx context.Context, allocationID int64) error
	CountAllocationsForBill(ctx context.Context, billID int64) (int, error)
	CountAllocationsForPayment(ctx context.Context, paymentID int64) (int, error)
	UpdateBillDerived(ctx context.Context, billID int64, paidAmount float64, status allocation.Status) error
	UpdatePaymentDerived(ctx context.Context, paymentID int64, allocatedAmount float64, status allocation.Status) error
	SetBillEntry(ctx context.Context, billID, entryID int64) error
	SetBillStatus(ctx context.Context, billID int64, status allocation.Status) error
	MarkBillVoid(ctx context.Context, billID int64, reason string) error
	MarkPaymentVoid(ctx context.Context, paymentID int64) error
	ListOpenBillsForContact(ctx context.Context, contactID int64) ([]Bill, error)
	ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]Bill, error)
	InsertAuditLog(ctx context.Context, log shared.AuditLog) error
}

// PostingEngine is the slice of the journal service the payables side needs.
type PostingEngine interface {
	CreateEvent(ctx context.Context, in ledger.EventInput) (ledger.TransactionEvent, error)
	CreateAndPost(ctx context.Context, in ledger.DraftInput, postedBy string) (ledger.JournalEntry, error)
	Void(ctx context.Context, entryID int64, reason, actor string) (ledger.JournalEntry, error)
}

// Service coordinates vendor bills and payments with the ledger.
type Service struct {
	repo     RepositoryPort
	engine   PostingEngine
	accounts sysaccount.Resolver
	now      func() time.Time
}

// NewService constructs the payables service.
func NewService(repo RepositoryPort, engine PostingEngine, accounts sysaccount.Resolver) *Service {
	return &Service{repo: repo, engine: engine, accounts: accounts, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// BillInput describes a new vendor bill.
type BillInput struct {
	Number    string
	ContactID int64
	IssueDate time.Time
	DueDate   time.Time
	Subtotal  float64
	TaxAmount float64
	Actor     string
}

// PaymentInput describes money paid out to a vendor.
type PaymentInput struct {
	Number    string
	ContactID int64
	Amount    float64
	Method    string
	PaidAt    time.Time
	Actor     string
}

// CreateBill records a draft vendor bill.
func (s *Service) CreateBill(ctx context.Context, in BillInput) (Bill, error) {
	if in.Subtotal <= 0 || in.TaxAmount < 0 {
		return Bill{}, ErrAmountNotPositive
	}
	b := Bill{
		Number:    in.Number,
		ContactID: in.ContactID,
		IssueDate: in.IssueDate,
		DueDate:   in.DueDate,
		Status:    allocation.StatusDraft,
		Subtotal:  shared.Round2(in.Subtotal),
		TaxAmount: shared.Round2(in.TaxAmount),
		Total:     shared.Round2(in.Subtotal + in.TaxAmount),
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		b, err = tx.InsertBill(ctx, b)
		if err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    in.Actor,
			Action:   shared.AuditActionCreate,
			Entity:   "bill",
			EntityID: fmt.Sprintf("%d", b.ID),
			Meta:     map[string]any{"number": b.Number, "total": b.Total},
			At:       s.now(),
		})
	})
	if err != nil {
		return Bill{}, err
	}
	return b, nil
}

// PostBill posts a draft bill to the ledger: expense is debited for the
// subtotal, tax payable debited for the tax, payable credited for the total.
func (s *Service) PostBill(ctx context.Context, billID int64, actor string) (Bill, error) {
	apAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleAccountsPayable)
	if err != nil {
		return Bill{}, err
	}
	expenseAccount, err := s.accounts.Resolve(ctx, sysaccount.RolePurchaseExpense)
	if err != nil {
		return Bill{}, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetBillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if b.Status != allocation.StatusDraft {
			return ErrInvalidStatus
		}

		lines := []ledger.LineInput{
			{AccountID: expenseAccount, Debit: b.Subtotal},
			{AccountID: apAccount, Credit: b.Total},
		}
		if b.TaxAmount > shared.Epsilon {
			taxAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleTaxPayable)
			if err != nil {
				return err
			}
			lines = append(lines, ledger.LineInput{AccountID: taxAccount, Debit: b.TaxAmount})
		}

		event, err := s.engine.CreateEvent(ctx, ledger.EventInput{
			EventType:   "bill_posted",
			Description: fmt.Sprintf("bill %s posted", b.Number),
			Reference:   b.Number,
			CreatedBy:   actor,
		})
		if err != nil {
			return err
		}
		entry, err := s.engine.CreateAndPost(ctx, ledger.DraftInput{
			Date:        b.IssueDate,
			Description: fmt.Sprintf("bill %s", b.Number),
			Reference:   b.Number,
			EventID:     &event.ID,
			Lines:       lines,
			Actor:       actor,
		}, actor)
		if err != nil {
			return err
		}

		if err := tx.SetBillEntry(ctx, b.ID, entry.ID); err != nil {
			return err
		}
		if err := tx.SetBillStatus(ctx, b.ID, allocation.StatusPending); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionPost,
			Entity:   "bill",
			EntityID: fmt.Sprintf("%d", b.ID),
			Meta:     map[string]any{"number": b.Number, "entry_id": entry.ID},
			At:       s.now(),
		})
	})
	if err != nil {
		return Bill{}, err
	}
	return s.repo.GetBill(ctx, billID)
}

// VoidBill voids a bill and its ledger entry in one transaction. Bills with
// allocations must be deallocated first.
func (s *Service) VoidBill(ctx context.Context, billID int64, reason, actor string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetBillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if b.Status == allocation.StatusVoid {
			return ErrDocumentVoid
		}
		count, err := tx.CountAllocationsForBill(ctx, billID)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrHasAllocations
		}
		if b.EntryID != nil {
			if _, err := s.engine.Void(ctx, *b.EntryID, reason, actor); err != nil {
				return err
			}
		}
		if err := tx.MarkBillVoid(ctx, billID, reason); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionVoid,
			Entity:   "bill",
			EntityID: fmt.Sprintf("%d", billID),
			Meta:     map[string]any{"reason": reason},
			At:       s.now(),
		})
	})
}

// PayVendor records an outgoing payment and posts it to the ledger: payable
// is debited and bank credited for the full amount.
func (s *Service) PayVendor(ctx context.Context, in PaymentInput) (VendorPayment, error) {
	if in.Amount <= 0 {
		return VendorPayment{}, ErrAmountNotPositive
	}
	apAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleAccountsPayable)
	if err != nil {
		return VendorPayment{}, err
	}
	bankAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleBankCash)
	if err != nil {
		return VendorPayment{}, err
	}

	amount := shared.Round2(in.Amount)
	var p VendorPayment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		event, err := s.engine.CreateEvent(ctx, ledger.EventInput{
			EventType:   "vendor_payment_made",
			Description: fmt.Sprintf("vendor payment %s made", in.Number),
			Reference:   in.Number,
			CreatedBy:   in.Actor,
		})
		if err != nil {
			return err
		}
		entry, err := s.engine.CreateAndPost(ctx, ledger.DraftInput{
			Date:        in.PaidAt,
			Description: fmt.Sprintf("vendor payment %s", in.Number),
			Reference:   in.Number,
			EventID:     &event.ID,
			Lines: []ledger.LineInput{
				{AccountID: apAccount, Debit: amount},
				{AccountID: bankAccount, Credit: amount},
			},
			Actor: in.Actor,
		}, in.Actor)
		if err != nil {
			return err
		}

		p, err = tx.InsertPayment(ctx, VendorPayment{
			Number:    in.Number,
			ContactID: in.ContactID,
			Amount:    amount,
			Method:    in.Method,
			PaidAt:    in.PaidAt,
			Status:    allocation.StatusPending,
			EntryID:   &entry.ID,
			CreatedAt: s.now(),
			UpdatedAt: s.now(),
		})
		if err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    in.Actor,
			Action:   shared.AuditActionCreate,
			Entity:   "vendor_payment",
			EntityID: fmt.Sprintf("%d", p.ID),
			Meta:     map[string]any{"number": p.Number, "amount": p.Amount, "entry_id": entry.ID},
			At:       s.now(),
		})
	})
	if err != nil {
		return VendorPayment{}, err
	}
	return p, nil
}

// VoidPayment voids a vendor payment and its ledger entry in one transaction.
// Payments with allocations must be deallocated first.
func (s *Service) VoidPayment(ctx context.Context, paymentID int64, reason, actor string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status == allocation.StatusVoid {
			return ErrDocumentVoid
		}
		count, err := tx.CountAllocationsForPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrHasAllocations
		}
		if p.EntryID != nil {
			if _, err := s.engine.Void(ctx, *p.EntryID, reason, actor); err != nil {
				return err
			}
		}
		if err := tx.MarkPaymentVoid(ctx, paymentID); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionVoid,
			Entity:   "vendor_payment",
			EntityID: fmt.Sprintf("%d", paymentID),
			Meta:     map[string]any{"reason": reason},
			At:       s.now(),
		})
	})
}

// Allocate applies part of a vendor payment to a bill under row locks.
func (s *Service) Allocate(ctx context.Context, paymentID, billID int64, amount float64, actor string) (Allocation, error) {
	var alloc Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		alloc, err = s.allocateInTx(ctx, tx, paymentID, billID, amount, allocation.MethodManual, actor)
		return err
	})
	if err != nil {
		return Allocation{}, err
	}
	return alloc, nil
}

// allocateInTx locks payment then bill, so concurrent allocators cannot
// deadlock each other.
func (s *Service) allocateInTx(ctx context.Context, tx TxRepository, paymentID, billID int64, amount float64, method allocation.Method, actor string) (Allocation, error) {
	if amount <= 0 {
		return Allocation{}, ErrAmountNotPositive
	}
	amount = shared.Round2(amount)

	p, err := tx.GetPaymentForUpdate(ctx, paymentID)
	if err != nil {
		return Allocation{}, err
	}
	if p.Status == allocation.StatusVoid {
		return Allocation{}, ErrDocumentVoid
	}
	b, err := tx.GetBillForUpdate(ctx, billID)
	if err != nil {
		return Allocation{}, err
	}
	switch b.Status {
	case allocation.StatusVoid:
		return Allocation{}, ErrDocumentVoid
	case allocation.StatusDraft, allocation.StatusReconciled:
		return Allocation{}, ErrInvalidStatus
	}

	if excess := allocation.CheckCeiling(p.AllocatedAmount, amount, p.Amount); excess > 0 {
		return Allocation{}, &PaymentOverallocatedError{PaymentID: paymentID, Excess: excess}
	}
	if excess := allocation.CheckCeiling(b.PaidAmount, amount, b.Total); excess > 0 {
		return Allocation{}, &BillOverallocatedError{BillID: billID, Excess: excess}
	}

	alloc, err := tx.InsertAllocation(ctx, Allocation{
		PaymentID: paymentID,
		BillID:    billID,
		Amount:    amount,
		Method:    method,
		CreatedAt: s.now(),
	})
	if err != nil {
		return Allocation{}, err
	}

	newPaid := shared.Round2(b.PaidAmount + amount)
	billStatus := allocation.DeriveStatus(b.Total, newPaid, b.Status, allocation.StatusPaid)
	if err := tx.UpdateBillDerived(ctx, billID, newPaid, billStatus); err != nil {
		return Allocation{}, err
	}
	newAllocated := shared.Round2(p.AllocatedAmount + amount)
	payStatus := allocation.DeriveStatus(p.Amount, newAllocated, p.Status, allocation.StatusAllocated)
	if err := tx.UpdatePaymentDerived(ctx, paymentID, newAllocated, payStatus); err != nil {
		return Allocation{}, err
	}

	err = tx.InsertAuditLog(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   shared.AuditActionCreate,
		Entity:   "ap_allocation",
		EntityID: fmt.Sprintf("%d", alloc.ID),
		Meta: map[string]any{
			"payment_id": paymentID,
			"bill_id":    billID,
			"amount":     amount,
			"method":     string(method),
		},
		At: s.now(),
	})
	if err != nil {
		return Allocation{}, err
	}
	return alloc, nil
}

// Deallocate removes an allocation and winds back both derived balances.
func (s *Service) Deallocate(ctx context.Context, allocationID int64, actor string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alloc, err := tx.GetAllocation(ctx, allocationID)
		if err != nil {
			return err
		}
		p, err := tx.GetPaymentForUpdate(ctx, alloc.PaymentID)
		if err != nil {
			return err
		}
		b, err := tx.GetBillForUpdate(ctx, alloc.BillID)
		if err != nil {
			return err
		}
		if b.Status == allocation.StatusReconciled {
			return ErrInvalidStatus
		}
		if err := tx.DeleteAllocation(ctx, allocationID); err != nil {
			return err
		}

		newPaid := shared.Round2(b.PaidAmount - alloc.Amount)
		if newPaid < 0 {
			newPaid = 0
		}
		billStatus := allocation.DeriveStatus(b.Total, newPaid, b.Status, allocation.StatusPaid)
		if err := tx.UpdateBillDerived(ctx, b.ID, newPaid, billStatus); err != nil {
			return err
		}
		newAllocated := shared.Round2(p.AllocatedAmount - alloc.Amount)
		if newAllocated < 0 {
			newAllocated = 0
		}
		payStatus := allocation.DeriveStatus(p.Amount, newAllocated, p.Status, allocation.StatusAllocated)
		if err := tx.UpdatePaymentDerived(ctx, p.ID, newAllocated, payStatus); err != nil {
			return err
		}

		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionDelete,
			Entity:   "ap_allocation",
			EntityID: fmt.Sprintf("%d", allocationID),
			Meta: map[string]any{
				"payment_id": alloc.PaymentID,
				"bill_id":    alloc.BillID,
				"amount":     alloc.Amount,
			},
			At: s.now(),
		})
	})
}

// AutoAllocateFIFO spreads a vendor payment's unallocated remainder across
// the vendor's open bills, oldest issue date first, in a single transaction.
func (s *Service) AutoAllocateFIFO(ctx context.Context, paymentID int64, actor string) ([]Allocation, float64, error) {
	var (
		made      []Allocation
		remainder float64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status == allocation.StatusVoid {
			return ErrDocumentVoid
		}
		available := shared.Round2(p.Amount - p.AllocatedAmount)
		if available <= shared.Epsilon {
			remainder = 0
			return nil
		}

		open, err := tx.ListOpenBillsForContact(ctx, p.ContactID)
		if err != nil {
			return err
		}
		candidates := make([]allocation.Candidate, 0, len(open))
		for _, b := range open {
			candidates = append(candidates, allocation.Candidate{
				ID:          b.ID,
				IssueDate:   b.IssueDate,
				Outstanding: b.Outstanding(),
			})
		}

		planned, rest := allocation.PlanFIFO(candidates, available)
		remainder = rest
		for _, pl := range planned {
			alloc, err := s.allocateInTx(ctx, tx, paymentID, pl.ID, pl.Amount, allocation.MethodFIFO, actor)
			if err != nil {
				return err
			}
			made = append(made, alloc)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return made, remainder, nil
}

// RefreshOverdue flips pending and partially paid bills past their due date
// to overdue. Returns how many bills changed.
func (s *Service) RefreshOverdue(ctx context.Context, asOf time.Time, actor string) (int, error) {
	var flipped int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		candidates, err := tx.ListOverdueCandidates(ctx, asOf)
		if err != nil {
			return err
		}
		for _, b := range candidates {
			if err := tx.SetBillStatus(ctx, b.ID, allocation.StatusOverdue); err != nil {
				return err
			}
			flipped++
		}
		if flipped == 0 {
			return nil
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "bill",
			EntityID: "overdue_scan",
			Meta:     map[string]any{"flipped": flipped, "as_of": asOf.Format("2006-01-02")},
			At:       s.now(),
		})
	})
	if err != nil {
		return 0, err
	}
	return flipped, nil
}

// GetBill returns one bill.
func (s *Service) GetBill(ctx context.Context, billID int64) (Bill, error) {
	return s.repo.GetBill(ctx, billID)
}

// GetPayment returns one vendor payment.
func (s *Service) GetPayment(ctx context.Context, paymentID int64) (VendorPayment, error) {
	return s.repo.GetPayment(ctx, paymentID)
}

// ListBills returns bills, optionally filtered by contact.
func (s *Service) ListBills(ctx context.Context, contactID *int64) ([]Bill, error) {
	return s.repo.ListBills(ctx, contactID)
}

// ListPayments returns all vendor payments.
func (s *Service) ListPayments(ctx context.Context) ([]VendorPayment, error) {
	return s.repo.ListPayments(ctx)
}

// ListAllocationsForPayment returns the allocations made from a payment.
func (s *Service) ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error) {
	return s.repo.ListAllocationsForPayment(ctx, paymentID)
}

// ListAllocationsForBill returns the allocations applied to a bill.
func (s *Service) ListAllocationsForBill(ctx context.Context, billID int64) ([]Allocation, error) {
	return s.repo.ListAllocationsForBill(ctx, billID)
}
