package ar

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
	GetInvoice(ctx context.Context, invoiceID int64) (Invoice, error)
	GetPayment(ctx context.Context, paymentID int64) (Payment, error)
	GetCreditNote(ctx context.Context, creditNoteID int64) (CreditNote, error)
	ListInvoices(ctx context.Context, contactID *int64) ([]Invoice, error)
	ListPayments(ctx context.Context) ([]Payment, error)
	ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error)
	ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error)
}

// TxRepository exposes operations available within a transaction.
type TxRepository interface {
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	InsertCreditNote(ctx context.Context, cn CreditNote) (CreditNote, error)
	GetInvoiceForUpdate(ctx context.Context, invoiceID int64) (Invoice, error)
	GetPaymentForUpdate(ctx context.Context, paymentID int64) (Payment, error)
	GetCreditNoteForUpdate(ctx context.Context, creditNoteID int64) (CreditNote, error)
	GetAllocation(ctx context.Context, allocationID int64) (Allocation, error)
	InsertAllocation(ctx context.Context, a Allocation) (Allocation, error)
	DeleteAllocation(ctx context.Context, allocationID int64) error
	InsertCreditApplication(ctx context.Context, a CreditApplication) (CreditApplication, error)
	CountAllocationsForInvoice(ctx context.Context, invoiceID int64) (int, error)
	CountAllocationsForPayment(ctx context.Context, paymentID int64) (int, error)
	UpdateInvoiceDerived(ctx context.Context, invoiceID int64, paidAmount float64, status allocation.Status) error
	UpdatePaymentDerived(ctx context.Context, paymentID int64, allocatedAmount float64, status allocation.Status) error
	UpdateCreditNoteDerived(ctx context.Context, creditNoteID int64, appliedAmount float64, status allocation.Status) error
	UpdateInvoiceAmounts(ctx context.Context, invoiceID int64, subtotal, taxAmount, total float64) error
	UpdatePaymentAmount(ctx context.Context, paymentID int64, amount float64) error
	SetInvoiceEntry(ctx context.Context, invoiceID, entryID int64) error
	SetInvoiceStatus(ctx context.Context, invoiceID int64, status allocation.Status) error
	MarkInvoiceVoid(ctx context.Context, invoiceID int64, reason string) error
	MarkPaymentVoid(ctx context.Context, paymentID int64) error
	ListOpenInvoicesForContact(ctx context.Context, contactID int64) ([]Invoice, error)
	ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]Invoice, error)
	InsertAuditLog(ctx context.Context, log shared.AuditLog) error
}

// PostingEngine is the slice of the journal service the receivables side
// needs to keep documents and the general ledger in step.
type PostingEngine interface {
	CreateEvent(ctx context.Context, in ledger.EventInput) (ledger.TransactionEvent, error)
	CreateAndPost(ctx context.Context, in ledger.DraftInput, postedBy string) (ledger.JournalEntry, error)
	Void(ctx context.Context, entryID int64, reason, actor string) (ledger.JournalEntry, error)
}

// Service coordinates invoices, payments and credit notes with the ledger.
type Service struct {
	repo     RepositoryPort
	engine   PostingEngine
	accounts sysaccount.Resolver
	now      func() time.Time
}

// NewService constructs the receivables service.
func NewService(repo RepositoryPort, engine PostingEngine, accounts sysaccount.Resolver) *Service {
	return &Service{repo: repo, engine: engine, accounts: accounts, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// InvoiceInput describes a new customer invoice.
type InvoiceInput struct {
	Number    string
	ContactID int64
	IssueDate time.Time
	DueDate   time.Time
	Subtotal  float64
	TaxAmount float64
	TaxCode   string
	Actor     string
}

// PaymentInput describes money received from a customer.
type PaymentInput struct {
	Number    string
	ContactID int64
	Amount    float64
	Method    string
	PaidAt    time.Time
	Actor     string
}

// CreditNoteInput describes a new credit note.
type CreditNoteInput struct {
	Number    string
	ContactID int64
	IssueDate time.Time
	Total     float64
	Actor     string
}

// CreateInvoice records a draft invoice. Drafts carry no ledger entry and
// accept no allocations until posted.
func (s *Service) CreateInvoice(ctx context.Context, in InvoiceInput) (Invoice, error) {
	if in.Subtotal <= 0 || in.TaxAmount < 0 {
		return Invoice{}, ErrAmountNotPositive
	}
	inv := Invoice{
		Number:    in.Number,
		ContactID: in.ContactID,
		IssueDate: in.IssueDate,
		DueDate:   in.DueDate,
		Status:    allocation.StatusDraft,
		Subtotal:  shared.Round2(in.Subtotal),
		TaxAmount: shared.Round2(in.TaxAmount),
		Total:     shared.Round2(in.Subtotal + in.TaxAmount),
		TaxCode:   in.TaxCode,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.InsertInvoice(ctx, inv)
		if err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    in.Actor,
			Action:   shared.AuditActionCreate,
			Entity:   "invoice",
			EntityID: fmt.Sprintf("%d", inv.ID),
			Meta:     map[string]any{"number": inv.Number, "total": inv.Total},
			At:       s.now(),
		})
	})
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// PostInvoice posts a draft invoice to the ledger: receivable is debited for
// the total, revenue credited for the subtotal and tax payable credited for
// the tax amount.
func (s *Service) PostInvoice(ctx context.Context, invoiceID int64, actor string) (Invoice, error) {
	arAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleAccountsReceivable)
	if err != nil {
		return Invoice{}, err
	}
	revenueAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleSalesRevenue)
	if err != nil {
		return Invoice{}, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != allocation.StatusDraft {
			return ErrInvalidStatus
		}

		lines := []ledger.LineInput{
			{AccountID: arAccount, Debit: inv.Total},
			{AccountID: revenueAccount, Credit: inv.Subtotal},
		}
		if inv.TaxAmount > shared.Epsilon {
			taxAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleTaxPayable)
			if err != nil {
				return err
			}
			lines = append(lines, ledger.LineInput{AccountID: taxAccount, Credit: inv.TaxAmount})
		}

		event, err := s.engine.CreateEvent(ctx, ledger.EventInput{
			EventType:   "invoice_posted",
			Description: fmt.Sprintf("invoice %s posted", inv.Number),
			Reference:   inv.Number,
			CreatedBy:   actor,
		})
		if err != nil {
			return err
		}
		entry, err := s.engine.CreateAndPost(ctx, ledger.DraftInput{
			Date:        inv.IssueDate,
			Description: fmt.Sprintf("invoice %s", inv.Number),
			Reference:   inv.Number,
			EventID:     &event.ID,
			Lines:       lines,
			Actor:       actor,
		}, actor)
		if err != nil {
			return err
		}

		if err := tx.SetInvoiceEntry(ctx, inv.ID, entry.ID); err != nil {
			return err
		}
		if err := tx.SetInvoiceStatus(ctx, inv.ID, allocation.StatusPending); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionPost,
			Entity:   "invoice",
			EntityID: fmt.Sprintf("%d", inv.ID),
			Meta:     map[string]any{"number": inv.Number, "entry_id": entry.ID},
			At:       s.now(),
		})
	})
	if err != nil {
		return Invoice{}, err
	}
	return s.repo.GetInvoice(ctx, invoiceID)
}

// VoidInvoice voids an invoice and its ledger entry in one transaction.
// Invoices with allocations against them must be deallocated first.
func (s *Service) VoidInvoice(ctx context.Context, invoiceID int64, reason, actor string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == allocation.StatusVoid {
			return ErrDocumentVoid
		}
		count, err := tx.CountAllocationsForInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrHasAllocations
		}
		if inv.EntryID != nil {
			if _, err := s.engine.Void(ctx, *inv.EntryID, reason, actor); err != nil {
				return err
			}
		}
		if err := tx.MarkInvoiceVoid(ctx, invoiceID, reason); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionVoid,
			Entity:   "invoice",
			EntityID: fmt.Sprintf("%d", invoiceID),
			Meta:     map[string]any{"reason": reason},
			At:       s.now(),
		})
	})
}

// ReceivePayment records a customer payment and posts it to the ledger in
// one motion: bank is debited and receivable credited for the full amount.
func (s *Service) ReceivePayment(ctx context.Context, in PaymentInput) (Payment, error) {
	if in.Amount <= 0 {
		return Payment{}, ErrAmountNotPositive
	}
	bankAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleBankCash)
	if err != nil {
		return Payment{}, err
	}
	arAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleAccountsReceivable)
	if err != nil {
		return Payment{}, err
	}

	amount := shared.Round2(in.Amount)
	var p Payment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		event, err := s.engine.CreateEvent(ctx, ledger.EventInput{
			EventType:   "payment_received",
			Description: fmt.Sprintf("payment %s received", in.Number),
			Reference:   in.Number,
			CreatedBy:   in.Actor,
		})
		if err != nil {
			return err
		}
		entry, err := s.engine.CreateAndPost(ctx, ledger.DraftInput{
			Date:        in.PaidAt,
			Description: fmt.Sprintf("payment %s", in.Number),
			Reference:   in.Number,
			EventID:     &event.ID,
			Lines: []ledger.LineInput{
				{AccountID: bankAccount, Debit: amount},
				{AccountID: arAccount, Credit: amount},
			},
			Actor: in.Actor,
		}, in.Actor)
		if err != nil {
			return err
		}

		p, err = tx.InsertPayment(ctx, Payment{
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
			Entity:   "payment",
			EntityID: fmt.Sprintf("%d", p.ID),
			Meta:     map[string]any{"number": p.Number, "amount": p.Amount, "entry_id": entry.ID},
			At:       s.now(),
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// VoidPayment voids a payment and its ledger entry in one transaction.
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
			Entity:   "payment",
			EntityID: fmt.Sprintf("%d", paymentID),
			Meta:     map[string]any{"reason": reason},
			At:       s.now(),
		})
	})
}

// Allocate applies part of a payment to an invoice. Both the payment ceiling
// and the invoice ceiling are enforced under row locks.
func (s *Service) Allocate(ctx context.Context, paymentID, invoiceID int64, amount float64, actor string) (Allocation, error) {
	var alloc Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		alloc, err = s.allocateInTx(ctx, tx, paymentID, invoiceID, amount, allocation.MethodManual, actor)
		return err
	})
	if err != nil {
		return Allocation{}, err
	}
	return alloc, nil
}

// allocateInTx performs one payment-to-invoice allocation under row locks.
// Payment is always locked before invoice so concurrent allocators cannot
// deadlock each other.
func (s *Service) allocateInTx(ctx context.Context, tx TxRepository, paymentID, invoiceID int64, amount float64, method allocation.Method, actor string) (Allocation, error) {
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
	inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return Allocation{}, err
	}
	switch inv.Status {
	case allocation.StatusVoid:
		return Allocation{}, ErrDocumentVoid
	case allocation.StatusDraft, allocation.StatusReconciled:
		return Allocation{}, ErrInvalidStatus
	}

	if excess := allocation.CheckCeiling(p.AllocatedAmount, amount, p.Amount); excess > 0 {
		return Allocation{}, &PaymentOverallocatedError{PaymentID: paymentID, Excess: excess}
	}
	if excess := allocation.CheckCeiling(inv.PaidAmount, amount, inv.Total); excess > 0 {
		return Allocation{}, &InvoiceOverallocatedError{InvoiceID: invoiceID, Excess: excess}
	}

	alloc, err := tx.InsertAllocation(ctx, Allocation{
		PaymentID: paymentID,
		InvoiceID: invoiceID,
		Amount:    amount,
		Method:    method,
		CreatedAt: s.now(),
	})
	if err != nil {
		return Allocation{}, err
	}

	newPaid := shared.Round2(inv.PaidAmount + amount)
	invStatus := allocation.DeriveStatus(inv.Total, newPaid, inv.Status, allocation.StatusPaid)
	if err := tx.UpdateInvoiceDerived(ctx, invoiceID, newPaid, invStatus); err != nil {
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
		Entity:   "allocation",
		EntityID: fmt.Sprintf("%d", alloc.ID),
		Meta: map[string]any{
			"payment_id": paymentID,
			"invoice_id": invoiceID,
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

// Deallocate removes an allocation and winds back the derived balances on
// both sides. Reconciled invoices are locked against deallocation.
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
		inv, err := tx.GetInvoiceForUpdate(ctx, alloc.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status == allocation.StatusReconciled {
			return ErrInvalidStatus
		}
		if err := tx.DeleteAllocation(ctx, allocationID); err != nil {
			return err
		}

		newPaid := shared.Round2(inv.PaidAmount - alloc.Amount)
		if newPaid < 0 {
			newPaid = 0
		}
		invStatus := allocation.DeriveStatus(inv.Total, newPaid, inv.Status, allocation.StatusPaid)
		if err := tx.UpdateInvoiceDerived(ctx, inv.ID, newPaid, invStatus); err != nil {
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
			Entity:   "allocation",
			EntityID: fmt.Sprintf("%d", allocationID),
			Meta: map[string]any{
				"payment_id": alloc.PaymentID,
				"invoice_id": alloc.InvoiceID,
				"amount":     alloc.Amount,
			},
			At: s.now(),
		})
	})
}

// AutoAllocateFIFO spreads a payment's unallocated remainder across the
// contact's open invoices, oldest issue date first, in a single transaction.
// The leftover that no invoice can absorb stays on the payment.
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

		open, err := tx.ListOpenInvoicesForContact(ctx, p.ContactID)
		if err != nil {
			return err
		}
		candidates := make([]allocation.Candidate, 0, len(open))
		for _, inv := range open {
			candidates = append(candidates, allocation.Candidate{
				ID:          inv.ID,
				IssueDate:   inv.IssueDate,
				Outstanding: inv.Outstanding(),
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

// UpdateInvoiceAmounts changes an invoice's subtotal and tax. The new total
// may not fall below what is already allocated against the invoice. Posted
// invoices get their ledger entry voided and reposted at the new amounts.
func (s *Service) UpdateInvoiceAmounts(ctx context.Context, invoiceID int64, subtotal, taxAmount float64, actor string) (Invoice, error) {
	if subtotal <= 0 || taxAmount < 0 {
		return Invoice{}, ErrAmountNotPositive
	}
	subtotal = shared.Round2(subtotal)
	taxAmount = shared.Round2(taxAmount)
	newTotal := shared.Round2(subtotal + taxAmount)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		switch inv.Status {
		case allocation.StatusVoid:
			return ErrDocumentVoid
		case allocation.StatusReconciled:
			return ErrInvalidStatus
		}
		if inv.PaidAmount > newTotal+shared.Epsilon {
			return &AllocationExceedsNewTotalError{Allocated: inv.PaidAmount, NewTotal: newTotal}
		}

		if inv.EntryID != nil {
			if err := s.repostInvoiceEntry(ctx, tx, inv, subtotal, taxAmount, newTotal, actor); err != nil {
				return err
			}
		}
		if err := tx.UpdateInvoiceAmounts(ctx, invoiceID, subtotal, taxAmount, newTotal); err != nil {
			return err
		}
		if inv.Status != allocation.StatusDraft {
			status := allocation.DeriveStatus(newTotal, inv.PaidAmount, inv.Status, allocation.StatusPaid)
			if err := tx.UpdateInvoiceDerived(ctx, invoiceID, inv.PaidAmount, status); err != nil {
				return err
			}
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "invoice",
			EntityID: fmt.Sprintf("%d", invoiceID),
			Meta: map[string]any{
				"old_total": inv.Total,
				"new_total": newTotal,
			},
			At: s.now(),
		})
	})
	if err != nil {
		return Invoice{}, err
	}
	return s.repo.GetInvoice(ctx, invoiceID)
}

// repostInvoiceEntry voids the invoice's prior ledger entry and posts a
// replacement at the new amounts, inside the caller's transaction.
func (s *Service) repostInvoiceEntry(ctx context.Context, tx TxRepository, inv Invoice, subtotal, taxAmount, total float64, actor string) error {
	if _, err := s.engine.Void(ctx, *inv.EntryID, "invoice amounts changed", actor); err != nil {
		return err
	}

	arAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleAccountsReceivable)
	if err != nil {
		return err
	}
	revenueAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleSalesRevenue)
	if err != nil {
		return err
	}
	lines := []ledger.LineInput{
		{AccountID: arAccount, Debit: total},
		{AccountID: revenueAccount, Credit: subtotal},
	}
	if taxAmount > shared.Epsilon {
		taxAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleTaxPayable)
		if err != nil {
			return err
		}
		lines = append(lines, ledger.LineInput{AccountID: taxAccount, Credit: taxAmount})
	}
	entry, err := s.engine.CreateAndPost(ctx, ledger.DraftInput{
		Date:        inv.IssueDate,
		Description: fmt.Sprintf("invoice %s (reposted)", inv.Number),
		Reference:   inv.Number,
		Lines:       lines,
		Actor:       actor,
	}, actor)
	if err != nil {
		return err
	}
	return tx.SetInvoiceEntry(ctx, inv.ID, entry.ID)
}

// ReducePaymentAmount shrinks a payment, typically to correct a keying
// error. The new amount may not fall below what is already allocated.
func (s *Service) ReducePaymentAmount(ctx context.Context, paymentID int64, newAmount float64, actor string) (Payment, error) {
	if newAmount <= 0 {
		return Payment{}, ErrAmountNotPositive
	}
	newAmount = shared.Round2(newAmount)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status == allocation.StatusVoid {
			return ErrDocumentVoid
		}
		if p.AllocatedAmount > newAmount+shared.Epsilon {
			return &AllocationExceedsNewTotalError{Allocated: p.AllocatedAmount, NewTotal: newAmount}
		}
		if err := tx.UpdatePaymentAmount(ctx, paymentID, newAmount); err != nil {
			return err
		}
		status := allocation.DeriveStatus(newAmount, p.AllocatedAmount, p.Status, allocation.StatusAllocated)
		if err := tx.UpdatePaymentDerived(ctx, paymentID, p.AllocatedAmount, status); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "payment",
			EntityID: fmt.Sprintf("%d", paymentID),
			Meta:     map[string]any{"old_amount": p.Amount, "new_amount": newAmount},
			At:       s.now(),
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return s.repo.GetPayment(ctx, paymentID)
}

// CreateCreditNote records a credit note and posts its ledger entry: revenue
// is debited and receivable credited for the total.
func (s *Service) CreateCreditNote(ctx context.Context, in CreditNoteInput) (CreditNote, error) {
	if in.Total <= 0 {
		return CreditNote{}, ErrAmountNotPositive
	}
	revenueAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleSalesRevenue)
	if err != nil {
		return CreditNote{}, err
	}
	arAccount, err := s.accounts.Resolve(ctx, sysaccount.RoleAccountsReceivable)
	if err != nil {
		return CreditNote{}, err
	}

	total := shared.Round2(in.Total)
	var cn CreditNote
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		event, err := s.engine.CreateEvent(ctx, ledger.EventInput{
			EventType:   "credit_note_issued",
			Description: fmt.Sprintf("credit note %s issued", in.Number),
			Reference:   in.Number,
			CreatedBy:   in.Actor,
		})
		if err != nil {
			return err
		}
		entry, err := s.engine.CreateAndPost(ctx, ledger.DraftInput{
			Date:        in.IssueDate,
			Description: fmt.Sprintf("credit note %s", in.Number),
			Reference:   in.Number,
			EventID:     &event.ID,
			Lines: []ledger.LineInput{
				{AccountID: revenueAccount, Debit: total},
				{AccountID: arAccount, Credit: total},
			},
			Actor: in.Actor,
		}, in.Actor)
		if err != nil {
			return err
		}

		cn, err = tx.InsertCreditNote(ctx, CreditNote{
			Number:    in.Number,
			ContactID: in.ContactID,
			IssueDate: in.IssueDate,
			Status:    allocation.StatusPending,
			Total:     total,
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
			Entity:   "credit_note",
			EntityID: fmt.Sprintf("%d", cn.ID),
			Meta:     map[string]any{"number": cn.Number, "total": cn.Total, "entry_id": entry.ID},
			At:       s.now(),
		})
	})
	if err != nil {
		return CreditNote{}, err
	}
	return cn, nil
}

// ApplyCreditNote settles part of an invoice with a credit note. The credit
// ceiling and the invoice ceiling are both enforced under row locks.
func (s *Service) ApplyCreditNote(ctx context.Context, creditNoteID, invoiceID int64, amount float64, actor string) (CreditApplication, error) {
	if amount <= 0 {
		return CreditApplication{}, ErrAmountNotPositive
	}
	amount = shared.Round2(amount)

	var app CreditApplication
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cn, err := tx.GetCreditNoteForUpdate(ctx, creditNoteID)
		if err != nil {
			return err
		}
		if cn.Status == allocation.StatusVoid {
			return ErrDocumentVoid
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		switch inv.Status {
		case allocation.StatusVoid:
			return ErrDocumentVoid
		case allocation.StatusDraft, allocation.StatusReconciled:
			return ErrInvalidStatus
		}

		if excess := allocation.CheckCeiling(cn.AppliedAmount, amount, cn.Total); excess > 0 {
			return &CreditOverappliedError{CreditNoteID: creditNoteID, Excess: excess}
		}
		if excess := allocation.CheckCeiling(inv.PaidAmount, amount, inv.Total); excess > 0 {
			return &InvoiceOverallocatedError{InvoiceID: invoiceID, Excess: excess}
		}

		app, err = tx.InsertCreditApplication(ctx, CreditApplication{
			CreditNoteID: creditNoteID,
			InvoiceID:    invoiceID,
			Amount:       amount,
			CreatedAt:    s.now(),
		})
		if err != nil {
			return err
		}

		newPaid := shared.Round2(inv.PaidAmount + amount)
		invStatus := allocation.DeriveStatus(inv.Total, newPaid, inv.Status, allocation.StatusPaid)
		if err := tx.UpdateInvoiceDerived(ctx, invoiceID, newPaid, invStatus); err != nil {
			return err
		}
		newApplied := shared.Round2(cn.AppliedAmount + amount)
		cnStatus := allocation.DeriveStatus(cn.Total, newApplied, cn.Status, allocation.StatusAllocated)
		if err := tx.UpdateCreditNoteDerived(ctx, creditNoteID, newApplied, cnStatus); err != nil {
			return err
		}

		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionCreate,
			Entity:   "credit_application",
			EntityID: fmt.Sprintf("%d", app.ID),
			Meta: map[string]any{
				"credit_note_id": creditNoteID,
				"invoice_id":     invoiceID,
				"amount":         amount,
			},
			At: s.now(),
		})
	})
	if err != nil {
		return CreditApplication{}, err
	}
	return app, nil
}

// RefreshOverdue flips pending and partially paid invoices past their due
// date to overdue. Returns how many invoices changed.
func (s *Service) RefreshOverdue(ctx context.Context, asOf time.Time, actor string) (int, error) {
	var flipped int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		candidates, err := tx.ListOverdueCandidates(ctx, asOf)
		if err != nil {
			return err
		}
		for _, inv := range candidates {
			if err := tx.SetInvoiceStatus(ctx, inv.ID, allocation.StatusOverdue); err != nil {
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
			Entity:   "invoice",
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

// GetInvoice returns one invoice.
func (s *Service) GetInvoice(ctx context.Context, invoiceID int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, invoiceID)
}

// GetPayment returns one payment.
func (s *Service) GetPayment(ctx context.Context, paymentID int64) (Payment, error) {
	return s.repo.GetPayment(ctx, paymentID)
}

// GetCreditNote returns one credit note.
func (s *Service) GetCreditNote(ctx context.Context, creditNoteID int64) (CreditNote, error) {
	return s.repo.GetCreditNote(ctx, creditNoteID)
}

// ListInvoices returns invoices, optionally filtered by contact.
func (s *Service) ListInvoices(ctx context.Context, contactID *int64) ([]Invoice, error) {
	return s.repo.ListInvoices(ctx, contactID)
}

// ListPayments returns all payments.
func (s *Service) ListPayments(ctx context.Context) ([]Payment, error) {
	return s.repo.ListPayments(ctx)
}

// ListAllocationsForPayment returns the allocations made from a payment.
func (s *Service) ListAllocationsForPayment(ctx context.Context, paymentID int64) ([]Allocation, error) {
	return s.repo.ListAllocationsForPayment(ctx, paymentID)
}

// ListAllocationsForInvoice returns the allocations applied to an invoice.
func (s *Service) ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	return s.repo.ListAllocationsForInvoice(ctx, invoiceID)
}
