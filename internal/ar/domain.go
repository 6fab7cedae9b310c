// Package ar implements the receivable side of the allocation engine:
// customer invoices, payments, credit notes, and the links between them.
package ar

import (
	"errors"
	"fmt"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/allocation"
)

// Invoice is a customer invoice. PaidAmount is a derived cache of the sum of
// allocations and credit applications against it.
type Invoice struct {
	ID         int64             `json:"id"`
	Number     string            `json:"number"`
	ContactID  int64             `json:"contact_id"`
	IssueDate  time.Time         `json:"issue_date"`
	DueDate    time.Time         `json:"due_date"`
	Status     allocation.Status `json:"status"`
	Subtotal   float64           `json:"subtotal"`
	TaxAmount  float64           `json:"tax_amount"`
	Total      float64           `json:"total"`
	PaidAmount float64           `json:"paid_amount"`
	TaxCode    string            `json:"tax_code"`
	EntryID    *int64            `json:"entry_id"`
	VoidReason string            `json:"void_reason"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Outstanding is the unpaid remainder of the invoice.
func (i Invoice) Outstanding() float64 {
	return i.Total - i.PaidAmount
}

// Payment is money received from a customer. AllocatedAmount is a derived
// cache of the sum of its allocations.
type Payment struct {
	ID              int64             `json:"id"`
	Number          string            `json:"number"`
	ContactID       int64             `json:"contact_id"`
	Amount          float64           `json:"amount"`
	Method          string            `json:"method"`
	PaidAt          time.Time         `json:"paid_at"`
	Status          allocation.Status `json:"status"`
	AllocatedAmount float64           `json:"allocated_amount"`
	EntryID         *int64            `json:"entry_id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Unallocated is the remainder of the payment not yet applied.
func (p Payment) Unallocated() float64 {
	return p.Amount - p.AllocatedAmount
}

// Allocation links one payment to one invoice.
type Allocation struct {
	ID        int64             `json:"id"`
	PaymentID int64             `json:"payment_id"`
	InvoiceID int64             `json:"invoice_id"`
	Amount    float64           `json:"amount"`
	Method    allocation.Method `json:"method"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreditNote reduces what a customer owes; AppliedAmount is a derived cache
// of the sum of its applications.
type CreditNote struct {
	ID            int64             `json:"id"`
	Number        string            `json:"number"`
	ContactID     int64             `json:"contact_id"`
	IssueDate     time.Time         `json:"issue_date"`
	Status        allocation.Status `json:"status"`
	Total         float64           `json:"total"`
	AppliedAmount float64           `json:"applied_amount"`
	EntryID       *int64            `json:"entry_id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Remaining is the unapplied remainder of the credit note.
func (c CreditNote) Remaining() float64 {
	return c.Total - c.AppliedAmount
}

// CreditApplication links a credit note to an invoice it settles.
type CreditApplication struct {
	ID           int64     `json:"id"`
	CreditNoteID int64     `json:"credit_note_id"`
	InvoiceID    int64     `json:"invoice_id"`
	Amount       float64   `json:"amount"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	// ErrInvoiceNotFound indicates a missing invoice.
	ErrInvoiceNotFound = errors.New("ar: invoice not found")
	// ErrPaymentNotFound indicates a missing payment.
	ErrPaymentNotFound = errors.New("ar: payment not found")
	// ErrAllocationNotFound indicates a missing allocation.
	ErrAllocationNotFound = errors.New("ar: allocation not found")
	// ErrCreditNoteNotFound indicates a missing credit note.
	ErrCreditNoteNotFound = errors.New("ar: credit note not found")
	// ErrAmountNotPositive indicates a zero or negative amount.
	ErrAmountNotPositive = errors.New("ar: amount must be positive")
	// ErrDocumentVoid indicates the target document is void.
	ErrDocumentVoid = errors.New("ar: document is void")
	// ErrInvalidStatus indicates the operation does not fit the document status.
	ErrInvalidStatus = errors.New("ar: invalid document status")
	// ErrHasAllocations indicates the document cannot be voided while
	// allocations exist against it.
	ErrHasAllocations = errors.New("ar: document has allocations; deallocate first")
)

// PaymentOverallocatedError reports by how much an allocation would exceed
// the payment amount.
type PaymentOverallocatedError struct {
	PaymentID int64
	Excess    float64
}

func (e *PaymentOverallocatedError) Error() string {
	return fmt.Sprintf("ar: payment %d would be over-allocated by %.2f", e.PaymentID, e.Excess)
}

// InvoiceOverallocatedError reports by how much an allocation would exceed
// the invoice total.
type InvoiceOverallocatedError struct {
	InvoiceID int64
	Excess    float64
}

func (e *InvoiceOverallocatedError) Error() string {
	return fmt.Sprintf("ar: invoice %d would be over-allocated by %.2f", e.InvoiceID, e.Excess)
}

// CreditOverappliedError reports by how much an application would exceed the
// credit note total.
type CreditOverappliedError struct {
	CreditNoteID int64
	Excess       float64
}

func (e *CreditOverappliedError) Error() string {
	return fmt.Sprintf("ar: credit note %d would be over-applied by %.2f", e.CreditNoteID, e.Excess)
}

// AllocationExceedsNewTotalError rejects shrinking a document below its
// already-allocated sum.
type AllocationExceedsNewTotalError struct {
	Allocated float64
	NewTotal  float64
}

func (e *AllocationExceedsNewTotalError) Error() string {
	return fmt.Sprintf("ar: allocated %.2f exceeds new total %.2f", e.Allocated, e.NewTotal)
}
