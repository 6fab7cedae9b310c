// Package ap implements the payable side of the allocation engine: vendor
// bills, outgoing payments, and the links between them.
package ap

import (
	"errors"
	"fmt"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/allocation"
)

// Bill is a vendor bill. PaidAmount is a derived cache of the sum of
// allocations against it.
type Bill struct {
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
	EntryID    *int64            `json:"entry_id"`
	VoidReason string            `json:"void_reason"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Outstanding is the unpaid remainder of the bill.
func (b Bill) Outstanding() float64 {
	return b.Total - b.PaidAmount
}

// VendorPayment is money paid out to a vendor.
type VendorPayment struct {
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

// Unallocated is the remainder of the payment not yet applied to bills.
func (p VendorPayment) Unallocated() float64 {
	return p.Amount - p.AllocatedAmount
}

// Allocation links one vendor payment to one bill.
type Allocation struct {
	ID        int64             `json:"id"`
	PaymentID int64             `json:"payment_id"`
	BillID    int64             `json:"bill_id"`
	Amount    float64           `json:"amount"`
	Method    allocation.Method `json:"method"`
	CreatedAt time.Time         `json:"created_at"`
}

var (
	// ErrBillNotFound indicates a missing bill.
	ErrBillNotFound = errors.New("ap: bill not found")
	// ErrPaymentNotFound indicates a missing vendor payment.
	ErrPaymentNotFound = errors.New("ap: vendor payment not found")
	// ErrAllocationNotFound indicates a missing allocation.
	ErrAllocationNotFound = errors.New("ap: allocation not found")
	// ErrAmountNotPositive indicates a zero or negative amount.
	ErrAmountNotPositive = errors.New("ap: amount must be positive")
	// ErrDocumentVoid indicates the target document is void.
	ErrDocumentVoid = errors.New("ap: document is void")
	// ErrInvalidStatus indicates the operation does not fit the document status.
	ErrInvalidStatus = errors.New("ap: invalid document status")
	// ErrHasAllocations indicates the document cannot be voided while
	// allocations exist against it.
	ErrHasAllocations = errors.New("ap: document has allocations; deallocate first")
)

// PaymentOverallocatedError reports by how much an allocation would exceed
// the vendor payment amount.
type PaymentOverallocatedError struct {
	PaymentID int64
	Excess    float64
}

func (e *PaymentOverallocatedError) Error() string {
	return fmt.Sprintf("ap: vendor payment %d would be over-allocated by %.2f", e.PaymentID, e.Excess)
}

// BillOverallocatedError reports by how much an allocation would exceed the
// bill total.
type BillOverallocatedError struct {
	BillID int64
	Excess float64
}

func (e *BillOverallocatedError) Error() string {
	return fmt.Sprintf("ap: bill %d would be over-allocated by %.2f", e.BillID, e.Excess)
}

// AllocationExceedsNewTotalError rejects shrinking a document below its
// already-allocated sum.
type AllocationExceedsNewTotalError struct {
	Allocated float64
	NewTotal  float64
}

func (e *AllocationExceedsNewTotalError) Error() string {
	return fmt.Sprintf("ap: allocated %.2f exceeds new total %.2f", e.Allocated, e.NewTotal)
}
