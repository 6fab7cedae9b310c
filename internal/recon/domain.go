// Package recon implements bank reconciliation: matching posted journal
// lines on a bank account against a bank statement balance.
package recon

import (
	"errors"
	"fmt"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
)

// Status is the lifecycle state of a reconciliation.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Reconciliation is one pass at matching a bank account's ledger activity
// up to a statement date against the statement's closing balance.
type Reconciliation struct {
	ID               int64      `json:"id"`
	AccountID        int64      `json:"account_id"`
	StatementDate    time.Time  `json:"statement_date"`
	StatementBalance float64    `json:"statement_balance"`
	BookBalance      float64    `json:"book_balance"`
	ClearedBalance   float64    `json:"cleared_balance"`
	Status           Status     `json:"status"`
	CompletedAt      *time.Time `json:"completed_at"`
	CompletedBy      string     `json:"completed_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Difference is what still separates the cleared balance from the statement.
func (r Reconciliation) Difference() float64 {
	return r.ClearedBalance - r.StatementBalance
}

// LineView is a journal line as seen from one account's perspective: the
// signed amount is debit minus credit, the natural direction for assets.
type LineView struct {
	LineID      int64     `json:"line_id"`
	EntryID     int64     `json:"entry_id"`
	EntryDate   time.Time `json:"entry_date"`
	Description string    `json:"description"`
	Reference   string    `json:"reference"`
	Debit       float64   `json:"debit"`
	Credit      float64   `json:"credit"`
	Cleared     bool      `json:"cleared"`
}

// SignedAmount is the line's effect on an asset account balance.
func (l LineView) SignedAmount() float64 {
	return l.Debit - l.Credit
}

var (
	// ErrReconciliationNotFound indicates a missing reconciliation.
	ErrReconciliationNotFound = errors.New("recon: reconciliation not found")
	// ErrLineNotFound indicates a missing journal line.
	ErrLineNotFound = errors.New("recon: journal line not found")
	// ErrLineNotEligible indicates the line does not belong to the
	// reconciliation's account and window, or its entry is not posted.
	ErrLineNotEligible = errors.New("recon: line not eligible for this reconciliation")
	// ErrLineAlreadyReconciled indicates the line is locked by a completed
	// reconciliation.
	ErrLineAlreadyReconciled = errors.New("recon: line already reconciled")
	// ErrAlreadyInProgress indicates the account already has an open
	// reconciliation.
	ErrAlreadyInProgress = errors.New("recon: account already has a reconciliation in progress")
)

// InvalidAccountTypeError rejects reconciling a non-asset account.
type InvalidAccountTypeError struct {
	AccountID   int64
	AccountType ledger.AccountType
}

func (e *InvalidAccountTypeError) Error() string {
	return fmt.Sprintf("recon: account %d is %s; only asset accounts can be reconciled", e.AccountID, e.AccountType)
}

// ReconciliationLockedError rejects changes to a reconciliation that is no
// longer in progress.
type ReconciliationLockedError struct {
	ReconciliationID int64
	Status           Status
}

func (e *ReconciliationLockedError) Error() string {
	return fmt.Sprintf("recon: reconciliation %d is %s and cannot be changed", e.ReconciliationID, e.Status)
}

// UnbalancedReconciliationError rejects completing while a difference
// remains.
type UnbalancedReconciliationError struct {
	Difference float64
}

func (e *UnbalancedReconciliationError) Error() string {
	return fmt.Sprintf("recon: cleared balance differs from statement by %.2f", e.Difference)
}
