// Package ledger implements the journal posting engine: balanced entries,
// the draft/posted/void lifecycle, and immutability of posted history.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// AccountType enumerates chart-of-accounts categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// EntryStatus enumerates the journal entry lifecycle.
type EntryStatus string

const (
	EntryStatusDraft  EntryStatus = "DRAFT"
	EntryStatusPosted EntryStatus = "POSTED"
	EntryStatusVoid   EntryStatus = "VOID"
)

// Account models a chart of accounts node.
type Account struct {
	ID        int64       `json:"id"`
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Type      AccountType `json:"type"`
	ParentID  *int64      `json:"parent_id"`
	IsActive  bool        `json:"is_active"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TransactionEvent is the business reason for a ledger change. It is never
// mutated after creation and anchors the audit trail.
type TransactionEvent struct {
	ID          int64     `json:"id"`
	Ref         uuid.UUID `json:"ref"`
	EventType   string    `json:"event_type"`
	Description string    `json:"description"`
	Reference   string    `json:"reference"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// JournalEntry is a dated, described set of debit/credit lines.
type JournalEntry struct {
	ID          int64         `json:"id"`
	EventID     *int64        `json:"event_id"`
	Date        time.Time     `json:"date"`
	Description string        `json:"description"`
	Reference   string        `json:"reference"`
	Status      EntryStatus   `json:"status"`
	PostedAt    *time.Time    `json:"posted_at"`
	PostedBy    string        `json:"posted_by"`
	VoidedAt    *time.Time    `json:"voided_at"`
	VoidReason  string        `json:"void_reason"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Lines       []JournalLine `json:"lines"`
}

// JournalLine carries either a positive debit or a positive credit against
// one account, never both.
type JournalLine struct {
	ID               int64      `json:"id"`
	EntryID          int64      `json:"entry_id"`
	AccountID        int64      `json:"account_id"`
	Debit            float64    `json:"debit"`
	Credit           float64    `json:"credit"`
	ReconciliationID *int64    `json:"reconciliation_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LineInput describes one journal line for a draft entry.
type LineInput struct {
	AccountID int64
	Debit     float64
	Credit    float64
}

// DraftInput groups fields required to create a draft entry.
type DraftInput struct {
	Date        time.Time
	Description string
	Reference   string
	EventID     *int64
	Lines       []LineInput
	Actor       string
}

// EventInput describes a new transaction event.
type EventInput struct {
	EventType   string
	Description string
	Reference   string
	CreatedBy   string
}

var (
	// ErrEntryNotFound indicates a missing journal entry.
	ErrEntryNotFound = errors.New("ledger: journal entry not found")
	// ErrLineNotFound indicates a missing journal line.
	ErrLineNotFound = errors.New("ledger: journal line not found")
	// ErrAccountNotFound indicates an unknown or inactive account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrImmutableEntry indicates a structural change to a posted or void
	// entry; void instead of deleting.
	ErrImmutableEntry = errors.New("ledger: posted and void entries are immutable")
	// ErrAlreadyPosted indicates post was called on a posted entry.
	ErrAlreadyPosted = errors.New("ledger: entry already posted")
	// ErrInvalidStatus indicates the transition is not allowed.
	ErrInvalidStatus = errors.New("ledger: invalid status transition")
	// ErrInvalidLine indicates a line violating the debit-XOR-credit rule.
	ErrInvalidLine = errors.New("ledger: line must carry exactly one of debit or credit, positive")
	// ErrEventAlreadyUsed indicates the transaction event already owns an entry.
	ErrEventAlreadyUsed = errors.New("ledger: event already owns a journal entry")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("ledger: entry requires at least two lines")
)

// UnbalancedEntryError reports the debit/credit totals that failed the
// balance check at post time.
type UnbalancedEntryError struct {
	Debit  float64
	Credit float64
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("ledger: entry is not balanced (debit %.2f, credit %.2f)", e.Debit, e.Credit)
}

// Validate checks the line against the debit-XOR-credit rule.
func (l LineInput) Validate() error {
	if l.AccountID == 0 {
		return fmt.Errorf("%w: missing account", ErrInvalidLine)
	}
	if l.Debit < 0 || l.Credit < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidLine)
	}
	if l.Debit > 0 == (l.Credit > 0) {
		return ErrInvalidLine
	}
	return nil
}

// Validate checks structural draft input rules. Balance is not enforced here;
// drafts may be unbalanced until post.
func (in DraftInput) Validate() error {
	if in.Date.IsZero() {
		return errors.New("ledger: entry date required")
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	for idx, line := range in.Lines {
		if err := line.Validate(); err != nil {
			return fmt.Errorf("line %d: %w", idx, err)
		}
	}
	return nil
}

// Totals sums the entry's debit and credit columns.
func (e JournalEntry) Totals() (debit, credit float64) {
	for _, line := range e.Lines {
		debit += line.Debit
		credit += line.Credit
	}
	return debit, credit
}

// Balanced reports whether the entry totals match within the epsilon.
func (e JournalEntry) Balanced() bool {
	debit, credit := e.Totals()
	return shared.AmountsEqual(debit, credit)
}
