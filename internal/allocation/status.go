// Package allocation holds the arithmetic core of the allocation engine:
// status derivation, ceiling checks, and FIFO planning. Everything here is a
// pure function so the rules are unit-testable without a store.
package allocation

import (
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Status enumerates allocation-derived document states shared by payments,
// invoices, bills and credit notes.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPartial    Status = "PARTIAL"
	StatusAllocated  Status = "ALLOCATED"
	StatusPaid       Status = "PAID"
	StatusReconciled Status = "RECONCILED"
	StatusOverdue    Status = "OVERDUE"
	StatusVoid       Status = "VOID"
	StatusDraft      Status = "DRAFT"
)

// Method enumerates how an allocation was produced.
type Method string

const (
	MethodExact     Method = "EXACT"
	MethodFIFO      Method = "FIFO"
	MethodManual    Method = "MANUAL"
	MethodHeuristic Method = "HEURISTIC"
)

// DeriveStatus maps (target amount, cumulative allocated, prior status) to
// the new document status. fullStatus is the terminal value for a fully
// covered document (ALLOCATED for payments, PAID for invoices/bills).
// Non-allocation statuses such as VOID pass through untouched.
func DeriveStatus(target, cumulative float64, prior Status, fullStatus Status) Status {
	switch prior {
	case StatusVoid, StatusDraft, StatusReconciled:
		return prior
	}
	switch {
	case cumulative >= target-shared.Epsilon && cumulative > 0:
		return fullStatus
	case cumulative > 0:
		return StatusPartial
	default:
		// Back to the prior non-allocation status once nothing is allocated.
		if prior == StatusPartial || prior == fullStatus {
			return StatusPending
		}
		return prior
	}
}

// CheckCeiling verifies that adding amount to cumulative stays within limit
// (plus epsilon). It returns the amount by which the ceiling would be
// exceeded, or 0 when the addition fits.
func CheckCeiling(cumulative, amount, limit float64) float64 {
	total := cumulative + amount
	if shared.ExceedsCeiling(total, limit) {
		return shared.Round2(total - limit)
	}
	return 0
}
