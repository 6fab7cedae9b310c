package allocation

import (
	"sort"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Candidate is an open document eligible for automatic allocation.
type Candidate struct {
	ID          int64
	IssueDate   time.Time
	Outstanding float64
}

// Planned is one allocation the FIFO planner decided on.
type Planned struct {
	ID     int64
	Amount float64
}

// PlanFIFO orders candidates oldest-first (issue date ascending, id ascending
// as tie-break) and greedily assigns min(remaining, outstanding) per
// candidate until the amount is exhausted. The unassigned remainder is
// returned; the planner never invents allocations beyond the given amount.
func PlanFIFO(candidates []Candidate, amount float64) ([]Planned, float64) {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].IssueDate.Equal(ordered[j].IssueDate) {
			return ordered[i].IssueDate.Before(ordered[j].IssueDate)
		}
		return ordered[i].ID < ordered[j].ID
	})

	remaining := shared.Round2(amount)
	var plan []Planned
	for _, cand := range ordered {
		if remaining <= shared.Epsilon {
			break
		}
		if cand.Outstanding <= shared.Epsilon {
			continue
		}
		take := cand.Outstanding
		if remaining < take {
			take = remaining
		}
		take = shared.Round2(take)
		plan = append(plan, Planned{ID: cand.ID, Amount: take})
		remaining = shared.Round2(remaining - take)
	}
	if remaining < 0 {
		remaining = 0
	}
	return plan, remaining
}
