// Package reports builds read-side views of the ledger: account balances,
// the trial balance and receivable aging. Results are cached in Redis and
// invalidated wholesale whenever the ledger changes.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// AccountBalance is one account's posted activity up to a date. Balance is
// signed in the account's natural direction: debit-normal for assets and
// expenses, credit-normal otherwise.
type AccountBalance struct {
	AccountID int64              `json:"account_id"`
	Code      string             `json:"code"`
	Name      string             `json:"name"`
	Type      ledger.AccountType `json:"type"`
	Debit     float64            `json:"debit"`
	Credit    float64            `json:"credit"`
	Balance   float64            `json:"balance"`
}

// TrialBalance is every account with activity, plus the debit and credit
// grand totals which must agree on a healthy ledger.
type TrialBalance struct {
	AsOf        time.Time        `json:"as_of"`
	Rows        []AccountBalance `json:"rows"`
	TotalDebit  float64          `json:"total_debit"`
	TotalCredit float64          `json:"total_credit"`
	Balanced    bool             `json:"balanced"`
}

// AgingBucket is one band of overdue receivables.
type AgingBucket struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
	Count  int     `json:"count"`
}

// ARAging buckets outstanding invoices by how far past due they are.
type ARAging struct {
	AsOf    time.Time     `json:"as_of"`
	Buckets []AgingBucket `json:"buckets"`
	Total   float64       `json:"total"`
}

// Repository reads aggregate rows for the report builders.
type Repository interface {
	AccountActivity(ctx context.Context, asOf time.Time) ([]AccountBalance, error)
	SingleAccountActivity(ctx context.Context, accountID int64, asOf time.Time) (AccountBalance, error)
	OpenInvoiceAges(ctx context.Context, asOf time.Time) ([]InvoiceAge, error)
}

// InvoiceAge is one open invoice's outstanding amount and due date.
type InvoiceAge struct {
	InvoiceID   int64
	DueDate     time.Time
	Outstanding float64
}

// Service builds reports through the cache.
type Service struct {
	repo  Repository
	cache *Cache
	group singleflight.Group
}

// NewService constructs the reporting service.
func NewService(repo Repository, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// Invalidate drops every cached report. Call after anything that changes
// posted ledger state.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

// Balance returns one account's balance as of a date.
func (s *Service) Balance(ctx context.Context, accountID int64, asOf time.Time) (AccountBalance, error) {
	key, err := s.cache.BuildKey(ctx, "reports", "balance", fmt.Sprintf("%d", accountID), asOf.Format("2006-01-02"))
	if err != nil {
		return AccountBalance{}, err
	}
	var out AccountBalance
	err = s.fetch(ctx, key, &out, func(ctx context.Context) (interface{}, error) {
		b, err := s.repo.SingleAccountActivity(ctx, accountID, asOf)
		if err != nil {
			return nil, err
		}
		b.Balance = signedBalance(b)
		return b, nil
	})
	return out, err
}

// Trial returns the trial balance as of a date.
func (s *Service) Trial(ctx context.Context, asOf time.Time) (TrialBalance, error) {
	key, err := s.cache.BuildKey(ctx, "reports", "trial", asOf.Format("2006-01-02"))
	if err != nil {
		return TrialBalance{}, err
	}
	var out TrialBalance
	err = s.fetch(ctx, key, &out, func(ctx context.Context) (interface{}, error) {
		rows, err := s.repo.AccountActivity(ctx, asOf)
		if err != nil {
			return nil, err
		}
		tb := TrialBalance{AsOf: asOf, Rows: rows}
		for i := range tb.Rows {
			tb.Rows[i].Balance = signedBalance(tb.Rows[i])
			tb.TotalDebit = shared.Round2(tb.TotalDebit + tb.Rows[i].Debit)
			tb.TotalCredit = shared.Round2(tb.TotalCredit + tb.Rows[i].Credit)
		}
		tb.Balanced = shared.AmountsEqual(tb.TotalDebit, tb.TotalCredit)
		return tb, nil
	})
	return out, err
}

// Aging returns the receivable aging report as of a date.
func (s *Service) Aging(ctx context.Context, asOf time.Time) (ARAging, error) {
	key, err := s.cache.BuildKey(ctx, "reports", "ar_aging", asOf.Format("2006-01-02"))
	if err != nil {
		return ARAging{}, err
	}
	var out ARAging
	err = s.fetch(ctx, key, &out, func(ctx context.Context) (interface{}, error) {
		ages, err := s.repo.OpenInvoiceAges(ctx, asOf)
		if err != nil {
			return nil, err
		}
		return buildAging(asOf, ages), nil
	})
	return out, err
}

// fetch runs the loader through singleflight so concurrent misses for the
// same key build the report once. The raw JSON is shared between waiters and
// unmarshalled into each caller's destination.
func (s *Service) fetch(ctx context.Context, key string, dest interface{}, loader func(context.Context) (interface{}, error)) error {
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		var raw json.RawMessage
		if err := s.cache.FetchJSON(ctx, key, &raw, loader); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.(json.RawMessage), dest)
}

func signedBalance(b AccountBalance) float64 {
	switch b.Type {
	case ledger.AccountTypeAsset, ledger.AccountTypeExpense:
		return shared.Round2(b.Debit - b.Credit)
	default:
		return shared.Round2(b.Credit - b.Debit)
	}
}

var agingBands = []struct {
	label  string
	minDay int
	maxDay int
}{
	{"current", -1 << 31, 0},
	{"1-30", 1, 30},
	{"31-60", 31, 60},
	{"61-90", 61, 90},
	{"90+", 91, 1 << 31},
}

func buildAging(asOf time.Time, ages []InvoiceAge) ARAging {
	report := ARAging{AsOf: asOf, Buckets: make([]AgingBucket, len(agingBands))}
	for i, band := range agingBands {
		report.Buckets[i].Label = band.label
	}
	for _, age := range ages {
		days := int(asOf.Sub(age.DueDate).Hours() / 24)
		for i, band := range agingBands {
			if days >= band.minDay && days <= band.maxDay {
				report.Buckets[i].Amount = shared.Round2(report.Buckets[i].Amount + age.Outstanding)
				report.Buckets[i].Count++
				break
			}
		}
		report.Total = shared.Round2(report.Total + age.Outstanding)
	}
	return report
}
