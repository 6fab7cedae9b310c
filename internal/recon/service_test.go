package recon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

type memoryRepo struct {
	accounts        map[int64]ledger.AccountType
	lines           map[int64]*LineInfo
	reconciliations map[int64]*Reconciliation
	cleared         map[int64]map[int64]bool
	audits          []shared.AuditLog
	nextID          int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		accounts:        make(map[int64]ledger.AccountType),
		lines:           make(map[int64]*LineInfo),
		reconciliations: make(map[int64]*Reconciliation),
		cleared:         make(map[int64]map[int64]bool),
	}
}

func (r *memoryRepo) addLine(accountID int64, entryDate time.Time, debit, credit float64) int64 {
	r.nextID++
	r.lines[r.nextID] = &LineInfo{
		LineID:      r.nextID,
		AccountID:   accountID,
		EntryDate:   entryDate,
		EntryStatus: ledger.EntryStatusPosted,
		Debit:       debit,
		Credit:      credit,
	}
	return r.nextID
}

type memoryTx struct {
	repo *memoryRepo
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) Get(ctx context.Context, reconciliationID int64) (Reconciliation, error) {
	rec, ok := r.reconciliations[reconciliationID]
	if !ok {
		return Reconciliation{}, ErrReconciliationNotFound
	}
	return *rec, nil
}

func (r *memoryRepo) List(ctx context.Context, accountID *int64) ([]Reconciliation, error) {
	var out []Reconciliation
	for _, rec := range r.reconciliations {
		if accountID == nil || rec.AccountID == *accountID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListLines(ctx context.Context, reconciliationID int64) ([]LineView, error) {
	return nil, nil
}

func (r *memoryRepo) UnreconciledLines(ctx context.Context, accountID int64, asOf time.Time) ([]LineView, error) {
	var out []LineView
	for _, l := range r.lines {
		if l.AccountID != accountID || l.ReconciliationID != nil || l.EntryDate.After(asOf) {
			continue
		}
		out = append(out, LineView{LineID: l.LineID, EntryDate: l.EntryDate, Debit: l.Debit, Credit: l.Credit})
	}
	// oldest first, matching the repository ordering
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].EntryDate.Before(out[i].EntryDate) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (tx *memoryTx) GetAccountType(ctx context.Context, accountID int64) (ledger.AccountType, error) {
	t, ok := tx.repo.accounts[accountID]
	if !ok {
		return "", ledger.ErrAccountNotFound
	}
	return t, nil
}

func (tx *memoryTx) HasInProgress(ctx context.Context, accountID int64) (bool, error) {
	for _, rec := range tx.repo.reconciliations {
		if rec.AccountID == accountID && rec.Status == StatusInProgress {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) SumPostedLines(ctx context.Context, accountID int64, asOf time.Time) (float64, error) {
	var sum float64
	for _, l := range tx.repo.lines {
		if l.AccountID == accountID && l.EntryStatus == ledger.EntryStatusPosted && !l.EntryDate.After(asOf) {
			sum += l.Debit - l.Credit
		}
	}
	return sum, nil
}

func (tx *memoryTx) InsertReconciliation(ctx context.Context, rec Reconciliation) (Reconciliation, error) {
	tx.repo.nextID++
	rec.ID = tx.repo.nextID
	stored := rec
	tx.repo.reconciliations[rec.ID] = &stored
	tx.repo.cleared[rec.ID] = make(map[int64]bool)
	return rec, nil
}

func (tx *memoryTx) GetForUpdate(ctx context.Context, reconciliationID int64) (Reconciliation, error) {
	return tx.repo.Get(ctx, reconciliationID)
}

func (tx *memoryTx) GetLineInfo(ctx context.Context, lineID int64) (LineInfo, error) {
	l, ok := tx.repo.lines[lineID]
	if !ok {
		return LineInfo{}, ErrLineNotFound
	}
	return *l, nil
}

func (tx *memoryTx) IsCleared(ctx context.Context, reconciliationID, lineID int64) (bool, error) {
	return tx.repo.cleared[reconciliationID][lineID], nil
}

func (tx *memoryTx) MarkCleared(ctx context.Context, reconciliationID, lineID int64) error {
	tx.repo.cleared[reconciliationID][lineID] = true
	return nil
}

func (tx *memoryTx) UnmarkCleared(ctx context.Context, reconciliationID, lineID int64) error {
	delete(tx.repo.cleared[reconciliationID], lineID)
	return nil
}

func (tx *memoryTx) SumClearedLines(ctx context.Context, reconciliationID int64) (float64, error) {
	var sum float64
	for lineID := range tx.repo.cleared[reconciliationID] {
		l := tx.repo.lines[lineID]
		sum += l.Debit - l.Credit
	}
	return sum, nil
}

func (tx *memoryTx) StampClearedLines(ctx context.Context, reconciliationID int64) (int, error) {
	count := 0
	for lineID := range tx.repo.cleared[reconciliationID] {
		tx.repo.lines[lineID].ReconciliationID = &reconciliationID
		count++
	}
	return count, nil
}

func (tx *memoryTx) SetStatus(ctx context.Context, reconciliationID int64, status Status, completedAt *time.Time, completedBy string) error {
	rec, ok := tx.repo.reconciliations[reconciliationID]
	if !ok {
		return ErrReconciliationNotFound
	}
	rec.Status = status
	rec.CompletedAt = completedAt
	rec.CompletedBy = completedBy
	return nil
}

func (tx *memoryTx) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	tx.repo.audits = append(tx.repo.audits, log)
	return nil
}

func date(d int) time.Time {
	return time.Date(2026, time.June, d, 0, 0, 0, 0, time.UTC)
}

const bankAccount = int64(100)

func newTestService() (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	repo.accounts[bankAccount] = ledger.AccountTypeAsset
	repo.accounts[200] = ledger.AccountTypeExpense
	return NewService(repo), repo
}

func TestOpenSnapshotsBookBalance(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	repo.addLine(bankAccount, date(1), 1000, 0)
	repo.addLine(bankAccount, date(5), 0, 300)
	repo.addLine(bankAccount, date(25), 500, 0) // after the statement date

	rec, err := svc.Open(ctx, bankAccount, date(20), 700, "operator")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, rec.Status)
	require.InDelta(t, 700.0, rec.BookBalance, 0.001)
	require.Len(t, repo.audits, 1)
}

func TestOpenRejectsNonAssetAccount(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Open(context.Background(), 200, date(20), 0, "operator")
	var typeErr *InvalidAccountTypeError
	require.ErrorAs(t, err, &typeErr)
	require.Equal(t, ledger.AccountTypeExpense, typeErr.AccountType)
}

func TestOpenRejectsSecondInProgress(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Open(ctx, bankAccount, date(20), 0, "operator")
	require.NoError(t, err)
	_, err = svc.Open(ctx, bankAccount, date(25), 0, "operator")
	require.ErrorIs(t, err, ErrAlreadyInProgress)
}

func TestMarkClearedEligibility(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	inWindow := repo.addLine(bankAccount, date(5), 250, 0)
	late := repo.addLine(bankAccount, date(28), 100, 0)
	otherAccount := repo.addLine(999, date(5), 100, 0)
	voided := repo.addLine(bankAccount, date(6), 100, 0)
	repo.lines[voided].EntryStatus = ledger.EntryStatusVoid

	rec, err := svc.Open(ctx, bankAccount, date(20), 250, "operator")
	require.NoError(t, err)

	updated, err := svc.MarkCleared(ctx, rec.ID, inWindow, "operator")
	require.NoError(t, err)
	require.InDelta(t, 250.0, updated.ClearedBalance, 0.001)

	_, err = svc.MarkCleared(ctx, rec.ID, late, "operator")
	require.ErrorIs(t, err, ErrLineNotEligible)
	_, err = svc.MarkCleared(ctx, rec.ID, otherAccount, "operator")
	require.ErrorIs(t, err, ErrLineNotEligible)
	_, err = svc.MarkCleared(ctx, rec.ID, voided, "operator")
	require.ErrorIs(t, err, ErrLineNotEligible)
}

func TestCompleteStampsAndLocksLines(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	deposit := repo.addLine(bankAccount, date(1), 1000, 0)
	withdrawal := repo.addLine(bankAccount, date(5), 0, 400)

	rec, err := svc.Open(ctx, bankAccount, date(20), 600, "operator")
	require.NoError(t, err)

	_, err = svc.MarkCleared(ctx, rec.ID, deposit, "operator")
	require.NoError(t, err)

	// Cleared balance is still 1000; completing must fail with the 400 gap.
	_, err = svc.Complete(ctx, rec.ID, "operator")
	var unbalanced *UnbalancedReconciliationError
	require.ErrorAs(t, err, &unbalanced)
	require.InDelta(t, 400.0, unbalanced.Difference, 0.001)

	_, err = svc.MarkCleared(ctx, rec.ID, withdrawal, "operator")
	require.NoError(t, err)

	done, err := svc.Complete(ctx, rec.ID, "operator")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, "operator", done.CompletedBy)
	require.Equal(t, rec.ID, *repo.lines[deposit].ReconciliationID)
	require.Equal(t, rec.ID, *repo.lines[withdrawal].ReconciliationID)

	// The completed reconciliation and its lines are locked.
	_, err = svc.MarkCleared(ctx, done.ID, deposit, "operator")
	var locked *ReconciliationLockedError
	require.ErrorAs(t, err, &locked)

	next, err := svc.Open(ctx, bankAccount, date(28), 600, "operator")
	require.NoError(t, err)
	_, err = svc.MarkCleared(ctx, next.ID, deposit, "operator")
	require.ErrorIs(t, err, ErrLineAlreadyReconciled)
}

func TestUnmarkClearedRecomputesBalance(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	a := repo.addLine(bankAccount, date(1), 300, 0)
	b := repo.addLine(bankAccount, date(2), 200, 0)

	rec, err := svc.Open(ctx, bankAccount, date(20), 300, "operator")
	require.NoError(t, err)

	_, err = svc.MarkCleared(ctx, rec.ID, a, "operator")
	require.NoError(t, err)
	updated, err := svc.MarkCleared(ctx, rec.ID, b, "operator")
	require.NoError(t, err)
	require.InDelta(t, 500.0, updated.ClearedBalance, 0.001)

	updated, err = svc.UnmarkCleared(ctx, rec.ID, b, "operator")
	require.NoError(t, err)
	require.InDelta(t, 300.0, updated.ClearedBalance, 0.001)
}

func TestCancelAbandonsWithoutLocking(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	line := repo.addLine(bankAccount, date(1), 300, 0)

	rec, err := svc.Open(ctx, bankAccount, date(20), 300, "operator")
	require.NoError(t, err)
	_, err = svc.MarkCleared(ctx, rec.ID, line, "operator")
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, rec.ID, "operator"))
	require.Nil(t, repo.lines[line].ReconciliationID)

	// A cancelled reconciliation cannot be completed or cancelled again.
	_, err = svc.Complete(ctx, rec.ID, "operator")
	var locked *ReconciliationLockedError
	require.ErrorAs(t, err, &locked)
	require.Equal(t, StatusCancelled, locked.Status)
	require.ErrorAs(t, svc.Cancel(ctx, rec.ID, "operator"), &locked)
}

func TestUnreconciledRunningBalance(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	repo.addLine(bankAccount, date(1), 1000, 0)
	repo.addLine(bankAccount, date(3), 0, 250)
	repo.addLine(bankAccount, date(5), 75.5, 0)

	rows, err := svc.Unreconciled(ctx, bankAccount, date(10))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.InDelta(t, 1000.0, rows[0].RunningBalance, 0.001)
	require.InDelta(t, 750.0, rows[1].RunningBalance, 0.001)
	require.InDelta(t, 825.5, rows[2].RunningBalance, 0.001)
}

func TestReconciliationMarshalsSnakeCase(t *testing.T) {
	raw, err := json.Marshal(UnreconciledRow{
		LineView:       LineView{LineID: 1, EntryID: 2, EntryDate: date(1), Debit: 100},
		RunningBalance: 100,
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Contains(t, doc, "line_id")
	require.Contains(t, doc, "entry_date")
	require.Contains(t, doc, "running_balance")
	require.NotContains(t, doc, "RunningBalance")
}
