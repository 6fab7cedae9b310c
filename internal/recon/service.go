package recon

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// LineInfo is the slice of a journal line the reconciliation rules need.
type LineInfo struct {
	LineID           int64
	AccountID        int64
	EntryDate        time.Time
	EntryStatus      ledger.EntryStatus
	Debit            float64
	Credit           float64
	ReconciliationID *int64
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, reconciliationID int64) (Reconciliation, error)
	List(ctx context.Context, accountID *int64) ([]Reconciliation, error)
	ListLines(ctx context.Context, reconciliationID int64) ([]LineView, error)
	UnreconciledLines(ctx context.Context, accountID int64, asOf time.Time) ([]LineView, error)
}

// TxRepository exposes operations available within a transaction.
type TxRepository interface {
	GetAccountType(ctx context.Context, accountID int64) (ledger.AccountType, error)
	HasInProgress(ctx context.Context, accountID int64) (bool, error)
	SumPostedLines(ctx context.Context, accountID int64, asOf time.Time) (float64, error)
	InsertReconciliation(ctx context.Context, rec Reconciliation) (Reconciliation, error)
	GetForUpdate(ctx context.Context, reconciliationID int64) (Reconciliation, error)
	GetLineInfo(ctx context.Context, lineID int64) (LineInfo, error)
	IsCleared(ctx context.Context, reconciliationID, lineID int64) (bool, error)
	MarkCleared(ctx context.Context, reconciliationID, lineID int64) error
	UnmarkCleared(ctx context.Context, reconciliationID, lineID int64) error
	SumClearedLines(ctx context.Context, reconciliationID int64) (float64, error)
	StampClearedLines(ctx context.Context, reconciliationID int64) (int, error)
	SetStatus(ctx context.Context, reconciliationID int64, status Status, completedAt *time.Time, completedBy string) error
	InsertAuditLog(ctx context.Context, log shared.AuditLog) error
}

// Service runs bank reconciliations.
type Service struct {
	repo RepositoryPort
	now  func() time.Time
}

// NewService constructs the reconciliation service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Open starts a reconciliation for an asset account. The book balance is
// snapshotted as the signed sum of posted lines dated on or before the
// statement date.
func (s *Service) Open(ctx context.Context, accountID int64, statementDate time.Time, statementBalance float64, actor string) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		accountType, err := tx.GetAccountType(ctx, accountID)
		if err != nil {
			return err
		}
		if accountType != ledger.AccountTypeAsset {
			return &InvalidAccountTypeError{AccountID: accountID, AccountType: accountType}
		}
		inProgress, err := tx.HasInProgress(ctx, accountID)
		if err != nil {
			return err
		}
		if inProgress {
			return ErrAlreadyInProgress
		}
		bookBalance, err := tx.SumPostedLines(ctx, accountID, statementDate)
		if err != nil {
			return err
		}

		rec, err = tx.InsertReconciliation(ctx, Reconciliation{
			AccountID:        accountID,
			StatementDate:    statementDate,
			StatementBalance: shared.Round2(statementBalance),
			BookBalance:      shared.Round2(bookBalance),
			Status:           StatusInProgress,
			CreatedAt:        s.now(),
			UpdatedAt:        s.now(),
		})
		if err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionCreate,
			Entity:   "reconciliation",
			EntityID: fmt.Sprintf("%d", rec.ID),
			Meta: map[string]any{
				"account_id":        accountID,
				"statement_date":    statementDate.Format("2006-01-02"),
				"statement_balance": rec.StatementBalance,
				"book_balance":      rec.BookBalance,
			},
			At: s.now(),
		})
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return rec, nil
}

// MarkCleared flags a line as present on the bank statement. Only posted
// lines on the reconciliation's account, dated inside its window and not
// locked by an earlier reconciliation, are eligible.
func (s *Service) MarkCleared(ctx context.Context, reconciliationID, lineID int64, actor string) (Reconciliation, error) {
	return s.toggleCleared(ctx, reconciliationID, lineID, actor, true)
}

// UnmarkCleared removes a line from the cleared set.
func (s *Service) UnmarkCleared(ctx context.Context, reconciliationID, lineID int64, actor string) (Reconciliation, error) {
	return s.toggleCleared(ctx, reconciliationID, lineID, actor, false)
}

func (s *Service) toggleCleared(ctx context.Context, reconciliationID, lineID int64, actor string, cleared bool) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, err = tx.GetForUpdate(ctx, reconciliationID)
		if err != nil {
			return err
		}
		if rec.Status != StatusInProgress {
			return &ReconciliationLockedError{ReconciliationID: reconciliationID, Status: rec.Status}
		}
		line, err := tx.GetLineInfo(ctx, lineID)
		if err != nil {
			return err
		}
		if line.AccountID != rec.AccountID || line.EntryStatus != ledger.EntryStatusPosted || line.EntryDate.After(rec.StatementDate) {
			return ErrLineNotEligible
		}
		if line.ReconciliationID != nil {
			return ErrLineAlreadyReconciled
		}

		if cleared {
			already, err := tx.IsCleared(ctx, reconciliationID, lineID)
			if err != nil {
				return err
			}
			if !already {
				if err := tx.MarkCleared(ctx, reconciliationID, lineID); err != nil {
					return err
				}
			}
		} else {
			if err := tx.UnmarkCleared(ctx, reconciliationID, lineID); err != nil {
				return err
			}
		}

		sum, err := tx.SumClearedLines(ctx, reconciliationID)
		if err != nil {
			return err
		}
		rec.ClearedBalance = shared.Round2(sum)
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "reconciliation",
			EntityID: fmt.Sprintf("%d", reconciliationID),
			Meta: map[string]any{
				"line_id": lineID,
				"cleared": cleared,
			},
			At: s.now(),
		})
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return rec, nil
}

// Complete finishes a reconciliation. The cleared balance must match the
// statement balance within a cent; the cleared lines are then stamped with
// the reconciliation id and locked against change.
func (s *Service) Complete(ctx context.Context, reconciliationID int64, actor string) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, err = tx.GetForUpdate(ctx, reconciliationID)
		if err != nil {
			return err
		}
		if rec.Status != StatusInProgress {
			return &ReconciliationLockedError{ReconciliationID: reconciliationID, Status: rec.Status}
		}
		sum, err := tx.SumClearedLines(ctx, reconciliationID)
		if err != nil {
			return err
		}
		rec.ClearedBalance = shared.Round2(sum)
		diff := shared.Round2(rec.ClearedBalance - rec.StatementBalance)
		if math.Abs(diff) > shared.Epsilon {
			return &UnbalancedReconciliationError{Difference: diff}
		}

		stamped, err := tx.StampClearedLines(ctx, reconciliationID)
		if err != nil {
			return err
		}
		completedAt := s.now()
		if err := tx.SetStatus(ctx, reconciliationID, StatusCompleted, &completedAt, actor); err != nil {
			return err
		}
		rec.Status = StatusCompleted
		rec.CompletedAt = &completedAt
		rec.CompletedBy = actor
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "reconciliation",
			EntityID: fmt.Sprintf("%d", reconciliationID),
			Meta: map[string]any{
				"status":        string(StatusCompleted),
				"lines_stamped": stamped,
			},
			At: s.now(),
		})
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return rec, nil
}

// Cancel abandons an in-progress reconciliation; its cleared set is
// discarded and no lines are locked.
func (s *Service) Cancel(ctx context.Context, reconciliationID int64, actor string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetForUpdate(ctx, reconciliationID)
		if err != nil {
			return err
		}
		if rec.Status != StatusInProgress {
			return &ReconciliationLockedError{ReconciliationID: reconciliationID, Status: rec.Status}
		}
		if err := tx.SetStatus(ctx, reconciliationID, StatusCancelled, nil, ""); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "reconciliation",
			EntityID: fmt.Sprintf("%d", reconciliationID),
			Meta:     map[string]any{"status": string(StatusCancelled)},
			At:       s.now(),
		})
	})
}

// Get returns one reconciliation with its cleared balance refreshed.
func (s *Service) Get(ctx context.Context, reconciliationID int64) (Reconciliation, error) {
	return s.repo.Get(ctx, reconciliationID)
}

// List returns reconciliations, optionally restricted to one account.
func (s *Service) List(ctx context.Context, accountID *int64) ([]Reconciliation, error) {
	return s.repo.List(ctx, accountID)
}

// ListLines returns the account's candidate lines for a reconciliation with
// their cleared flags.
func (s *Service) ListLines(ctx context.Context, reconciliationID int64) ([]LineView, error) {
	return s.repo.ListLines(ctx, reconciliationID)
}

// UnreconciledReport lists an account's posted, unlocked lines up to a date
// with a running signed balance, oldest first.
type UnreconciledRow struct {
	LineView
	RunningBalance float64 `json:"running_balance"`
}

// Unreconciled returns the account's unlocked posted lines up to asOf with a
// running balance.
func (s *Service) Unreconciled(ctx context.Context, accountID int64, asOf time.Time) ([]UnreconciledRow, error) {
	lines, err := s.repo.UnreconciledLines(ctx, accountID, asOf)
	if err != nil {
		return nil, err
	}
	rows := make([]UnreconciledRow, 0, len(lines))
	var running float64
	for _, l := range lines {
		running = shared.Round2(running + l.SignedAmount())
		rows = append(rows, UnreconciledRow{LineView: l, RunningBalance: running})
	}
	return rows, nil
}
