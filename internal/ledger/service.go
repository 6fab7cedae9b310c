package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetEntry(ctx context.Context, entryID int64) (JournalEntry, error)
	ListEntries(ctx context.Context) ([]JournalEntry, error)
	ListAccounts(ctx context.Context) ([]Account, error)
}

// TxRepository exposes operations available within a transaction.
type TxRepository interface {
	AccountExists(ctx context.Context, accountID int64) (bool, error)
	InsertEvent(ctx context.Context, event TransactionEvent) (TransactionEvent, error)
	InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	InsertLine(ctx context.Context, line JournalLine) (JournalLine, error)
	GetEntryForUpdate(ctx context.Context, entryID int64) (JournalEntry, error)
	UpdateEntryHeader(ctx context.Context, entryID int64, date time.Time, description, reference string) error
	UpdateLine(ctx context.Context, line JournalLine) error
	DeleteLine(ctx context.Context, lineID int64) error
	MarkPosted(ctx context.Context, entryID int64, postedAt time.Time, postedBy string) error
	MarkVoid(ctx context.Context, entryID int64, voidedAt time.Time, reason string) error
	DeleteEntry(ctx context.Context, entryID int64) error
	InsertAuditLog(ctx context.Context, log shared.AuditLog) error
}

// PeriodGuard blocks writes whose effective date falls in a closed period.
type PeriodGuard interface {
	EnsureOpen(ctx context.Context, date time.Time) error
}

// Service is the journal posting engine.
type Service struct {
	repo        RepositoryPort
	guard       PeriodGuard
	invalidator CacheInvalidator
	now         func() time.Time
}

// CacheInvalidator drops derived read models whenever posted state changes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// NewService constructs the posting engine.
func NewService(repo RepositoryPort, guard PeriodGuard) *Service {
	return &Service{repo: repo, guard: guard, now: time.Now}
}

// WithInvalidator registers a cache to drop after posts and voids.
func (s *Service) WithInvalidator(inv CacheInvalidator) {
	s.invalidator = inv
}

func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator != nil {
		// Best effort.
		_ = s.invalidator.Invalidate(ctx)
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateEvent records a new transaction event, the audit anchor for the
// ledger changes that follow it.
func (s *Service) CreateEvent(ctx context.Context, in EventInput) (TransactionEvent, error) {
	if in.EventType == "" {
		return TransactionEvent{}, errors.New("ledger: event type required")
	}
	var event TransactionEvent
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		event, err = tx.InsertEvent(ctx, TransactionEvent{
			Ref:         uuid.New(),
			EventType:   in.EventType,
			Description: in.Description,
			Reference:   in.Reference,
			CreatedBy:   in.CreatedBy,
			CreatedAt:   s.now(),
		})
		if err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    in.CreatedBy,
			Action:   shared.AuditActionCreate,
			Entity:   "transaction_event",
			EntityID: fmt.Sprintf("%d", event.ID),
			Meta:     map[string]any{"event_type": in.EventType, "ref": event.Ref.String()},
			At:       s.now(),
		})
	})
	if err != nil {
		return TransactionEvent{}, err
	}
	return event, nil
}

// CreateDraftEntry validates and persists a new draft journal entry.
func (s *Service) CreateDraftEntry(ctx context.Context, in DraftInput) (JournalEntry, error) {
	if err := in.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if s.guard != nil {
		if err := s.guard.EnsureOpen(ctx, in.Date); err != nil {
			return JournalEntry{}, err
		}
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range in.Lines {
			ok, err := tx.AccountExists(ctx, line.AccountID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: account %d", ErrAccountNotFound, line.AccountID)
			}
		}
		inserted, err := tx.InsertEntry(ctx, JournalEntry{
			EventID:     in.EventID,
			Date:        in.Date,
			Description: in.Description,
			Reference:   in.Reference,
			Status:      EntryStatusDraft,
		})
		if err != nil {
			return err
		}
		for _, line := range in.Lines {
			saved, err := tx.InsertLine(ctx, JournalLine{
				EntryID:   inserted.ID,
				AccountID: line.AccountID,
				Debit:     shared.Round2(line.Debit),
				Credit:    shared.Round2(line.Credit),
			})
			if err != nil {
				return err
			}
			inserted.Lines = append(inserted.Lines, saved)
		}
		entry = inserted
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    in.Actor,
			Action:   shared.AuditActionCreate,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entry.ID),
			Meta:     map[string]any{"lines": len(in.Lines), "date": in.Date.Format("2006-01-02")},
			At:       s.now(),
		})
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// UpdateDraftHeader changes date/description/reference of a draft entry. A
// date change re-runs the period guard for the new date.
func (s *Service) UpdateDraftHeader(ctx context.Context, entryID int64, date time.Time, description, reference, actor string) (JournalEntry, error) {
	if date.IsZero() {
		return JournalEntry{}, errors.New("ledger: entry date required")
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if current.Status != EntryStatusDraft {
			return ErrImmutableEntry
		}
		if !current.Date.Equal(date) && s.guard != nil {
			if err := s.guard.EnsureOpen(ctx, date); err != nil {
				return err
			}
		}
		if err := tx.UpdateEntryHeader(ctx, entryID, date, description, reference); err != nil {
			return err
		}
		entry = current
		entry.Date = date
		entry.Description = description
		entry.Reference = reference
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entryID),
			Meta:     map[string]any{"date": date.Format("2006-01-02")},
			At:       s.now(),
		})
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// AddLine appends a line to a draft entry.
func (s *Service) AddLine(ctx context.Context, entryID int64, in LineInput, actor string) (JournalLine, error) {
	if err := in.Validate(); err != nil {
		return JournalLine{}, err
	}
	var line JournalLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != EntryStatusDraft {
			return ErrImmutableEntry
		}
		ok, err := tx.AccountExists(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: account %d", ErrAccountNotFound, in.AccountID)
		}
		line, err = tx.InsertLine(ctx, JournalLine{
			EntryID:   entryID,
			AccountID: in.AccountID,
			Debit:     shared.Round2(in.Debit),
			Credit:    shared.Round2(in.Credit),
		})
		if err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entryID),
			Meta:     map[string]any{"line_added": line.ID},
			At:       s.now(),
		})
	})
	if err != nil {
		return JournalLine{}, err
	}
	return line, nil
}

// UpdateLine replaces the account/amounts of a draft entry's line.
func (s *Service) UpdateLine(ctx context.Context, entryID, lineID int64, in LineInput, actor string) error {
	if err := in.Validate(); err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != EntryStatusDraft {
			return ErrImmutableEntry
		}
		if !entryHasLine(entry, lineID) {
			return ErrLineNotFound
		}
		ok, err := tx.AccountExists(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: account %d", ErrAccountNotFound, in.AccountID)
		}
		if err := tx.UpdateLine(ctx, JournalLine{
			ID:        lineID,
			EntryID:   entryID,
			AccountID: in.AccountID,
			Debit:     shared.Round2(in.Debit),
			Credit:    shared.Round2(in.Credit),
		}); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entryID),
			Meta:     map[string]any{"line_updated": lineID},
			At:       s.now(),
		})
	})
}

// RemoveLine deletes a line from a draft entry.
func (s *Service) RemoveLine(ctx context.Context, entryID, lineID int64, actor string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != EntryStatusDraft {
			return ErrImmutableEntry
		}
		if !entryHasLine(entry, lineID) {
			return ErrLineNotFound
		}
		if err := tx.DeleteLine(ctx, lineID); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionUpdate,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entryID),
			Meta:     map[string]any{"line_removed": lineID},
			At:       s.now(),
		})
	})
}

// Post transitions a draft entry to posted after the balance check. Posting
// an already-posted entry fails with ErrAlreadyPosted and records nothing.
func (s *Service) Post(ctx context.Context, entryID int64, postedBy string) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		switch current.Status {
		case EntryStatusPosted:
			return ErrAlreadyPosted
		case EntryStatusVoid:
			return ErrInvalidStatus
		}
		debit, credit := current.Totals()
		if !shared.AmountsEqual(debit, credit) {
			return &UnbalancedEntryError{Debit: debit, Credit: credit}
		}
		// The period may have closed since the draft was created.
		if s.guard != nil {
			if err := s.guard.EnsureOpen(ctx, current.Date); err != nil {
				return err
			}
		}
		ts := s.now()
		if err := tx.MarkPosted(ctx, entryID, ts, postedBy); err != nil {
			return err
		}
		entry = current
		entry.Status = EntryStatusPosted
		entry.PostedAt = &ts
		entry.PostedBy = postedBy
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    postedBy,
			Action:   shared.AuditActionPost,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entryID),
			Meta:     map[string]any{"debit": debit, "credit": credit},
			At:       ts,
		})
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.invalidate(ctx)
	return entry, nil
}

// CreateAndPost creates and posts an entry in one transaction. Document
// flows use it so that no half-created draft survives a failed balance
// check.
func (s *Service) CreateAndPost(ctx context.Context, in DraftInput, postedBy string) (JournalEntry, error) {
	if err := in.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var debit, credit float64
	for _, line := range in.Lines {
		debit += line.Debit
		credit += line.Credit
	}
	if !shared.AmountsEqual(debit, credit) {
		return JournalEntry{}, &UnbalancedEntryError{Debit: debit, Credit: credit}
	}
	if s.guard != nil {
		if err := s.guard.EnsureOpen(ctx, in.Date); err != nil {
			return JournalEntry{}, err
		}
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range in.Lines {
			ok, err := tx.AccountExists(ctx, line.AccountID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: account %d", ErrAccountNotFound, line.AccountID)
			}
		}
		ts := s.now()
		inserted, err := tx.InsertEntry(ctx, JournalEntry{
			EventID:     in.EventID,
			Date:        in.Date,
			Description: in.Description,
			Reference:   in.Reference,
			Status:      EntryStatusDraft,
		})
		if err != nil {
			return err
		}
		for _, line := range in.Lines {
			saved, err := tx.InsertLine(ctx, JournalLine{
				EntryID:   inserted.ID,
				AccountID: line.AccountID,
				Debit:     shared.Round2(line.Debit),
				Credit:    shared.Round2(line.Credit),
			})
			if err != nil {
				return err
			}
			inserted.Lines = append(inserted.Lines, saved)
		}
		if err := tx.MarkPosted(ctx, inserted.ID, ts, postedBy); err != nil {
			return err
		}
		entry = inserted
		entry.Status = EntryStatusPosted
		entry.PostedAt = &ts
		entry.PostedBy = postedBy
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    postedBy,
			Action:   shared.AuditActionPost,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entry.ID),
			Meta:     map[string]any{"debit": debit, "credit": credit},
			At:       ts,
		})
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.invalidate(ctx)
	return entry, nil
}

// Void transitions a posted entry to void. Lines remain for audit; whether a
// dependent document is safe to void is the caller's responsibility.
func (s *Service) Void(ctx context.Context, entryID int64, reason, actor string) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if current.Status != EntryStatusPosted {
			return ErrInvalidStatus
		}
		ts := s.now()
		if err := tx.MarkVoid(ctx, entryID, ts, reason); err != nil {
			return err
		}
		entry = current
		entry.Status = EntryStatusVoid
		entry.VoidedAt = &ts
		entry.VoidReason = reason
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionVoid,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entryID),
			Meta:     map[string]any{"reason": reason},
			At:       ts,
		})
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.invalidate(ctx)
	return entry, nil
}

// Delete removes a draft entry and its lines. Posted and void entries are
// immutable; callers must void instead.
func (s *Service) Delete(ctx context.Context, entryID int64, actor string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != EntryStatusDraft {
			return ErrImmutableEntry
		}
		if err := tx.DeleteEntry(ctx, entryID); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditActionDelete,
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entryID),
			At:       s.now(),
		})
	})
}

// Get returns an entry with its lines.
func (s *Service) Get(ctx context.Context, entryID int64) (JournalEntry, error) {
	return s.repo.GetEntry(ctx, entryID)
}

// List returns all journal entries.
func (s *Service) List(ctx context.Context) ([]JournalEntry, error) {
	return s.repo.ListEntries(ctx)
}

// ListAccounts returns the chart of accounts.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.repo.ListAccounts(ctx)
}

func entryHasLine(entry JournalEntry, lineID int64) bool {
	for _, line := range entry.Lines {
		if line.ID == lineID {
			return true
		}
	}
	return false
}
