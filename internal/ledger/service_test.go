package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

type memoryRepo struct {
	accounts  map[int64]bool
	entries   map[int64]*JournalEntry
	events    map[int64]TransactionEvent
	audits    []shared.AuditLog
	nextEvent int64
	nextEntry int64
	nextLine  int64
}

func newMemoryRepo(accountIDs ...int64) *memoryRepo {
	accounts := make(map[int64]bool)
	for _, id := range accountIDs {
		accounts[id] = true
	}
	return &memoryRepo{
		accounts: accounts,
		entries:  make(map[int64]*JournalEntry),
		events:   make(map[int64]TransactionEvent),
	}
}

type memoryTx struct {
	repo *memoryRepo
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetEntry(ctx context.Context, entryID int64) (JournalEntry, error) {
	entry, ok := r.entries[entryID]
	if !ok {
		return JournalEntry{}, ErrEntryNotFound
	}
	return *entry, nil
}

func (r *memoryRepo) ListEntries(ctx context.Context) ([]JournalEntry, error) {
	out := make([]JournalEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (r *memoryRepo) ListAccounts(ctx context.Context) ([]Account, error) {
	out := make([]Account, 0, len(r.accounts))
	for id := range r.accounts {
		out = append(out, Account{ID: id, IsActive: true})
	}
	return out, nil
}

func (tx *memoryTx) AccountExists(ctx context.Context, accountID int64) (bool, error) {
	return tx.repo.accounts[accountID], nil
}

func (tx *memoryTx) InsertEvent(ctx context.Context, event TransactionEvent) (TransactionEvent, error) {
	tx.repo.nextEvent++
	event.ID = tx.repo.nextEvent
	tx.repo.events[event.ID] = event
	return event, nil
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	if entry.EventID != nil {
		for _, existing := range tx.repo.entries {
			if existing.EventID != nil && *existing.EventID == *entry.EventID {
				return JournalEntry{}, ErrEventAlreadyUsed
			}
		}
	}
	tx.repo.nextEntry++
	entry.ID = tx.repo.nextEntry
	stored := entry
	tx.repo.entries[entry.ID] = &stored
	return entry, nil
}

func (tx *memoryTx) InsertLine(ctx context.Context, line JournalLine) (JournalLine, error) {
	entry, ok := tx.repo.entries[line.EntryID]
	if !ok {
		return JournalLine{}, ErrEntryNotFound
	}
	tx.repo.nextLine++
	line.ID = tx.repo.nextLine
	entry.Lines = append(entry.Lines, line)
	return line, nil
}

func (tx *memoryTx) GetEntryForUpdate(ctx context.Context, entryID int64) (JournalEntry, error) {
	entry, ok := tx.repo.entries[entryID]
	if !ok {
		return JournalEntry{}, ErrEntryNotFound
	}
	return *entry, nil
}

func (tx *memoryTx) UpdateEntryHeader(ctx context.Context, entryID int64, date time.Time, description, reference string) error {
	entry, ok := tx.repo.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Date = date
	entry.Description = description
	entry.Reference = reference
	return nil
}

func (tx *memoryTx) UpdateLine(ctx context.Context, line JournalLine) error {
	entry, ok := tx.repo.entries[line.EntryID]
	if !ok {
		return ErrEntryNotFound
	}
	for i := range entry.Lines {
		if entry.Lines[i].ID == line.ID {
			entry.Lines[i].AccountID = line.AccountID
			entry.Lines[i].Debit = line.Debit
			entry.Lines[i].Credit = line.Credit
			return nil
		}
	}
	return ErrLineNotFound
}

func (tx *memoryTx) DeleteLine(ctx context.Context, lineID int64) error {
	for _, entry := range tx.repo.entries {
		for i := range entry.Lines {
			if entry.Lines[i].ID == lineID {
				entry.Lines = append(entry.Lines[:i], entry.Lines[i+1:]...)
				return nil
			}
		}
	}
	return ErrLineNotFound
}

func (tx *memoryTx) MarkPosted(ctx context.Context, entryID int64, postedAt time.Time, postedBy string) error {
	entry, ok := tx.repo.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Status = EntryStatusPosted
	entry.PostedAt = &postedAt
	entry.PostedBy = postedBy
	return nil
}

func (tx *memoryTx) MarkVoid(ctx context.Context, entryID int64, voidedAt time.Time, reason string) error {
	entry, ok := tx.repo.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Status = EntryStatusVoid
	entry.VoidedAt = &voidedAt
	entry.VoidReason = reason
	return nil
}

func (tx *memoryTx) DeleteEntry(ctx context.Context, entryID int64) error {
	delete(tx.repo.entries, entryID)
	return nil
}

func (tx *memoryTx) InsertAuditLog(ctx context.Context, log shared.AuditLog) error {
	tx.repo.audits = append(tx.repo.audits, log)
	return nil
}

type openGuard struct{}

func (openGuard) EnsureOpen(ctx context.Context, date time.Time) error { return nil }

type closedGuard struct{ err error }

func (g closedGuard) EnsureOpen(ctx context.Context, date time.Time) error { return g.err }

func entryDate() time.Time {
	return time.Date(2026, time.April, 15, 0, 0, 0, 0, time.UTC)
}

func balancedDraft() DraftInput {
	return DraftInput{
		Date:        entryDate(),
		Description: "office rent",
		Lines: []LineInput{
			{AccountID: 1, Debit: 500},
			{AccountID: 2, Credit: 500},
		},
		Actor: "operator",
	}
}

func TestCreateDraftAndPost(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	ctx := context.Background()

	entry, err := svc.CreateDraftEntry(ctx, balancedDraft())
	require.NoError(t, err)
	require.Equal(t, EntryStatusDraft, entry.Status)
	require.Len(t, entry.Lines, 2)

	posted, err := svc.Post(ctx, entry.ID, "operator")
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, posted.Status)
	require.NotNil(t, posted.PostedAt)
	require.Equal(t, "operator", posted.PostedBy)

	actions := make([]string, 0, len(repo.audits))
	for _, a := range repo.audits {
		actions = append(actions, a.Action)
	}
	require.Contains(t, actions, shared.AuditActionCreate)
	require.Contains(t, actions, shared.AuditActionPost)
}

func TestPostRejectsUnbalancedEntry(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	ctx := context.Background()

	in := balancedDraft()
	in.Lines[1].Credit = 480
	entry, err := svc.CreateDraftEntry(ctx, in)
	require.NoError(t, err)

	_, err = svc.Post(ctx, entry.ID, "operator")
	var unbalanced *UnbalancedEntryError
	require.ErrorAs(t, err, &unbalanced)
	require.InDelta(t, 500.0, unbalanced.Debit, 0.001)
	require.InDelta(t, 480.0, unbalanced.Credit, 0.001)

	stored, err := svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusDraft, stored.Status)
}

func TestPostToleratesEpsilonDrift(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	ctx := context.Background()

	in := balancedDraft()
	in.Lines[0].Debit = 100.004
	in.Lines[1].Credit = 100
	entry, err := svc.CreateDraftEntry(ctx, in)
	require.NoError(t, err)

	_, err = svc.Post(ctx, entry.ID, "operator")
	require.NoError(t, err)
}

func TestPostTwiceFails(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	ctx := context.Background()

	entry, err := svc.CreateDraftEntry(ctx, balancedDraft())
	require.NoError(t, err)
	_, err = svc.Post(ctx, entry.ID, "operator")
	require.NoError(t, err)

	audits := len(repo.audits)
	_, err = svc.Post(ctx, entry.ID, "operator")
	require.ErrorIs(t, err, ErrAlreadyPosted)
	require.Len(t, repo.audits, audits)
}

func TestPostedEntryIsImmutable(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	ctx := context.Background()

	entry, err := svc.CreateDraftEntry(ctx, balancedDraft())
	require.NoError(t, err)
	_, err = svc.Post(ctx, entry.ID, "operator")
	require.NoError(t, err)

	_, err = svc.UpdateDraftHeader(ctx, entry.ID, entryDate(), "edited", "", "operator")
	require.ErrorIs(t, err, ErrImmutableEntry)

	_, err = svc.AddLine(ctx, entry.ID, LineInput{AccountID: 1, Debit: 10}, "operator")
	require.ErrorIs(t, err, ErrImmutableEntry)

	err = svc.RemoveLine(ctx, entry.ID, entry.Lines[0].ID, "operator")
	require.ErrorIs(t, err, ErrImmutableEntry)

	err = svc.Delete(ctx, entry.ID, "operator")
	require.ErrorIs(t, err, ErrImmutableEntry)
}

func TestVoidLifecycle(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	ctx := context.Background()

	entry, err := svc.CreateDraftEntry(ctx, balancedDraft())
	require.NoError(t, err)

	// Drafts cannot be voided, only deleted.
	_, err = svc.Void(ctx, entry.ID, "typo", "operator")
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.Post(ctx, entry.ID, "operator")
	require.NoError(t, err)

	voided, err := svc.Void(ctx, entry.ID, "duplicate", "operator")
	require.NoError(t, err)
	require.Equal(t, EntryStatusVoid, voided.Status)
	require.Equal(t, "duplicate", voided.VoidReason)
	require.Len(t, voided.Lines, 2)

	_, err = svc.Post(ctx, entry.ID, "operator")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCreateAndPostIsAtomic(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	ctx := context.Background()

	in := balancedDraft()
	in.Lines[1].Credit = 300
	_, err := svc.CreateAndPost(ctx, in, "operator")
	var unbalanced *UnbalancedEntryError
	require.ErrorAs(t, err, &unbalanced)
	require.Empty(t, repo.entries)

	entry, err := svc.CreateAndPost(ctx, balancedDraft(), "operator")
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, entry.Status)
	require.Len(t, repo.entries, 1)
}

func TestEventOwnsAtMostOneEntry(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	ctx := context.Background()

	event, err := svc.CreateEvent(ctx, EventInput{EventType: "invoice_posted", CreatedBy: "operator"})
	require.NoError(t, err)

	in := balancedDraft()
	in.EventID = &event.ID
	_, err = svc.CreateAndPost(ctx, in, "operator")
	require.NoError(t, err)
	audits := len(repo.audits)

	dup := balancedDraft()
	dup.EventID = &event.ID
	_, err = svc.CreateAndPost(ctx, dup, "operator")
	require.ErrorIs(t, err, ErrEventAlreadyUsed)
	require.Len(t, repo.entries, 1)
	require.Len(t, repo.audits, audits)
}

func TestClosedPeriodBlocksWrites(t *testing.T) {
	guardErr := errors.New("period closed")
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, closedGuard{err: guardErr})
	ctx := context.Background()

	_, err := svc.CreateDraftEntry(ctx, balancedDraft())
	require.ErrorIs(t, err, guardErr)

	_, err = svc.CreateAndPost(ctx, balancedDraft(), "operator")
	require.ErrorIs(t, err, guardErr)
	require.Empty(t, repo.entries)
}

func TestDraftInputValidation(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	ctx := context.Background()

	in := balancedDraft()
	in.Lines = in.Lines[:1]
	_, err := svc.CreateDraftEntry(ctx, in)
	require.ErrorIs(t, err, ErrTooFewLines)

	in = balancedDraft()
	in.Lines[0] = LineInput{AccountID: 1, Debit: 10, Credit: 10}
	_, err = svc.CreateDraftEntry(ctx, in)
	require.ErrorIs(t, err, ErrInvalidLine)

	in = balancedDraft()
	in.Lines[0] = LineInput{AccountID: 1}
	_, err = svc.CreateDraftEntry(ctx, in)
	require.ErrorIs(t, err, ErrInvalidLine)

	in = balancedDraft()
	in.Lines[0].AccountID = 99
	_, err = svc.CreateDraftEntry(ctx, in)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCreateEventRecordsAudit(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	event, err := svc.CreateEvent(ctx, EventInput{EventType: "invoice_posted", CreatedBy: "operator"})
	require.NoError(t, err)
	require.NotZero(t, event.ID)
	require.NotEqual(t, "00000000-0000-0000-0000-000000000000", event.Ref.String())
	require.Len(t, repo.audits, 1)
	require.Equal(t, "transaction_event", repo.audits[0].Entity)

	_, err = svc.CreateEvent(ctx, EventInput{})
	require.Error(t, err)
}

type spyInvalidator struct{ calls int }

func (s *spyInvalidator) Invalidate(ctx context.Context) error {
	s.calls++
	return nil
}

func TestPostAndVoidDropReportCache(t *testing.T) {
	repo := newMemoryRepo(1, 2)
	svc := NewService(repo, openGuard{})
	spy := &spyInvalidator{}
	svc.WithInvalidator(spy)
	ctx := context.Background()

	entry, err := svc.CreateDraftEntry(ctx, balancedDraft())
	require.NoError(t, err)
	require.Zero(t, spy.calls)

	_, err = svc.Post(ctx, entry.ID, "operator")
	require.NoError(t, err)
	require.Equal(t, 1, spy.calls)

	_, err = svc.Void(ctx, entry.ID, "mistake", "operator")
	require.NoError(t, err)
	require.Equal(t, 2, spy.calls)
}
