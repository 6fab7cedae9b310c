package ledger

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkeep/ledgerkeep/internal/fiscal"
	"github.com/ledgerkeep/ledgerkeep/internal/observability"
)

func TestEntryMarshalsSnakeCase(t *testing.T) {
	eventID := int64(7)
	entry := JournalEntry{
		ID:      1,
		EventID: &eventID,
		Date:    time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC),
		Status:  EntryStatusPosted,
		Lines: []JournalLine{
			{ID: 10, EntryID: 1, AccountID: 100, Debit: 250},
		},
	}
	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Contains(t, doc, "event_id")
	require.Contains(t, doc, "posted_at")
	require.NotContains(t, doc, "EventID")
	line := doc["lines"].([]any)[0].(map[string]any)
	require.Contains(t, line, "account_id")
	require.Contains(t, line, "reconciliation_id")
}

func TestRespondErrorStatusMapping(t *testing.T) {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, observability.NewMetrics())

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"missing entry", ErrEntryNotFound, http.StatusNotFound},
		{"unbalanced entry", &UnbalancedEntryError{Debit: 100, Credit: 40}, http.StatusUnprocessableEntity},
		{"closed period", &fiscal.ClosedPeriodError{PeriodCode: "2026-05", Date: time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)}, http.StatusConflict},
		{"date outside calendar", fiscal.ErrNoPeriodForDate, http.StatusUnprocessableEntity},
		{"event reuse", ErrEventAlreadyUsed, http.StatusConflict},
		{"invalid line", ErrInvalidLine, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.respondError(rec, tc.err)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}
