package ap

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkeep/ledgerkeep/internal/fiscal"
	"github.com/ledgerkeep/ledgerkeep/internal/observability"
)

func TestBillMarshalsSnakeCase(t *testing.T) {
	raw, err := json.Marshal(Bill{ID: 1, Number: "BILL-001", ContactID: 5, Subtotal: 100, TaxAmount: 10, Total: 110})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Contains(t, doc, "contact_id")
	require.Contains(t, doc, "paid_amount")
	require.NotContains(t, doc, "ContactID")
}

func TestRespondErrorStatusMapping(t *testing.T) {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, observability.NewMetrics())

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"missing bill", ErrBillNotFound, http.StatusNotFound},
		{"bill ceiling", &BillOverallocatedError{BillID: 1, Excess: 25}, http.StatusUnprocessableEntity},
		{"date outside calendar", fiscal.ErrNoPeriodForDate, http.StatusUnprocessableEntity},
		{"allocated document", ErrHasAllocations, http.StatusConflict},
		{"non-positive amount", ErrAmountNotPositive, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.respondError(rec, tc.err)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}
