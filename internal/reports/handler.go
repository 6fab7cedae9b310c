package reports

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/httpx"
)

// Handler wires HTTP endpoints for reports.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers report routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/balance/{accountID}", h.handleBalance)
	r.Get("/trial-balance", h.handleTrial)
	r.Get("/ar-aging", h.handleAging)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil || accountID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Identifier", "account id must be a positive integer")
		return
	}
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	balance, err := h.service.Balance(r.Context(), accountID, asOf)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleTrial(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	tb, err := h.service.Trial(r.Context(), asOf)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tb)
}

func (h *Handler) handleAging(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	aging, err := h.service.Aging(r.Context(), asOf)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aging)
}

func (h *Handler) asOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "as_of must be YYYY-MM-DD")
			return time.Time{}, false
		}
		return asOf, true
	}
	return time.Now(), true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrAccountNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	h.logger.Error("report request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
