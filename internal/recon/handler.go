package recon

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/observability"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/httpx"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Handler wires HTTP endpoints for bank reconciliation.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	metrics   *observability.Metrics
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, metrics: metrics, validator: validator.New()}
}

// MountRoutes registers reconciliation routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleOpen)
	r.Get("/unreconciled", h.handleUnreconciled)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/lines", h.handleLines)
	r.Post("/{id}/lines/{lineID}/clear", h.handleClear)
	r.Post("/{id}/lines/{lineID}/unclear", h.handleUnclear)
	r.Post("/{id}/complete", h.handleComplete)
	r.Post("/{id}/cancel", h.handleCancel)
}

type openRequest struct {
	AccountID        int64   `json:"account_id" validate:"required"`
	StatementDate    string  `json:"statement_date" validate:"required,datetime=2006-01-02"`
	StatementBalance float64 `json:"statement_balance"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var accountID *int64
	if raw := r.URL.Query().Get("account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "account_id must be an integer")
			return
		}
		accountID = &id
	}
	recs, err := h.service.List(r.Context(), accountID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, recs)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	statementDate, err := time.Parse("2006-01-02", req.StatementDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "statement_date must be YYYY-MM-DD")
		return
	}
	rec, err := h.service.Open(r.Context(), req.AccountID, statementDate, req.StatementBalance, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleUnreconciled(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "account_id is required")
		return
	}
	asOf := time.Now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err = time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "as_of must be YYYY-MM-DD")
			return
		}
	}
	rows, err := h.service.Unreconciled(r.Context(), accountID, asOf)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleLines(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lines, err := h.service.ListLines(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lines)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, true)
}

func (h *Handler) handleUnclear(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, false)
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request, cleared bool) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	actor := shared.ActorFromContext(r.Context())
	var (
		rec Reconciliation
		err error
	)
	if cleared {
		rec, err = h.service.MarkCleared(r.Context(), id, lineID, actor)
	} else {
		rec, err = h.service.UnmarkCleared(r.Context(), id, lineID, actor)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.service.Complete(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.ReconciliationCompleted()
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var badType *InvalidAccountTypeError
	var locked *ReconciliationLockedError
	var unbalanced *UnbalancedReconciliationError
	switch {
	case errors.Is(err, ErrReconciliationNotFound), errors.Is(err, ErrLineNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &badType):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Account Type", err.Error())
	case errors.As(err, &unbalanced):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unbalanced Reconciliation", err.Error())
	case errors.As(err, &locked), errors.Is(err, ErrAlreadyInProgress),
		errors.Is(err, ErrLineNotEligible), errors.Is(err, ErrLineAlreadyReconciled):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("recon request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Identifier", "path id must be a positive integer")
		return 0, false
	}
	return id, true
}
