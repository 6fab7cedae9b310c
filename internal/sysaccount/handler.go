package sysaccount

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerkeep/ledgerkeep/internal/platform/httpx"
)

// Handler wires HTTP endpoints for system account role mappings.
type Handler struct {
	logger    *slog.Logger
	repo      *Repository
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo, validator: validator.New()}
}

// MountRoutes registers mapping routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Put("/{role}", h.handleAssign)
}

type assignRequest struct {
	AccountID int64 `json:"account_id" validate:"required,gt=0"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("list system accounts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mappings)
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	role := Role(chi.URLParam(r, "role"))
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.repo.Assign(r.Context(), role, req.AccountID); err != nil {
		if errors.Is(err, ErrNotConfigured) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("assign system account", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
