package fiscal

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerkeep/ledgerkeep/internal/platform/httpx"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Handler wires HTTP endpoints for the fiscal calendar.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers fiscal routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/years", h.handleListYears)
	r.Post("/years", h.handleCreateYear)
	r.Get("/years/{id}/periods", h.handleListPeriods)
	r.Post("/years/{id}/close", h.handleCloseYear)
	r.Post("/periods/{id}/close", h.handleClosePeriod)
	r.Post("/periods/{id}/reopen", h.handleReopenPeriod)
}

type createYearRequest struct {
	Label     string `json:"label" validate:"required"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
}

type yearResponse struct {
	Year    Year     `json:"year"`
	Periods []Period `json:"periods"`
}

func (h *Handler) handleListYears(w http.ResponseWriter, r *http.Request) {
	years, err := h.service.ListYears(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, years)
}

func (h *Handler) handleCreateYear(w http.ResponseWriter, r *http.Request) {
	var req createYearRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "start_date must be YYYY-MM-DD")
		return
	}
	year, periods, err := h.service.CreateYear(r.Context(), CreateYearInput{
		Label:     req.Label,
		StartDate: start,
		Actor:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, yearResponse{Year: year, Periods: periods})
}

func (h *Handler) handleListPeriods(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	periods, err := h.service.ListPeriods(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, periods)
}

func (h *Handler) handleCloseYear(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	year, err := h.service.CloseYear(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, year)
}

func (h *Handler) handleClosePeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	period, err := h.service.ClosePeriod(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) handleReopenPeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	period, err := h.service.ReopenPeriod(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrYearNotFound), errors.Is(err, ErrPeriodNotFound), errors.Is(err, ErrNoPeriodForDate):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrYearHasOpenPeriods), errors.Is(err, ErrYearOverlap):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("fiscal request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Identifier", "path id must be a positive integer")
		return 0, false
	}
	return id, true
}
