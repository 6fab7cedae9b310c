package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerkeep/ledgerkeep/internal/platform/httpx"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Handler wires the audit timeline endpoint.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/timeline", h.handleTimeline)
}

type timelineResponse struct {
	Rows   []TimelineRow     `json:"rows"`
	Paging shared.PagingInfo `json:"paging"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := TimelineFilters{
		Actor:  q.Get("actor"),
		Entity: q.Get("entity"),
		Action: q.Get("action"),
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "from must be YYYY-MM-DD")
			return
		}
		filters.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "to must be YYYY-MM-DD")
			return
		}
		filters.To = to
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, timelineResponse{Rows: result.Rows, Paging: result.Paging})
}
