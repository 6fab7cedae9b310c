package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerkeep/ledgerkeep/internal/fiscal"
	"github.com/ledgerkeep/ledgerkeep/internal/observability"
	"github.com/ledgerkeep/ledgerkeep/internal/platform/httpx"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Handler wires HTTP endpoints for the journal.
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

// MountRoutes registers journal routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/accounts", h.handleListAccounts)
	r.Post("/events", h.handleCreateEvent)
	r.Get("/entries", h.handleListEntries)
	r.Post("/entries", h.handleCreateDraft)
	r.Post("/entries/post", h.handleCreateAndPost)
	r.Get("/entries/{id}", h.handleGetEntry)
	r.Patch("/entries/{id}", h.handleUpdateHeader)
	r.Delete("/entries/{id}", h.handleDeleteDraft)
	r.Post("/entries/{id}/post", h.handlePost)
	r.Post("/entries/{id}/void", h.handleVoid)
	r.Post("/entries/{id}/lines", h.handleAddLine)
	r.Put("/entries/{id}/lines/{lineID}", h.handleUpdateLine)
	r.Delete("/entries/{id}/lines/{lineID}", h.handleRemoveLine)
}

type lineRequest struct {
	AccountID int64   `json:"account_id" validate:"required"`
	Debit     float64 `json:"debit" validate:"gte=0"`
	Credit    float64 `json:"credit" validate:"gte=0"`
}

type entryRequest struct {
	Date        string        `json:"date" validate:"required,datetime=2006-01-02"`
	Description string        `json:"description" validate:"required"`
	Reference   string        `json:"reference"`
	EventID     *int64        `json:"event_id"`
	Lines       []lineRequest `json:"lines" validate:"required,min=2,dive"`
}

type eventRequest struct {
	EventType   string `json:"event_type" validate:"required"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

type headerRequest struct {
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Description string `json:"description" validate:"required"`
	Reference   string `json:"reference"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) decodeDraft(r *http.Request) (DraftInput, error) {
	var req entryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return DraftInput{}, err
	}
	if err := h.validator.Struct(req); err != nil {
		return DraftInput{}, err
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return DraftInput{}, err
	}
	lines := make([]LineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, LineInput{AccountID: l.AccountID, Debit: l.Debit, Credit: l.Credit})
	}
	return DraftInput{
		Date:        date,
		Description: req.Description,
		Reference:   req.Reference,
		EventID:     req.EventID,
		Lines:       lines,
		Actor:       shared.ActorFromContext(r.Context()),
	}, nil
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, accounts)
}

func (h *Handler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	event, err := h.service.CreateEvent(r.Context(), EventInput{
		EventType:   req.EventType,
		Description: req.Description,
		Reference:   req.Reference,
		CreatedBy:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, event)
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	in, err := h.decodeDraft(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.CreateDraftEntry(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleCreateAndPost(w http.ResponseWriter, r *http.Request) {
	in, err := h.decodeDraft(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.CreateAndPost(r.Context(), in, in.Actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.EntryPosted()
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) handleUpdateHeader(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req headerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
		return
	}
	entry, err := h.service.UpdateDraftHeader(r.Context(), id, date, req.Description, req.Reference, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.service.Post(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.EntryPosted()
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req voidRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.Void(r.Context(), id, req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.EntryVoided()
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) handleAddLine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	line, err := h.service.AddLine(r.Context(), id, LineInput{AccountID: req.AccountID, Debit: req.Debit, Credit: req.Credit}, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, line)
}

func (h *Handler) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return
	}
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.service.UpdateLine(r.Context(), id, lineID, LineInput{AccountID: req.AccountID, Debit: req.Debit, Credit: req.Credit}, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return
	}
	if err := h.service.RemoveLine(r.Context(), id, lineID, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var unbalanced *UnbalancedEntryError
	var closed *fiscal.ClosedPeriodError
	switch {
	case errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrLineNotFound), errors.Is(err, ErrAccountNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &unbalanced):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unbalanced Entry", err.Error())
	case errors.As(err, &closed):
		h.metrics.ClosedPeriodRejection()
		httpx.Problem(w, http.StatusConflict, "Period Closed", err.Error())
	case errors.Is(err, fiscal.ErrNoPeriodForDate):
		httpx.Problem(w, http.StatusUnprocessableEntity, "No Fiscal Period", err.Error())
	case errors.Is(err, ErrImmutableEntry), errors.Is(err, ErrAlreadyPosted), errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrEventAlreadyUsed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidLine), errors.Is(err, ErrTooFewLines):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Identifier", "path id must be a positive integer")
		return 0, false
	}
	return id, true
}
