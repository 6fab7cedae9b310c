package ap

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
	"github.com/ledgerkeep/ledgerkeep/internal/sysaccount"
)

// Handler wires HTTP endpoints for payables.
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

// MountRoutes registers payable routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/bills", h.handleListBills)
	r.Post("/bills", h.handleCreateBill)
	r.Get("/bills/{id}", h.handleGetBill)
	r.Post("/bills/{id}/post", h.handlePostBill)
	r.Post("/bills/{id}/void", h.handleVoidBill)
	r.Get("/bills/{id}/allocations", h.handleBillAllocations)

	r.Get("/payments", h.handleListPayments)
	r.Post("/payments", h.handlePayVendor)
	r.Get("/payments/{id}", h.handleGetPayment)
	r.Post("/payments/{id}/void", h.handleVoidPayment)
	r.Get("/payments/{id}/allocations", h.handlePaymentAllocations)
	r.Post("/payments/{id}/allocate-fifo", h.handleAutoAllocate)

	r.Post("/allocations", h.handleAllocate)
	r.Delete("/allocations/{id}", h.handleDeallocate)
}

type billRequest struct {
	Number    string  `json:"number" validate:"required"`
	ContactID int64   `json:"contact_id" validate:"required"`
	IssueDate string  `json:"issue_date" validate:"required,datetime=2006-01-02"`
	DueDate   string  `json:"due_date" validate:"required,datetime=2006-01-02"`
	Subtotal  float64 `json:"subtotal" validate:"gt=0"`
	TaxAmount float64 `json:"tax_amount" validate:"gte=0"`
}

type paymentRequest struct {
	Number    string  `json:"number" validate:"required"`
	ContactID int64   `json:"contact_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
	Method    string  `json:"method"`
	PaidAt    string  `json:"paid_at" validate:"required,datetime=2006-01-02"`
}

type allocateRequest struct {
	PaymentID int64   `json:"payment_id" validate:"required"`
	BillID    int64   `json:"bill_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type autoAllocateResponse struct {
	Allocations []Allocation `json:"allocations"`
	Remainder   float64      `json:"remainder"`
}

func (h *Handler) handleListBills(w http.ResponseWriter, r *http.Request) {
	var contactID *int64
	if raw := r.URL.Query().Get("contact_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "contact_id must be an integer")
			return
		}
		contactID = &id
	}
	bills, err := h.service.ListBills(r.Context(), contactID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bills)
}

func (h *Handler) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var req billRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	issue, err := time.Parse("2006-01-02", req.IssueDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "issue_date must be YYYY-MM-DD")
		return
	}
	due, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "due_date must be YYYY-MM-DD")
		return
	}
	b, err := h.service.CreateBill(r.Context(), BillInput{
		Number:    req.Number,
		ContactID: req.ContactID,
		IssueDate: issue,
		DueDate:   due,
		Subtotal:  req.Subtotal,
		TaxAmount: req.TaxAmount,
		Actor:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, b)
}

func (h *Handler) handleGetBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	b, err := h.service.GetBill(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handlePostBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	b, err := h.service.PostBill(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.EntryPosted()
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handleVoidBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req voidRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	if err := h.service.VoidBill(r.Context(), id, req.Reason, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBillAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	allocs, err := h.service.ListAllocationsForBill(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, allocs)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.service.ListPayments(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payments)
}

func (h *Handler) handlePayVendor(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	paidAt, err := time.Parse("2006-01-02", req.PaidAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "paid_at must be YYYY-MM-DD")
		return
	}
	p, err := h.service.PayVendor(r.Context(), PaymentInput{
		Number:    req.Number,
		ContactID: req.ContactID,
		Amount:    req.Amount,
		Method:    req.Method,
		PaidAt:    paidAt,
		Actor:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.EntryPosted()
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleVoidPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req voidRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	if err := h.service.VoidPayment(r.Context(), id, req.Reason, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePaymentAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	allocs, err := h.service.ListAllocationsForPayment(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, allocs)
}

func (h *Handler) handleAutoAllocate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	allocs, remainder, err := h.service.AutoAllocateFIFO(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	for _, a := range allocs {
		h.metrics.AllocationCreated("ap", string(a.Method))
	}
	httpx.JSON(w, http.StatusOK, autoAllocateResponse{Allocations: allocs, Remainder: remainder})
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	alloc, err := h.service.Allocate(r.Context(), req.PaymentID, req.BillID, req.Amount, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.AllocationCreated("ap", string(alloc.Method))
	httpx.JSON(w, http.StatusCreated, alloc)
}

func (h *Handler) handleDeallocate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Deallocate(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var payTooMuch *PaymentOverallocatedError
	var billTooMuch *BillOverallocatedError
	var shrink *AllocationExceedsNewTotalError
	var closed *fiscal.ClosedPeriodError
	switch {
	case errors.Is(err, ErrBillNotFound), errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrAllocationNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &payTooMuch), errors.As(err, &billTooMuch):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Over-Allocation", err.Error())
	case errors.As(err, &shrink):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Allocation Exceeds Total", err.Error())
	case errors.As(err, &closed):
		h.metrics.ClosedPeriodRejection()
		httpx.Problem(w, http.StatusConflict, "Period Closed", err.Error())
	case errors.Is(err, fiscal.ErrNoPeriodForDate):
		httpx.Problem(w, http.StatusUnprocessableEntity, "No Fiscal Period", err.Error())
	case errors.Is(err, ErrDocumentVoid), errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrHasAllocations):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrAmountNotPositive):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, sysaccount.ErrNotConfigured):
		httpx.Problem(w, http.StatusConflict, "System Account Missing", err.Error())
	default:
		h.logger.Error("ap request failed", slog.Any("error", err))
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
