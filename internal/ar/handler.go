package ar

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

// Handler wires HTTP endpoints for receivables.
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

// MountRoutes registers receivable routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices", h.handleListInvoices)
	r.Post("/invoices", h.handleCreateInvoice)
	r.Get("/invoices/{id}", h.handleGetInvoice)
	r.Post("/invoices/{id}/post", h.handlePostInvoice)
	r.Post("/invoices/{id}/void", h.handleVoidInvoice)
	r.Put("/invoices/{id}/amounts", h.handleUpdateAmounts)
	r.Get("/invoices/{id}/allocations", h.handleInvoiceAllocations)

	r.Get("/payments", h.handleListPayments)
	r.Post("/payments", h.handleReceivePayment)
	r.Get("/payments/{id}", h.handleGetPayment)
	r.Post("/payments/{id}/void", h.handleVoidPayment)
	r.Put("/payments/{id}/amount", h.handleReduceAmount)
	r.Get("/payments/{id}/allocations", h.handlePaymentAllocations)
	r.Post("/payments/{id}/allocate-fifo", h.handleAutoAllocate)

	r.Post("/allocations", h.handleAllocate)
	r.Delete("/allocations/{id}", h.handleDeallocate)

	r.Post("/credit-notes", h.handleCreateCreditNote)
	r.Get("/credit-notes/{id}", h.handleGetCreditNote)
	r.Post("/credit-notes/{id}/apply", h.handleApplyCreditNote)
}

type invoiceRequest struct {
	Number    string  `json:"number" validate:"required"`
	ContactID int64   `json:"contact_id" validate:"required"`
	IssueDate string  `json:"issue_date" validate:"required,datetime=2006-01-02"`
	DueDate   string  `json:"due_date" validate:"required,datetime=2006-01-02"`
	Subtotal  float64 `json:"subtotal" validate:"gt=0"`
	TaxAmount float64 `json:"tax_amount" validate:"gte=0"`
	TaxCode   string  `json:"tax_code"`
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
	InvoiceID int64   `json:"invoice_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
}

type creditNoteRequest struct {
	Number    string  `json:"number" validate:"required"`
	ContactID int64   `json:"contact_id" validate:"required"`
	IssueDate string  `json:"issue_date" validate:"required,datetime=2006-01-02"`
	Total     float64 `json:"total" validate:"gt=0"`
}

type applyCreditRequest struct {
	InvoiceID int64   `json:"invoice_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
}

type amountsRequest struct {
	Subtotal  float64 `json:"subtotal" validate:"gt=0"`
	TaxAmount float64 `json:"tax_amount" validate:"gte=0"`
}

type reduceAmountRequest struct {
	Amount float64 `json:"amount" validate:"gt=0"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type autoAllocateResponse struct {
	Allocations []Allocation `json:"allocations"`
	Remainder   float64      `json:"remainder"`
}

func (h *Handler) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	var contactID *int64
	if raw := r.URL.Query().Get("contact_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "contact_id must be an integer")
			return
		}
		contactID = &id
	}
	invoices, err := h.service.ListInvoices(r.Context(), contactID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoices)
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	issue, due, ok := h.parseDates(w, req.IssueDate, req.DueDate)
	if !ok {
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), InvoiceInput{
		Number:    req.Number,
		ContactID: req.ContactID,
		IssueDate: issue,
		DueDate:   due,
		Subtotal:  req.Subtotal,
		TaxAmount: req.TaxAmount,
		TaxCode:   req.TaxCode,
		Actor:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) handlePostInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := h.service.PostInvoice(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.EntryPosted()
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) handleVoidInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req voidRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	if err := h.service.VoidInvoice(r.Context(), id, req.Reason, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpdateAmounts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req amountsRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	inv, err := h.service.UpdateInvoiceAmounts(r.Context(), id, req.Subtotal, req.TaxAmount, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) handleInvoiceAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	allocs, err := h.service.ListAllocationsForInvoice(r.Context(), id)
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

func (h *Handler) handleReceivePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	paidAt, err := time.Parse("2006-01-02", req.PaidAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "paid_at must be YYYY-MM-DD")
		return
	}
	p, err := h.service.ReceivePayment(r.Context(), PaymentInput{
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
	id, ok := h.pathID(w, r, "id")
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
	id, ok := h.pathID(w, r, "id")
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

func (h *Handler) handleReduceAmount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req reduceAmountRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	p, err := h.service.ReducePaymentAmount(r.Context(), id, req.Amount, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handlePaymentAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
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
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	allocs, remainder, err := h.service.AutoAllocateFIFO(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	for _, a := range allocs {
		h.metrics.AllocationCreated("ar", string(a.Method))
	}
	httpx.JSON(w, http.StatusOK, autoAllocateResponse{Allocations: allocs, Remainder: remainder})
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	alloc, err := h.service.Allocate(r.Context(), req.PaymentID, req.InvoiceID, req.Amount, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.AllocationCreated("ar", string(alloc.Method))
	httpx.JSON(w, http.StatusCreated, alloc)
}

func (h *Handler) handleDeallocate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Deallocate(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateCreditNote(w http.ResponseWriter, r *http.Request) {
	var req creditNoteRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	issue, err := time.Parse("2006-01-02", req.IssueDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "issue_date must be YYYY-MM-DD")
		return
	}
	cn, err := h.service.CreateCreditNote(r.Context(), CreditNoteInput{
		Number:    req.Number,
		ContactID: req.ContactID,
		IssueDate: issue,
		Total:     req.Total,
		Actor:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.EntryPosted()
	httpx.JSON(w, http.StatusCreated, cn)
}

func (h *Handler) handleGetCreditNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	cn, err := h.service.GetCreditNote(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cn)
}

func (h *Handler) handleApplyCreditNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req applyCreditRequest
	if ok := h.decode(w, r, &req); !ok {
		return
	}
	app, err := h.service.ApplyCreditNote(r.Context(), id, req.InvoiceID, req.Amount, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, app)
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

func (h *Handler) parseDates(w http.ResponseWriter, issueRaw, dueRaw string) (time.Time, time.Time, bool) {
	issue, err := time.Parse("2006-01-02", issueRaw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "issue_date must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	due, err := time.Parse("2006-01-02", dueRaw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "due_date must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	return issue, due, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var payTooMuch *PaymentOverallocatedError
	var invTooMuch *InvoiceOverallocatedError
	var creditTooMuch *CreditOverappliedError
	var shrink *AllocationExceedsNewTotalError
	var closed *fiscal.ClosedPeriodError
	switch {
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrAllocationNotFound), errors.Is(err, ErrCreditNoteNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &payTooMuch), errors.As(err, &invTooMuch), errors.As(err, &creditTooMuch):
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
		h.logger.Error("ar request failed", slog.Any("error", err))
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
