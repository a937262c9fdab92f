package cogs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-cogs/meridian/internal/platform/httpx"
	"github.com/meridian-cogs/meridian/internal/shared"
)

// RunEnqueuer dispatches a run to the background worker.
type RunEnqueuer interface {
	EnqueueExecuteRun(ctx context.Context, in ExecuteRunInput) error
}

// IdempotencyPort guards duplicate run submissions keyed by client header.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, tenant shared.TenantID, key, module string) error
	Delete(ctx context.Context, tenant shared.TenantID, key string) error
}

// Handler wires the JSON API for the engine.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	enqueuer    RunEnqueuer
	idempotency IdempotencyPort
	validate    *validator.Validate
}

// NewHandler constructs Handler. The enqueuer and idempotency store are
// optional; without an enqueuer every run executes synchronously.
func NewHandler(logger *slog.Logger, service *Service, enqueuer RunEnqueuer, idempotency IdempotencyPort) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		enqueuer:    enqueuer,
		idempotency: idempotency,
		validate:    validator.New(),
	}
}

// MountRoutes registers engine routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/runs", h.handleCreateRun)
	r.Get("/runs", h.handleListRuns)
	r.Get("/runs/{runID}", h.handleGetRun)
	r.Post("/runs/{runID}/rollback", h.handleRollback)
	r.Get("/runs/{runID}/attributions", h.handleAttributions)
	r.Get("/runs/{runID}/summaries", h.handleSummaries)
	r.Get("/runs/{runID}/errors", h.handleValidationErrors)
	r.Get("/inventory", h.handleInventory)
}

type salePayload struct {
	SaleID   string `json:"sale_id" validate:"required"`
	SKU      string `json:"sku" validate:"required"`
	SaleDate string `json:"sale_date" validate:"required,datetime=2006-01-02"`
	Quantity int64  `json:"quantity" validate:"required"`
}

type lotPayload struct {
	LotID              string `json:"lot_id" validate:"required"`
	SKU                string `json:"sku" validate:"required"`
	ReceivedDate       string `json:"received_date" validate:"required,datetime=2006-01-02"`
	OriginalQuantity   int64  `json:"original_quantity" validate:"required,gt=0"`
	RemainingQuantity  *int64 `json:"remaining_quantity" validate:"omitempty,gte=0"`
	UnitPrice          string `json:"unit_price" validate:"required"`
	FreightCostPerUnit string `json:"freight_cost_per_unit"`
}

type createRunRequest struct {
	RunID       string        `json:"run_id"`
	Mode        string        `json:"mode" validate:"required"`
	Async       bool          `json:"async"`
	InputFileID string        `json:"input_file_id"`
	Sales       []salePayload `json:"sales" validate:"required,min=1,dive"`
	Lots        []lotPayload  `json:"lots" validate:"omitempty,dive"`
}

type runResponse struct {
	RunID                 string     `json:"run_id"`
	Status                string     `json:"status"`
	Mode                  string     `json:"mode"`
	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	RolledBackAt          *time.Time `json:"rolled_back_at,omitempty"`
	TotalSalesProcessed   int        `json:"total_sales_processed"`
	TotalCOGS             string     `json:"total_cogs"`
	ValidationErrorsCount int        `json:"validation_errors_count"`
	ErrorMessage          string     `json:"error_message,omitempty"`
}

func toRunResponse(run Run) runResponse {
	return runResponse{
		RunID:                 run.RunID,
		Status:                string(run.Status),
		Mode:                  string(run.Mode),
		StartedAt:             run.StartedAt,
		CompletedAt:           run.CompletedAt,
		RolledBackAt:          run.RolledBackAt,
		TotalSalesProcessed:   run.TotalSalesProcessed,
		TotalCOGS:             run.TotalCOGS.StringFixed(2),
		ValidationErrorsCount: run.ValidationErrors,
		ErrorMessage:          run.ErrorMessage,
	}
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing tenant context")
		return
	}
	var req createRunRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input, err := h.buildRunInput(tenant, req)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), tenant, idemKey, "cogs"); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}

	if req.Async && h.enqueuer != nil {
		if input.RunID == "" {
			input.RunID = h.service.newID()
		}
		if err := h.enqueuer.EnqueueExecuteRun(r.Context(), input); err != nil {
			h.logger.Error("enqueue run", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{
			"run_id": input.RunID,
			"status": string(RunStatusPending),
		})
		return
	}

	run, err := h.service.ExecuteRun(r.Context(), input)
	if err != nil {
		if idemKey != "" && h.idempotency != nil {
			_ = h.idempotency.Delete(r.Context(), tenant, idemKey)
		}
		h.respondRunError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRunResponse(run))
}

func (h *Handler) buildRunInput(tenant shared.TenantID, req createRunRequest) (ExecuteRunInput, error) {
	input := ExecuteRunInput{
		TenantID:    tenant,
		RunID:       req.RunID,
		Mode:        Mode(req.Mode),
		InputFileID: req.InputFileID,
	}
	if input.Mode != ModeFIFO {
		return ExecuteRunInput{}, fmt.Errorf("unsupported mode %q", req.Mode)
	}
	for _, p := range req.Sales {
		date, err := time.Parse("2006-01-02", p.SaleDate)
		if err != nil {
			return ExecuteRunInput{}, fmt.Errorf("sale %s: bad sale_date", p.SaleID)
		}
		if p.Quantity == 0 {
			return ExecuteRunInput{}, fmt.Errorf("sale %s: quantity must not be zero", p.SaleID)
		}
		input.Sales = append(input.Sales, Sale{
			TenantID: tenant,
			SaleID:   p.SaleID,
			SKU:      p.SKU,
			SaleDate: date,
			Quantity: p.Quantity,
		})
	}
	for _, p := range req.Lots {
		date, err := time.Parse("2006-01-02", p.ReceivedDate)
		if err != nil {
			return ExecuteRunInput{}, fmt.Errorf("lot %s: bad received_date", p.LotID)
		}
		unitPrice, err := decimal.NewFromString(p.UnitPrice)
		if err != nil {
			return ExecuteRunInput{}, fmt.Errorf("lot %s: bad unit_price", p.LotID)
		}
		freight := decimal.Zero
		if p.FreightCostPerUnit != "" {
			if freight, err = decimal.NewFromString(p.FreightCostPerUnit); err != nil {
				return ExecuteRunInput{}, fmt.Errorf("lot %s: bad freight_cost_per_unit", p.LotID)
			}
		}
		remaining := p.OriginalQuantity
		if p.RemainingQuantity != nil {
			remaining = *p.RemainingQuantity
		}
		input.LotsUpsert = append(input.LotsUpsert, PurchaseLot{
			TenantID:           tenant,
			LotID:              p.LotID,
			SKU:                p.SKU,
			ReceivedDate:       date,
			OriginalQuantity:   p.OriginalQuantity,
			RemainingQuantity:  remaining,
			UnitPrice:          unitPrice,
			FreightCostPerUnit: freight,
		})
	}
	return input, nil
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing tenant context")
		return
	}
	run, err := h.service.GetRun(r.Context(), tenant, chi.URLParam(r, "runID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRunResponse(run))
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing tenant context")
		return
	}
	q := r.URL.Query()
	filter := RunFilter{Status: RunStatus(q.Get("status"))}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	runs, err := h.service.ListRuns(r.Context(), tenant, filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]runResponse, len(runs))
	for i, run := range runs {
		out[i] = toRunResponse(run)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing tenant context")
		return
	}
	run, err := h.service.RollbackRun(r.Context(), tenant, chi.URLParam(r, "runID"), actorFromRequest(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRunResponse(run))
}

type attributionDetailResponse struct {
	LotID             string `json:"lot_id"`
	QuantityAllocated int64  `json:"quantity_allocated"`
	UnitCost          string `json:"unit_cost"`
	TotalCost         string `json:"total_cost"`
}

type attributionResponse struct {
	AttributionID   string                      `json:"attribution_id"`
	SaleID          string                      `json:"sale_id"`
	SKU             string                      `json:"sku"`
	SaleDate        string                      `json:"sale_date"`
	QuantitySold    int64                       `json:"quantity_sold"`
	TotalCOGS       string                      `json:"total_cogs"`
	AverageUnitCost string                      `json:"average_unit_cost"`
	IsValid         bool                        `json:"is_valid"`
	Details         []attributionDetailResponse `json:"details"`
}

func (h *Handler) handleAttributions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing tenant context")
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pagination := shared.NewPagination(page, perPage, 0)

	attributions, total, err := h.service.ReadAttributions(r.Context(), tenant, chi.URLParam(r, "runID"), pagination)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]attributionResponse, len(attributions))
	for i, attr := range attributions {
		resp := attributionResponse{
			AttributionID:   attr.AttributionID,
			SaleID:          attr.SaleID,
			SKU:             attr.SKU,
			SaleDate:        attr.SaleDate.Format("2006-01-02"),
			QuantitySold:    attr.QuantitySold,
			TotalCOGS:       attr.TotalCOGS.StringFixed(2),
			AverageUnitCost: attr.AverageUnitCost.StringFixed(4),
			IsValid:         attr.IsValid,
		}
		for _, d := range attr.Details {
			resp.Details = append(resp.Details, attributionDetailResponse{
				LotID:             d.LotID,
				QuantityAllocated: d.QuantityAllocated,
				UnitCost:          d.UnitCost.StringFixed(4),
				TotalCost:         d.TotalCost.StringFixed(2),
			})
		}
		out[i] = resp
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"attributions": out,
		"pagination":   shared.NewPagination(pagination.Page, pagination.PerPage, total),
	})
}

func (h *Handler) handleSummaries(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing tenant context")
		return
	}
	summaries, err := h.service.ReadSummaries(r.Context(), tenant, chi.URLParam(r, "runID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type summaryResponse struct {
		SKU               string `json:"sku"`
		Period            string `json:"period"`
		TotalQuantitySold int64  `json:"total_quantity_sold"`
		TotalCOGS         string `json:"total_cogs"`
		AverageUnitCost   string `json:"average_unit_cost"`
		IsValid           bool   `json:"is_valid"`
	}
	out := make([]summaryResponse, len(summaries))
	for i, sum := range summaries {
		out[i] = summaryResponse{
			SKU:               sum.SKU,
			Period:            sum.Period,
			TotalQuantitySold: sum.TotalQuantitySold,
			TotalCOGS:         sum.TotalCOGS.StringFixed(2),
			AverageUnitCost:   sum.AverageUnitCost.StringFixed(4),
			IsValid:           sum.IsValid,
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"summaries": out})
}

func (h *Handler) handleValidationErrors(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing tenant context")
		return
	}
	validationErrors, err := h.service.ReadValidationErrors(r.Context(), tenant, chi.URLParam(r, "runID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type errorResponse struct {
		Kind     string `json:"kind"`
		SKU      string `json:"sku,omitempty"`
		SaleID   string `json:"sale_id,omitempty"`
		Quantity int64  `json:"quantity,omitempty"`
		Message  string `json:"message"`
	}
	out := make([]errorResponse, len(validationErrors))
	for i, ve := range validationErrors {
		out[i] = errorResponse{
			Kind:     string(ve.Kind),
			SKU:      ve.SKU,
			SaleID:   ve.SaleID,
			Quantity: ve.Quantity,
			Message:  ve.Message,
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"validation_errors": out})
}

func (h *Handler) handleInventory(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing tenant context")
		return
	}
	lots, err := h.service.ReadCurrentInventory(r.Context(), tenant, r.URL.Query().Get("sku"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type lotResponse struct {
		LotID              string `json:"lot_id"`
		SKU                string `json:"sku"`
		ReceivedDate       string `json:"received_date"`
		OriginalQuantity   int64  `json:"original_quantity"`
		RemainingQuantity  int64  `json:"remaining_quantity"`
		UnitPrice          string `json:"unit_price"`
		FreightCostPerUnit string `json:"freight_cost_per_unit"`
	}
	out := make([]lotResponse, len(lots))
	for i, lot := range lots {
		out[i] = lotResponse{
			LotID:              lot.LotID,
			SKU:                lot.SKU,
			ReceivedDate:       lot.ReceivedDate.Format("2006-01-02"),
			OriginalQuantity:   lot.OriginalQuantity,
			RemainingQuantity:  lot.RemainingQuantity,
			UnitPrice:          lot.UnitPrice.StringFixed(4),
			FreightCostPerUnit: lot.FreightCostPerUnit.StringFixed(4),
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lots": out})
}

// respondRunError maps structural input errors to 400 without losing the
// engine's richer sentinel mapping.
func (h *Handler) respondRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptySales),
		errors.Is(err, ErrUnsupportedMode),
		errors.Is(err, ErrMalformedSale),
		errors.Is(err, ErrMalformedLot),
		errors.Is(err, shared.ErrInvalidTenantID):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrRunExists):
		httpx.Problem(w, http.StatusConflict, "Run Exists", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}

func actorFromRequest(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}
