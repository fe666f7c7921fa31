/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the stock ledger engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to stock.Engine.

ENDPOINTS:
  Products:
    GET    /api/products                      List registry
    POST   /api/products                      Create or update product
    GET    /api/products/{id}                 Product details
    GET    /api/products/{id}/ledger          Ledger rows (?fy= | ?from=&to=)
    GET    /api/products/{id}/balance         Reconstructed position (?as_of=&policy=)
    GET    /api/products/{id}/verify          Compare stored vs replayed balances
    POST   /api/products/{id}/repair          Recompute stored balances (?async=true queues it)

  Transactions:
    GET    /api/transactions                  Ledger across products
    POST   /api/transactions                  Record a movement
    PUT    /api/transactions/{id}             Edit a movement
    DELETE /api/transactions/{id}             Delete a movement
    GET    /api/transactions/{id}/value       Value under a policy (?policy=)

  Reports:
    GET    /api/summary                       Opening/incoming/outgoing/closing

  Audit:
    GET    /api/audit/runs                    History
    POST   /api/audit/run                     Verify every product now

  Scenarios (scenarios.go):
    GET    /api/scenarios                     Available demo data sets
    GET    /api/scenarios/current             Last loaded scenario
    POST   /api/scenarios/load                Reset and load a scenario
    POST   /api/scenarios/reset               Reset the database

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate shape (validator tags), then parse decimals and dates
  3. Call stock.Engine
  4. Serialize response
  5. Map domain errors to status codes (writeDomainError)

ERROR HANDLING:
  - 400: stock.ErrValidation (includes negative stock)
  - 404: stock.ErrNotFound
  - 409: concurrency conflict, duplicate idempotency key, consistency violation
  - 500: anything else, logged with slog

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Registry is the product registry and audit history the API manages
// directly. store/sqlite.Store implements it.
type Registry interface {
	stock.Catalog
	stock.ProductLister
	stock.AuditStore
	SaveProduct(ctx context.Context, p stock.Product) error
	Reset(ctx context.Context) error
}

// RepairQueue defers repairs to a background worker. jobs.Client implements it.
type RepairQueue interface {
	EnqueueRepair(ctx context.Context, productID stock.ProductID) (string, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *stock.Engine
	Registry Registry
	Logger   *slog.Logger
	Metrics  *Metrics
	Queue    RepairQueue // optional; enables ?async=true on repair

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(engine *stock.Engine, registry Registry, logger *slog.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:   engine,
		Registry: registry,
		Logger:   logger,
		Metrics:  metrics,
		validate: newValidator(),
	}
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Registry.Products(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Registry.Product(r.Context(), productParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := stock.Product{ID: stock.ProductID(req.ID), Name: req.Name, Unit: req.Unit}
	if req.DefaultUnitPrice != nil {
		price, err := parseDecimal("default_unit_price", *req.DefaultUnitPrice)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		if price.IsNegative() {
			h.writeDomainError(w, r, &stock.ValidationError{Field: "default_unit_price", Reason: "must not be negative"})
			return
		}
		p.DefaultUnitPrice = decimal.NewNullDecimal(price)
	}

	if err := h.Registry.SaveProduct(r.Context(), p); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// RecordTransaction records one movement. The idempotency key may come from
// the body or the Idempotency-Key header.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var body RecordTransactionRequest
	if !h.decode(w, r, &body) {
		return
	}

	req, err := h.toRecordRequest(body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	tx, err := h.Engine.Record(r.Context(), req)
	if errors.Is(err, stock.ErrDuplicateIdempotencyKey) && tx.ID != 0 {
		existing := toTransactionDTO(tx)
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:    "Duplicate idempotency key",
			Details:  err.Error(),
			Existing: &existing,
		})
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.Metrics.ObserveRecord(tx.Type)
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) toRecordRequest(body RecordTransactionRequest) (stock.RecordRequest, error) {
	entryType, err := stock.ParseEntryType(body.EntryType)
	if err != nil {
		return stock.RecordRequest{}, err
	}
	qty, err := parseDecimal("quantity", body.Quantity)
	if err != nil {
		return stock.RecordRequest{}, err
	}

	req := stock.RecordRequest{
		ProductID:      stock.ProductID(body.ProductID),
		Type:           entryType,
		Quantity:       qty,
		Reference:      stock.Reference{Type: stock.RefType(body.RefType), ID: body.RefID},
		Note:           body.Note,
		IdempotencyKey: body.IdempotencyKey,
	}
	if body.UnitPrice != nil {
		price, err := parseDecimal("unit_price", *body.UnitPrice)
		if err != nil {
			return stock.RecordRequest{}, err
		}
		req.UnitPrice = decimal.NewNullDecimal(price)
	}
	if body.OccurredAt != "" {
		at, err := parseInstant("occurred_at", body.OccurredAt, h.Engine.Calendar().Location(), false)
		if err != nil {
			return stock.RecordRequest{}, err
		}
		req.OccurredAt = at
	}
	return req, nil
}

func (h *Handler) EditTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := transactionParam(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var body EditTransactionRequest
	if !h.decode(w, r, &body) {
		return
	}

	var req stock.EditRequest
	if body.Quantity != nil {
		qty, err := parseDecimal("quantity", *body.Quantity)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		req.Quantity = &qty
	}
	switch {
	case body.ClearUnitPrice:
		req.UnitPrice = &decimal.NullDecimal{}
	case body.UnitPrice != nil:
		price, err := parseDecimal("unit_price", *body.UnitPrice)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		np := decimal.NewNullDecimal(price)
		req.UnitPrice = &np
	}
	if body.OccurredAt != nil {
		at, err := parseInstant("occurred_at", *body.OccurredAt, h.Engine.Calendar().Location(), false)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		req.OccurredAt = &at
	}
	if body.RefType != nil {
		refType := stock.RefType(*body.RefType)
		req.RefType = &refType
	}
	req.RefID = body.RefID
	req.Note = body.Note

	tx, err := h.Engine.Edit(r.Context(), id, req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := transactionParam(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.Engine.Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetTransactionValue(w http.ResponseWriter, r *http.Request) {
	id, err := transactionParam(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	policy, err := stock.ParsePolicy(r.URL.Query().Get("policy"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	value, err := h.Engine.ValueOf(r.Context(), id, policy)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionValueDTO{TransactionID: int64(id), Policy: string(policy), Value: value.String()})
}

// =============================================================================
// LEDGER & BALANCE HANDLERS
// =============================================================================

// GetProductLedger returns one product's rows with running balances.
func (h *Handler) GetProductLedger(w http.ResponseWriter, r *http.Request) {
	h.serveLedger(w, r, productParam(r))
}

// ListLedger returns rows across products, optionally filtered by product_id.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	h.serveLedger(w, r, stock.ProductID(r.URL.Query().Get("product_id")))
}

func (h *Handler) serveLedger(w http.ResponseWriter, r *http.Request, productID stock.ProductID) {
	window, err := parseWindow(r, h.Engine.Calendar().Location())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	entries, err := h.Engine.Ledger(r.Context(), stock.LedgerQuery{ProductID: productID, Window: window})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]TransactionDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance reconstructs a product's position. A date-only as_of includes
// the whole day.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	policy, err := stock.ParsePolicy(q.Get("policy"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var asOf *time.Time
	if s := q.Get("as_of"); s != "" {
		at, err := parseInstant("as_of", s, h.Engine.Calendar().Location(), true)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		asOf = &at
	}

	pos, err := h.Engine.Reconstruct(r.Context(), productParam(r), asOf, policy)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}

// GetSummary aggregates a window for ?product_id= (repeatable, empty = all).
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := parseWindow(r, h.Engine.Calendar().Location())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	policy, err := stock.ParsePolicy(q.Get("policy"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var ids []stock.ProductID
	for _, raw := range q["product_id"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, stock.ProductID(id))
			}
		}
	}

	report, err := h.Engine.Summary(r.Context(), stock.SummaryRequest{ProductIDs: ids, Window: window, Policy: policy})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// =============================================================================
// CONSISTENCY HANDLERS
// =============================================================================

func (h *Handler) VerifyProduct(w http.ResponseWriter, r *http.Request) {
	productID := productParam(r)
	found, err := h.Engine.Verify(r.Context(), productID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		ProductID:     string(productID),
		Clean:         len(found) == 0,
		Discrepancies: toDiscrepancyDTOs(found),
	})
}

// RepairProduct rebalances a product inline, or queues the repair when
// ?async=true and a queue is configured.
func (h *Handler) RepairProduct(w http.ResponseWriter, r *http.Request) {
	productID := productParam(r)
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && h.Queue != nil {
		if _, err := h.Registry.Product(r.Context(), productID); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		taskID, err := h.Queue.EnqueueRepair(r.Context(), productID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, RepairResponse{ProductID: string(productID), TaskID: taskID})
		return
	}

	n, err := h.Engine.Repair(r.Context(), productID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.Logger.Info("rebalanced product", slog.String("product_id", string(productID)), slog.Int("rows", n))
	writeJSON(w, http.StatusOK, RepairResponse{ProductID: string(productID), Rebalanced: n})
}

func (h *Handler) ListAuditRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeDomainError(w, r, &stock.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}

	runs, err := h.Registry.ListAuditRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]AuditRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAuditRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunAudit verifies every product now and records the run.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	run, err := h.Engine.VerifyAll(r.Context())
	h.Metrics.ObserveAudit(run)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTO(run))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps error kinds to status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		violation *stock.ConsistencyViolationError
		invalid   *stock.ValidationError
	)
	switch {
	case errors.As(err, &violation):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:         "Consistency violation",
			Details:       err.Error(),
			Discrepancies: toDiscrepancyDTOs(violation.Discrepancies),
		})
	case errors.Is(err, stock.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "Duplicate idempotency key", err)
	case errors.Is(err, stock.ErrConcurrencyConflict):
		h.Metrics.ObserveConflict()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "Product is being modified, retry", err)
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Details: err.Error(),
			Fields:  map[string]string{invalid.Field: invalid.Reason},
		})
	case errors.Is(err, stock.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, stock.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled", err)
	default:
		h.Logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

// decode reads and validates a JSON body, writing the 400 itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Fields: fields})
		return false
	}
	return true
}

func productParam(r *http.Request) stock.ProductID {
	return stock.ProductID(chi.URLParam(r, "id"))
}

func transactionParam(r *http.Request) (stock.TransactionID, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &stock.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return stock.TransactionID(id), nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &stock.ValidationError{Field: field, Reason: "not a decimal number"}
	}
	return d, nil
}

// parseInstant accepts RFC 3339 or a bare date in loc. With endOfDay a bare
// date means the last instant of that day.
func parseInstant(field, s string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, &stock.ValidationError{Field: field, Reason: "use RFC 3339 or YYYY-MM-DD"}
	}
	if endOfDay {
		return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return d, nil
}

// parseWindow reads ?fy=YYYY-YYYY or ?from=&to= (inclusive dates). Neither
// yields a zero window.
func parseWindow(r *http.Request, loc *time.Location) (stock.Window, error) {
	q := r.URL.Query()
	fy, from, to := q.Get("fy"), q.Get("from"), q.Get("to")

	if fy != "" {
		if from != "" || to != "" {
			return stock.Window{}, &stock.ValidationError{Field: "window", Reason: "give fy or from/to, not both"}
		}
		year, err := stock.ParseFinancialYear(fy)
		if err != nil {
			return stock.Window{}, err
		}
		return stock.YearWindow(year), nil
	}
	if from == "" && to == "" {
		return stock.Window{}, nil
	}
	if from == "" || to == "" {
		return stock.Window{}, &stock.ValidationError{Field: "window", Reason: "from and to go together"}
	}

	start, err := time.ParseInLocation("2006-01-02", from, loc)
	if err != nil {
		return stock.Window{}, &stock.ValidationError{Field: "from", Reason: "use YYYY-MM-DD"}
	}
	end, err := time.ParseInLocation("2006-01-02", to, loc)
	if err != nil {
		return stock.Window{}, &stock.ValidationError{Field: "to", Reason: "use YYYY-MM-DD"}
	}
	return stock.RangeWindow(start, end), nil
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
