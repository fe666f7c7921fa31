/*
handlers_test.go - HTTP tests for the stock ledger API

Tests for:
- Product registry and request validation
- Recording, editing and deleting transactions
- Ledger, balance, valuation and summary reads
- Error mapping (400/404/409/429)
- Verify, repair and audit runs
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	handler *Handler
	store   *sqlite.Store
	router  http.Handler
}

func setupTestServer(t *testing.T, opts RouterOptions) testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := stock.NewEngine(stock.Dependencies{
		Store:       store,
		Catalog:     store,
		AuditLog:    store,
		Checkpoints: stock.NewMemoryCheckpoints(),
	}, stock.Config{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(engine, store, logger, NewMetrics())
	return testServer{handler: h, store: store, router: NewRouter(h, opts)}
}

func (s testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertDecimal(t *testing.T, want, got string) {
	t.Helper()
	g, err := decimal.NewFromString(got)
	require.NoError(t, err)
	assert.Truef(t, decimal.RequireFromString(want).Equal(g), "want %s, got %s", want, got)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func (s testServer) createProduct(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/products", CreateProductRequest{ID: id, Name: "Product " + id, Unit: "pcs"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s testServer) record(t *testing.T, req RecordTransactionRequest) TransactionDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/transactions", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[TransactionDTO](t, rec)
}

func receipt(pid, qty, unitPrice, date, ref string) RecordTransactionRequest {
	return RecordTransactionRequest{
		ProductID: pid, EntryType: "in", Quantity: qty, UnitPrice: &unitPrice,
		OccurredAt: date, RefType: "purchase", RefID: ref,
	}
}

func issue(pid, qty, date, ref string) RecordTransactionRequest {
	return RecordTransactionRequest{
		ProductID: pid, EntryType: "out", Quantity: qty,
		OccurredAt: date, RefType: "invoice", RefID: ref,
	}
}

func ledgerBalances(t *testing.T, s testServer, path string) []string {
	t.Helper()
	rec := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out []string
	for _, row := range decodeAs[[]TransactionDTO](t, rec) {
		out = append(out, decimal.RequireFromString(row.RunningBalance).String())
	}
	return out
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := setupTestServer(t, RouterOptions{})

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	s.createProduct(t, "P")
	s.record(t, receipt("P", "5", "2", "2024-04-01", "PO-1"))

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `stock_transactions_recorded_total{entry_type="in"} 1`)
	assert.Contains(t, body, "stock_http_requests_total")
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestCreateProduct_ValidationReportsJSONFieldNames(t *testing.T) {
	// GIVEN: A product without a name and with a non-numeric default price
	// WHEN: Creating it
	// THEN: 400 with both fields named as in the JSON body

	s := setupTestServer(t, RouterOptions{})
	bad := "abc"
	rec := s.do(t, http.MethodPost, "/api/products", CreateProductRequest{ID: "P", DefaultUnitPrice: &bad})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeAs[ErrorResponse](t, rec)
	assert.Equal(t, "required", resp.Fields["name"])
	assert.Equal(t, "numeric", resp.Fields["default_unit_price"])
}

func TestProducts_CreateGetList(t *testing.T) {
	s := setupTestServer(t, RouterOptions{})
	unitPrice := "2.50"
	rec := s.do(t, http.MethodPost, "/api/products", CreateProductRequest{ID: "B", Name: "Bolt", Unit: "pcs", DefaultUnitPrice: &unitPrice})
	require.Equal(t, http.StatusCreated, rec.Code)
	s.createProduct(t, "A")

	rec = s.do(t, http.MethodGet, "/api/products/B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeAs[ProductDTO](t, rec)
	assert.Equal(t, "Bolt", p.Name)
	require.NotNil(t, p.DefaultUnitPrice)
	assertDecimal(t, "2.5", *p.DefaultUnitPrice)

	rec = s.do(t, http.MethodGet, "/api/products", nil)
	list := decodeAs[[]ProductDTO](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].ID)

	rec = s.do(t, http.MethodGet, "/api/products/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// RECORD / LEDGER / SUMMARY
// =============================================================================

func TestRecordTransaction_LedgerAndSummary(t *testing.T) {
	// GIVEN: 100 received at 10, then 30 issued
	// WHEN: Reading the FY 2024-2025 ledger and summary
	// THEN: Balances are 100, 70 and the summary closes at 70 / 700

	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")
	in := s.record(t, receipt("P", "100", "10", "2024-04-10", "PO-1"))
	assertDecimal(t, "100", in.RunningBalance)
	assertDecimal(t, "100", in.Delta)
	require.NotNil(t, in.TotalValue)
	assertDecimal(t, "1000", *in.TotalValue)

	out := s.record(t, issue("P", "30", "2024-05-01", "INV-1"))
	assertDecimal(t, "-30", out.Delta)
	assertDecimal(t, "70", out.RunningBalance)

	rec := s.do(t, http.MethodGet, "/api/products/P/ledger?fy=2024-2025", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeAs[[]TransactionDTO](t, rec)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-2025", rows[0].FinancialYear)
	assert.Equal(t, []string{"100", "70"}, ledgerBalances(t, s, "/api/transactions?product_id=P"))

	rec = s.do(t, http.MethodGet, "/api/summary?fy=2024-25&product_id=P", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeAs[ReportDTO](t, rec)
	require.Len(t, report.Summaries, 1)
	sum := report.Summaries[0]
	assertDecimal(t, "0", sum.OpeningQuantity)
	assertDecimal(t, "100", sum.IncomingQuantity)
	assertDecimal(t, "1000", sum.IncomingValue)
	assertDecimal(t, "30", sum.OutgoingQuantity)
	assertDecimal(t, "300", sum.OutgoingValue)
	assertDecimal(t, "70", sum.ClosingQuantity)
	assertDecimal(t, "700", sum.ClosingValue)
	assert.Equal(t, 2, sum.Transactions)
	assertDecimal(t, "700", report.Total.ClosingValue)
	assert.Equal(t, "weighted_average", report.Policy)
}

func TestRecordTransaction_RejectsBadShapes(t *testing.T) {
	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")

	tests := []struct {
		name  string
		body  RecordTransactionRequest
		field string
	}{
		{"unknown entry type", RecordTransactionRequest{ProductID: "P", EntryType: "transfer", Quantity: "1"}, "entry_type"},
		{"missing quantity", RecordTransactionRequest{ProductID: "P", EntryType: "in"}, "quantity"},
		{"non-numeric quantity", RecordTransactionRequest{ProductID: "P", EntryType: "in", Quantity: "ten"}, "quantity"},
		{"zero issue", issue("P", "0", "2024-04-01", "INV-1"), "quantity"},
		{"bad date", issue("P", "1", "01/04/2024", "INV-1"), "occurred_at"},
		{"receipt without reference", RecordTransactionRequest{ProductID: "P", EntryType: "in", Quantity: "1"}, "reference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/transactions", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Contains(t, decodeAs[ErrorResponse](t, rec).Fields, tt.field)
		})
	}
}

func TestRecordTransaction_UnknownProduct(t *testing.T) {
	s := setupTestServer(t, RouterOptions{})
	rec := s.do(t, http.MethodPost, "/api/transactions", receipt("nope", "1", "1", "2024-04-01", "PO-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordTransaction_NegativeStockRejected(t *testing.T) {
	// GIVEN: 5 in stock
	// WHEN: Issuing 6
	// THEN: 400 and the ledger is unchanged

	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")
	s.record(t, receipt("P", "5", "1", "2024-04-01", "PO-1"))

	rec := s.do(t, http.MethodPost, "/api/transactions", issue("P", "6", "2024-04-02", "INV-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"5"}, ledgerBalances(t, s, "/api/products/P/ledger"))
}

func TestRecordTransaction_DuplicateIdempotencyKey(t *testing.T) {
	// GIVEN: A receipt recorded with an Idempotency-Key header
	// WHEN: The same request is retried
	// THEN: 409 carrying the original transaction; nothing new is stored

	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")
	body := receipt("P", "5", "1", "2024-04-01", "PO-1")

	rec := s.do(t, http.MethodPost, "/api/transactions", body, "Idempotency-Key", "retry-me")
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decodeAs[TransactionDTO](t, rec)
	assert.Equal(t, "retry-me", first.IdempotencyKey)

	rec = s.do(t, http.MethodPost, "/api/transactions", body, "Idempotency-Key", "retry-me")
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeAs[ErrorResponse](t, rec)
	require.NotNil(t, resp.Existing)
	assert.Equal(t, first.ID, resp.Existing.ID)

	assert.Len(t, ledgerBalances(t, s, "/api/products/P/ledger"), 1)
}

func TestEditAndDeleteTransaction_Cascade(t *testing.T) {
	// GIVEN: in 10, out 4, in 6
	// WHEN: The first receipt becomes 20, then the issue is deleted
	// THEN: Every later balance follows

	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")
	first := s.record(t, receipt("P", "10", "1", "2024-04-01", "PO-1"))
	out := s.record(t, issue("P", "4", "2024-04-02", "INV-1"))
	s.record(t, receipt("P", "6", "1", "2024-04-03", "PO-2"))
	assert.Equal(t, []string{"10", "6", "12"}, ledgerBalances(t, s, "/api/products/P/ledger"))

	qty := "20"
	rec := s.do(t, http.MethodPut, "/api/transactions/"+itoa(first.ID), EditTransactionRequest{Quantity: &qty})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"20", "16", "22"}, ledgerBalances(t, s, "/api/products/P/ledger"))

	rec = s.do(t, http.MethodDelete, "/api/transactions/"+itoa(out.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"20", "26"}, ledgerBalances(t, s, "/api/products/P/ledger"))

	rec = s.do(t, http.MethodDelete, "/api/transactions/"+itoa(out.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/transactions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditTransaction_ClearUnitPriceFallsBackToDefault(t *testing.T) {
	s := setupTestServer(t, RouterOptions{})
	def := "3"
	rec := s.do(t, http.MethodPost, "/api/products", CreateProductRequest{ID: "P", Name: "P", DefaultUnitPrice: &def})
	require.Equal(t, http.StatusCreated, rec.Code)
	tx := s.record(t, receipt("P", "10", "5", "2024-04-01", "PO-1"))

	rec = s.do(t, http.MethodPut, "/api/transactions/"+itoa(tx.ID), EditTransactionRequest{ClearUnitPrice: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, decodeAs[TransactionDTO](t, rec).UnitPrice)

	rec = s.do(t, http.MethodGet, "/api/products/P/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertDecimal(t, "30", decodeAs[PositionDTO](t, rec).Value)
}

func TestEditTransaction_PartialReferenceKeepsOtherHalf(t *testing.T) {
	// GIVEN: A receipt referencing purchase PO-1
	// WHEN: Only ref_id, then only ref_type, is sent
	// THEN: The half not sent is kept and the edit is accepted

	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")
	tx := s.record(t, receipt("P", "10", "1", "2024-04-01", "PO-1"))

	refID := "PO-1-REV"
	rec := s.do(t, http.MethodPut, "/api/transactions/"+itoa(tx.ID), EditTransactionRequest{RefID: &refID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeAs[TransactionDTO](t, rec)
	assert.Equal(t, "purchase", got.RefType)
	assert.Equal(t, "PO-1-REV", got.RefID)

	refType := "manual_adjustment"
	rec = s.do(t, http.MethodPut, "/api/transactions/"+itoa(tx.ID), EditTransactionRequest{RefType: &refType})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decodeAs[TransactionDTO](t, rec)
	assert.Equal(t, "manual_adjustment", got.RefType)
	assert.Equal(t, "PO-1-REV", got.RefID)
}

// =============================================================================
// BALANCES & VALUATION
// =============================================================================

func TestGetBalance_AsOfAndPolicies(t *testing.T) {
	// GIVEN: 10 @ 5, 10 @ 7, then 15 issued
	// WHEN: Reading positions and the issue's value under each policy
	// THEN: Remaining stock and issue value follow the policy

	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")
	s.record(t, receipt("P", "10", "5", "2024-04-01", "PO-1"))
	s.record(t, receipt("P", "10", "7", "2024-04-02", "PO-2"))
	out := s.record(t, issue("P", "15", "2024-04-03", "INV-1"))

	rec := s.do(t, http.MethodGet, "/api/products/P/balance?as_of=2024-04-02", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pos := decodeAs[PositionDTO](t, rec)
	assertDecimal(t, "20", pos.Quantity)
	assertDecimal(t, "120", pos.Value)
	assert.Equal(t, 2, pos.Transactions)
	require.NotNil(t, pos.AsOf)

	tests := []struct {
		policy     string
		remaining  string
		issueValue string
	}{
		{"weighted_average", "30", "90"},
		{"fifo", "35", "85"},
		{"lifo", "25", "95"},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/products/P/balance?policy="+tt.policy, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			pos := decodeAs[PositionDTO](t, rec)
			assertDecimal(t, "5", pos.Quantity)
			assertDecimal(t, tt.remaining, pos.Value)

			rec = s.do(t, http.MethodGet, "/api/transactions/"+itoa(out.ID)+"/value?policy="+tt.policy, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assertDecimal(t, tt.issueValue, decodeAs[TransactionValueDTO](t, rec).Value)
		})
	}

	rec = s.do(t, http.MethodGet, "/api/products/P/balance?policy=hifo", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummary_WindowValidation(t *testing.T) {
	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")

	for _, q := range []string{
		"",
		"?fy=2024-2025&from=2024-04-01&to=2024-04-30",
		"?from=2024-04-01",
		"?fy=2024",
		"?from=2024-05-01&to=2024-04-01",
	} {
		rec := s.do(t, http.MethodGet, "/api/summary"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := s.do(t, http.MethodGet, "/api/summary?from=2024-04-01&to=2024-04-30&product_id=P", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSummary_ProductSetTotals(t *testing.T) {
	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "A")
	s.createProduct(t, "B")
	s.record(t, receipt("A", "10", "2", "2024-04-01", "PO-1"))
	s.record(t, receipt("B", "4", "5", "2024-04-01", "PO-2"))
	s.record(t, issue("B", "1", "2024-06-01", "INV-1"))

	rec := s.do(t, http.MethodGet, "/api/summary?fy=2024-2025&product_id=A,B", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeAs[ReportDTO](t, rec)
	require.Len(t, report.Summaries, 2)
	assertDecimal(t, "14", report.Total.IncomingQuantity)
	assertDecimal(t, "40", report.Total.IncomingValue)
	assertDecimal(t, "13", report.Total.ClosingQuantity)
	assertDecimal(t, "35", report.Total.ClosingValue)
}

// =============================================================================
// CONSISTENCY
// =============================================================================

func corruptBalance(t *testing.T, s testServer, pid string, id int64, balance string) {
	t.Helper()
	err := s.store.SaveBalances(context.Background(), stock.ProductID(pid), []stock.BalanceUpdate{
		{ID: stock.TransactionID(id), RunningBalance: decimal.RequireFromString(balance)},
	})
	require.NoError(t, err)
}

func TestSummary_CorruptedBalance_Conflict(t *testing.T) {
	// GIVEN: A stored running balance that no longer matches the log
	// WHEN: Summarizing the year
	// THEN: 409 with the discrepancy, never a silently wrong report

	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")
	s.record(t, receipt("P", "10", "1", "2024-04-01", "PO-1"))
	last := s.record(t, issue("P", "3", "2024-04-02", "INV-1"))
	corruptBalance(t, s, "P", last.ID, "9")

	rec := s.do(t, http.MethodGet, "/api/summary?fy=2024-2025&product_id=P", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "Consistency violation", decodeAs[ErrorResponse](t, rec).Error)
}

func TestVerifyRepairAndAudit(t *testing.T) {
	s := setupTestServer(t, RouterOptions{})
	s.createProduct(t, "P")
	s.record(t, receipt("P", "10", "1", "2024-04-01", "PO-1"))
	last := s.record(t, issue("P", "3", "2024-04-02", "INV-1"))
	corruptBalance(t, s, "P", last.ID, "9")

	rec := s.do(t, http.MethodGet, "/api/products/P/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	verify := decodeAs[VerifyResponse](t, rec)
	assert.False(t, verify.Clean)
	require.Len(t, verify.Discrepancies, 1)
	assertDecimal(t, "9", verify.Discrepancies[0].Stored)
	assertDecimal(t, "7", verify.Discrepancies[0].Recomputed)

	rec = s.do(t, http.MethodPost, "/api/audit/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeAs[AuditRunDTO](t, rec)
	assert.Equal(t, "discrepancies", run.Status)
	assert.Equal(t, 1, run.ProductsChecked)

	rec = s.do(t, http.MethodPost, "/api/products/P/repair", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeAs[RepairResponse](t, rec).Rebalanced)

	rec = s.do(t, http.MethodPost, "/api/audit/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "clean", decodeAs[AuditRunDTO](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/audit/runs?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeAs[[]AuditRunDTO](t, rec)
	require.Len(t, runs, 2)
	assert.Equal(t, "clean", runs[0].Status)

	rec = s.do(t, http.MethodGet, "/api/audit/runs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Contains(t, rec.Body.String(), `stock_audit_runs_total{status="clean"} 1`)
	assert.Contains(t, rec.Body.String(), "stock_audit_discrepancies 0")
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRateLimit_WritesOnly(t *testing.T) {
	s := setupTestServer(t, RouterOptions{RateLimitPerMinute: 2})

	s.createProduct(t, "A")
	s.createProduct(t, "B")
	rec := s.do(t, http.MethodPost, "/api/products", CreateProductRequest{ID: "C", Name: "C"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/products", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS_ExposesRetryAfter(t *testing.T) {
	s := setupTestServer(t, RouterOptions{AllowedOrigins: []string{"https://ops.example.com"}})
	rec := s.do(t, http.MethodGet, "/api/products", nil, "Origin", "https://ops.example.com")
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

type fakeQueue struct{ queued []stock.ProductID }

func (q *fakeQueue) EnqueueRepair(_ context.Context, productID stock.ProductID) (string, error) {
	q.queued = append(q.queued, productID)
	return "repair:" + string(productID), nil
}

func TestRepairProduct_Async(t *testing.T) {
	s := setupTestServer(t, RouterOptions{})
	queue := &fakeQueue{}
	s.handler.Queue = queue
	s.createProduct(t, "P")

	rec := s.do(t, http.MethodPost, "/api/products/P/repair?async=true", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "repair:P", decodeAs[RepairResponse](t, rec).TaskID)
	assert.Equal(t, []stock.ProductID{"P"}, queue.queued)

	rec = s.do(t, http.MethodPost, "/api/products/nope/repair?async=true", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, queue.queued, 1)
}
