/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	stock histories. Each scenario creates products and records movements
	through the engine, so every running balance is derived the normal way.

AVAILABLE SCENARIOS:

	fy-walkthrough:   Receipt, issue, count adjustments, a backdated receipt,
	                  and a second product carried in from the prior year
	costing-policies: Two lots at different costs and one issue, to compare
	                  weighted average, FIFO and LIFO
	corrections:      Edits and deletes that cascade through later balances
	multi-year:       Three products over two financial years

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create products in the registry
 3. Record transactions via stock.Engine (each with a fresh idempotency key)
 4. Optionally edit or delete some of them

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "fy-walkthrough"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Engine-backed handlers used to inspect the results
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fy-walkthrough",
		Name:        "Financial Year Walkthrough",
		Description: "Receipt, issue, +/- count adjustments, backdated receipt, second product with an opening balance",
	},
	{
		ID:          "costing-policies",
		Name:        "Costing Policies",
		Description: "Same ledger valued under weighted average, FIFO and LIFO",
	},
	{
		ID:          "corrections",
		Name:        "Corrections",
		Description: "Edited and deleted transactions recompute every later balance",
	},
	{
		ID:          "multi-year",
		Name:        "Multi-Year",
		Description: "Three products across FY 2023-2024 and 2024-2025",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	loaders := map[string]func(context.Context) error{
		"fy-walkthrough":   h.loadWalkthroughScenario,
		"costing-policies": h.loadCostingScenario,
		"corrections":      h.loadCorrectionsScenario,
		"multi-year":       h.loadMultiYearScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.Registry.Reset(ctx); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := load(ctx); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Reset(r.Context()); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// movement is a compact scenario row: kind, quantity, optional price, date.
type movement struct {
	kind  stock.EntryType
	qty   string
	price string
	date  string
	ref   string
}

func (h *Handler) seed(ctx context.Context, products []stock.Product, rows map[stock.ProductID][]movement) (map[string]stock.Transaction, error) {
	for _, p := range products {
		if err := h.Registry.SaveProduct(ctx, p); err != nil {
			return nil, err
		}
	}

	loc := h.Engine.Calendar().Location()
	byRef := make(map[string]stock.Transaction)
	for _, p := range products {
		for _, m := range rows[p.ID] {
			at, err := time.ParseInLocation("2006-01-02", m.date, loc)
			if err != nil {
				return nil, err
			}
			req := stock.RecordRequest{
				ProductID:      p.ID,
				Type:           m.kind,
				Quantity:       decimal.RequireFromString(m.qty),
				OccurredAt:     at,
				Reference:      scenarioReference(m),
				IdempotencyKey: uuid.NewString(),
			}
			if m.price != "" {
				req.UnitPrice = decimal.NewNullDecimal(decimal.RequireFromString(m.price))
			}
			tx, err := h.Engine.Record(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("%s %s %s on %s: %w", p.ID, m.kind, m.qty, m.date, err)
			}
			h.Metrics.ObserveRecord(tx.Type)
			byRef[req.Reference.ID] = tx
		}
	}
	return byRef, nil
}

func scenarioReference(m movement) stock.Reference {
	switch m.kind {
	case stock.EntryIn:
		return stock.Reference{Type: stock.RefPurchase, ID: m.ref}
	case stock.EntryOut:
		return stock.Reference{Type: stock.RefInvoice, ID: m.ref}
	default:
		return stock.Reference{Type: stock.RefManualAdjustment, ID: m.ref}
	}
}

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

// loadWalkthroughScenario: P follows a receive, issue, adjust, backdate
// sequence in FY 2024-2025; Q carries 50 @ 10 in from FY 2023-2024.
func (h *Handler) loadWalkthroughScenario(ctx context.Context) error {
	_, err := h.seed(ctx,
		[]stock.Product{
			{ID: "P", Name: "Steel bracket", Unit: "pcs"},
			{ID: "Q", Name: "Copper wire", Unit: "m", DefaultUnitPrice: price("10")},
		},
		map[stock.ProductID][]movement{
			"P": {
				{stock.EntryIn, "100", "10", "2024-04-10", "PO-1001"},
				{stock.EntryOut, "30", "", "2024-05-01", "INV-2001"},
				{stock.EntryAdjust, "6", "", "2024-05-15", "COUNT-0515"},
				{stock.EntryAdjust, "-3", "", "2024-05-20", "COUNT-0520"},
				{stock.EntryIn, "20", "8", "2024-04-05", "PO-0999"},
			},
			"Q": {
				{stock.EntryIn, "50", "10", "2023-06-01", "PO-0420"},
				{stock.EntryOut, "10", "", "2024-07-01", "INV-2100"},
			},
		})
	return err
}

// loadCostingScenario: 10 @ 5, 10 @ 7, issue 15. The issue is worth 90
// (average), 85 (FIFO) or 95 (LIFO).
func (h *Handler) loadCostingScenario(ctx context.Context) error {
	_, err := h.seed(ctx,
		[]stock.Product{{ID: "LOTS", Name: "Hex bolts", Unit: "box"}},
		map[stock.ProductID][]movement{
			"LOTS": {
				{stock.EntryIn, "10", "5", "2024-04-01", "PO-1"},
				{stock.EntryIn, "10", "7", "2024-04-02", "PO-2"},
				{stock.EntryOut, "15", "", "2024-04-03", "INV-1"},
			},
		})
	return err
}

// loadCorrectionsScenario records a short history, then fixes a mistyped
// receipt and removes a duplicated issue.
func (h *Handler) loadCorrectionsScenario(ctx context.Context) error {
	txs, err := h.seed(ctx,
		[]stock.Product{{ID: "FIX", Name: "Paint (white)", Unit: "l", DefaultUnitPrice: price("4.50")}},
		map[stock.ProductID][]movement{
			"FIX": {
				{stock.EntryIn, "400", "", "2024-06-01", "PO-77"},
				{stock.EntryOut, "25", "", "2024-06-10", "INV-501"},
				{stock.EntryOut, "25", "", "2024-06-11", "INV-501-DUP"},
				{stock.EntryOut, "60", "", "2024-06-20", "INV-502"},
			},
		})
	if err != nil {
		return err
	}

	if err := h.Engine.Delete(ctx, txs["INV-501-DUP"].ID); err != nil {
		return err
	}

	// The receipt was 100, not 400
	qty := decimal.NewFromInt(100)
	note := "corrected from delivery note"
	_, err = h.Engine.Edit(ctx, txs["PO-77"].ID, stock.EditRequest{Quantity: &qty, Note: &note})
	return err
}

func (h *Handler) loadMultiYearScenario(ctx context.Context) error {
	_, err := h.seed(ctx,
		[]stock.Product{
			{ID: "A-100", Name: "Bearing 6204", Unit: "pcs"},
			{ID: "B-200", Name: "V-belt A42", Unit: "pcs"},
			{ID: "C-300", Name: "Grease EP2", Unit: "kg", DefaultUnitPrice: price("3.20")},
		},
		map[stock.ProductID][]movement{
			"A-100": {
				{stock.EntryIn, "200", "2.40", "2023-04-15", "PO-A1"},
				{stock.EntryOut, "120", "", "2023-11-02", "INV-A1"},
				{stock.EntryIn, "150", "2.65", "2024-02-20", "PO-A2"},
				{stock.EntryOut, "90", "", "2024-04-18", "INV-A2"},
				{stock.EntryAdjust, "-4", "", "2024-09-30", "COUNT-A"},
			},
			"B-200": {
				{stock.EntryIn, "60", "7.10", "2023-08-01", "PO-B1"},
				{stock.EntryOut, "15", "", "2024-03-29", "INV-B1"},
				{stock.EntryOut, "20", "", "2024-06-14", "INV-B2"},
				{stock.EntryIn, "40", "7.45", "2024-12-05", "PO-B2"},
			},
			"C-300": {
				{stock.EntryIn, "25", "", "2024-01-10", "PO-C1"},
				{stock.EntryAdjust, "2.5", "", "2024-04-01", "COUNT-C"},
				{stock.EntryOut, "12.75", "", "2025-01-22", "INV-C1"},
			},
		})
	return err
}
