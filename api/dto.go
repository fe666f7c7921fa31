/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the stock domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

DECIMALS:
  Every quantity, price and value travels as a JSON string ("12.50"), never
  as a JSON number, so no client rounds it through a float.

VALIDATION:
  Request structs carry go-playground/validator tags for shape checks
  (required, enums, lengths). Decimal and date parsing happens in handlers,
  which turn failures into stock.ValidationError.

SEE ALSO:
  - handlers.go: Uses these types
  - stock/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Unit             string  `json:"unit"`
	DefaultUnitPrice *string `json:"default_unit_price,omitempty"`
}

// CreateProductRequest creates or replaces a registry entry.
type CreateProductRequest struct {
	ID               string  `json:"id" validate:"required,max=64"`
	Name             string  `json:"name" validate:"required,max=200"`
	Unit             string  `json:"unit" validate:"max=32"`
	DefaultUnitPrice *string `json:"default_unit_price,omitempty" validate:"omitempty,numeric"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// RecordTransactionRequest records one stock movement.
type RecordTransactionRequest struct {
	ProductID      string  `json:"product_id" validate:"required,max=64"`
	EntryType      string  `json:"entry_type" validate:"required,oneof=in out adjust"`
	Quantity       string  `json:"quantity" validate:"required,numeric"`
	UnitPrice      *string `json:"unit_price,omitempty" validate:"omitempty,numeric"`
	OccurredAt     string  `json:"occurred_at,omitempty"` // RFC 3339 or YYYY-MM-DD, empty for now
	RefType        string  `json:"ref_type,omitempty" validate:"max=64"`
	RefID          string  `json:"ref_id,omitempty" validate:"max=128"`
	Note           string  `json:"note,omitempty" validate:"max=1000"`
	IdempotencyKey string  `json:"idempotency_key,omitempty" validate:"max=128"`
}

// EditTransactionRequest changes the mutable fields of a transaction.
// Omitted fields are left untouched; ClearUnitPrice removes the price.
type EditTransactionRequest struct {
	Quantity       *string `json:"quantity,omitempty" validate:"omitempty,numeric"`
	UnitPrice      *string `json:"unit_price,omitempty" validate:"omitempty,numeric"`
	ClearUnitPrice bool    `json:"clear_unit_price,omitempty"`
	OccurredAt     *string `json:"occurred_at,omitempty"`
	RefType        *string `json:"ref_type,omitempty" validate:"omitempty,max=64"`
	RefID          *string `json:"ref_id,omitempty" validate:"omitempty,max=128"`
	Note           *string `json:"note,omitempty" validate:"omitempty,max=1000"`
}

type TransactionDTO struct {
	ID             int64   `json:"id"`
	ProductID      string  `json:"product_id"`
	EntryType      string  `json:"entry_type"`
	Quantity       string  `json:"quantity"`
	Delta          string  `json:"delta"`
	UnitPrice      *string `json:"unit_price,omitempty"`
	TotalValue     *string `json:"total_value,omitempty"`
	OccurredAt     string  `json:"occurred_at"`
	RefType        string  `json:"ref_type,omitempty"`
	RefID          string  `json:"ref_id,omitempty"`
	Note           string  `json:"note,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	RunningBalance string  `json:"running_balance"`
	FinancialYear  string  `json:"financial_year,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

// TransactionValueDTO is the value of one transaction under a policy.
type TransactionValueDTO struct {
	TransactionID int64  `json:"transaction_id"`
	Policy        string `json:"policy"`
	Value         string `json:"value"`
}

// =============================================================================
// BALANCES & SUMMARIES
// =============================================================================

type LotDTO struct {
	TransactionID int64  `json:"transaction_id"`
	Quantity      string `json:"quantity"`
	UnitCost      string `json:"unit_cost"`
}

// PositionDTO is a product's reconstructed stock position.
type PositionDTO struct {
	ProductID    string   `json:"product_id"`
	Policy       string   `json:"policy"`
	AsOf         *string  `json:"as_of,omitempty"`
	Quantity     string   `json:"quantity"`
	Value        string   `json:"value"`
	AverageCost  string   `json:"average_cost"`
	Transactions int      `json:"transactions"`
	Lots         []LotDTO `json:"lots,omitempty"`
}

type SummaryDTO struct {
	ProductID        string `json:"product_id,omitempty"`
	OpeningQuantity  string `json:"opening_quantity"`
	OpeningValue     string `json:"opening_value"`
	IncomingQuantity string `json:"incoming_quantity"`
	IncomingValue    string `json:"incoming_value"`
	OutgoingQuantity string `json:"outgoing_quantity"`
	OutgoingValue    string `json:"outgoing_value"`
	ClosingQuantity  string `json:"closing_quantity"`
	ClosingValue     string `json:"closing_value"`
	Transactions     int    `json:"transactions"`
}

type ReportDTO struct {
	PeriodStart string       `json:"period_start"`
	PeriodEnd   string       `json:"period_end"` // exclusive
	Policy      string       `json:"policy"`
	Summaries   []SummaryDTO `json:"summaries"`
	Total       SummaryDTO   `json:"total"`
}

// =============================================================================
// CONSISTENCY
// =============================================================================

type DiscrepancyDTO struct {
	ProductID     string `json:"product_id"`
	TransactionID int64  `json:"transaction_id"`
	OccurredAt    string `json:"occurred_at"`
	Stored        string `json:"stored"`
	Recomputed    string `json:"recomputed"`
	Stale         bool   `json:"stale,omitempty"`
}

type VerifyResponse struct {
	ProductID     string           `json:"product_id"`
	Clean         bool             `json:"clean"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
}

type RepairResponse struct {
	ProductID  string `json:"product_id"`
	Rebalanced int    `json:"rebalanced"`
	TaskID     string `json:"task_id,omitempty"` // set when queued
}

type AuditRunDTO struct {
	ID              string           `json:"id"`
	Status          string           `json:"status"`
	ProductsChecked int              `json:"products_checked"`
	Discrepancies   []DiscrepancyDTO `json:"discrepancies"`
	Error           string           `json:"error,omitempty"`
	StartedAt       string           `json:"started_at"`
	CompletedAt     string           `json:"completed_at"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error         string            `json:"error"`
	Details       string            `json:"details,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Discrepancies []DiscrepancyDTO  `json:"discrepancies,omitempty"`
	Existing      *TransactionDTO   `json:"existing,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toProductDTO(p stock.Product) ProductDTO {
	return ProductDTO{
		ID:               string(p.ID),
		Name:             p.Name,
		Unit:             p.Unit,
		DefaultUnitPrice: nullDecimalPtr(p.DefaultUnitPrice),
	}
}

func toTransactionDTO(tx stock.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:             int64(tx.ID),
		ProductID:      string(tx.ProductID),
		EntryType:      string(tx.Type),
		Quantity:       tx.Quantity.String(),
		Delta:          tx.Delta().String(),
		UnitPrice:      nullDecimalPtr(tx.UnitPrice),
		TotalValue:     nullDecimalPtr(tx.TotalValue()),
		OccurredAt:     tx.OccurredAt.UTC().Format(time.RFC3339Nano),
		RefType:        string(tx.Reference.Type),
		RefID:          tx.Reference.ID,
		Note:           tx.Note,
		IdempotencyKey: tx.IdempotencyKey,
		RunningBalance: tx.RunningBalance.String(),
	}
	if !tx.CreatedAt.IsZero() {
		dto.CreatedAt = tx.CreatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toLedgerEntryDTO(e stock.LedgerEntry) TransactionDTO {
	dto := toTransactionDTO(e.Transaction)
	dto.FinancialYear = e.FinancialYear.String()
	return dto
}

func toPositionDTO(p stock.Position) PositionDTO {
	dto := PositionDTO{
		ProductID:    string(p.ProductID),
		Policy:       string(p.Policy),
		Quantity:     p.Quantity.String(),
		Value:        p.Value.String(),
		AverageCost:  p.AverageCost.String(),
		Transactions: p.Count,
	}
	if p.AsOf != nil {
		s := p.AsOf.UTC().Format(time.RFC3339Nano)
		dto.AsOf = &s
	}
	for _, l := range p.Book.Lots {
		dto.Lots = append(dto.Lots, LotDTO{
			TransactionID: int64(l.TransactionID),
			Quantity:      l.Quantity.String(),
			UnitCost:      l.UnitCost.String(),
		})
	}
	return dto
}

func toSummaryDTO(s stock.Summary) SummaryDTO {
	return SummaryDTO{
		ProductID:        string(s.ProductID),
		OpeningQuantity:  s.OpeningQuantity.String(),
		OpeningValue:     s.OpeningValue.String(),
		IncomingQuantity: s.IncomingQuantity.String(),
		IncomingValue:    s.IncomingValue.String(),
		OutgoingQuantity: s.OutgoingQuantity.String(),
		OutgoingValue:    s.OutgoingValue.String(),
		ClosingQuantity:  s.ClosingQuantity.String(),
		ClosingValue:     s.ClosingValue.String(),
		Transactions:     s.Transactions,
	}
}

func toReportDTO(r stock.Report) ReportDTO {
	dto := ReportDTO{
		PeriodStart: r.Period.Start.Format(time.RFC3339),
		PeriodEnd:   r.Period.End.Format(time.RFC3339),
		Policy:      string(r.Policy),
		Summaries:   make([]SummaryDTO, len(r.Summaries)),
		Total:       toSummaryDTO(r.Total),
	}
	for i, s := range r.Summaries {
		dto.Summaries[i] = toSummaryDTO(s)
	}
	return dto
}

func toDiscrepancyDTOs(ds []stock.Discrepancy) []DiscrepancyDTO {
	out := make([]DiscrepancyDTO, len(ds))
	for i, d := range ds {
		out[i] = DiscrepancyDTO{
			ProductID:     string(d.ProductID),
			TransactionID: int64(d.TransactionID),
			OccurredAt:    d.OccurredAt.UTC().Format(time.RFC3339Nano),
			Stored:        d.Stored.String(),
			Recomputed:    d.Recomputed.String(),
			Stale:         d.Stale,
		}
	}
	return out
}

func toAuditRunDTO(r stock.AuditRun) AuditRunDTO {
	return AuditRunDTO{
		ID:              r.ID,
		Status:          string(r.Status),
		ProductsChecked: r.ProductsChecked,
		Discrepancies:   toDiscrepancyDTOs(r.Discrepancies),
		Error:           r.Error,
		StartedAt:       r.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt:     r.CompletedAt.UTC().Format(time.RFC3339),
	}
}

func nullDecimalPtr(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
