/*
errors.go - Centralized error types for the stock ledger

PURPOSE:
  All error kinds the ledger surfaces, in one place. Callers branch with
  errors.Is on the sentinels and errors.As on the structured types.

ERROR CATEGORIES:
  1. Validation       - malformed input, never coerced
  2. Concurrency      - per-product serialization not acquired in time
  3. Consistency      - stored and recomputed balances diverge
  4. Not found        - unknown product or transaction

  Anything else (unreadable store, broken driver) propagates wrapped with
  fmt.Errorf and matches none of the sentinels.

SEE ALSO:
  - ledger.go: raises validation and concurrency errors
  - checker.go: produces discrepancies
  - api/handlers.go: maps kinds to HTTP status codes
*/
package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the kind of every malformed-input error.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. Expected on client retries.
	ErrDuplicateIdempotencyKey = fmt.Errorf("duplicate idempotency key: %w", ErrValidation)

	// ErrNegativeStock is returned when a mutation would leave any running
	// balance of the product below zero and negative stock is not allowed.
	ErrNegativeStock = fmt.Errorf("negative stock not allowed: %w", ErrValidation)

	// ErrConcurrencyConflict is returned when the per-product mutation slot
	// could not be acquired within the bounded wait. Nothing was applied.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrConsistencyViolation signals stored balances that do not match replay.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrNotFound is the kind of unknown product or transaction lookups.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NegativeStockError reports the first transaction whose balance went negative.
type NegativeStockError struct {
	ProductID     ProductID
	TransactionID TransactionID
	Balance       decimal.Decimal
}

func (e *NegativeStockError) Error() string {
	return fmt.Sprintf("negative stock for %s at transaction %d: balance %s",
		e.ProductID, e.TransactionID, e.Balance)
}

func (e *NegativeStockError) Unwrap() error { return ErrNegativeStock }

type ConcurrencyConflictError struct {
	ProductID ProductID
	Waited    time.Duration
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("product %s is being modified, gave up after %s", e.ProductID, e.Waited)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// ConsistencyViolationError wraps the discrepancies found for one product.
type ConsistencyViolationError struct {
	ProductID     ProductID
	Discrepancies []Discrepancy
	Detail        string
}

func (e *ConsistencyViolationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("consistency violation for %s: %s", e.ProductID, e.Detail)
	}
	return fmt.Sprintf("consistency violation for %s: %d discrepancies", e.ProductID, len(e.Discrepancies))
}

func (e *ConsistencyViolationError) Unwrap() error { return ErrConsistencyViolation }

type NotFoundError struct {
	Kind string // "product" or "transaction"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func productNotFound(id ProductID) error {
	return &NotFoundError{Kind: "product", ID: string(id)}
}

func transactionNotFound(id TransactionID) error {
	return &NotFoundError{Kind: "transaction", ID: fmt.Sprint(int64(id))}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
