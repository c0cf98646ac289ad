package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Caller is the identity resolved by the layer in front of the engine.
type Caller struct {
	AccountID     string
	Authenticated bool
}

// TradeRequest is a single ExecuteTrade invocation.
type TradeRequest struct {
	Caller       Caller
	Side         Side
	Symbol       string
	Quantity     decimal.Decimal
	PricePerUnit decimal.Decimal
	// Currency of the cash leg. Empty means the engine default.
	Currency string
	// IdempotencyKey deduplicates resubmissions of the same intent per account. Optional.
	IdempotencyKey string
}

// Validate checks the request shape. It never touches storage.
func (r TradeRequest) Validate() error {
	if !r.Caller.Authenticated || strings.TrimSpace(r.Caller.AccountID) == "" {
		return NewValidationError("caller is not authenticated")
	}
	if !r.Side.Valid() {
		return NewValidationError(fmt.Sprintf("unsupported side %q", r.Side.String()))
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return NewValidationError("asset symbol is required")
	}
	if !r.Quantity.IsPositive() {
		return NewValidationError(fmt.Sprintf("quantity must be positive, got %s", r.Quantity.String()))
	}
	if IsDust(r.Quantity) {
		return NewValidationError(fmt.Sprintf("quantity must exceed %s, got %s", DustThreshold.String(), r.Quantity.String()))
	}
	if !r.PricePerUnit.IsPositive() {
		return NewValidationError(fmt.Sprintf("price per unit must be positive, got %s", r.PricePerUnit.String()))
	}
	if strings.TrimSpace(r.Currency) == "" {
		return NewValidationError("currency is required")
	}
	return nil
}

// TradeRecord is one trade attempt in the trade log.
// Everything except Status and UpdatedAt is fixed at creation.
type TradeRecord struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Symbol         string          `json:"asset_symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	PricePerUnit   decimal.Decimal `json:"price_per_unit"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	Status         TradeStatus     `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewTradeRecord builds a pending record. TotalAmount is computed here and nowhere else.
func NewTradeRecord(id string, req TradeRequest, createdAt time.Time) TradeRecord {
	return TradeRecord{
		ID:             id,
		AccountID:      req.Caller.AccountID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		PricePerUnit:   req.PricePerUnit,
		TotalAmount:    req.Quantity.Mul(req.PricePerUnit),
		Currency:       req.Currency,
		Status:         StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

// SameIntent reports whether two records describe the same immutable trade.
// Status and UpdatedAt are ignored.
func (t TradeRecord) SameIntent(other TradeRecord) bool {
	return t.ID == other.ID &&
		t.AccountID == other.AccountID &&
		t.Symbol == other.Symbol &&
		t.Side == other.Side &&
		t.Quantity.Equal(other.Quantity) &&
		t.PricePerUnit.Equal(other.PricePerUnit) &&
		t.TotalAmount.Equal(other.TotalAmount) &&
		t.Currency == other.Currency &&
		t.IdempotencyKey == other.IdempotencyKey &&
		t.CreatedAt.Equal(other.CreatedAt)
}

// String returns a human-readable string representation.
func (t TradeRecord) String() string {
	return fmt.Sprintf("%s %s %s %s@%s (%s)", t.ID, t.Side.String(), t.Symbol, t.Quantity.String(), t.PricePerUnit.String(), t.Status)
}

// TradeResult is what ExecuteTrade hands back to the caller.
type TradeResult struct {
	TradeID string      `json:"trade_id,omitempty"`
	Status  TradeStatus `json:"status"`
	Error   *TradeError `json:"error,omitempty"`
	// Duplicate is set when the idempotency key matched an earlier submission.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Err returns the result error as a plain error value, nil on success.
func (r TradeResult) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}
