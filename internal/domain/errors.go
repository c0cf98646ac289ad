package domain

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrorCode is a machine readable failure category.
type ErrorCode string

const (
	CodeValidation           ErrorCode = "VALIDATION_ERROR"
	CodeInsufficientFunds    ErrorCode = "INSUFFICIENT_FUNDS"
	CodeInsufficientHoldings ErrorCode = "INSUFFICIENT_HOLDINGS"
	CodeStorage              ErrorCode = "STORAGE_ERROR"
	CodeCompensationFailure  ErrorCode = "COMPENSATION_FAILURE"
)

var (
	// ErrStatusConflict is returned when a terminal trade is closed with a different status.
	// It signals a programming error and is never retried.
	ErrStatusConflict = errors.New("trade status conflict")
	// ErrTradeNotFound is returned when a trade id is unknown to the log.
	ErrTradeNotFound = errors.New("trade not found")
	// ErrDuplicateIdempotencyKey is returned by Open when another trade already owns the key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	// ErrTradeMismatch is returned by Open when the id exists with different immutable fields.
	ErrTradeMismatch = errors.New("trade id reused with different fields")
)

// LedgerKind names the ledger a failure refers to.
type LedgerKind string

const (
	LedgerCash    LedgerKind = "cash"
	LedgerHolding LedgerKind = "holding"
)

// LedgerDetail carries ledger state around a failure.
type LedgerDetail struct {
	Kind      LedgerKind      `json:"kind"`
	AccountID string          `json:"account_id"`
	Key       string          `json:"key"`
	Before    decimal.Decimal `json:"before"`
	After     decimal.Decimal `json:"after"`
	Required  decimal.Decimal `json:"required"`
}

// TradeError is the error reported by the execution engine.
type TradeError struct {
	Code    ErrorCode     `json:"code"`
	Message string        `json:"message"`
	Ledger  *LedgerDetail `json:"ledger,omitempty"`
	Cause   error         `json:"-"`
}

func (e *TradeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TradeError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a VALIDATION_ERROR.
func NewValidationError(msg string) *TradeError {
	return &TradeError{Code: CodeValidation, Message: msg}
}

// NewInsufficientFundsError reports a cash balance below the required amount.
func NewInsufficientFundsError(accountID, currency string, available, required decimal.Decimal) *TradeError {
	return &TradeError{
		Code:    CodeInsufficientFunds,
		Message: fmt.Sprintf("insufficient %s balance: have %s need %s", currency, available.String(), required.String()),
		Ledger: &LedgerDetail{
			Kind:      LedgerCash,
			AccountID: accountID,
			Key:       currency,
			Before:    available,
			After:     available,
			Required:  required,
		},
	}
}

// NewInsufficientHoldingsError reports a holding below the requested sell quantity.
func NewInsufficientHoldingsError(accountID, symbol string, held, required decimal.Decimal) *TradeError {
	return &TradeError{
		Code:    CodeInsufficientHoldings,
		Message: fmt.Sprintf("insufficient %s holdings: have %s need %s", symbol, held.String(), required.String()),
		Ledger: &LedgerDetail{
			Kind:      LedgerHolding,
			AccountID: accountID,
			Key:       symbol,
			Before:    held,
			After:     held,
			Required:  required,
		},
	}
}

// NewStorageError wraps an infrastructure fault.
func NewStorageError(msg string, cause error) *TradeError {
	return &TradeError{Code: CodeStorage, Message: msg, Cause: cause}
}

// NewCompensationFailure reports a trade whose cash step could not be reversed.
func NewCompensationFailure(msg string, ledger *LedgerDetail, cause error) *TradeError {
	return &TradeError{Code: CodeCompensationFailure, Message: msg, Ledger: ledger, Cause: cause}
}

// CodeOf extracts the error code from err, or "" when err is not a *TradeError.
func CodeOf(err error) ErrorCode {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsProgrammingError reports errors that must never be retried.
func IsProgrammingError(err error) bool {
	return errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrTradeMismatch)
}
