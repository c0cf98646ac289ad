package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CompensationStage is the saga step at which compensation was attempted.
type CompensationStage string

const (
	StageSettleHoldings CompensationStage = "settle_holdings"
	StageRecovery       CompensationStage = "recovery"
	StageAmbiguous      CompensationStage = "ambiguous_outcome"
)

// CompensationFailure is a reconciliation entry for a trade whose ledgers disagree.
type CompensationFailure struct {
	TradeID       string            `json:"trade_id"`
	AccountID     string            `json:"account_id"`
	Symbol        string            `json:"asset_symbol"`
	Side          Side              `json:"side"`
	Currency      string            `json:"currency"`
	TotalAmount   decimal.Decimal   `json:"total_amount"`
	Stage         CompensationStage `json:"stage"`
	Reason        string            `json:"reason"`
	CashBefore    decimal.Decimal   `json:"cash_before"`
	CashAfter     decimal.Decimal   `json:"cash_after"`
	HoldingBefore decimal.Decimal   `json:"holding_before"`
	HoldingAfter  decimal.Decimal   `json:"holding_after"`
	RecordedAt    time.Time         `json:"recorded_at"`
}
