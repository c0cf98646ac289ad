package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DustThreshold is the quantity at or below which a holding is considered closed.
var DustThreshold = decimal.New(1, -8)

// IsDust reports whether quantity is too small to keep as a holding row.
func IsDust(quantity decimal.Decimal) bool {
	return quantity.LessThanOrEqual(DustThreshold)
}

// CashBalance is the spendable amount of one currency for one account.
type CashBalance struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Holding is an account's position in one asset.
type Holding struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"asset_symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CashAdjustment adds Delta to a cash balance when the result stays at or above Floor.
type CashAdjustment struct {
	OpID      string
	AccountID string
	Currency  string
	Delta     decimal.Decimal
	Floor     decimal.Decimal
}

// CashResult describes an adjustment outcome. Previous and Amount are equal when not applied.
type CashResult struct {
	Previous decimal.Decimal
	Amount   decimal.Decimal
	Applied  bool
}

// HoldingAdjustment adds Delta to a holding. CostBasis is only used when the row is created.
type HoldingAdjustment struct {
	OpID      string
	AccountID string
	Symbol    string
	Delta     decimal.Decimal
	CostBasis decimal.Decimal
}

// HoldingResult describes a holding adjustment outcome.
type HoldingResult struct {
	Previous decimal.Decimal
	Quantity decimal.Decimal
	Existed  bool
	Applied  bool
	Deleted  bool
}

// ApplyHolding computes the next state of a holding row. It is shared by every store
// so the dust rule is evaluated the same way everywhere.
func ApplyHolding(current *Holding, adj HoldingAdjustment) HoldingResult {
	prev := decimal.Zero
	if current != nil {
		prev = current.Quantity
	}

	next := prev.Add(adj.Delta)
	if next.IsNegative() {
		return HoldingResult{Previous: prev, Quantity: prev, Existed: current != nil}
	}

	res := HoldingResult{Previous: prev, Quantity: next, Existed: current != nil, Applied: true}
	if IsDust(next) {
		res.Quantity = decimal.Zero
		res.Deleted = current != nil
	}

	return res
}

// Op ids for the ledger steps of a trade.
func CashOpID(tradeID string) string       { return tradeID + "/cash" }
func HoldingOpID(tradeID string) string    { return tradeID + "/holding" }
func CompensateOpID(tradeID string) string { return tradeID + "/compensate" }

// SeedOpID is the op id used when funding an account from configuration.
func SeedOpID(accountID, currency string) string {
	return "seed/" + accountID + "/" + currency
}
