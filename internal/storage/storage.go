// Package storage declares the ledger and trade log contracts shared by the
// execution engine and its read-side collaborators.
package storage

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradeledger/internal/domain"
)

// Ledger holds cash balances and asset holdings.
// Each adjustment is atomic for its own key and is recorded under its op id,
// so replaying an op returns the recorded outcome without mutating again.
type Ledger interface {
	AdjustCash(ctx context.Context, adj domain.CashAdjustment) (domain.CashResult, error)
	AdjustHolding(ctx context.Context, adj domain.HoldingAdjustment) (domain.HoldingResult, error)
	Cash(ctx context.Context, accountID, currency string) (decimal.Decimal, error)
	// Holding returns nil when the account holds none of symbol.
	Holding(ctx context.Context, accountID, symbol string) (*domain.Holding, error)
	OpApplied(ctx context.Context, opID string) (bool, error)
	Balances(ctx context.Context, accountID string) ([]domain.CashBalance, error)
	Holdings(ctx context.Context, accountID string) ([]domain.Holding, error)
}

// TradeLog is the append-mostly record of trade attempts.
type TradeLog interface {
	// Open inserts a pending record. Re-opening an identical record returns its id.
	Open(ctx context.Context, rec domain.TradeRecord) (string, error)
	// Close moves a pending trade to a terminal status. Closing again with the same
	// status is a no-op; a different status fails with domain.ErrStatusConflict.
	Close(ctx context.Context, id string, status domain.TradeStatus, at time.Time) (domain.TradeRecord, error)
	Get(ctx context.Context, id string) (domain.TradeRecord, error)
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (domain.TradeRecord, bool, error)
	Pending(ctx context.Context) ([]domain.TradeRecord, error)
	// Trades lists an account's trades newest first. limit <= 0 means no limit.
	Trades(ctx context.Context, accountID string, limit int) ([]domain.TradeRecord, error)
}

// CloseTransition applies the status rules of TradeLog.Close to a stored record.
// changed is false when the record already carries status.
func CloseTransition(rec domain.TradeRecord, status domain.TradeStatus, at time.Time) (next domain.TradeRecord, changed bool, err error) {
	if !status.IsTerminal() {
		return rec, false, domain.ErrStatusConflict
	}
	if rec.Status == status {
		return rec, false, nil
	}
	if !rec.Status.CanTransitionTo(status) {
		return rec, false, domain.ErrStatusConflict
	}

	rec.Status = status
	rec.UpdatedAt = at
	return rec, true, nil
}

// OpenConflict decides what Open does when id already exists.
func OpenConflict(existing, incoming domain.TradeRecord) error {
	if existing.SameIntent(incoming) {
		return nil
	}
	return domain.ErrTradeMismatch
}

// SortOldestFirst orders records by creation time, ties broken by id.
func SortOldestFirst(recs []domain.TradeRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// SortNewestFirst is the reverse of SortOldestFirst.
func SortNewestFirst(recs []domain.TradeRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
