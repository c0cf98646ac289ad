// Package storagetest holds behaviour tests every storage implementation must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/storage"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Fund credits amount to an account outside of any trade.
func Fund(t *testing.T, l storage.Ledger, accountID, currency string, amount decimal.Decimal) {
	t.Helper()
	res, err := l.AdjustCash(context.Background(), domain.CashAdjustment{
		OpID:      domain.SeedOpID(accountID, currency),
		AccountID: accountID,
		Currency:  currency,
		Delta:     amount,
		Floor:     decimal.Zero,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
}

// RunLedger exercises a fresh ledger produced by newLedger for every subtest.
func RunLedger(t *testing.T, newLedger func(t *testing.T) storage.Ledger) {
	ctx := context.Background()

	t.Run("missing balance reads as zero", func(t *testing.T) {
		l := newLedger(t)
		amount, err := l.Cash(ctx, "nobody", "USD")
		require.NoError(t, err)
		assert.True(t, amount.IsZero())

		h, err := l.Holding(ctx, "nobody", "BTC")
		require.NoError(t, err)
		assert.Nil(t, h)
	})

	t.Run("debit respects floor", func(t *testing.T) {
		l := newLedger(t)
		Fund(t, l, "a", "USD", dec("100"))

		res, err := l.AdjustCash(ctx, domain.CashAdjustment{OpID: "t1/cash", AccountID: "a", Currency: "USD", Delta: dec("-300"), Floor: decimal.Zero})
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.True(t, res.Previous.Equal(dec("100")), res.Previous.String())
		assert.True(t, res.Amount.Equal(dec("100")))

		applied, err := l.OpApplied(ctx, "t1/cash")
		require.NoError(t, err)
		assert.False(t, applied)

		res, err = l.AdjustCash(ctx, domain.CashAdjustment{OpID: "t2/cash", AccountID: "a", Currency: "USD", Delta: dec("-100"), Floor: decimal.Zero})
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.True(t, res.Amount.IsZero())
	})

	t.Run("replayed op returns recorded outcome", func(t *testing.T) {
		l := newLedger(t)
		Fund(t, l, "a", "USD", dec("1000"))

		adj := domain.CashAdjustment{OpID: "t1/cash", AccountID: "a", Currency: "USD", Delta: dec("-300"), Floor: decimal.Zero}
		first, err := l.AdjustCash(ctx, adj)
		require.NoError(t, err)
		second, err := l.AdjustCash(ctx, adj)
		require.NoError(t, err)

		assert.True(t, second.Applied)
		assert.True(t, first.Amount.Equal(second.Amount))
		assert.True(t, first.Previous.Equal(second.Previous))

		amount, err := l.Cash(ctx, "a", "USD")
		require.NoError(t, err)
		assert.True(t, amount.Equal(dec("700")), amount.String())

		applied, err := l.OpApplied(ctx, "t1/cash")
		require.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("holding lifecycle", func(t *testing.T) {
		l := newLedger(t)

		res, err := l.AdjustHolding(ctx, domain.HoldingAdjustment{OpID: "t1/holding", AccountID: "a", Symbol: "BTC", Delta: dec("2"), CostBasis: dec("150")})
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.False(t, res.Existed)

		res, err = l.AdjustHolding(ctx, domain.HoldingAdjustment{OpID: "t2/holding", AccountID: "a", Symbol: "BTC", Delta: dec("1"), CostBasis: dec("999")})
		require.NoError(t, err)
		assert.True(t, res.Existed)

		h, err := l.Holding(ctx, "a", "BTC")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.True(t, h.Quantity.Equal(dec("3")), h.Quantity.String())
		assert.True(t, h.CostBasis.Equal(dec("150")), "cost basis is set at first acquisition")

		res, err = l.AdjustHolding(ctx, domain.HoldingAdjustment{OpID: "t3/holding", AccountID: "a", Symbol: "BTC", Delta: dec("-4")})
		require.NoError(t, err)
		assert.False(t, res.Applied)

		res, err = l.AdjustHolding(ctx, domain.HoldingAdjustment{OpID: "t4/holding", AccountID: "a", Symbol: "BTC", Delta: dec("-2.999999995")})
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.True(t, res.Deleted)

		h, err = l.Holding(ctx, "a", "BTC")
		require.NoError(t, err)
		assert.Nil(t, h)

		holdings, err := l.Holdings(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, holdings)
	})

	t.Run("read side lists per account", func(t *testing.T) {
		l := newLedger(t)
		Fund(t, l, "a", "USD", dec("10"))
		Fund(t, l, "a", "EUR", dec("5"))
		Fund(t, l, "b", "USD", dec("1"))

		balances, err := l.Balances(ctx, "a")
		require.NoError(t, err)
		require.Len(t, balances, 2)
		assert.Equal(t, "EUR", balances[0].Currency)
		assert.Equal(t, "USD", balances[1].Currency)

		_, err = l.AdjustHolding(ctx, domain.HoldingAdjustment{OpID: "h1", AccountID: "a", Symbol: "ETH", Delta: dec("1"), CostBasis: dec("10")})
		require.NoError(t, err)
		_, err = l.AdjustHolding(ctx, domain.HoldingAdjustment{OpID: "h2", AccountID: "a", Symbol: "BTC", Delta: dec("1"), CostBasis: dec("10")})
		require.NoError(t, err)

		holdings, err := l.Holdings(ctx, "a")
		require.NoError(t, err)
		require.Len(t, holdings, 2)
		assert.Equal(t, "BTC", holdings[0].Symbol)
	})

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		l := newLedger(t)
		Fund(t, l, "a", "USD", dec("100"))

		const workers = 20
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := l.AdjustCash(ctx, domain.CashAdjustment{
					OpID:      fmt.Sprintf("c%d/cash", i),
					AccountID: "a",
					Currency:  "USD",
					Delta:     dec("-10"),
					Floor:     decimal.Zero,
				})
				if assert.NoError(t, err) && res.Applied {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 10, applied)
		amount, err := l.Cash(ctx, "a", "USD")
		require.NoError(t, err)
		assert.True(t, amount.IsZero(), amount.String())
	})
}
