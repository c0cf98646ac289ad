package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

func TestCoordinator_ConcurrentTradesAreSerializable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "1000")
	f.give(t, "acc", "BTC", "5")

	const workers = 40
	var (
		mu      sync.Mutex
		results []domain.TradeResult
		reqs    = make(map[string]domain.TradeRequest)
	)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		side := domain.SideBuy
		if i%2 == 1 {
			side = domain.SideSell
		}
		req := request("acc", side, "BTC", "1", fmt.Sprintf("%d", 90+i))
		g.Go(func() error {
			res, _ := f.coord.ExecuteTrade(ctx, req)
			mu.Lock()
			results = append(results, res)
			reqs[res.TradeID] = req
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// replaying the completed trades serially must land on the same ledgers
	cash := dec("1000")
	qty := dec("5")
	for _, res := range results {
		require.NotEqual(t, domain.CodeCompensationFailure, domain.CodeOf(res.Err()))
		if res.Status != domain.StatusCompleted {
			continue
		}
		req := reqs[res.TradeID]
		total := req.Quantity.Mul(req.PricePerUnit)
		if req.Side == domain.SideBuy {
			cash = cash.Sub(total)
			qty = qty.Add(req.Quantity)
		} else {
			cash = cash.Add(total)
			qty = qty.Sub(req.Quantity)
		}
	}

	assert.True(t, f.cash(t, "acc").Equal(cash), "cash %s, replay %s", f.cash(t, "acc"), cash)
	assert.False(t, f.cash(t, "acc").IsNegative())

	h := f.held(t, "acc", "BTC")
	if qty.LessThanOrEqual(domain.DustThreshold) {
		assert.Nil(t, h)
	} else {
		require.NotNil(t, h)
		assert.True(t, h.Quantity.Equal(qty), "holding %s, replay %s", h.Quantity, qty)
	}
}

func TestCoordinator_LedgerInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		f := newFixture(t)
		defer f.notifier.Close()
		initial := rapid.IntRange(0, 5000).Draw(rt, "initial")
		storageFund(rt, f, decimal.NewFromInt(int64(initial)))

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			side := rapid.SampledFrom([]domain.Side{domain.SideBuy, domain.SideSell}).Draw(rt, "side")
			symbol := rapid.SampledFrom([]string{"BTC", "ETH"}).Draw(rt, "symbol")
			// quantities in 1e-4 steps, prices in cents
			qty := decimal.New(int64(rapid.IntRange(1, 20000).Draw(rt, "qty")), -4)
			price := decimal.New(int64(rapid.IntRange(1, 500000).Draw(rt, "price")), -2)

			cashBefore := f.cash(t, "acc")
			holdBefore := quantityOf(f.held(t, "acc", symbol))

			req := domain.TradeRequest{
				Caller:       domain.Caller{AccountID: "acc", Authenticated: true},
				Side:         side,
				Symbol:       symbol,
				Quantity:     qty,
				PricePerUnit: price,
			}
			res, _ := f.coord.ExecuteTrade(ctx, req)

			cashAfter := f.cash(t, "acc")
			holding := f.held(t, "acc", symbol)
			holdAfter := quantityOf(holding)

			if cashAfter.IsNegative() {
				rt.Fatalf("negative cash %s", cashAfter)
			}
			if holding != nil && holding.Quantity.LessThanOrEqual(domain.DustThreshold) {
				rt.Fatalf("dust holding kept: %s", holding.Quantity)
			}

			total := qty.Mul(price)
			switch res.Status {
			case domain.StatusFailed:
				if !cashAfter.Equal(cashBefore) || !holdAfter.Equal(holdBefore) {
					rt.Fatalf("failed trade moved ledgers: cash %s->%s holding %s->%s", cashBefore, cashAfter, holdBefore, holdAfter)
				}
			case domain.StatusCompleted:
				wantCash := cashBefore.Sub(total)
				wantHold := holdBefore.Add(qty)
				if side == domain.SideSell {
					wantCash = cashBefore.Add(total)
					wantHold = holdBefore.Sub(qty)
				}
				if domain.IsDust(wantHold) {
					wantHold = decimal.Zero
				}
				if !cashAfter.Equal(wantCash) || !holdAfter.Equal(wantHold) {
					rt.Fatalf("completed trade mismatch: cash %s want %s, holding %s want %s", cashAfter, wantCash, holdAfter, wantHold)
				}
			default:
				rt.Fatalf("non terminal status %s", res.Status)
			}
		}
	})
}

func storageFund(rt *rapid.T, f *fixture, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	_, err := f.ledger.Ledger.AdjustCash(context.Background(), domain.CashAdjustment{
		OpID:      domain.SeedOpID("acc", "USD"),
		AccountID: "acc",
		Currency:  "USD",
		Delta:     amount,
		Floor:     decimal.Zero,
	})
	if err != nil {
		rt.Fatalf("fund: %v", err)
	}
}

func quantityOf(h *domain.Holding) decimal.Decimal {
	if h == nil {
		return decimal.Zero
	}
	return h.Quantity
}
