package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/storage/memstore"
	"go.uber.org/zap"
)

func TestCoordinator_Scenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("A: buy within balance", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "10000")

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "BTC", "0.1", "42000"))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, res.Status)
		assert.NotEmpty(t, res.TradeID)

		assert.True(t, f.cash(t, "acc").Equal(dec("5800")), f.cash(t, "acc").String())
		h := f.held(t, "acc", "BTC")
		require.NotNil(t, h)
		assert.True(t, h.Quantity.Equal(dec("0.1")))
		assert.True(t, h.CostBasis.Equal(dec("42000")))

		rec, err := f.trades.Get(ctx, res.TradeID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, rec.Status)
		assert.True(t, rec.TotalAmount.Equal(dec("4200")))
		assert.Equal(t, "USD", rec.Currency)
	})

	t.Run("B: buy above balance", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "5800")

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "BTC", "1", "6000"))
		require.Error(t, err)
		assert.Equal(t, domain.StatusFailed, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, domain.CodeInsufficientFunds, res.Error.Code)
		require.NotNil(t, res.Error.Ledger)
		assert.True(t, res.Error.Ledger.Before.Equal(dec("5800")))
		assert.True(t, res.Error.Ledger.Required.Equal(dec("6000")))

		assert.True(t, f.cash(t, "acc").Equal(dec("5800")))
		assert.Nil(t, f.held(t, "acc", "BTC"))

		rec, err := f.trades.Get(ctx, res.TradeID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, rec.Status)
	})

	t.Run("C: sell whole holding deletes the row", func(t *testing.T) {
		f := newFixture(t)
		f.give(t, "acc", "BTC", "0.1")

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideSell, "BTC", "0.1", "45000"))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, res.Status)
		assert.True(t, f.cash(t, "acc").Equal(dec("4500")))
		assert.Nil(t, f.held(t, "acc", "BTC"))
	})

	t.Run("D: partial sell keeps the row", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "100")
		f.give(t, "acc", "BTC", "0.1")

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideSell, "BTC", "0.05", "45000"))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, res.Status)
		assert.True(t, f.cash(t, "acc").Equal(dec("2350")))
		h := f.held(t, "acc", "BTC")
		require.NotNil(t, h)
		assert.True(t, h.Quantity.Equal(dec("0.05")))
	})

	t.Run("E: sell without holding", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "100")

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideSell, "BTC", "1", "10"))
		require.Error(t, err)
		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.Equal(t, domain.CodeInsufficientHoldings, res.Error.Code)
		assert.Equal(t, domain.LedgerHolding, res.Error.Ledger.Kind)
		assert.True(t, f.cash(t, "acc").Equal(dec("100")))

		applied, err := f.ledger.OpApplied(ctx, domain.CashOpID(res.TradeID))
		require.NoError(t, err)
		assert.False(t, applied)
	})
}

func TestCoordinator_ValidationCreatesNoRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "100")

	bad := []domain.TradeRequest{
		request("acc", domain.SideBuy, "BTC", "0", "10"),
		request("acc", domain.SideBuy, "BTC", "1", "-1"),
		request("acc", domain.SideBuy, " ", "1", "10"),
		request("acc", domain.Side(0), "BTC", "1", "10"),
		request("acc", domain.SideBuy, "BTC", "0.000000005", "100"),
	}
	unauth := request("acc", domain.SideBuy, "BTC", "1", "10")
	unauth.Caller.Authenticated = false
	bad = append(bad, unauth)

	for _, req := range bad {
		res, err := f.coord.ExecuteTrade(ctx, req)
		require.Error(t, err)
		assert.Equal(t, domain.CodeValidation, res.Error.Code)
		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.Empty(t, res.TradeID)
	}

	trades, err := f.trades.Trades(ctx, "acc", 0)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.True(t, f.cash(t, "acc").Equal(dec("100")))
	assert.Nil(t, f.held(t, "acc", "BTC"))
	assert.Empty(t, f.commits())
}

func TestCoordinator_CompensatesFailedBuy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "1000")
	f.ledger.holdingHook = func(adj domain.HoldingAdjustment) (bool, error) {
		return false, errStorageDown
	}

	res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "ETH", "2", "100"))
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, domain.CodeStorage, res.Error.Code)
	assert.ErrorIs(t, err, errStorageDown)

	assert.True(t, f.cash(t, "acc").Equal(dec("1000")), "cash must be restored exactly")
	assert.Nil(t, f.held(t, "acc", "ETH"))

	applied, err := f.ledger.OpApplied(ctx, domain.CompensateOpID(res.TradeID))
	require.NoError(t, err)
	assert.True(t, applied)
	f.journal.AssertNotCalled(t, "Record", mock.Anything)
}

func TestCoordinator_CompensatesSellWhenHoldingVanishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "10")
	f.give(t, "acc", "BTC", "1")

	// the guard read sees the holding, the authoritative read happens after another sell took it
	f.ledger.holdingReads = func(n int) error {
		if n == 2 {
			_, err := f.ledger.Ledger.AdjustHolding(ctx, domain.HoldingAdjustment{
				OpID: "other/holding", AccountID: "acc", Symbol: "BTC", Delta: dec("-1"),
			})
			return err
		}
		return nil
	}

	res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideSell, "BTC", "1", "50"))
	require.Error(t, err)
	assert.Equal(t, domain.CodeInsufficientHoldings, res.Error.Code)
	assert.True(t, f.cash(t, "acc").Equal(dec("10")), f.cash(t, "acc").String())
}

func TestCoordinator_CompensationFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("reversal cannot be written", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "1000")
		f.ledger.holdingHook = func(adj domain.HoldingAdjustment) (bool, error) {
			return false, errStorageDown
		}
		f.ledger.cashHook = func(adj domain.CashAdjustment) (bool, error) {
			if adj.OpID == domain.CompensateOpID("trade-1") {
				return false, errStorageDown
			}
			return false, nil
		}
		f.journal.On("Record", mock.MatchedBy(func(e domain.CompensationFailure) bool {
			return e.TradeID == "trade-1" &&
				e.Stage == domain.StageSettleHoldings &&
				e.CashBefore.Equal(dec("1000")) &&
				e.CashAfter.Equal(dec("800"))
		})).Return(nil).Once()

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "ETH", "2", "100"))
		require.Error(t, err)
		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.Equal(t, domain.CodeCompensationFailure, res.Error.Code)
		require.NotNil(t, res.Error.Ledger)
		assert.True(t, res.Error.Ledger.After.Equal(dec("800")))
		f.journal.AssertExpectations(t)

		rec, err := f.trades.Get(ctx, "trade-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, rec.Status)
	})

	t.Run("sell proceeds spent before reversal", func(t *testing.T) {
		f := newFixture(t)
		f.give(t, "acc", "BTC", "1")
		f.ledger.holdingHook = func(adj domain.HoldingAdjustment) (bool, error) {
			// a concurrent buy spends the freshly released cash
			_, err := f.ledger.Ledger.AdjustCash(ctx, domain.CashAdjustment{
				OpID: "spender/cash", AccountID: "acc", Currency: "USD", Delta: dec("-500"),
			})
			require.NoError(t, err)
			return false, errStorageDown
		}
		f.journal.On("Record", mock.Anything).Return(nil).Once()

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideSell, "BTC", "1", "500"))
		require.Error(t, err)
		assert.Equal(t, domain.CodeCompensationFailure, res.Error.Code)
		assert.True(t, f.cash(t, "acc").IsZero(), "balance must never go negative")
		f.journal.AssertExpectations(t)
	})

	t.Run("unknown holdings outcome is never guessed", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "1000")
		f.ledger.holdingHook = func(adj domain.HoldingAdjustment) (bool, error) {
			f.ledger.opAppliedErr = errStorageDown
			return false, errStorageDown
		}
		f.journal.On("Record", mock.MatchedBy(func(e domain.CompensationFailure) bool {
			return e.Stage == domain.StageAmbiguous
		})).Return(nil).Once()

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "ETH", "1", "100"))
		require.Error(t, err)
		assert.Equal(t, domain.CodeCompensationFailure, res.Error.Code)
		assert.True(t, f.cash(t, "acc").Equal(dec("900")), "no reversal without knowing the holdings outcome")
		f.journal.AssertExpectations(t)
	})
}

func TestCoordinator_AmbiguousStepsResolvedByOpJournal(t *testing.T) {
	ctx := context.Background()

	t.Run("cash step landed but the reply was lost", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "1000")
		calls := 0
		f.ledger.cashHook = func(adj domain.CashAdjustment) (bool, error) {
			calls++
			if calls <= 3 {
				return true, errStorageDown
			}
			return false, nil
		}

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "ETH", "1", "100"))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, res.Status)
		assert.Equal(t, 4, calls, "three failed attempts and one replay of the recorded op")
		assert.True(t, f.cash(t, "acc").Equal(dec("900")), "replays must not debit twice")
	})

	t.Run("lost cash reply keeps the real balance for reconciliation", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "1000")
		cashCalls := 0
		f.ledger.cashHook = func(adj domain.CashAdjustment) (bool, error) {
			if adj.OpID == domain.CompensateOpID("trade-1") {
				return false, errStorageDown
			}
			cashCalls++
			if cashCalls <= 3 {
				return true, errStorageDown
			}
			return false, nil
		}
		f.ledger.holdingHook = func(adj domain.HoldingAdjustment) (bool, error) {
			return false, errStorageDown
		}
		f.journal.On("Record", mock.MatchedBy(func(e domain.CompensationFailure) bool {
			return e.CashBefore.Equal(dec("1000")) && e.CashAfter.Equal(dec("900"))
		})).Return(nil).Once()

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "ETH", "1", "100"))
		require.Error(t, err)
		assert.Equal(t, domain.CodeCompensationFailure, res.Error.Code)
		require.NotNil(t, res.Error.Ledger)
		assert.True(t, res.Error.Ledger.Before.Equal(dec("1000")), res.Error.Ledger.Before.String())
		assert.True(t, res.Error.Ledger.After.Equal(dec("900")))
		f.journal.AssertExpectations(t)
	})

	t.Run("holdings step landed but the reply was lost", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "1000")
		f.ledger.holdingHook = func(adj domain.HoldingAdjustment) (bool, error) {
			return true, errStorageDown
		}

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "ETH", "1", "100"))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, res.Status)
		h := f.held(t, "acc", "ETH")
		require.NotNil(t, h)
		assert.True(t, h.Quantity.Equal(dec("1")))
	})

	t.Run("cash step failed and never landed", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "acc", "1000")
		f.ledger.cashHook = func(adj domain.CashAdjustment) (bool, error) {
			return false, errStorageDown
		}

		res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "ETH", "1", "100"))
		require.Error(t, err)
		assert.Equal(t, domain.CodeStorage, res.Error.Code)
		assert.True(t, f.cash(t, "acc").Equal(dec("1000")))
		f.journal.AssertNotCalled(t, "Record", mock.Anything)
	})
}

func TestCoordinator_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "1000")

	req := request("acc", domain.SideBuy, "BTC", "1", "100")
	req.IdempotencyKey = "order-42"

	first, err := f.coord.ExecuteTrade(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.coord.ExecuteTrade(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TradeID, second.TradeID)
	assert.Equal(t, domain.StatusCompleted, second.Status)

	assert.True(t, f.cash(t, "acc").Equal(dec("900")))

	other := request("other", domain.SideBuy, "BTC", "1", "100")
	other.IdempotencyKey = "order-42"
	f.fund(t, "other", "100")
	res, err := f.coord.ExecuteTrade(ctx, other)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestCoordinator_DetachesFromCallerAfterOpen(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "acc", "1000")

	ctx, cancel := context.WithCancel(context.Background())
	f.trades.afterOpen = cancel

	res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "BTC", "1", "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.True(t, f.cash(t, "acc").Equal(dec("900")))
}

func TestCoordinator_OpenFailureHandsOutNoTradeID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "1000")
	f.trades.failOpen(errStorageDown)

	res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "ETH", "1", "100"))
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, domain.CodeStorage, res.Error.Code)
	assert.Empty(t, res.TradeID)

	_, err = f.trades.Get(ctx, "trade-1")
	assert.ErrorIs(t, err, domain.ErrTradeNotFound)
	assert.True(t, f.cash(t, "acc").Equal(dec("1000")))
	assert.Empty(t, f.commits())
}

func TestCoordinator_CloseFailureLeavesTradeForRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "1000")
	f.trades.failClose(errStorageDown)

	res, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "BTC", "1", "100"))
	require.Error(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status, "ledgers settled, only the status write failed")
	assert.Equal(t, domain.CodeStorage, res.Error.Code)

	rec, err := f.trades.Get(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)

	f.trades.failClose(nil)
	report, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	rec, err = f.trades.Get(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Empty(t, f.commits(), "cancelled ticket and recovery publish nothing")
}

func TestCoordinator_NotifiesTerminalTradesInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "150")

	_, err := f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "BTC", "1", "100"))
	require.NoError(t, err)
	_, err = f.coord.ExecuteTrade(ctx, request("acc", domain.SideBuy, "BTC", "1", "100"))
	require.Error(t, err)
	_, err = f.coord.ExecuteTrade(ctx, request("acc", domain.SideSell, "BTC", "1", "120"))
	require.NoError(t, err)

	commits := f.commits()
	require.Len(t, commits, 3)
	assert.Equal(t, domain.StatusCompleted, commits[0].Status)
	assert.Equal(t, domain.StatusFailed, commits[1].Status)
	assert.Equal(t, domain.StatusCompleted, commits[2].Status)
	for i := 1; i < len(commits); i++ {
		assert.False(t, commits[i].CreatedAt.Before(commits[i-1].CreatedAt))
	}
}

func TestNewCoordinator_RequiresCollaborators(t *testing.T) {
	_, err := NewCoordinator(nil, memstore.NewTradeLog(), nil, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = NewCoordinator(memstore.NewLedger(), nil, nil, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = NewCoordinator(memstore.NewLedger(), memstore.NewTradeLog(), nil, nil, zap.NewNop())
	assert.Error(t, err)
}
