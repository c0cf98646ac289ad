package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/storage/storagetest"
)

// openPending writes a pending BUY of 1 BTC @ 100 as if the process died right after Open.
func openPending(t *testing.T, f *fixture, id string) domain.TradeRecord {
	t.Helper()
	rec := storagetest.Record(id, "acc", time.Now())
	rec.Quantity = dec("1")
	rec.PricePerUnit = dec("100")
	rec.TotalAmount = dec("100")
	_, err := f.trades.Open(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func applyCash(t *testing.T, f *fixture, opID string, delta string) {
	t.Helper()
	res, err := f.ledger.Ledger.AdjustCash(context.Background(), domain.CashAdjustment{
		OpID: opID, AccountID: "acc", Currency: "USD", Delta: dec(delta), Floor: decimal.Zero,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func TestCoordinator_Recover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "1000")

	// crashed before touching the ledger
	openPending(t, f, "r-nothing")

	// crashed after both ledger steps
	openPending(t, f, "r-done")
	applyCash(t, f, domain.CashOpID("r-done"), "-100")
	_, err := f.ledger.Ledger.AdjustHolding(ctx, domain.HoldingAdjustment{
		OpID: domain.HoldingOpID("r-done"), AccountID: "acc", Symbol: "BTC", Delta: dec("1"), CostBasis: dec("100"),
	})
	require.NoError(t, err)

	// crashed between cash and holdings
	openPending(t, f, "r-half")
	applyCash(t, f, domain.CashOpID("r-half"), "-100")

	// crashed after compensating
	openPending(t, f, "r-comp")
	applyCash(t, f, domain.CashOpID("r-comp"), "-100")
	applyCash(t, f, domain.CompensateOpID("r-comp"), "100")

	report, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Completed: 1, Failed: 3}, report)

	expect := map[string]domain.TradeStatus{
		"r-nothing": domain.StatusFailed,
		"r-done":    domain.StatusCompleted,
		"r-half":    domain.StatusFailed,
		"r-comp":    domain.StatusFailed,
	}
	for id, status := range expect {
		rec, err := f.trades.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, rec.Status, id)
	}

	// only r-done keeps its debit
	assert.True(t, f.cash(t, "acc").Equal(dec("900")), f.cash(t, "acc").String())

	pending, err := f.trades.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	report, err = f.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{}, report)
}

func TestCoordinator_RecoverLeavesTradesPendingWhileLedgerIsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "acc", "1000")
	openPending(t, f, "r-1")
	f.ledger.opAppliedErr = errStorageDown

	report, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolved)

	rec, err := f.trades.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
}

func TestCoordinator_RecoverJournalsRejectedReversal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// a SELL that released 100 which was spent before the crash was recovered
	rec := storagetest.Record("r-sell", "acc", time.Now())
	rec.Side = domain.SideSell
	rec.Quantity = dec("1")
	rec.PricePerUnit = dec("100")
	rec.TotalAmount = dec("100")
	_, err := f.trades.Open(ctx, rec)
	require.NoError(t, err)
	applyCash(t, f, domain.CashOpID("r-sell"), "100")
	applyCash(t, f, "spent/cash", "-100")

	f.journal.On("Record", mock.MatchedBy(func(e domain.CompensationFailure) bool {
		return e.TradeID == "r-sell" && e.Stage == domain.StageRecovery
	})).Return(nil).Once()

	report, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CompensationFailures)
	f.journal.AssertExpectations(t)

	got, err := f.trades.Get(ctx, "r-sell")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}
