package reconciliation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradeledger/internal/domain"
)

func TestJournal_RecordAndReload(t *testing.T) {
	dir := t.TempDir()

	j, err := NewJournal(dir)
	require.NoError(t, err)

	entry := domain.CompensationFailure{
		TradeID:     "t1",
		AccountID:   "a",
		Symbol:      "BTC",
		Side:        domain.SideBuy,
		Currency:    "USD",
		TotalAmount: decimal.NewFromInt(300),
		Stage:       domain.StageSettleHoldings,
		Reason:      "storage unavailable",
		CashBefore:  decimal.NewFromInt(1000),
		CashAfter:   decimal.NewFromInt(700),
		RecordedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, j.Record(entry))
	assert.Error(t, j.Record(domain.CompensationFailure{}))
	require.NoError(t, j.Close())

	reloaded, err := NewJournal(dir)
	require.NoError(t, err)
	defer reloaded.Close()

	entries := reloaded.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TradeID)
	assert.Equal(t, domain.SideBuy, entries[0].Side)
	assert.True(t, entries[0].CashAfter.Equal(decimal.NewFromInt(700)))
}
