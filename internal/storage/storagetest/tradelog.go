package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/storage"
)

// Record builds a pending trade record for tests.
func Record(id, accountID string, createdAt time.Time) domain.TradeRecord {
	return domain.NewTradeRecord(id, domain.TradeRequest{
		Caller:       domain.Caller{AccountID: accountID, Authenticated: true},
		Side:         domain.SideBuy,
		Symbol:       "BTC",
		Quantity:     decimal.NewFromInt(2),
		PricePerUnit: decimal.NewFromInt(150),
		Currency:     "USD",
	}, createdAt.UTC().Truncate(time.Microsecond))
}

// RunTradeLog exercises a fresh trade log produced by newLog for every subtest.
func RunTradeLog(t *testing.T, newLog func(t *testing.T) storage.TradeLog) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	t.Run("open then close", func(t *testing.T) {
		l := newLog(t)
		rec := Record("t1", "a", base)

		id, err := l.Open(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, "t1", id)

		got, err := l.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(300)))

		closedAt := base.Add(time.Second)
		closed, err := l.Close(ctx, "t1", domain.StatusCompleted, closedAt)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, closed.Status)
		assert.True(t, closed.UpdatedAt.Equal(closedAt))
		assert.True(t, rec.SameIntent(closed))
	})

	t.Run("open is idempotent for identical record", func(t *testing.T) {
		l := newLog(t)
		rec := Record("t1", "a", base)
		_, err := l.Open(ctx, rec)
		require.NoError(t, err)
		_, err = l.Open(ctx, rec)
		require.NoError(t, err)

		other := rec
		other.Quantity = decimal.NewFromInt(5)
		_, err = l.Open(ctx, other)
		assert.ErrorIs(t, err, domain.ErrTradeMismatch)
	})

	t.Run("close is idempotent and one way", func(t *testing.T) {
		l := newLog(t)
		_, err := l.Open(ctx, Record("t1", "a", base))
		require.NoError(t, err)

		_, err = l.Close(ctx, "t1", domain.StatusFailed, base.Add(time.Second))
		require.NoError(t, err)

		again, err := l.Close(ctx, "t1", domain.StatusFailed, base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, again.UpdatedAt.Equal(base.Add(time.Second)), "repeat close must not touch updated_at")

		_, err = l.Close(ctx, "t1", domain.StatusCompleted, base.Add(time.Minute))
		assert.ErrorIs(t, err, domain.ErrStatusConflict)

		_, err = l.Close(ctx, "missing", domain.StatusCompleted, base)
		assert.ErrorIs(t, err, domain.ErrTradeNotFound)
	})

	t.Run("idempotency key is unique per account", func(t *testing.T) {
		l := newLog(t)
		first := Record("t1", "a", base)
		first.IdempotencyKey = "k"
		_, err := l.Open(ctx, first)
		require.NoError(t, err)

		dup := Record("t2", "a", base.Add(time.Second))
		dup.IdempotencyKey = "k"
		_, err = l.Open(ctx, dup)
		assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

		otherAccount := Record("t3", "b", base)
		otherAccount.IdempotencyKey = "k"
		_, err = l.Open(ctx, otherAccount)
		require.NoError(t, err)

		found, ok, err := l.FindByIdempotencyKey(ctx, "a", "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "t1", found.ID)

		_, ok, err = l.FindByIdempotencyKey(ctx, "a", "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("pending and listing", func(t *testing.T) {
		l := newLog(t)
		for i, id := range []string{"t1", "t2", "t3"} {
			_, err := l.Open(ctx, Record(id, "a", base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}
		_, err := l.Open(ctx, Record("t4", "b", base))
		require.NoError(t, err)
		_, err = l.Close(ctx, "t2", domain.StatusCompleted, base.Add(time.Hour))
		require.NoError(t, err)

		pending, err := l.Pending(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		assert.ElementsMatch(t, []string{"t1", "t3", "t4"}, ids)

		trades, err := l.Trades(ctx, "a", 2)
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, "t3", trades[0].ID)
		assert.Equal(t, "t2", trades[1].ID)
		assert.Equal(t, domain.StatusCompleted, trades[1].Status)
	})
}
