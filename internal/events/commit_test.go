package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"go.uber.org/zap"
)

type collector struct {
	mu   sync.Mutex
	recs []domain.TradeRecord
}

func (c *collector) add(_ context.Context, rec domain.TradeRecord) error {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.recs))
	for _, r := range c.recs {
		out = append(out, r.ID)
	}
	return out
}

func record(t Ticket, id string) domain.TradeRecord {
	return domain.TradeRecord{ID: id, AccountID: t.AccountID, Status: domain.StatusCompleted, CreatedAt: t.CreatedAt}
}

func TestCommitNotifier_ReserveIsMonotonic(t *testing.T) {
	n := NewCommitNotifier(8, zap.NewNop())
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.UTC)
	n.now = func() time.Time { return frozen }

	a := n.Reserve("acc")
	b := n.Reserve("acc")
	other := n.Reserve("other")

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.Equal(t, uint64(1), other.Seq)
	assert.True(t, b.CreatedAt.After(a.CreatedAt))
	assert.Equal(t, 0, a.CreatedAt.Nanosecond()%1000)
}

func TestCommitNotifier_DeliversInTicketOrder(t *testing.T) {
	n := NewCommitNotifier(16, zap.NewNop())
	c := &collector{}
	n.Subscribe("collector", c.add)

	t1 := n.Reserve("acc")
	t2 := n.Reserve("acc")
	t3 := n.Reserve("acc")

	// later trades finish first, delivery still waits for t1
	n.NotifyCommitted(t3, record(t3, "t3"))
	n.NotifyCommitted(t2, record(t2, "t2"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.ids())

	n.NotifyCommitted(t1, record(t1, "t1"))
	n.Close()

	assert.Equal(t, []string{"t1", "t2", "t3"}, c.ids())
}

func TestCommitNotifier_CancelReleasesLaterTickets(t *testing.T) {
	n := NewCommitNotifier(16, zap.NewNop())
	c := &collector{}
	n.Subscribe("collector", c.add)

	t1 := n.Reserve("acc")
	t2 := n.Reserve("acc")
	n.NotifyCommitted(t2, record(t2, "t2"))
	n.Cancel(t1)

	// a second resolution of the same ticket is ignored
	n.NotifyCommitted(t1, record(t1, "t1"))
	n.Close()

	assert.Equal(t, []string{"t2"}, c.ids())
}

func TestCommitNotifier_EvictsIdleAccounts(t *testing.T) {
	n := NewCommitNotifier(16, zap.NewNop())
	c := &collector{}
	n.Subscribe("collector", c.add)
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return frozen }

	t1 := n.Reserve("acc")
	t2 := n.Reserve("acc")
	n.NotifyCommitted(t1, record(t1, "t1"))
	assert.Len(t, n.accounts, 1, "acc still has an open ticket")

	n.Cancel(t2)
	assert.Empty(t, n.accounts)

	// the clock stepped back, the account must still not reuse a timestamp
	n.now = func() time.Time { return frozen.Add(-time.Second) }
	t3 := n.Reserve("acc")
	assert.True(t, t3.CreatedAt.After(t2.CreatedAt))
	assert.Equal(t, uint64(1), t3.Seq)

	// a ticket from before the eviction cannot resolve the new queue
	n.NotifyCommitted(t1, record(t1, "stale"))
	n.NotifyCommitted(t3, record(t3, "t3"))
	n.Close()

	assert.Equal(t, []string{"t1", "t3"}, c.ids())
	assert.Empty(t, n.accounts)
}

func TestCommitNotifier_FaultySubscribersDoNotBlock(t *testing.T) {
	n := NewCommitNotifier(1, zap.NewNop())

	block := make(chan struct{})
	n.Subscribe("slow", func(ctx context.Context, rec domain.TradeRecord) error {
		<-block
		return nil
	})
	n.Subscribe("panics", func(ctx context.Context, rec domain.TradeRecord) error {
		panic("boom")
	})
	n.Subscribe("errors", func(ctx context.Context, rec domain.TradeRecord) error {
		return errors.New("sink down")
	})
	c := &collector{}
	n.Subscribe("healthy", func(ctx context.Context, rec domain.TradeRecord) error {
		return c.add(ctx, rec)
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			tk := n.Reserve("acc")
			n.NotifyCommitted(tk, record(tk, "t"))
			time.Sleep(5 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyCommitted blocked on a slow subscriber")
	}

	close(block)
	n.Close()
	assert.Len(t, c.ids(), 5)
}

func TestCommitNotifier_Unsubscribe(t *testing.T) {
	n := NewCommitNotifier(4, zap.NewNop())
	c := &collector{}
	unsubscribe := n.Subscribe("collector", c.add)

	tk := n.Reserve("acc")
	n.NotifyCommitted(tk, record(tk, "t1"))
	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()

	tk = n.Reserve("acc")
	n.NotifyCommitted(tk, record(tk, "t2"))
	n.Close()
	assert.Equal(t, []string{"t1"}, c.ids())
}
