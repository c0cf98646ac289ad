package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/events"
	"github.com/vadiminshakov/tradeledger/internal/storage/memstore"
	"github.com/vadiminshakov/tradeledger/internal/storage/storagetest"
	"go.uber.org/zap"
)

var errStorageDown = errors.New("storage unavailable")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// faultyLedger wraps the in-memory ledger with injectable failures.
type faultyLedger struct {
	*memstore.Ledger

	mu            sync.Mutex
	cashHook      func(adj domain.CashAdjustment) (applyFirst bool, err error)
	holdingHook   func(adj domain.HoldingAdjustment) (applyFirst bool, err error)
	holdingReads  func(n int) error
	opAppliedErr  error
	holdingReadsN int
}

func newFaultyLedger() *faultyLedger {
	return &faultyLedger{Ledger: memstore.NewLedger()}
}

func (f *faultyLedger) AdjustCash(ctx context.Context, adj domain.CashAdjustment) (domain.CashResult, error) {
	f.mu.Lock()
	hook := f.cashHook
	f.mu.Unlock()
	if hook != nil {
		if applyFirst, err := hook(adj); err != nil {
			if applyFirst {
				_, _ = f.Ledger.AdjustCash(ctx, adj)
			}
			return domain.CashResult{}, err
		}
	}
	return f.Ledger.AdjustCash(ctx, adj)
}

func (f *faultyLedger) AdjustHolding(ctx context.Context, adj domain.HoldingAdjustment) (domain.HoldingResult, error) {
	f.mu.Lock()
	hook := f.holdingHook
	f.mu.Unlock()
	if hook != nil {
		if applyFirst, err := hook(adj); err != nil {
			if applyFirst {
				_, _ = f.Ledger.AdjustHolding(ctx, adj)
			}
			return domain.HoldingResult{}, err
		}
	}
	return f.Ledger.AdjustHolding(ctx, adj)
}

func (f *faultyLedger) Holding(ctx context.Context, accountID, symbol string) (*domain.Holding, error) {
	f.mu.Lock()
	f.holdingReadsN++
	n, hook := f.holdingReadsN, f.holdingReads
	f.mu.Unlock()
	if hook != nil {
		if err := hook(n); err != nil {
			return nil, err
		}
	}
	return f.Ledger.Holding(ctx, accountID, symbol)
}

func (f *faultyLedger) OpApplied(ctx context.Context, opID string) (bool, error) {
	f.mu.Lock()
	err := f.opAppliedErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Ledger.OpApplied(ctx, opID)
}

// flakyTradeLog fails Close until healed.
type flakyTradeLog struct {
	*memstore.TradeLog
	afterOpen func()

	mu       sync.Mutex
	closeErr error
	openErr  error
}

func (l *flakyTradeLog) failOpen(err error) {
	l.mu.Lock()
	l.openErr = err
	l.mu.Unlock()
}

func (l *flakyTradeLog) failClose(err error) {
	l.mu.Lock()
	l.closeErr = err
	l.mu.Unlock()
}

func (l *flakyTradeLog) Open(ctx context.Context, rec domain.TradeRecord) (string, error) {
	l.mu.Lock()
	openErr := l.openErr
	l.mu.Unlock()
	if openErr != nil {
		return "", openErr
	}
	id, err := l.TradeLog.Open(ctx, rec)
	if err == nil && l.afterOpen != nil {
		l.afterOpen()
	}
	return id, err
}

func (l *flakyTradeLog) Close(ctx context.Context, id string, status domain.TradeStatus, at time.Time) (domain.TradeRecord, error) {
	l.mu.Lock()
	err := l.closeErr
	l.mu.Unlock()
	if err != nil {
		return domain.TradeRecord{}, err
	}
	return l.TradeLog.Close(ctx, id, status, at)
}

type mockJournal struct {
	mock.Mock
}

func (m *mockJournal) Record(entry domain.CompensationFailure) error {
	return m.Called(entry).Error(0)
}

type fixture struct {
	ledger   *faultyLedger
	trades   *flakyTradeLog
	notifier *events.CommitNotifier
	journal  *mockJournal
	coord    *Coordinator

	mu        sync.Mutex
	committed []domain.TradeRecord
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger:   newFaultyLedger(),
		trades:   &flakyTradeLog{TradeLog: memstore.NewTradeLog()},
		notifier: events.NewCommitNotifier(1024, zap.NewNop()),
		journal:  &mockJournal{},
	}
	f.notifier.Subscribe("test", func(ctx context.Context, rec domain.TradeRecord) error {
		f.mu.Lock()
		f.committed = append(f.committed, rec)
		f.mu.Unlock()
		return nil
	})

	var seq atomic.Int64
	coord, err := NewCoordinator(f.ledger, f.trades, f.notifier, f.journal, zap.NewNop(),
		WithRetryPolicy(2, time.Millisecond, 2*time.Millisecond),
		WithIDGenerator(func() string { return fmt.Sprintf("trade-%d", seq.Add(1)) }),
	)
	require.NoError(t, err)
	f.coord = coord

	return f
}

// commits stops the notifier and returns everything it delivered.
func (f *fixture) commits() []domain.TradeRecord {
	f.notifier.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TradeRecord, len(f.committed))
	copy(out, f.committed)
	return out
}

func (f *fixture) fund(t *testing.T, account string, amount string) {
	t.Helper()
	storagetest.Fund(t, f.ledger.Ledger, account, "USD", dec(amount))
}

func (f *fixture) give(t *testing.T, account, symbol, qty string) {
	t.Helper()
	res, err := f.ledger.Ledger.AdjustHolding(context.Background(), domain.HoldingAdjustment{
		OpID: "gift/" + account + "/" + symbol, AccountID: account, Symbol: symbol, Delta: dec(qty), CostBasis: dec("1"),
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func (f *fixture) cash(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	amount, err := f.ledger.Ledger.Cash(context.Background(), account, "USD")
	require.NoError(t, err)
	return amount
}

func (f *fixture) held(t *testing.T, account, symbol string) *domain.Holding {
	t.Helper()
	h, err := f.ledger.Ledger.Holding(context.Background(), account, symbol)
	require.NoError(t, err)
	return h
}

func request(account string, side domain.Side, symbol, qty, price string) domain.TradeRequest {
	return domain.TradeRequest{
		Caller:       domain.Caller{AccountID: account, Authenticated: true},
		Side:         side,
		Symbol:       symbol,
		Quantity:     dec(qty),
		PricePerUnit: dec(price),
	}
}
