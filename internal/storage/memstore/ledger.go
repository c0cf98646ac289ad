// Package memstore keeps the ledger and trade log in process memory.
package memstore

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradeledger/internal/domain"
)

const shardCount = 32

type cashKey struct {
	account  string
	currency string
}

type holdingKey struct {
	account string
	symbol  string
}

type shard struct {
	mu       sync.Mutex
	cash     map[cashKey]domain.CashBalance
	holdings map[holdingKey]domain.Holding
}

type opOutcome struct {
	cash    *domain.CashResult
	holding *domain.HoldingResult
}

// Ledger is an in-memory ledger. Keys are spread over shards, each with its own
// mutex, so adjustments on one key serialize while unrelated keys proceed.
type Ledger struct {
	shards [shardCount]*shard

	opsMu sync.RWMutex
	ops   map[string]opOutcome

	now func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	l := &Ledger{
		ops: make(map[string]opOutcome),
		now: time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{
			cash:     make(map[cashKey]domain.CashBalance),
			holdings: make(map[holdingKey]domain.Holding),
		}
	}
	return l
}

// All keys of one account land in the same shard, which keeps the read side cheap.
func (l *Ledger) shardFor(accountID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Ledger) recorded(opID string) (opOutcome, bool) {
	l.opsMu.RLock()
	defer l.opsMu.RUnlock()
	out, ok := l.ops[opID]
	return out, ok
}

func (l *Ledger) record(opID string, out opOutcome) {
	if opID == "" {
		return
	}
	l.opsMu.Lock()
	l.ops[opID] = out
	l.opsMu.Unlock()
}

// AdjustCash implements storage.Ledger.
func (l *Ledger) AdjustCash(ctx context.Context, adj domain.CashAdjustment) (domain.CashResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.CashResult{}, err
	}

	s := l.shardFor(adj.AccountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if out, ok := l.recorded(adj.OpID); ok && out.cash != nil {
		return *out.cash, nil
	}

	key := cashKey{account: adj.AccountID, currency: adj.Currency}
	bal, ok := s.cash[key]
	if !ok {
		bal = domain.CashBalance{AccountID: adj.AccountID, Currency: adj.Currency, Amount: decimal.Zero}
	}

	next := bal.Amount.Add(adj.Delta)
	if next.LessThan(adj.Floor) {
		return domain.CashResult{Previous: bal.Amount, Amount: bal.Amount}, nil
	}

	bal.Amount = next
	bal.UpdatedAt = l.now()
	s.cash[key] = bal

	res := domain.CashResult{Previous: next.Sub(adj.Delta), Amount: next, Applied: true}
	l.record(adj.OpID, opOutcome{cash: &res})
	return res, nil
}

// AdjustHolding implements storage.Ledger.
func (l *Ledger) AdjustHolding(ctx context.Context, adj domain.HoldingAdjustment) (domain.HoldingResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.HoldingResult{}, err
	}

	s := l.shardFor(adj.AccountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if out, ok := l.recorded(adj.OpID); ok && out.holding != nil {
		return *out.holding, nil
	}

	key := holdingKey{account: adj.AccountID, symbol: adj.Symbol}
	var current *domain.Holding
	if h, ok := s.holdings[key]; ok {
		current = &h
	}

	res := domain.ApplyHolding(current, adj)
	if !res.Applied {
		return res, nil
	}

	switch {
	case res.Deleted:
		delete(s.holdings, key)
	case res.Quantity.IsZero():
		// dust-sized first acquisition, nothing to keep
	case current == nil:
		s.holdings[key] = domain.Holding{
			AccountID: adj.AccountID,
			Symbol:    adj.Symbol,
			Quantity:  res.Quantity,
			CostBasis: adj.CostBasis,
			UpdatedAt: l.now(),
		}
	default:
		current.Quantity = res.Quantity
		current.UpdatedAt = l.now()
		s.holdings[key] = *current
	}

	l.record(adj.OpID, opOutcome{holding: &res})
	return res, nil
}

// Cash implements storage.Ledger.
func (l *Ledger) Cash(ctx context.Context, accountID, currency string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	s := l.shardFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.cash[cashKey{account: accountID, currency: currency}]
	if !ok {
		return decimal.Zero, nil
	}
	return bal.Amount, nil
}

// Holding implements storage.Ledger.
func (l *Ledger) Holding(ctx context.Context, accountID, symbol string) (*domain.Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := l.shardFor(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holdings[holdingKey{account: accountID, symbol: symbol}]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

// OpApplied implements storage.Ledger.
func (l *Ledger) OpApplied(ctx context.Context, opID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := l.recorded(opID)
	return ok, nil
}

// Balances implements storage.Ledger.
func (l *Ledger) Balances(ctx context.Context, accountID string) ([]domain.CashBalance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := l.shardFor(accountID)
	s.mu.Lock()
	out := make([]domain.CashBalance, 0)
	for k, v := range s.cash {
		if k.account == accountID {
			out = append(out, v)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// Holdings implements storage.Ledger.
func (l *Ledger) Holdings(ctx context.Context, accountID string) ([]domain.Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := l.shardFor(accountID)
	s.mu.Lock()
	out := make([]domain.Holding, 0)
	for k, v := range s.holdings {
		if k.account == accountID {
			out = append(out, v)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
