package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/storage"
)

type idemKey struct {
	account string
	key     string
}

// TradeLog is an in-memory trade log.
type TradeLog struct {
	mu     sync.RWMutex
	trades map[string]domain.TradeRecord
	byKey  map[idemKey]string
}

// NewTradeLog creates an empty trade log.
func NewTradeLog() *TradeLog {
	return &TradeLog{
		trades: make(map[string]domain.TradeRecord),
		byKey:  make(map[idemKey]string),
	}
}

// Open implements storage.TradeLog.
func (t *TradeLog) Open(ctx context.Context, rec domain.TradeRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		return "", errors.New("trade id is required")
	}
	if rec.Status != domain.StatusPending {
		return "", errors.Errorf("trade %s must be opened as pending, got %s", rec.ID, rec.Status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.trades[rec.ID]; ok {
		if err := storage.OpenConflict(existing, rec); err != nil {
			return "", errors.Wrapf(err, "open trade %s", rec.ID)
		}
		return rec.ID, nil
	}

	if rec.IdempotencyKey != "" {
		k := idemKey{account: rec.AccountID, key: rec.IdempotencyKey}
		if owner, ok := t.byKey[k]; ok {
			return "", errors.Wrapf(domain.ErrDuplicateIdempotencyKey, "key owned by trade %s", owner)
		}
		t.byKey[k] = rec.ID
	}

	t.trades[rec.ID] = rec
	return rec.ID, nil
}

// Close implements storage.TradeLog.
func (t *TradeLog) Close(ctx context.Context, id string, status domain.TradeStatus, at time.Time) (domain.TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.TradeRecord{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.trades[id]
	if !ok {
		return domain.TradeRecord{}, errors.Wrapf(domain.ErrTradeNotFound, "close trade %s", id)
	}

	next, changed, err := storage.CloseTransition(rec, status, at)
	if err != nil {
		return rec, errors.Wrapf(err, "close trade %s as %s (current %s)", id, status, rec.Status)
	}
	if changed {
		t.trades[id] = next
	}
	return next, nil
}

// Get implements storage.TradeLog.
func (t *TradeLog) Get(ctx context.Context, id string) (domain.TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.TradeRecord{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.trades[id]
	if !ok {
		return domain.TradeRecord{}, errors.Wrapf(domain.ErrTradeNotFound, "get trade %s", id)
	}
	return rec, nil
}

// FindByIdempotencyKey implements storage.TradeLog.
func (t *TradeLog) FindByIdempotencyKey(ctx context.Context, accountID, key string) (domain.TradeRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.TradeRecord{}, false, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.byKey[idemKey{account: accountID, key: key}]
	if !ok {
		return domain.TradeRecord{}, false, nil
	}
	return t.trades[id], true, nil
}

// Pending implements storage.TradeLog.
func (t *TradeLog) Pending(ctx context.Context) ([]domain.TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []domain.TradeRecord
	for _, rec := range t.trades {
		if rec.Status == domain.StatusPending {
			out = append(out, rec)
		}
	}
	storage.SortOldestFirst(out)
	return out, nil
}

// Trades implements storage.TradeLog.
func (t *TradeLog) Trades(ctx context.Context, accountID string, limit int) ([]domain.TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	out := make([]domain.TradeRecord, 0)
	for _, rec := range t.trades {
		if rec.AccountID == accountID {
			out = append(out, rec)
		}
	}
	t.mu.RUnlock()

	storage.SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
