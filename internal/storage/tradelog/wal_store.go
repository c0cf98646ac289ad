// Package tradelog persists trade records in a write-ahead log.
package tradelog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/storage"
	"github.com/vadiminshakov/tradeledger/internal/storage/memstore"
)

const (
	DefaultDir   = "./wal/trades"
	segmentLimit = 1000
	// segments are never rotated away, every record version must survive restarts
	maxSegments = 1 << 20

	tradeKeyPrefix = "trade_"
)

// WALStore is a trade log backed by gowal. Every state of a record is appended as a
// new entry and the latest version per id wins on replay.
type WALStore struct {
	mu    sync.Mutex
	wal   *gowal.Wal
	index *memstore.TradeLog
}

// NewWALStore opens (or creates) the log in dir and rebuilds its index.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "trades_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init trade WAL")
	}

	s := &WALStore{wal: wal, index: memstore.NewTradeLog()}
	if err := s.replay(); err != nil {
		_ = wal.Close()
		return nil, err
	}

	return s, nil
}

func (s *WALStore) replay() error {
	ctx := context.Background()

	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, tradeKeyPrefix) {
			continue
		}

		var rec domain.TradeRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			return errors.Wrapf(err, "decode trade entry %s", msg.Key)
		}

		if _, err := s.index.Get(ctx, rec.ID); errors.Is(err, domain.ErrTradeNotFound) {
			opened := rec
			opened.Status = domain.StatusPending
			opened.UpdatedAt = opened.CreatedAt
			if _, err := s.index.Open(ctx, opened); err != nil {
				return errors.Wrapf(err, "restore trade %s", rec.ID)
			}
		}

		if rec.Status.IsTerminal() {
			if _, err := s.index.Close(ctx, rec.ID, rec.Status, rec.UpdatedAt); err != nil {
				return errors.Wrapf(err, "restore status of trade %s", rec.ID)
			}
		}
	}

	return nil
}

func (s *WALStore) append(rec domain.TradeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal trade record")
	}

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, tradeKeyPrefix+rec.ID, payload); err != nil {
		return errors.Wrapf(err, "append trade %s", rec.ID)
	}
	return nil
}

// Open implements storage.TradeLog.
func (s *WALStore) Open(ctx context.Context, rec domain.TradeRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.index.Get(ctx, rec.ID)
	switch {
	case err == nil:
		if err := storage.OpenConflict(existing, rec); err != nil {
			return "", errors.Wrapf(err, "open trade %s", rec.ID)
		}
		return rec.ID, nil
	case !errors.Is(err, domain.ErrTradeNotFound):
		return "", err
	}

	if rec.Status != domain.StatusPending {
		return "", errors.Errorf("trade %s must be opened as pending, got %s", rec.ID, rec.Status)
	}
	if rec.IdempotencyKey != "" {
		owner, found, err := s.index.FindByIdempotencyKey(ctx, rec.AccountID, rec.IdempotencyKey)
		if err != nil {
			return "", err
		}
		if found {
			return "", errors.Wrapf(domain.ErrDuplicateIdempotencyKey, "key owned by trade %s", owner.ID)
		}
	}

	if err := s.append(rec); err != nil {
		return "", err
	}
	return s.index.Open(ctx, rec)
}

// Close implements storage.TradeLog.
func (s *WALStore) Close(ctx context.Context, id string, status domain.TradeStatus, at time.Time) (domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.index.Get(ctx, id)
	if err != nil {
		return domain.TradeRecord{}, errors.Wrapf(err, "close trade %s", id)
	}

	next, changed, err := storage.CloseTransition(rec, status, at)
	if err != nil {
		return rec, errors.Wrapf(err, "close trade %s as %s (current %s)", id, status, rec.Status)
	}
	if !changed {
		return rec, nil
	}

	if err := s.append(next); err != nil {
		return rec, err
	}
	return s.index.Close(ctx, id, status, at)
}

// Get implements storage.TradeLog.
func (s *WALStore) Get(ctx context.Context, id string) (domain.TradeRecord, error) {
	return s.index.Get(ctx, id)
}

// FindByIdempotencyKey implements storage.TradeLog.
func (s *WALStore) FindByIdempotencyKey(ctx context.Context, accountID, key string) (domain.TradeRecord, bool, error) {
	return s.index.FindByIdempotencyKey(ctx, accountID, key)
}

// Pending implements storage.TradeLog.
func (s *WALStore) Pending(ctx context.Context) ([]domain.TradeRecord, error) {
	return s.index.Pending(ctx)
}

// Trades implements storage.TradeLog.
func (s *WALStore) Trades(ctx context.Context, accountID string, limit int) ([]domain.TradeRecord, error) {
	return s.index.Trades(ctx, accountID, limit)
}

// Shutdown flushes and closes the underlying WAL.
func (s *WALStore) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}
