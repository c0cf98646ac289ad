// Package reconciliation keeps the list of trades whose ledgers need manual repair.
package reconciliation

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/tradeledger/internal/domain"
)

const (
	DefaultDir   = "./wal/reconciliation"
	segmentLimit = 100
	maxSegments  = 1 << 20

	entryKeyPrefix = "compensation_failure_"
)

// Journal appends compensation failures to a WAL.
type Journal struct {
	mu      sync.RWMutex
	wal     *gowal.Wal
	entries []domain.CompensationFailure
}

// NewJournal opens the journal in dir and loads existing entries.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "reconciliation_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init reconciliation WAL")
	}

	j := &Journal{wal: wal}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, entryKeyPrefix) {
			continue
		}
		var entry domain.CompensationFailure
		if err := json.Unmarshal(msg.Value, &entry); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode reconciliation entry %s", msg.Key)
		}
		j.entries = append(j.entries, entry)
	}

	return j, nil
}

// Record appends an entry.
func (j *Journal) Record(entry domain.CompensationFailure) error {
	if j == nil || j.wal == nil {
		return errors.New("reconciliation journal is not initialized")
	}
	if entry.TradeID == "" {
		return errors.New("reconciliation entry trade id is required")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal reconciliation entry")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	nextIndex := j.wal.CurrentIndex() + 1
	if err := j.wal.Write(nextIndex, entryKeyPrefix+entry.TradeID, payload); err != nil {
		return errors.Wrapf(err, "append reconciliation entry for %s", entry.TradeID)
	}
	j.entries = append(j.entries, entry)

	return nil
}

// Entries returns a copy of every recorded entry in write order.
func (j *Journal) Entries() []domain.CompensationFailure {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]domain.CompensationFailure, len(j.entries))
	copy(out, j.entries)
	return out
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}
