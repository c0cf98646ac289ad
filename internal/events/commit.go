// Package events delivers committed trades to interested parties.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vadiminshakov/tradeledger/internal/domain"
	"go.uber.org/zap"
)

const defaultBuffer = 256

// Subscriber receives committed trades. Errors and panics are logged and otherwise ignored.
type Subscriber func(ctx context.Context, rec domain.TradeRecord) error

// Ticket reserves a delivery slot for one trade of one account.
// CreatedAt is the timestamp the trade must be recorded with.
type Ticket struct {
	AccountID string
	Seq       uint64
	CreatedAt time.Time

	epoch uint64
}

type slot struct {
	rec       domain.TradeRecord
	cancelled bool
}

// accountQueue lives while the account has unresolved tickets.
type accountQueue struct {
	epoch       uint64
	issued      uint64
	released    uint64
	lastCreated time.Time
	ready       map[uint64]slot
}

type subscription struct {
	name string
	ch   chan domain.TradeRecord
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// CommitNotifier fans committed trades out to subscribers. Commits of one account are
// delivered in the order their tickets were reserved, which is also created_at order.
// Each subscriber has its own buffered queue and goroutine; a full queue drops the
// trade for that subscriber only.
type CommitNotifier struct {
	mu           sync.Mutex
	accounts     map[string]*accountQueue
	// epochs and createdFloor outlive evicted queues
	epochs       uint64
	createdFloor time.Time
	subs         map[uint64]*subscription
	nextSub      uint64
	buffer       int
	closed       bool
	wg           sync.WaitGroup
	logger       *zap.Logger
	now          func() time.Time
}

// NewCommitNotifier creates a notifier with the given per-subscriber buffer.
func NewCommitNotifier(buffer int, logger *zap.Logger) *CommitNotifier {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommitNotifier{
		accounts: make(map[string]*accountQueue),
		subs:     make(map[uint64]*subscription),
		buffer:   buffer,
		logger:   logger.With(zap.String("component", "commit_notifier")),
		now:      time.Now,
	}
}

func (n *CommitNotifier) queue(accountID string) *accountQueue {
	q, ok := n.accounts[accountID]
	if !ok {
		n.epochs++
		q = &accountQueue{epoch: n.epochs, lastCreated: n.createdFloor, ready: make(map[uint64]slot)}
		n.accounts[accountID] = q
	}
	return q
}

// Reserve issues the next ticket for accountID. Every ticket must later be passed to
// NotifyCommitted or Cancel, otherwise later commits of the account are held back.
func (n *CommitNotifier) Reserve(accountID string) Ticket {
	n.mu.Lock()
	defer n.mu.Unlock()

	q := n.queue(accountID)

	// microsecond precision survives every store, including postgres timestamptz
	createdAt := n.now().UTC().Truncate(time.Microsecond)
	if !createdAt.After(q.lastCreated) {
		createdAt = q.lastCreated.Add(time.Microsecond)
	}
	q.lastCreated = createdAt
	q.issued++

	return Ticket{AccountID: accountID, Seq: q.issued, CreatedAt: createdAt, epoch: q.epoch}
}

// NotifyCommitted publishes rec once every earlier ticket of the account is resolved.
// It never blocks on subscribers.
func (n *CommitNotifier) NotifyCommitted(t Ticket, rec domain.TradeRecord) {
	n.resolve(t, slot{rec: rec})
}

// Cancel resolves a ticket whose trade will not be published.
func (n *CommitNotifier) Cancel(t Ticket) {
	n.resolve(t, slot{cancelled: true})
}

func (n *CommitNotifier) resolve(t Ticket, s slot) {
	n.mu.Lock()
	defer n.mu.Unlock()

	q, ok := n.accounts[t.AccountID]
	if !ok || t.epoch != q.epoch || t.Seq == 0 || t.Seq <= q.released || t.Seq > q.issued {
		n.logger.Warn("unknown ticket", zap.String("account_id", t.AccountID), zap.Uint64("seq", t.Seq))
		return
	}
	if _, dup := q.ready[t.Seq]; dup {
		return
	}
	q.ready[t.Seq] = s

	for {
		next, ok := q.ready[q.released+1]
		if !ok {
			break
		}
		delete(q.ready, q.released+1)
		q.released++

		if !next.cancelled {
			n.dispatch(next.rec)
		}
	}

	if q.released == q.issued {
		n.evict(t.AccountID, q)
	}
}

// evict drops an idle queue. A queue created later for the same account starts
// after the latest created_at handed out so far.
func (n *CommitNotifier) evict(accountID string, q *accountQueue) {
	if q.lastCreated.After(n.createdFloor) {
		n.createdFloor = q.lastCreated
	}
	delete(n.accounts, accountID)
}

// dispatch must be called with n.mu held.
func (n *CommitNotifier) dispatch(rec domain.TradeRecord) {
	if n.closed {
		return
	}
	for _, sub := range n.subs {
		select {
		case sub.ch <- rec:
		default:
			n.logger.Warn("subscriber queue full, dropping commit",
				zap.String("subscriber", sub.name),
				zap.String("trade_id", rec.ID),
				zap.String("account_id", rec.AccountID))
		}
	}
}

// Subscribe registers fn and returns a function that removes it.
func (n *CommitNotifier) Subscribe(name string, fn Subscriber) (unsubscribe func()) {
	sub := &subscription{name: name, ch: make(chan domain.TradeRecord, n.buffer)}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return func() {}
	}
	n.nextSub++
	id := n.nextSub
	n.subs[id] = sub
	n.wg.Add(1)
	n.mu.Unlock()

	go n.run(sub, fn)

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
		sub.close()
	}
}

func (n *CommitNotifier) run(sub *subscription, fn Subscriber) {
	defer n.wg.Done()
	for rec := range sub.ch {
		n.deliver(sub.name, fn, rec)
	}
}

func (n *CommitNotifier) deliver(name string, fn Subscriber, rec domain.TradeRecord) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("subscriber panicked",
				zap.String("subscriber", name),
				zap.String("trade_id", rec.ID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := fn(context.Background(), rec); err != nil {
		n.logger.Warn("subscriber failed",
			zap.String("subscriber", name),
			zap.String("trade_id", rec.ID),
			zap.Error(err))
	}
}

// Close stops every subscriber after its queue drains.
func (n *CommitNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := make([]*subscription, 0, len(n.subs))
	for id, sub := range n.subs {
		subs = append(subs, sub)
		delete(n.subs, id)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	n.wg.Wait()
}
