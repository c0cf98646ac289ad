// Package execution runs trades against the cash and holdings ledgers.
package execution

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/events"
	"github.com/vadiminshakov/tradeledger/internal/storage"
	"github.com/vadiminshakov/tradeledger/pkg/retrier"
	"go.uber.org/zap"
)

const (
	defaultCurrency        = "USD"
	defaultMaxRetries      = 3
	defaultInitialInterval = 20 * time.Millisecond
	defaultMaxInterval     = 500 * time.Millisecond
)

// Notifier is the commit hook the coordinator publishes terminal trades to.
type Notifier interface {
	Reserve(accountID string) events.Ticket
	NotifyCommitted(t events.Ticket, rec domain.TradeRecord)
	Cancel(t events.Ticket)
}

// Journal records trades whose ledgers need manual reconciliation.
type Journal interface {
	Record(entry domain.CompensationFailure) error
}

// Coordinator executes trades as a sequence of independently committed steps and
// reverses the cash step when the holdings step fails.
type Coordinator struct {
	ledger   storage.Ledger
	trades   storage.TradeLog
	notifier Notifier
	journal  Journal
	retrier  *retrier.Retrier
	logger   *zap.Logger

	defaultCurrency string
	newID           func() string
	now             func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDefaultCurrency sets the currency used when a request leaves it empty.
func WithDefaultCurrency(currency string) Option {
	return func(c *Coordinator) {
		if currency != "" {
			c.defaultCurrency = currency
		}
	}
}

// WithRetryPolicy bounds retries of a single storage step.
func WithRetryPolicy(maxRetries int, initial, max time.Duration) Option {
	return func(c *Coordinator) {
		c.retrier = newRetrier(maxRetries, initial, max, c.logger)
	}
}

// WithIDGenerator replaces uuid trade ids.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		c.newID = fn
	}
}

// WithClock replaces time.Now for updated_at stamps.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = fn
	}
}

// NewCoordinator creates a coordinator. journal may be nil, in which case
// compensation failures are only logged.
func NewCoordinator(ledger storage.Ledger, trades storage.TradeLog, notifier Notifier, journal Journal, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if trades == nil {
		return nil, errors.New("trade log is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "execution"))

	c := &Coordinator{
		ledger:          ledger,
		trades:          trades,
		notifier:        notifier,
		journal:         journal,
		logger:          logger,
		retrier:         newRetrier(defaultMaxRetries, defaultInitialInterval, defaultMaxInterval, logger),
		defaultCurrency: defaultCurrency,
		newID:           func() string { return uuid.New().String() },
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func newRetrier(maxRetries int, initial, max time.Duration, logger *zap.Logger) *retrier.Retrier {
	return retrier.New(
		retrier.WithMaxRetries(maxRetries),
		retrier.WithInitialInterval(initial),
		retrier.WithMaxInterval(max),
		retrier.WithRetryIf(retryable),
		retrier.WithLogger(logger),
	)
}

// retryable reports storage faults worth another attempt. Outcomes the store
// reached deliberately are never retried.
func retryable(err error) bool {
	switch {
	case retrier.IsContextError(err),
		domain.IsProgrammingError(err),
		errors.Is(err, domain.ErrTradeNotFound),
		errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		return false
	}
	return true
}

// ExecuteTrade validates req and runs it to a terminal status. The returned error is
// result.Error (nil on success); callers that only need the outcome can ignore it.
func (c *Coordinator) ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
	req.Symbol = strings.TrimSpace(req.Symbol)
	req.Currency = strings.TrimSpace(req.Currency)
	if req.Currency == "" {
		req.Currency = c.defaultCurrency
	}

	if err := req.Validate(); err != nil {
		var te *domain.TradeError
		if !errors.As(err, &te) {
			te = domain.NewValidationError(err.Error())
		}
		c.logger.Info("trade rejected", zap.String("account_id", req.Caller.AccountID), zap.String("reason", te.Message))
		return failedResult("", te)
	}

	if req.IdempotencyKey != "" {
		if res, ok, err := c.duplicate(ctx, req); err != nil {
			return failedResult("", domain.NewStorageError("look up idempotency key", err))
		} else if ok {
			return res, nil
		}
	}

	ticket := c.notifier.Reserve(req.Caller.AccountID)
	rec := domain.NewTradeRecord(c.newID(), req, ticket.CreatedAt)
	log := c.logger.With(
		zap.String("trade_id", rec.ID),
		zap.String("account_id", rec.AccountID),
		zap.String("side", rec.Side.String()),
		zap.String("symbol", rec.Symbol),
		zap.String("quantity", rec.Quantity.String()),
		zap.String("price", rec.PricePerUnit.String()),
	)

	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		_, err := c.trades.Open(ctx, rec)
		return err
	})
	if err != nil {
		c.notifier.Cancel(ticket)
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			if res, ok, lookupErr := c.duplicate(ctx, req); lookupErr == nil && ok {
				return res, nil
			}
		}
		log.Warn("open trade failed", zap.Error(err))
		// the record may never have been written, so no id is handed out
		return failedResult("", domain.NewStorageError("open trade record", err))
	}

	// once the record exists the trade runs to a terminal status whatever the caller does
	ctx = context.WithoutCancel(ctx)

	status, tradeErr := c.settle(ctx, rec, log)

	closed, err := c.close(ctx, rec, status)
	if err != nil {
		c.notifier.Cancel(ticket)
		log.Error("close trade failed, left pending for recovery",
			zap.String("settled_status", string(status)), zap.Error(err))
		if tradeErr == nil || tradeErr.Code != domain.CodeCompensationFailure {
			tradeErr = domain.NewStorageError("record terminal status "+string(status), err)
		}
		return domain.TradeResult{TradeID: rec.ID, Status: status, Error: tradeErr}, tradeErr
	}

	c.notifier.NotifyCommitted(ticket, closed)

	if tradeErr != nil {
		log.Info("trade failed", zap.String("code", string(tradeErr.Code)), zap.String("reason", tradeErr.Message))
		return domain.TradeResult{TradeID: rec.ID, Status: closed.Status, Error: tradeErr}, tradeErr
	}

	log.Info("trade completed", zap.String("total", rec.TotalAmount.String()))
	return domain.TradeResult{TradeID: rec.ID, Status: closed.Status}, nil
}

func failedResult(tradeID string, te *domain.TradeError) (domain.TradeResult, error) {
	return domain.TradeResult{TradeID: tradeID, Status: domain.StatusFailed, Error: te}, te
}

func (c *Coordinator) duplicate(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, bool, error) {
	type found struct {
		rec domain.TradeRecord
		ok  bool
	}
	f, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (found, error) {
		rec, ok, err := c.trades.FindByIdempotencyKey(ctx, req.Caller.AccountID, req.IdempotencyKey)
		return found{rec: rec, ok: ok}, err
	})
	if err != nil || !f.ok {
		return domain.TradeResult{}, false, err
	}

	c.logger.Info("duplicate submission",
		zap.String("trade_id", f.rec.ID),
		zap.String("account_id", req.Caller.AccountID),
		zap.String("idempotency_key", req.IdempotencyKey))

	return domain.TradeResult{TradeID: f.rec.ID, Status: f.rec.Status, Duplicate: true}, true, nil
}

func (c *Coordinator) close(ctx context.Context, rec domain.TradeRecord, status domain.TradeStatus) (domain.TradeRecord, error) {
	at := c.now().UTC()
	if at.Before(rec.CreatedAt) {
		at = rec.CreatedAt
	}
	return retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (domain.TradeRecord, error) {
		return c.trades.Close(ctx, rec.ID, status, at)
	})
}
