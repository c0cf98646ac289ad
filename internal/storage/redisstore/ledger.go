// Package redisstore implements the ledger on Redis using optimistic transactions.
package redisstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradeledger/internal/domain"
)

const (
	defaultPrefix  = "tradeledger"
	maxTxRetries   = 50
	opKindCash     = "cash"
	opKindHolding  = "holding"
	fieldQuantity  = "quantity"
	fieldCostBasis = "cost_basis"
	fieldUpdatedAt = "updated_at"
)

// ErrTxContention is returned when a key stays contended past the retry budget.
var ErrTxContention = errors.New("redis transaction kept failing on contended key")

type storedOp struct {
	Kind     string          `json:"kind"`
	Previous decimal.Decimal `json:"previous"`
	Result   decimal.Decimal `json:"result"`
	Existed  bool            `json:"existed,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
	At       time.Time       `json:"at"`
}

// Ledger keeps balances and holdings in Redis. Every adjustment WATCHes its key and
// its op marker and commits both in one MULTI/EXEC.
type Ledger struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewLedger creates a ledger. An empty prefix uses the default namespace.
func NewLedger(client redis.UniversalClient, prefix string) *Ledger {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Ledger{client: client, prefix: prefix, now: time.Now}
}

func (l *Ledger) cashKey(accountID, currency string) string {
	return l.prefix + ":cash:" + accountID + ":" + currency
}

func (l *Ledger) currenciesKey(accountID string) string {
	return l.prefix + ":currencies:" + accountID
}

func (l *Ledger) holdingKey(accountID, symbol string) string {
	return l.prefix + ":holding:" + accountID + ":" + symbol
}

func (l *Ledger) symbolsKey(accountID string) string {
	return l.prefix + ":symbols:" + accountID
}

func (l *Ledger) opKey(opID string) string {
	return l.prefix + ":op:" + opID
}

// watch runs fn in a WATCH transaction and retries while another client wins the race.
func (l *Ledger) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxContention
}

func readOp(ctx context.Context, tx *redis.Tx, key, kind string) (*storedOp, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read op marker")
	}

	var op storedOp
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, errors.Wrap(err, "decode op marker")
	}
	if op.Kind != kind {
		return nil, errors.Errorf("op marker %s has kind %s, expected %s", key, op.Kind, kind)
	}
	return &op, nil
}

func readDecimal(ctx context.Context, c redis.Cmdable, key string) (decimal.Decimal, error) {
	raw, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "read %s", key)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}

// AdjustCash implements storage.Ledger.
func (l *Ledger) AdjustCash(ctx context.Context, adj domain.CashAdjustment) (domain.CashResult, error) {
	key := l.cashKey(adj.AccountID, adj.Currency)
	opKey := l.opKey(adj.OpID)

	var res domain.CashResult
	err := l.watch(ctx, func(tx *redis.Tx) error {
		if adj.OpID != "" {
			op, err := readOp(ctx, tx, opKey, opKindCash)
			if err != nil {
				return err
			}
			if op != nil {
				res = domain.CashResult{Previous: op.Previous, Amount: op.Result, Applied: true}
				return nil
			}
		}

		current, err := readDecimal(ctx, tx, key)
		if err != nil {
			return err
		}

		next := current.Add(adj.Delta)
		if next.LessThan(adj.Floor) {
			res = domain.CashResult{Previous: current, Amount: current}
			return nil
		}

		marker, err := json.Marshal(storedOp{Kind: opKindCash, Previous: current, Result: next, At: l.now().UTC()})
		if err != nil {
			return errors.Wrap(err, "encode op marker")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next.String(), 0)
			pipe.SAdd(ctx, l.currenciesKey(adj.AccountID), adj.Currency)
			if adj.OpID != "" {
				pipe.Set(ctx, opKey, marker, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}

		res = domain.CashResult{Previous: current, Amount: next, Applied: true}
		return nil
	}, key, opKey)
	if err != nil {
		return domain.CashResult{}, errors.Wrapf(err, "adjust cash %s/%s", adj.AccountID, adj.Currency)
	}

	return res, nil
}

func (l *Ledger) readHolding(ctx context.Context, c redis.Cmdable, accountID, symbol string) (*domain.Holding, error) {
	fields, err := c.HGetAll(ctx, l.holdingKey(accountID, symbol)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read holding")
	}
	if len(fields) == 0 {
		return nil, nil
	}

	qty, err := decimal.NewFromString(fields[fieldQuantity])
	if err != nil {
		return nil, errors.Wrap(err, "parse holding quantity")
	}
	cost, err := decimal.NewFromString(fields[fieldCostBasis])
	if err != nil {
		return nil, errors.Wrap(err, "parse holding cost basis")
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt])
	if err != nil {
		return nil, errors.Wrap(err, "parse holding updated_at")
	}

	return &domain.Holding{
		AccountID: accountID,
		Symbol:    symbol,
		Quantity:  qty,
		CostBasis: cost,
		UpdatedAt: updatedAt,
	}, nil
}

// AdjustHolding implements storage.Ledger.
func (l *Ledger) AdjustHolding(ctx context.Context, adj domain.HoldingAdjustment) (domain.HoldingResult, error) {
	key := l.holdingKey(adj.AccountID, adj.Symbol)
	opKey := l.opKey(adj.OpID)

	var res domain.HoldingResult
	err := l.watch(ctx, func(tx *redis.Tx) error {
		if adj.OpID != "" {
			op, err := readOp(ctx, tx, opKey, opKindHolding)
			if err != nil {
				return err
			}
			if op != nil {
				res = domain.HoldingResult{Previous: op.Previous, Quantity: op.Result, Existed: op.Existed, Applied: true, Deleted: op.Deleted}
				return nil
			}
		}

		current, err := l.readHolding(ctx, tx, adj.AccountID, adj.Symbol)
		if err != nil {
			return err
		}

		res = domain.ApplyHolding(current, adj)
		if !res.Applied {
			return nil
		}

		marker, err := json.Marshal(storedOp{
			Kind:     opKindHolding,
			Previous: res.Previous,
			Result:   res.Quantity,
			Existed:  res.Existed,
			Deleted:  res.Deleted,
			At:       l.now().UTC(),
		})
		if err != nil {
			return errors.Wrap(err, "encode op marker")
		}

		now := l.now().UTC().Format(time.RFC3339Nano)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			switch {
			case res.Deleted:
				pipe.Del(ctx, key)
				pipe.SRem(ctx, l.symbolsKey(adj.AccountID), adj.Symbol)
			case res.Quantity.IsZero():
			case current == nil:
				pipe.HSet(ctx, key, fieldQuantity, res.Quantity.String(), fieldCostBasis, adj.CostBasis.String(), fieldUpdatedAt, now)
				pipe.SAdd(ctx, l.symbolsKey(adj.AccountID), adj.Symbol)
			default:
				pipe.HSet(ctx, key, fieldQuantity, res.Quantity.String(), fieldUpdatedAt, now)
			}
			if adj.OpID != "" {
				pipe.Set(ctx, opKey, marker, 0)
			}
			return nil
		})
		return err
	}, key, opKey)
	if err != nil {
		return domain.HoldingResult{}, errors.Wrapf(err, "adjust holding %s/%s", adj.AccountID, adj.Symbol)
	}

	return res, nil
}

// Cash implements storage.Ledger.
func (l *Ledger) Cash(ctx context.Context, accountID, currency string) (decimal.Decimal, error) {
	return readDecimal(ctx, l.client, l.cashKey(accountID, currency))
}

// Holding implements storage.Ledger.
func (l *Ledger) Holding(ctx context.Context, accountID, symbol string) (*domain.Holding, error) {
	return l.readHolding(ctx, l.client, accountID, symbol)
}

// OpApplied implements storage.Ledger.
func (l *Ledger) OpApplied(ctx context.Context, opID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.opKey(opID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "check op %s", opID)
	}
	return n > 0, nil
}

// Balances implements storage.Ledger.
func (l *Ledger) Balances(ctx context.Context, accountID string) ([]domain.CashBalance, error) {
	currencies, err := l.client.SMembers(ctx, l.currenciesKey(accountID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list currencies")
	}
	sort.Strings(currencies)

	out := make([]domain.CashBalance, 0, len(currencies))
	for _, currency := range currencies {
		amount, err := l.Cash(ctx, accountID, currency)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.CashBalance{AccountID: accountID, Currency: currency, Amount: amount})
	}
	return out, nil
}

// Holdings implements storage.Ledger.
func (l *Ledger) Holdings(ctx context.Context, accountID string) ([]domain.Holding, error) {
	symbols, err := l.client.SMembers(ctx, l.symbolsKey(accountID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list symbols")
	}
	sort.Strings(symbols)

	out := make([]domain.Holding, 0, len(symbols))
	for _, symbol := range symbols {
		h, err := l.Holding(ctx, accountID, symbol)
		if err != nil {
			return nil, err
		}
		if h != nil {
			out = append(out, *h)
		}
	}
	return out, nil
}
