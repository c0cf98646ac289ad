package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradeledger/internal/domain"
)

const (
	opKindCash    = "cash"
	opKindHolding = "holding"
)

// Ledger stores balances and holdings in PostgreSQL.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a ledger on an existing pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type recordedOp struct {
	previous decimal.Decimal
	result   decimal.Decimal
	existed  bool
	deleted  bool
}

func lookupOp(ctx context.Context, q querier, opID, kind string) (*recordedOp, error) {
	if opID == "" {
		return nil, nil
	}

	var prevStr, resStr string
	var op recordedOp
	err := q.QueryRow(ctx, `
		SELECT previous::text, result::text, existed, deleted
		FROM ledger_ops
		WHERE op_id = $1 AND kind = $2
	`, opID, kind).Scan(&prevStr, &resStr, &op.existed, &op.deleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "lookup op %s", opID)
	}

	if op.previous, err = parseDecimal(prevStr, "op previous"); err != nil {
		return nil, err
	}
	if op.result, err = parseDecimal(resStr, "op result"); err != nil {
		return nil, err
	}
	return &op, nil
}

func insertOp(ctx context.Context, tx pgx.Tx, opID, kind string, op recordedOp) error {
	if opID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_ops (op_id, kind, previous, result, existed, deleted)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, opID, kind, op.previous.String(), op.result.String(), op.existed, op.deleted)
	return errors.Wrapf(err, "record op %s", opID)
}

// AdjustCash implements storage.Ledger. The balance row is locked for the duration
// of the transaction and the update itself re-checks the floor.
func (l *Ledger) AdjustCash(ctx context.Context, adj domain.CashAdjustment) (domain.CashResult, error) {
	var res domain.CashResult

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cash_balances (account_id, currency, amount)
			VALUES ($1, $2, 0)
			ON CONFLICT (account_id, currency) DO NOTHING
		`, adj.AccountID, adj.Currency); err != nil {
			return errors.Wrap(err, "ensure cash balance row")
		}

		var currentStr string
		if err := tx.QueryRow(ctx, `
			SELECT amount::text FROM cash_balances
			WHERE account_id = $1 AND currency = $2
			FOR UPDATE
		`, adj.AccountID, adj.Currency).Scan(&currentStr); err != nil {
			return errors.Wrap(err, "lock cash balance")
		}
		current, err := parseDecimal(currentStr, "cash amount")
		if err != nil {
			return err
		}

		op, err := lookupOp(ctx, tx, adj.OpID, opKindCash)
		if err != nil {
			return err
		}
		if op != nil {
			res = domain.CashResult{Previous: op.previous, Amount: op.result, Applied: true}
			return nil
		}

		var nextStr string
		err = tx.QueryRow(ctx, `
			UPDATE cash_balances
			SET amount = amount + $3, updated_at = now()
			WHERE account_id = $1 AND currency = $2 AND amount + $3 >= $4
			RETURNING amount::text
		`, adj.AccountID, adj.Currency, adj.Delta.String(), adj.Floor.String()).Scan(&nextStr)
		if errors.Is(err, pgx.ErrNoRows) {
			res = domain.CashResult{Previous: current, Amount: current}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "update cash balance")
		}

		next, err := parseDecimal(nextStr, "cash amount")
		if err != nil {
			return err
		}
		res = domain.CashResult{Previous: current, Amount: next, Applied: true}

		return insertOp(ctx, tx, adj.OpID, opKindCash, recordedOp{previous: current, result: next})
	})
	if err != nil {
		return domain.CashResult{}, errors.Wrapf(err, "adjust cash %s/%s", adj.AccountID, adj.Currency)
	}

	return res, nil
}

// AdjustHolding implements storage.Ledger.
func (l *Ledger) AdjustHolding(ctx context.Context, adj domain.HoldingAdjustment) (domain.HoldingResult, error) {
	var res domain.HoldingResult

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		// the row may not exist yet, so serialize on the key rather than the row
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "holding:"+adj.AccountID+":"+adj.Symbol); err != nil {
			return errors.Wrap(err, "lock holding key")
		}

		op, err := lookupOp(ctx, tx, adj.OpID, opKindHolding)
		if err != nil {
			return err
		}
		if op != nil {
			res = domain.HoldingResult{
				Previous: op.previous,
				Quantity: op.result,
				Existed:  op.existed,
				Applied:  true,
				Deleted:  op.deleted,
			}
			return nil
		}

		current, err := selectHolding(ctx, tx, adj.AccountID, adj.Symbol, true)
		if err != nil {
			return err
		}

		res = domain.ApplyHolding(current, adj)
		if !res.Applied {
			return nil
		}

		switch {
		case res.Deleted:
			_, err = tx.Exec(ctx, `DELETE FROM holdings WHERE account_id = $1 AND asset_symbol = $2`, adj.AccountID, adj.Symbol)
		case res.Quantity.IsZero():
		case current == nil:
			_, err = tx.Exec(ctx, `
				INSERT INTO holdings (account_id, asset_symbol, quantity, cost_basis)
				VALUES ($1, $2, $3, $4)
			`, adj.AccountID, adj.Symbol, res.Quantity.String(), adj.CostBasis.String())
		default:
			_, err = tx.Exec(ctx, `
				UPDATE holdings SET quantity = $3, updated_at = now()
				WHERE account_id = $1 AND asset_symbol = $2
			`, adj.AccountID, adj.Symbol, res.Quantity.String())
		}
		if err != nil {
			return errors.Wrap(err, "write holding")
		}

		return insertOp(ctx, tx, adj.OpID, opKindHolding, recordedOp{
			previous: res.Previous,
			result:   res.Quantity,
			existed:  res.Existed,
			deleted:  res.Deleted,
		})
	})
	if err != nil {
		return domain.HoldingResult{}, errors.Wrapf(err, "adjust holding %s/%s", adj.AccountID, adj.Symbol)
	}

	return res, nil
}

func selectHolding(ctx context.Context, q querier, accountID, symbol string, forUpdate bool) (*domain.Holding, error) {
	query := `
		SELECT quantity::text, cost_basis::text, updated_at
		FROM holdings
		WHERE account_id = $1 AND asset_symbol = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var qtyStr, costStr string
	var updatedAt time.Time
	err := q.QueryRow(ctx, query, accountID, symbol).Scan(&qtyStr, &costStr, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select holding")
	}

	return buildHolding(accountID, symbol, qtyStr, costStr, updatedAt)
}

func buildHolding(accountID, symbol, qtyStr, costStr string, updatedAt time.Time) (*domain.Holding, error) {
	qty, err := parseDecimal(qtyStr, "holding quantity")
	if err != nil {
		return nil, err
	}
	cost, err := parseDecimal(costStr, "holding cost basis")
	if err != nil {
		return nil, err
	}
	return &domain.Holding{
		AccountID: accountID,
		Symbol:    symbol,
		Quantity:  qty,
		CostBasis: cost,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

// Cash implements storage.Ledger.
func (l *Ledger) Cash(ctx context.Context, accountID, currency string) (decimal.Decimal, error) {
	var amountStr string
	err := l.pool.QueryRow(ctx, `
		SELECT amount::text FROM cash_balances WHERE account_id = $1 AND currency = $2
	`, accountID, currency).Scan(&amountStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, errors.Wrap(err, "select cash balance")
	}
	return parseDecimal(amountStr, "cash amount")
}

// Holding implements storage.Ledger.
func (l *Ledger) Holding(ctx context.Context, accountID, symbol string) (*domain.Holding, error) {
	return selectHolding(ctx, l.pool, accountID, symbol, false)
}

// OpApplied implements storage.Ledger.
func (l *Ledger) OpApplied(ctx context.Context, opID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_ops WHERE op_id = $1)`, opID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "check op %s", opID)
	}
	return exists, nil
}

// Balances implements storage.Ledger.
func (l *Ledger) Balances(ctx context.Context, accountID string) ([]domain.CashBalance, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT currency, amount::text, updated_at
		FROM cash_balances
		WHERE account_id = $1
		ORDER BY currency
	`, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "query cash balances")
	}
	defer rows.Close()

	out := make([]domain.CashBalance, 0)
	for rows.Next() {
		b := domain.CashBalance{AccountID: accountID}
		var amountStr string
		if err := rows.Scan(&b.Currency, &amountStr, &b.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan cash balance")
		}
		if b.Amount, err = parseDecimal(amountStr, "cash amount"); err != nil {
			return nil, err
		}
		b.UpdatedAt = b.UpdatedAt.UTC()
		out = append(out, b)
	}

	return out, errors.Wrap(rows.Err(), "iterate cash balances")
}

// Holdings implements storage.Ledger.
func (l *Ledger) Holdings(ctx context.Context, accountID string) ([]domain.Holding, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT asset_symbol, quantity::text, cost_basis::text, updated_at
		FROM holdings
		WHERE account_id = $1
		ORDER BY asset_symbol
	`, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "query holdings")
	}
	defer rows.Close()

	out := make([]domain.Holding, 0)
	for rows.Next() {
		var symbol, qtyStr, costStr string
		var updatedAt time.Time
		if err := rows.Scan(&symbol, &qtyStr, &costStr, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan holding")
		}
		h, err := buildHolding(accountID, symbol, qtyStr, costStr, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}

	return out, errors.Wrap(rows.Err(), "iterate holdings")
}
