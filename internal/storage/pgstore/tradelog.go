package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/storage"
)

const tradeColumns = `id, account_id, asset_symbol, side, quantity::text, price_per_unit::text,
	total_amount::text, currency, status, COALESCE(idempotency_key, ''), created_at, updated_at`

// TradeLog stores trade records in the trades table.
type TradeLog struct {
	pool *pgxpool.Pool
}

// NewTradeLog creates a trade log on an existing pool.
func NewTradeLog(pool *pgxpool.Pool) *TradeLog {
	return &TradeLog{pool: pool}
}

func scanTrade(row pgx.Row) (domain.TradeRecord, error) {
	var (
		rec                        domain.TradeRecord
		side, status               string
		qtyStr, priceStr, totalStr string
	)
	if err := row.Scan(&rec.ID, &rec.AccountID, &rec.Symbol, &side, &qtyStr, &priceStr,
		&totalStr, &rec.Currency, &status, &rec.IdempotencyKey, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return domain.TradeRecord{}, err
	}

	var err error
	if rec.Side, err = domain.ParseSide(side); err != nil {
		return domain.TradeRecord{}, errors.Wrap(err, "parse side")
	}
	if rec.Status, err = domain.ParseTradeStatus(status); err != nil {
		return domain.TradeRecord{}, errors.Wrap(err, "parse status")
	}
	if rec.Quantity, err = parseDecimal(qtyStr, "quantity"); err != nil {
		return domain.TradeRecord{}, err
	}
	if rec.PricePerUnit, err = parseDecimal(priceStr, "price per unit"); err != nil {
		return domain.TradeRecord{}, err
	}
	if rec.TotalAmount, err = parseDecimal(totalStr, "total amount"); err != nil {
		return domain.TradeRecord{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	return rec, nil
}

func scanTrades(rows pgx.Rows) ([]domain.TradeRecord, error) {
	defer rows.Close()

	out := make([]domain.TradeRecord, 0)
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate trades")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Open implements storage.TradeLog.
func (t *TradeLog) Open(ctx context.Context, rec domain.TradeRecord) (string, error) {
	if rec.Status != domain.StatusPending {
		return "", errors.Errorf("trade %s must be opened as pending, got %s", rec.ID, rec.Status)
	}

	var id string
	err := t.pool.QueryRow(ctx, `
		INSERT INTO trades (id, account_id, asset_symbol, side, quantity, price_per_unit,
			total_amount, currency, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`, rec.ID, rec.AccountID, rec.Symbol, rec.Side.String(), rec.Quantity.String(), rec.PricePerUnit.String(),
		rec.TotalAmount.String(), rec.Currency, string(rec.Status), nullable(rec.IdempotencyKey),
		rec.CreatedAt, rec.UpdatedAt).Scan(&id)

	switch {
	case err == nil:
		return id, nil
	case isUniqueViolation(err, "trades_account_idempotency_key"):
		return "", errors.Wrapf(domain.ErrDuplicateIdempotencyKey, "open trade %s", rec.ID)
	case !errors.Is(err, pgx.ErrNoRows):
		return "", errors.Wrapf(err, "insert trade %s", rec.ID)
	}

	existing, err := t.Get(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	if err := storage.OpenConflict(existing, rec); err != nil {
		return "", errors.Wrapf(err, "open trade %s", rec.ID)
	}
	return rec.ID, nil
}

// Close implements storage.TradeLog. Only a pending row is updated, so two
// closers racing on one trade cannot both win.
func (t *TradeLog) Close(ctx context.Context, id string, status domain.TradeStatus, at time.Time) (domain.TradeRecord, error) {
	if !status.IsTerminal() {
		return domain.TradeRecord{}, errors.Wrapf(domain.ErrStatusConflict, "close trade %s as %s", id, status)
	}

	rec, err := scanTrade(t.pool.QueryRow(ctx, `
		UPDATE trades SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+tradeColumns, id, string(status), at))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeRecord{}, errors.Wrapf(err, "close trade %s", id)
	}

	current, err := t.Get(ctx, id)
	if err != nil {
		return domain.TradeRecord{}, errors.Wrapf(err, "close trade %s", id)
	}
	next, _, err := storage.CloseTransition(current, status, at)
	if err != nil {
		return current, errors.Wrapf(err, "close trade %s as %s (current %s)", id, status, current.Status)
	}
	return next, nil
}

// Get implements storage.TradeLog.
func (t *TradeLog) Get(ctx context.Context, id string) (domain.TradeRecord, error) {
	rec, err := scanTrade(t.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRecord{}, errors.Wrapf(domain.ErrTradeNotFound, "get trade %s", id)
		}
		return domain.TradeRecord{}, errors.Wrapf(err, "get trade %s", id)
	}
	return rec, nil
}

// FindByIdempotencyKey implements storage.TradeLog.
func (t *TradeLog) FindByIdempotencyKey(ctx context.Context, accountID, key string) (domain.TradeRecord, bool, error) {
	rec, err := scanTrade(t.pool.QueryRow(ctx, `
		SELECT `+tradeColumns+` FROM trades WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRecord{}, false, nil
		}
		return domain.TradeRecord{}, false, errors.Wrap(err, "find trade by idempotency key")
	}
	return rec, true, nil
}

// Pending implements storage.TradeLog.
func (t *TradeLog) Pending(ctx context.Context) ([]domain.TradeRecord, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades WHERE status = 'pending' ORDER BY created_at, id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query pending trades")
	}
	return scanTrades(rows)
}

// Trades implements storage.TradeLog.
func (t *TradeLog) Trades(ctx context.Context, accountID string, limit int) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE account_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query account trades")
	}
	return scanTrades(rows)
}
