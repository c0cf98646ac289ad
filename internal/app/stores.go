package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vadiminshakov/tradeledger/config"
	"github.com/vadiminshakov/tradeledger/internal/storage"
	"github.com/vadiminshakov/tradeledger/internal/storage/memstore"
	"github.com/vadiminshakov/tradeledger/internal/storage/pgstore"
	"github.com/vadiminshakov/tradeledger/internal/storage/redisstore"
	"github.com/vadiminshakov/tradeledger/internal/storage/tradelog"
	"go.uber.org/zap"
)

// stores bundles the backends selected by config together with the
// connections they hold.
type stores struct {
	ledger storage.Ledger
	trades storage.TradeLog

	pool    *pgxpool.Pool
	redis   redis.UniversalClient
	closers []func() error
}

// openStores is the single place that maps backend names to implementations.
func openStores(ctx context.Context, cfg config.Config, redisClient redis.UniversalClient, logger *zap.Logger) (*stores, error) {
	s := &stores{redis: redisClient}

	if cfg.NeedsPostgres() {
		pool, err := pgstore.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		s.closers = append(s.closers, func() error { pool.Close(); return nil })

		if err := pgstore.Migrate(ctx, pool); err != nil {
			s.close(logger)
			return nil, err
		}
		logger.Info("postgres schema up to date")
	}

	switch cfg.LedgerBackend {
	case config.BackendMemory:
		s.ledger = memstore.NewLedger()
	case config.BackendPostgres:
		s.ledger = pgstore.NewLedger(s.pool)
	case config.BackendRedis:
		if s.redis == nil {
			s.close(logger)
			return nil, errors.New("redis ledger selected without a redis client")
		}
		s.ledger = redisstore.NewLedger(s.redis, cfg.Redis.Prefix)
	default:
		s.close(logger)
		return nil, errors.Errorf("unsupported ledger backend %q", cfg.LedgerBackend)
	}

	switch cfg.TradeLogBackend {
	case config.BackendMemory:
		s.trades = memstore.NewTradeLog()
	case config.BackendWAL:
		wal, err := tradelog.NewWALStore(cfg.WAL.TradesDir)
		if err != nil {
			s.close(logger)
			return nil, err
		}
		s.trades = wal
		s.closers = append(s.closers, wal.Shutdown)
	case config.BackendPostgres:
		s.trades = pgstore.NewTradeLog(s.pool)
	default:
		s.close(logger)
		return nil, errors.Errorf("unsupported trade log backend %q", cfg.TradeLogBackend)
	}

	logger.Info("storage ready",
		zap.String("ledger", cfg.LedgerBackend),
		zap.String("trade_log", cfg.TradeLogBackend))
	return s, nil
}

// close releases backends in reverse order of opening.
func (s *stores) close(logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}
	s.closers = nil
}
