// Package app wires configuration, storage, the execution coordinator and the
// HTTP API into a running service.
package app

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradeledger/config"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/events"
	"github.com/vadiminshakov/tradeledger/internal/events/sinks"
	"github.com/vadiminshakov/tradeledger/internal/services/execution"
	"github.com/vadiminshakov/tradeledger/internal/storage/reconciliation"
	"github.com/vadiminshakov/tradeledger/internal/web"
	"go.uber.org/zap"
)

// App is one tradeledger process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	stores      *stores
	journal     *reconciliation.Journal
	notifier    *events.CommitNotifier
	coordinator *execution.Coordinator
	server      *web.Server
	kafka       *sinks.KafkaSink
	closeOnce   sync.Once
}

// New opens storage, seeds opening balances and recovers trades left pending by
// an earlier run. The returned App does not serve until Run is called.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	var redisClient redis.UniversalClient
	if cfg.NeedsRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, errors.Wrapf(err, "ping redis at %s", cfg.Redis.Addr)
		}
	}

	st, err := openStores(ctx, cfg, redisClient, logger)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}
	a.stores = st
	if redisClient != nil {
		st.closers = append([]func() error{redisClient.Close}, st.closers...)
	}

	journal, err := reconciliation.NewJournal(cfg.WAL.JournalDir)
	if err != nil {
		st.close(logger)
		return nil, err
	}
	a.journal = journal
	if pending := len(journal.Entries()); pending > 0 {
		logger.Warn("reconciliation journal has entries awaiting review", zap.Int("entries", pending))
	}

	a.notifier = events.NewCommitNotifier(cfg.NotifierBuffer, logger)
	a.coordinator, err = execution.NewCoordinator(st.ledger, st.trades, a.notifier, journal, logger,
		execution.WithDefaultCurrency(cfg.DefaultCurrency),
		execution.WithRetryPolicy(cfg.Retry.MaxRetries, cfg.Retry.Initial, cfg.Retry.Max),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.seed(ctx); err != nil {
		a.Close()
		return nil, err
	}

	report, err := a.coordinator.Recover(ctx)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "recover pending trades")
	}
	if report != (execution.RecoveryReport{}) {
		logger.Info("recovery finished",
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
			zap.Int("compensation_failures", report.CompensationFailures),
			zap.Int("unresolved", report.Unresolved))
	}

	a.subscribeSinks(redisClient)
	a.server = web.NewServer(cfg.Web.Addr, a.coordinator, st.ledger, st.trades, a.notifier, logger)
	return a, nil
}

// seed credits the configured opening balances. Each seed is a ledger op keyed
// by account and currency, so restarts never credit twice.
func (a *App) seed(ctx context.Context) error {
	for _, s := range a.cfg.Seeds {
		if s.Amount.IsZero() {
			continue
		}
		res, err := a.stores.ledger.AdjustCash(ctx, domain.CashAdjustment{
			OpID:      domain.SeedOpID(s.AccountID, s.Currency),
			AccountID: s.AccountID,
			Currency:  s.Currency,
			Delta:     s.Amount,
			Floor:     decimal.Zero,
		})
		if err != nil {
			return errors.Wrapf(err, "seed %s %s", s.AccountID, s.Currency)
		}
		a.logger.Info("seed balance",
			zap.String("account_id", s.AccountID),
			zap.String("currency", s.Currency),
			zap.String("balance", res.Amount.String()))
	}
	return nil
}

func (a *App) subscribeSinks(redisClient redis.UniversalClient) {
	if redisClient != nil && a.cfg.Redis.Channel != "" {
		a.notifier.Subscribe("redis", sinks.NewRedisSink(redisClient, a.cfg.Redis.Channel).Handle)
		a.logger.Info("publishing commits to redis", zap.String("channel", a.cfg.Redis.Channel))
	}
	if len(a.cfg.Kafka.Brokers) > 0 {
		a.kafka = sinks.NewKafkaSink(sinks.NewKafkaWriter(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic), a.cfg.Kafka.WriteTimeout)
		a.notifier.Subscribe("kafka", a.kafka.Handle)
		a.logger.Info("publishing commits to kafka",
			zap.Strings("brokers", a.cfg.Kafka.Brokers),
			zap.String("topic", a.cfg.Kafka.Topic))
	}
}

// Handler exposes the HTTP API, mostly for tests.
func (a *App) Handler() http.Handler {
	return a.server
}

// Coordinator returns the trade execution coordinator.
func (a *App) Coordinator() *execution.Coordinator {
	return a.coordinator
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if len(a.cfg.Web.TLSDomains) > 0 {
		return a.server.StartWithAutoTLS(ctx, a.cfg.Web.TLSDomains, a.cfg.Web.CertCacheDir)
	}
	return a.server.Start(ctx)
}

// Close drains pending commit notifications and releases storage.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("close kafka writer", zap.Error(err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("close reconciliation journal", zap.Error(err))
		}
	}
	if a.stores != nil {
		a.stores.close(a.logger)
	}
}
