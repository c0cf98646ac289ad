// Command tradeledger runs the trade execution engine behind an HTTP API.
//
// Usage:
//
//	tradeledger --config tradeledger.yaml
//	tradeledger --setup   (interactive wizard, writes tradeledger.yaml)
//	tradeledger           (in-memory defaults)
//
// Optional environment variables, also read from .env:
//
//	TRADELEDGER_POSTGRES_DSN, TRADELEDGER_REDIS_ADDR, TRADELEDGER_REDIS_PASSWORD
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vadiminshakov/tradeledger/config"
	"github.com/vadiminshakov/tradeledger/internal/app"
	"github.com/vadiminshakov/tradeledger/internal/setup"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, runSetup, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}
	if runSetup {
		if err := setup.RunTUI(config.DefaultPath); err != nil {
			log.Fatal(err)
		}
		if cfg, err = config.Load(config.DefaultPath); err != nil {
			log.Fatal(err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal(err)
		}
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
