package execution

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/pkg/retrier"
	"go.uber.org/zap"
)

// RecoveryReport summarizes a Recover run.
type RecoveryReport struct {
	Completed            int
	Failed               int
	CompensationFailures int
	// Unresolved trades stay pending, usually because the ledger was unreachable.
	Unresolved int
}

// Recover closes trades left pending by a crash, using the ledger op journal to find
// out how far each one got. It must run before the coordinator accepts trades.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	pending, err := retrier.DoWithData(c.retrier, ctx, c.trades.Pending)
	if err != nil {
		return report, errors.Wrap(err, "list pending trades")
	}
	if len(pending) == 0 {
		return report, nil
	}

	c.logger.Info("recovering pending trades", zap.Int("count", len(pending)))

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		log := c.logger.With(zap.String("trade_id", rec.ID), zap.String("account_id", rec.AccountID))

		status, tradeErr, ok := c.resolve(ctx, rec, log)
		if !ok {
			report.Unresolved++
			continue
		}

		if _, err := c.close(ctx, rec, status); err != nil {
			log.Error("failed to close recovered trade", zap.Error(err))
			report.Unresolved++
			continue
		}

		switch {
		case status == domain.StatusCompleted:
			report.Completed++
		case tradeErr != nil && tradeErr.Code == domain.CodeCompensationFailure:
			report.CompensationFailures++
			report.Failed++
		default:
			report.Failed++
		}
		log.Info("recovered trade", zap.String("status", string(status)))
	}

	return report, nil
}

func (c *Coordinator) resolve(ctx context.Context, rec domain.TradeRecord, log *zap.Logger) (domain.TradeStatus, *domain.TradeError, bool) {
	states := make(map[string]outcome, 3)
	for _, opID := range []string{domain.CompensateOpID(rec.ID), domain.CashOpID(rec.ID), domain.HoldingOpID(rec.ID)} {
		o := c.lookupOp(ctx, opID)
		if o == outcomeUnknown {
			return "", nil, false
		}
		states[opID] = o
	}

	compensated := states[domain.CompensateOpID(rec.ID)] == outcomeApplied
	cash := states[domain.CashOpID(rec.ID)] == outcomeApplied
	holding := states[domain.HoldingOpID(rec.ID)] == outcomeApplied

	switch {
	case compensated, !cash:
		return domain.StatusFailed, nil, true
	case holding:
		return domain.StatusCompleted, nil, true
	}

	step := c.reverseCash(ctx, rec)
	if step.outcome == outcomeApplied {
		log.Warn("reversed cash step of interrupted trade", zap.String("cash_after", step.res.Amount.String()))
		return domain.StatusFailed, nil, true
	}

	if step.outcome != outcomeRejected {
		// ledger unavailable, the next run tries again
		log.Warn("could not reverse cash step of interrupted trade", zap.Error(step.err))
		return "", nil, false
	}

	status, te := c.compensationFailure(ctx, rec, domain.StageRecovery,
		"cash reversal rejected: balance already spent", errors.New("cash reversal rejected"), decimal.Zero, decimal.Zero, log)
	return status, te, true
}
