package execution

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/pkg/retrier"
	"go.uber.org/zap"
)

// outcome is what a ledger step is known to have done after retries.
type outcome int

const (
	outcomeApplied outcome = iota
	// the store evaluated the step and refused it (floor or negative quantity)
	outcomeRejected
	// the step failed and its op is confirmed absent
	outcomeNotApplied
	// the step failed and the ledger could not say whether it landed
	outcomeUnknown
)

type cashStep struct {
	res     domain.CashResult
	outcome outcome
	err     error
}

type holdingStep struct {
	res     domain.HoldingResult
	outcome outcome
	err     error
}

// holdingFailure is the result of a failed settle step.
type holdingFailure struct {
	err       *domain.TradeError
	ambiguous bool
	previous  decimal.Decimal
}

func cashDelta(rec domain.TradeRecord) decimal.Decimal {
	if rec.Side == domain.SideSell {
		return rec.TotalAmount
	}
	return rec.TotalAmount.Neg()
}

func (c *Coordinator) lookupOp(ctx context.Context, opID string) outcome {
	applied, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (bool, error) {
		return c.ledger.OpApplied(ctx, opID)
	})
	switch {
	case err != nil:
		c.logger.Error("op journal unreachable", zap.String("op_id", opID), zap.Error(err))
		return outcomeUnknown
	case applied:
		return outcomeApplied
	default:
		return outcomeNotApplied
	}
}

func (c *Coordinator) adjustCash(ctx context.Context, adj domain.CashAdjustment) cashStep {
	res, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (domain.CashResult, error) {
		return c.ledger.AdjustCash(ctx, adj)
	})
	if err == nil {
		if res.Applied {
			return cashStep{res: res, outcome: outcomeApplied}
		}
		return cashStep{res: res, outcome: outcomeRejected}
	}

	step := cashStep{outcome: c.lookupOp(ctx, adj.OpID), err: err}
	if step.outcome == outcomeApplied {
		// a recorded op replays its original result
		if replayed, rerr := c.ledger.AdjustCash(ctx, adj); rerr == nil && replayed.Applied {
			step.res = replayed
		} else {
			c.logger.Warn("recorded cash op could not be replayed", zap.String("op_id", adj.OpID), zap.Error(rerr))
		}
	}
	return step
}

func (c *Coordinator) adjustHolding(ctx context.Context, adj domain.HoldingAdjustment) holdingStep {
	res, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (domain.HoldingResult, error) {
		return c.ledger.AdjustHolding(ctx, adj)
	})
	if err == nil {
		if res.Applied {
			return holdingStep{res: res, outcome: outcomeApplied}
		}
		return holdingStep{res: res, outcome: outcomeRejected}
	}

	step := holdingStep{outcome: c.lookupOp(ctx, adj.OpID), err: err}
	if step.outcome == outcomeApplied {
		if replayed, rerr := c.ledger.AdjustHolding(ctx, adj); rerr == nil && replayed.Applied {
			step.res = replayed
		} else {
			c.logger.Warn("recorded holding op could not be replayed", zap.String("op_id", adj.OpID), zap.Error(rerr))
		}
	}
	return step
}

func (c *Coordinator) heldQuantity(ctx context.Context, rec domain.TradeRecord) (decimal.Decimal, error) {
	h, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (*domain.Holding, error) {
		return c.ledger.Holding(ctx, rec.AccountID, rec.Symbol)
	})
	if err != nil || h == nil {
		return decimal.Zero, err
	}
	return h.Quantity, nil
}

// settle runs the cash step and the holdings step and compensates the first when
// the second fails.
func (c *Coordinator) settle(ctx context.Context, rec domain.TradeRecord, log *zap.Logger) (domain.TradeStatus, *domain.TradeError) {
	if rec.Side == domain.SideSell {
		// read-only guard, the authoritative check happens after cash is released
		held, err := c.heldQuantity(ctx, rec)
		if err != nil {
			return domain.StatusFailed, domain.NewStorageError("read holding", err)
		}
		if held.LessThan(rec.Quantity) {
			return domain.StatusFailed, domain.NewInsufficientHoldingsError(rec.AccountID, rec.Symbol, held, rec.Quantity)
		}
	}

	cash := c.adjustCash(ctx, domain.CashAdjustment{
		OpID:      domain.CashOpID(rec.ID),
		AccountID: rec.AccountID,
		Currency:  rec.Currency,
		Delta:     cashDelta(rec),
		Floor:     decimal.Zero,
	})

	switch cash.outcome {
	case outcomeRejected:
		if rec.Side == domain.SideBuy {
			return domain.StatusFailed, domain.NewInsufficientFundsError(rec.AccountID, rec.Currency, cash.res.Previous, rec.TotalAmount)
		}
		return domain.StatusFailed, domain.NewStorageError("cash credit was rejected by the ledger", nil)
	case outcomeNotApplied:
		return domain.StatusFailed, domain.NewStorageError(cashStepName(rec)+" failed", cash.err)
	case outcomeUnknown:
		return c.compensationFailure(ctx, rec, domain.StageAmbiguous,
			"cash step outcome is unknown", cash.err, decimal.Zero, decimal.Zero, log)
	}

	log.Debug("cash step applied",
		zap.String("before", cash.res.Previous.String()),
		zap.String("after", cash.res.Amount.String()))

	failure := c.settleHoldings(ctx, rec)
	if failure == nil {
		return domain.StatusCompleted, nil
	}
	if failure.ambiguous {
		return c.compensationFailure(ctx, rec, domain.StageAmbiguous,
			"holdings step outcome is unknown", failure.err, cash.res.Previous, failure.previous, log)
	}

	return c.compensate(ctx, rec, cash.res.Previous, failure, log)
}

func cashStepName(rec domain.TradeRecord) string {
	if rec.Side == domain.SideSell {
		return "release cash"
	}
	return "reserve cash"
}

func (c *Coordinator) settleHoldings(ctx context.Context, rec domain.TradeRecord) *holdingFailure {
	adj := domain.HoldingAdjustment{
		OpID:      domain.HoldingOpID(rec.ID),
		AccountID: rec.AccountID,
		Symbol:    rec.Symbol,
		Delta:     rec.Quantity,
		CostBasis: rec.PricePerUnit,
	}

	if rec.Side == domain.SideSell {
		held, err := c.heldQuantity(ctx, rec)
		if err != nil {
			return &holdingFailure{err: domain.NewStorageError("read holding", err)}
		}
		if held.LessThan(rec.Quantity) {
			return &holdingFailure{
				err:      domain.NewInsufficientHoldingsError(rec.AccountID, rec.Symbol, held, rec.Quantity),
				previous: held,
			}
		}
		adj.Delta = rec.Quantity.Neg()
		adj.CostBasis = decimal.Zero
	}

	step := c.adjustHolding(ctx, adj)
	switch step.outcome {
	case outcomeApplied:
		return nil
	case outcomeRejected:
		return &holdingFailure{
			err:      domain.NewInsufficientHoldingsError(rec.AccountID, rec.Symbol, step.res.Previous, rec.Quantity),
			previous: step.res.Previous,
		}
	case outcomeNotApplied:
		return &holdingFailure{err: domain.NewStorageError("settle holdings failed", step.err)}
	default:
		return &holdingFailure{err: domain.NewStorageError("settle holdings failed", step.err), ambiguous: true}
	}
}

// compensate reverses the cash step of rec. cashBefore is the balance the trade found.
func (c *Coordinator) compensate(ctx context.Context, rec domain.TradeRecord, cashBefore decimal.Decimal, failure *holdingFailure, log *zap.Logger) (domain.TradeStatus, *domain.TradeError) {
	step := c.reverseCash(ctx, rec)
	if step.outcome == outcomeApplied {
		log.Warn("cash step reversed",
			zap.String("code", string(failure.err.Code)),
			zap.String("cash_before", cashBefore.String()),
			zap.String("cash_after", step.res.Amount.String()))
		return domain.StatusFailed, failure.err
	}

	reason := "cash reversal could not be applied"
	if step.outcome == outcomeRejected {
		reason = "cash reversal rejected: balance already spent"
	}
	var cause error = failure.err
	if step.err != nil {
		cause = step.err
	}

	return c.compensationFailure(ctx, rec, domain.StageSettleHoldings, reason, cause, cashBefore, failure.previous, log)
}

func (c *Coordinator) reverseCash(ctx context.Context, rec domain.TradeRecord) cashStep {
	return c.adjustCash(ctx, domain.CashAdjustment{
		OpID:      domain.CompensateOpID(rec.ID),
		AccountID: rec.AccountID,
		Currency:  rec.Currency,
		Delta:     cashDelta(rec).Neg(),
		Floor:     decimal.Zero,
	})
}

// compensationFailure logs the ledger state, journals it and builds the error.
// The trade is still closed as failed; the journal entry drives reconciliation.
func (c *Coordinator) compensationFailure(
	ctx context.Context,
	rec domain.TradeRecord,
	stage domain.CompensationStage,
	reason string,
	cause error,
	cashBefore, holdingBefore decimal.Decimal,
	log *zap.Logger,
) (domain.TradeStatus, *domain.TradeError) {
	cashAfter, cashErr := c.ledger.Cash(ctx, rec.AccountID, rec.Currency)
	holdingAfter, holdingErr := c.heldQuantityOnce(ctx, rec)

	entry := domain.CompensationFailure{
		TradeID:       rec.ID,
		AccountID:     rec.AccountID,
		Symbol:        rec.Symbol,
		Side:          rec.Side,
		Currency:      rec.Currency,
		TotalAmount:   rec.TotalAmount,
		Stage:         stage,
		Reason:        reason,
		CashBefore:    cashBefore,
		CashAfter:     cashAfter,
		HoldingBefore: holdingBefore,
		HoldingAfter:  holdingAfter,
		RecordedAt:    c.now().UTC(),
	}

	fields := []zap.Field{
		zap.String("stage", string(stage)),
		zap.String("reason", reason),
		zap.String("currency", rec.Currency),
		zap.String("total", rec.TotalAmount.String()),
		zap.String("cash_before", cashBefore.String()),
		zap.String("cash_after", cashAfter.String()),
		zap.String("holding_before", holdingBefore.String()),
		zap.String("holding_after", holdingAfter.String()),
		zap.Error(cause),
	}
	if cashErr != nil {
		fields = append(fields, zap.NamedError("cash_read_error", cashErr))
	}
	if holdingErr != nil {
		fields = append(fields, zap.NamedError("holding_read_error", holdingErr))
	}
	log.Error("COMPENSATION FAILURE: ledgers need reconciliation", fields...)

	if c.journal != nil {
		if err := c.journal.Record(entry); err != nil {
			log.Error("failed to journal compensation failure", zap.Error(err))
		}
	}

	return domain.StatusFailed, domain.NewCompensationFailure(reason, &domain.LedgerDetail{
		Kind:      domain.LedgerCash,
		AccountID: rec.AccountID,
		Key:       rec.Currency,
		Before:    cashBefore,
		After:     cashAfter,
		Required:  rec.TotalAmount,
	}, cause)
}

func (c *Coordinator) heldQuantityOnce(ctx context.Context, rec domain.TradeRecord) (decimal.Decimal, error) {
	h, err := c.ledger.Holding(ctx, rec.AccountID, rec.Symbol)
	if err != nil || h == nil {
		return decimal.Zero, err
	}
	return h.Quantity, nil
}
