package engine

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"outcome-exchange/internal/model"
	"outcome-exchange/internal/store"
)

// resolveMarket is component E: only the market's oracle may call it,
// and only once. Every resting order is refunded its escrow, every
// position is paid out at 1.00 per held contract of the winning outcome
// (and zero otherwise), and the market is marked RESOLVED — after which
// invariant 7 holds: zero open orders, zero positions.
func (e *MarketEngine) resolveMarket(ctx context.Context, winningOutcomeID, oracleUserID string) (model.ResolveSummary, error) {
	if e.resolved {
		return model.ResolveSummary{}, model.ErrAlreadyResolved
	}
	if oracleUserID != e.oracleUserID {
		return model.ResolveSummary{}, model.ErrNotOracle
	}
	if !e.hasOutcome(winningOutcomeID) {
		return model.ResolveSummary{}, model.ErrInvalidOutcome
	}

	positions, err := e.store.ListPositions(ctx, e.marketID)
	if err != nil {
		return model.ResolveSummary{}, model.ErrInternal
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return model.ResolveSummary{}, model.ErrInternal
	}
	defer tx.Rollback()

	for orderID, resting := range e.resting {
		if err := store.UserAddLocked(tx, resting.UserID, resting.EscrowAmount.Neg()); err != nil {
			return model.ResolveSummary{}, model.ErrInternal
		}
		if err := store.DeleteOrder(tx, orderID); err != nil {
			return model.ResolveSummary{}, model.ErrInternal
		}
	}

	summary := model.ResolveSummary{
		MarketID: e.marketID,
		Payouts:  map[string]decimal.Decimal{},
	}
	for _, pos := range positions {
		payout := pos.Holding(winningOutcomeID)
		if payout.IsZero() {
			continue
		}
		if err := store.UserAddBalance(tx, pos.UserID, payout); err != nil {
			return model.ResolveSummary{}, model.ErrInternal
		}
		summary.Payouts[pos.UserID] = payout
		summary.TotalPayout = summary.TotalPayout.Add(payout)
		summary.WinnerCount++
	}

	if err := store.DeletePositionsForMarket(tx, e.marketID); err != nil {
		return model.ResolveSummary{}, model.ErrInternal
	}
	if err := store.ResolveMarket(tx, e.marketID, winningOutcomeID); err != nil {
		return model.ResolveSummary{}, model.ErrInternal
	}
	if err := store.AppendEvent(tx, &e.marketID, nil, "MarketResolved", map[string]any{
		"winning_outcome_id": winningOutcomeID, "oracle_user_id": oracleUserID,
		"winner_count": summary.WinnerCount, "total_payout": summary.TotalPayout,
	}); err != nil {
		return model.ResolveSummary{}, model.ErrInternal
	}
	if err := tx.Commit(); err != nil {
		return model.ResolveSummary{}, model.ErrInternal
	}

	e.resolved = true
	for orderID, resting := range e.resting {
		e.book.Remove(resting.OutcomeID, orderID)
	}
	e.resting = map[string]*RestingOrder{}

	log.Printf("[engine] market %s resolved to %s: %d winners, %s total payout",
		e.marketID, winningOutcomeID, summary.WinnerCount, summary.TotalPayout.String())

	if e.publish != nil {
		e.publish(e.marketID, "market_resolved", summary)
	}
	return summary, nil
}
