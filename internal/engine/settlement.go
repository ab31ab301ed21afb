package engine

import (
	"context"

	"outcome-exchange/internal/model"
	"outcome-exchange/internal/store"
)

// applyMatch is component D: it commits everything Match decided in one
// transaction, then mirrors the same deltas into the in-memory resting
// set and read-side book, and finally publishes the result. Grounded on
// the teacher's processOrder fill loop, generalized from "apply one fill
// at a time against the DB" to "apply a whole MatchResult".
func (e *MarketEngine) applyMatch(ctx context.Context, result MatchResult) error {
	if len(result.BalanceUpdates) == 0 && len(result.OrderUpdates) == 0 {
		return nil
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, bu := range result.BalanceUpdates {
		if err := store.UserAddBalance(tx, bu.UserID, bu.BalanceDelta); err != nil {
			return err
		}
		if err := store.UserAddLocked(tx, bu.UserID, bu.LockedDelta); err != nil {
			return err
		}
	}
	for _, ou := range result.OrderUpdates {
		if err := store.UpdateOrderQuantity(tx, ou.OrderID, ou.NewQuantity, ou.EscrowDelta); err != nil {
			return err
		}
	}
	for _, pu := range result.PositionUpdates {
		if err := store.UpsertHolding(tx, pu.UserID, e.marketID, pu.OutcomeID, pu.Delta); err != nil {
			return err
		}
	}
	for i := range result.Executions {
		if err := store.InsertExecution(tx, &result.Executions[i]); err != nil {
			return err
		}
	}
	if result.MintedBaskets.IsPositive() {
		if err := store.IncrementMintedBaskets(tx, e.marketID, result.MintedBaskets); err != nil {
			return err
		}
	}
	for i := range result.Executions {
		seq := e.nextSeq()
		if err := store.AppendEvent(tx, &e.marketID, &seq, "Execution", result.Executions[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	affectedOutcomes := map[string]bool{}
	for _, ou := range result.OrderUpdates {
		resting, ok := e.resting[ou.OrderID]
		if !ok {
			continue
		}
		affectedOutcomes[resting.OutcomeID] = true
		if ou.NewQuantity <= 0 {
			delete(e.resting, ou.OrderID)
			e.book.Remove(resting.OutcomeID, ou.OrderID)
		} else {
			resting.Quantity = ou.NewQuantity
			resting.EscrowAmount = resting.EscrowAmount.Add(ou.EscrowDelta)
			e.book.SetQuantity(resting.OutcomeID, ou.OrderID, ou.NewQuantity)
		}
	}

	if e.publish != nil {
		for outcomeID := range affectedOutcomes {
			e.publish(e.marketID, "book_snapshot", e.book.Snapshot(outcomeID, 20))
		}
		for _, ex := range result.Executions {
			e.publish(e.marketID, "execution", ex)
		}
	}

	return nil
}

// cancelOrder releases the order's remaining escrow and removes it from
// the book; it never touches other users' orders.
func (e *MarketEngine) cancelOrder(ctx context.Context, orderID, userID string) error {
	resting, ok := e.resting[orderID]
	if !ok {
		return model.ErrNoSuchOrder
	}
	if resting.UserID != userID {
		return model.ErrNoSuchOrder
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return model.ErrInternal
	}
	defer tx.Rollback()

	if err := store.UserAddLocked(tx, userID, resting.EscrowAmount.Neg()); err != nil {
		return model.ErrInternal
	}
	if err := store.DeleteOrder(tx, orderID); err != nil {
		return model.ErrInternal
	}
	seq := e.nextSeq()
	if err := store.AppendEvent(tx, &e.marketID, &seq, "OrderCanceled", map[string]any{
		"order_id": orderID, "user_id": userID,
	}); err != nil {
		return model.ErrInternal
	}
	if err := tx.Commit(); err != nil {
		return model.ErrInternal
	}

	outcomeID := resting.OutcomeID
	delete(e.resting, orderID)
	e.book.Remove(outcomeID, orderID)

	if e.publish != nil {
		e.publish(e.marketID, "book_snapshot", e.book.Snapshot(outcomeID, 20))
	}
	return nil
}
