package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"outcome-exchange/internal/model"
	"outcome-exchange/internal/store"
)

// placeOrder is component B (admission) followed by component C
// (matching) followed by component D (settlement), run inside the
// market's single goroutine so no other command can interleave.
// Grounded on the teacher's MarketEngine.processOrder, restructured
// around a pure Match call instead of incremental FindMatches/ApplyFill.
func (e *MarketEngine) placeOrder(ctx context.Context, userID string, req model.PlaceOrderReq) (model.PlaceOrderResult, error) {
	if e.resolved {
		return model.PlaceOrderResult{}, model.ErrMarketClosed
	}
	if !e.hasOutcome(req.OutcomeID) {
		return model.PlaceOrderResult{}, model.ErrInvalidOutcome
	}
	if err := e.validate(req); err != nil {
		return model.PlaceOrderResult{}, err
	}

	if userHasRestingOrder(e.resting, userID) {
		return model.PlaceOrderResult{}, model.ErrOrderAlreadyExists
	}

	if _, err := e.store.EnsureUser(ctx, userID); err != nil {
		return model.PlaceOrderResult{}, model.ErrInternal
	}

	position, err := e.store.GetPosition(ctx, userID, e.marketID)
	if err != nil {
		return model.PlaceOrderResult{}, model.ErrInternal
	}
	owned := position.Holding(req.OutcomeID)
	escrow := model.CalcEscrow(req.Direction, req.Quantity, req.Price, owned)

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return model.PlaceOrderResult{}, model.ErrInternal
	}
	defer tx.Rollback()

	user, err := e.store.GetUserForUpdate(tx, userID)
	if err != nil {
		return model.PlaceOrderResult{}, model.ErrInternal
	}
	if user.Available().LessThan(escrow) {
		return model.PlaceOrderResult{}, model.ErrInsufficientBalance
	}

	orderID := uuid.New().String()
	seq := e.nextSeq()
	now := time.Now().UTC()

	order := &model.Order{
		ID: orderID, MarketID: e.marketID, UserID: userID, OutcomeID: req.OutcomeID,
		Direction: req.Direction, Quantity: req.Quantity, OrigQuantity: req.Quantity,
		Price: req.Price, EscrowAmount: escrow, Seq: seq, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.UserAddLocked(tx, userID, escrow); err != nil {
		return model.PlaceOrderResult{}, model.ErrInternal
	}
	if err := store.InsertOrder(tx, order); err != nil {
		return model.PlaceOrderResult{}, model.ErrInternal
	}
	if err := store.AppendEvent(tx, &e.marketID, &seq, "OrderPlaced", map[string]any{
		"order_id": orderID, "user_id": userID, "outcome_id": req.OutcomeID,
		"direction": req.Direction, "quantity": req.Quantity, "price": req.Price,
	}); err != nil {
		return model.PlaceOrderResult{}, model.ErrInternal
	}
	if err := tx.Commit(); err != nil {
		return model.PlaceOrderResult{}, model.ErrInternal
	}

	e.resting[orderID] = &RestingOrder{
		OrderID: orderID, UserID: userID, OutcomeID: req.OutcomeID, Direction: req.Direction,
		Quantity: req.Quantity, OrigQuantity: req.Quantity, Price: req.Price, EscrowAmount: escrow,
		CreatedAt: now, Seq: seq,
	}
	e.book.Add(req.OutcomeID, &BookEntry{
		OrderID: orderID, UserID: userID, Direction: req.Direction, Price: req.Price,
		Quantity: req.Quantity, CreatedAt: now.UnixNano(), Seq: seq,
	})

	result := Match(MatchInput{
		MarketID:   e.marketID,
		OutcomeIDs: e.outcomeIDs,
		Orders:     e.restingSlice(),
		Now:        now,
	})

	if err := e.applyMatch(ctx, result); err != nil {
		return model.PlaceOrderResult{}, model.ErrInternal
	}

	finalOrder := *order
	if resting, ok := e.resting[orderID]; ok {
		finalOrder.Quantity = resting.Quantity
		finalOrder.EscrowAmount = resting.EscrowAmount
	} else {
		finalOrder.Quantity = 0
		finalOrder.EscrowAmount = decimal.Zero
	}

	return model.PlaceOrderResult{Order: &finalOrder, Executions: result.Executions}, nil
}

func (e *MarketEngine) validate(req model.PlaceOrderReq) error {
	if req.Quantity < 1 {
		return model.ErrInvalidParameters
	}
	if e.orderQuantityCap > 0 && req.Quantity > e.orderQuantityCap {
		return model.ErrInvalidParameters
	}
	if req.Price.LessThanOrEqual(decimal.Zero) || req.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return model.ErrInvalidParameters
	}
	if req.Direction != model.DirectionBuy && req.Direction != model.DirectionSell {
		return model.ErrInvalidParameters
	}
	return nil
}

func (e *MarketEngine) hasOutcome(outcomeID string) bool {
	for _, id := range e.outcomeIDs {
		if id == outcomeID {
			return true
		}
	}
	return false
}

func (e *MarketEngine) restingSlice() []RestingOrder {
	out := make([]RestingOrder, 0, len(e.resting))
	for _, o := range e.resting {
		out = append(out, *o)
	}
	return out
}

// userHasRestingOrder enforces invariant 5: a user may rest at most one
// order per market.
func userHasRestingOrder(resting map[string]*RestingOrder, userID string) bool {
	for _, o := range resting {
		if o.UserID == userID {
			return true
		}
	}
	return false
}
