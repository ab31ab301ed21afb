package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"outcome-exchange/internal/model"
)

// RestingOrder is the matching engine's view of a persisted order: just
// enough to decide fills. OrigQuantity is the quantity the order was
// admitted with; the seller's proportional escrow release (spec §4.C:
// escrowUsed = q/origQty * escrowAmount) is computed from the remaining
// Quantity and EscrowAmount, which gives the same share of the admitted
// escrow after earlier partial fills have reduced both.
type RestingOrder struct {
	OrderID      string
	UserID       string
	OutcomeID    string
	Direction    model.OrderDirection
	Quantity     int
	OrigQuantity int
	Price        decimal.Decimal
	EscrowAmount decimal.Decimal
	CreatedAt    time.Time
	Seq          int64
}

// OrderUpdate is applied by Settlement: NewQuantity == 0 means delete.
// EscrowDelta is the change to apply to the order's own EscrowAmount
// column — always equal in magnitude to the LockedDelta on the same
// user's BalanceUpdate, since at most one order rests per (user,market)
// (spec invariant 5), which makes the attribution unambiguous.
type OrderUpdate struct {
	OrderID     string
	NewQuantity int
	EscrowDelta decimal.Decimal
}

// PositionUpdate is summed later by the Applier into the (user, market)
// position's Holdings[OutcomeID].
type PositionUpdate struct {
	UserID    string
	OutcomeID string
	Delta     decimal.Decimal
}

// BalanceUpdate is applied as atomic SET balance = balance + delta.
type BalanceUpdate struct {
	UserID       string
	BalanceDelta decimal.Decimal
	LockedDelta  decimal.Decimal
}

// MatchResult is the pure output of Match: everything the Settlement
// Applier needs to commit in one transaction.
type MatchResult struct {
	Executions      []model.Execution
	OrderUpdates    []OrderUpdate
	PositionUpdates []PositionUpdate
	BalanceUpdates  []BalanceUpdate
	MintedBaskets   decimal.Decimal
}

// MatchInput is the full state of one market handed to Match. Holdings
// is accepted for signature fidelity with spec §4.C ("pure function of
// orders[], positions[], outcomeIds[], marketId, clock") even though the
// direct/synthetic formulas below only need order-level data (escrow
// already captures ownership at admission time); Match does not read it.
type MatchInput struct {
	MarketID   string
	OutcomeIDs []string
	Orders     []RestingOrder
	Holdings   map[string]map[string]decimal.Decimal
	Now        time.Time
	IDFunc     func() string
}
