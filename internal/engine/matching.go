package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"outcome-exchange/internal/model"
)

// Match runs one market's resting orders to a fixed point: repeated
// direct (same-outcome) crosses, then synthetic (basket) crosses, until
// neither finds anything left to do. It is a pure function of its
// input — no store access, no clock reads beyond input.Now, no randomness
// beyond the injectable IDFunc — so it can be driven entirely from
// table-driven tests without a database.
//
// Grounded on the teacher's OrderBook.FindMatches, generalized from a
// single binary book to N independent per-outcome books plus the
// cross-outcome basket pass spec.md §4.C adds on top.
func Match(input MatchInput) MatchResult {
	idFunc := input.IDFunc
	if idFunc == nil {
		idFunc = func() string { return uuid.New().String() }
	}

	working := make(map[string]*RestingOrder, len(input.Orders))
	for i := range input.Orders {
		o := input.Orders[i]
		working[o.OrderID] = &o
	}

	m := &matcher{
		working:  working,
		marketID: input.MarketID,
		now:      input.Now,
		idFunc:   idFunc,
		result:   MatchResult{MintedBaskets: decimal.Zero},
	}

	limit := len(input.Orders)*4 + 10
	for iter := 0; iter < limit; iter++ {
		progressed := false

		for _, outcomeID := range input.OutcomeIDs {
			if m.direct(outcomeID) {
				progressed = true
			}
		}

		if m.synthetic(input.OutcomeIDs) {
			progressed = true
		}

		if !progressed {
			break
		}
	}

	return m.result
}

type matcher struct {
	working  map[string]*RestingOrder
	marketID string
	now      time.Time
	idFunc   func() string
	result   MatchResult
}

func remainingSide(working map[string]*RestingOrder, outcomeID string, dir model.OrderDirection) []*RestingOrder {
	var out []*RestingOrder
	for _, o := range working {
		if o.OutcomeID == outcomeID && o.Direction == dir && o.Quantity > 0 {
			out = append(out, o)
		}
	}
	sortFIFO(out, dir)
	return out
}

// sortFIFO orders by price priority (best first), then time priority
// (earliest CreatedAt first), then Seq, then OrderID for determinism.
func sortFIFO(orders []*RestingOrder, dir model.OrderDirection) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.Price.Equal(b.Price) {
			if dir == model.DirectionBuy {
				return a.Price.GreaterThan(b.Price)
			}
			return a.Price.LessThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.OrderID < b.OrderID
	})
}

// direct runs every crossable price level of one outcome's book to a
// fixed point and returns whether it did anything.
func (m *matcher) direct(outcomeID string) bool {
	progressed := false
	for {
		buys := remainingSide(m.working, outcomeID, model.DirectionBuy)
		sells := remainingSide(m.working, outcomeID, model.DirectionSell)
		if len(buys) == 0 || len(sells) == 0 {
			return progressed
		}
		bestBid, bestAsk := buys[0].Price, sells[0].Price
		if bestBid.LessThan(bestAsk) {
			return progressed
		}

		var buyGroup, sellGroup []*RestingOrder
		for _, o := range buys {
			if o.Price.Equal(bestBid) {
				buyGroup = append(buyGroup, o)
			}
		}
		for _, o := range sells {
			if o.Price.Equal(bestAsk) {
				sellGroup = append(sellGroup, o)
			}
		}

		matchPrice := bestBid.Add(bestAsk).DivRound(decimal.NewFromInt(2), 8)

		totalBuyQty := sumQty(buyGroup)
		totalSellQty := sumQty(sellGroup)

		var buyAlloc, sellAlloc map[string]int
		switch {
		case totalBuyQty == totalSellQty:
			buyAlloc = fifoFill(buyGroup, totalBuyQty)
			sellAlloc = fifoFill(sellGroup, totalSellQty)
		case totalBuyQty > totalSellQty:
			sellAlloc = fifoFill(sellGroup, totalSellQty)
			buyAlloc = proRataFloor(buyGroup, totalSellQty, totalBuyQty)
			if matched := sumAlloc(buyAlloc); matched < totalSellQty {
				sellAlloc = fifoFill(sellGroup, matched)
			}
		default:
			buyAlloc = fifoFill(buyGroup, totalBuyQty)
			sellAlloc = proRataFloor(sellGroup, totalBuyQty, totalSellQty)
			if matched := sumAlloc(sellAlloc); matched < totalBuyQty {
				buyAlloc = fifoFill(buyGroup, matched)
			}
		}

		matchedTotal := sumAlloc(buyAlloc)
		if matchedTotal == 0 || matchedTotal != sumAlloc(sellAlloc) {
			// Happens when the pro-rata floor rounds every allocation on
			// the oversubscribed side down to zero (e.g. one unit against
			// two equal resting orders); the residual stays on the book.
			// Bail out rather than loop forever.
			return progressed
		}

		participants := m.applyDirectLeg(buyGroup, buyAlloc, bestBid, matchPrice, true)
		participants = append(participants, m.applyDirectLeg(sellGroup, sellAlloc, bestAsk, matchPrice, false)...)

		m.result.Executions = append(m.result.Executions, model.Execution{
			ID:           m.idFunc(),
			MarketID:     m.marketID,
			Timestamp:    m.now,
			Participants: participants,
		})

		progressed = true
	}
}

// applyDirectLeg settles one side (buy or sell) of a direct cross for
// every order in group per its allocation, mutating working in place and
// appending BalanceUpdate/PositionUpdate/OrderUpdate entries to m.result.
func (m *matcher) applyDirectLeg(group []*RestingOrder, alloc map[string]int, ownPrice, matchPrice decimal.Decimal, isBuy bool) []model.ExecutionParticipant {
	var participants []model.ExecutionParticipant
	for _, o := range group {
		q := alloc[o.OrderID]
		if q == 0 {
			continue
		}
		qd := decimal.NewFromInt(int64(q))

		var bal, locked decimal.Decimal
		var posDelta decimal.Decimal
		if isBuy {
			// Buyer pays the match price; the rest of their per-unit
			// escrow (locked at ownPrice == their bid) is released.
			bal = qd.Mul(matchPrice).Neg()
			locked = qd.Mul(ownPrice).Neg()
			posDelta = qd
		} else {
			// Seller receives the match price; their remaining escrow
			// releases in proportion to the share of the remaining
			// quantity filled, which over the order's life adds up to
			// q/OrigQuantity of the escrow it was admitted with.
			bal = qd.Mul(matchPrice)
			escrowUsed := decimal.Zero
			if o.Quantity > 0 {
				escrowUsed = o.EscrowAmount.Mul(qd).Div(decimal.NewFromInt(int64(o.Quantity)))
			}
			o.EscrowAmount = o.EscrowAmount.Sub(escrowUsed)
			locked = escrowUsed.Neg()
			posDelta = qd.Neg()
		}

		m.result.BalanceUpdates = append(m.result.BalanceUpdates, BalanceUpdate{
			UserID:       o.UserID,
			BalanceDelta: bal,
			LockedDelta:  locked,
		})
		m.result.PositionUpdates = append(m.result.PositionUpdates, PositionUpdate{
			UserID:    o.UserID,
			OutcomeID: o.OutcomeID,
			Delta:     posDelta,
		})

		o.Quantity -= q
		m.result.OrderUpdates = append(m.result.OrderUpdates, OrderUpdate{
			OrderID:     o.OrderID,
			NewQuantity: o.Quantity,
			EscrowDelta: locked,
		})

		participants = append(participants, model.ExecutionParticipant{
			UserID:         o.UserID,
			OutcomeID:      o.OutcomeID,
			Quantity:       qd,
			EffectivePrice: matchPrice,
		})
	}
	return participants
}

// synthetic looks for a set S of outcomes whose best bids sum to >= 1.00,
// mints matchQuantity baskets against them, and spreads matchQuantity
// worth of the remaining outcomes pro-rata across S's participants as a
// surplus credit. Returns whether it found one.
func (m *matcher) synthetic(outcomeIDs []string) bool {
	type candidate struct {
		outcomeID string
		order     *RestingOrder
	}
	var candidates []candidate
	for _, oid := range outcomeIDs {
		buys := remainingSide(m.working, oid, model.DirectionBuy)
		if len(buys) > 0 {
			candidates = append(candidates, candidate{oid, buys[0]})
		}
	}
	if len(candidates) < 2 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].order, candidates[j].order
		if !a.Price.Equal(b.Price) {
			return a.Price.GreaterThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.OrderID < b.OrderID
	})

	sum := decimal.Zero
	var set []candidate
	for _, c := range candidates {
		set = append(set, c)
		sum = sum.Add(c.order.Price)
		if sum.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			break
		}
	}
	if sum.LessThan(decimal.NewFromInt(1)) {
		return false
	}

	matchQty := set[0].order.Quantity
	for _, c := range set {
		if c.order.Quantity < matchQty {
			matchQty = c.order.Quantity
		}
	}
	if matchQty <= 0 {
		return false
	}
	matchQtyD := decimal.NewFromInt(int64(matchQty))

	inSet := make(map[string]bool, len(set))
	var participants []model.ExecutionParticipant
	type share struct {
		userID string
		weight decimal.Decimal
	}
	var shares []share

	for _, c := range set {
		inSet[c.outcomeID] = true
		o := c.order
		qd := decimal.NewFromInt(int64(matchQty))

		m.result.BalanceUpdates = append(m.result.BalanceUpdates, BalanceUpdate{
			UserID:       o.UserID,
			BalanceDelta: qd.Mul(o.Price).Neg(),
			LockedDelta:  qd.Mul(o.Price).Neg(),
		})
		m.result.PositionUpdates = append(m.result.PositionUpdates, PositionUpdate{
			UserID:    o.UserID,
			OutcomeID: o.OutcomeID,
			Delta:     qd,
		})

		o.Quantity -= matchQty
		m.result.OrderUpdates = append(m.result.OrderUpdates, OrderUpdate{
			OrderID:     o.OrderID,
			NewQuantity: o.Quantity,
			EscrowDelta: qd.Mul(o.Price).Neg(),
		})

		participants = append(participants, model.ExecutionParticipant{
			UserID:         o.UserID,
			OutcomeID:      o.OutcomeID,
			Quantity:       matchQtyD,
			EffectivePrice: o.Price,
		})
		shares = append(shares, share{userID: o.UserID, weight: o.Price})
	}

	for _, oid := range outcomeIDs {
		if inSet[oid] {
			continue
		}
		for _, s := range shares {
			part := matchQtyD.Mul(s.weight).DivRound(sum, 8)
			if part.IsZero() {
				continue
			}
			m.result.PositionUpdates = append(m.result.PositionUpdates, PositionUpdate{
				UserID:    s.userID,
				OutcomeID: oid,
				Delta:     part,
			})
			participants = append(participants, model.ExecutionParticipant{
				UserID:         s.userID,
				OutcomeID:      oid,
				Quantity:       part,
				EffectivePrice: decimal.Zero,
			})
		}
	}

	m.result.MintedBaskets = m.result.MintedBaskets.Add(matchQtyD)
	m.result.Executions = append(m.result.Executions, model.Execution{
		ID:           m.idFunc(),
		MarketID:     m.marketID,
		Timestamp:    m.now,
		Participants: participants,
	})

	return true
}

func sumQty(orders []*RestingOrder) int {
	total := 0
	for _, o := range orders {
		total += o.Quantity
	}
	return total
}

func sumAlloc(alloc map[string]int) int {
	total := 0
	for _, q := range alloc {
		total += q
	}
	return total
}

// fifoFill hands out `total` units in book-priority order, fully filling
// each order before moving to the next, and leaves any unfillable
// remainder on the book.
func fifoFill(orders []*RestingOrder, total int) map[string]int {
	alloc := make(map[string]int, len(orders))
	remaining := total
	for _, o := range orders {
		if remaining <= 0 {
			break
		}
		q := o.Quantity
		if q > remaining {
			q = remaining
		}
		alloc[o.OrderID] = q
		remaining -= q
	}
	return alloc
}

// proRataFloor splits `available` units across group proportional to
// each order's own remaining quantity against the group's total, always
// flooring. The sum of the result can be less than available: the
// residual is intentionally left unmatched rather than handed out by
// FIFO, per spec.md §4.C (no tie-break "rounds up" rule for the
// oversubscribed side).
func proRataFloor(group []*RestingOrder, available, total int) map[string]int {
	alloc := make(map[string]int, len(group))
	if total == 0 {
		return alloc
	}
	for _, o := range group {
		alloc[o.OrderID] = (o.Quantity * available) / total
	}
	return alloc
}
