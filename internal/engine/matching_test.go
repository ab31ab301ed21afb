package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"outcome-exchange/internal/model"
)

func testIDs() func() string {
	n := 0
	return func() string {
		n++
		return "exec-" + string(rune('a'+n-1))
	}
}

func resting(orderID, userID, outcomeID string, dir model.OrderDirection, qty int, price string, createdAt time.Time, seq int64) RestingOrder {
	p := d(price)
	return RestingOrder{
		OrderID: orderID, UserID: userID, OutcomeID: outcomeID, Direction: dir,
		Quantity: qty, OrigQuantity: qty, Price: p,
		EscrowAmount: model.CalcEscrow(dir, qty, p, decimal.Zero),
		CreatedAt:    createdAt,
		Seq:          seq,
	}
}

func TestDirectMatchMidpointPrice(t *testing.T) {
	now := time.Now()
	buy := resting("b1", "alice", "yes", model.DirectionBuy, 10, "0.60", now, 1)
	sell := resting("a1", "bob", "yes", model.DirectionSell, 10, "0.55", now, 2)

	result := Match(MatchInput{
		MarketID: "m1", OutcomeIDs: []string{"yes", "no"},
		Orders: []RestingOrder{buy, sell}, Now: now, IDFunc: testIDs(),
	})

	if len(result.Executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(result.Executions))
	}
	if len(result.OrderUpdates) != 2 {
		t.Fatalf("expected both orders fully filled, got %d updates", len(result.OrderUpdates))
	}
	for _, ou := range result.OrderUpdates {
		if ou.NewQuantity != 0 {
			t.Fatalf("expected order %s fully filled, got qty %d", ou.OrderID, ou.NewQuantity)
		}
	}

	matchPrice := d("0.575")
	var buyerBal, sellerBal BalanceUpdate
	for _, bu := range result.BalanceUpdates {
		if bu.UserID == "alice" {
			buyerBal = bu
		} else {
			sellerBal = bu
		}
	}
	wantBuyerBal := decimal.NewFromInt(10).Mul(matchPrice).Neg()
	if !buyerBal.BalanceDelta.Equal(wantBuyerBal) {
		t.Fatalf("buyer balance delta = %s, want %s", buyerBal.BalanceDelta, wantBuyerBal)
	}
	wantSellerBal := decimal.NewFromInt(10).Mul(matchPrice)
	if !sellerBal.BalanceDelta.Equal(wantSellerBal) {
		t.Fatalf("seller balance delta = %s, want %s", sellerBal.BalanceDelta, wantSellerBal)
	}

	wantBuyerLocked := decimal.NewFromInt(10).Mul(d("0.60")).Neg()
	if !buyerBal.LockedDelta.Equal(wantBuyerLocked) {
		t.Fatalf("buyer locked delta = %s, want %s (full escrow released)", buyerBal.LockedDelta, wantBuyerLocked)
	}
	if !sellerBal.LockedDelta.Equal(sell.EscrowAmount.Neg()) {
		t.Fatalf("seller locked delta = %s, want %s (full escrow released on full fill)", sellerBal.LockedDelta, sell.EscrowAmount.Neg())
	}
}

func TestDirectMatchPartialFillLeavesResidual(t *testing.T) {
	now := time.Now()
	buy := resting("b1", "alice", "yes", model.DirectionBuy, 10, "0.60", now, 1)
	sell := resting("a1", "bob", "yes", model.DirectionSell, 4, "0.55", now, 2)

	result := Match(MatchInput{
		MarketID: "m1", OutcomeIDs: []string{"yes", "no"},
		Orders: []RestingOrder{buy, sell}, Now: now, IDFunc: testIDs(),
	})

	var buyUpdate OrderUpdate
	for _, ou := range result.OrderUpdates {
		if ou.OrderID == "b1" {
			buyUpdate = ou
		}
	}
	if buyUpdate.NewQuantity != 6 {
		t.Fatalf("expected buyer to have 6 remaining, got %d", buyUpdate.NewQuantity)
	}
}

func TestNoMatchWhenBidBelowAsk(t *testing.T) {
	now := time.Now()
	buy := resting("b1", "alice", "yes", model.DirectionBuy, 10, "0.40", now, 1)
	sell := resting("a1", "bob", "yes", model.DirectionSell, 10, "0.45", now, 2)

	result := Match(MatchInput{
		MarketID: "m1", OutcomeIDs: []string{"yes", "no"},
		Orders: []RestingOrder{buy, sell}, Now: now, IDFunc: testIDs(),
	})

	if len(result.Executions) != 0 {
		t.Fatalf("expected no executions, got %d", len(result.Executions))
	}
}

func TestSyntheticTwoOutcomeBasket(t *testing.T) {
	now := time.Now()
	yes := resting("b1", "alice", "yes", model.DirectionBuy, 10, "0.60", now, 1)
	no := resting("b2", "bob", "no", model.DirectionBuy, 10, "0.45", now, 2)

	result := Match(MatchInput{
		MarketID: "m1", OutcomeIDs: []string{"yes", "no"},
		Orders: []RestingOrder{yes, no}, Now: now, IDFunc: testIDs(),
	})

	if !result.MintedBaskets.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10 baskets minted, got %s", result.MintedBaskets)
	}
	if len(result.Executions) != 1 {
		t.Fatalf("expected 1 synthetic execution, got %d", len(result.Executions))
	}

	for _, bu := range result.BalanceUpdates {
		switch bu.UserID {
		case "alice":
			want := decimal.NewFromInt(10).Mul(d("0.60")).Neg()
			if !bu.BalanceDelta.Equal(want) {
				t.Fatalf("alice balance delta = %s, want %s", bu.BalanceDelta, want)
			}
		case "bob":
			want := decimal.NewFromInt(10).Mul(d("0.45")).Neg()
			if !bu.BalanceDelta.Equal(want) {
				t.Fatalf("bob balance delta = %s, want %s", bu.BalanceDelta, want)
			}
		}
	}

	for _, ou := range result.OrderUpdates {
		if ou.NewQuantity != 0 {
			t.Fatalf("expected both basket legs fully consumed, got %d for %s", ou.NewQuantity, ou.OrderID)
		}
	}
}

// TestSyntheticThreeOutcomeBasketDistributesSurplus mirrors spec.md §8
// scenario 3: bids A@0.55, B@0.50, C@0.30. A and B alone already sum to
// 1.05 >= 1.00, so the greedy subset stops at S = {A, B} and C is a true
// non-participant whose 10 minted contracts must be split pro-rata by
// bid weight: A gets 10*0.55/1.05 = 5.238..., B gets 10*0.50/1.05 = 4.762....
func TestSyntheticThreeOutcomeBasketDistributesSurplus(t *testing.T) {
	now := time.Now()
	a := resting("b1", "alice", "a", model.DirectionBuy, 10, "0.55", now, 1)
	b := resting("b2", "bob", "b", model.DirectionBuy, 10, "0.50", now, 2)
	c := resting("b3", "carol", "c", model.DirectionBuy, 10, "0.30", now, 3)

	result := Match(MatchInput{
		MarketID: "m1", OutcomeIDs: []string{"a", "b", "c"},
		Orders: []RestingOrder{a, b}, Holdings: nil, Now: now, IDFunc: testIDs(),
	})
	if !result.MintedBaskets.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("a+b alone already cross 1.00 and should mint 10 baskets with no bid on c: got %s minted", result.MintedBaskets)
	}

	result = Match(MatchInput{
		MarketID: "m1", OutcomeIDs: []string{"a", "b", "c"},
		Orders: []RestingOrder{a, b, c}, Now: now, IDFunc: testIDs(),
	})
	if !result.MintedBaskets.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10 baskets minted once A+B cross 1.00, got %s", result.MintedBaskets)
	}

	var aliceC, bobC decimal.Decimal
	var aliceA, bobB bool
	for _, pu := range result.PositionUpdates {
		switch {
		case pu.UserID == "alice" && pu.OutcomeID == "c":
			aliceC = pu.Delta
		case pu.UserID == "bob" && pu.OutcomeID == "c":
			bobC = pu.Delta
		case pu.UserID == "alice" && pu.OutcomeID == "a" && pu.Delta.Equal(decimal.NewFromInt(10)):
			aliceA = true
		case pu.UserID == "bob" && pu.OutcomeID == "b" && pu.Delta.Equal(decimal.NewFromInt(10)):
			bobB = true
		case pu.UserID == "carol":
			t.Fatalf("carol did not participate in the minted set, should receive no position update, got %+v", pu)
		}
	}
	if !aliceA {
		t.Fatalf("expected alice to receive +10 a from the minted set")
	}
	if !bobB {
		t.Fatalf("expected bob to receive +10 b from the minted set")
	}

	wantAliceC := d("5.23809524")
	wantBobC := d("4.76190476")
	if !aliceC.Equal(wantAliceC) {
		t.Fatalf("expected alice surplus c = %s (ratio 0.55:1.05 of 10), got %s", wantAliceC, aliceC)
	}
	if !bobC.Equal(wantBobC) {
		t.Fatalf("expected bob surplus c = %s (ratio 0.50:1.05 of 10), got %s", wantBobC, bobC)
	}
	if !aliceC.Add(bobC).Equal(decimal.NewFromInt(10)) {
		t.Fatalf("surplus c shares must sum to the 10 minted non-participant contracts, got %s", aliceC.Add(bobC))
	}
}

func TestDirectMatchProRataOversubscribedSide(t *testing.T) {
	now := time.Now()
	sell1 := resting("a1", "bob", "yes", model.DirectionSell, 6, "0.50", now, 1)
	sell2 := resting("a2", "carol", "yes", model.DirectionSell, 6, "0.50", now, 2)
	buy := resting("b1", "alice", "yes", model.DirectionBuy, 9, "0.50", now, 3)

	result := Match(MatchInput{
		MarketID: "m1", OutcomeIDs: []string{"yes", "no"},
		Orders: []RestingOrder{sell1, sell2, buy}, Now: now, IDFunc: testIDs(),
	})

	filled := map[string]int{}
	for _, ou := range result.OrderUpdates {
		orig := 6
		if ou.OrderID == "b1" {
			orig = 9
		}
		filled[ou.OrderID] = orig - ou.NewQuantity
	}

	total := filled["a1"] + filled["a2"]
	if total > 9 {
		t.Fatalf("oversubscribed sell side filled %d units against a 9-unit buy", total)
	}
	if filled["a1"] != filled["a2"] {
		t.Fatalf("expected symmetric pro-rata floor split for equal-size sell orders, got a1=%d a2=%d", filled["a1"], filled["a2"])
	}
	if filled["b1"] != total {
		t.Fatalf("buyer fill %d should equal matched sell total %d", filled["b1"], total)
	}
}

func TestOneRestingOrderNeverMatchesAlone(t *testing.T) {
	now := time.Now()
	buy := resting("b1", "alice", "yes", model.DirectionBuy, 10, "0.60", now, 1)

	result := Match(MatchInput{
		MarketID: "m1", OutcomeIDs: []string{"yes", "no"},
		Orders: []RestingOrder{buy}, Now: now, IDFunc: testIDs(),
	})

	if len(result.Executions) != 0 || len(result.OrderUpdates) != 0 {
		t.Fatalf("expected no activity for a single resting order, got %+v", result)
	}
}
