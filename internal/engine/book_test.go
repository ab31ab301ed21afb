package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"outcome-exchange/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestAddAndBestBidAsk(t *testing.T) {
	b := NewOrderBook()
	b.Add("yes", &BookEntry{OrderID: "b1", UserID: "u1", Direction: model.DirectionBuy, Price: d("0.40"), Quantity: 10, Seq: 1})
	b.Add("yes", &BookEntry{OrderID: "b2", UserID: "u1", Direction: model.DirectionBuy, Price: d("0.45"), Quantity: 5, Seq: 2})
	b.Add("yes", &BookEntry{OrderID: "a1", UserID: "u2", Direction: model.DirectionSell, Price: d("0.55"), Quantity: 10, Seq: 3})
	b.Add("yes", &BookEntry{OrderID: "a2", UserID: "u2", Direction: model.DirectionSell, Price: d("0.60"), Quantity: 5, Seq: 4})

	if bb := b.BestBid("yes"); bb == nil || !bb.Price.Equal(d("0.45")) {
		t.Fatalf("expected best bid 0.45, got %v", bb)
	}
	if ba := b.BestAsk("yes"); ba == nil || !ba.Price.Equal(d("0.55")) {
		t.Fatalf("expected best ask 0.55, got %v", ba)
	}
}

func TestPriceTimePriorityWithinLevel(t *testing.T) {
	b := NewOrderBook()
	b.Add("yes", &BookEntry{OrderID: "a1", UserID: "u2", Direction: model.DirectionSell, Price: d("0.50"), Quantity: 3, CreatedAt: 1, Seq: 1})
	b.Add("yes", &BookEntry{OrderID: "a2", UserID: "u2", Direction: model.DirectionSell, Price: d("0.50"), Quantity: 3, CreatedAt: 2, Seq: 2})

	if ba := b.BestAsk("yes"); ba == nil || ba.OrderID != "a1" {
		t.Fatalf("expected earliest order a1 to lead the level, got %v", ba)
	}
}

func TestDuplicateAddIgnored(t *testing.T) {
	b := NewOrderBook()
	b.Add("yes", &BookEntry{OrderID: "b1", UserID: "u1", Direction: model.DirectionBuy, Price: d("0.50"), Quantity: 5, Seq: 1})
	b.Add("yes", &BookEntry{OrderID: "b1", UserID: "u1", Direction: model.DirectionBuy, Price: d("0.50"), Quantity: 5, Seq: 2})

	snap := b.Snapshot("yes", 0)
	if len(snap.Bids) != 1 || snap.Bids[0].Qty != 5 {
		t.Fatalf("expected one level qty 5 (dup ignored), got %+v", snap.Bids)
	}
}

func TestRemoveOrder(t *testing.T) {
	b := NewOrderBook()
	b.Add("yes", &BookEntry{OrderID: "b1", UserID: "u1", Direction: model.DirectionBuy, Price: d("0.50"), Quantity: 5, Seq: 1})
	b.Add("yes", &BookEntry{OrderID: "b2", UserID: "u1", Direction: model.DirectionBuy, Price: d("0.50"), Quantity: 3, Seq: 2})

	removed := b.Remove("yes", "b1")
	if removed == nil || removed.OrderID != "b1" {
		t.Fatal("expected to remove b1")
	}
	if bb := b.BestBid("yes"); bb == nil || !bb.Price.Equal(d("0.50")) {
		t.Fatal("best bid should still be 0.50 (b2 remains)")
	}
}

func TestRemoveLastAtLevelClearsBest(t *testing.T) {
	b := NewOrderBook()
	b.Add("yes", &BookEntry{OrderID: "a1", UserID: "u1", Direction: model.DirectionSell, Price: d("0.50"), Quantity: 5, Seq: 1})
	b.Remove("yes", "a1")

	if b.BestAsk("yes") != nil {
		t.Fatal("expected no best ask after removing the only order")
	}
}

func TestRemoveUnknownOrderReturnsNil(t *testing.T) {
	b := NewOrderBook()
	if got := b.Remove("yes", "nope"); got != nil {
		t.Fatalf("expected nil removing unknown order, got %v", got)
	}
}

func TestSetQuantityZeroRemoves(t *testing.T) {
	b := NewOrderBook()
	b.Add("yes", &BookEntry{OrderID: "a1", UserID: "u1", Direction: model.DirectionSell, Price: d("0.50"), Quantity: 10, Seq: 1})
	b.SetQuantity("yes", "a1", 4)
	if ba := b.BestAsk("yes"); ba == nil || ba.Quantity != 4 {
		t.Fatalf("expected remaining qty 4, got %v", ba)
	}
	b.SetQuantity("yes", "a1", 0)
	if b.BestAsk("yes") != nil {
		t.Fatal("expected order removed once quantity reaches zero")
	}
}

func TestSnapshotAggregatesSamePriceAndTruncatesDepth(t *testing.T) {
	b := NewOrderBook()
	b.Add("yes", &BookEntry{OrderID: "b1", UserID: "u1", Direction: model.DirectionBuy, Price: d("0.40"), Quantity: 3, Seq: 1})
	b.Add("yes", &BookEntry{OrderID: "b2", UserID: "u2", Direction: model.DirectionBuy, Price: d("0.40"), Quantity: 2, Seq: 2})
	b.Add("yes", &BookEntry{OrderID: "b3", UserID: "u3", Direction: model.DirectionBuy, Price: d("0.35"), Quantity: 1, Seq: 3})

	snap := b.Snapshot("yes", 1)
	if len(snap.Bids) != 1 {
		t.Fatalf("expected depth-1 truncation, got %d levels", len(snap.Bids))
	}
	if snap.Bids[0].Qty != 5 {
		t.Fatalf("expected aggregated qty 5 at 0.40, got %d", snap.Bids[0].Qty)
	}
}

func TestSnapshotUnboundedDepth(t *testing.T) {
	b := NewOrderBook()
	for i := 0; i < 5; i++ {
		b.Add("yes", &BookEntry{OrderID: string(rune('a' + i)), UserID: "u1", Direction: model.DirectionSell,
			Price: d("0.5").Add(decimal.New(int64(i), -2)), Quantity: 1, Seq: int64(i)})
	}
	snap := b.Snapshot("yes", 0)
	if len(snap.Asks) != 5 {
		t.Fatalf("expected 5 levels with unbounded depth, got %d", len(snap.Asks))
	}
}

func TestOutcomesAreIndependent(t *testing.T) {
	b := NewOrderBook()
	b.Add("yes", &BookEntry{OrderID: "b1", UserID: "u1", Direction: model.DirectionBuy, Price: d("0.40"), Quantity: 3, Seq: 1})
	b.Add("no", &BookEntry{OrderID: "b2", UserID: "u1", Direction: model.DirectionBuy, Price: d("0.70"), Quantity: 1, Seq: 1})

	if bb := b.BestBid("yes"); bb == nil || !bb.Price.Equal(d("0.40")) {
		t.Fatalf("yes book polluted: %v", bb)
	}
	if bb := b.BestBid("no"); bb == nil || !bb.Price.Equal(d("0.70")) {
		t.Fatalf("no book polluted: %v", bb)
	}
}
