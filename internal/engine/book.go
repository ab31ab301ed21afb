package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"outcome-exchange/internal/model"
)

// BookEntry is a resting order as seen by the read-side book cache.
type BookEntry struct {
	OrderID   string
	UserID    string
	Direction model.OrderDirection
	Price     decimal.Decimal
	Quantity  int
	CreatedAt int64 // unix nanos, for FIFO tie-break display only
	Seq       int64
}

type outcomeSide struct {
	bids []*BookEntry // sorted best-first: price desc, then FIFO
	asks []*BookEntry // sorted best-first: price asc, then FIFO
}

// OrderBook is the teacher's per-market book, repurposed: instead of
// arbitrating fills itself (Match in matching.go does that against the
// authoritative order set), it mirrors that set so BestBid/BestAsk/
// Snapshot reads don't have to rescan every order on every call.
// Grounded on the teacher's OrderBook (book.go), same Add/Remove/Snapshot
// shape, keyed per outcome and priced in decimal instead of cents.
type OrderBook struct {
	outcomes map[string]*outcomeSide
}

func NewOrderBook() *OrderBook {
	return &OrderBook{outcomes: make(map[string]*outcomeSide)}
}

func (b *OrderBook) side(outcomeID string) *outcomeSide {
	s, ok := b.outcomes[outcomeID]
	if !ok {
		s = &outcomeSide{}
		b.outcomes[outcomeID] = s
	}
	return s
}

// Add inserts a resting order into its outcome's book. A duplicate
// OrderID is ignored, mirroring the teacher's guard.
func (b *OrderBook) Add(outcomeID string, e *BookEntry) {
	s := b.side(outcomeID)
	list := s.bids
	if e.Direction == model.DirectionSell {
		list = s.asks
	}
	for _, existing := range list {
		if existing.OrderID == e.OrderID {
			return
		}
	}
	list = append(list, e)
	sortEntries(list, e.Direction)
	if e.Direction == model.DirectionSell {
		s.asks = list
	} else {
		s.bids = list
	}
}

// Remove deletes an order from the named outcome's book and returns it,
// or nil if it wasn't resting there.
func (b *OrderBook) Remove(outcomeID, orderID string) *BookEntry {
	s := b.side(outcomeID)
	if e, idx := findEntry(s.bids, orderID); e != nil {
		s.bids = append(s.bids[:idx], s.bids[idx+1:]...)
		return e
	}
	if e, idx := findEntry(s.asks, orderID); e != nil {
		s.asks = append(s.asks[:idx], s.asks[idx+1:]...)
		return e
	}
	return nil
}

// SetQuantity updates (or, at zero, removes) a resting order's displayed
// quantity after a fill.
func (b *OrderBook) SetQuantity(outcomeID, orderID string, qty int) {
	s := b.side(outcomeID)
	if e, _ := findEntry(s.bids, orderID); e != nil {
		e.Quantity = qty
	}
	if e, _ := findEntry(s.asks, orderID); e != nil {
		e.Quantity = qty
	}
	if qty <= 0 {
		b.Remove(outcomeID, orderID)
	}
}

func findEntry(list []*BookEntry, orderID string) (*BookEntry, int) {
	for i, e := range list {
		if e.OrderID == orderID {
			return e, i
		}
	}
	return nil, -1
}

func (b *OrderBook) BestBid(outcomeID string) *BookEntry {
	s := b.side(outcomeID)
	if len(s.bids) == 0 {
		return nil
	}
	return s.bids[0]
}

func (b *OrderBook) BestAsk(outcomeID string) *BookEntry {
	s := b.side(outcomeID)
	if len(s.asks) == 0 {
		return nil
	}
	return s.asks[0]
}

// Snapshot aggregates resting quantity by price, best-first, truncated
// to depth levels per side (depth <= 0 means unbounded).
func (b *OrderBook) Snapshot(outcomeID string, depth int) model.BookSnapshot {
	s := b.side(outcomeID)
	return model.BookSnapshot{
		OutcomeID: outcomeID,
		Bids:      aggregateLevels(s.bids, depth),
		Asks:      aggregateLevels(s.asks, depth),
	}
}

func aggregateLevels(entries []*BookEntry, depth int) []model.BookLevel {
	levels := []model.BookLevel{}
	for _, e := range entries {
		if len(levels) > 0 && levels[len(levels)-1].Price.Equal(e.Price) {
			levels[len(levels)-1].Qty += e.Quantity
			continue
		}
		if depth > 0 && len(levels) == depth {
			break
		}
		levels = append(levels, model.BookLevel{Price: e.Price, Qty: e.Quantity})
	}
	return levels
}

func sortEntries(list []*BookEntry, dir model.OrderDirection) {
	sort.Slice(list, func(i, j int) bool {
		a, c := list[i], list[j]
		if !a.Price.Equal(c.Price) {
			if dir == model.DirectionBuy {
				return a.Price.GreaterThan(c.Price)
			}
			return a.Price.LessThan(c.Price)
		}
		if a.CreatedAt != c.CreatedAt {
			return a.CreatedAt < c.CreatedAt
		}
		return a.Seq < c.Seq
	})
}
