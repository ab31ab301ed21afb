package model

import "github.com/shopspring/decimal"

// CalcEscrow computes the cash a resting order must lock, given the
// submitter's current holdings of the targeted outcome. Pure: no I/O, no
// randomness, never negative.
//
// buy:  escrow = quantity * price — the bid itself is the cap on outlay.
// sell: escrow = max(0, quantity - owned) * (1 - price). Selling
// contracts already owned needs no escrow; selling more than owned is a
// short that the exchange covers by co-minting a basket, so the seller
// escrows the (1-price) cost of the complementary outcomes they'll owe
// on resolution. Grounded on the teacher's model.CalcLock, same shape,
// with the fee term removed (this spec has no maker/taker fee concept).
func CalcEscrow(direction OrderDirection, quantity int, price decimal.Decimal, currentlyOwned decimal.Decimal) decimal.Decimal {
	q := decimal.NewFromInt(int64(quantity))
	switch direction {
	case DirectionBuy:
		escrow := q.Mul(price)
		if escrow.IsNegative() {
			return decimal.Zero
		}
		return escrow
	case DirectionSell:
		short := q.Sub(currentlyOwned)
		if short.IsNegative() {
			short = decimal.Zero
		}
		escrow := short.Mul(decimal.NewFromInt(1).Sub(price))
		if escrow.IsNegative() {
			return decimal.Zero
		}
		return escrow
	default:
		return decimal.Zero
	}
}
