// Package model holds the exchange's domain entities. It carries no
// storage or matching logic of its own, aside from the pure escrow
// calculator in escrow.go.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type MarketStatus string

const (
	MarketOpen     MarketStatus = "OPEN"
	MarketResolved MarketStatus = "RESOLVED"
)

type OrderDirection string

const (
	DirectionBuy  OrderDirection = "BUY"
	DirectionSell OrderDirection = "SELL"
)

// ── Domain objects ───────────────────────────────────

// User is created lazily on first reference and never destroyed.
type User struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Available is balance minus locked escrow.
func (u User) Available() decimal.Decimal { return u.Balance.Sub(u.Locked) }

type Market struct {
	ID               string          `json:"id" db:"id"`
	Number           int64           `json:"number" db:"number"`
	GuildID          string          `json:"guild_id" db:"guild_id"`
	CreatorID        string          `json:"creator_id" db:"creator_id"`
	Description      string          `json:"description" db:"description"`
	OracleUserID     string          `json:"oracle_user_id" db:"oracle_user_id"`
	Status           MarketStatus    `json:"status" db:"status"`
	WinningOutcomeID *string         `json:"winning_outcome_id,omitempty" db:"winning_outcome_id"`
	MintedBaskets    decimal.Decimal `json:"minted_baskets" db:"minted_baskets"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

func (m Market) IsOpen() bool { return m.Status == MarketOpen }

type Outcome struct {
	ID          string `json:"id" db:"id"`
	MarketID    string `json:"market_id" db:"market_id"`
	Number      int    `json:"number" db:"number"`
	Description string `json:"description" db:"description"`
}

// MarketWithOutcomes is the result of createMarket and of the market read query.
type MarketWithOutcomes struct {
	Market   Market    `json:"market"`
	Outcomes []Outcome `json:"outcomes"`
}

type Order struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	OutcomeID    string          `json:"outcome_id" db:"outcome_id"`
	Direction    OrderDirection  `json:"direction" db:"direction"`
	Quantity     int             `json:"quantity" db:"quantity"`
	OrigQuantity int             `json:"orig_quantity" db:"orig_quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	EscrowAmount decimal.Decimal `json:"escrow_amount" db:"escrow_amount"`
	Seq          int64           `json:"seq" db:"seq"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is logically keyed by (userID, marketID); Holdings maps
// outcomeID to contract quantity. Entries are removed when they fall to
// zero; a position with empty Holdings may still persist.
type Position struct {
	ID        string                     `json:"id" db:"id"`
	UserID    string                     `json:"user_id" db:"user_id"`
	MarketID  string                     `json:"market_id" db:"market_id"`
	Holdings  map[string]decimal.Decimal `json:"holdings" db:"-"`
	CreatedAt time.Time                  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at" db:"updated_at"`
}

func (p Position) Holding(outcomeID string) decimal.Decimal {
	if p.Holdings == nil {
		return decimal.Zero
	}
	return p.Holdings[outcomeID]
}

// ExecutionParticipant records one user's side of an Execution.
type ExecutionParticipant struct {
	UserID         string          `json:"user_id"`
	OutcomeID      string          `json:"outcome_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
}

// Execution is append-only audit of a match event.
type Execution struct {
	ID           string                  `json:"id" db:"id"`
	MarketID     string                  `json:"market_id" db:"market_id"`
	Timestamp    time.Time               `json:"timestamp" db:"timestamp"`
	Participants []ExecutionParticipant  `json:"participants" db:"-"`
}

// ── API types ────────────────────────────────────────

type PlaceOrderReq struct {
	OutcomeID string          `json:"outcome_id"`
	Direction OrderDirection  `json:"direction"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type PlaceOrderResult struct {
	Order      *Order      `json:"order"`
	Executions []Execution `json:"executions"`
}

type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   int             `json:"qty"`
}

type BookSnapshot struct {
	OutcomeID string      `json:"outcome_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
}

// ResolveSummary is returned by resolveMarket.
type ResolveSummary struct {
	MarketID    string                     `json:"market_id"`
	WinnerCount int                        `json:"winner_count"`
	TotalPayout decimal.Decimal            `json:"total_payout"`
	Payouts     map[string]decimal.Decimal `json:"payouts"`
}
