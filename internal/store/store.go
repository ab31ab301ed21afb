// Package store is the Postgres persistence layer: plain database/sql
// plus lib/pq, migrated with golang-migrate, grounded on the teacher's
// internal/db/store.go. Money and prices are numeric columns scanned
// into shopspring/decimal rather than int64 cents.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"outcome-exchange/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// ── Users ────────────────────────────────────────────

// EnsureUser creates a zero-balance user row on first reference and is a
// no-op otherwise (spec.md §3: "created lazily on first reference").
func (s *Store) EnsureUser(ctx context.Context, userID string) (*model.User, error) {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, balance, locked) VALUES ($1, 0, 0) ON CONFLICT (id) DO NOTHING`, userID)
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, balance, locked, created_at FROM users WHERE id=$1`, userID,
	).Scan(&u.ID, &u.Balance, &u.Locked, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUserForUpdate(tx *sql.Tx, userID string) (*model.User, error) {
	u := &model.User{}
	err := tx.QueryRow(
		`SELECT id, balance, locked, created_at FROM users WHERE id=$1 FOR UPDATE`, userID,
	).Scan(&u.ID, &u.Balance, &u.Locked, &u.CreatedAt)
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, balance, locked, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Balance, &u.Locked, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// UserAddBalance and UserAddLocked are atomic SET col = col + delta
// updates, avoiding the lost-update race a read-modify-write would have
// under concurrent fills (grounded on the teacher's WalletAddBalance /
// WalletAddLocked).
func UserAddBalance(tx *sql.Tx, userID string, delta decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET balance = balance + $1 WHERE id=$2`, delta, userID)
	return err
}

func UserAddLocked(tx *sql.Tx, userID string, delta decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET locked = locked + $1 WHERE id=$2`, delta, userID)
	return err
}

func (s *Store) DepositBalance(ctx context.Context, userID string, amount decimal.Decimal) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`UPDATE users SET balance = balance + $1 WHERE id=$2
		 RETURNING id, balance, locked, created_at`, amount, userID,
	).Scan(&u.ID, &u.Balance, &u.Locked, &u.CreatedAt)
	return u, err
}

// ── Markets ──────────────────────────────────────────

func (s *Store) CreateMarket(ctx context.Context, mkt model.Market, outcomes []model.Outcome) (*model.MarketWithOutcomes, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	mkt.ID = uuid.New().String()
	err = tx.QueryRow(
		`INSERT INTO markets (id, guild_id, creator_id, description, oracle_user_id, status, minted_baskets)
		 VALUES ($1,$2,$3,$4,$5,'OPEN',0)
		 RETURNING number, created_at`,
		mkt.ID, mkt.GuildID, mkt.CreatorID, mkt.Description, mkt.OracleUserID,
	).Scan(&mkt.Number, &mkt.CreatedAt)
	if err != nil {
		return nil, err
	}
	mkt.Status = model.MarketOpen
	mkt.MintedBaskets = decimal.Zero

	for i := range outcomes {
		outcomes[i].ID = uuid.New().String()
		outcomes[i].MarketID = mkt.ID
		_, err := tx.Exec(
			`INSERT INTO outcomes (id, market_id, number, description) VALUES ($1,$2,$3,$4)`,
			outcomes[i].ID, outcomes[i].MarketID, outcomes[i].Number, outcomes[i].Description,
		)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &model.MarketWithOutcomes{Market: mkt, Outcomes: outcomes}, nil
}

func (s *Store) GetMarket(ctx context.Context, marketID string) (*model.MarketWithOutcomes, error) {
	m := model.Market{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, number, guild_id, creator_id, description, oracle_user_id, status, winning_outcome_id, minted_baskets, created_at, resolved_at
		 FROM markets WHERE id=$1`, marketID,
	).Scan(&m.ID, &m.Number, &m.GuildID, &m.CreatorID, &m.Description, &m.OracleUserID, &m.Status, &m.WinningOutcomeID, &m.MintedBaskets, &m.CreatedAt, &m.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	outcomes, err := s.GetOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return &model.MarketWithOutcomes{Market: m, Outcomes: outcomes}, nil
}

func (s *Store) GetOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, market_id, number, description FROM outcomes WHERE market_id=$1 ORDER BY number`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Outcome
	for rows.Next() {
		var o model.Outcome
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Number, &o.Description); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, number, guild_id, creator_id, description, oracle_user_id, status, winning_outcome_id, minted_baskets, created_at, resolved_at
		 FROM markets ORDER BY number DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Number, &m.GuildID, &m.CreatorID, &m.Description, &m.OracleUserID, &m.Status, &m.WinningOutcomeID, &m.MintedBaskets, &m.CreatedAt, &m.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) GetOpenMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, number, guild_id, creator_id, description, oracle_user_id, status, winning_outcome_id, minted_baskets, created_at, resolved_at
		 FROM markets WHERE status='OPEN'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Number, &m.GuildID, &m.CreatorID, &m.Description, &m.OracleUserID, &m.Status, &m.WinningOutcomeID, &m.MintedBaskets, &m.CreatedAt, &m.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func ResolveMarket(tx *sql.Tx, marketID, winningOutcomeID string) error {
	_, err := tx.Exec(
		`UPDATE markets SET status='RESOLVED', winning_outcome_id=$1, resolved_at=now() WHERE id=$2`,
		winningOutcomeID, marketID,
	)
	return err
}

func IncrementMintedBaskets(tx *sql.Tx, marketID string, delta decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE markets SET minted_baskets = minted_baskets + $1 WHERE id=$2`, delta, marketID)
	return err
}

// ── Orders ───────────────────────────────────────────

func InsertOrder(tx *sql.Tx, o *model.Order) error {
	_, err := tx.Exec(
		`INSERT INTO orders (id, market_id, user_id, outcome_id, direction, quantity, orig_quantity, price, escrow_amount, seq)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, o.MarketID, o.UserID, o.OutcomeID, o.Direction, o.Quantity, o.OrigQuantity, o.Price, o.EscrowAmount, o.Seq,
	)
	return err
}

// UpdateOrderQuantity applies a fill: escrowDelta is negative (release).
// NewQuantity == 0 deletes the row, keeping "resting orders" exactly the
// open book (spec.md has no canceled/filled order history requirement;
// the permanent record of what happened lives in executions).
func UpdateOrderQuantity(tx *sql.Tx, orderID string, newQuantity int, escrowDelta decimal.Decimal) error {
	if newQuantity <= 0 {
		_, err := tx.Exec(`DELETE FROM orders WHERE id=$1`, orderID)
		return err
	}
	_, err := tx.Exec(
		`UPDATE orders SET quantity=$1, escrow_amount = escrow_amount + $2, updated_at=now() WHERE id=$3`,
		newQuantity, escrowDelta, orderID,
	)
	return err
}

func DeleteOrder(tx *sql.Tx, orderID string) error {
	_, err := tx.Exec(`DELETE FROM orders WHERE id=$1`, orderID)
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o := &model.Order{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, market_id, user_id, outcome_id, direction, quantity, orig_quantity, price, escrow_amount, seq, created_at, updated_at
		 FROM orders WHERE id=$1`, orderID,
	).Scan(&o.ID, &o.MarketID, &o.UserID, &o.OutcomeID, &o.Direction, &o.Quantity, &o.OrigQuantity, &o.Price, &o.EscrowAmount, &o.Seq, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) GetOrderForUpdate(tx *sql.Tx, orderID string) (*model.Order, error) {
	o := &model.Order{}
	err := tx.QueryRow(
		`SELECT id, market_id, user_id, outcome_id, direction, quantity, orig_quantity, price, escrow_amount, seq, created_at, updated_at
		 FROM orders WHERE id=$1 FOR UPDATE`, orderID,
	).Scan(&o.ID, &o.MarketID, &o.UserID, &o.OutcomeID, &o.Direction, &o.Quantity, &o.OrigQuantity, &o.Price, &o.EscrowAmount, &o.Seq, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// GetOpenOrderByUser returns the user's resting order in a market, or nil;
// the one-resting-order-per-user-per-market rule means there is at most one.
func (s *Store) GetOpenOrderByUser(ctx context.Context, marketID, userID string) (*model.Order, error) {
	o := &model.Order{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, market_id, user_id, outcome_id, direction, quantity, orig_quantity, price, escrow_amount, seq, created_at, updated_at
		 FROM orders WHERE market_id=$1 AND user_id=$2`, marketID, userID,
	).Scan(&o.ID, &o.MarketID, &o.UserID, &o.OutcomeID, &o.Direction, &o.Quantity, &o.OrigQuantity, &o.Price, &o.EscrowAmount, &o.Seq, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) GetOpenOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, market_id, user_id, outcome_id, direction, quantity, orig_quantity, price, escrow_amount, seq, created_at, updated_at
		 FROM orders WHERE market_id=$1 ORDER BY seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.MarketID, &o.UserID, &o.OutcomeID, &o.Direction, &o.Quantity, &o.OrigQuantity, &o.Price, &o.EscrowAmount, &o.Seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) MaxSeq(ctx context.Context, marketID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM orders WHERE market_id=$1`, marketID,
	).Scan(&seq)
	return seq, err
}

// ── Positions ────────────────────────────────────────

func UpsertHolding(tx *sql.Tx, userID, marketID, outcomeID string, delta decimal.Decimal) error {
	_, err := tx.Exec(
		`INSERT INTO position_holdings (user_id, market_id, outcome_id, quantity, updated_at)
		 VALUES ($1,$2,$3,$4,now())
		 ON CONFLICT (user_id, market_id, outcome_id)
		 DO UPDATE SET quantity = position_holdings.quantity + $4, updated_at = now()`,
		userID, marketID, outcomeID, delta,
	)
	if err != nil {
		return err
	}
	// A holding that nets back to exactly zero no longer occupies the
	// per-outcome key (spec.md §4.D); distinct from clearing a whole
	// position when every outcome key is gone.
	_, err = tx.Exec(
		`DELETE FROM position_holdings WHERE user_id=$1 AND market_id=$2 AND outcome_id=$3 AND quantity = 0`,
		userID, marketID, outcomeID,
	)
	return err
}

func (s *Store) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT outcome_id, quantity FROM position_holdings WHERE user_id=$1 AND market_id=$2`, userID, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	pos := &model.Position{UserID: userID, MarketID: marketID, Holdings: map[string]decimal.Decimal{}}
	for rows.Next() {
		var outcomeID string
		var qty decimal.Decimal
		if err := rows.Scan(&outcomeID, &qty); err != nil {
			return nil, err
		}
		pos.Holdings[outcomeID] = qty
	}
	return pos, nil
}

func (s *Store) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, outcome_id, quantity FROM position_holdings WHERE market_id=$1`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byUser := map[string]*model.Position{}
	var order []string
	for rows.Next() {
		var userID, outcomeID string
		var qty decimal.Decimal
		if err := rows.Scan(&userID, &outcomeID, &qty); err != nil {
			return nil, err
		}
		pos, ok := byUser[userID]
		if !ok {
			pos = &model.Position{UserID: userID, MarketID: marketID, Holdings: map[string]decimal.Decimal{}}
			byUser[userID] = pos
			order = append(order, userID)
		}
		pos.Holdings[outcomeID] = qty
	}
	out := make([]model.Position, 0, len(order))
	for _, uid := range order {
		out = append(out, *byUser[uid])
	}
	return out, nil
}

func DeletePositionsForMarket(tx *sql.Tx, marketID string) error {
	_, err := tx.Exec(`DELETE FROM position_holdings WHERE market_id=$1`, marketID)
	return err
}

// ── Executions ───────────────────────────────────────

func InsertExecution(tx *sql.Tx, e *model.Execution) error {
	if _, err := tx.Exec(
		`INSERT INTO executions (id, market_id, ts) VALUES ($1,$2,$3)`, e.ID, e.MarketID, e.Timestamp,
	); err != nil {
		return err
	}
	for _, p := range e.Participants {
		if _, err := tx.Exec(
			`INSERT INTO execution_participants (execution_id, user_id, outcome_id, quantity, effective_price)
			 VALUES ($1,$2,$3,$4,$5)`,
			e.ID, p.UserID, p.OutcomeID, p.Quantity, p.EffectivePrice,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, marketID string, limit int) ([]model.Execution, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, market_id, ts FROM executions WHERE market_id=$1 ORDER BY ts DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Execution
	for rows.Next() {
		var e model.Execution
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	for i := range out {
		participants, err := s.getExecutionParticipants(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Participants = participants
	}
	return out, nil
}

func (s *Store) getExecutionParticipants(ctx context.Context, executionID string) ([]model.ExecutionParticipant, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, outcome_id, quantity, effective_price FROM execution_participants WHERE execution_id=$1`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ExecutionParticipant
	for rows.Next() {
		var p model.ExecutionParticipant
		if err := rows.Scan(&p.UserID, &p.OutcomeID, &p.Quantity, &p.EffectivePrice); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ── Event log ────────────────────────────────────────

// AppendEvent is ambient audit plumbing carried over from the teacher's
// event_log table: every admission, cancellation and resolution leaves a
// row here independent of the execution ledger.
func AppendEvent(tx *sql.Tx, marketID *string, seq *int64, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO event_log (market_id, seq, type, payload_json) VALUES ($1,$2,$3,$4)`,
		marketID, seq, evType, b,
	)
	return err
}

type EventLogEntry struct {
	ID        int64
	MarketID  *string
	Seq       *int64
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

func (s *Store) ListEvents(ctx context.Context, marketID *string, limit int) ([]EventLogEntry, error) {
	q := `SELECT id, market_id, seq, type, payload_json, created_at FROM event_log`
	var args []any
	if marketID != nil {
		q += ` WHERE market_id=$1`
		args = append(args, *marketID)
	}
	q += ` ORDER BY created_at DESC LIMIT ` + fmt.Sprintf("%d", limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Seq, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
