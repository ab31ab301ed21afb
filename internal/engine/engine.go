package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"outcome-exchange/internal/model"
	"outcome-exchange/internal/store"
)

// PublishFunc broadcasts a WS message for a market.
type PublishFunc func(marketID, msgType string, data any)

// ── Manager ──────────────────────────────────────────

// Manager owns one MarketEngine goroutine per open market, grounded on
// the teacher's engine.Manager.
type Manager struct {
	engines          map[string]*MarketEngine
	mu               sync.RWMutex
	store            *store.Store
	publish          PublishFunc
	orderQuantityCap int
}

func NewManager(st *store.Store, pub PublishFunc, orderQuantityCap int) *Manager {
	return &Manager{
		engines:          make(map[string]*MarketEngine),
		store:            st,
		publish:          pub,
		orderQuantityCap: orderQuantityCap,
	}
}

// Boot starts one engine per still-open market, for process restart.
func (m *Manager) Boot(ctx context.Context) error {
	markets, err := m.store.GetOpenMarkets(ctx)
	if err != nil {
		return err
	}
	for _, mkt := range markets {
		if err := m.StartEngine(ctx, mkt.ID); err != nil {
			return fmt.Errorf("boot %s: %w", mkt.ID, err)
		}
	}
	log.Printf("[engine] booted %d market engines", len(markets))
	return nil
}

func (m *Manager) StartEngine(ctx context.Context, marketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[marketID]; ok {
		return nil
	}
	eng, err := newMarketEngine(ctx, marketID, m.store, m.publish, m.orderQuantityCap)
	if err != nil {
		return err
	}
	m.engines[marketID] = eng
	// Background context: the engine outlives the request that created it.
	go eng.run(context.Background())
	return nil
}

func (m *Manager) GetEngine(marketID string) *MarketEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[marketID]
}

func (m *Manager) GetBook(marketID, outcomeID string, depth int) model.BookSnapshot {
	eng := m.GetEngine(marketID)
	if eng == nil {
		return model.BookSnapshot{OutcomeID: outcomeID, Bids: []model.BookLevel{}, Asks: []model.BookLevel{}}
	}
	return eng.book.Snapshot(outcomeID, depth)
}

// CreateMarket validates and persists a new market, then starts its engine.
func (m *Manager) CreateMarket(ctx context.Context, req CreateMarketReq) (*model.MarketWithOutcomes, error) {
	mwo, err := createMarket(ctx, m.store, req)
	if err != nil {
		return nil, err
	}
	if err := m.StartEngine(ctx, mwo.Market.ID); err != nil {
		return nil, err
	}
	return mwo, nil
}

// ── MarketEngine ─────────────────────────────────────

// MarketEngine serializes every mutation to one market through a single
// goroutine reading cmdCh, same shape as the teacher's actor, so two
// concurrent PlaceOrder calls on the same market can never interleave.
// The user-row FOR UPDATE lock that admission takes inside its
// transaction is defense in depth, not the primary serialization
// mechanism (spec.md §5); Settlement takes no row locks of its own.
type MarketEngine struct {
	marketID         string
	oracleUserID     string
	outcomeIDs       []string
	book             *OrderBook
	resting          map[string]*RestingOrder
	resolved         bool
	seq              int64
	cmdCh            chan command
	store            *store.Store
	publish          PublishFunc
	orderQuantityCap int
}

func newMarketEngine(ctx context.Context, marketID string, st *store.Store, pub PublishFunc, orderQuantityCap int) (*MarketEngine, error) {
	mwo, err := st.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if mwo == nil {
		return nil, fmt.Errorf("market %s not found", marketID)
	}
	outcomeIDs := make([]string, len(mwo.Outcomes))
	for i, o := range mwo.Outcomes {
		outcomeIDs[i] = o.ID
	}

	book := NewOrderBook()
	resting := make(map[string]*RestingOrder)
	orders, err := st.GetOpenOrders(ctx, marketID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		o := &orders[i]
		book.Add(o.OutcomeID, &BookEntry{
			OrderID:   o.ID,
			UserID:    o.UserID,
			Direction: o.Direction,
			Price:     o.Price,
			Quantity:  o.Quantity,
			CreatedAt: o.CreatedAt.UnixNano(),
			Seq:       o.Seq,
		})
		resting[o.ID] = &RestingOrder{
			OrderID: o.ID, UserID: o.UserID, OutcomeID: o.OutcomeID, Direction: o.Direction,
			Quantity: o.Quantity, OrigQuantity: o.OrigQuantity, Price: o.Price,
			EscrowAmount: o.EscrowAmount, CreatedAt: o.CreatedAt, Seq: o.Seq,
		}
	}

	seq, err := st.MaxSeq(ctx, marketID)
	if err != nil {
		return nil, err
	}
	log.Printf("[engine] market %s: loaded %d resting orders, seq=%d", marketID, len(orders), seq)

	return &MarketEngine{
		marketID:         marketID,
		oracleUserID:     mwo.Market.OracleUserID,
		outcomeIDs:       outcomeIDs,
		book:             book,
		resting:          resting,
		resolved:         mwo.Market.Status == model.MarketResolved,
		seq:              seq,
		cmdCh:            make(chan command, 64),
		store:            st,
		publish:          pub,
		orderQuantityCap: orderQuantityCap,
	}, nil
}

func (e *MarketEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

func (e *MarketEngine) nextSeq() int64 {
	e.seq++
	return e.seq
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *MarketEngine) }

type placeCmd struct {
	ctx    context.Context
	req    model.PlaceOrderReq
	userID string
	ch     chan<- placeResult
}

type cancelCmd struct {
	ctx     context.Context
	orderID string
	userID  string
	ch      chan<- error
}

type resolveCmd struct {
	ctx              context.Context
	winningOutcomeID string
	oracleUserID     string
	ch               chan<- resolveResult
}

type placeResult struct {
	res model.PlaceOrderResult
	err error
}

type resolveResult struct {
	summary model.ResolveSummary
	err     error
}

func (c placeCmd) exec(e *MarketEngine) {
	res, err := e.placeOrder(c.ctx, c.userID, c.req)
	c.ch <- placeResult{res: res, err: err}
}

func (c cancelCmd) exec(e *MarketEngine) {
	c.ch <- e.cancelOrder(c.ctx, c.orderID, c.userID)
}

func (c resolveCmd) exec(e *MarketEngine) {
	summary, err := e.resolveMarket(c.ctx, c.winningOutcomeID, c.oracleUserID)
	c.ch <- resolveResult{summary: summary, err: err}
}

// PlaceOrder sends a place-order command to the market goroutine and waits,
// respecting ctx's deadline both while the command queues behind others for
// this market and while it runs (spec.md §5: "each top-level operation runs
// under a caller-supplied timeout; on timeout, the transaction is rolled
// back and all locks released" — store.BeginTx binds the transaction to
// this same ctx, so a canceled ctx rolls it back automatically).
func (e *MarketEngine) PlaceOrder(ctx context.Context, userID string, req model.PlaceOrderReq) (model.PlaceOrderResult, error) {
	ch := make(chan placeResult, 1)
	select {
	case e.cmdCh <- placeCmd{ctx: ctx, req: req, userID: userID, ch: ch}:
	case <-ctx.Done():
		return model.PlaceOrderResult{}, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return model.PlaceOrderResult{}, ctx.Err()
	}
}

func (e *MarketEngine) CancelOrder(ctx context.Context, orderID, userID string) error {
	ch := make(chan error, 1)
	select {
	case e.cmdCh <- cancelCmd{ctx: ctx, orderID: orderID, userID: userID, ch: ch}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *MarketEngine) ResolveMarket(ctx context.Context, winningOutcomeID, oracleUserID string) (model.ResolveSummary, error) {
	ch := make(chan resolveResult, 1)
	select {
	case e.cmdCh <- resolveCmd{ctx: ctx, winningOutcomeID: winningOutcomeID, oracleUserID: oracleUserID, ch: ch}:
	case <-ctx.Done():
		return model.ResolveSummary{}, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.summary, r.err
	case <-ctx.Done():
		return model.ResolveSummary{}, ctx.Err()
	}
}
