package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/model"
	"outcome-exchange/internal/store"
	"outcome-exchange/internal/ws"
)

// Server is a demonstration HTTP host: not the spec's subject matter,
// just enough REST surface to drive a Manager end to end the way the
// teacher's cmd/server wires its own engine behind chi.
type Server struct {
	store          *store.Store
	manager        *engine.Manager
	hub            *ws.Hub
	secret         []byte
	requestTimeout time.Duration
}

func NewServer(st *store.Store, mgr *engine.Manager, hub *ws.Hub, jwtSecret string, requestTimeout time.Duration) *Server {
	return &Server{store: st, manager: mgr, hub: hub, secret: []byte(jwtSecret), requestTimeout: requestTimeout}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/login", s.login)

	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/markets", s.listMarkets)
		r.Get("/api/markets/{id}", s.getMarket)
		r.Get("/api/markets/{id}/book/{outcomeId}", s.getBook)
		r.Get("/api/markets/{id}/executions", s.listExecutions)
		r.Get("/api/markets/{id}/positions", s.listPositions)

		r.Post("/api/markets/{id}/orders", s.placeOrder)
		r.Delete("/api/orders/{id}", s.cancelOrder)

		r.Post("/api/markets", s.createMarket)
		r.Post("/api/markets/{id}/resolve", s.resolveMarket)

		r.Post("/api/admin/deposit", s.adminDeposit)
		r.Get("/api/admin/users", s.listUsers)
		r.Get("/api/admin/events", s.listEvents)
	})

	return r
}

// ── Auth ─────────────────────────────────────────────
//
// There is no registration flow: a user is any opaque ID the exchange
// has seen before (store.EnsureUser creates it lazily). login exists
// only to hand out a bearer token for a userID, with no credential
// check and nothing stored but the user row, since the spec has no concept of an
// account password — it's a stand-in for whatever auth the real chat
// surface would already have done before calling createOrder.

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.UserID == "" {
		jsonErr(w, 400, "user_id required")
		return
	}
	if _, err := s.store.EnsureUser(r.Context(), req.UserID); err != nil {
		jsonErr(w, 500, "could not ensure user")
		return
	}
	json200(w, map[string]string{"token": s.makeToken(req.UserID)})
}

func (s *Server) makeToken(userID string) string {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const ctxUserID ctxKey = "userID"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	json200(w, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mkt, err := s.store.GetMarket(r.Context(), id)
	if err != nil || mkt == nil {
		jsonErr(w, 404, "market not found")
		return
	}
	json200(w, mkt)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	outcomeID := chi.URLParam(r, "outcomeId")
	depth := 20
	if n, err := strconv.Atoi(r.URL.Query().Get("depth")); err == nil && n > 0 {
		depth = n
	}
	json200(w, s.manager.GetBook(marketID, outcomeID, depth))
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	executions, err := s.store.ListExecutions(r.Context(), marketID, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if executions == nil {
		executions = []model.Execution{}
	}
	json200(w, executions)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	positions, err := s.store.ListPositions(r.Context(), marketID)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	json200(w, positions)
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var req struct {
		GuildID      string   `json:"guild_id"`
		Description  string   `json:"description"`
		OracleUserID string   `json:"oracle_user_id"`
		Outcomes     []string `json:"outcomes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	mwo, err := s.manager.CreateMarket(r.Context(), engine.CreateMarketReq{
		GuildID: req.GuildID, CreatorID: uid,
		Description: req.Description, OracleUserID: req.OracleUserID, Outcomes: req.Outcomes,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(mwo)
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	var req struct {
		WinningOutcomeID string `json:"winning_outcome_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	eng := s.manager.GetEngine(marketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	summary, err := eng.ResolveMarket(r.Context(), req.WinningOutcomeID, uid)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	json200(w, summary)
}

// ── Orders ───────────────────────────────────────────

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	var req model.PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	eng := s.manager.GetEngine(marketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}

	result, err := eng.PlaceOrder(r.Context(), uid, req)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	json200(w, result)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	order, err := s.store.GetOrder(r.Context(), orderID)
	if err != nil || order == nil {
		jsonErr(w, 404, "order not found")
		return
	}

	eng := s.manager.GetEngine(order.MarketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	if err := eng.CancelOrder(r.Context(), orderID, uid); err != nil {
		writeDomainErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "canceled"})
}

// ── Admin ────────────────────────────────────────────

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string          `json:"user_id"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.UserID == "" || !req.Amount.IsPositive() {
		jsonErr(w, 400, "user_id and a positive amount are required")
		return
	}
	user, err := s.store.DepositBalance(r.Context(), req.UserID, req.Amount)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, users)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	marketID := r.URL.Query().Get("market_id")
	var mp *string
	if marketID != "" {
		mp = &marketID
	}
	events, err := s.store.ListEvents(r.Context(), mp, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, events)
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeDomainErr maps the nine model sentinel errors onto HTTP status
// codes; anything else is an internal error.
func writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case isErr(err, model.ErrInvalidParameters), isErr(err, model.ErrInvalidOutcome):
		jsonErr(w, 400, err.Error())
	case isErr(err, model.ErrMarketClosed), isErr(err, model.ErrAlreadyResolved):
		jsonErr(w, 409, err.Error())
	case isErr(err, model.ErrOrderAlreadyExists):
		jsonErr(w, 409, err.Error())
	case isErr(err, model.ErrInsufficientBalance):
		jsonErr(w, 402, err.Error())
	case isErr(err, model.ErrNoSuchOrder):
		jsonErr(w, 404, err.Error())
	case isErr(err, model.ErrNotOracle):
		jsonErr(w, 403, err.Error())
	default:
		log.Printf("[api] internal error: %v", err)
		jsonErr(w, 500, "internal error")
	}
}

func isErr(err, target error) bool { return errors.Is(err, target) }
