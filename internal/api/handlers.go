// Package api exposes the market engine over HTTP: market management,
// order placement, resolution, and read-side queries, plus a WebSocket
// feed of accepted orders.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tokenbay/market-engine/internal/engine"
	"github.com/tokenbay/market-engine/internal/model"
	"github.com/tokenbay/market-engine/internal/num"
)

// Server holds the HTTP handlers. All domain work is delegated to the
// engine; handlers only decode, dispatch, and encode.
type Server struct {
	engine *engine.Service
	hub    *Hub // optional; nil disables broadcasting
}

// NewServer creates an API server. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewServer(eng *engine.Service, hub *Hub) *Server {
	return &Server{engine: eng, hub: hub}
}

// Register mounts the API routes on the given router.
func (s *Server) Register(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/price", s.GetPrice)
	r.Get("/markets/{marketID}/orders", s.ListOrders)
	r.Post("/markets/{marketID}/orders", s.PlaceOrder)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
	r.Get("/markets/{marketID}/users/{userID}", s.GetUserPosition)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	OrganizerID      string        `json:"organizer_id"`
	LmsrB            uint32        `json:"lmsr_b"`
	TotalRewardPoint uint32        `json:"total_reward_point"`
	Open             time.Time     `json:"open"`
	Close            time.Time     `json:"close"`
	Tokens           []model.Token `json:"tokens"`
	Prizes           []model.Prize `json:"prizes"`
}

// CreateMarketResponse carries the id of the new market.
type CreateMarketResponse struct {
	ID string `json:"id"`
}

// OrderRequest is the JSON body for POST /markets/{id}/orders.
type OrderRequest struct {
	UserID       string `json:"user_id"`
	TokenName    string `json:"token_name"`
	AmountToken  int32  `json:"amount_token"`  // positive = buy, negative = sell
	ExpectedCoin int32  `json:"expected_coin"` // absolute price estimate
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	UserID       string `json:"user_id"`
	WinningToken string `json:"winning_token"`
}

// MarketView is the read-side projection of a market.
type MarketView struct {
	ID                string                     `json:"id"`
	Attrs             model.MarketAttrs          `json:"attrs"`
	Status            model.MarketStatus         `json:"status"`
	TokenDistribution map[string]num.AmountToken `json:"token_distribution"`
	Quotes            []model.TokenQuote         `json:"quotes,omitempty"`
	LastOrder         *model.Order               `json:"last_order,omitempty"`
	ResolvedTokenName string                     `json:"resolved_token_name,omitempty"`
	RewardRecords     map[string]num.Point       `json:"reward_records,omitempty"`
	NumOrders         int                        `json:"num_orders"`
	NumUsers          int                        `json:"num_users"`
}

func marketView(m *model.Market) MarketView {
	v := MarketView{
		ID:                m.ID,
		Attrs:             m.Attrs,
		Status:            m.Status,
		TokenDistribution: m.TokenDistribution(),
		LastOrder:         m.Orders.Last(),
		ResolvedTokenName: m.ResolvedTokenName,
		RewardRecords:     m.RewardRecords,
		NumOrders:         m.Orders.Len(),
		NumUsers:          m.Orders.NumUsers(),
	}
	// Quotes only make sense while trading is possible.
	if m.Status == model.StatusOpen {
		v.Quotes = m.Quotes()
	}
	return v
}

// --- Handlers ---

// CreateMarket handles POST /api/v1/markets.
func (s *Server) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.engine.CreateMarket(r.Context(), model.MarketAttrs{
		Title:            req.Title,
		Description:      req.Description,
		OrganizerID:      req.OrganizerID,
		LmsrB:            num.B(req.LmsrB),
		TotalRewardPoint: num.Point(req.TotalRewardPoint),
		Open:             req.Open,
		Close:            req.Close,
		Tokens:           req.Tokens,
		Prizes:           req.Prizes,
	})
	if err != nil {
		// Anything but an infrastructure fault here is bad input.
		if errors.Is(err, engine.ErrServer) {
			writeError(w, "internal server error", http.StatusInternalServerError)
		} else {
			writeError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	writeJSON(w, http.StatusCreated, CreateMarketResponse{ID: id})
}

// ListMarkets handles GET /api/v1/markets?status=open.
func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status := model.MarketStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusUpcoming, model.StatusOpen, model.StatusClosed, model.StatusResolved:
	default:
		writeError(w, "unknown status filter", http.StatusBadRequest)
		return
	}

	markets, err := s.engine.ListMarkets(r.Context(), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, marketView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketView(m))
}

// ListOrders handles GET /api/v1/markets/{marketID}/orders. Optional
// query parameters: user_id filters to one user, order=desc lists newest
// first.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.ListOrders(r.Context(),
		chi.URLParam(r, "marketID"), r.URL.Query().Get("user_id"),
		r.URL.Query().Get("order") == "desc")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// PriceQuote is the response of the price endpoint: what buying or selling
// the given number of tokens would cost or yield right now.
type PriceQuote struct {
	TokenName    string `json:"token_name"`
	AmountToken  int32  `json:"amount_token"`
	BuyCoin      int32  `json:"buy_coin"`
	SellGainCoin int32  `json:"sell_gain_coin"`
}

// GetPrice handles GET /api/v1/markets/{marketID}/price?token=alpha&amount=5.
// The quote is advisory: the admitted price is whatever the log says at
// append time, guarded by the slippage gate.
func (s *Server) GetPrice(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	amount := 1
	if v := r.URL.Query().Get("amount"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "amount must be a positive integer", http.StatusBadRequest)
			return
		}
		amount = n
	}

	m, err := s.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	buy, err := m.PriceOfBuy(token, num.AmountToken(amount))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sell, err := m.GainOfSell(token, num.AmountToken(amount))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PriceQuote{
		TokenName:    token,
		AmountToken:  int32(amount),
		BuyCoin:      int32(buy),
		SellGainCoin: int32(sell),
	})
}

// PlaceOrder handles POST /api/v1/markets/{marketID}/orders.
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	order, err := s.engine.PlaceOrder(r.Context(), req.UserID, marketID,
		req.TokenName, num.AmountToken(req.AmountToken), num.AmountCoin(req.ExpectedCoin))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.hub != nil {
		s.broadcastOrder(r.Context(), marketID, order)
	}
	writeJSON(w, http.StatusCreated, order)
}

// broadcastOrder pushes the accepted order and refreshed quotes to the
// WebSocket feed. Best effort: quote lookup failures drop the quotes, not
// the event.
func (s *Server) broadcastOrder(ctx context.Context, marketID string, order model.Order) {
	msg := OrderEvent{
		Type:        "order_accepted",
		MarketID:    marketID,
		Serial:      order.Serial,
		UserID:      order.UserID,
		TokenName:   order.TokenName,
		AmountToken: int32(order.AmountToken),
		AmountCoin:  int32(order.AmountCoin),
	}
	if m, err := s.engine.GetMarket(ctx, marketID); err == nil && m.Status == model.StatusOpen {
		for _, q := range m.Quotes() {
			msg.Quotes = append(msg.Quotes, QuoteEvent{
				TokenName:   q.TokenName,
				Probability: q.Probability,
			})
		}
	}
	s.hub.Broadcast(msg)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve.
func (s *Server) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.ResolveMarket(r.Context(), req.UserID, marketID, req.WinningToken); err != nil {
		writeDomainError(w, err)
		return
	}

	m, err := s.engine.GetMarket(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketView(m))
}

// GetUserPosition handles GET /api/v1/markets/{marketID}/users/{userID}.
func (s *Server) GetUserPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.GetUserPosition(r.Context(),
		chi.URLParam(r, "userID"), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// --- Error mapping ---

// slipResponse carries the computed price back so a client can adjust its
// estimate and retry.
type slipResponse struct {
	Error        string          `json:"error"`
	ComputedCoin int32           `json:"computed_coin"`
	ExpectedCoin int32           `json:"expected_coin"`
	MaxSlipRate  decimal.Decimal `json:"max_slip_rate"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	var slip *model.PriceSlipError
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, "market not found", http.StatusNotFound)
	case errors.Is(err, model.ErrWrongState):
		writeError(w, "market is in the wrong state for this operation", http.StatusConflict)
	case errors.Is(err, model.ErrInvalidToken):
		writeError(w, "unknown token name", http.StatusBadRequest)
	case errors.Is(err, model.ErrInvalidAmountToken):
		writeError(w, "amount_token must be non-zero", http.StatusBadRequest)
	case errors.Is(err, model.ErrInsufficientBalance):
		writeError(w, "insufficient balance", http.StatusConflict)
	case errors.Is(err, model.ErrUnauthorized):
		writeError(w, "not allowed", http.StatusForbidden)
	case errors.As(err, &slip):
		writeJSON(w, http.StatusConflict, slipResponse{
			Error:        "price moved beyond the slippage tolerance",
			ComputedCoin: int32(slip.Computed),
			ExpectedCoin: int32(slip.Expected),
			MaxSlipRate:  decimal.NewFromFloat(model.MaxSlipRate),
		})
	default:
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
