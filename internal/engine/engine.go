// Package engine exposes the inward-facing operations of the order engine:
// market creation, the buy/sell admission protocol, lifecycle sweeps,
// resolution with reward distribution, and read-side queries. HTTP handlers
// and job runners call into this package; it never touches the transport.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/tokenbay/market-engine/internal/clock"
	"github.com/tokenbay/market-engine/internal/metrics"
	"github.com/tokenbay/market-engine/internal/model"
	"github.com/tokenbay/market-engine/internal/num"
	"github.com/tokenbay/market-engine/internal/store"
)

// ErrServer wraps persistence and infrastructure faults. Callers may retry;
// the transaction that hit the fault was rolled back.
var ErrServer = errors.New("engine: internal server error")

// Identity answers admin checks for gated operations. The engine never
// authenticates; it receives validated user ids from its caller.
type Identity interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Bernoulli supplies independent fair draws with rational bias: Draw
// returns true with probability numerator/denominator. Seeded sources are
// used in tests.
type Bernoulli interface {
	Draw(numerator, denominator int64) bool
}

// SystemRand draws from the shared math/rand source.
type SystemRand struct{}

func (SystemRand) Draw(numerator, denominator int64) bool {
	if numerator <= 0 {
		return false
	}
	if numerator >= denominator {
		return true
	}
	return rand.Int63n(denominator) < numerator
}

// Service coordinates the admission protocol and lifecycle transitions
// over the persistence adapter. All mutual exclusion is per market, owned
// by the store; the service itself holds no locks.
type Service struct {
	store    store.Store
	clock    clock.Clock
	rand     Bernoulli
	identity Identity
}

// New creates an engine service.
func New(st store.Store, clk clock.Clock, rnd Bernoulli, identity Identity) *Service {
	return &Service{store: st, clock: clk, rand: rnd, identity: identity}
}

// domainErr reports whether err belongs to the client-facing taxonomy and
// must pass through unwrapped.
func domainErr(err error) bool {
	var slip *model.PriceSlipError
	return errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrWrongState) ||
		errors.Is(err, model.ErrInvalidToken) ||
		errors.Is(err, model.ErrInvalidAmountToken) ||
		errors.Is(err, model.ErrInsufficientBalance) ||
		errors.Is(err, model.ErrUnauthorized) ||
		errors.As(err, &slip)
}

// asServerError passes domain errors through and wraps everything else as
// an infrastructure fault.
func asServerError(err error) error {
	if err == nil || domainErr(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrServer, err)
}

// CreateMarket validates the attributes and persists a fresh Upcoming
// market, returning its id.
func (s *Service) CreateMarket(ctx context.Context, attrs model.MarketAttrs) (string, error) {
	m, err := model.NewMarket(attrs)
	if err != nil {
		return "", err
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		return "", asServerError(err)
	}

	metrics.MarketsCreated.Inc()
	slog.Info("market created",
		"market_id", m.ID,
		"title", attrs.Title,
		"lmsr_b", uint32(attrs.LmsrB),
		"tokens", len(attrs.Tokens),
	)
	return m.ID, nil
}

// PlaceOrder runs the admission protocol for one buy or sell under the
// market's exclusive lock: state, token, and amount checks; the implicit
// CoinSupply when the user first trades; LMSR pricing against the current
// log; the slippage gate; the balance floor; and the append. Any rejection
// rolls the whole transaction back, including the CoinSupply.
func (s *Service) PlaceOrder(ctx context.Context, userID, marketID, tokenName string, amountToken num.AmountToken, expectedCoin num.AmountCoin) (model.Order, error) {
	now := s.clock.Now()

	var placed model.Order
	err := s.store.UpdateMarket(ctx, marketID, func(m *model.Market) error {
		if m.Status != model.StatusOpen {
			return model.ErrWrongState
		}
		if !m.Attrs.HasToken(tokenName) {
			return model.ErrInvalidToken
		}
		if amountToken == 0 {
			return model.ErrInvalidAmountToken
		}

		if !m.Orders.HasTraded(userID) {
			if _, err := m.SupplyInitialCoin(userID, now); err != nil {
				return err
			}
		}

		order, err := m.AddNormalOrder(userID, tokenName, amountToken, expectedCoin, now)
		if err != nil {
			return err
		}
		placed = *order
		return nil
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return model.Order{}, asServerError(err)
	}

	metrics.OrdersAccepted.Inc()
	slog.Info("order accepted",
		"market_id", marketID,
		"user_id", userID,
		"token", tokenName,
		"serial", placed.Serial,
		"amount_token", int32(placed.AmountToken),
		"amount_coin", int32(placed.AmountCoin),
	)
	return placed, nil
}

func rejectReason(err error) string {
	var slip *model.PriceSlipError
	switch {
	case errors.Is(err, model.ErrWrongState):
		return "wrong_state"
	case errors.Is(err, model.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, model.ErrInvalidAmountToken):
		return "invalid_amount"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.As(err, &slip):
		return "price_slip"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "server_error"
	}
}

// ResolveMarket resolves a Closed market on the winning token: Reward
// orders zero out winning holdings at the settlement rate, then the point
// budget is split across users by coin balance with probabilistic rounding.
// Gated to the market's organizer or an admin.
func (s *Service) ResolveMarket(ctx context.Context, callerID, marketID, winningToken string) error {
	now := s.clock.Now()

	err := s.store.UpdateMarket(ctx, marketID, func(m *model.Market) error {
		if callerID != m.Attrs.OrganizerID {
			admin, err := s.identity.IsAdmin(ctx, callerID)
			if err != nil {
				return err
			}
			if !admin {
				return model.ErrUnauthorized
			}
		}

		if _, err := m.Resolve(winningToken, now); err != nil {
			return err
		}

		records := allocateRewardPoints(m, s.rand)
		return m.SetRewardRecords(records)
	})
	if err != nil {
		return asServerError(err)
	}

	metrics.MarketsResolved.Inc()
	slog.Info("market resolved",
		"market_id", marketID,
		"winning_token", winningToken,
		"resolved_by", callerID,
	)
	return nil
}

// OpenReadyMarkets transitions every Upcoming market whose open time has
// arrived. Safe to run from multiple workers: a market already opened by a
// sibling is observed and skipped.
func (s *Service) OpenReadyMarkets(ctx context.Context) ([]string, error) {
	now := s.clock.Now()
	ids, err := s.store.MarketIDsReadyToOpen(ctx, now)
	if err != nil {
		return nil, asServerError(err)
	}

	var opened []string
	for _, id := range ids {
		err := s.store.UpdateMarket(ctx, id, func(m *model.Market) error {
			return m.Open(now)
		})
		switch {
		case err == nil:
			opened = append(opened, id)
			metrics.MarketsOpened.Inc()
			slog.Info("market opened", "market_id", id)
		case errors.Is(err, model.ErrWrongState), errors.Is(err, model.ErrNotFound):
			// Another worker got there first.
		default:
			return opened, asServerError(err)
		}
	}
	return opened, nil
}

// CloseReadyMarkets transitions every Open market whose close time has
// arrived. Symmetric to OpenReadyMarkets.
func (s *Service) CloseReadyMarkets(ctx context.Context) ([]string, error) {
	now := s.clock.Now()
	ids, err := s.store.MarketIDsReadyToClose(ctx, now)
	if err != nil {
		return nil, asServerError(err)
	}

	var closed []string
	for _, id := range ids {
		err := s.store.UpdateMarket(ctx, id, func(m *model.Market) error {
			return m.Close(now)
		})
		switch {
		case err == nil:
			closed = append(closed, id)
			metrics.MarketsClosed.Inc()
			slog.Info("market closed", "market_id", id)
		case errors.Is(err, model.ErrWrongState), errors.Is(err, model.ErrNotFound):
			// Another worker got there first.
		default:
			return closed, asServerError(err)
		}
	}
	return closed, nil
}

// GetMarket returns a committed snapshot of the aggregate.
func (s *Service) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, asServerError(err)
	}
	return m, nil
}

// ListMarkets returns committed snapshots, optionally filtered by status.
func (s *Service) ListMarkets(ctx context.Context, status model.MarketStatus) ([]*model.Market, error) {
	markets, err := s.store.ListMarkets(ctx, status)
	if err != nil {
		return nil, asServerError(err)
	}
	return markets, nil
}

// ListOrders returns a market's log in serial order, optionally filtered
// to a single user and optionally newest first.
func (s *Service) ListOrders(ctx context.Context, marketID, userID string, newestFirst bool) ([]model.Order, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, asServerError(err)
	}
	if userID == "" {
		if newestFirst {
			return m.Orders.OrdersRev(), nil
		}
		return m.Orders.Orders(), nil
	}
	orders := m.Orders.OrdersForUser(userID)
	if newestFirst {
		for i, j := 0, len(orders)-1; i < j; i, j = i+1, j-1 {
			orders[i], orders[j] = orders[j], orders[i]
		}
	}
	return orders, nil
}

// Position is a user's holdings in one market, folded from the log.
type Position struct {
	UserID   string                     `json:"user_id"`
	MarketID string                     `json:"market_id"`
	Coin     num.AmountCoin             `json:"coin"`
	Tokens   map[string]num.AmountToken `json:"tokens"`
}

// GetUserPosition folds the user's coin and per-token balances. A user who
// never traded in the market holds zero of everything.
func (s *Service) GetUserPosition(ctx context.Context, userID, marketID string) (Position, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return Position{}, asServerError(err)
	}

	tokens := make(map[string]num.AmountToken, len(m.Attrs.Tokens))
	for _, t := range m.Attrs.Tokens {
		tokens[t.Name] = m.Orders.TokenBalance(userID, t.Name)
	}
	return Position{
		UserID:   userID,
		MarketID: marketID,
		Coin:     m.Orders.CoinBalance(userID),
		Tokens:   tokens,
	}, nil
}
