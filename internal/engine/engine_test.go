package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tokenbay/market-engine/internal/clock"
	"github.com/tokenbay/market-engine/internal/engine"
	"github.com/tokenbay/market-engine/internal/model"
	"github.com/tokenbay/market-engine/internal/num"
	"github.com/tokenbay/market-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fixedDraw is a Bernoulli source that always answers the same way, which
// pins the probabilistic rounding to its floor or ceiling.
type fixedDraw bool

func (f fixedDraw) Draw(_, _ int64) bool { return bool(f) }

// admins is a static admin set.
type admins map[string]bool

func (a admins) IsAdmin(_ context.Context, userID string) (bool, error) {
	return a[userID], nil
}

type testEnv struct {
	svc   *engine.Service
	store *store.MemoryStore
	clk   *clock.Fixed
}

func newTestEnv(t *testing.T, draw fixedDraw) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	clk := &clock.Fixed{T: t0}
	svc := engine.New(ms, clk, draw, admins{"root": true})
	return &testEnv{svc: svc, store: ms, clk: clk}
}

func (e *testEnv) createMarket(t *testing.T) string {
	t.Helper()
	id, err := e.svc.CreateMarket(context.Background(), model.MarketAttrs{
		Title:            "Who wins the final?",
		OrganizerID:      "organizer",
		LmsrB:            30,
		TotalRewardPoint: 1000,
		Open:             t0,
		Close:            t0.Add(24 * time.Hour),
		Tokens: []model.Token{
			{Name: "alpha"},
			{Name: "beta"},
		},
		Prizes: []model.Prize{
			{ID: 1, Name: "sticker", Target: "all"},
		},
	})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return id
}

func (e *testEnv) createOpenMarket(t *testing.T) string {
	t.Helper()
	id := e.createMarket(t)
	opened, err := e.svc.OpenReadyMarkets(context.Background())
	if err != nil {
		t.Fatalf("OpenReadyMarkets: %v", err)
	}
	if len(opened) != 1 || opened[0] != id {
		t.Fatalf("expected [%s] opened, got %v", id, opened)
	}
	return id
}

// buy prices the trade against a committed snapshot and places it with the
// exact estimate.
func (e *testEnv) buy(t *testing.T, marketID, user, token string, amount num.AmountToken) model.Order {
	t.Helper()
	ctx := context.Background()
	m, err := e.svc.GetMarket(ctx, marketID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	price, err := m.PriceOfBuy(token, amount)
	if err != nil {
		t.Fatalf("PriceOfBuy: %v", err)
	}
	o, err := e.svc.PlaceOrder(ctx, user, marketID, token, amount, price)
	if err != nil {
		t.Fatalf("PlaceOrder(%s buys %d %s): %v", user, amount, token, err)
	}
	return o
}

func TestPlaceOrder_FirstTradeGrantsSupply(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createOpenMarket(t)

	o := env.buy(t, id, "alice", "alpha", 1)
	if o.Serial != 1 {
		t.Errorf("expected the trade at serial 1 after the grant, got %d", o.Serial)
	}

	orders, err := env.svc.ListOrders(context.Background(), id, "", false)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].Type != model.OrderCoinSupply || orders[0].UserID != "alice" {
		t.Errorf("expected alice's coin supply first, got %+v", orders[0])
	}
	if orders[1].Type != model.OrderNormal {
		t.Errorf("expected normal order second, got %+v", orders[1])
	}

	// The grant is not repeated on later trades.
	env.buy(t, id, "alice", "alpha", 1)
	orders, _ = env.svc.ListOrders(context.Background(), id, "", false)
	if len(orders) != 3 {
		t.Errorf("expected 3 orders after second trade, got %d", len(orders))
	}
}

func TestPlaceOrder_RejectionRollsBackSupply(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createOpenMarket(t)

	// Estimate far off the computed 504 trips the slippage gate.
	_, err := env.svc.PlaceOrder(context.Background(), "alice", id, "alpha", 1, 10)
	var slip *model.PriceSlipError
	if !errors.As(err, &slip) {
		t.Fatalf("expected PriceSlipError, got %v", err)
	}

	// The implicit coin supply must have been rolled back with the trade.
	orders, err := env.svc.ListOrders(context.Background(), id, "", false)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("expected empty log after rollback, got %d orders", len(orders))
	}

	// A later honest trade still works and carries the grant.
	env.buy(t, id, "alice", "alpha", 1)
	orders, _ = env.svc.ListOrders(context.Background(), id, "", false)
	if len(orders) != 2 {
		t.Errorf("expected 2 orders, got %d", len(orders))
	}
}

func TestPlaceOrder_ConcurrentBuysSerialize(t *testing.T) {
	// Two simultaneous buys priced against the same pristine market: the
	// store admits them one at a time, so the log stays densely serialed
	// and whoever lands second pays the repriced cost. At b=30 the first
	// alpha costs 504 and the next 513, inside the 5% tolerance, so both
	// commit.
	env := newTestEnv(t, false)
	id := env.createOpenMarket(t)
	ctx := context.Background()

	m, err := env.svc.GetMarket(ctx, id)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	estimate, err := m.PriceOfBuy("alpha", 1)
	if err != nil {
		t.Fatalf("PriceOfBuy: %v", err)
	}
	if estimate != 504 {
		t.Fatalf("expected estimate 504, got %d", estimate)
	}

	users := []string{"alice", "bob"}
	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, errs[i] = env.svc.PlaceOrder(ctx, u, id, "alpha", 1, estimate)
		}(i, u)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("PlaceOrder(%s): %v", users[i], err)
		}
	}

	orders, err := env.svc.ListOrders(ctx, id, "", false)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 4 {
		t.Fatalf("expected 4 orders (two grants, two trades), got %d", len(orders))
	}
	for i, o := range orders {
		if o.Serial != int32(i) {
			t.Fatalf("expected dense serials, got %d at position %d", o.Serial, i)
		}
	}

	// Each admission saw the log left by the previous one.
	var trades []model.Order
	for _, o := range orders {
		if o.Type == model.OrderNormal {
			trades = append(trades, o)
		}
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].AmountCoin != -504 || trades[1].AmountCoin != -513 {
		t.Errorf("expected trade costs -504 then -513, got %d and %d",
			trades[0].AmountCoin, trades[1].AmountCoin)
	}

	// Both users carry their own grant followed by their trade.
	for _, u := range users {
		mine, err := env.svc.ListOrders(ctx, id, u, false)
		if err != nil {
			t.Fatalf("ListOrders(%s): %v", u, err)
		}
		if len(mine) != 2 || mine[0].Type != model.OrderCoinSupply || mine[1].Type != model.OrderNormal {
			t.Errorf("expected %s's grant then trade, got %+v", u, mine)
		}
	}
}

func TestPlaceOrder_BeforeOpen(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createMarket(t)

	_, err := env.svc.PlaceOrder(context.Background(), "alice", id, "alpha", 1, 504)
	if !errors.Is(err, model.ErrWrongState) {
		t.Errorf("expected ErrWrongState, got %v", err)
	}
}

func TestPlaceOrder_UnknownMarket(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.svc.PlaceOrder(context.Background(), "alice", "nope", "alpha", 1, 504)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSweeps_OpenThenClose(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createMarket(t)
	ctx := context.Background()

	m, _ := env.svc.GetMarket(ctx, id)
	if m.Status != model.StatusUpcoming {
		t.Fatalf("expected upcoming, got %s", m.Status)
	}

	if _, err := env.svc.OpenReadyMarkets(ctx); err != nil {
		t.Fatalf("OpenReadyMarkets: %v", err)
	}
	m, _ = env.svc.GetMarket(ctx, id)
	if m.Status != model.StatusOpen {
		t.Fatalf("expected open, got %s", m.Status)
	}

	// Nothing to close until the close time arrives.
	closed, err := env.svc.CloseReadyMarkets(ctx)
	if err != nil {
		t.Fatalf("CloseReadyMarkets: %v", err)
	}
	if len(closed) != 0 {
		t.Fatalf("expected no closes yet, got %v", closed)
	}

	env.clk.Advance(24 * time.Hour)
	closed, err = env.svc.CloseReadyMarkets(ctx)
	if err != nil {
		t.Fatalf("CloseReadyMarkets: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("expected 1 close, got %v", closed)
	}
	m, _ = env.svc.GetMarket(ctx, id)
	if m.Status != model.StatusClosed {
		t.Errorf("expected closed, got %s", m.Status)
	}

	// Idempotent: a second sweep finds nothing.
	closed, _ = env.svc.CloseReadyMarkets(ctx)
	if len(closed) != 0 {
		t.Errorf("expected nothing on second sweep, got %v", closed)
	}
}

func TestResolveMarket_Authorization(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createOpenMarket(t)
	env.clk.Advance(24 * time.Hour)
	if _, err := env.svc.CloseReadyMarkets(context.Background()); err != nil {
		t.Fatalf("CloseReadyMarkets: %v", err)
	}

	// Random users may not resolve.
	err := env.svc.ResolveMarket(context.Background(), "mallory", id, "alpha")
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	// The organizer may. Nobody traded, so resolution settles nothing.
	if err := env.svc.ResolveMarket(context.Background(), "organizer", id, "alpha"); err != nil {
		t.Fatalf("organizer resolve: %v", err)
	}
	m, err := env.svc.GetMarket(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.Status != model.StatusResolved {
		t.Fatalf("expected resolved, got %s", m.Status)
	}
	if got := m.Orders.Len(); got != 0 {
		t.Errorf("expected empty log after no-participant resolution, got %d orders", got)
	}
	if len(m.RewardRecords) != 0 {
		t.Errorf("expected no reward records, got %v", m.RewardRecords)
	}
}

func TestResolveMarket_AdminMay(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createOpenMarket(t)
	env.clk.Advance(24 * time.Hour)
	env.svc.CloseReadyMarkets(context.Background())

	if err := env.svc.ResolveMarket(context.Background(), "root", id, "alpha"); err != nil {
		t.Fatalf("admin resolve: %v", err)
	}
}

func TestResolveMarket_RequiresClosed(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createOpenMarket(t)

	err := env.svc.ResolveMarket(context.Background(), "organizer", id, "alpha")
	if !errors.Is(err, model.ErrWrongState) {
		t.Errorf("expected ErrWrongState, got %v", err)
	}
}

// resolveScenario runs two users through a fixed trade sequence and
// resolves on alpha. With b=30: alice pays 504 for 1 alpha, bob then pays
// 496 for 1 beta. After settlement alice holds 10496 coin, bob 9504.
func resolveScenario(t *testing.T, draw fixedDraw) map[string]num.Point {
	t.Helper()
	env := newTestEnv(t, draw)
	id := env.createOpenMarket(t)
	ctx := context.Background()

	env.buy(t, id, "alice", "alpha", 1)
	env.buy(t, id, "bob", "beta", 1)

	env.clk.Advance(24 * time.Hour)
	if _, err := env.svc.CloseReadyMarkets(ctx); err != nil {
		t.Fatalf("CloseReadyMarkets: %v", err)
	}
	if err := env.svc.ResolveMarket(ctx, "organizer", id, "alpha"); err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}

	alice, err := env.svc.GetUserPosition(ctx, "alice", id)
	if err != nil {
		t.Fatalf("GetUserPosition: %v", err)
	}
	if alice.Coin != 10496 {
		t.Fatalf("expected alice at 10496 coin after settlement, got %d", alice.Coin)
	}
	if alice.Tokens["alpha"] != 0 {
		t.Fatalf("expected alice's alpha zeroed, got %d", alice.Tokens["alpha"])
	}
	bob, _ := env.svc.GetUserPosition(ctx, "bob", id)
	if bob.Coin != 9504 {
		t.Fatalf("expected bob at 9504 coin, got %d", bob.Coin)
	}

	m, err := env.svc.GetMarket(ctx, id)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	return m.RewardRecords
}

func TestResolveMarket_PointAllocation(t *testing.T) {
	// Exact shares: budget 1000, denominator 10000*2.
	// alice: 1000*10496/20000 = 524 rem 16000/20000
	// bob:   1000*9504/20000  = 475 rem  4000/20000

	floor := resolveScenario(t, false)
	if floor["alice"] != 524 || floor["bob"] != 475 {
		t.Errorf("floor rounding: expected alice=524 bob=475, got %v", floor)
	}

	ceil := resolveScenario(t, true)
	if ceil["alice"] != 525 || ceil["bob"] != 476 {
		t.Errorf("ceiling rounding: expected alice=525 bob=476, got %v", ceil)
	}
}

func TestGetUserPosition_NeverTraded(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createOpenMarket(t)

	pos, err := env.svc.GetUserPosition(context.Background(), "ghost", id)
	if err != nil {
		t.Fatalf("GetUserPosition: %v", err)
	}
	if pos.Coin != 0 {
		t.Errorf("expected 0 coin, got %d", pos.Coin)
	}
	for name, bal := range pos.Tokens {
		if bal != 0 {
			t.Errorf("expected 0 %s, got %d", name, bal)
		}
	}
}

func TestListOrders_UserFilter(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createOpenMarket(t)

	env.buy(t, id, "alice", "alpha", 1)
	env.buy(t, id, "bob", "beta", 1)

	orders, err := env.svc.ListOrders(context.Background(), id, "bob", false)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected bob's 2 orders, got %d", len(orders))
	}
	for _, o := range orders {
		if o.UserID != "bob" {
			t.Errorf("expected only bob's orders, got %+v", o)
		}
	}

	// Newest first reverses the serial order.
	rev, err := env.svc.ListOrders(context.Background(), id, "", true)
	if err != nil {
		t.Fatalf("ListOrders desc: %v", err)
	}
	if len(rev) != 4 {
		t.Fatalf("expected 4 orders, got %d", len(rev))
	}
	for i := 1; i < len(rev); i++ {
		if rev[i].Serial >= rev[i-1].Serial {
			t.Fatalf("expected descending serials, got %d then %d", rev[i-1].Serial, rev[i].Serial)
		}
	}
}
