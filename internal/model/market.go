// Package model defines the market aggregate at the heart of the order
// engine: the lifecycle state machine, the append-only order log, and the
// admission rules for buying and selling outcome tokens against the LMSR
// market maker.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokenbay/market-engine/internal/lmsr"
	"github.com/tokenbay/market-engine/internal/num"
)

const (
	// InitialSupplyCoin is the fixed grant credited by a user's implicit
	// CoinSupply order, the first order they ever place in a market.
	InitialSupplyCoin num.AmountCoin = 10000

	// RewardCoinPerToken is the settlement value of one winning token.
	RewardCoinPerToken num.AmountCoin = 1000

	// MaxSlipRate is the maximum tolerated fractional divergence between
	// the expected and computed price of an order. Boundaries reject.
	MaxSlipRate = 0.05
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	StatusUpcoming MarketStatus = "upcoming"
	StatusOpen     MarketStatus = "open"
	StatusClosed   MarketStatus = "closed"
	StatusResolved MarketStatus = "resolved"
)

// Token is one outcome of a market. The name is unique within the market
// and is the stable key for all per-token operations.
type Token struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// Prize describes a reward item attached to a market.
type Prize struct {
	ID           int32  `json:"id"`
	Name         string `json:"name"`
	ThumbnailURL string `json:"thumbnail_url"`
	Target       string `json:"target"`
}

// TokenQuote is a display-only instantaneous price for one token.
type TokenQuote struct {
	TokenName   string          `json:"token_name"`
	Probability decimal.Decimal `json:"probability"`
}

// MarketAttrs are the invariant attributes of a market, fixed at creation.
type MarketAttrs struct {
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	OrganizerID      string    `json:"organizer_id"`
	LmsrB            num.B     `json:"lmsr_b"`
	TotalRewardPoint num.Point `json:"total_reward_point"`
	Open             time.Time `json:"open"`
	Close            time.Time `json:"close"`
	Tokens           []Token   `json:"tokens"`
	Prizes           []Prize   `json:"prizes"`
}

// HasToken reports whether the given token name belongs to the market.
func (a *MarketAttrs) HasToken(name string) bool {
	for _, t := range a.Tokens {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (a *MarketAttrs) validate() error {
	if a.Title == "" {
		return fmt.Errorf("market: title must not be empty")
	}
	if a.OrganizerID == "" {
		return fmt.Errorf("market: organizer must be set")
	}
	if a.LmsrB == 0 {
		return fmt.Errorf("market: lmsr b must be positive")
	}
	if len(a.Tokens) == 0 {
		return fmt.Errorf("market: at least one token is required")
	}
	seen := make(map[string]bool, len(a.Tokens))
	for _, t := range a.Tokens {
		if t.Name == "" {
			return fmt.Errorf("market: token name must not be empty")
		}
		if seen[t.Name] {
			return fmt.Errorf("market: duplicate token name %q", t.Name)
		}
		seen[t.Name] = true
	}
	if len(a.Prizes) == 0 {
		return fmt.Errorf("market: at least one prize is required")
	}
	if !a.Close.After(a.Open) {
		return fmt.Errorf("market: close time must be after open time")
	}
	return nil
}

// Market is the aggregate: invariant attributes, lifecycle status, the
// per-market order log, and a cached token distribution derived from it.
// The log is authoritative; the distribution cache is reconstructible.
type Market struct {
	ID     string
	Attrs  MarketAttrs
	Status MarketStatus
	Orders *OrderLog

	// Set only in StatusResolved.
	ResolvedTokenName string
	RewardRecords     map[string]num.Point

	distribution map[string]num.AmountToken
}

// NewMarket creates a fresh Upcoming market with an empty order log.
func NewMarket(attrs MarketAttrs) (*Market, error) {
	if err := attrs.validate(); err != nil {
		return nil, err
	}
	m := &Market{
		ID:     uuid.NewString(),
		Attrs:  attrs,
		Status: StatusUpcoming,
		Orders: NewOrderLog(),
	}
	m.rebuildDistribution()
	return m, nil
}

// RestoreMarket rebuilds an aggregate from persisted state. The token
// distribution cache is recomputed from the log, never loaded.
func RestoreMarket(id string, attrs MarketAttrs, status MarketStatus, log *OrderLog, resolvedTokenName string, rewardRecords map[string]num.Point) (*Market, error) {
	if err := attrs.validate(); err != nil {
		return nil, err
	}
	if status == StatusResolved && resolvedTokenName == "" {
		panic("market: resolved market without winning token")
	}
	m := &Market{
		ID:                id,
		Attrs:             attrs,
		Status:            status,
		Orders:            log,
		ResolvedTokenName: resolvedTokenName,
		RewardRecords:     rewardRecords,
	}
	m.rebuildDistribution()
	return m, nil
}

func (m *Market) rebuildDistribution() {
	dist := make(map[string]num.AmountToken, len(m.Attrs.Tokens))
	for _, t := range m.Attrs.Tokens {
		dist[t.Name] = 0
	}
	for _, o := range m.Orders.Orders() {
		if o.Type == OrderNormal {
			dist[o.TokenName] = dist[o.TokenName].Add(o.AmountToken)
		}
	}
	m.distribution = dist
}

// TokenDistribution returns the net token supply per token name,
// accumulated across all Normal orders. The returned map is a copy.
func (m *Market) TokenDistribution() map[string]num.AmountToken {
	out := make(map[string]num.AmountToken, len(m.distribution))
	for k, v := range m.distribution {
		out[k] = v
	}
	return out
}

// distributionValues lists the supplies in the market's declared token
// order. The fixed order keeps LMSR cost evaluation deterministic.
func (m *Market) distributionValues() []num.AmountToken {
	values := make([]num.AmountToken, len(m.Attrs.Tokens))
	for i, t := range m.Attrs.Tokens {
		values[i] = m.distribution[t.Name]
	}
	return values
}

// Quotes returns the instantaneous probability of each token in declared
// order. Display-only.
func (m *Market) Quotes() []TokenQuote {
	probs := lmsr.Probabilities(m.Attrs.LmsrB, m.distributionValues())
	quotes := make([]TokenQuote, len(m.Attrs.Tokens))
	for i, t := range m.Attrs.Tokens {
		quotes[i] = TokenQuote{TokenName: t.Name, Probability: probs[i]}
	}
	return quotes
}

// Open transitions Upcoming → Open once the open time has arrived.
func (m *Market) Open(now time.Time) error {
	if m.Status != StatusUpcoming {
		return ErrWrongState
	}
	if now.Before(m.Attrs.Open) {
		return ErrWrongState
	}
	m.Status = StatusOpen
	return nil
}

// Close transitions Open → Closed once the close time has arrived.
func (m *Market) Close(now time.Time) error {
	if m.Status != StatusOpen {
		return ErrWrongState
	}
	if now.Before(m.Attrs.Close) {
		return ErrWrongState
	}
	m.Status = StatusClosed
	return nil
}

// SupplyInitialCoin appends the user's CoinSupply order. It must be, and is
// verified to be, the user's first order in this market. Emitted on demand
// by the admission protocol, never requested by a user.
func (m *Market) SupplyInitialCoin(userID string, now time.Time) (*Order, error) {
	if m.Status != StatusOpen {
		return nil, ErrWrongState
	}
	if m.Orders.HasTraded(userID) {
		return nil, fmt.Errorf("market: user %s already received the initial supply", userID)
	}
	return m.Orders.appendCoinSupply(userID, InitialSupplyCoin, now), nil
}

// CostOfOrder computes the signed coin delta of trading amountToken units
// of the given token at the current distribution:
//
//	Δcoin = cost(b, q) − cost(b, q′)
//
// The sign of the result is opposite to the sign of amountToken: buying
// debits coin, selling credits it.
func (m *Market) CostOfOrder(tokenName string, amountToken num.AmountToken) num.AmountCoin {
	b := m.Attrs.LmsrB
	current := lmsr.Cost(b, m.distributionValues())

	next := m.distributionValues()
	for i, t := range m.Attrs.Tokens {
		if t.Name == tokenName {
			next[i] = next[i].Add(amountToken)
		}
	}
	return current.Sub(lmsr.Cost(b, next))
}

// PriceOfBuy returns the positive coin price of buying amountToken > 0
// units. Defined only while the market is Open.
func (m *Market) PriceOfBuy(tokenName string, amountToken num.AmountToken) (num.AmountCoin, error) {
	if m.Status != StatusOpen {
		return 0, ErrWrongState
	}
	if !m.Attrs.HasToken(tokenName) {
		return 0, ErrInvalidToken
	}
	if amountToken <= 0 {
		return 0, ErrInvalidAmountToken
	}
	return m.CostOfOrder(tokenName, amountToken).Neg(), nil
}

// GainOfSell returns the positive coin credit of selling amountToken > 0
// units. Defined only while the market is Open.
func (m *Market) GainOfSell(tokenName string, amountToken num.AmountToken) (num.AmountCoin, error) {
	if m.Status != StatusOpen {
		return 0, ErrWrongState
	}
	if !m.Attrs.HasToken(tokenName) {
		return 0, ErrInvalidToken
	}
	if amountToken <= 0 {
		return 0, ErrInvalidAmountToken
	}
	return m.CostOfOrder(tokenName, amountToken.Neg()), nil
}

// AddNormalOrder runs the admission checks for a buy (amountToken > 0) or
// sell (amountToken < 0) and appends the resulting Normal order. The checks
// run in a fixed sequence; the first failure wins and leaves the log
// untouched. expectedCoin is the caller's absolute price estimate.
func (m *Market) AddNormalOrder(userID, tokenName string, amountToken num.AmountToken, expectedCoin num.AmountCoin, now time.Time) (*Order, error) {
	if m.Status != StatusOpen {
		return nil, ErrWrongState
	}
	if !m.Attrs.HasToken(tokenName) {
		return nil, ErrInvalidToken
	}
	if amountToken == 0 {
		return nil, ErrInvalidAmountToken
	}

	price := m.CostOfOrder(tokenName, amountToken)

	if !price.Abs().IsAround(expectedCoin.Abs(), MaxSlipRate) {
		return nil, &PriceSlipError{Computed: price, Expected: expectedCoin.Abs()}
	}

	if amountToken > 0 {
		// Buy: the coin balance must stay non-negative.
		if m.Orders.CoinBalance(userID).Add(price) < 0 {
			return nil, ErrInsufficientBalance
		}
	} else {
		// Sell: the token balance must stay non-negative (no shorting).
		if m.Orders.TokenBalance(userID, tokenName).Add(amountToken) < 0 {
			return nil, ErrInsufficientBalance
		}
	}

	order := m.Orders.appendNormal(userID, tokenName, amountToken, price, now)
	m.distribution[tokenName] = m.distribution[tokenName].Add(amountToken)
	return order, nil
}

// Resolve transitions Closed → Resolved with the given winning token,
// appending one Reward order per holder with a positive balance. Each
// Reward zeroes the holder's winning tokens and credits their settlement
// value in coin. Reward records are assigned separately once the point
// allocation has been computed from the post-reward log.
func (m *Market) Resolve(winningToken string, now time.Time) ([]Order, error) {
	if m.Status != StatusClosed {
		return nil, ErrWrongState
	}
	if !m.Attrs.HasToken(winningToken) {
		return nil, ErrInvalidToken
	}

	holders := m.Orders.HoldersOf(winningToken)

	// Walk users in first-trade order so reward serials are deterministic.
	var rewards []Order
	for _, userID := range m.Orders.Users() {
		h, ok := holders[userID]
		if !ok || h <= 0 {
			continue
		}
		o := m.Orders.appendReward(userID, winningToken, h.Neg(), RewardCoinPerToken.Mul(int32(h)), now)
		rewards = append(rewards, *o)
	}

	m.Status = StatusResolved
	m.ResolvedTokenName = winningToken
	m.RewardRecords = make(map[string]num.Point)
	return rewards, nil
}

// SetRewardRecords stores the per-user point allocation. Only valid on a
// Resolved market.
func (m *Market) SetRewardRecords(records map[string]num.Point) error {
	if m.Status != StatusResolved {
		return ErrWrongState
	}
	m.RewardRecords = records
	return nil
}
