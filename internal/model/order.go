package model

import (
	"fmt"
	"time"

	"github.com/tokenbay/market-engine/internal/num"
)

// OrderType discriminates the three kinds of log entries.
type OrderType string

const (
	// OrderCoinSupply is the synthetic first order crediting a user with
	// their initial coin grant in a market. Emitted at most once per
	// (user, market), always as the user's first entry.
	OrderCoinSupply OrderType = "coin_supply"

	// OrderNormal is a user-requested buy or sell of outcome tokens.
	OrderNormal OrderType = "normal"

	// OrderReward is the settlement order emitted at resolution for
	// winning-token holders.
	OrderReward OrderType = "reward"
)

// Order is an immutable entry in a market's serial log. Once appended,
// orders are never modified or deleted; every balance in the system is a
// fold over them.
type Order struct {
	Serial      int32           `json:"serial" db:"serial"`
	UserID      string          `json:"user_id" db:"user_id"`
	TokenName   string          `json:"token_name,omitempty" db:"token_name"` // empty for CoinSupply
	AmountToken num.AmountToken `json:"amount_token" db:"amount_token"`       // signed: +buy, -sell
	AmountCoin  num.AmountCoin  `json:"amount_coin" db:"amount_coin"`         // signed: opposite to token delta
	Time        time.Time       `json:"time" db:"time"`
	Type        OrderType       `json:"type" db:"type"`
}

// OrderLog is the append-only, serially numbered order sequence of one
// market. It is the sole source of truth for balances and distributions;
// no layer above it keeps authoritative counters.
type OrderLog struct {
	orders []Order
}

// NewOrderLog creates an empty log.
func NewOrderLog() *OrderLog {
	return &OrderLog{}
}

// RestoreOrderLog rebuilds a log from persisted orders. The orders must be
// sorted by serial, dense, and starting at 0.
func RestoreOrderLog(orders []Order) (*OrderLog, error) {
	for i, o := range orders {
		if o.Serial != int32(i) {
			return nil, fmt.Errorf("order log corrupt: serial %d at position %d", o.Serial, i)
		}
	}
	return &OrderLog{orders: orders}, nil
}

func (l *OrderLog) nextSerial() int32 {
	return int32(len(l.orders))
}

func (l *OrderLog) appendCoinSupply(userID string, amount num.AmountCoin, now time.Time) *Order {
	l.orders = append(l.orders, Order{
		Serial:     l.nextSerial(),
		UserID:     userID,
		AmountCoin: amount,
		Time:       now,
		Type:       OrderCoinSupply,
	})
	return &l.orders[len(l.orders)-1]
}

func (l *OrderLog) appendNormal(userID, tokenName string, amountToken num.AmountToken, amountCoin num.AmountCoin, now time.Time) *Order {
	l.orders = append(l.orders, Order{
		Serial:      l.nextSerial(),
		UserID:      userID,
		TokenName:   tokenName,
		AmountToken: amountToken,
		AmountCoin:  amountCoin,
		Time:        now,
		Type:        OrderNormal,
	})
	return &l.orders[len(l.orders)-1]
}

func (l *OrderLog) appendReward(userID, tokenName string, amountToken num.AmountToken, amountCoin num.AmountCoin, now time.Time) *Order {
	l.orders = append(l.orders, Order{
		Serial:      l.nextSerial(),
		UserID:      userID,
		TokenName:   tokenName,
		AmountToken: amountToken,
		AmountCoin:  amountCoin,
		Time:        now,
		Type:        OrderReward,
	})
	return &l.orders[len(l.orders)-1]
}

// Len returns the number of orders in the log.
func (l *OrderLog) Len() int {
	return len(l.orders)
}

// Orders returns the log in serial order. The returned slice is a copy.
func (l *OrderLog) Orders() []Order {
	out := make([]Order, len(l.orders))
	copy(out, l.orders)
	return out
}

// OrdersRev returns the log newest first. The returned slice is a copy.
func (l *OrderLog) OrdersRev() []Order {
	out := make([]Order, len(l.orders))
	for i, o := range l.orders {
		out[len(l.orders)-1-i] = o
	}
	return out
}

// Last returns the most recent order, or nil for an empty log.
func (l *OrderLog) Last() *Order {
	if len(l.orders) == 0 {
		return nil
	}
	o := l.orders[len(l.orders)-1]
	return &o
}

// OrdersForUser returns the user's orders, preserving serial order.
func (l *OrderLog) OrdersForUser(userID string) []Order {
	var out []Order
	for _, o := range l.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out
}

// CoinBalance folds the user's signed coin amounts over the whole log.
func (l *OrderLog) CoinBalance(userID string) num.AmountCoin {
	var sum num.AmountCoin
	for _, o := range l.orders {
		if o.UserID == userID {
			sum = sum.Add(o.AmountCoin)
		}
	}
	return sum
}

// TokenBalance folds the user's signed token amounts for one token.
func (l *OrderLog) TokenBalance(userID, tokenName string) num.AmountToken {
	var sum num.AmountToken
	for _, o := range l.orders {
		if o.UserID == userID && o.TokenName == tokenName {
			sum = sum.Add(o.AmountToken)
		}
	}
	return sum
}

// HasTraded reports whether the user has any order in the log. Because the
// first order of every user is their CoinSupply, this is equivalent to
// "has received the initial grant".
func (l *OrderLog) HasTraded(userID string) bool {
	for _, o := range l.orders {
		if o.UserID == userID {
			return true
		}
	}
	return false
}

// NumUsers counts the distinct users who have ever traded in the market,
// i.e. the number of CoinSupply orders.
func (l *OrderLog) NumUsers() int {
	n := 0
	for _, o := range l.orders {
		if o.Type == OrderCoinSupply {
			n++
		}
	}
	return n
}

// Users returns the distinct user ids in order of first appearance.
func (l *OrderLog) Users() []string {
	var users []string
	seen := make(map[string]bool)
	for _, o := range l.orders {
		if !seen[o.UserID] {
			seen[o.UserID] = true
			users = append(users, o.UserID)
		}
	}
	return users
}

// HoldersOf returns each user's net balance of the given token, keyed by
// user id. Users with a zero net balance are included if they ever touched
// the token.
func (l *OrderLog) HoldersOf(tokenName string) map[string]num.AmountToken {
	holders := make(map[string]num.AmountToken)
	for _, o := range l.orders {
		if o.TokenName == tokenName {
			holders[o.UserID] = holders[o.UserID].Add(o.AmountToken)
		}
	}
	return holders
}
