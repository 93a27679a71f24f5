// Package store defines the persistence contract for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for lock-free display reads), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tokenbay/market-engine/internal/model"
)

// ErrDuplicateMarket is returned when creating a market whose id already
// exists.
var ErrDuplicateMarket = errors.New("store: market already exists")

// Store persists market aggregates and their order logs.
//
// UpdateMarket is the single mutation path for existing markets: it acquires
// the per-market exclusive lock, loads the aggregate from committed state,
// runs fn, and atomically persists the delta (newly appended orders, status
// change, resolution data) when fn returns nil. A non-nil error from fn
// rolls the transaction back and is returned unchanged, so domain errors
// pass through untouched. Admissions to different markets proceed in
// parallel; the lock scopes a single market.
type Store interface {
	// CreateMarket persists a freshly created aggregate.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket loads a committed snapshot without taking the market lock.
	// Returns model.ErrNotFound for an unknown id.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns committed snapshots, optionally filtered by
	// status (empty string means all).
	ListMarkets(ctx context.Context, status model.MarketStatus) ([]*model.Market, error)

	// MarketIDsReadyToOpen lists Upcoming markets whose open time has passed.
	MarketIDsReadyToOpen(ctx context.Context, now time.Time) ([]string, error)

	// MarketIDsReadyToClose lists Open markets whose close time has passed.
	MarketIDsReadyToClose(ctx context.Context, now time.Time) ([]string, error)

	// UpdateMarket runs fn on the aggregate under the per-market exclusive
	// lock and commits the delta. Returns model.ErrNotFound for an unknown
	// id and fn's error verbatim on rollback.
	UpdateMarket(ctx context.Context, id string, fn func(m *model.Market) error) error
}
