package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenbay/market-engine/internal/model"
	"github.com/tokenbay/market-engine/internal/num"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market snapshots. Display reads never take the market lock, so
// serving them from cache observes some committed prefix of the log, which
// is all the read path guarantees anyway. Mutations go to the primary and
// invalidate the cached snapshot.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// marketDoc is the cache serialization of an aggregate. The distribution
// cache is deliberately absent: it is rebuilt from the log on restore.
type marketDoc struct {
	ID                string               `json:"id"`
	Attrs             model.MarketAttrs    `json:"attrs"`
	Status            model.MarketStatus   `json:"status"`
	Orders            []model.Order        `json:"orders"`
	ResolvedTokenName string               `json:"resolved_token_name,omitempty"`
	RewardRecords     map[string]num.Point `json:"reward_records,omitempty"`
}

func docFromMarket(m *model.Market) marketDoc {
	return marketDoc{
		ID:                m.ID,
		Attrs:             m.Attrs,
		Status:            m.Status,
		Orders:            m.Orders.Orders(),
		ResolvedTokenName: m.ResolvedTokenName,
		RewardRecords:     m.RewardRecords,
	}
}

func (d *marketDoc) market() (*model.Market, error) {
	log, err := model.RestoreOrderLog(d.Orders)
	if err != nil {
		return nil, fmt.Errorf("cached market %s: %w", d.ID, err)
	}
	return model.RestoreMarket(d.ID, d.Attrs, d.Status, log, d.ResolvedTokenName, d.RewardRecords)
}

func marketKey(id string) string { return "market:" + id }

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	doc := docFromMarket(m)
	if data, err := json.Marshal(doc); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var doc marketDoc
		if json.Unmarshal(data, &doc) == nil {
			if m, err := doc.market(); err == nil {
				return m, nil
			}
		}
	}

	// Cache miss: read from primary and re-populate.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListMarkets(ctx context.Context, status model.MarketStatus) ([]*model.Market, error) {
	return s.primary.ListMarkets(ctx, status)
}

func (s *CachedStore) MarketIDsReadyToOpen(ctx context.Context, now time.Time) ([]string, error) {
	return s.primary.MarketIDsReadyToOpen(ctx, now)
}

func (s *CachedStore) MarketIDsReadyToClose(ctx context.Context, now time.Time) ([]string, error) {
	return s.primary.MarketIDsReadyToClose(ctx, now)
}

// UpdateMarket delegates to the primary under its lock and invalidates the
// cached snapshot; the next read re-populates from committed state.
func (s *CachedStore) UpdateMarket(ctx context.Context, id string, fn func(m *model.Market) error) error {
	if err := s.primary.UpdateMarket(ctx, id, fn); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}
