package store

import (
	"context"
	"sync"
	"time"

	"github.com/tokenbay/market-engine/internal/model"
	"github.com/tokenbay/market-engine/internal/num"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	markets map[string]*marketSlot
}

// marketSlot pairs an aggregate with its own lock so admissions to
// different markets do not serialize against each other.
type marketSlot struct {
	mu sync.Mutex
	m  *model.Market
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: make(map[string]*marketSlot),
	}
}

// cloneMarket deep-copies an aggregate through the same restore path the
// persistent stores use, so snapshots never alias live state.
func cloneMarket(m *model.Market) *model.Market {
	attrs := m.Attrs
	attrs.Tokens = append([]model.Token(nil), m.Attrs.Tokens...)
	attrs.Prizes = append([]model.Prize(nil), m.Attrs.Prizes...)

	log, err := model.RestoreOrderLog(m.Orders.Orders())
	if err != nil {
		panic("store: aggregate carries a corrupt order log: " + err.Error())
	}

	var records map[string]num.Point
	if m.RewardRecords != nil {
		records = make(map[string]num.Point, len(m.RewardRecords))
		for k, v := range m.RewardRecords {
			records[k] = v
		}
	}

	clone, err := model.RestoreMarket(m.ID, attrs, m.Status, log, m.ResolvedTokenName, records)
	if err != nil {
		panic("store: aggregate failed to clone: " + err.Error())
	}
	return clone
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.ID]; exists {
		return ErrDuplicateMarket
	}
	s.markets[m.ID] = &marketSlot{m: cloneMarket(m)}
	return nil
}

func (s *MemoryStore) slot(id string) (*marketSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.markets[id]
	return slot, ok
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	slot, ok := s.slot(id)
	if !ok {
		return nil, model.ErrNotFound
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	return cloneMarket(slot.m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, status model.MarketStatus) ([]*model.Market, error) {
	s.mu.RLock()
	slots := make([]*marketSlot, 0, len(s.markets))
	for _, slot := range s.markets {
		slots = append(slots, slot)
	}
	s.mu.RUnlock()

	var out []*model.Market
	for _, slot := range slots {
		slot.mu.Lock()
		if status == "" || slot.m.Status == status {
			out = append(out, cloneMarket(slot.m))
		}
		slot.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) MarketIDsReadyToOpen(_ context.Context, now time.Time) ([]string, error) {
	return s.readyIDs(model.StatusUpcoming, func(m *model.Market) bool {
		return !now.Before(m.Attrs.Open)
	})
}

func (s *MemoryStore) MarketIDsReadyToClose(_ context.Context, now time.Time) ([]string, error) {
	return s.readyIDs(model.StatusOpen, func(m *model.Market) bool {
		return !now.Before(m.Attrs.Close)
	})
}

func (s *MemoryStore) readyIDs(status model.MarketStatus, ready func(*model.Market) bool) ([]string, error) {
	s.mu.RLock()
	slots := make([]*marketSlot, 0, len(s.markets))
	for _, slot := range s.markets {
		slots = append(slots, slot)
	}
	s.mu.RUnlock()

	var ids []string
	for _, slot := range slots {
		slot.mu.Lock()
		if slot.m.Status == status && ready(slot.m) {
			ids = append(ids, slot.m.ID)
		}
		slot.mu.Unlock()
	}
	return ids, nil
}

// UpdateMarket serializes on the market's own mutex, mirroring the
// row-level lock of the PostgreSQL store. fn runs against a working copy;
// the copy replaces the committed aggregate only when fn succeeds.
func (s *MemoryStore) UpdateMarket(_ context.Context, id string, fn func(m *model.Market) error) error {
	slot, ok := s.slot(id)
	if !ok {
		return model.ErrNotFound
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	working := cloneMarket(slot.m)
	if err := fn(working); err != nil {
		return err
	}
	slot.m = working
	return nil
}
