package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tokenbay/market-engine/internal/model"
	"github.com/tokenbay/market-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMarket(t *testing.T) *model.Market {
	t.Helper()
	m, err := model.NewMarket(model.MarketAttrs{
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
		t.Fatalf("NewMarket: %v", err)
	}
	return m
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	m := newMarket(t)

	if err := ms.CreateMarket(ctx, m); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if err := ms.CreateMarket(ctx, m); !errors.Is(err, store.ErrDuplicateMarket) {
		t.Errorf("expected ErrDuplicateMarket, got %v", err)
	}

	got, err := ms.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.ID != m.ID || got.Status != model.StatusUpcoming {
		t.Errorf("unexpected snapshot: %+v", got)
	}

	if _, err := ms.GetMarket(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_SnapshotsDoNotAlias(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	m := newMarket(t)
	ms.CreateMarket(ctx, m)

	// Mutating a snapshot must not leak into committed state.
	snap, _ := ms.GetMarket(ctx, m.ID)
	snap.Status = model.StatusResolved

	got, _ := ms.GetMarket(ctx, m.ID)
	if got.Status != model.StatusUpcoming {
		t.Errorf("snapshot mutation leaked: %s", got.Status)
	}
}

func TestMemoryStore_UpdateRollsBackOnError(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	m := newMarket(t)
	ms.CreateMarket(ctx, m)

	sentinel := errors.New("boom")
	err := ms.UpdateMarket(ctx, m.ID, func(w *model.Market) error {
		if err := w.Open(t0); err != nil {
			return err
		}
		if _, err := w.SupplyInitialCoin("alice", t0); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error verbatim, got %v", err)
	}

	got, _ := ms.GetMarket(ctx, m.ID)
	if got.Status != model.StatusUpcoming {
		t.Errorf("status change survived rollback: %s", got.Status)
	}
	if got.Orders.Len() != 0 {
		t.Errorf("orders survived rollback: %d", got.Orders.Len())
	}
}

func TestMemoryStore_UpdateCommitsDelta(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	m := newMarket(t)
	ms.CreateMarket(ctx, m)

	err := ms.UpdateMarket(ctx, m.ID, func(w *model.Market) error {
		return w.Open(t0)
	})
	if err != nil {
		t.Fatalf("UpdateMarket: %v", err)
	}

	got, _ := ms.GetMarket(ctx, m.ID)
	if got.Status != model.StatusOpen {
		t.Errorf("expected open, got %s", got.Status)
	}

	if err := ms.UpdateMarket(ctx, "nope", func(*model.Market) error { return nil }); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ReadySweepQueries(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	m := newMarket(t)
	ms.CreateMarket(ctx, m)

	ids, err := ms.MarketIDsReadyToOpen(ctx, t0.Add(-time.Minute))
	if err != nil {
		t.Fatalf("MarketIDsReadyToOpen: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("nothing should be ready before the open time, got %v", ids)
	}

	ids, _ = ms.MarketIDsReadyToOpen(ctx, t0)
	if len(ids) != 1 || ids[0] != m.ID {
		t.Errorf("expected [%s], got %v", m.ID, ids)
	}

	// Not yet open, so not a close candidate even past the close time.
	ids, _ = ms.MarketIDsReadyToClose(ctx, t0.Add(48*time.Hour))
	if len(ids) != 0 {
		t.Errorf("upcoming market must not be a close candidate, got %v", ids)
	}

	ms.UpdateMarket(ctx, m.ID, func(w *model.Market) error { return w.Open(t0) })

	ids, _ = ms.MarketIDsReadyToClose(ctx, t0.Add(24*time.Hour))
	if len(ids) != 1 {
		t.Errorf("expected 1 close candidate, got %v", ids)
	}
}

func TestMemoryStore_ListMarketsByStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a := newMarket(t)
	b := newMarket(t)
	ms.CreateMarket(ctx, a)
	ms.CreateMarket(ctx, b)
	ms.UpdateMarket(ctx, b.ID, func(w *model.Market) error { return w.Open(t0) })

	all, err := ms.ListMarkets(ctx, "")
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 markets, got %d", len(all))
	}

	open, _ := ms.ListMarkets(ctx, model.StatusOpen)
	if len(open) != 1 || open[0].ID != b.ID {
		t.Errorf("expected only %s open, got %d markets", b.ID, len(open))
	}
}
