package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestMemoryStore_MarketLifecycle(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	m := model.Market{
		BaseToken:  "vETH",
		QuoteToken: "vUSD",
		FeeRatio:   d(0.001),
		Status:     "open",
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.CreateMarket(ctx, &m); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.CreateMarket(ctx, &m); err == nil {
		t.Error("duplicate create should fail")
	}

	got, err := s.GetMarket(ctx, "vETH")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.QuoteToken != "vUSD" {
		t.Errorf("wrong market returned: %+v", got)
	}

	// The store keeps its own copy.
	got.Status = "mutated"
	again, _ := s.GetMarket(ctx, "vETH")
	if again.Status != "open" {
		t.Error("caller mutation must not leak into the store")
	}

	if err := s.UpdateMarketStatus(ctx, "vETH", "paused"); err != nil {
		t.Fatalf("status update failed: %v", err)
	}
	updated, _ := s.GetMarket(ctx, "vETH")
	if updated.Status != "paused" {
		t.Errorf("status not updated, got %s", updated.Status)
	}

	if _, err := s.GetMarket(ctx, "vDOGE"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateMarketStatus(ctx, "vDOGE", "open"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	markets, err := s.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(markets) != 1 {
		t.Errorf("expected 1 market, got %d", len(markets))
	}
}

func TestMemoryStore_LedgerQueries(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	entries := []model.LedgerEntry{
		{ID: "1", Kind: model.EntryKindTrade, Trader: "alice", Market: "vETH", QuoteDelta: d(-100)},
		{ID: "2", Kind: model.EntryKindTrade, Trader: "bob", Market: "vETH", QuoteDelta: d(100)},
		{ID: "3", Kind: model.EntryKindDeposit, Trader: "alice", Token: "USDC", QuoteDelta: d(1000)},
	}
	for i := range entries {
		if err := s.InsertLedgerEntry(ctx, &entries[i]); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	byMarket, err := s.GetLedgerEntriesByMarket(ctx, "vETH")
	if err != nil {
		t.Fatalf("market query failed: %v", err)
	}
	if len(byMarket) != 2 {
		t.Errorf("expected 2 vETH entries, got %d", len(byMarket))
	}

	byTrader, err := s.GetLedgerEntriesByTrader(ctx, "alice")
	if err != nil {
		t.Fatalf("trader query failed: %v", err)
	}
	if len(byTrader) != 2 {
		t.Errorf("expected 2 alice entries, got %d", len(byTrader))
	}
	if byTrader[0].ID != "1" || byTrader[1].ID != "3" {
		t.Errorf("entries out of insertion order: %v, %v", byTrader[0].ID, byTrader[1].ID)
	}
}

func TestMemoryStore_Snapshots(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetLatestSnapshot(ctx, "vETH"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	for i, mark := range []decimal.Decimal{d(100), d(101), d(102)} {
		snap := model.MarketSnapshot{
			Market:    "vETH",
			MarkPrice: mark,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertSnapshot(ctx, &snap); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	latest, err := s.GetLatestSnapshot(ctx, "vETH")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if !latest.MarkPrice.Equal(d(102)) {
		t.Errorf("expected the last snapshot, got mark %s", latest.MarkPrice)
	}
}

func TestJournal_AppendsToStore(t *testing.T) {
	s := store.NewMemoryStore()
	j := store.Journal{Store: s}

	err := j.Append(model.LedgerEntry{ID: "x", Kind: model.EntryKindRepeg, Market: "vETH"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	got, err := s.GetLedgerEntriesByMarket(context.Background(), "vETH")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 1 || got[0].Kind != model.EntryKindRepeg {
		t.Errorf("journal entry not stored: %v", got)
	}
}
