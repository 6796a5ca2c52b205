package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/perpvenue/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	ledger    []model.LedgerEntry
	snapshots map[string][]model.MarketSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		snapshots: make(map[string][]model.MarketSnapshot),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.BaseToken]; ok {
		return fmt.Errorf("market %s already exists", m.BaseToken)
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.BaseToken] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, baseToken string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[baseToken]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", baseToken, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].BaseToken < markets[j].BaseToken })
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, baseToken, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[baseToken]
	if !ok {
		return fmt.Errorf("market %s: %w", baseToken, ErrNotFound)
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, market string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Market == market {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByTrader(_ context.Context, trader string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Trader == trader {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snap.Market] = append(s.snapshots[snap.Market], *snap)
	return nil
}

func (s *MemoryStore) GetLatestSnapshot(_ context.Context, market string) (*model.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[market]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("snapshot for %s: %w", market, ErrNotFound)
	}
	cp := snaps[len(snaps)-1]
	return &cp, nil
}
