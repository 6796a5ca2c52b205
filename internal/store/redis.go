package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpvenue/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
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

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, baseToken, status string) error {
	if err := s.primary.UpdateMarketStatus(ctx, baseToken, status); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(baseToken))
	return nil
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, entry)
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	if err := s.primary.InsertSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, baseToken string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(baseToken)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, baseToken)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetLatestSnapshot(ctx context.Context, market string) (*model.MarketSnapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(market)).Bytes()
	if err == nil {
		var snap model.MarketSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.GetLatestSnapshot(ctx, market)
	if err != nil {
		return nil, err
	}

	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, market string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, market)
}

func (s *CachedStore) GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByTrader(ctx, trader)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.BaseToken), data, s.ttl)
	}
}

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.MarketSnapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(snap.Market), data, s.ttl)
	}
}

func marketKey(base string) string     { return fmt.Sprintf("market:%s", base) }
func snapshotKey(market string) string { return fmt.Sprintf("snapshot:%s", market) }
