// Package store defines the persistence interface for the venue engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/perpvenue/engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market configuration ---

	// CreateMarket persists a new market config.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its base token.
	GetMarket(ctx context.Context, baseToken string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketStatus updates a market's lifecycle status.
	UpdateMarketStatus(ctx context.Context, baseToken, status string) error

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable operation record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByMarket returns all entries for a market.
	GetLedgerEntriesByMarket(ctx context.Context, market string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByTrader returns all entries for a trader.
	GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error)

	// --- Market snapshots ---

	// InsertSnapshot appends a periodic market observability record.
	InsertSnapshot(ctx context.Context, snap *model.MarketSnapshot) error

	// GetLatestSnapshot returns the most recent snapshot for a market.
	GetLatestSnapshot(ctx context.Context, market string) (*model.MarketSnapshot, error)
}

// Journal adapts a Store to the clearinghouse's append-only journal.
type Journal struct {
	Store Store
}

// Append writes one ledger entry with a background context; journal writes
// must not be cancelled by the request that produced them.
func (j Journal) Append(entry model.LedgerEntry) error {
	return j.Store.InsertLedgerEntry(context.Background(), &entry)
}
