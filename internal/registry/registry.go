// Package registry maps each market to its pool and risk parameters and is
// the single owner of market configuration records.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/pool"
)

var (
	// ErrMarketNotFound is returned for an unknown base token.
	ErrMarketNotFound = errors.New("registry: market not found")

	// ErrMarketExists is returned when adding a duplicate market.
	ErrMarketExists = errors.New("registry: market already exists")

	// ErrMarketNotOpen is returned when trading is requested on a paused or
	// closed market.
	ErrMarketNotOpen = errors.New("registry: market is not open for trading")

	// ErrInvalidRatio is returned for fee/risk ratios outside [0, 1).
	ErrInvalidRatio = errors.New("registry: ratio must be in [0, 1)")
)

// MarketRecord pairs a market's configuration with its pool.
type MarketRecord struct {
	Config model.Market
	Pool   *pool.Pool
}

// Registry owns all market records. Risk-parameter updates mutate the
// config; the pool reference is fixed for a market's lifetime.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*MarketRecord
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{markets: make(map[string]*MarketRecord)}
}

// AddMarket registers a market with its pool.
func (r *Registry) AddMarket(cfg model.Market, p *pool.Pool) error {
	if err := validateRatio(cfg.FeeRatio); err != nil {
		return err
	}
	if err := validateRatio(cfg.InsuranceFundFeeRatio); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[cfg.BaseToken]; ok {
		return ErrMarketExists
	}
	if cfg.Status == "" {
		cfg.Status = "open"
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	r.markets[cfg.BaseToken] = &MarketRecord{Config: cfg, Pool: p}
	return nil
}

// Get returns the record for a market.
func (r *Registry) Get(market string) (*MarketRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.markets[market]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return rec, nil
}

// GetOpen returns the record only when the market accepts trading.
func (r *Registry) GetOpen(market string) (*MarketRecord, error) {
	rec, err := r.Get(market)
	if err != nil {
		return nil, err
	}
	if rec.Config.Status != "open" {
		return nil, ErrMarketNotOpen
	}
	return rec, nil
}

// Pool returns the pool for a market.
func (r *Registry) Pool(market string) (*pool.Pool, error) {
	rec, err := r.Get(market)
	if err != nil {
		return nil, err
	}
	return rec.Pool, nil
}

// SetPool swaps in a replacement pool for a market. The clearinghouse uses
// this to restore a pre-trade snapshot when a committed swap fails its
// margin check.
func (r *Registry) SetPool(market string, p *pool.Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.markets[market]
	if !ok {
		return ErrMarketNotFound
	}
	rec.Pool = p
	return nil
}

// List returns all market configs, ordered by base token for determinism.
func (r *Registry) List() []model.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Market, 0, len(r.markets))
	for _, rec := range r.markets {
		out = append(out, rec.Config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseToken < out[j].BaseToken })
	return out
}

// SetStatus updates a market's trading status.
func (r *Registry) SetStatus(market, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.markets[market]
	if !ok {
		return ErrMarketNotFound
	}
	rec.Config.Status = status
	return nil
}

// UpdateRiskParams mutates a market's fee and price-impact parameters.
func (r *Registry) UpdateRiskParams(market string, feeRatio, ifFeeRatio decimal.Decimal, maxTickCrossed int) error {
	if err := validateRatio(feeRatio); err != nil {
		return err
	}
	if err := validateRatio(ifFeeRatio); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.markets[market]
	if !ok {
		return ErrMarketNotFound
	}
	rec.Config.FeeRatio = feeRatio
	rec.Config.InsuranceFundFeeRatio = ifFeeRatio
	rec.Config.MaxTickCrossedWithinBlock = maxTickCrossed
	return nil
}

func validateRatio(ratio decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	if ratio.IsNegative() || ratio.GreaterThanOrEqual(one) {
		return ErrInvalidRatio
	}
	return nil
}
