// Package collateral is the registry of accepted non-settlement collateral
// types: collateral/discount ratios, per-token deposit caps, and the
// per-account collateral-type limit.
package collateral

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/oracle"
)

var (
	// ErrUnsupportedToken is returned for a token with no collateral config.
	ErrUnsupportedToken = errors.New("collateral: unsupported collateral token")

	// ErrDepositCapExceeded is returned when a deposit would push the
	// venue-wide balance of a token over its cap.
	ErrDepositCapExceeded = errors.New("collateral: deposit cap exceeded")

	// ErrTokenLimitExceeded is returned when a deposit would give an account
	// more distinct non-settlement tokens than allowed.
	ErrTokenLimitExceeded = errors.New("collateral: collateral token limit exceeded")

	// ErrInvalidConfig is returned for ratios outside (0, 1].
	ErrInvalidConfig = errors.New("collateral: ratios must be in (0, 1]")
)

// Manager owns all CollateralConfig records and tracks venue-wide deposits
// per token for cap enforcement.
type Manager struct {
	mu                  sync.RWMutex
	configs             map[string]model.CollateralConfig
	totalDeposited      map[string]decimal.Decimal
	maxTokensPerAccount int
	feed                oracle.PriceFeed
}

// NewManager creates a collateral manager. maxTokensPerAccount caps the
// number of distinct non-settlement tokens a single account may hold.
func NewManager(maxTokensPerAccount int, feed oracle.PriceFeed) *Manager {
	return &Manager{
		configs:             make(map[string]model.CollateralConfig),
		totalDeposited:      make(map[string]decimal.Decimal),
		maxTokensPerAccount: maxTokensPerAccount,
		feed:                feed,
	}
}

// AddConfig registers a collateral token.
func (m *Manager) AddConfig(cfg model.CollateralConfig) error {
	one := decimal.NewFromInt(1)
	if cfg.CollateralRatio.Sign() <= 0 || cfg.CollateralRatio.GreaterThan(one) {
		return ErrInvalidConfig
	}
	if cfg.DiscountRatio.Sign() <= 0 || cfg.DiscountRatio.GreaterThan(one) {
		return ErrInvalidConfig
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.Token] = cfg
	return nil
}

// Config returns the config for a token.
func (m *Manager) Config(token string) (model.CollateralConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[token]
	if !ok {
		return model.CollateralConfig{}, ErrUnsupportedToken
	}
	return cfg, nil
}

// IsSupported reports whether a token is registered.
func (m *Manager) IsSupported(token string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.configs[token]
	return ok
}

// List returns all configs ordered by token.
func (m *Manager) List() []model.CollateralConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CollateralConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// CheckDeposit validates a non-settlement deposit against the token's cap
// and the account's distinct-token limit. heldTokens is the count of
// distinct non-settlement tokens the account already holds, holdsThisToken
// whether the deposited token is among them.
func (m *Manager) CheckDeposit(token string, amount decimal.Decimal, heldTokens int, holdsThisToken bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[token]
	if !ok {
		return ErrUnsupportedToken
	}
	if cfg.DepositCap.Sign() > 0 {
		if m.totalDeposited[token].Add(amount).GreaterThan(cfg.DepositCap) {
			return ErrDepositCapExceeded
		}
	}
	if !holdsThisToken && heldTokens >= m.maxTokensPerAccount {
		return ErrTokenLimitExceeded
	}
	return nil
}

// RecordDeposit adjusts the venue-wide deposited total for a token.
// delta may be negative on withdrawal or seizure.
func (m *Manager) RecordDeposit(token string, delta decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDeposited[token] = m.totalDeposited[token].Add(delta)
}

// Price returns the oracle spot price of a collateral token.
func (m *Manager) Price(token string) (decimal.Decimal, error) {
	m.mu.RLock()
	cfg, ok := m.configs[token]
	m.mu.RUnlock()
	if !ok {
		return decimal.Zero, ErrUnsupportedToken
	}
	return m.feed.GetIndexPrice(cfg.PriceFeed, 0)
}

// MarginValue returns amount × price × collateralRatio, the contribution
// of a non-settlement balance to account value.
func (m *Manager) MarginValue(token string, amount decimal.Decimal) (decimal.Decimal, error) {
	cfg, err := m.Config(token)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := m.feed.GetIndexPrice(cfg.PriceFeed, 0)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price).Mul(cfg.CollateralRatio), nil
}

// SeizureValue returns the settlement-token credit for seizing `amount` of
// a collateral token: amount × price × discountRatio. The discount rounds
// against the liquidated account.
func (m *Manager) SeizureValue(token string, amount decimal.Decimal) (decimal.Decimal, error) {
	cfg, err := m.Config(token)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := m.feed.GetIndexPrice(cfg.PriceFeed, 0)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price).Mul(cfg.DiscountRatio).RoundDown(18), nil
}
