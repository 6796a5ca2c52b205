// Package config defines the venue's configuration and provides loading
// and validation helpers.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by VENUE_* environment variables.
type Config struct {
	Server     ServerConfig       `toml:"server"`
	Postgres   PostgresConfig     `toml:"postgres"`
	Redis      RedisConfig        `toml:"redis"`
	Risk       RiskConfig         `toml:"risk"`
	Oracle     OracleConfig       `toml:"oracle"`
	Markets    []MarketConfig     `toml:"markets"`
	Collateral []CollateralConfig `toml:"collateral"`
	LogLevel   string             `toml:"log_level"`
}

// ServerConfig holds HTTP listener parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// PostgresConfig holds the durable store connection. An empty URL selects
// the in-memory store.
type PostgresConfig struct {
	URL string `toml:"url"`
}

// RedisConfig holds the read cache in front of the durable store. An empty
// Addr disables caching.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	TTL      duration `toml:"ttl"`
}

// RiskConfig holds venue-wide margin and liquidation parameters.
type RiskConfig struct {
	SettlementToken         string          `toml:"settlement_token"`
	IMRatio                 decimal.Decimal `toml:"im_ratio"`
	MMRatio                 decimal.Decimal `toml:"mm_ratio"`
	LiquidationPenaltyRatio decimal.Decimal `toml:"liquidation_penalty_ratio"`
	LiquidatorRewardRatio   decimal.Decimal `toml:"liquidator_reward_ratio"`
	MaxCollateralTokens     int             `toml:"max_collateral_tokens"`
}

// OracleConfig holds index price feed parameters.
type OracleConfig struct {
	TwapWindow duration `toml:"twap_window"`
	Staleness  duration `toml:"staleness"`
}

// MarketConfig describes one perpetual market to open at startup.
type MarketConfig struct {
	BaseToken             string          `toml:"base_token"`
	QuoteToken            string          `toml:"quote_token"`
	FeeRatio              decimal.Decimal `toml:"fee_ratio"`
	InsuranceFundFeeRatio decimal.Decimal `toml:"insurance_fund_fee_ratio"`
	MaxTickCrossed        int             `toml:"max_tick_crossed"`
	TickSpacing           int             `toml:"tick_spacing"`
	RepegSpreadRatio      decimal.Decimal `toml:"repeg_spread_ratio"`
	RepegDuration         duration        `toml:"repeg_duration"`
	InitialPrice          decimal.Decimal `toml:"initial_price"`
}

// CollateralConfig describes one accepted non-settlement collateral token.
type CollateralConfig struct {
	Token           string          `toml:"token"`
	PriceFeed       string          `toml:"price_feed"`
	CollateralRatio decimal.Decimal `toml:"collateral_ratio"`
	DiscountRatio   decimal.Decimal `toml:"discount_ratio"`
	DepositCap      decimal.Decimal `toml:"deposit_cap"`
	InitialPrice    decimal.Decimal `toml:"initial_price"`
}

// duration wraps time.Duration so TOML values like "8h" decode directly.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Defaults returns the built-in configuration: an in-memory store, 10%/6.25%
// margin ratios, and no markets.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Redis: RedisConfig{
			TTL: duration{5 * time.Minute},
		},
		Risk: RiskConfig{
			SettlementToken:         "USDC",
			IMRatio:                 decimal.RequireFromString("0.1"),
			MMRatio:                 decimal.RequireFromString("0.0625"),
			LiquidationPenaltyRatio: decimal.RequireFromString("0.025"),
			LiquidatorRewardRatio:   decimal.RequireFromString("0.5"),
			MaxCollateralTokens:     3,
		},
		Oracle: OracleConfig{
			TwapWindow: duration{15 * time.Minute},
			Staleness:  duration{time.Hour},
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Risk.SettlementToken == "" {
		return fmt.Errorf("config: settlement token must be set")
	}
	one := decimal.NewFromInt(1)
	if !c.Risk.IMRatio.IsPositive() || c.Risk.IMRatio.GreaterThanOrEqual(one) {
		return fmt.Errorf("config: im_ratio must be in (0, 1)")
	}
	if !c.Risk.MMRatio.IsPositive() || c.Risk.MMRatio.GreaterThanOrEqual(c.Risk.IMRatio) {
		return fmt.Errorf("config: mm_ratio must be in (0, im_ratio)")
	}
	if c.Risk.LiquidatorRewardRatio.IsNegative() || c.Risk.LiquidatorRewardRatio.GreaterThan(one) {
		return fmt.Errorf("config: liquidator_reward_ratio must be in [0, 1]")
	}
	for _, m := range c.Markets {
		if m.BaseToken == "" || m.QuoteToken == "" {
			return fmt.Errorf("config: market base and quote tokens must be set")
		}
		if m.TickSpacing <= 0 {
			return fmt.Errorf("config: market %s: tick_spacing must be positive", m.BaseToken)
		}
		if !m.InitialPrice.IsPositive() {
			return fmt.Errorf("config: market %s: initial_price must be positive", m.BaseToken)
		}
	}
	for _, col := range c.Collateral {
		if col.Token == "" {
			return fmt.Errorf("config: collateral token must be set")
		}
		if col.Token == c.Risk.SettlementToken {
			return fmt.Errorf("config: settlement token %s must not appear in collateral list", col.Token)
		}
	}
	return nil
}
