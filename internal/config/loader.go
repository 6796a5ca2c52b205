package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads TOML configuration at path, merges it over the built-in
// defaults, then applies VENUE_* environment variable overrides. A missing
// file is not an error; the defaults plus environment are used. The result
// has not been validated; call Config.Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	// Load .env if present, silently ignore if missing.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "VENUE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VENUE_SERVER_CORS_ORIGINS")

	setStr(&cfg.Postgres.URL, "VENUE_POSTGRES_URL")
	setStr(&cfg.Postgres.URL, "DATABASE_URL") // compatibility alias

	setStr(&cfg.Redis.Addr, "VENUE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VENUE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VENUE_REDIS_DB")
	setDuration(&cfg.Redis.TTL, "VENUE_REDIS_TTL")

	setStr(&cfg.Risk.SettlementToken, "VENUE_SETTLEMENT_TOKEN")
	setDecimal(&cfg.Risk.IMRatio, "VENUE_IM_RATIO")
	setDecimal(&cfg.Risk.MMRatio, "VENUE_MM_RATIO")
	setDecimal(&cfg.Risk.LiquidationPenaltyRatio, "VENUE_LIQUIDATION_PENALTY_RATIO")
	setDecimal(&cfg.Risk.LiquidatorRewardRatio, "VENUE_LIQUIDATOR_REWARD_RATIO")
	setInt(&cfg.Risk.MaxCollateralTokens, "VENUE_MAX_COLLATERAL_TOKENS")

	setDuration(&cfg.Oracle.TwapWindow, "VENUE_ORACLE_TWAP_WINDOW")
	setDuration(&cfg.Oracle.Staleness, "VENUE_ORACLE_STALENESS")

	setStr(&cfg.LogLevel, "VENUE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and parses cleanly.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
