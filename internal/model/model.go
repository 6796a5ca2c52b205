// Package model defines the core domain types shared across the venue engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market holds the static configuration and risk parameters for one
// perpetual market, keyed by its base token symbol.
type Market struct {
	BaseToken                 string          `json:"base_token" db:"base_token"`
	QuoteToken                string          `json:"quote_token" db:"quote_token"`
	FeeRatio                  decimal.Decimal `json:"fee_ratio" db:"fee_ratio"`
	InsuranceFundFeeRatio     decimal.Decimal `json:"insurance_fund_fee_ratio" db:"insurance_fund_fee_ratio"`
	MaxTickCrossedWithinBlock int             `json:"max_tick_crossed_within_block" db:"max_tick_crossed_within_block"`
	TickSpacing               int             `json:"tick_spacing" db:"tick_spacing"`
	Repeg                     RepegConfig     `json:"repeg" db:"-"`
	Status                    string          `json:"status" db:"status"` // "open", "paused", "closed"
	CreatedAt                 time.Time       `json:"created_at" db:"created_at"`
}

// RepegConfig gates the repeg mechanism: the mark price must deviate from
// the index by more than SpreadRatio continuously for at least Duration.
type RepegConfig struct {
	SpreadRatio decimal.Decimal `json:"spread_ratio"`
	Duration    time.Duration   `json:"duration"`
}

// Position is a trader's taker exposure in one market. Size is signed base
// units (positive long), OpenNotional is signed quote units (negative for
// longs: quote paid out at entry).
type Position struct {
	Trader       string          `json:"trader"`
	Market       string          `json:"market"`
	Size         decimal.Decimal `json:"size"`
	OpenNotional decimal.Decimal `json:"open_notional"`

	// Funding growth observed at the position's last settlement. Pending
	// funding is computed lazily from the gap to the market's current growth.
	LastTwPremiumLong  decimal.Decimal `json:"last_tw_premium_long"`
	LastTwPremiumShort decimal.Decimal `json:"last_tw_premium_short"`
}

// IsClosed reports whether the position carries no exposure.
func (p *Position) IsClosed() bool {
	return p.Size.IsZero() && p.OpenNotional.IsZero()
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p *Position) SideSign() int {
	return p.Size.Sign()
}

// FundingGrowth accumulates the time-weighted (mark − index) premium for a
// market, split by side so funding stays neutral when open interest is
// imbalanced. Units: quote price × seconds.
type FundingGrowth struct {
	Market         string          `json:"market"`
	TwPremiumLong  decimal.Decimal `json:"tw_premium_long"`
	TwPremiumShort decimal.Decimal `json:"tw_premium_short"`
	LastSettled    time.Time       `json:"last_settled"`
}

// LiquidityOrder is one maker's liquidity in one tick range of one market.
// BaseDebt/QuoteDebt record the amounts the pool absorbed on mint; the
// difference against current range holdings is the maker's passive exposure.
type LiquidityOrder struct {
	Trader              string          `json:"trader"`
	Market              string          `json:"market"`
	TickLower           int             `json:"tick_lower"`
	TickUpper           int             `json:"tick_upper"`
	Liquidity           decimal.Decimal `json:"liquidity"`
	BaseDebt            decimal.Decimal `json:"base_debt"`
	QuoteDebt           decimal.Decimal `json:"quote_debt"`
	FeeGrowthCheckpoint decimal.Decimal `json:"fee_growth_checkpoint"`
}

// CollateralConfig governs how one non-settlement token contributes to
// account value and how it is discounted when seized.
type CollateralConfig struct {
	Token           string          `json:"token"`
	PriceFeed       string          `json:"price_feed"`
	CollateralRatio decimal.Decimal `json:"collateral_ratio"`
	DiscountRatio   decimal.Decimal `json:"discount_ratio"`
	DepositCap      decimal.Decimal `json:"deposit_cap"`
}

// LedgerEntry is an immutable record of one committed venue operation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	Kind        string          `json:"kind" db:"kind"`
	Trader      string          `json:"trader" db:"trader"`
	Market      string          `json:"market" db:"market"`
	Token       string          `json:"token,omitempty" db:"token"`
	BaseDelta   decimal.Decimal `json:"base_delta" db:"base_delta"`
	QuoteDelta  decimal.Decimal `json:"quote_delta" db:"quote_delta"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	RealizedPnl decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Ledger entry kinds.
const (
	EntryKindTrade           = "trade"
	EntryKindAddLiquidity    = "add_liquidity"
	EntryKindRemoveLiquidity = "remove_liquidity"
	EntryKindFunding         = "funding"
	EntryKindLiquidation     = "liquidation"
	EntryKindCollateralSeize = "collateral_seize"
	EntryKindBadDebt         = "bad_debt"
	EntryKindRepeg           = "repeg"
	EntryKindDeposit         = "deposit"
	EntryKindWithdraw        = "withdraw"
)

// MarketSnapshot is a periodic observability record of one market's state.
type MarketSnapshot struct {
	Market         string          `json:"market" db:"market"`
	MarkPrice      decimal.Decimal `json:"mark_price" db:"mark_price"`
	IndexPrice     decimal.Decimal `json:"index_price" db:"index_price"`
	TwPremiumLong  decimal.Decimal `json:"tw_premium_long" db:"tw_premium_long"`
	TwPremiumShort decimal.Decimal `json:"tw_premium_short" db:"tw_premium_short"`

	// Pool-denominated open interest per side and the base held by all
	// resting maker liquidity at the current price.
	OpenInterestLong  decimal.Decimal `json:"open_interest_long" db:"open_interest_long"`
	OpenInterestShort decimal.Decimal `json:"open_interest_short" db:"open_interest_short"`
	LiquidityBase     decimal.Decimal `json:"liquidity_base" db:"liquidity_base"`

	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Portfolio aggregates a trader's cross-margin state for API consumers.
type Portfolio struct {
	Trader          string                     `json:"trader"`
	Positions       []Position                 `json:"positions"`
	OwedRealizedPnl decimal.Decimal            `json:"owed_realized_pnl"`
	UnrealizedPnl   decimal.Decimal            `json:"unrealized_pnl"`
	PendingFee      decimal.Decimal            `json:"pending_fee"`
	PendingFunding  decimal.Decimal            `json:"pending_funding"`
	AccountValue    decimal.Decimal            `json:"account_value"`
	FreeCollateral  decimal.Decimal            `json:"free_collateral"`
	MarginRatio     decimal.Decimal            `json:"margin_ratio"`
	Collateral      map[string]decimal.Decimal `json:"collateral"`
}
