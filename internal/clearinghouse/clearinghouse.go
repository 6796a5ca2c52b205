// Package clearinghouse is the single entry point for every trader
// operation. It serializes state changes per venue, settles funding before
// any position is touched, enforces margin requirements with all-or-nothing
// semantics, and journals every committed operation.
package clearinghouse

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/account"
	"github.com/perpvenue/engine/internal/exchange"
	"github.com/perpvenue/engine/internal/insurance"
	"github.com/perpvenue/engine/internal/metrics"
	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/orderbook"
	"github.com/perpvenue/engine/internal/registry"
	"github.com/perpvenue/engine/internal/vault"
)

var (
	// ErrDeadlineExpired is returned when an operation arrives after its
	// client-side deadline.
	ErrDeadlineExpired = errors.New("clearinghouse: transaction deadline expired")

	// ErrSlippage is returned when the executed amounts fall outside the
	// caller's opposite-amount bound.
	ErrSlippage = errors.New("clearinghouse: slippage bound violated")

	// ErrInsufficientMargin is returned when an operation would leave the
	// account below its margin requirement.
	ErrInsufficientMargin = errors.New("clearinghouse: insufficient margin")

	// ErrAccountHealthy is returned when liquidating an account that still
	// meets maintenance margin.
	ErrAccountHealthy = errors.New("clearinghouse: account meets maintenance margin")

	// ErrNoPosition is returned when closing or liquidating a flat position.
	ErrNoPosition = errors.New("clearinghouse: no open position")

	// ErrInvalidRatio is returned when a liquidation close ratio falls
	// outside (0, 1].
	ErrInvalidRatio = errors.New("clearinghouse: close ratio must be in (0, 1]")
)

// Journal records committed operations. Entries are immutable once written.
type Journal interface {
	Append(entry model.LedgerEntry) error
}

// Broadcaster pushes venue events to subscribers.
type Broadcaster interface {
	Broadcast(event any)
}

// Config carries the clearinghouse risk parameters.
type Config struct {
	LiquidationPenaltyRatio decimal.Decimal // share of closed notional taken as penalty
	LiquidatorRewardRatio   decimal.Decimal // share of the penalty paid to the liquidator
}

// ClearingHouse orchestrates the venue. All exported methods are safe for
// concurrent use; state-changing methods serialize on one mutex so every
// operation observes and produces a consistent venue state.
type ClearingHouse struct {
	mu sync.Mutex

	cfg      Config
	registry *registry.Registry
	book     *orderbook.OrderBook
	acct     *account.AccountBalance
	exch     *exchange.Exchange
	vault    *vault.Vault
	fund     *insurance.Fund

	journal Journal
	events  Broadcaster
	log     *slog.Logger
	now     func() time.Time
}

// New wires a clearinghouse over the venue components. journal and events
// may be nil, in which case those sinks are skipped.
func New(cfg Config, reg *registry.Registry, book *orderbook.OrderBook, acct *account.AccountBalance, exch *exchange.Exchange, v *vault.Vault, fund *insurance.Fund, journal Journal, events Broadcaster, log *slog.Logger) *ClearingHouse {
	if log == nil {
		log = slog.Default()
	}
	return &ClearingHouse{
		cfg:      cfg,
		registry: reg,
		book:     book,
		acct:     acct,
		exch:     exch,
		vault:    v,
		fund:     fund,
		journal:  journal,
		events:   events,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the deadline clock. Used by tests.
func (ch *ClearingHouse) SetClock(now func() time.Time) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.now = now
}

// OpenPositionParams describes a taker trade request.
type OpenPositionParams struct {
	Trader        string
	Market        string
	IsBaseToQuote bool // true sells base (short)
	IsExactInput  bool
	Amount        decimal.Decimal

	// OppositeAmountBound guards slippage on the leg the amount does not
	// fix: a minimum received for exact input, a maximum paid for exact
	// output. Zero disables the check.
	OppositeAmountBound decimal.Decimal
	Deadline            time.Time
}

// PositionResult reports a committed position change.
type PositionResult struct {
	Trader      string          `json:"trader"`
	Market      string          `json:"market"`
	BaseDelta   decimal.Decimal `json:"base_delta"`
	QuoteDelta  decimal.Decimal `json:"quote_delta"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
}

// OpenPosition executes a taker trade with all-or-nothing semantics: the
// swap commits, the position updates, and only then is margin checked. A
// failed check restores the pre-trade pool and account state exactly.
func (ch *ClearingHouse) OpenPosition(params OpenPositionParams) (PositionResult, error) {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return PositionResult{}, err
	}
	start := time.Now()
	defer func() {
		metrics.TradeLatency.WithLabelValues(params.Market).Observe(time.Since(start).Seconds())
	}()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.openPositionLocked(params, true)
}

func (ch *ClearingHouse) openPositionLocked(params OpenPositionParams, enforceIM bool) (PositionResult, error) {
	if _, err := ch.exch.UpdateFunding(params.Market); err != nil {
		return PositionResult{}, err
	}
	ch.acct.SettleFunding(params.Trader, params.Market)

	pool, err := ch.registry.Pool(params.Market)
	if err != nil {
		return PositionResult{}, err
	}
	poolSnap := pool.Clone()
	acctSnap := ch.acct.Snapshot(params.Trader, params.Market)
	oldSize := acctSnap.Position.Size

	res, err := ch.exch.Swap(exchange.SwapParams{
		Trader:        params.Trader,
		Market:        params.Market,
		IsBaseToQuote: params.IsBaseToQuote,
		IsExactInput:  params.IsExactInput,
		Amount:        params.Amount,
	})
	if err != nil {
		return PositionResult{}, err
	}

	rollback := func() {
		_ = ch.registry.SetPool(params.Market, poolSnap)
		ch.acct.Restore(acctSnap)
	}

	if err := checkOppositeBound(params, res); err != nil {
		rollback()
		return PositionResult{}, err
	}

	realized := ch.acct.ModifyTakerPosition(params.Trader, params.Market, res.LedgerBaseDelta, res.QuoteDeltaAfterFee)

	newSize := ch.acct.GetPosition(params.Trader, params.Market).Size
	riskIncreasing := newSize.Abs().GreaterThan(oldSize.Abs())

	// Risk-increasing trades must meet initial margin; voluntary reductions
	// must still meet maintenance margin. The close path (enforceIM false,
	// never risk-increasing) skips the check: an underwater account must
	// remain closeable or it could never be liquidated.
	ok := true
	if riskIncreasing {
		if enforceIM {
			ok, err = ch.vault.MeetsInitialMargin(params.Trader)
		} else {
			ok, err = ch.vault.MeetsMaintenanceMargin(params.Trader)
		}
	} else if enforceIM {
		ok, err = ch.vault.MeetsMaintenanceMargin(params.Trader)
	}
	if err != nil {
		rollback()
		return PositionResult{}, err
	}
	if !ok {
		rollback()
		return PositionResult{}, ErrInsufficientMargin
	}

	ch.fund.Contribute(res.InsuranceFee)

	direction := "long"
	if res.LedgerBaseDelta.Sign() < 0 {
		direction = "short"
	}
	metrics.TradesTotal.WithLabelValues(params.Market, direction).Inc()
	metrics.InsuranceFundBalance.Set(ch.fund.Balance().InexactFloat64())

	out := PositionResult{
		Trader:      params.Trader,
		Market:      params.Market,
		BaseDelta:   res.LedgerBaseDelta,
		QuoteDelta:  res.QuoteDeltaAfterFee,
		Fee:         res.Fee,
		RealizedPnl: realized,
		MarkPrice:   res.MarkPrice,
	}
	ch.record(model.LedgerEntry{
		Kind:        model.EntryKindTrade,
		Trader:      params.Trader,
		Market:      params.Market,
		BaseDelta:   out.BaseDelta,
		QuoteDelta:  out.QuoteDelta,
		Fee:         out.Fee,
		RealizedPnl: realized,
		Price:       res.MarkPrice,
	})
	ch.log.Info("position modified",
		"trader", params.Trader,
		"market", params.Market,
		"base", out.BaseDelta.String(),
		"quote", out.QuoteDelta.String(),
		"fee", out.Fee.String(),
		"mark", res.MarkPrice.String(),
	)
	return out, nil
}

// ClosePosition fully closes the trader's taker position with a market
// swap in the opposite direction.
func (ch *ClearingHouse) ClosePosition(trader, market string, oppositeAmountBound decimal.Decimal, deadline time.Time) (PositionResult, error) {
	if err := ch.checkDeadline(deadline); err != nil {
		return PositionResult{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closePositionLocked(trader, market, oppositeAmountBound)
}

func (ch *ClearingHouse) closePositionLocked(trader, market string, oppositeAmountBound decimal.Decimal) (PositionResult, error) {
	pos := ch.acct.GetPosition(trader, market)
	return ch.closeSizeLocked(trader, market, pos.Size, oppositeAmountBound)
}

// closeSizeLocked closes the given ledger-denominated size of the trader's
// position with a market swap in the opposite direction.
func (ch *ClearingHouse) closeSizeLocked(trader, market string, size, oppositeAmountBound decimal.Decimal) (PositionResult, error) {
	if size.IsZero() {
		return PositionResult{}, ErrNoPosition
	}

	params := OpenPositionParams{
		Trader:              trader,
		Market:              market,
		OppositeAmountBound: oppositeAmountBound,
	}
	poolBase := ch.acct.PoolBaseFromLedger(market, size)
	if size.Sign() > 0 {
		// Long: sell the base back, exact input.
		params.IsBaseToQuote = true
		params.IsExactInput = true
		params.Amount = poolBase
	} else {
		// Short: buy the base back, exact output.
		params.IsBaseToQuote = false
		params.IsExactInput = false
		params.Amount = poolBase.Neg()
	}
	return ch.openPositionLocked(params, false)
}

// checkOppositeBound enforces the slippage guard on the non-fixed leg.
func checkOppositeBound(params OpenPositionParams, res exchange.SwapResult) error {
	if params.OppositeAmountBound.IsZero() {
		return nil
	}
	received, paid := res.BaseDelta, res.QuoteDeltaAfterFee
	if params.IsBaseToQuote {
		received, paid = res.QuoteDeltaAfterFee, res.BaseDelta
	}
	if params.IsExactInput {
		if received.LessThan(params.OppositeAmountBound) {
			return ErrSlippage
		}
		return nil
	}
	if paid.Abs().GreaterThan(params.OppositeAmountBound) {
		return ErrSlippage
	}
	return nil
}

func (ch *ClearingHouse) checkDeadline(deadline time.Time) error {
	if deadline.IsZero() {
		return nil
	}
	ch.mu.Lock()
	now := ch.now()
	ch.mu.Unlock()
	if now.After(deadline) {
		return ErrDeadlineExpired
	}
	return nil
}

// record journals an entry, stamping its identity and time.
func (ch *ClearingHouse) record(entry model.LedgerEntry) {
	entry.ID = uuid.NewString()
	entry.Timestamp = ch.now()
	if ch.journal != nil {
		if err := ch.journal.Append(entry); err != nil {
			ch.log.Error("journal append failed", "kind", entry.Kind, "error", err)
		}
	}
	if ch.events != nil {
		ch.events.Broadcast(entry)
	}
}
