package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/clearinghouse"
	"github.com/perpvenue/engine/internal/collateral"
	"github.com/perpvenue/engine/internal/exchange"
	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/orderbook"
	"github.com/perpvenue/engine/internal/pool"
	"github.com/perpvenue/engine/internal/registry"
	"github.com/perpvenue/engine/internal/store"
	"github.com/perpvenue/engine/internal/vault"
)

// Server exposes the clearinghouse over HTTP.
type Server struct {
	ch       *clearinghouse.ClearingHouse
	registry *registry.Registry
	store    store.Store
	hub      *WSHub
	log      *slog.Logger
}

// NewServer creates an API server. store and hub may be nil.
func NewServer(ch *clearinghouse.ClearingHouse, reg *registry.Registry, st store.Store, hub *WSHub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{ch: ch, registry: reg, store: st, hub: hub, log: log}
}

// Routes mounts the venue API under the given router.
func (s *Server) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/markets", s.listMarkets)
	r.Get("/markets/{market}", s.getMarket)
	r.Get("/markets/{market}/history", s.getMarketHistory)
	r.Get("/markets/{market}/orders", s.getMarketOrders)
	r.Post("/markets/{market}/status", s.setMarketStatus)
	r.Post("/markets/{market}/risk", s.updateRiskParams)

	r.Post("/positions", s.openPosition)
	r.Post("/positions/close", s.closePosition)
	r.Post("/quote", s.quote)

	r.Post("/liquidity", s.addLiquidity)
	r.Post("/liquidity/remove", s.removeLiquidity)

	r.Post("/deposits", s.deposit)
	r.Post("/withdrawals", s.withdraw)

	r.Post("/liquidations", s.liquidate)
	r.Post("/liquidations/collateral", s.liquidateCollateral)
	r.Post("/bad-debt/{trader}", s.settleBadDebt)

	r.Get("/funding/{market}/{trader}", s.getPendingFunding)
	r.Post("/funding/{market}/{trader}", s.settleFunding)
	r.Get("/repeg/{market}", s.getRepegStatus)
	r.Post("/repeg/{market}", s.repeg)

	r.Get("/portfolio/{trader}", s.getPortfolio)
}

// --- Request types ---

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Trader              string          `json:"trader"`
	Market              string          `json:"market"`
	IsBaseToQuote       bool            `json:"is_base_to_quote"`
	IsExactInput        bool            `json:"is_exact_input"`
	Amount              decimal.Decimal `json:"amount"`
	OppositeAmountBound decimal.Decimal `json:"opposite_amount_bound"`
	DeadlineUnix        int64           `json:"deadline"` // unix seconds; 0 = none
}

// ClosePositionRequest is the JSON body for POST /positions/close.
type ClosePositionRequest struct {
	Trader              string          `json:"trader"`
	Market              string          `json:"market"`
	OppositeAmountBound decimal.Decimal `json:"opposite_amount_bound"`
	DeadlineUnix        int64           `json:"deadline"`
}

// LiquidityRequest is the JSON body for liquidity operations.
type LiquidityRequest struct {
	Trader       string          `json:"trader"`
	Market       string          `json:"market"`
	TickLower    int             `json:"tick_lower"`
	TickUpper    int             `json:"tick_upper"`
	Liquidity    decimal.Decimal `json:"liquidity"`
	DeadlineUnix int64           `json:"deadline"`
}

// TransferRequest is the JSON body for deposits and withdrawals.
type TransferRequest struct {
	Trader string          `json:"trader"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

// LiquidateRequest is the JSON body for POST /liquidations. A zero or
// omitted close ratio closes the whole position.
type LiquidateRequest struct {
	Liquidator string          `json:"liquidator"`
	Trader     string          `json:"trader"`
	Market     string          `json:"market"`
	CloseRatio decimal.Decimal `json:"close_ratio"`
}

// LiquidateCollateralRequest is the JSON body for collateral liquidations.
type LiquidateCollateralRequest struct {
	Liquidator string          `json:"liquidator"`
	Trader     string          `json:"trader"`
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
}

// MarketStatusRequest is the JSON body for POST /markets/{market}/status.
type MarketStatusRequest struct {
	Status string `json:"status"`
}

// RiskParamsRequest is the JSON body for POST /markets/{market}/risk.
type RiskParamsRequest struct {
	FeeRatio              decimal.Decimal `json:"fee_ratio"`
	InsuranceFundFeeRatio decimal.Decimal `json:"insurance_fund_fee_ratio"`
	MaxTickCrossed        int             `json:"max_tick_crossed_within_block"`
}

// QuoteRequest is the JSON body for POST /quote.
type QuoteRequest struct {
	Trader        string          `json:"trader"`
	Market        string          `json:"market"`
	IsBaseToQuote bool            `json:"is_base_to_quote"`
	IsExactInput  bool            `json:"is_exact_input"`
	Amount        decimal.Decimal `json:"amount"`
}

// --- Handlers ---

func (s *Server) listMarkets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	market := chi.URLParam(r, "market")
	snap, err := s.ch.MarketSnapshot(market)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getMarketHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, "history not available", http.StatusNotFound)
		return
	}
	entries, err := s.store.GetLedgerEntriesByMarket(r.Context(), chi.URLParam(r, "market"))
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) setMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req MarketStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case "open", "paused", "closed":
	default:
		writeError(w, "status must be open, paused or closed", http.StatusBadRequest)
		return
	}
	market := chi.URLParam(r, "market")
	if err := s.registry.SetStatus(market, req.Status); err != nil {
		writeDomainError(w, err)
		return
	}
	if s.store != nil {
		if err := s.store.UpdateMarketStatus(r.Context(), market, req.Status); err != nil {
			s.log.Warn("failed to persist market status", "market", market, "error", err)
		}
	}
	s.log.Info("market status changed", "market", market, "status", req.Status)
	writeJSON(w, http.StatusOK, map[string]string{"market": market, "status": req.Status})
}

func (s *Server) updateRiskParams(w http.ResponseWriter, r *http.Request) {
	var req RiskParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	market := chi.URLParam(r, "market")
	if err := s.registry.UpdateRiskParams(market, req.FeeRatio, req.InsuranceFundFeeRatio, req.MaxTickCrossed); err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("risk params updated",
		"market", market,
		"fee_ratio", req.FeeRatio.String(),
		"insurance_fund_fee_ratio", req.InsuranceFundFeeRatio.String(),
		"max_tick_crossed", req.MaxTickCrossed,
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) openPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.ch.OpenPosition(clearinghouse.OpenPositionParams{
		Trader:              req.Trader,
		Market:              req.Market,
		IsBaseToQuote:       req.IsBaseToQuote,
		IsExactInput:        req.IsExactInput,
		Amount:              req.Amount,
		OppositeAmountBound: req.OppositeAmountBound,
		Deadline:            unixDeadline(req.DeadlineUnix),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.ch.ClosePosition(req.Trader, req.Market, req.OppositeAmountBound, unixDeadline(req.DeadlineUnix))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.ch.Quote(exchange.SwapParams{
		Trader:        req.Trader,
		Market:        req.Market,
		IsBaseToQuote: req.IsBaseToQuote,
		IsExactInput:  req.IsExactInput,
		Amount:        req.Amount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) addLiquidity(w http.ResponseWriter, r *http.Request) {
	s.handleLiquidity(w, r, s.ch.AddLiquidity)
}

func (s *Server) removeLiquidity(w http.ResponseWriter, r *http.Request) {
	s.handleLiquidity(w, r, s.ch.RemoveLiquidity)
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request, op func(clearinghouse.LiquidityParams) (clearinghouse.LiquidityResult, error)) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := op(clearinghouse.LiquidityParams{
		Trader:    req.Trader,
		Market:    req.Market,
		TickLower: req.TickLower,
		TickUpper: req.TickUpper,
		Liquidity: req.Liquidity,
		Deadline:  unixDeadline(req.DeadlineUnix),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ch.Deposit(req.Trader, req.Token, req.Amount, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ch.Withdraw(req.Trader, req.Token, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.ch.Liquidate(req.Liquidator, req.Trader, req.Market, req.CloseRatio)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) liquidateCollateral(w http.ResponseWriter, r *http.Request) {
	var req LiquidateCollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	value, err := s.ch.LiquidateCollateral(req.Liquidator, req.Trader, req.Token, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": value.String()})
}

func (s *Server) settleBadDebt(w http.ResponseWriter, r *http.Request) {
	shortfall, err := s.ch.SettleBadDebt(chi.URLParam(r, "trader"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shortfall": shortfall.String()})
}

func (s *Server) settleFunding(w http.ResponseWriter, r *http.Request) {
	payment, err := s.ch.SettleFunding(chi.URLParam(r, "trader"), chi.URLParam(r, "market"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payment": payment.String()})
}

func (s *Server) getMarketOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.ch.MarketOrders(chi.URLParam(r, "market"))
	if orders == nil {
		orders = []model.LiquidityOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) getPendingFunding(w http.ResponseWriter, r *http.Request) {
	pending, err := s.ch.PendingFunding(chi.URLParam(r, "trader"), chi.URLParam(r, "market"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pending": pending.String()})
}

func (s *Server) getRepegStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ch.CheckRepeg(chi.URLParam(r, "market"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) repeg(w http.ResponseWriter, r *http.Request) {
	res, err := s.ch.Repeg(chi.URLParam(r, "market"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getPortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := s.ch.Portfolio(chi.URLParam(r, "trader"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

// --- Helpers ---

func unixDeadline(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps engine sentinel errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrMarketNotFound),
		errors.Is(err, orderbook.ErrOrderNotFound),
		errors.Is(err, clearinghouse.ErrNoPosition),
		errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, clearinghouse.ErrInsufficientMargin),
		errors.Is(err, vault.ErrInsufficientFreeCollateral),
		errors.Is(err, vault.ErrInsufficientBalance):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, clearinghouse.ErrDeadlineExpired),
		errors.Is(err, clearinghouse.ErrSlippage),
		errors.Is(err, exchange.ErrExcessivePriceImpact),
		errors.Is(err, pool.ErrInsufficientLiquidity):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, clearinghouse.ErrAccountHealthy),
		errors.Is(err, exchange.ErrRepegNotEligible),
		errors.Is(err, vault.ErrNoBadDebt),
		errors.Is(err, vault.ErrPositionsOpen),
		errors.Is(err, registry.ErrMarketNotOpen):
		writeError(w, err.Error(), http.StatusPreconditionFailed)
	case errors.Is(err, exchange.ErrZeroAmount),
		errors.Is(err, registry.ErrInvalidRatio),
		errors.Is(err, clearinghouse.ErrInvalidRatio),
		errors.Is(err, vault.ErrZeroAmount),
		errors.Is(err, vault.ErrInconsistentTokenBalance),
		errors.Is(err, collateral.ErrUnsupportedToken),
		errors.Is(err, collateral.ErrDepositCapExceeded),
		errors.Is(err, collateral.ErrTokenLimitExceeded):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
