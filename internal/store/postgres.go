package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (base_token, quote_token, fee_ratio, insurance_fund_fee_ratio,
		                      max_tick_crossed, tick_spacing, repeg_spread_ratio, repeg_duration_seconds,
		                      status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		m.BaseToken, m.QuoteToken,
		m.FeeRatio.String(), m.InsuranceFundFeeRatio.String(),
		m.MaxTickCrossedWithinBlock, m.TickSpacing,
		m.Repeg.SpreadRatio.String(), int64(m.Repeg.Duration/time.Second),
		m.Status, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, baseToken string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT base_token, quote_token, fee_ratio::TEXT, insurance_fund_fee_ratio::TEXT,
		        max_tick_crossed, tick_spacing, repeg_spread_ratio::TEXT, repeg_duration_seconds,
		        status, created_at
		 FROM markets WHERE base_token = $1`, baseToken)

	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get market %s: %w", baseToken, ErrNotFound)
		}
		return nil, fmt.Errorf("get market %s: %w", baseToken, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT base_token, quote_token, fee_ratio::TEXT, insurance_fund_fee_ratio::TEXT,
		        max_tick_crossed, tick_spacing, repeg_spread_ratio::TEXT, repeg_duration_seconds,
		        status, created_at
		 FROM markets ORDER BY base_token`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, baseToken, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2 WHERE base_token = $1`, baseToken, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update market %s: %w", baseToken, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, kind, trader, market, token,
		                             base_delta, quote_delta, fee, realized_pnl, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		e.ID, e.Kind, e.Trader, e.Market, e.Token,
		e.BaseDelta.String(), e.QuoteDelta.String(),
		e.Fee.String(), e.RealizedPnl.String(), e.Price.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, market string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, trader, market, token,
		        base_delta::TEXT, quote_delta::TEXT, fee::TEXT, realized_pnl::TEXT, price::TEXT, timestamp
		 FROM ledger_entries WHERE market = $1 ORDER BY timestamp`, market)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, trader, market, token,
		        base_delta::TEXT, quote_delta::TEXT, fee::TEXT, realized_pnl::TEXT, price::TEXT, timestamp
		 FROM ledger_entries WHERE trader = $1 ORDER BY timestamp`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_snapshots (market, mark_price, index_price, tw_premium_long, tw_premium_short,
		                               open_interest_long, open_interest_short, liquidity_base, timestamp)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		snap.Market,
		snap.MarkPrice.String(), snap.IndexPrice.String(),
		snap.TwPremiumLong.String(), snap.TwPremiumShort.String(),
		snap.OpenInterestLong.String(), snap.OpenInterestShort.String(), snap.LiquidityBase.String(),
		snap.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLatestSnapshot(ctx context.Context, market string) (*model.MarketSnapshot, error) {
	var snap model.MarketSnapshot
	var mark, index, twLong, twShort, oiLong, oiShort, liqBase string

	err := s.pool.QueryRow(ctx,
		`SELECT market, mark_price::TEXT, index_price::TEXT,
		        tw_premium_long::TEXT, tw_premium_short::TEXT,
		        open_interest_long::TEXT, open_interest_short::TEXT, liquidity_base::TEXT, timestamp
		 FROM market_snapshots WHERE market = $1
		 ORDER BY timestamp DESC LIMIT 1`, market).
		Scan(&snap.Market, &mark, &index, &twLong, &twShort, &oiLong, &oiShort, &liqBase, &snap.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("snapshot for %s: %w", market, ErrNotFound)
		}
		return nil, err
	}

	snap.MarkPrice, _ = decimal.NewFromString(mark)
	snap.IndexPrice, _ = decimal.NewFromString(index)
	snap.TwPremiumLong, _ = decimal.NewFromString(twLong)
	snap.TwPremiumShort, _ = decimal.NewFromString(twShort)
	snap.OpenInterestLong, _ = decimal.NewFromString(oiLong)
	snap.OpenInterestShort, _ = decimal.NewFromString(oiShort)
	snap.LiquidityBase, _ = decimal.NewFromString(liqBase)
	return &snap, nil
}

// pgxRow is the subset of pgx row types scanMarket needs.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanMarket(row pgxRow) (*model.Market, error) {
	var m model.Market
	var feeRatio, ifFeeRatio, spreadRatio string
	var repegSeconds int64

	if err := row.Scan(&m.BaseToken, &m.QuoteToken, &feeRatio, &ifFeeRatio,
		&m.MaxTickCrossedWithinBlock, &m.TickSpacing,
		&spreadRatio, &repegSeconds,
		&m.Status, &m.CreatedAt); err != nil {
		return nil, err
	}

	m.FeeRatio, _ = decimal.NewFromString(feeRatio)
	m.InsuranceFundFeeRatio, _ = decimal.NewFromString(ifFeeRatio)
	m.Repeg.SpreadRatio, _ = decimal.NewFromString(spreadRatio)
	m.Repeg.Duration = time.Duration(repegSeconds) * time.Second
	return &m, nil
}

// pgxRows is the subset of pgx.Rows scanLedgerEntries needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var baseS, quoteS, feeS, pnlS, priceS string

		if err := rows.Scan(&e.ID, &e.Kind, &e.Trader, &e.Market, &e.Token,
			&baseS, &quoteS, &feeS, &pnlS, &priceS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.BaseDelta, _ = decimal.NewFromString(baseS)
		e.QuoteDelta, _ = decimal.NewFromString(quoteS)
		e.Fee, _ = decimal.NewFromString(feeS)
		e.RealizedPnl, _ = decimal.NewFromString(pnlS)
		e.Price, _ = decimal.NewFromString(priceS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
