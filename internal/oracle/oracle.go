// Package oracle defines the read-only index price capability consumed by
// the venue and test implementations of it. The real feed lives outside the
// engine; the engine only requires "index price over an averaging window".
package oracle

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrStalePrice is returned when the newest observation is older than
	// the feed's staleness bound. Callers propagate it uninterpreted.
	ErrStalePrice = errors.New("oracle: price data too old")

	// ErrNoPrice is returned when a feed has no observation for the market.
	ErrNoPrice = errors.New("oracle: no price for market")
)

// PriceFeed supplies a time-weighted index price for one market over the
// requested averaging window. window = 0 means the spot observation.
type PriceFeed interface {
	GetIndexPrice(market string, window time.Duration) (decimal.Decimal, error)
}

// sample is one recorded index price observation.
type sample struct {
	price decimal.Decimal
	ts    time.Time
}

// RecordedFeed is an in-process PriceFeed fed by explicit observations.
// It serves tests and local deployments; production wires an external feed.
type RecordedFeed struct {
	mu        sync.RWMutex
	samples   map[string][]sample
	staleness time.Duration
	now       func() time.Time
}

// NewRecordedFeed creates a feed whose observations expire after staleness.
// staleness <= 0 disables the staleness check.
func NewRecordedFeed(staleness time.Duration) *RecordedFeed {
	return &RecordedFeed{
		samples:   make(map[string][]sample),
		staleness: staleness,
		now:       time.Now,
	}
}

// SetClock overrides the feed's time source. Used by tests.
func (f *RecordedFeed) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Record appends an observation for a market.
func (f *RecordedFeed) Record(market string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[market] = append(f.samples[market], sample{price: price, ts: f.now()})

	// Keep a bounded history; funding windows are short.
	const keep = 1024
	if len(f.samples[market]) > keep {
		f.samples[market] = f.samples[market][len(f.samples[market])-keep:]
	}
}

// GetIndexPrice returns the time-weighted average price over the window, or
// the latest observation when window is zero.
func (f *RecordedFeed) GetIndexPrice(market string, window time.Duration) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	samples := f.samples[market]
	if len(samples) == 0 {
		return decimal.Zero, ErrNoPrice
	}

	now := f.now()
	latest := samples[len(samples)-1]
	if f.staleness > 0 && now.Sub(latest.ts) > f.staleness {
		return decimal.Zero, ErrStalePrice
	}
	if window <= 0 {
		return latest.price, nil
	}

	// Time-weighted average: each sample holds from its timestamp to the
	// next one's, clipped to [now-window, now].
	cutoff := now.Add(-window)
	weighted := decimal.Zero
	total := decimal.Zero
	for i, s := range samples {
		start := s.ts
		end := now
		if i+1 < len(samples) {
			end = samples[i+1].ts
		}
		if end.Before(cutoff) {
			continue
		}
		if start.Before(cutoff) {
			start = cutoff
		}
		secs := decimal.NewFromFloat(end.Sub(start).Seconds())
		if secs.Sign() <= 0 {
			continue
		}
		weighted = weighted.Add(s.price.Mul(secs))
		total = total.Add(secs)
	}
	if total.Sign() <= 0 {
		return latest.price, nil
	}
	return weighted.DivRound(total, 18), nil
}

// StaticFeed returns a fixed price for every market and window. Test helper.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticFeed creates an empty static feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]decimal.Decimal)}
}

// Set fixes the price for a market.
func (f *StaticFeed) Set(market string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[market] = price
}

// GetIndexPrice returns the fixed price regardless of window.
func (f *StaticFeed) GetIndexPrice(market string, _ time.Duration) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[market]
	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	return p, nil
}
