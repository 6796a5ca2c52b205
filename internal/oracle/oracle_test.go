package oracle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/oracle"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRecordedFeed_SpotAndMissing(t *testing.T) {
	feed := oracle.NewRecordedFeed(0)

	if _, err := feed.GetIndexPrice("vETH", 0); !errors.Is(err, oracle.ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}

	feed.Record("vETH", d(100))
	feed.Record("vETH", d(110))
	p, err := feed.GetIndexPrice("vETH", 0)
	if err != nil {
		t.Fatalf("spot read failed: %v", err)
	}
	if !p.Equal(d(110)) {
		t.Errorf("spot should be the latest observation, got %s", p)
	}
}

func TestRecordedFeed_Staleness(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feed := oracle.NewRecordedFeed(time.Hour)
	feed.SetClock(func() time.Time { return clock })

	feed.Record("vETH", d(100))

	clock = clock.Add(30 * time.Minute)
	if _, err := feed.GetIndexPrice("vETH", 0); err != nil {
		t.Fatalf("fresh price should read: %v", err)
	}

	clock = clock.Add(45 * time.Minute)
	if _, err := feed.GetIndexPrice("vETH", 0); !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice after the bound, got %v", err)
	}

	// A new observation refreshes the feed.
	feed.Record("vETH", d(105))
	if _, err := feed.GetIndexPrice("vETH", 0); err != nil {
		t.Errorf("refreshed price should read: %v", err)
	}
}

func TestRecordedFeed_Twap(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feed := oracle.NewRecordedFeed(0)
	feed.SetClock(func() time.Time { return clock })

	// 100 holds for 10 minutes, then 200 for 10 minutes.
	feed.Record("vETH", d(100))
	clock = clock.Add(10 * time.Minute)
	feed.Record("vETH", d(200))
	clock = clock.Add(10 * time.Minute)

	p, err := feed.GetIndexPrice("vETH", 20*time.Minute)
	if err != nil {
		t.Fatalf("twap read failed: %v", err)
	}
	if p.Sub(d(150)).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("equal-duration twap should be 150, got %s", p)
	}

	// A window covering only the second sample returns that price.
	p, err = feed.GetIndexPrice("vETH", 5*time.Minute)
	if err != nil {
		t.Fatalf("twap read failed: %v", err)
	}
	if !p.Equal(d(200)) {
		t.Errorf("narrow window should only see the latest price, got %s", p)
	}
}

func TestStaticFeed(t *testing.T) {
	feed := oracle.NewStaticFeed()
	if _, err := feed.GetIndexPrice("vETH", 0); !errors.Is(err, oracle.ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
	feed.Set("vETH", d(123))
	p, err := feed.GetIndexPrice("vETH", time.Hour)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !p.Equal(d(123)) {
		t.Errorf("static feed should ignore the window, got %s", p)
	}
}
