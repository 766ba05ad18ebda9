package fare

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/ride-protocol/internal/models"
)

func testEstimator(rate RateSource) *Estimator {
	return &Estimator{
		Rates:  Rates{Base: 1.5, PerKm: 1.0, PerMinute: 0.25},
		Source: rate,
	}
}

func TestEstimateKnownValues(t *testing.T) {
	e := testEstimator(StaticRate(1000))

	// Zero trip still charges the base component.
	sats, err := e.Estimate(0, 0)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if sats != 1500 {
		t.Fatalf("zero trip: got %d sats, want 1500", sats)
	}

	// 2 km and 2 minutes: 1.5 + 2.0 + 0.5 = 4.0 fiat units.
	sats, err = e.Estimate(2000, 120)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if sats != 4000 {
		t.Fatalf("2km/2min trip: got %d sats, want 4000", sats)
	}
}

func TestEstimateMonotonicInDistanceAndDuration(t *testing.T) {
	e := testEstimator(StaticRate(1000))
	prev := int64(-1)
	for d := 0.0; d <= 50000; d += 2500 {
		sats, err := e.Estimate(d, 600)
		if err != nil {
			t.Fatalf("estimate at %fm: %v", d, err)
		}
		if sats < prev {
			t.Fatalf("fare decreased with distance: %d after %d", sats, prev)
		}
		prev = sats
	}
	prev = -1
	for dur := 0.0; dur <= 3600; dur += 300 {
		sats, err := e.Estimate(10000, dur)
		if err != nil {
			t.Fatalf("estimate at %fs: %v", dur, err)
		}
		if sats < prev {
			t.Fatalf("fare decreased with duration: %d after %d", sats, prev)
		}
		prev = sats
	}
}

func TestEstimateRejectsNegativeInput(t *testing.T) {
	e := testEstimator(StaticRate(1000))
	if _, err := e.Estimate(-1, 0); !errors.Is(err, ErrNegativeInput) {
		t.Fatalf("got %v, want ErrNegativeInput", err)
	}
	if _, err := e.Estimate(0, -1); !errors.Is(err, ErrNegativeInput) {
		t.Fatalf("got %v, want ErrNegativeInput", err)
	}
}

func TestEstimateUnusableRate(t *testing.T) {
	for _, rate := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		e := testEstimator(StaticRate(rate))
		if _, err := e.Estimate(1000, 60); !errors.Is(err, ErrNoRate) {
			t.Fatalf("rate %f: got %v, want ErrNoRate", rate, err)
		}
	}
}

type failingRate struct{}

func (failingRate) SatsPerUnit() (float64, error) { return 0, errors.New("ticker down") }

func TestQuoteStates(t *testing.T) {
	sf := models.CoarseLocation{Lat: 37.78, Lon: -122.42}
	oak := models.CoarseLocation{Lat: 37.80, Lon: -122.27}

	q := testEstimator(StaticRate(1000)).Quote(sf, oak, 10)
	if q.State != models.QuoteAvailable {
		t.Fatalf("got state %d, want QuoteAvailable", q.State)
	}
	if q.Sats <= 1500 {
		t.Fatalf("cross-bay quote %d sats is not above the base fare", q.Sats)
	}

	q = testEstimator(failingRate{}).Quote(sf, oak, 10)
	if q.State != models.QuoteFailed || q.Reason == "" {
		t.Fatalf("got %+v, want a failed quote with a reason", q)
	}
}

func TestQuoteDefaultsSpeed(t *testing.T) {
	e := testEstimator(StaticRate(1000))
	a := e.Quote(models.CoarseLocation{Lat: 0, Lon: 0}, models.CoarseLocation{Lat: 0, Lon: 0.1}, 0)
	b := e.Quote(models.CoarseLocation{Lat: 0, Lon: 0}, models.CoarseLocation{Lat: 0, Lon: 0.1}, 8.0)
	if a != b {
		t.Fatalf("zero speed did not fall back to the default: %+v vs %+v", a, b)
	}
}

func TestHaversine(t *testing.T) {
	// San Francisco to Los Angeles, roughly 559 km.
	d := Haversine(37.7749, -122.4194, 34.0522, -118.2437)
	if d < 540000 || d > 580000 {
		t.Fatalf("SF-LA distance %fm outside expected range", d)
	}
	if z := Haversine(12.34, 56.78, 12.34, 56.78); z != 0 {
		t.Fatalf("zero-length path has distance %f", z)
	}
}

type countingRate struct {
	calls int
	rate  float64
}

func (c *countingRate) SatsPerUnit() (float64, error) {
	c.calls++
	return c.rate, nil
}

func TestCachedRate(t *testing.T) {
	src := &countingRate{rate: 1000}
	cached := NewCachedRate(src, time.Hour)

	for i := 0; i < 5; i++ {
		rate, err := cached.SatsPerUnit()
		if err != nil {
			t.Fatalf("cached rate: %v", err)
		}
		if rate != 1000 {
			t.Fatalf("got rate %f, want 1000", rate)
		}
	}
	if src.calls != 1 {
		t.Fatalf("source fetched %d times within the TTL, want 1", src.calls)
	}
}
