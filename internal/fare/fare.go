package fare

import (
	"errors"
	"math"

	"github.com/example/ride-protocol/internal/models"
)

// Rates are the fiat-denominated tariff parameters. Injected rather
// than hard-coded so tests can fix them.
type Rates struct {
	Base      float64 // flat component
	PerKm     float64 // per kilometer of great-circle distance
	PerMinute float64 // per minute of estimated duration
}

// RateSource supplies the fiat→satoshi conversion rate. The core
// never fetches this itself; see HTTPRateSource and StaticRate.
type RateSource interface {
	SatsPerUnit() (float64, error)
}

// StaticRate is a fixed conversion rate.
type StaticRate float64

func (r StaticRate) SatsPerUnit() (float64, error) { return float64(r), nil }

var (
	// ErrNegativeInput is returned for negative distance or duration.
	ErrNegativeInput = errors.New("distance and duration must be non-negative")

	// ErrNoRate is returned when the rate source has no usable rate.
	ErrNoRate = errors.New("no exchange rate available")
)

// Estimator computes integer satoshi fares from distance and duration.
type Estimator struct {
	Rates  Rates
	Source RateSource
}

// Estimate returns the fare in satoshis:
// base + km*perKm + minutes*perMinute, converted at the current rate.
// Non-decreasing in both distance and duration for fixed rates.
func (e *Estimator) Estimate(distanceMeters, durationSeconds float64) (int64, error) {
	if distanceMeters < 0 || durationSeconds < 0 {
		return 0, ErrNegativeInput
	}
	rate, err := e.Source.SatsPerUnit()
	if err != nil {
		return 0, err
	}
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, ErrNoRate
	}
	fiat := e.Rates.Base + distanceMeters/1000*e.Rates.PerKm + durationSeconds/60*e.Rates.PerMinute
	return int64(math.Round(fiat * rate)), nil
}

// Quote estimates a trip between two coarse coordinates, deriving
// duration from great-circle distance at an assumed average speed.
// No road routing happens here; the straight-line approximation is
// visible to callers through the quote type, never silently upgraded.
func (e *Estimator) Quote(from, to models.CoarseLocation, speedMps float64) models.FareQuote {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	sats, err := e.Estimate(d, d/speedMps)
	if err != nil {
		return models.FailedQuote(err.Error())
	}
	return models.AvailableQuote(sats)
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
