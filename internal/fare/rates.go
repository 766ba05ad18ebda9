package fare

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTPRateSource fetches the fiat→satoshi rate from a ticker endpoint
// returning {"sats_per_unit": <float>}. If the fetch fails and a
// Fallback rate is configured, the fallback is used.
type HTTPRateSource struct {
	Endpoint string
	Client   *http.Client
	Fallback float64
}

func NewHTTPRateSource(endpoint string, fallback float64) *HTTPRateSource {
	return &HTTPRateSource{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Second},
		Fallback: fallback,
	}
}

func (s *HTTPRateSource) SatsPerUnit() (float64, error) {
	rate, err := s.fetch()
	if err != nil {
		if s.Fallback > 0 {
			return s.Fallback, nil
		}
		return 0, err
	}
	return rate, nil
}

func (s *HTTPRateSource) fetch() (float64, error) {
	resp, err := s.Client.Get(s.Endpoint)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate endpoint status %d", resp.StatusCode)
	}
	var out struct {
		SatsPerUnit float64 `json:"sats_per_unit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.SatsPerUnit <= 0 {
		return 0, ErrNoRate
	}
	return out.SatsPerUnit, nil
}

// CachedRate wraps a RateSource with a TTL cache so quote endpoints
// don't hammer the ticker.
type CachedRate struct {
	Source RateSource
	TTL    time.Duration

	mu   sync.Mutex
	rate float64
	at   time.Time
}

func NewCachedRate(source RateSource, ttl time.Duration) *CachedRate {
	return &CachedRate{Source: source, TTL: ttl}
}

func (c *CachedRate) SatsPerUnit() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rate > 0 && time.Since(c.at) <= c.TTL {
		return c.rate, nil
	}
	rate, err := c.Source.SatsPerUnit()
	if err != nil {
		return 0, err
	}
	c.rate, c.at = rate, time.Now()
	return rate, nil
}
