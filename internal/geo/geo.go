// Package geo indexes observed DriverAvailability broadcasts so the
// rider side can list drivers near a coarse location. It is a derived
// view over the event feed, not protocol state: losing it costs
// nothing but a re-scan.
package geo

import (
	"sync"
	"time"

	"github.com/example/ride-protocol/internal/fare"
	"github.com/example/ride-protocol/internal/models"
)

// Availability is the minimal interface the HTTP API and agent need.
type Availability interface {
	Nearby(lat, lon float64, limit int) []models.DriverAd
	Upsert(ad models.DriverAd)
}

// Index is the in-memory Availability used when Redis isn't
// configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverAd
	maxAge  time.Duration
}

func NewIndex(maxAge time.Duration) *Index {
	return &Index{drivers: make(map[string]models.DriverAd), maxAge: maxAge}
}

func (g *Index) Upsert(ad models.DriverAd) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ad.Seen.IsZero() {
		ad.Seen = time.Now()
	}
	g.drivers[ad.Key] = ad
}

// Nearby returns up to limit ads sorted by great-circle distance,
// skipping ads older than maxAge.
func (g *Index) Nearby(lat, lon float64, limit int) []models.DriverAd {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		ad   models.DriverAd
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, ad := range g.drivers {
		if g.maxAge > 0 && time.Since(ad.Seen) > g.maxAge {
			continue
		}
		dist := fare.Haversine(lat, lon, ad.Location.Lat, ad.Location.Lon)
		arr = append(arr, pair{ad, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.DriverAd, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].ad)
	}
	return out
}
