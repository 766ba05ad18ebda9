package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-protocol/internal/models"
)

// RedisGeo implements Availability using Redis GEO commands, so
// several local processes (agent, archiver) can share one index.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(ad models.DriverAd) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: ad.Location.Lon,
		Latitude:  ad.Location.Lat,
		Name:      ad.Key,
	}).Result()
	_ = r.client.HSet(r.ctx, metaKey(ad.Key), map[string]interface{}{
		"radius_m": strconv.Itoa(ad.Location.RadiusMeters),
		"seen":     ad.Seen.Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Nearby(lat, lon float64, limit int) []models.DriverAd {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: 5000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.DriverAd, 0, len(res))
	for _, g := range res {
		ad := models.DriverAd{Key: g.Name}
		ad.Location.Lat = g.Latitude
		ad.Location.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["radius_m"]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					ad.Location.RadiusMeters = n
				}
			}
			if v, ok := m["seen"]; ok {
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					ad.Seen = t
				}
			}
		}
		out = append(out, ad)
	}
	return out
}

func metaKey(key string) string { return "driver:ad:" + key }
