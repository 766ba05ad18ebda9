package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-protocol/internal/archive"
	"github.com/example/ride-protocol/internal/codec"
	"github.com/example/ride-protocol/internal/keys"
	"github.com/example/ride-protocol/internal/logging"
	"github.com/example/ride-protocol/internal/models"
	"github.com/example/ride-protocol/internal/relay"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archiver_events_consumed_total",
		Help: "Total ride events consumed from relays",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archiver_events_invalid_total",
		Help: "Total events that failed signature or schema checks",
	})
	kafkaErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archiver_kafka_errors_total",
		Help: "Total kafka publish errors",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archiver_redis_updates_total",
		Help: "Total successful redis geo updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archiver_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, kafkaErrors, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	relayURLs := splitList(os.Getenv("RELAY_URLS"))
	if len(relayURLs) == 0 {
		log.Fatal("RELAY_URLS must list at least one relay")
	}

	brokers := splitList(os.Getenv("KAFKA_BROKERS"))
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "ride-events"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "driver_ads_geo"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	producer := archive.NewKafkaProducer(brokers, topic)
	defer func() {
		_ = producer.Close()
		_ = rc.Close()
	}()

	pool, err := relay.DialPool(ctx, relayURLs, logger)
	if err != nil {
		log.Fatalf("relays: %v", err)
	}
	defer pool.Close()

	feed, err := pool.Subscribe(ctx, relay.Filter{Kinds: models.Kinds})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	logger.Info("archiver running", "relays", relayURLs, "topic", topic, "geo_key", geoKey)

	verifier := keys.Verifier{}
	for e := range feed {
		e := e
		eventsConsumed.Inc()

		body, err := codec.Verify(&e, verifier)
		if err != nil {
			eventsInvalid.Inc()
			logger.Debug("dropping invalid event", "event", e.ID, "error", err)
			continue
		}

		// The archive is keyed by chain root so downstream consumers can
		// partition by ride; a parentless event is its own root.
		root := e.Ref(models.RelParent)
		if root == "" {
			root = e.ID
		}
		if err := producer.PublishEvent(root, &e); err != nil {
			kafkaErrors.Inc()
			logger.Warn("kafka publish failed", "event", e.ID, "error", err)
		}

		ad, ok := body.(models.DriverAvailability)
		if !ok {
			continue
		}
		if err := updateRedisWithRetry(ctx, radapter, geoKey, e.AuthorKey, ad, e.CreatedAt, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Warn("redis update failed", "driver", e.AuthorKey, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
	logger.Info("shutting down archiver")
}

// RedisUpdater is the small subset of redis operations we need, kept as
// an interface so tests can exercise the retry logic without a server.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry records a driver advertisement in the geo set and
// its metadata hash, retrying each write with exponential backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey, driverKey string, ad models.DriverAvailability, seen int64, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Longitude: ad.ApproxLocation.Lon,
			Latitude:  ad.ApproxLocation.Lat,
			Name:      driverKey,
		}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := rc.HSet(ctx, "driver:ad:"+driverKey, map[string]interface{}{
			"radius_m": ad.ApproxLocation.RadiusMeters,
			"seen":     time.Unix(seen, 0).UTC().Format(time.RFC3339),
		}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

func splitList(v string) []string {
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
