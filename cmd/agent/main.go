package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-protocol/internal/archive"
	"github.com/example/ride-protocol/internal/config"
	"github.com/example/ride-protocol/internal/correlate"
	"github.com/example/ride-protocol/internal/engine"
	"github.com/example/ride-protocol/internal/fare"
	"github.com/example/ride-protocol/internal/geo"
	httpapi "github.com/example/ride-protocol/internal/http"
	"github.com/example/ride-protocol/internal/keys"
	"github.com/example/ride-protocol/internal/logging"
	"github.com/example/ride-protocol/internal/models"
	"github.com/example/ride-protocol/internal/relay"
	"github.com/example/ride-protocol/internal/storage"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	identity, generated, err := keys.LoadOrGenerate(cfg.StateDir)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	logger.Info("identity loaded", "pubkey", identity.PublicHex(), "generated", generated)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event store: postgres when configured, memory otherwise.
	var store storage.EventStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			migrate(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	eng := engine.New(keys.Verifier{}, logger)
	if stored, err := store.LoadAll(); err != nil {
		logger.Warn("event store replay skipped", "error", err)
	} else if len(stored) > 0 {
		eng.Replay(stored)
		logger.Info("replayed stored events", "count", len(stored))
	}

	var availability geo.Availability
	if cfg.RedisAddr != "" {
		availability = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		availability = geo.NewIndex(15 * time.Minute)
	}

	var mirror *archive.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		mirror = archive.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer mirror.Close()
	}

	var source fare.RateSource = fare.StaticRate(cfg.RateFallback)
	if cfg.RateEndpoint != "" {
		source = fare.NewCachedRate(fare.NewHTTPRateSource(cfg.RateEndpoint, cfg.RateFallback), cfg.RateTTL)
	}
	estimator := &fare.Estimator{
		Rates:  fare.Rates{Base: cfg.FareBase, PerKm: cfg.FarePerKm, PerMinute: cfg.FarePerMinute},
		Source: source,
	}

	pool, err := relay.DialPool(ctx, cfg.RelayURLs, logger)
	if err != nil {
		log.Fatalf("relays: %v", err)
	}
	defer pool.Close()

	feed, err := pool.Subscribe(ctx, relay.Filter{Kinds: models.Kinds})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	go consume(feed, eng, store, availability, mirror, logger)

	api := httpapi.NewServer(eng, availability, estimator, cfg.DefaultSpeedMps, cfg.NearbyLimit, logger)
	api.Identity = identity
	api.Publisher = pool

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("agent listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// consume feeds the relay firehose through the engine and fans
// accepted events out to the store, the availability index, and the
// kafka mirror. Discards and rejections are the engine's business;
// this loop just keeps going.
func consume(feed <-chan models.SignedEvent, eng *engine.Engine, store storage.EventStore, availability geo.Availability, mirror *archive.KafkaProducer, logger *slog.Logger) {
	for e := range feed {
		e := e
		res, err := eng.Observe(&e)
		if err != nil {
			continue // already counted and logged by the engine
		}
		if res.Outcome != correlate.New && res.Outcome != correlate.Extended {
			continue
		}
		sessionID := res.Session.ID
		persist(&e, sessionID, store, mirror, logger)
		for _, u := range res.Cascade {
			persist(u.Event, u.SessionID, store, mirror, logger)
		}
		if b, ok := res.Body.(models.DriverAvailability); ok {
			availability.Upsert(models.DriverAd{
				Key:      e.AuthorKey,
				Location: b.ApproxLocation,
				Seen:     time.Unix(e.CreatedAt, 0),
			})
		}
	}
}

func persist(e *models.SignedEvent, sessionID string, store storage.EventStore, mirror *archive.KafkaProducer, logger *slog.Logger) {
	if err := store.SaveEvent(sessionID, e); err != nil {
		logger.Warn("event store write failed", "event", e.ID, "error", err)
	}
	if mirror != nil {
		if err := mirror.PublishEvent(sessionID, e); err != nil {
			logger.Warn("kafka mirror failed", "event", e.ID, "error", err)
		}
	}
}

// migrate applies the SQL files in migrations/, matching the
// MIGRATE=true behavior of the other services in this stack.
func migrate(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_events.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_events.sql")
}
