package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-protocol/internal/engine"
	"github.com/example/ride-protocol/internal/fare"
	"github.com/example/ride-protocol/internal/geo"
	"github.com/example/ride-protocol/internal/keys"
	"github.com/example/ride-protocol/internal/models"
	"github.com/example/ride-protocol/internal/ride"
)

// Server is the agent's local surface onto the protocol engine:
// session state, fare quotes and nearby drivers to read, plus action
// endpoints that draft, sign and publish the next event when an
// Identity and Publisher are configured.
type Server struct {
	Engine          *engine.Engine
	Geo             geo.Availability
	Estimator       *fare.Estimator
	DefaultSpeedMps float64
	NearbyLimit     int

	// Set by the agent to enable the action endpoints; left nil the
	// server is read-only.
	Identity  *keys.Identity
	Publisher Publisher

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(eng *engine.Engine, availability geo.Availability, estimator *fare.Estimator, speedMps float64, nearbyLimit int, logger *slog.Logger) *Server {
	s := &Server{
		Engine:          eng,
		Geo:             availability,
		Estimator:       estimator,
		DefaultSpeedMps: speedMps,
		NearbyLimit:     nearbyLimit,
		logger:          logger,
		mux:             mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/sessions", s.handleSessions).Methods("GET")
	s.mux.HandleFunc("/api/v1/sessions/{id}", s.handleSession).Methods("GET")
	s.mux.HandleFunc("/api/v1/quote", s.handleQuote).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/api/v1/actions", s.handleAction).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{id}/settle", s.handleSettle).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type sessionSummary struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
	Phase     string `json:"phase,omitempty"`
	DriverKey string `json:"driver_key"`
	RiderKey  string `json:"rider_key,omitempty"`
	Events    int    `json:"events"`
}

func summarize(sess *ride.Session) sessionSummary {
	out := sessionSummary{
		SessionID: sess.ID,
		Stage:     sess.Stage.String(),
		DriverKey: sess.DriverKey,
		RiderKey:  sess.RiderKey,
		Events:    len(sess.Chain),
	}
	if sess.Stage == ride.StageDriverEnRoute {
		out.Phase = sess.Phase.String()
	}
	return out
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.Engine.Sessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	writeJSON(w, out)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess := s.Engine.Session(id)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	chain := make([]map[string]any, 0, len(sess.Chain))
	for _, e := range sess.Chain {
		chain = append(chain, map[string]any{
			"id": e.ID, "kind": e.Kind.String(), "author": e.AuthorKey, "created_at": e.CreatedAt,
		})
	}
	warnings := make([]string, 0)
	for _, rej := range s.Engine.Warnings(id) {
		warnings = append(warnings, rej.Error())
	}
	resp := map[string]any{
		"session":  summarize(sess),
		"chain":    chain,
		"warnings": warnings,
	}
	if sess.FinalFare != "" {
		resp["final_fare"] = sess.FinalFare
		resp["payment_request"] = sess.PaymentRequest
	}
	writeJSON(w, resp)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	from, ok1 := coarseParam(r, "from_lat", "from_lon")
	to, ok2 := coarseParam(r, "to_lat", "to_lon")
	if !ok1 || !ok2 {
		http.Error(w, "from_lat, from_lon, to_lat, to_lon required", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.Estimator.Quote(from, to, s.DefaultSpeedMps))
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	at, ok := coarseParam(r, "lat", "lon")
	if !ok {
		http.Error(w, "lat and lon required", http.StatusBadRequest)
		return
	}
	ads := s.Geo.Nearby(at.Lat, at.Lon, s.NearbyLimit)
	if ads == nil {
		ads = []models.DriverAd{}
	}
	writeJSON(w, ads)
}

func coarseParam(r *http.Request, latKey, lonKey string) (models.CoarseLocation, bool) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get(latKey), 64)
	lon, err2 := strconv.ParseFloat(r.URL.Query().Get(lonKey), 64)
	if err1 != nil || err2 != nil {
		return models.CoarseLocation{}, false
	}
	return models.CoarseLocation{Lat: lat, Lon: lon}, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
