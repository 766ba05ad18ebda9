package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-protocol/internal/codec"
	"github.com/example/ride-protocol/internal/engine"
	"github.com/example/ride-protocol/internal/models"
	"github.com/example/ride-protocol/internal/ride"
)

// Publisher sends a finalized event out to the broadcast network.
// The relay pool implements it.
type Publisher interface {
	Publish(ctx context.Context, e *models.SignedEvent) error
}

type actionRequest struct {
	SessionID string        `json:"session_id,omitempty"`
	Action    string        `json:"action"`
	Params    engine.Params `json:"params"`
}

type actionResponse struct {
	Event   models.SignedEvent `json:"event"`
	Session sessionSummary     `json:"session"`
}

// handleAction turns a local intent into the next signed event: the
// engine drafts it, the node identity signs it, the publisher sends it,
// and the engine observes its own event the same way it observes
// everyone else's.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if s.Identity == nil || s.Publisher == nil {
		http.Error(w, "publishing not configured", http.StatusServiceUnavailable)
		return
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	draft, err := s.Engine.PrepareNext(req.SessionID, s.Identity.PublicHex(), engine.Action(req.Action), req.Params)
	if err != nil {
		http.Error(w, err.Error(), actionStatus(err))
		return
	}
	e, err := codec.Finalize(draft, s.Identity)
	if err != nil {
		s.logger.Error("finalizing event failed", "action", req.Action, "error", err)
		http.Error(w, "signing failed", http.StatusInternalServerError)
		return
	}
	if err := s.Publisher.Publish(r.Context(), &e); err != nil {
		http.Error(w, "no relay accepted the event", http.StatusBadGateway)
		return
	}
	res, err := s.Engine.Observe(&e)
	if err != nil || res.Session == nil {
		s.logger.Error("observing own event failed", "event", e.ID, "error", err)
		http.Error(w, "event published but not applied", http.StatusInternalServerError)
		return
	}
	writeJSON(w, actionResponse{Event: e, Session: summarize(res.Session)})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	s.localTransition(w, r, s.Engine.SettlePayment)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.localTransition(w, r, s.Engine.Cancel)
}

func (s *Server) localTransition(w http.ResponseWriter, r *http.Request, step func(string) (*ride.Session, error)) {
	sess, err := step(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), actionStatus(err))
		return
	}
	writeJSON(w, summarize(sess))
}

func actionStatus(err error) int {
	var rej *ride.Rejection
	switch {
	case errors.Is(err, engine.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrIllegalAction), errors.As(err, &rej):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
