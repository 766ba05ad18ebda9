// Package engine wires the codec, correlation index and ride state
// machine into the protocol façade: feed it every event observed on
// the relay feed and it maintains one immutable session snapshot per
// ride; ask it for a draft and it builds the next legal event for a
// local action. Signing and publishing the draft stay with the
// caller's signer and transport.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-protocol/internal/codec"
	"github.com/example/ride-protocol/internal/correlate"
	"github.com/example/ride-protocol/internal/models"
	"github.com/example/ride-protocol/internal/observability"
	"github.com/example/ride-protocol/internal/ride"
)

var (
	// ErrUnknownSession is returned for a session id the engine has
	// never seen.
	ErrUnknownSession = errors.New("unknown session")

	// ErrIllegalAction is returned when the requested action is not
	// legal from the session's current stage for this actor. No draft
	// is produced.
	ErrIllegalAction = errors.New("action not legal from current stage")
)

// maxWarnings bounds the per-session rejection log.
const maxWarnings = 16

// Engine is safe for concurrent use; session updates are serialized
// under one lock and every returned Session is an immutable snapshot.
type Engine struct {
	verifier codec.Verifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	index    *correlate.Index
	sessions map[string]*ride.Session
	warnings map[string][]*ride.Rejection
}

func New(verifier codec.Verifier, logger *slog.Logger) *Engine {
	return &Engine{
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
		index:    correlate.NewIndex(),
		sessions: make(map[string]*ride.Session),
		warnings: make(map[string][]*ride.Rejection),
	}
}

// Result reports what observing one event did.
type Result struct {
	Outcome   correlate.Outcome
	Session   *ride.Session   // snapshot after the event, nil if none applies
	Rejection *ride.Rejection // set when Outcome is Rejected
	Body      models.Body     // decoded body of the observed event

	// Cascade lists buffered orphans that attached to a chain as a
	// consequence of this event, so callers persisting accepted events
	// don't lose out-of-order arrivals.
	Cascade []correlate.Update
}

// Observe verifies an incoming event and routes it through the
// correlation index and the state machine. Verification or decode
// failure returns an error and the event is discarded; everything
// else — duplicates, orphans, forks, state-machine rejections — is a
// normal Result. Nothing here is fatal to other sessions.
func (g *Engine) Observe(e *models.SignedEvent) (Result, error) {
	body, err := codec.Verify(e, g.verifier)
	if err != nil {
		observability.EventsDiscarded.WithLabelValues(discardCause(err)).Inc()
		return Result{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var rejection *ride.Rejection
	updates := g.index.Ingest(e, func(sessionID string, ev *models.SignedEvent) bool {
		evBody := body
		if ev.ID != e.ID {
			// A buffered orphan attaching in cascade; it was verified
			// when first observed, so only the decode is repeated.
			var decodeErr error
			evBody, decodeErr = codec.DecodeBody(ev.Kind, ev.Body)
			if decodeErr != nil {
				return false
			}
		}
		next, rej := ride.Transition(g.sessions[sessionID], ev, evBody)
		if rej != nil {
			g.recordRejection(sessionID, rej)
			if ev.ID == e.ID {
				rejection = rej
			}
			return false
		}
		g.commit(sessionID, next)
		return true
	})

	observability.OrphansBuffered.Set(float64(g.index.OrphanCount()))
	res := Result{Body: body}
	for _, u := range updates {
		observability.EventsObserved.WithLabelValues(u.Outcome.String()).Inc()
		if u.Outcome == correlate.Fork {
			g.logger.Warn("fork ignored",
				"session", u.SessionID, "event", u.Event.ID, "kind", u.Event.Kind.String())
		}
		if u.Event.ID == e.ID {
			res.Outcome = u.Outcome
			res.Session = g.sessions[u.SessionID]
			res.Rejection = rejection
		} else if u.Outcome == correlate.Extended {
			res.Cascade = append(res.Cascade, u)
		}
	}
	return res, nil
}

// Replay feeds stored events back through Observe, ignoring
// per-event failures. Order independence makes boot-time replay from
// the event store safe in any order the store returns.
func (g *Engine) Replay(events []*models.SignedEvent) {
	for _, e := range events {
		if _, err := g.Observe(e); err != nil {
			g.logger.Warn("replay: event discarded", "event", e.ID, "error", err)
		}
	}
}

// Session returns the current snapshot for a session id, or nil.
func (g *Engine) Session(sessionID string) *ride.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[sessionID]
}

// Sessions returns snapshots of every known session.
func (g *Engine) Sessions() []*ride.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ride.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// Warnings returns the recorded state-machine rejections for a
// session, most recent last.
func (g *Engine) Warnings(sessionID string) []*ride.Rejection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ride.Rejection, len(g.warnings[sessionID]))
	copy(out, g.warnings[sessionID])
	return out
}

// SettlePayment applies the local RideCompleted → PaymentSettled
// transition once the host wallet reports the invoice paid.
func (g *Engine) SettlePayment(sessionID string) (*ride.Session, error) {
	return g.local(sessionID, ride.Settle)
}

// Cancel applies the local transition to the absorbing Cancelled
// stage. Publishing a cancellation event for the counterparty to
// observe is the caller's concern.
func (g *Engine) Cancel(sessionID string) (*ride.Session, error) {
	return g.local(sessionID, ride.Cancel)
}

func (g *Engine) local(sessionID string, step func(*ride.Session) (*ride.Session, *ride.Rejection)) (*ride.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[sessionID]
	if s == nil {
		return nil, ErrUnknownSession
	}
	next, rej := step(s)
	if rej != nil {
		return nil, rej
	}
	g.commit(sessionID, next)
	return next, nil
}

func (g *Engine) commit(sessionID string, next *ride.Session) {
	if prev := g.sessions[sessionID]; prev != nil {
		observability.SessionsByStage.WithLabelValues(prev.Stage.String()).Dec()
	}
	observability.SessionsByStage.WithLabelValues(next.Stage.String()).Inc()
	g.sessions[sessionID] = next
	g.logger.Info("session updated", "session", sessionID, "stage", next.Stage.String())
}

func (g *Engine) recordRejection(sessionID string, rej *ride.Rejection) {
	observability.TransitionsRejected.Inc()
	g.logger.Warn("transition rejected",
		"session", sessionID, "event", rej.EventID, "reason", rej.Reason, "stage", rej.Stage.String())
	w := append(g.warnings[sessionID], rej)
	if len(w) > maxWarnings {
		w = w[len(w)-maxWarnings:]
	}
	g.warnings[sessionID] = w
}

func discardCause(err error) string {
	switch {
	case errors.Is(err, codec.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, codec.ErrIDMismatch):
		return "id_mismatch"
	default:
		return "decode"
	}
}
