// Package correlate reconstructs ride sessions from loosely-ordered
// broadcast events. Events arrive from multiple relays in any order,
// possibly duplicated; the index groups them into causal chains by
// following parent references, buffering orphans until their parent
// shows up and rejecting forks so the first accepted child of a
// parent stays authoritative.
package correlate

import (
	"github.com/example/ride-protocol/internal/models"
)

// Outcome classifies what ingesting one event did.
type Outcome int

const (
	// New opened a session (a DriverAvailability genesis).
	New Outcome = iota
	// Extended appended the event as the new tail of a session chain.
	Extended
	// Duplicate is an already-seen event id; a no-op, which is what
	// makes replay idempotent.
	Duplicate
	// Fork is a second child competing for a parent that already has
	// an accepted child. Ignored; the accepted chain stands.
	Fork
	// Orphan references a parent not yet observed. Buffered and
	// re-attempted on every subsequent ingest.
	Orphan
	// Rejected means the acceptance callback vetoed the event (a
	// state-machine violation). The parent stays free for a valid
	// child; the rejected id is remembered so replays are no-ops.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Extended:
		return "extended"
	case Duplicate:
		return "duplicate"
	case Fork:
		return "fork"
	case Orphan:
		return "orphan"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Update reports the outcome for one event. SessionID is set for New,
// Extended and Fork (the session the event targeted).
type Update struct {
	Outcome   Outcome
	SessionID string
	Event     *models.SignedEvent
}

// DefaultMaxOrphans bounds the in-memory orphan buffer. Long-term
// retention belongs to the external event store, not this index.
const DefaultMaxOrphans = 1024

// Index is the correlation state. Not safe for concurrent use; the
// engine serializes access.
type Index struct {
	MaxOrphans int

	accepted  map[string]*models.SignedEvent // accepted events by id
	sessionOf map[string]string              // accepted event id -> session id
	childOf   map[string]string              // parent id -> accepted child id
	chains    map[string][]*models.SignedEvent
	orphans   []*models.SignedEvent // arrival order
	orphanIDs map[string]struct{}
	rejected  map[string]struct{}
}

func NewIndex() *Index {
	return &Index{
		MaxOrphans: DefaultMaxOrphans,
		accepted:   make(map[string]*models.SignedEvent),
		sessionOf:  make(map[string]string),
		childOf:    make(map[string]string),
		chains:     make(map[string][]*models.SignedEvent),
		orphanIDs:  make(map[string]struct{}),
		rejected:   make(map[string]struct{}),
	}
}

// AcceptFunc is consulted before an event is bound as a chain tail.
// The engine uses it to run the ride state machine, so that a child
// refused there never occupies the parent slot: first-valid-child
// wins. A nil AcceptFunc accepts everything.
type AcceptFunc func(sessionID string, e *models.SignedEvent) bool

// Ingest applies one event. The first update describes the event
// itself; any further updates are buffered orphans that attached as a
// consequence (cascades are followed to a fixpoint, so delivering a
// chain in reverse order settles on the same state as in-order).
func (x *Index) Ingest(e *models.SignedEvent, accept AcceptFunc) []Update {
	first := x.apply(e, accept)
	updates := []Update{first}
	if first.Outcome != New && first.Outcome != Extended {
		return updates
	}
	return append(updates, x.retryOrphans(accept)...)
}

func (x *Index) apply(e *models.SignedEvent, accept AcceptFunc) Update {
	if _, ok := x.accepted[e.ID]; ok {
		return Update{Outcome: Duplicate, SessionID: x.sessionOf[e.ID], Event: e}
	}
	if _, ok := x.orphanIDs[e.ID]; ok {
		return Update{Outcome: Duplicate, Event: e}
	}
	if _, ok := x.rejected[e.ID]; ok {
		return Update{Outcome: Duplicate, Event: e}
	}

	parent := e.Ref(models.RelParent)
	if parent == "" {
		// Genesis: a session keyed by the event's own id.
		if accept != nil && !accept(e.ID, e) {
			x.rejected[e.ID] = struct{}{}
			return Update{Outcome: Rejected, SessionID: e.ID, Event: e}
		}
		x.accept(e, e.ID)
		return Update{Outcome: New, SessionID: e.ID, Event: e}
	}

	if _, known := x.accepted[parent]; !known {
		x.buffer(e)
		return Update{Outcome: Orphan, Event: e}
	}
	if _, taken := x.childOf[parent]; taken {
		return Update{Outcome: Fork, SessionID: x.sessionOf[parent], Event: e}
	}

	session := x.sessionOf[parent]
	if accept != nil && !accept(session, e) {
		x.rejected[e.ID] = struct{}{}
		return Update{Outcome: Rejected, SessionID: session, Event: e}
	}
	x.childOf[parent] = e.ID
	x.accept(e, session)
	return Update{Outcome: Extended, SessionID: session, Event: e}
}

// retryOrphans re-attempts every buffered orphan until no more attach.
func (x *Index) retryOrphans(accept AcceptFunc) []Update {
	var updates []Update
	for {
		attached := false
		remaining := x.orphans[:0]
		for _, o := range x.orphans {
			parent := o.Ref(models.RelParent)
			if _, known := x.accepted[parent]; !known {
				remaining = append(remaining, o)
				continue
			}
			delete(x.orphanIDs, o.ID)
			if _, taken := x.childOf[parent]; taken {
				updates = append(updates, Update{Outcome: Fork, SessionID: x.sessionOf[parent], Event: o})
				continue
			}
			session := x.sessionOf[parent]
			if accept != nil && !accept(session, o) {
				x.rejected[o.ID] = struct{}{}
				updates = append(updates, Update{Outcome: Rejected, SessionID: session, Event: o})
				continue
			}
			x.childOf[parent] = o.ID
			x.accept(o, session)
			updates = append(updates, Update{Outcome: Extended, SessionID: session, Event: o})
			attached = true
		}
		x.orphans = remaining
		if !attached {
			return updates
		}
	}
}

func (x *Index) accept(e *models.SignedEvent, session string) {
	x.accepted[e.ID] = e
	x.sessionOf[e.ID] = session
	x.chains[session] = append(x.chains[session], e)
}

func (x *Index) buffer(e *models.SignedEvent) {
	if limit := x.MaxOrphans; limit > 0 && len(x.orphans) >= limit {
		evicted := x.orphans[0]
		x.orphans = x.orphans[1:]
		delete(x.orphanIDs, evicted.ID)
	}
	x.orphans = append(x.orphans, e)
	x.orphanIDs[e.ID] = struct{}{}
}

// Chain returns a copy of a session's accepted events in causal order.
func (x *Index) Chain(sessionID string) []*models.SignedEvent {
	chain := x.chains[sessionID]
	if chain == nil {
		return nil
	}
	out := make([]*models.SignedEvent, len(chain))
	copy(out, chain)
	return out
}

// Latest returns a session's chain tail, or nil if unknown.
func (x *Index) Latest(sessionID string) *models.SignedEvent {
	chain := x.chains[sessionID]
	if len(chain) == 0 {
		return nil
	}
	return chain[len(chain)-1]
}

// Sessions lists every known session id.
func (x *Index) Sessions() []string {
	out := make([]string, 0, len(x.chains))
	for id := range x.chains {
		out = append(out, id)
	}
	return out
}

// OrphanCount reports how many events are parked awaiting a parent.
func (x *Index) OrphanCount() int { return len(x.orphans) }
