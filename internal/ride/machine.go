// Package ride derives session state from correlated event chains.
// Every transition checks three things: the (stage, kind) pair is in
// the table, the author is the expected actor for that step, and the
// event's counterparty field matches the key already bound on the
// session. Keys bind on first occurrence and never change; a party
// substituting keys mid-session is rejected.
package ride

import (
	"fmt"

	"github.com/example/ride-protocol/internal/models"
)

// Rejection reasons, surfaced to callers as structured warnings. A
// rejected event never changes session state.
const (
	ReasonBadStage         = "event kind not valid from current stage"
	ReasonTerminal         = "session is in a terminal stage"
	ReasonWrongActor       = "author is not the expected actor for this step"
	ReasonWrongCounterpart = "counterparty key does not match the bound key"
	ReasonBadStatus        = "status not valid from current stage"
	ReasonNoGenesis        = "session can only start with a driver availability"
)

// Rejection reports why an event was refused. Non-fatal: the caller
// records it and moves on.
type Rejection struct {
	Reason  string
	EventID string
	Stage   Stage
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("transition rejected at %s: %s (event %s)", r.Stage, r.Reason, r.EventID)
}

// Session is an immutable snapshot of one ride. Transition and the
// local settle/cancel steps return fresh snapshots; nothing mutates a
// session in place, so a reader holding an old snapshot simply sees
// the pre-update view.
type Session struct {
	ID        string
	Chain     []*models.SignedEvent
	DriverKey string
	RiderKey  string
	Stage     Stage
	Phase     EnRoutePhase

	// Conveniences lifted from the chain as it grows.
	Offer           *models.RideOffer
	EncryptedPickup string
	FinalFare       string
	PaymentRequest  string
}

func (s *Session) clone() *Session {
	next := *s
	next.Chain = make([]*models.SignedEvent, len(s.Chain), len(s.Chain)+1)
	copy(next.Chain, s.Chain)
	return &next
}

// Transition applies one correlated event to a session snapshot. A
// nil session means genesis: only a DriverAvailability opens one.
// body must be the verified, decoded body of e.
func Transition(s *Session, e *models.SignedEvent, body models.Body) (*Session, *Rejection) {
	if s == nil {
		if _, ok := body.(models.DriverAvailability); !ok {
			return nil, &Rejection{Reason: ReasonNoGenesis, EventID: e.ID}
		}
		return &Session{
			ID:        e.ID,
			Chain:     []*models.SignedEvent{e},
			DriverKey: e.AuthorKey,
			Stage:     StageDriverAvailable,
		}, nil
	}

	if s.Stage.Terminal() {
		return nil, &Rejection{Reason: ReasonTerminal, EventID: e.ID, Stage: s.Stage}
	}

	switch b := body.(type) {
	case models.DriverAvailability:
		// A second genesis can never extend an existing chain.
		return nil, &Rejection{Reason: ReasonBadStage, EventID: e.ID, Stage: s.Stage}

	case models.RideOffer:
		if s.Stage != StageDriverAvailable {
			return nil, &Rejection{Reason: ReasonBadStage, EventID: e.ID, Stage: s.Stage}
		}
		if e.AuthorKey == s.DriverKey {
			return nil, &Rejection{Reason: ReasonWrongActor, EventID: e.ID, Stage: s.Stage}
		}
		if b.CounterpartyKey != s.DriverKey {
			return nil, &Rejection{Reason: ReasonWrongCounterpart, EventID: e.ID, Stage: s.Stage}
		}
		next := s.clone()
		next.Chain = append(next.Chain, e)
		next.RiderKey = e.AuthorKey // first occurrence binds for the session
		next.Stage = StageRiderOfferSent
		offer := b
		next.Offer = &offer
		return next, nil

	case models.RideAcceptance:
		if s.Stage != StageRiderOfferSent {
			return nil, &Rejection{Reason: ReasonBadStage, EventID: e.ID, Stage: s.Stage}
		}
		if rej := s.requireDriver(e, b.CounterpartyKey); rej != nil {
			return nil, rej
		}
		next := s.clone()
		next.Chain = append(next.Chain, e)
		if b.Status == models.AcceptanceDeclined {
			next.Stage = StageCancelled
		} else {
			next.Stage = StageDriverAccepted
		}
		return next, nil

	case models.RideConfirmation:
		if s.Stage != StageDriverAccepted {
			return nil, &Rejection{Reason: ReasonBadStage, EventID: e.ID, Stage: s.Stage}
		}
		if e.AuthorKey != s.RiderKey {
			return nil, &Rejection{Reason: ReasonWrongActor, EventID: e.ID, Stage: s.Stage}
		}
		if b.CounterpartyKey != s.DriverKey {
			return nil, &Rejection{Reason: ReasonWrongCounterpart, EventID: e.ID, Stage: s.Stage}
		}
		next := s.clone()
		next.Chain = append(next.Chain, e)
		next.Stage = StageRiderConfirmed
		next.EncryptedPickup = b.EncryptedPickup
		return next, nil

	case models.DriverStatus:
		if rej := s.requireDriver(e, b.CounterpartyKey); rej != nil {
			return nil, rej
		}
		return s.applyDriverStatus(e, b)
	}

	return nil, &Rejection{Reason: ReasonBadStage, EventID: e.ID, Stage: s.Stage}
}

func (s *Session) requireDriver(e *models.SignedEvent, counterparty string) *Rejection {
	if e.AuthorKey != s.DriverKey {
		return &Rejection{Reason: ReasonWrongActor, EventID: e.ID, Stage: s.Stage}
	}
	if s.RiderKey == "" || counterparty != s.RiderKey {
		return &Rejection{Reason: ReasonWrongCounterpart, EventID: e.ID, Stage: s.Stage}
	}
	return nil
}

func (s *Session) applyDriverStatus(e *models.SignedEvent, b models.DriverStatus) (*Session, *Rejection) {
	next := s.clone()
	next.Chain = append(next.Chain, e)

	switch b.Status {
	case models.StatusCanceled:
		next.Stage = StageCancelled
		return next, nil

	case models.StatusOnTheWay:
		if s.Stage != StageRiderConfirmed {
			return nil, &Rejection{Reason: ReasonBadStatus, EventID: e.ID, Stage: s.Stage}
		}
		next.Stage = StageDriverEnRoute
		next.Phase = PhaseOnTheWay
		return next, nil

	case models.StatusGettingClose:
		if s.Stage != StageRiderConfirmed && !(s.Stage == StageDriverEnRoute && s.Phase == PhaseOnTheWay) {
			return nil, &Rejection{Reason: ReasonBadStatus, EventID: e.ID, Stage: s.Stage}
		}
		next.Stage = StageDriverEnRoute
		next.Phase = PhaseGettingClose
		return next, nil

	case models.StatusCompleted:
		if s.Stage != StageRiderConfirmed && s.Stage != StageDriverEnRoute {
			return nil, &Rejection{Reason: ReasonBadStatus, EventID: e.ID, Stage: s.Stage}
		}
		next.Stage = StageRideCompleted
		next.Phase = PhaseNone
		next.FinalFare = b.FinalFare
		next.PaymentRequest = b.PaymentRequest
		return next, nil
	}
	return nil, &Rejection{Reason: ReasonBadStatus, EventID: e.ID, Stage: s.Stage}
}

// Settle marks the rider's invoice as paid. Settlement is reported by
// the host wallet, not observed on the chain, so it is a local
// transition from RideCompleted.
func Settle(s *Session) (*Session, *Rejection) {
	if s.Stage != StageRideCompleted {
		return nil, &Rejection{Reason: ReasonBadStage, Stage: s.Stage}
	}
	next := s.clone()
	next.Stage = StagePaymentSettled
	return next, nil
}

// Cancel moves a session to the absorbing Cancelled stage locally.
// Publishing the corresponding event is the caller's concern; a
// counterparty stays in its pre-cancellation stage until it observes
// one.
func Cancel(s *Session) (*Session, *Rejection) {
	if s.Stage.Terminal() {
		return nil, &Rejection{Reason: ReasonTerminal, Stage: s.Stage}
	}
	next := s.clone()
	next.Stage = StageCancelled
	return next, nil
}
