package engine

import (
	"fmt"

	"github.com/example/ride-protocol/internal/codec"
	"github.com/example/ride-protocol/internal/models"
	"github.com/example/ride-protocol/internal/ride"
)

// Action names the local intents PrepareNext can turn into drafts.
type Action string

const (
	// ActionAnnounce opens a new session: a driver broadcasting
	// availability. It takes no session id.
	ActionAnnounce Action = "announce"
	// ActionOffer is the rider responding to an availability.
	ActionOffer Action = "offer"
	// ActionAccept and ActionDecline are the driver answering an offer.
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	// ActionConfirm commits the rider; Params.EncryptedPickup must
	// already be sealed to the driver by the privacy handshake.
	ActionConfirm Action = "confirm"
	// Driver progress updates.
	ActionOnTheWay     Action = "on_the_way"
	ActionGettingClose Action = "getting_close"
	ActionComplete     Action = "complete"
	// ActionCancel is the driver publishing a cancellation status.
	ActionCancel Action = "cancel"
)

// Params carries the action-specific fields for PrepareNext. Only the
// fields the chosen action needs are read.
type Params struct {
	ApproxLocation  models.CoarseLocation `json:"approx_location,omitempty"`  // announce, driver status updates
	Destination     models.CoarseLocation `json:"destination,omitempty"`      // offer
	ApproxPickup    models.CoarseLocation `json:"approx_pickup,omitempty"`    // offer
	FareEstimate    string                `json:"fare_estimate,omitempty"`    // offer
	EncryptedPickup string                `json:"encrypted_pickup,omitempty"` // confirm
	FinalFare       string                `json:"final_fare,omitempty"`       // complete
	PaymentRequest  string                `json:"payment_request,omitempty"`  // complete
}

// PrepareNext builds the body and references for the next legal event
// given the session's current stage and the caller's intent. It
// validates legality before returning a draft; an illegal action
// yields an error, never a malformed draft. The caller signs the
// draft with its own signer and publishes it, then learns the outcome
// like everyone else: by observing the event.
func (g *Engine) PrepareNext(sessionID, actorKey string, action Action, p Params) (codec.Draft, error) {
	if action == ActionAnnounce {
		return g.draft(actorKey, models.DriverAvailability{ApproxLocation: p.ApproxLocation})
	}

	g.mu.Lock()
	s := g.sessions[sessionID]
	g.mu.Unlock()
	if s == nil {
		return codec.Draft{}, ErrUnknownSession
	}
	if s.Stage.Terminal() {
		return codec.Draft{}, fmt.Errorf("%w: session %s is %s", ErrIllegalAction, sessionID, s.Stage)
	}
	tail := s.Chain[len(s.Chain)-1].ID

	switch action {
	case ActionOffer:
		if s.Stage != ride.StageDriverAvailable {
			return codec.Draft{}, illegal(action, s.Stage)
		}
		if actorKey == s.DriverKey {
			return codec.Draft{}, fmt.Errorf("%w: a driver cannot offer on its own availability", ErrIllegalAction)
		}
		return g.draft(actorKey, models.RideOffer{
			ParentID:        tail,
			CounterpartyKey: s.DriverKey,
			FareEstimate:    p.FareEstimate,
			Destination:     p.Destination,
			ApproxPickup:    p.ApproxPickup,
		})

	case ActionAccept, ActionDecline:
		if s.Stage != ride.StageRiderOfferSent {
			return codec.Draft{}, illegal(action, s.Stage)
		}
		if actorKey != s.DriverKey {
			return codec.Draft{}, notActor(action, "driver")
		}
		status := models.AcceptanceAccepted
		if action == ActionDecline {
			status = models.AcceptanceDeclined
		}
		return g.draft(actorKey, models.RideAcceptance{
			ParentID:        tail,
			CounterpartyKey: s.RiderKey,
			Status:          status,
		})

	case ActionConfirm:
		if s.Stage != ride.StageDriverAccepted {
			return codec.Draft{}, illegal(action, s.Stage)
		}
		if actorKey != s.RiderKey {
			return codec.Draft{}, notActor(action, "rider")
		}
		if p.EncryptedPickup == "" {
			return codec.Draft{}, fmt.Errorf("%w: confirm requires an encrypted pickup", ErrIllegalAction)
		}
		return g.draft(actorKey, models.RideConfirmation{
			ParentID:        tail,
			CounterpartyKey: s.DriverKey,
			EncryptedPickup: p.EncryptedPickup,
		})

	case ActionOnTheWay, ActionGettingClose, ActionComplete, ActionCancel:
		if actorKey != s.DriverKey {
			return codec.Draft{}, notActor(action, "driver")
		}
		body := models.DriverStatus{
			ParentID:        tail,
			CounterpartyKey: s.RiderKey,
			ApproxLocation:  p.ApproxLocation,
		}
		switch action {
		case ActionOnTheWay:
			if s.Stage != ride.StageRiderConfirmed {
				return codec.Draft{}, illegal(action, s.Stage)
			}
			body.Status = models.StatusOnTheWay
		case ActionGettingClose:
			if s.Stage != ride.StageRiderConfirmed &&
				!(s.Stage == ride.StageDriverEnRoute && s.Phase == ride.PhaseOnTheWay) {
				return codec.Draft{}, illegal(action, s.Stage)
			}
			body.Status = models.StatusGettingClose
		case ActionComplete:
			if s.Stage != ride.StageRiderConfirmed && s.Stage != ride.StageDriverEnRoute {
				return codec.Draft{}, illegal(action, s.Stage)
			}
			if p.FinalFare == "" || p.PaymentRequest == "" {
				return codec.Draft{}, fmt.Errorf("%w: complete requires final fare and payment request", ErrIllegalAction)
			}
			body.Status = models.StatusCompleted
			body.FinalFare = p.FinalFare
			body.PaymentRequest = p.PaymentRequest
		case ActionCancel:
			if s.RiderKey == "" {
				return codec.Draft{}, illegal(action, s.Stage)
			}
			body.Status = models.StatusCanceled
		}
		return g.draft(actorKey, body)
	}

	return codec.Draft{}, fmt.Errorf("%w: unknown action %q", ErrIllegalAction, action)
}

func (g *Engine) draft(actorKey string, body models.Body) (codec.Draft, error) {
	data, err := codec.EncodeBody(body)
	if err != nil {
		return codec.Draft{}, err
	}
	return codec.Draft{
		AuthorKey: actorKey,
		CreatedAt: g.now().Unix(),
		Kind:      body.EventKind(),
		Refs:      codec.RefsFor(body),
		Body:      data,
	}, nil
}

func illegal(action Action, stage ride.Stage) error {
	return fmt.Errorf("%w: %s from %s", ErrIllegalAction, action, stage)
}

func notActor(action Action, role string) error {
	return fmt.Errorf("%w: only the session %s may %s", ErrIllegalAction, role, action)
}
