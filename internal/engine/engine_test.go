package engine

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/ride-protocol/internal/codec"
	"github.com/example/ride-protocol/internal/correlate"
	"github.com/example/ride-protocol/internal/keys"
	"github.com/example/ride-protocol/internal/models"
	"github.com/example/ride-protocol/internal/privacy"
	"github.com/example/ride-protocol/internal/ride"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(keys.Verifier{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newIdentity(t *testing.T) *keys.Identity {
	t.Helper()
	id, err := keys.Generate()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	return id
}

var clock int64 = 1700000000

func sign(t *testing.T, id *keys.Identity, body models.Body) *models.SignedEvent {
	t.Helper()
	data, err := codec.EncodeBody(body)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	clock++
	e, err := codec.Finalize(codec.Draft{
		AuthorKey: id.PublicHex(),
		CreatedAt: clock,
		Kind:      body.EventKind(),
		Refs:      codec.RefsFor(body),
		Body:      data,
	}, id)
	if err != nil {
		t.Fatalf("finalizing: %v", err)
	}
	return &e
}

// rideScenario builds the full five-event lifecycle between a fresh
// driver and rider, with the pickup genuinely sealed to the driver.
type rideScenario struct {
	driver, rider *keys.Identity
	pickup        models.PreciseLocation
	events        []*models.SignedEvent
}

func buildScenario(t *testing.T) rideScenario {
	t.Helper()
	sc := rideScenario{
		driver: newIdentity(t),
		rider:  newIdentity(t),
		pickup: models.PreciseLocation{Lat: 37.7749, Lon: -122.4194, Address: "123 Main St"},
	}

	avail := sign(t, sc.driver, models.DriverAvailability{
		ApproxLocation: models.CoarseLocation{Lat: 37.78, Lon: -122.42, RadiusMeters: 500},
	})
	offer := sign(t, sc.rider, models.RideOffer{
		ParentID:        avail.ID,
		CounterpartyKey: sc.driver.PublicHex(),
		FareEstimate:    "5000",
		Destination:     models.CoarseLocation{Lat: 37.62, Lon: -122.38},
		ApproxPickup:    models.CoarseLocation{Lat: 37.78, Lon: -122.42},
	})
	accept := sign(t, sc.driver, models.RideAcceptance{
		ParentID:        offer.ID,
		CounterpartyKey: sc.rider.PublicHex(),
		Status:          models.AcceptanceAccepted,
	})

	sealed, err := privacy.NewBox(sc.rider).EncryptFor(sc.driver.PublicHex(), sc.pickup)
	if err != nil {
		t.Fatalf("sealing pickup: %v", err)
	}
	confirm := sign(t, sc.rider, models.RideConfirmation{
		ParentID:        accept.ID,
		CounterpartyKey: sc.driver.PublicHex(),
		EncryptedPickup: sealed,
	})
	complete := sign(t, sc.driver, models.DriverStatus{
		ParentID:        confirm.ID,
		CounterpartyKey: sc.rider.PublicHex(),
		Status:          models.StatusCompleted,
		ApproxLocation:  models.CoarseLocation{Lat: 37.62, Lon: -122.38},
		FinalFare:       "6000",
		PaymentRequest:  "lnbc60u1fake",
	})

	sc.events = []*models.SignedEvent{avail, offer, accept, confirm, complete}
	return sc
}

func observeAll(t *testing.T, g *Engine, events []*models.SignedEvent) {
	t.Helper()
	for _, e := range events {
		if _, err := g.Observe(e); err != nil {
			t.Fatalf("observing %s: %v", e.ID, err)
		}
	}
}

func TestRideLifecycle(t *testing.T) {
	sc := buildScenario(t)
	g := testEngine(t)

	res, err := g.Observe(sc.events[0])
	if err != nil {
		t.Fatalf("observing genesis: %v", err)
	}
	if res.Outcome != correlate.New {
		t.Fatalf("genesis outcome %s, want new", res.Outcome)
	}
	sessionID := res.Session.ID

	observeAll(t, g, sc.events[1:])

	s := g.Session(sessionID)
	if s == nil {
		t.Fatal("session missing after lifecycle")
	}
	if s.Stage != ride.StageRideCompleted {
		t.Fatalf("stage %s, want ride_completed", s.Stage)
	}
	if s.FinalFare != "6000" || s.PaymentRequest != "lnbc60u1fake" {
		t.Fatalf("settlement fields not lifted: fare %q invoice %q", s.FinalFare, s.PaymentRequest)
	}
	if s.Offer == nil || s.Offer.FareEstimate != "5000" {
		t.Fatalf("offer not lifted: %+v", s.Offer)
	}

	// The driver, and only the driver, can open the sealed pickup.
	got, err := privacy.NewBox(sc.driver).DecryptFrom(sc.rider.PublicHex(), s.EncryptedPickup)
	if err != nil {
		t.Fatalf("driver decrypting pickup: %v", err)
	}
	if *got != sc.pickup {
		t.Fatalf("pickup %+v, want %+v", got, sc.pickup)
	}
	outsider := newIdentity(t)
	if _, err := privacy.NewBox(outsider).DecryptFrom(sc.rider.PublicHex(), s.EncryptedPickup); !errors.Is(err, privacy.ErrDecrypt) {
		t.Fatalf("outsider decrypting pickup: got %v, want ErrDecrypt", err)
	}

	settled, err := g.SettlePayment(sessionID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Stage != ride.StagePaymentSettled {
		t.Fatalf("settled stage %s", settled.Stage)
	}
	if _, err := g.Cancel(sessionID); err == nil {
		t.Fatal("cancel succeeded on a settled session")
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	sc := buildScenario(t)
	g := testEngine(t)
	observeAll(t, g, sc.events)
	sessionID := sc.events[0].ID
	before := g.Session(sessionID)

	for _, e := range sc.events {
		res, err := g.Observe(e)
		if err != nil {
			t.Fatalf("replaying %s: %v", e.ID, err)
		}
		if res.Outcome != correlate.Duplicate {
			t.Fatalf("replayed %s: outcome %s, want duplicate", e.ID, res.Outcome)
		}
	}

	after := g.Session(sessionID)
	if after.Stage != before.Stage || len(after.Chain) != len(before.Chain) {
		t.Fatal("replay changed session state")
	}
}

func TestOutOfOrderDeliveryConverges(t *testing.T) {
	sc := buildScenario(t)

	ordered := testEngine(t)
	observeAll(t, ordered, sc.events)

	reversed := testEngine(t)
	for i := len(sc.events) - 1; i > 0; i-- {
		if _, err := reversed.Observe(sc.events[i]); err != nil {
			t.Fatalf("observing %s: %v", sc.events[i].ID, err)
		}
	}
	// The genesis arriving last attaches every buffered orphan; the
	// cascade is reported so callers can persist those events too.
	res, err := reversed.Observe(sc.events[0])
	if err != nil {
		t.Fatalf("observing genesis: %v", err)
	}
	if len(res.Cascade) != len(sc.events)-1 {
		t.Fatalf("cascade reported %d attachments, want %d", len(res.Cascade), len(sc.events)-1)
	}

	sessionID := sc.events[0].ID
	a, b := ordered.Session(sessionID), reversed.Session(sessionID)
	if a.Stage != b.Stage {
		t.Fatalf("orders diverged: %s vs %s", a.Stage, b.Stage)
	}
	if len(a.Chain) != len(b.Chain) {
		t.Fatalf("chain lengths diverged: %d vs %d", len(a.Chain), len(b.Chain))
	}
	for i := range a.Chain {
		if a.Chain[i].ID != b.Chain[i].ID {
			t.Fatalf("chain[%d] diverged: %s vs %s", i, a.Chain[i].ID, b.Chain[i].ID)
		}
	}
}

func TestFirstValidChildWins(t *testing.T) {
	sc := buildScenario(t)
	g := testEngine(t)

	res, err := g.Observe(sc.events[0])
	if err != nil {
		t.Fatalf("observing genesis: %v", err)
	}
	sessionID := res.Session.ID

	// A confirmation cannot follow an availability; it must be refused
	// without occupying the genesis's child slot.
	bogus := sign(t, sc.rider, models.RideConfirmation{
		ParentID:        sc.events[0].ID,
		CounterpartyKey: sc.driver.PublicHex(),
		EncryptedPickup: "AQID",
	})
	res, err = g.Observe(bogus)
	if err != nil {
		t.Fatalf("observing bogus child: %v", err)
	}
	if res.Outcome != correlate.Rejected || res.Rejection == nil {
		t.Fatalf("bogus child outcome %s rejection %v", res.Outcome, res.Rejection)
	}
	if got := g.Session(sessionID).Stage; got != ride.StageDriverAvailable {
		t.Fatalf("rejected event advanced the session to %s", got)
	}
	if len(g.Warnings(sessionID)) != 1 {
		t.Fatalf("expected one recorded warning, got %d", len(g.Warnings(sessionID)))
	}

	// The genuine offer still binds.
	res, err = g.Observe(sc.events[1])
	if err != nil {
		t.Fatalf("observing offer: %v", err)
	}
	if res.Outcome != correlate.Extended {
		t.Fatalf("offer after rejection: outcome %s, want extended", res.Outcome)
	}

	// A rival offer for the same availability is a fork.
	rival := newIdentity(t)
	fork := sign(t, rival, models.RideOffer{
		ParentID:        sc.events[0].ID,
		CounterpartyKey: sc.driver.PublicHex(),
		FareEstimate:    "9999",
	})
	res, err = g.Observe(fork)
	if err != nil {
		t.Fatalf("observing fork: %v", err)
	}
	if res.Outcome != correlate.Fork {
		t.Fatalf("rival offer outcome %s, want fork", res.Outcome)
	}
}

func TestObserveDiscardsTamperedEvents(t *testing.T) {
	sc := buildScenario(t)
	g := testEngine(t)

	tampered := *sc.events[0]
	tampered.Body = []byte(`{"approx_location":{"lat":0,"lon":0}}`)
	if _, err := g.Observe(&tampered); !errors.Is(err, codec.ErrIDMismatch) {
		t.Fatalf("got %v, want ErrIDMismatch", err)
	}
	if len(g.Sessions()) != 0 {
		t.Fatal("discarded event created a session")
	}
}

func TestPrepareNextDrivesTheLifecycle(t *testing.T) {
	driver := newIdentity(t)
	rider := newIdentity(t)
	g := testEngine(t)

	step := func(id *keys.Identity, sessionID string, action Action, p Params) *ride.Session {
		t.Helper()
		draft, err := g.PrepareNext(sessionID, id.PublicHex(), action, p)
		if err != nil {
			t.Fatalf("%s: %v", action, err)
		}
		e, err := codec.Finalize(draft, id)
		if err != nil {
			t.Fatalf("%s: finalize: %v", action, err)
		}
		res, err := g.Observe(&e)
		if err != nil {
			t.Fatalf("%s: observe: %v", action, err)
		}
		if res.Rejection != nil {
			t.Fatalf("%s: rejected: %v", action, res.Rejection)
		}
		return res.Session
	}

	s := step(driver, "", ActionAnnounce, Params{
		ApproxLocation: models.CoarseLocation{Lat: 37.78, Lon: -122.42, RadiusMeters: 500},
	})
	sessionID := s.ID

	// The driver cannot offer on its own availability.
	if _, err := g.PrepareNext(sessionID, driver.PublicHex(), ActionOffer, Params{FareEstimate: "1"}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("driver self-offer: got %v, want ErrIllegalAction", err)
	}

	step(rider, sessionID, ActionOffer, Params{
		FareEstimate: "5000",
		Destination:  models.CoarseLocation{Lat: 37.62, Lon: -122.38},
		ApproxPickup: models.CoarseLocation{Lat: 37.78, Lon: -122.42},
	})

	// Only the driver answers an offer.
	if _, err := g.PrepareNext(sessionID, rider.PublicHex(), ActionAccept, Params{}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("rider self-accept: got %v, want ErrIllegalAction", err)
	}
	step(driver, sessionID, ActionAccept, Params{})

	sealed, err := privacy.NewBox(rider).EncryptFor(driver.PublicHex(), models.PreciseLocation{Lat: 37.7749, Lon: -122.4194, Address: "123 Main St"})
	if err != nil {
		t.Fatalf("sealing pickup: %v", err)
	}
	// Confirm without a sealed pickup is refused before drafting.
	if _, err := g.PrepareNext(sessionID, rider.PublicHex(), ActionConfirm, Params{}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("confirm without pickup: got %v, want ErrIllegalAction", err)
	}
	step(rider, sessionID, ActionConfirm, Params{EncryptedPickup: sealed})

	step(driver, sessionID, ActionOnTheWay, Params{ApproxLocation: models.CoarseLocation{Lat: 37.77, Lon: -122.41}})
	step(driver, sessionID, ActionGettingClose, Params{ApproxLocation: models.CoarseLocation{Lat: 37.775, Lon: -122.418}})
	s = step(driver, sessionID, ActionComplete, Params{
		ApproxLocation: models.CoarseLocation{Lat: 37.62, Lon: -122.38},
		FinalFare:      "6000",
		PaymentRequest: "lnbc60u1fake",
	})
	if s.Stage != ride.StageRideCompleted {
		t.Fatalf("final stage %s", s.Stage)
	}

	// Terminal sessions draft nothing.
	if _, err := g.SettlePayment(sessionID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := g.PrepareNext(sessionID, driver.PublicHex(), ActionCancel, Params{}); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("cancel after settlement: got %v, want ErrIllegalAction", err)
	}
}

func TestPrepareNextUnknownSession(t *testing.T) {
	g := testEngine(t)
	if _, err := g.PrepareNext("nope", "key", ActionOffer, Params{}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("got %v, want ErrUnknownSession", err)
	}
}
