package codec

import (
	"errors"
	"testing"

	"github.com/example/ride-protocol/internal/keys"
	"github.com/example/ride-protocol/internal/models"
)

func newIdentity(t *testing.T) *keys.Identity {
	t.Helper()
	id, err := keys.Generate()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	return id
}

func finalize(t *testing.T, id *keys.Identity, body models.Body, createdAt int64) models.SignedEvent {
	t.Helper()
	data, err := EncodeBody(body)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	e, err := Finalize(Draft{
		AuthorKey: id.PublicHex(),
		CreatedAt: createdAt,
		Kind:      body.EventKind(),
		Refs:      RefsFor(body),
		Body:      data,
	}, id)
	if err != nil {
		t.Fatalf("finalizing %s: %v", body.EventKind(), err)
	}
	return e
}

func TestFinalizeVerifyRoundTrip(t *testing.T) {
	driver := newIdentity(t)
	rider := newIdentity(t)

	bodies := []models.Body{
		models.DriverAvailability{ApproxLocation: models.CoarseLocation{Lat: 37.78, Lon: -122.42, RadiusMeters: 500}},
		models.RideOffer{
			ParentID:        "aa11",
			CounterpartyKey: driver.PublicHex(),
			FareEstimate:    "5000",
			Destination:     models.CoarseLocation{Lat: 37.62, Lon: -122.38},
			ApproxPickup:    models.CoarseLocation{Lat: 37.78, Lon: -122.42},
		},
		models.RideAcceptance{ParentID: "aa11", CounterpartyKey: rider.PublicHex(), Status: models.AcceptanceAccepted},
		models.RideConfirmation{ParentID: "aa11", CounterpartyKey: driver.PublicHex(), EncryptedPickup: "AQIDBA=="},
		models.DriverStatus{
			ParentID:        "aa11",
			CounterpartyKey: rider.PublicHex(),
			Status:          models.StatusCompleted,
			ApproxLocation:  models.CoarseLocation{Lat: 37.62, Lon: -122.38},
			FinalFare:       "6000",
			PaymentRequest:  "lnbc60u1fake",
		},
	}

	for _, body := range bodies {
		e := finalize(t, driver, body, 1700000000)
		decoded, err := Verify(&e, keys.Verifier{})
		if err != nil {
			t.Fatalf("%s: verify failed: %v", body.EventKind(), err)
		}
		if decoded.EventKind() != body.EventKind() {
			t.Fatalf("decoded kind %s, want %s", decoded.EventKind(), body.EventKind())
		}
		if decoded.Parent() != body.Parent() || decoded.Counterparty() != body.Counterparty() {
			t.Fatalf("%s: decoded links do not match the original", body.EventKind())
		}
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	id := newIdentity(t)
	e := finalize(t, id, models.DriverAvailability{ApproxLocation: models.CoarseLocation{Lat: 1, Lon: 2}}, 1700000000)
	e.Body = []byte(`{"approx_location":{"lat":9,"lon":2}}`)
	if _, err := Verify(&e, keys.Verifier{}); !errors.Is(err, ErrIDMismatch) {
		t.Fatalf("got %v, want ErrIDMismatch", err)
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	author := newIdentity(t)
	imposter := newIdentity(t)
	body := models.DriverAvailability{ApproxLocation: models.CoarseLocation{Lat: 1, Lon: 2}}
	data, err := EncodeBody(body)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	e, err := Finalize(Draft{
		AuthorKey: author.PublicHex(),
		CreatedAt: 1700000000,
		Kind:      body.EventKind(),
		Body:      data,
	}, imposter)
	if err != nil {
		t.Fatalf("finalizing: %v", err)
	}
	if _, err := Verify(&e, keys.Verifier{}); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsRefBodyDisagreement(t *testing.T) {
	id := newIdentity(t)
	body := models.RideOffer{
		ParentID:        "aa11",
		CounterpartyKey: "bb22",
		FareEstimate:    "5000",
	}
	data, err := EncodeBody(body)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	// Envelope refs deliberately omit the parent the body claims.
	e, err := Finalize(Draft{
		AuthorKey: id.PublicHex(),
		CreatedAt: 1700000000,
		Kind:      body.EventKind(),
		Refs:      []models.Ref{{Relation: models.RelSubject, Value: "bb22"}},
		Body:      data,
	}, id)
	if err != nil {
		t.Fatalf("finalizing: %v", err)
	}
	var de *DecodeError
	if _, err := Verify(&e, keys.Verifier{}); !errors.As(err, &de) || de.Field != "refs" {
		t.Fatalf("got %v, want refs decode error", err)
	}
}

func TestDecodeBodyValidation(t *testing.T) {
	cases := []struct {
		name      string
		kind      models.Kind
		body      string
		wantField string
	}{
		{"offer missing fare", models.KindRideOffer,
			`{"parent_id":"a","counterparty":"b"}`, "fare_estimate"},
		{"offer missing parent", models.KindRideOffer,
			`{"counterparty":"b","fare_estimate":"100"}`, "parent_id"},
		{"acceptance bad status", models.KindRideAcceptance,
			`{"parent_id":"a","counterparty":"b","status":"maybe"}`, "status"},
		{"confirmation missing pickup", models.KindRideConfirmation,
			`{"parent_id":"a","counterparty":"b"}`, "encrypted_pickup"},
		{"completed without final fare", models.KindDriverStatus,
			`{"parent_id":"a","counterparty":"b","status":"completed","payment_request":"x"}`, "final_fare"},
		{"completed without invoice", models.KindDriverStatus,
			`{"parent_id":"a","counterparty":"b","status":"completed","final_fare":"6000"}`, "payment_request"},
		{"fare on non-final status", models.KindDriverStatus,
			`{"parent_id":"a","counterparty":"b","status":"on_the_way","final_fare":"6000"}`, "final_fare"},
		{"availability latitude out of range", models.KindDriverAvailability,
			`{"approx_location":{"lat":91,"lon":0}}`, "approx_location"},
		{"status longitude out of range", models.KindDriverStatus,
			`{"parent_id":"a","counterparty":"b","status":"on_the_way","approx_location":{"lat":0,"lon":181}}`, "approx_location"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeBody(tc.kind, []byte(tc.body))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("got %v, want *DecodeError", err)
			}
			if de.Field != tc.wantField {
				t.Fatalf("got field %q, want %q", de.Field, tc.wantField)
			}
		})
	}
}

func TestDecodeBodyMalformedJSON(t *testing.T) {
	for _, kind := range models.Kinds {
		if _, err := DecodeBody(kind, []byte(`{not json`)); err == nil {
			t.Fatalf("%s: expected error for malformed json", kind)
		}
	}
}

func TestComputeIDIsStable(t *testing.T) {
	refs := []models.Ref{{Relation: models.RelParent, Value: "aa11"}}
	a, err := ComputeID("author", 1700000000, models.KindRideOffer, refs, []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	b, err := ComputeID("author", 1700000000, models.KindRideOffer, refs, []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	if a != b {
		t.Fatalf("same input produced different ids: %s vs %s", a, b)
	}
	c, _ := ComputeID("author", 1700000001, models.KindRideOffer, refs, []byte(`{"x":1}`))
	if a == c {
		t.Fatal("different created_at produced the same id")
	}
}
