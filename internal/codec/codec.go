package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/example/ride-protocol/internal/models"
)

// Signer abstracts the key holder finalizing drafts. Production code
// uses the ed25519 identity in internal/keys; tests substitute fakes.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier checks a signature against a hex-encoded public key.
type Verifier interface {
	Verify(pubkeyHex string, data, sig []byte) bool
}

// Draft is an event ready to be signed: everything but the id and
// signature. PrepareNext returns these; Finalize seals them.
type Draft struct {
	AuthorKey string
	CreatedAt int64
	Kind      models.Kind
	Refs      []models.Ref
	Body      []byte
}

// EncodeBody produces the canonical JSON for a body. encoding/json
// emits struct fields in declaration order with no extra whitespace,
// which is the canonical form the event id is hashed over.
func EncodeBody(body models.Body) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", body.EventKind(), err)
	}
	return data, nil
}

// DecodeBody decodes and validates the body for the given kind.
// Transport corruption and out-of-protocol payloads come back as a
// *DecodeError, never a panic: the caller discards the event and the
// pipeline keeps running.
func DecodeBody(kind models.Kind, data []byte) (models.Body, error) {
	switch kind {
	case models.KindDriverAvailability:
		var b models.DriverAvailability
		if err := unmarshalStrict(kind, data, &b); err != nil {
			return nil, err
		}
		if err := checkCoarse(kind, "approx_location", b.ApproxLocation); err != nil {
			return nil, err
		}
		return b, nil

	case models.KindRideOffer:
		var b models.RideOffer
		if err := unmarshalStrict(kind, data, &b); err != nil {
			return nil, err
		}
		if err := requireLinked(kind, b.ParentID, b.CounterpartyKey); err != nil {
			return nil, err
		}
		if b.FareEstimate == "" {
			return nil, &DecodeError{Kind: kind, Field: "fare_estimate", Reason: "missing"}
		}
		if err := checkCoarse(kind, "destination", b.Destination); err != nil {
			return nil, err
		}
		if err := checkCoarse(kind, "approx_pickup", b.ApproxPickup); err != nil {
			return nil, err
		}
		return b, nil

	case models.KindRideAcceptance:
		var b models.RideAcceptance
		if err := unmarshalStrict(kind, data, &b); err != nil {
			return nil, err
		}
		if err := requireLinked(kind, b.ParentID, b.CounterpartyKey); err != nil {
			return nil, err
		}
		switch b.Status {
		case models.AcceptanceAccepted, models.AcceptanceDeclined:
		default:
			return nil, &DecodeError{Kind: kind, Field: "status", Reason: "unknown value " + strconvQuote(b.Status)}
		}
		return b, nil

	case models.KindRideConfirmation:
		var b models.RideConfirmation
		if err := unmarshalStrict(kind, data, &b); err != nil {
			return nil, err
		}
		if err := requireLinked(kind, b.ParentID, b.CounterpartyKey); err != nil {
			return nil, err
		}
		if b.EncryptedPickup == "" {
			return nil, &DecodeError{Kind: kind, Field: "encrypted_pickup", Reason: "missing"}
		}
		return b, nil

	case models.KindDriverStatus:
		var b models.DriverStatus
		if err := unmarshalStrict(kind, data, &b); err != nil {
			return nil, err
		}
		if err := requireLinked(kind, b.ParentID, b.CounterpartyKey); err != nil {
			return nil, err
		}
		switch b.Status {
		case models.StatusOnTheWay, models.StatusGettingClose, models.StatusCanceled:
			if b.FinalFare != "" || b.PaymentRequest != "" {
				return nil, &DecodeError{Kind: kind, Field: "final_fare", Reason: "only valid with status completed"}
			}
		case models.StatusCompleted:
			if b.FinalFare == "" {
				return nil, &DecodeError{Kind: kind, Field: "final_fare", Reason: "missing"}
			}
			if b.PaymentRequest == "" {
				return nil, &DecodeError{Kind: kind, Field: "payment_request", Reason: "missing"}
			}
		default:
			return nil, &DecodeError{Kind: kind, Field: "status", Reason: "unknown value " + strconvQuote(b.Status)}
		}
		if err := checkCoarse(kind, "approx_location", b.ApproxLocation); err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, &DecodeError{Kind: kind, Reason: "unknown kind"}
}

// RefsFor builds the envelope refs mirrored from a body.
func RefsFor(body models.Body) []models.Ref {
	var refs []models.Ref
	if p := body.Parent(); p != "" {
		refs = append(refs, models.Ref{Relation: models.RelParent, Value: p})
	}
	if c := body.Counterparty(); c != "" {
		refs = append(refs, models.Ref{Relation: models.RelSubject, Value: c})
	}
	return refs
}

// ComputeID hashes the canonical serialization of an event. The shape
// is a JSON array so field order is fixed by construction:
// [0, author, created_at, kind, refs, body].
func ComputeID(authorKey string, createdAt int64, kind models.Kind, refs []models.Ref, body []byte) (string, error) {
	if refs == nil {
		refs = []models.Ref{}
	}
	canonical, err := json.Marshal([]any{0, authorKey, createdAt, int(kind), refs, string(body)})
	if err != nil {
		return "", fmt.Errorf("canonical serialization: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Finalize computes the id for a draft and signs it, producing a
// publishable SignedEvent.
func Finalize(d Draft, signer Signer) (models.SignedEvent, error) {
	id, err := ComputeID(d.AuthorKey, d.CreatedAt, d.Kind, d.Refs, d.Body)
	if err != nil {
		return models.SignedEvent{}, err
	}
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return models.SignedEvent{}, fmt.Errorf("decoding event id: %w", err)
	}
	sig, err := signer.Sign(idBytes)
	if err != nil {
		return models.SignedEvent{}, fmt.Errorf("signing event: %w", err)
	}
	return models.SignedEvent{
		ID:        id,
		AuthorKey: d.AuthorKey,
		CreatedAt: d.CreatedAt,
		Kind:      d.Kind,
		Refs:      d.Refs,
		Body:      d.Body,
		Sig:       hex.EncodeToString(sig),
	}, nil
}

// Verify checks an incoming event end to end: id matches the canonical
// hash, signature verifies against the author key, body decodes and
// its parent/counterparty agree with the envelope refs. On success the
// decoded body is returned so callers never decode twice.
func Verify(e *models.SignedEvent, v Verifier) (models.Body, error) {
	id, err := ComputeID(e.AuthorKey, e.CreatedAt, e.Kind, e.Refs, e.Body)
	if err != nil {
		return nil, err
	}
	if id != e.ID {
		return nil, ErrIDMismatch
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return nil, &DecodeError{Kind: e.Kind, Field: "id", Reason: "not hex"}
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return nil, &DecodeError{Kind: e.Kind, Field: "sig", Reason: "not hex"}
	}
	if !v.Verify(e.AuthorKey, idBytes, sig) {
		return nil, ErrBadSignature
	}
	body, err := DecodeBody(e.Kind, e.Body)
	if err != nil {
		return nil, err
	}
	if body.Parent() != e.Ref(models.RelParent) {
		return nil, &DecodeError{Kind: e.Kind, Field: "refs", Reason: "parent ref disagrees with body"}
	}
	if body.Counterparty() != e.Ref(models.RelSubject) {
		return nil, &DecodeError{Kind: e.Kind, Field: "refs", Reason: "subject ref disagrees with body"}
	}
	return body, nil
}

func unmarshalStrict(kind models.Kind, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Kind: kind, Reason: "malformed json", Err: err}
	}
	return nil
}

func requireLinked(kind models.Kind, parentID, counterparty string) error {
	if parentID == "" {
		return &DecodeError{Kind: kind, Field: "parent_id", Reason: "missing"}
	}
	if counterparty == "" {
		return &DecodeError{Kind: kind, Field: "counterparty", Reason: "missing"}
	}
	return nil
}

func checkCoarse(kind models.Kind, field string, loc models.CoarseLocation) error {
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
		return &DecodeError{Kind: kind, Field: field, Reason: "coordinates out of range"}
	}
	if loc.RadiusMeters < 0 {
		return &DecodeError{Kind: kind, Field: field, Reason: "negative radius"}
	}
	return nil
}

func strconvQuote(s string) string { return fmt.Sprintf("%q", s) }
