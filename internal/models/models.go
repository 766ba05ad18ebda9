package models

import (
	"encoding/json"
	"time"
)

// Kind identifies one of the five ride event types carried on the
// broadcast network. The numeric values are part of the wire format
// and are what relays filter on.
type Kind int

const (
	KindDriverAvailability Kind = 3000
	KindRideOffer          Kind = 3001
	KindRideAcceptance     Kind = 3002
	KindRideConfirmation   Kind = 3003
	KindDriverStatus       Kind = 3004
)

// Kinds lists every ride event kind, for relay subscription filters.
var Kinds = []Kind{
	KindDriverAvailability,
	KindRideOffer,
	KindRideAcceptance,
	KindRideConfirmation,
	KindDriverStatus,
}

func (k Kind) String() string {
	switch k {
	case KindDriverAvailability:
		return "driver_availability"
	case KindRideOffer:
		return "ride_offer"
	case KindRideAcceptance:
		return "ride_acceptance"
	case KindRideConfirmation:
		return "ride_confirmation"
	case KindDriverStatus:
		return "driver_status"
	}
	return "unknown"
}

// Ref relation labels. A "parent" ref carries the id of the event this
// one extends; a "subject" ref carries the counterparty's public key.
// Both are mirrored from the body onto the envelope so relays can
// filter without decoding bodies.
const (
	RelParent  = "parent"
	RelSubject = "subject"
)

// Ref is one envelope reference. On the wire it is a two-element JSON
// array ["parent", "<id>"] to keep relay-side filtering trivial.
type Ref struct {
	Relation string
	Value    string
}

func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{r.Relation, r.Value})
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	r.Relation, r.Value = pair[0], pair[1]
	return nil
}

// SignedEvent is the unit exchanged over the network. ID is the hex
// sha256 of the canonical serialization of the remaining fields and
// Sig is a hex ed25519 signature by AuthorKey over the raw id bytes.
type SignedEvent struct {
	ID        string          `json:"id"`
	AuthorKey string          `json:"author"`
	CreatedAt int64           `json:"created_at"`
	Kind      Kind            `json:"kind"`
	Refs      []Ref           `json:"refs"`
	Body      json.RawMessage `json:"body"`
	Sig       string          `json:"sig"`
}

// Ref returns the value of the first ref with the given relation.
func (e *SignedEvent) Ref(relation string) string {
	for _, r := range e.Refs {
		if r.Relation == relation {
			return r.Value
		}
	}
	return ""
}

// CoarseLocation is an intentionally low-precision position. It is
// never encrypted: relays must be able to filter on it, and at this
// precision it carries negligible privacy risk.
type CoarseLocation struct {
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	RadiusMeters int     `json:"radius_m,omitempty"`
}

// PreciseLocation is an exact pickup position. It only ever travels
// inside RideConfirmation.EncryptedPickup, sealed to the driver.
type PreciseLocation struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address"`
}

// RideAcceptance status values.
const (
	AcceptanceAccepted = "accepted"
	AcceptanceDeclined = "declined"
)

// DriverStatus status values.
const (
	StatusOnTheWay     = "on_the_way"
	StatusGettingClose = "getting_close"
	StatusCompleted    = "completed"
	StatusCanceled     = "canceled"
)

// Body is the decoded payload of a SignedEvent: exactly one concrete
// type per kind. Parent is empty only for DriverAvailability, the
// genesis of a session. Counterparty is the other party's public key,
// empty for DriverAvailability.
type Body interface {
	EventKind() Kind
	Parent() string
	Counterparty() string
}

// DriverAvailability announces a driver open for offers near a coarse
// location. It opens a new session keyed by its own event id.
type DriverAvailability struct {
	ApproxLocation CoarseLocation `json:"approx_location"`
}

func (DriverAvailability) EventKind() Kind      { return KindDriverAvailability }
func (DriverAvailability) Parent() string       { return "" }
func (DriverAvailability) Counterparty() string { return "" }

// RideOffer is a rider's response to a DriverAvailability. The fare
// estimate is a decimal satoshi amount rendered as a string so it
// survives JSON number handling untouched.
type RideOffer struct {
	ParentID        string         `json:"parent_id"`
	CounterpartyKey string         `json:"counterparty"`
	FareEstimate    string         `json:"fare_estimate"`
	Destination     CoarseLocation `json:"destination"`
	ApproxPickup    CoarseLocation `json:"approx_pickup"`
}

func (b RideOffer) EventKind() Kind      { return KindRideOffer }
func (b RideOffer) Parent() string       { return b.ParentID }
func (b RideOffer) Counterparty() string { return b.CounterpartyKey }

// RideAcceptance is the driver's answer to an offer.
type RideAcceptance struct {
	ParentID        string `json:"parent_id"`
	CounterpartyKey string `json:"counterparty"`
	Status          string `json:"status"`
}

func (b RideAcceptance) EventKind() Kind      { return KindRideAcceptance }
func (b RideAcceptance) Parent() string       { return b.ParentID }
func (b RideAcceptance) Counterparty() string { return b.CounterpartyKey }

// RideConfirmation commits the rider and reveals the precise pickup,
// sealed to the driver. EncryptedPickup is base64.
type RideConfirmation struct {
	ParentID        string `json:"parent_id"`
	CounterpartyKey string `json:"counterparty"`
	EncryptedPickup string `json:"encrypted_pickup"`
}

func (b RideConfirmation) EventKind() Kind      { return KindRideConfirmation }
func (b RideConfirmation) Parent() string       { return b.ParentID }
func (b RideConfirmation) Counterparty() string { return b.CounterpartyKey }

// DriverStatus is a driver progress update. FinalFare and
// PaymentRequest are present only when Status is "completed";
// PaymentRequest is an opaque Lightning invoice.
type DriverStatus struct {
	ParentID        string         `json:"parent_id"`
	CounterpartyKey string         `json:"counterparty"`
	Status          string         `json:"status"`
	ApproxLocation  CoarseLocation `json:"approx_location"`
	FinalFare       string         `json:"final_fare,omitempty"`
	PaymentRequest  string         `json:"payment_request,omitempty"`
}

func (b DriverStatus) EventKind() Kind      { return KindDriverStatus }
func (b DriverStatus) Parent() string       { return b.ParentID }
func (b DriverStatus) Counterparty() string { return b.CounterpartyKey }

// QuoteState distinguishes "not yet computed" from "computed" from
// "computation failed" so a missing fare is never ambiguous.
type QuoteState int

const (
	QuotePending QuoteState = iota
	QuoteAvailable
	QuoteFailed
)

// FareQuote is the result of a fare estimation request.
type FareQuote struct {
	State  QuoteState `json:"state"`
	Sats   int64      `json:"sats,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

func PendingQuote() FareQuote             { return FareQuote{State: QuotePending} }
func AvailableQuote(sats int64) FareQuote { return FareQuote{State: QuoteAvailable, Sats: sats} }
func FailedQuote(reason string) FareQuote { return FareQuote{State: QuoteFailed, Reason: reason} }

// DriverAd is one entry in the availability index: a driver key, the
// coarse location it announced, and when it was last seen.
type DriverAd struct {
	Key      string         `json:"key"`
	Location CoarseLocation `json:"location"`
	Seen     time.Time      `json:"seen"`
}
