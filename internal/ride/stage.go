package ride

// Stage is the session's position in the ride lifecycle. One
// authoritative ordering; both parties derive it independently from
// the events they observe.
type Stage int

const (
	StageDriverAvailable Stage = iota + 1
	StageRiderOfferSent
	StageDriverAccepted
	StageRiderConfirmed
	StageDriverEnRoute
	StageRideCompleted
	StagePaymentSettled
	StageCancelled
)

func (s Stage) String() string {
	switch s {
	case StageDriverAvailable:
		return "driver_available"
	case StageRiderOfferSent:
		return "rider_offer_sent"
	case StageDriverAccepted:
		return "driver_accepted"
	case StageRiderConfirmed:
		return "rider_confirmed"
	case StageDriverEnRoute:
		return "driver_en_route"
	case StageRideCompleted:
		return "ride_completed"
	case StagePaymentSettled:
		return "payment_settled"
	case StageCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal stages accept no further transitions.
func (s Stage) Terminal() bool {
	return s == StagePaymentSettled || s == StageCancelled
}

// EnRoutePhase refines StageDriverEnRoute.
type EnRoutePhase int

const (
	PhaseNone EnRoutePhase = iota
	PhaseOnTheWay
	PhaseGettingClose
)

func (p EnRoutePhase) String() string {
	switch p {
	case PhaseOnTheWay:
		return "on_the_way"
	case PhaseGettingClose:
		return "getting_close"
	}
	return "none"
}
