package call

// State is the lifecycle phase of one negotiation with one remote peer.
// Transitions only move forward; Closed is terminal.
type State int

const (
	// Idle is the zero value; a Session leaves it as soon as it starts.
	Idle State = iota

	// LocalMediaPending means capture is being acquired. Entered before any
	// description is created or applied, for caller and callee alike.
	LocalMediaPending

	// OfferSent is the caller's wait for the remote answer.
	OfferSent

	// OfferReceived is the callee's phase between applying the remote offer
	// and sending its answer.
	OfferReceived

	// AnswerExchanged means both descriptions are in place and connectivity
	// establishment is underway.
	AnswerExchanged

	// Connected means the peer transport is up and media is flowing.
	Connected

	// Closed is terminal. A closed Session never transitions again; a new
	// call with the same remote requires a new Session.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LocalMediaPending:
		return "local_media_pending"
	case OfferSent:
		return "offer_sent"
	case OfferReceived:
		return "offer_received"
	case AnswerExchanged:
		return "answer_exchanged"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
