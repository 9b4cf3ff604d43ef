package protocol

import (
	"encoding/json"
	"fmt"
)

type SignalKind string

const (
	KindOffer  SignalKind = "offer"
	KindAnswer SignalKind = "answer"
	KindICE    SignalKind = "ice"

	// KindBye tells the remote peer the call is over (explicit hangup or a
	// rejected incoming offer). The payload is empty.
	KindBye SignalKind = "bye"

	// KindError is relay-to-client only: it reports a routing failure for an
	// envelope the client previously sent (e.g. target went offline between
	// lookup and delivery).
	KindError SignalKind = "error"
)

// Envelope is a single signaling message. The relay forwards envelopes
// verbatim between SenderID and TargetID without interpreting Payload.
type Envelope struct {
	Kind SignalKind `json:"kind"`

	// Payload carries the negotiation data (SDP or ICE candidate). Opaque to
	// the relay; the call package encodes/decodes it via SDP and Candidate.
	Payload json.RawMessage `json:"payload,omitempty"`

	SenderID string `json:"senderId,omitempty"`
	TargetID string `json:"targetId,omitempty"`

	// KindError fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEnvelope decodes and validates one signaling envelope. Unknown fields
// and trailing data are rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Kind {
	case KindOffer, KindAnswer, KindICE:
		if e.TargetID == "" {
			return fmt.Errorf("%s envelope missing targetId", e.Kind)
		}
		if len(e.Payload) == 0 {
			return fmt.Errorf("%s envelope missing payload", e.Kind)
		}
		if e.Code != "" || e.Message != "" {
			return fmt.Errorf("%s envelope has unexpected fields", e.Kind)
		}
	case KindBye:
		if e.TargetID == "" {
			return fmt.Errorf("bye envelope missing targetId")
		}
		if e.Code != "" || e.Message != "" {
			return fmt.Errorf("bye envelope has unexpected fields")
		}
	case KindError:
		if e.Code == "" {
			return fmt.Errorf("error envelope missing code")
		}
		if len(e.Payload) != 0 {
			return fmt.Errorf("error envelope has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported signal kind %q", e.Kind)
	}
	return nil
}
