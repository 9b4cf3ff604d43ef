package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SDP is a minimal, JSON-friendly session description. It matches the shape
// browsers produce from RTCSessionDescription, so a browser client can talk to
// a Go client without translation.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// MarshalSDP encodes an SDP as an envelope payload.
func MarshalSDP(s SDP) (json.RawMessage, error) {
	return json.Marshal(s)
}

func UnmarshalSDP(raw json.RawMessage) (SDP, error) {
	var s SDP
	if err := json.Unmarshal(raw, &s); err != nil {
		return SDP{}, fmt.Errorf("decode sdp payload: %w", err)
	}
	if s.SDP == "" {
		return SDP{}, fmt.Errorf("sdp payload missing sdp")
	}
	return s, nil
}

// MarshalCandidate encodes an ICE candidate as an envelope payload.
func MarshalCandidate(c Candidate) (json.RawMessage, error) {
	return json.Marshal(c)
}

func UnmarshalCandidate(raw json.RawMessage) (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return Candidate{}, fmt.Errorf("decode candidate payload: %w", err)
	}
	return c, nil
}
