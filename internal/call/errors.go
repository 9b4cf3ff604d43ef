package call

import "errors"

var (
	// ErrCallAlreadyActive is returned when starting or accepting a call with
	// a remote peer that already has a non-closed session.
	ErrCallAlreadyActive = errors.New("call already active with this peer")

	// ErrMediaAcquisition means local capture could not be acquired. It is
	// fatal to the session it occurs in.
	ErrMediaAcquisition = errors.New("failed to acquire local media")

	// ErrNegotiationTimeout closes a session whose handshake never reached
	// the connected state in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrSignalingFailed means the relay reported the remote peer
	// unreachable while the handshake was in flight.
	ErrSignalingFailed = errors.New("signaling delivery failed")

	// ErrPeerDeparted means the remote peer dropped off the presence list
	// mid-call.
	ErrPeerDeparted = errors.New("remote peer went offline")

	// ErrPeerBusy means the remote peer declined the offer because it is
	// already in a call.
	ErrPeerBusy = errors.New("remote peer is busy")

	// ErrTransportFailed means the established peer transport broke down.
	ErrTransportFailed = errors.New("peer transport failed")

	// ErrSessionClosed is returned by operations on a session that has
	// already reached the terminal state.
	ErrSessionClosed = errors.New("session is closed")
)
