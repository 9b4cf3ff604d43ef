package call

import (
	"context"

	"github.com/pairlink/pairlink/internal/protocol"
)

// Peer abstracts the peer transport underneath a Session. The production
// implementation wraps a pion PeerConnection (NewPionPeerFactory); tests
// substitute in-process fakes.
//
// Offer/answer creation also installs the local description, so a returned
// SDP is always ready to put on the wire.
type Peer interface {
	AddLocalMedia(media LocalMedia) error
	CreateOffer(ctx context.Context) (protocol.SDP, error)
	CreateAnswer(ctx context.Context) (protocol.SDP, error)
	SetRemoteDescription(sdp protocol.SDP) error
	AddICECandidate(c protocol.Candidate) error
	Close() error
}

// PeerEvents are the callbacks a Peer fires as the transport progresses. All
// callbacks may be invoked from transport goroutines; the Session serializes
// behind its own lock.
type PeerEvents struct {
	// OnCandidate fires for each locally gathered ICE candidate, to be
	// trickled to the remote peer.
	OnCandidate func(c protocol.Candidate)

	// OnConnected fires once when the transport reaches the connected state.
	OnConnected func()

	// OnRemoteMedia fires when a remote track arrives.
	OnRemoteMedia func(media RemoteMedia)

	// OnFailed fires when the transport fails or disconnects after setup.
	OnFailed func(err error)
}

// PeerFactory builds one Peer per session.
type PeerFactory func(events PeerEvents) (Peer, error)
