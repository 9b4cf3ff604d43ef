package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// LocalMedia is acquired capture, owned by exactly one session. Release is
// idempotent and is always called when the owning session closes.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Release()
}

// MediaSource acquires local capture for a new session. Acquire runs before
// any description is created; its failure is fatal to the call.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// RemoteMedia is a track received from the remote peer.
type RemoteMedia interface {
	Kind() string
}
