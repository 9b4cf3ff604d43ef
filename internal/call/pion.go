package call

import (
	"context"
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/pairlink/pairlink/internal/protocol"
)

// PionConfig configures the production peer transport.
//
// Clients typically work with host candidates on a LAN, but STUN/TURN servers
// help in NAT'd environments.
type PionConfig struct {
	ICEServers    []webrtc.ICEServer
	LoggerFactory logging.LoggerFactory
}

// NewPionPeerFactory returns a PeerFactory backed by pion PeerConnections.
// Offer/answer creation installs the local description immediately and relies
// on trickled candidates; it never blocks on ICE gathering.
func NewPionPeerFactory(pc PionConfig) (PeerFactory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	if pc.LoggerFactory != nil {
		se.LoggerFactory = pc.LoggerFactory
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	return func(events PeerEvents) (Peer, error) {
		conn, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: pc.ICEServers,
		})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		conn.OnICECandidate(func(c *webrtc.ICECandidate) {
			// nil marks the end of gathering.
			if c == nil || events.OnCandidate == nil {
				return
			}
			events.OnCandidate(protocol.CandidateFromPion(c.ToJSON()))
		})
		conn.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
			switch st {
			case webrtc.PeerConnectionStateConnected:
				if events.OnConnected != nil {
					events.OnConnected()
				}
			case webrtc.PeerConnectionStateFailed:
				if events.OnFailed != nil {
					events.OnFailed(fmt.Errorf("peer connection state %s", st))
				}
			}
		})
		conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if events.OnRemoteMedia != nil {
				events.OnRemoteMedia(pionRemoteMedia{track: track})
			}
		})

		return &pionPeer{conn: conn}, nil
	}, nil
}

type pionPeer struct {
	conn *webrtc.PeerConnection
}

func (p *pionPeer) AddLocalMedia(media LocalMedia) error {
	for _, track := range media.Tracks() {
		if _, err := p.conn.AddTrack(track); err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}
	return nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (protocol.SDP, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SDP{}, err
	}
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return protocol.SDP{}, err
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return protocol.SDP{}, err
	}
	return protocol.SDPFromPion(offer), nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (protocol.SDP, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SDP{}, err
	}
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return protocol.SDP{}, err
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		return protocol.SDP{}, err
	}
	return protocol.SDPFromPion(answer), nil
}

func (p *pionPeer) SetRemoteDescription(sdp protocol.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return p.conn.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c protocol.Candidate) error {
	return p.conn.AddICECandidate(c.ToPion())
}

func (p *pionPeer) Close() error {
	return p.conn.Close()
}

type pionRemoteMedia struct {
	track *webrtc.TrackRemote
}

func (m pionRemoteMedia) Kind() string { return m.track.Kind().String() }

// Track exposes the underlying remote track for consumers that read RTP.
func (m pionRemoteMedia) Track() *webrtc.TrackRemote { return m.track }

// StaticMediaSource produces synthetic audio and video tracks. It stands in
// for device capture in tooling and tests; samples are written by the caller.
type StaticMediaSource struct{}

func (StaticMediaSource) Acquire(ctx context.Context) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "pairlink")
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "pairlink")
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return staticMedia{tracks: []webrtc.TrackLocal{audio, video}}, nil
}

type staticMedia struct {
	tracks []webrtc.TrackLocal
}

func (m staticMedia) Tracks() []webrtc.TrackLocal { return m.tracks }
func (staticMedia) Release()                      {}
