package domain

import (
	"context"
	"io"
)

// CameraDirectory lists cameras known to the dashboard backend.
type CameraDirectory interface {
	ListCameras(ctx context.Context, q CameraQuery) ([]Camera, error)
}

// Transport is the shared signaling channel.
type Transport interface {
	Send(env Envelope) error
	Subscribe(fn func(Envelope)) (unsubscribe func())
}

// PeerConn is one platform peer connection as seen by a negotiator.
type PeerConn interface {
	CreateOffer() (SDPPayload, error)
	SetLocalDescription(sdp SDPPayload) error
	SetRemoteDescription(sdp SDPPayload) error
	// RemoteDescription returns nil until a remote description is applied.
	RemoteDescription() *SDPPayload
	AddICECandidate(candidate ICECandidatePayload) error
	// OnICECandidate registers the local candidate callback. A nil candidate
	// marks the end of gathering.
	OnICECandidate(fn func(*ICECandidatePayload))
	OnConnectionStateChange(fn func(PeerState))
	Close() error
}

// PeerFactory creates peer connections for one role.
type PeerFactory interface {
	NewPeer(cameraID string) (PeerConn, error)
}

// LocalMedia is captured media owned by a publishing session.
type LocalMedia interface {
	io.Closer
}

// MediaDevice opens local media for a camera.
type MediaDevice interface {
	Open(cameraID string) (LocalMedia, error)
}

// MediaPeer is a PeerConn that can carry local media.
type MediaPeer interface {
	PeerConn
	AddLocalMedia(media LocalMedia) error
}

// MediaPeerFactory creates peer connections that publish local media.
type MediaPeerFactory interface {
	NewMediaPeer(cameraID string) (MediaPeer, error)
}
