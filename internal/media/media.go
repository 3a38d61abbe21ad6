// Package media adapts the peer-to-peer media transport (pion WebRTC)
// behind small interfaces so the negotiation and state-machine layers can
// be driven by fakes in tests. The package only negotiates session setup;
// packet delivery is pion's job once the connection is up.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrDeviceUnavailable reports that the local capture source could not be
// acquired. Fatal to the session; surfaced to the user.
var ErrDeviceUnavailable = errors.New("local capture device unavailable")

// RemoteTrack describes an inbound media track, enough for a UI to label
// what it is receiving.
type RemoteTrack struct {
	Kind  string // "audio" or "video"
	Codec string // MIME type, e.g. "audio/opus"
}

// Session is one peer connection's negotiation surface. Sessions are
// single-use: one per pairing attempt, closed on every teardown.
type Session interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate registers the trickle callback. A nil candidate
	// signals the end of gathering.
	OnICECandidate(func(*webrtc.ICECandidate))

	// OnRemoteTrack fires when an inbound media track starts flowing.
	// This, not signaling completion, is what "connected" means.
	OnRemoteTrack(func(RemoteTrack))

	// OnStateChange reports peer connection state transitions, used to
	// detect transport failure after establishment.
	OnStateChange(func(webrtc.PeerConnectionState))

	// Close tears the session down. Idempotent.
	Close() error
}

// Capture is the local capture source. Acquired once per process and
// reused across skip/re-search cycles; closed only on quit.
type Capture interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Factory creates the process's capture source and per-pairing sessions.
type Factory interface {
	AcquireCapture(ctx context.Context) (Capture, error)
	NewSession(capture Capture) (Session, error)
}
