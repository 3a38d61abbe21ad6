package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/strangerloop/strangerloop/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN; sessions that need
// relaying simply fail negotiation and both sides re-enter search.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PionFactory builds pion-backed sessions sharing one ICE configuration
// and one capture source.
type PionFactory struct {
	config    webrtc.Configuration
	videoFile string
}

// NewPionFactory creates a factory. Empty stun list selects the defaults;
// videoFile optionally names an IVF file looped as the outbound video
// track (terminal clients have no camera).
func NewPionFactory(stun []string, videoFile string) *PionFactory {
	if len(stun) == 0 {
		stun = stunServers
	}
	return &PionFactory{
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stun}},
		},
		videoFile: videoFile,
	}
}

// AcquireCapture builds the local track set. Called once per process.
func (f *PionFactory) AcquireCapture(ctx context.Context) (Capture, error) {
	return acquireCapture(ctx, f.videoFile)
}

// NewSession creates a peer connection with the capture's tracks attached.
func (f *PionFactory) NewSession(capture Capture) (Session, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	for _, track := range capture.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("attach local track: %w", err)
		}
		// Drain RTCP so interceptors (NACK, reports) keep running.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	return &pionSession{pc: pc}, nil
}

// pionSession wraps a single PeerConnection behind the Session interface.
type pionSession struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

func (s *pionSession) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

func (s *pionSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

func (s *pionSession) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(sdp)
}

func (s *pionSession) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(sdp)
}

func (s *pionSession) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(candidate)
}

func (s *pionSession) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	s.pc.OnICECandidate(fn)
}

// OnRemoteTrack fires fn once per inbound track and drains its RTP in the
// background. The payload itself is not surfaced; rendering is out of
// scope for a terminal client and the packets must be read regardless to
// keep the transport's feedback loops alive.
func (s *pionSession) OnRemoteTrack(fn func(RemoteTrack)) {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("inbound %s track (%s)", track.Kind(), track.Codec().MimeType)
		fn(RemoteTrack{Kind: track.Kind().String(), Codec: track.Codec().MimeType})

		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})
}

func (s *pionSession) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	s.pc.OnConnectionStateChange(fn)
}

// Close shuts the peer connection down. Safe to call repeatedly: skip,
// quit, and failure handling may all race to tear the same session down.
func (s *pionSession) Close() error {
	s.closeOnce.Do(func() {
		if err := s.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
