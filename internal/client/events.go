package client

import (
	"github.com/pion/webrtc/v4"

	"github.com/strangerloop/strangerloop/internal/bus"
	"github.com/strangerloop/strangerloop/internal/match"
	"github.com/strangerloop/strangerloop/internal/media"
)

// eventKind discriminates the event union below.
type eventKind int

const (
	evBusMessage eventKind = iota
	evMatched
	evSearchFailed
	evWaitTimeout
	evNegotiationTimeout
	evRemoteTrack
	evMediaState
	evSkip
	evQuit
	evChat
)

// event is one unit of work for the loop. gen guards search-scoped events
// (a search outcome from before a skip must not fire); roomID guards
// session-scoped events (a media callback from a closed session must not
// touch its successor).
type event struct {
	kind   eventKind
	gen    uint64
	roomID string

	msg        bus.Message                // evBusMessage
	result     match.Result               // evMatched
	err        error                      // evSearchFailed
	track      media.RemoteTrack          // evRemoteTrack
	mediaState webrtc.PeerConnectionState // evMediaState
	text       string                     // evChat
}
