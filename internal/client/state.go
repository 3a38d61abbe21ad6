// Package client implements the per-user connection lifecycle: searching
// for a partner, waiting to be claimed, negotiating a session, staying
// connected, and tearing down on skip or quit. All transitions run on a
// single event-loop goroutine; bus traffic, media callbacks, timers, and
// user commands are delivered to it as events stamped with the state they
// belong to, so a stale callback can never act on the wrong session.
package client

// State is the connection lifecycle position. Exactly one value is live
// per client, owned by the event loop.
type State int

const (
	// StateIdle is the pre-Start and post-device-failure resting state.
	StateIdle State = iota
	// StateSearching means a claim-or-enqueue pass is in flight.
	StateSearching
	// StateWaiting means we are enqueued, idle until a targeted offer.
	StateWaiting
	// StateNegotiating means the offer/answer/candidate handshake is
	// running but media is not yet flowing.
	StateNegotiating
	// StateConnected means the media transport reported an inbound
	// stream. Signaling success alone never reaches this state.
	StateConnected
	// StateStopped is terminal: quit ran, every resource is released.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateWaiting:
		return "waiting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
