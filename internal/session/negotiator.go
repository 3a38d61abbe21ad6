package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/strangerloop/strangerloop/internal/bus"
	"github.com/strangerloop/strangerloop/internal/media"
	"github.com/strangerloop/strangerloop/internal/util"
)

// Negotiator drives the handshake for one pairing attempt. It owns the
// room id and the early-candidate buffer; the media session and the bus
// are borrowed from the caller, which controls their lifecycles.
//
// Inbound messages reach the negotiator through HandleMessage. Anything
// scoped to a foreign room, sent by ourselves, or arriving after Close is
// silently ignored; stale traffic on a shared broadcast channel is
// normal, never an error.
type Negotiator struct {
	selfID    string
	partnerID string
	roomID    string
	media     media.Session
	bus       bus.Bus

	// onChat, if set, receives in-room chat lines.
	onChat func(senderID, text string)

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

// Config carries the negotiator's collaborators.
type Config struct {
	SelfID string
	Media  media.Session
	Bus    bus.Bus
	OnChat func(senderID, text string)
}

// NewInitiator creates the claiming side of a pairing. It computes a fresh
// room id; SendOffer starts the handshake.
func NewInitiator(cfg Config, partnerID string) *Negotiator {
	n := newNegotiator(cfg)
	n.partnerID = partnerID
	n.roomID = NewRoomID(cfg.SelfID, partnerID)
	return n
}

// NewResponder creates the claimed side from the targeted offer that woke
// it up. The offer's room id is adopted verbatim.
func NewResponder(cfg Config, offer bus.Message) *Negotiator {
	n := newNegotiator(cfg)
	n.partnerID = offer.SenderID
	n.roomID = offer.RoomID
	return n
}

func newNegotiator(cfg Config) *Negotiator {
	n := &Negotiator{
		selfID: cfg.SelfID,
		media:  cfg.Media,
		bus:    cfg.Bus,
		onChat: cfg.OnChat,
	}

	// Trickle: every locally gathered candidate is published scoped to
	// the room. A nil candidate marks the end of gathering.
	n.media.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		n.publish(bus.Message{
			Kind:    bus.KindCandidate,
			Payload: string(payload),
		})
	})

	return n
}

// RoomID returns the pairing's correlation key.
func (n *Negotiator) RoomID() string { return n.roomID }

// PartnerID returns the other participant's user id.
func (n *Negotiator) PartnerID() string { return n.partnerID }

// SendOffer creates the local offer, applies it, and publishes it targeted
// at the partner. Initiator side only.
func (n *Negotiator) SendOffer(ctx context.Context) error {
	offer, err := n.media.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.media.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	return n.bus.Publish(ctx, bus.Message{
		Kind:     bus.KindOffer,
		RoomID:   n.roomID,
		SenderID: n.selfID,
		TargetID: n.partnerID,
		Payload:  string(payload),
	})
}

// AcceptOffer applies the partner's offer, flushes any candidates that
// raced ahead of it, and publishes the answer (untargeted; correlation is
// by room id). Responder side only.
func (n *Negotiator) AcceptOffer(ctx context.Context, offer bus.Message) error {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal([]byte(offer.Payload), &sdp); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := n.applyRemote(sdp); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := n.media.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.media.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	return n.bus.Publish(ctx, bus.Message{
		Kind:     bus.KindAnswer,
		RoomID:   n.roomID,
		SenderID: n.selfID,
		Payload:  string(payload),
	})
}

// HandleMessage processes one inbound bus message. Foreign rooms, own
// echoes, and post-close traffic are dropped without effect.
func (n *Negotiator) HandleMessage(msg bus.Message) {
	if msg.RoomID != n.roomID || msg.SenderID == n.selfID {
		return
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}

	switch msg.Kind {
	case bus.KindAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal([]byte(msg.Payload), &sdp); err != nil {
			util.LogWarning("dropping malformed answer in room %s: %v", n.roomID, err)
			return
		}
		if err := n.applyRemote(sdp); err != nil {
			util.LogWarning("applying answer in room %s: %v", n.roomID, err)
		}

	case bus.KindCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Payload), &init); err != nil {
			util.LogWarning("dropping malformed candidate in room %s: %v", n.roomID, err)
			return
		}
		n.addCandidate(init)

	case bus.KindChat:
		if n.onChat != nil {
			n.onChat(msg.SenderID, msg.Payload)
		}
	}
}

// SendChat publishes a chat line scoped to the room. Chat is ephemeral;
// it lives only on the bus, never in storage.
func (n *Negotiator) SendChat(ctx context.Context, text string) error {
	return n.bus.Publish(ctx, bus.Message{
		Kind:     bus.KindChat,
		RoomID:   n.roomID,
		SenderID: n.selfID,
		Payload:  text,
	})
}

// applyRemote sets the remote description and flushes the candidates that
// arrived before it. Candidates must never be dropped for being early: the
// bus orders messages per sender, but the offer→answer round trip is
// asynchronous, so a partner's candidates routinely overtake our answer
// handling.
func (n *Negotiator) applyRemote(sdp webrtc.SessionDescription) error {
	if err := n.media.SetRemoteDescription(sdp); err != nil {
		return err
	}

	n.mu.Lock()
	n.remoteSet = true
	flush := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, init := range flush {
		if err := n.media.AddICECandidate(init); err != nil {
			util.LogWarning("applying buffered candidate in room %s: %v", n.roomID, err)
		}
	}
	return nil
}

// addCandidate applies the candidate immediately when the remote
// description is set, otherwise buffers it for the flush in applyRemote.
func (n *Negotiator) addCandidate(init webrtc.ICECandidateInit) {
	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, init)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.media.AddICECandidate(init); err != nil {
		util.LogWarning("applying candidate in room %s: %v", n.roomID, err)
	}
}

// Close marks the negotiator dead so late bus traffic is ignored. The
// media session itself is closed by the state machine, which owns it.
func (n *Negotiator) Close() {
	n.mu.Lock()
	n.closed = true
	n.pending = nil
	n.mu.Unlock()
}

// publish stamps room and sender onto outbound messages from callbacks
// that fire without a caller-provided context.
func (n *Negotiator) publish(msg bus.Message) {
	msg.RoomID = n.roomID
	msg.SenderID = n.selfID
	if err := n.bus.Publish(context.Background(), msg); err != nil {
		util.LogWarning("publishing %s in room %s: %v", msg.Kind, n.roomID, err)
	}
}
