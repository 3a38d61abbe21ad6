// Package bus provides the shared signaling channel used to broker
// session setup between anonymous peers. Every connected client receives
// every message; filtering by room and target is the receiver's job.
package bus

// Kind identifies the kind of signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindChat      Kind = "chat"
)

// Message is the JSON structure published on the signaling channel.
// TargetID is only required for offers. Answers and candidates are
// correlated by RoomID alone.
type Message struct {
	Kind     Kind   `json:"kind"`
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	TargetID string `json:"targetId,omitempty"`
	Payload  string `json:"payload,omitempty"`
}
