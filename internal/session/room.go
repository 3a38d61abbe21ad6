// Package session implements the two-party negotiation protocol, the
// offer/answer/candidate handshake carried on the shared signaling bus,
// for a single pairing attempt.
package session

import (
	"strings"

	"github.com/google/uuid"
)

// NewRoomID builds the correlation key for one pairing between two users.
// The sorted pair makes the id readable in logs; the nonce guarantees a
// room is never reused across pairings, even between the same two users.
// Only the initiator computes a room id; the responder adopts the one
// carried by the offer.
func NewRoomID(selfID, partnerID string) string {
	lo, hi := selfID, partnerID
	if hi < lo {
		lo, hi = hi, lo
	}
	return strings.Join([]string{lo, hi, uuid.NewString()[:8]}, ":")
}
