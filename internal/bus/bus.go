package bus

import "context"

// Handler receives every message delivered on the channel, including the
// subscriber's own publishes. Handlers run on the subscription's pump
// goroutine; per-sender order is preserved, cross-sender order is not.
type Handler func(Message)

// Bus is a publish/subscribe channel shared by every active client.
// Delivery is at-least-once while a subscription is connected and
// zero-times across a disconnect, so receivers must tolerate duplicates
// and must never rely on a message arriving at all.
type Bus interface {
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers a handler and returns an unsubscribe function.
	// Unsubscribe is idempotent and must be called on shutdown.
	Subscribe(ctx context.Context, h Handler) (func(), error)
}
