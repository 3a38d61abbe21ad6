package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/strangerloop/strangerloop/internal/util"
)

// DefaultChannel is the global signaling channel name. A single channel is
// shared by the whole population; see the scaling note in DESIGN.md.
const DefaultChannel = "strangerloop:signal"

// RedisBus implements Bus on top of Redis Pub/Sub. Messages are JSON on a
// single global channel.
type RedisBus struct {
	rdb     *redis.Client
	channel string
}

// NewRedisBus creates a bus over the given Redis client. An empty channel
// name selects DefaultChannel.
func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{rdb: rdb, channel: channel}
}

// Publish JSON-encodes the message and publishes it on the global channel.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode signal message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish signal message: %w", err)
	}
	return nil
}

// Subscribe opens a Redis subscription and pumps inbound messages into h
// on a background goroutine. Messages that fail to decode are dropped with
// a warning; a malformed publish must not kill the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) (func(), error) {
	sub := b.rdb.Subscribe(ctx, b.channel)

	// Force the SUBSCRIBE round trip so a dead Redis fails here, not on
	// the first missed message.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go func() {
		for raw := range sub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				util.LogWarning("dropping malformed signal message: %v", err)
				continue
			}
			h(msg)
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				util.LogWarning("closing signal subscription: %v", err)
			}
		})
	}
	return unsubscribe, nil
}
