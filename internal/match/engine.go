// Package match implements race-free pairing over the shared queue store.
// Two searchers that spot the same waiting entry both attempt the claim;
// the store's delete-reporting-removal primitive picks exactly one winner
// and the loser retries after a short delay.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/strangerloop/strangerloop/internal/queue"
	"github.com/strangerloop/strangerloop/internal/util"
)

// ErrRaceLost is the internal claim-race outcome. It never escapes
// FindPartner (the engine recovers by retrying) but it is exported so
// tests can exercise the single-attempt path directly.
var ErrRaceLost = errors.New("queue entry claimed by another searcher")

// DefaultRetryDelay is the pause after a lost claim race before the next
// queue scan. Bounded so two losers cannot busy-loop against each other.
const DefaultRetryDelay = 500 * time.Millisecond

// Role says which side of the handshake the searcher ended up on.
type Role int

const (
	// Initiator claimed a waiting partner and must drive the offer.
	Initiator Role = iota
	// Waiter was enqueued and stays idle until a targeted offer arrives.
	Waiter
)

// Result is the outcome of one search. PartnerID is set only for the
// Initiator role.
type Result struct {
	Role      Role
	PartnerID string
}

// Engine runs the claim-or-enqueue algorithm against a Store.
type Engine struct {
	store      queue.Store
	retryDelay time.Duration
}

// NewEngine creates an engine. retryDelay <= 0 selects DefaultRetryDelay.
func NewEngine(store queue.Store, retryDelay time.Duration) *Engine {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Engine{store: store, retryDelay: retryDelay}
}

// FindPartner searches until it either claims a waiting partner (returning
// Initiator) or finds the queue empty and enqueues selfID (returning
// Waiter). Lost claim races retry after the engine's delay; the only error
// paths are store failures and context cancellation.
func (e *Engine) FindPartner(ctx context.Context, selfID string) (Result, error) {
	for {
		res, err := e.attempt(ctx, selfID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrRaceLost) {
			return Result{}, err
		}

		util.LogDebug("claim race lost, retrying in %s", e.retryDelay)
		select {
		case <-time.After(e.retryDelay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// attempt performs a single claim-or-enqueue pass.
func (e *Engine) attempt(ctx context.Context, selfID string) (Result, error) {
	candidates, err := e.store.SelectOldestExcluding(ctx, selfID, 1)
	if err != nil {
		return Result{}, err
	}

	if len(candidates) > 0 {
		removed, err := e.store.DeleteByID(ctx, candidates[0].ID)
		if err != nil {
			return Result{}, err
		}
		if !removed {
			return Result{}, ErrRaceLost
		}
		return Result{Role: Initiator, PartnerID: candidates[0].UserID}, nil
	}

	// Empty queue: clean any stale entry from a previous attempt, then
	// enqueue and wait to be claimed.
	if err := e.store.DeleteByUser(ctx, selfID); err != nil {
		return Result{}, err
	}
	if _, err := e.store.Insert(ctx, selfID); err != nil {
		return Result{}, err
	}
	return Result{Role: Waiter}, nil
}

// Withdraw removes selfID's queue entry. Every exit path (successful
// claim by a partner, skip, quit, process shutdown) converges here so no
// orphaned entry can match against a departed user. Idempotent.
func (e *Engine) Withdraw(ctx context.Context, selfID string) error {
	return e.store.DeleteByUser(ctx, selfID)
}
