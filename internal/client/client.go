package client

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangerloop/strangerloop/internal/bus"
	"github.com/strangerloop/strangerloop/internal/match"
	"github.com/strangerloop/strangerloop/internal/media"
	"github.com/strangerloop/strangerloop/internal/queue"
	"github.com/strangerloop/strangerloop/internal/session"
	"github.com/strangerloop/strangerloop/internal/util"
)

const (
	// DefaultWaitTimeout bounds StateWaiting: an unclaimed waiter
	// re-enters search instead of stalling forever.
	DefaultWaitTimeout = 30 * time.Second

	// DefaultNegotiationTimeout bounds StateNegotiating: a handshake
	// that never produces media is torn down and search restarts.
	DefaultNegotiationTimeout = 20 * time.Second

	// eventBuffer sizes the loop inbox. Bus fan-out can burst; commands
	// and callbacks must not block their callers.
	eventBuffer = 256

	// cleanupTimeout bounds the queue withdrawal done during teardown,
	// which must complete even when the parent context is already gone.
	cleanupTimeout = 5 * time.Second
)

// Config wires a Client to its collaborators. Store, Bus, and Media are
// required; zero durations select the defaults; callbacks are optional.
type Config struct {
	UserID string

	Store queue.Store
	Bus   bus.Bus
	Media media.Factory

	RetryDelay         time.Duration
	WaitTimeout        time.Duration
	NegotiationTimeout time.Duration

	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)
	// OnRemoteTrack observes inbound media tracks of the current session.
	OnRemoteTrack func(media.RemoteTrack)
	// OnChat receives in-room chat lines from the partner.
	OnChat func(senderID, text string)
}

// Client is one user's connection state machine. Public methods are safe
// from any goroutine; all state lives on the internal event loop.
type Client struct {
	cfg    Config
	engine *match.Engine

	events chan event
	done   chan struct{}

	// cancel stops everything on shutdown; searchCancel aborts just the
	// current search when a new generation supersedes it; searching tracks
	// search goroutines so shutdown can withdraw after the last insert.
	cancel       context.CancelFunc
	searchCancel context.CancelFunc
	searching    sync.WaitGroup

	// Everything below is owned by the run loop.
	state       State
	gen         uint64
	capture     media.Capture
	sess        media.Session
	neg         *session.Negotiator
	waitTimer   *time.Timer
	negTimer    *time.Timer
	unsubscribe func()
}

// New creates a client in StateIdle. Call Start to begin searching.
func New(cfg Config) *Client {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	return &Client{
		cfg:    cfg,
		engine: match.NewEngine(cfg.Store, cfg.RetryDelay),
		events: make(chan event, eventBuffer),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// Start acquires the capture device, subscribes to the bus, and launches
// the event loop in StateSearching. A device failure is fatal: the error
// is returned, nothing is leaked, and the client stays idle.
func (c *Client) Start(ctx context.Context) error {
	capture, err := c.cfg.Media.AcquireCapture(ctx)
	if err != nil {
		return err
	}

	unsubscribe, err := c.cfg.Bus.Subscribe(ctx, func(msg bus.Message) {
		c.post(event{kind: evBusMessage, msg: msg})
	})
	if err != nil {
		capture.Close()
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.capture = capture
	c.unsubscribe = unsubscribe
	go c.run(ctx)
	return nil
}

// Skip abandons the current pairing (any phase) and starts a new search.
// The capture device is kept; reacquiring it every cycle would churn
// permissions for nothing.
func (c *Client) Skip() { c.post(event{kind: evSkip}) }

// Quit tears everything down: session, queue entry, bus subscription, and
// the capture device. Terminal; safe to call repeatedly.
func (c *Client) Quit() { c.post(event{kind: evQuit}) }

// SendChat sends a chat line to the current partner. Dropped silently
// when no session is active.
func (c *Client) SendChat(text string) { c.post(event{kind: evChat, text: text}) }

// Done is closed once the client has fully stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// post delivers an event without ever blocking the caller. After shutdown
// the inbox fills and extra events (say, a second Quit) fall away, which
// is exactly the idempotence teardown needs.
func (c *Client) post(ev event) {
	select {
	case c.events <- ev:
	default:
	}
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (c *Client) run(ctx context.Context) {
	c.enterSearching(ctx)

	for {
		select {
		case ev := <-c.events:
			c.handle(ctx, ev)
			if c.state == StateStopped {
				return
			}
		case <-ctx.Done():
			c.shutdown()
			return
		}
	}
}

func (c *Client) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evBusMessage:
		c.handleBusMessage(ctx, ev.msg)

	case evMatched:
		if ev.gen != c.gen || c.state != StateSearching {
			// A skip or inbound offer superseded this search. If we
			// claimed a partner, their wait timeout re-queues them.
			util.LogDebug("discarding stale search result")
			return
		}
		c.handleMatched(ctx, ev.result)

	case evSearchFailed:
		if ev.gen != c.gen || c.state != StateSearching {
			return
		}
		util.LogWarning("matchmaking failed: %v, retrying", ev.err)
		c.enterSearching(ctx)

	case evWaitTimeout:
		if ev.gen != c.gen || c.state != StateWaiting {
			return
		}
		util.LogInfo("no partner arrived, searching again")
		c.withdraw()
		c.enterSearching(ctx)

	case evNegotiationTimeout:
		if c.state != StateNegotiating || c.neg == nil || c.neg.RoomID() != ev.roomID {
			return
		}
		util.LogInfo("negotiation timed out, searching again")
		c.teardownSession()
		c.enterSearching(ctx)

	case evRemoteTrack:
		if c.neg == nil || c.neg.RoomID() != ev.roomID {
			return
		}
		if c.cfg.OnRemoteTrack != nil {
			c.cfg.OnRemoteTrack(ev.track)
		}
		if c.state == StateNegotiating {
			c.stopNegTimer()
			c.setState(StateConnected)
		}

	case evMediaState:
		c.handleMediaState(ctx, ev)

	case evSkip:
		if c.state == StateStopped {
			return
		}
		c.teardownSession()
		c.stopWaitTimer()
		c.withdraw()
		c.enterSearching(ctx)

	case evQuit:
		c.shutdown()

	case evChat:
		if c.neg == nil {
			util.LogDebug("dropping chat line: no active session")
			return
		}
		if err := c.neg.SendChat(ctx, ev.text); err != nil {
			util.LogWarning("sending chat: %v", err)
		}
	}
}

// handleBusMessage routes inbound bus traffic. A targeted offer is the
// only message that may create state; everything else needs an active
// negotiator or is stale and dropped.
func (c *Client) handleBusMessage(ctx context.Context, msg bus.Message) {
	if msg.Kind == bus.KindOffer && msg.TargetID == c.cfg.UserID {
		c.handleOffer(ctx, msg)
		return
	}
	if c.neg != nil {
		c.neg.HandleMessage(msg)
	}
}

// handleOffer makes us the responder. Accepted while waiting, and while
// searching, which covers the race where we had also started a claim pass
// just as a partner claimed us.
func (c *Client) handleOffer(ctx context.Context, msg bus.Message) {
	if c.state != StateWaiting && c.state != StateSearching {
		return
	}

	// Invalidate whatever search or wait this offer interrupts and drop
	// our now-redundant queue entry.
	c.cancelSearch()
	c.gen++
	c.stopWaitTimer()
	c.withdraw()

	sess, err := c.cfg.Media.NewSession(c.capture)
	if err != nil {
		util.LogError("creating media session: %v", err)
		c.enterSearching(ctx)
		return
	}
	c.sess = sess
	c.neg = session.NewResponder(session.Config{
		SelfID: c.cfg.UserID,
		Media:  sess,
		Bus:    c.cfg.Bus,
		OnChat: c.cfg.OnChat,
	}, msg)
	c.watchMedia(sess, c.neg.RoomID())

	if err := c.neg.AcceptOffer(ctx, msg); err != nil {
		util.LogWarning("accepting offer from %s: %v", msg.SenderID, err)
		c.teardownSession()
		c.enterSearching(ctx)
		return
	}

	util.LogInfo("paired with %s (room %s)", msg.SenderID, c.neg.RoomID())
	c.armNegTimer(c.neg.RoomID())
	c.setState(StateNegotiating)
}

// handleMatched reacts to the search outcome: drive the offer as
// initiator, or sit in the queue as waiter.
func (c *Client) handleMatched(ctx context.Context, res match.Result) {
	if res.Role == match.Waiter {
		c.armWaitTimer()
		c.setState(StateWaiting)
		return
	}

	sess, err := c.cfg.Media.NewSession(c.capture)
	if err != nil {
		util.LogError("creating media session: %v", err)
		c.enterSearching(ctx)
		return
	}
	c.sess = sess
	c.neg = session.NewInitiator(session.Config{
		SelfID: c.cfg.UserID,
		Media:  sess,
		Bus:    c.cfg.Bus,
		OnChat: c.cfg.OnChat,
	}, res.PartnerID)
	c.watchMedia(sess, c.neg.RoomID())

	if err := c.neg.SendOffer(ctx); err != nil {
		util.LogWarning("sending offer to %s: %v", res.PartnerID, err)
		c.teardownSession()
		c.enterSearching(ctx)
		return
	}

	util.LogInfo("claimed %s (room %s)", res.PartnerID, c.neg.RoomID())
	c.armNegTimer(c.neg.RoomID())
	c.setState(StateNegotiating)
}

// handleMediaState reacts to transport-level state reports. Failure or
// disconnection of the live session is treated as a skip: silently
// re-queue rather than leave the user staring at a dead stream.
func (c *Client) handleMediaState(ctx context.Context, ev event) {
	if c.neg == nil || c.neg.RoomID() != ev.roomID {
		return
	}

	switch ev.mediaState {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		if c.state != StateNegotiating && c.state != StateConnected {
			return
		}
		util.LogWarning("transport %s in room %s, searching again", ev.mediaState, ev.roomID)
		c.teardownSession()
		c.enterSearching(ctx)
	}
}

// ---------------------------------------------------------------------------
// Transitions and teardown
// ---------------------------------------------------------------------------

// enterSearching bumps the generation, aborts the superseded search, and
// runs the claim-or-enqueue pass off-loop, so commands stay responsive
// while claim races retry. Store failures are retried after the engine's
// delay; context cancellation is handled by the loop itself.
func (c *Client) enterSearching(ctx context.Context) {
	c.cancelSearch()
	c.gen++
	gen := c.gen
	c.setState(StateSearching)

	sctx, cancel := context.WithCancel(ctx)
	c.searchCancel = cancel

	c.searching.Add(1)
	go func() {
		defer c.searching.Done()
		res, err := c.engine.FindPartner(sctx, c.cfg.UserID)
		if err != nil {
			if sctx.Err() != nil {
				return
			}
			select {
			case <-time.After(match.DefaultRetryDelay):
			case <-sctx.Done():
				return
			}
			c.post(event{kind: evSearchFailed, gen: gen, err: err})
			return
		}
		c.post(event{kind: evMatched, gen: gen, result: res})
	}()
}

// cancelSearch aborts the in-flight search goroutine, if any. Runs on
// every generation bump: a superseded search's queue pass must not mutate
// the store behind the generation that replaced it.
func (c *Client) cancelSearch() {
	if c.searchCancel != nil {
		c.searchCancel()
		c.searchCancel = nil
	}
}

// watchMedia forwards the session's callbacks into the loop, stamped with
// the room they belong to. A callback outliving its session carries a
// room id no longer current and lands as a no-op.
func (c *Client) watchMedia(sess media.Session, roomID string) {
	sess.OnRemoteTrack(func(track media.RemoteTrack) {
		c.post(event{kind: evRemoteTrack, roomID: roomID, track: track})
	})
	sess.OnStateChange(func(s webrtc.PeerConnectionState) {
		c.post(event{kind: evMediaState, roomID: roomID, mediaState: s})
	})
}

// teardownSession closes the negotiator and media session, leaving the
// capture device alone. Safe to call with nothing active.
func (c *Client) teardownSession() {
	c.stopNegTimer()
	if c.neg != nil {
		c.neg.Close()
		c.neg = nil
	}
	if c.sess != nil {
		if err := c.sess.Close(); err != nil {
			util.LogWarning("closing media session: %v", err)
		}
		c.sess = nil
	}
}

// shutdown is the quit path: session, queue entry, subscription, and
// capture device all go. Every step is idempotent, so racing exit paths
// (skip then quit, quit then context cancel) are harmless.
func (c *Client) shutdown() {
	if c.state == StateStopped {
		return
	}
	c.teardownSession()
	c.stopWaitTimer()

	// Stop any in-flight search and wait it out before the final withdraw,
	// so a late insert cannot resurrect our queue entry.
	if c.cancel != nil {
		c.cancel()
	}
	c.searching.Wait()
	c.withdraw()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.capture != nil {
		if err := c.capture.Close(); err != nil {
			util.LogWarning("closing capture: %v", err)
		}
	}
	c.setState(StateStopped)
	close(c.done)
}

// withdraw removes our queue entry on a fresh context; teardown must
// reach the store even when the parent context is already cancelled.
func (c *Client) withdraw() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.engine.Withdraw(ctx, c.cfg.UserID); err != nil {
		util.LogWarning("withdrawing queue entry: %v", err)
	}
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	util.LogDebug("state %s → %s", c.state, s)
	c.state = s
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Client) armWaitTimer() {
	c.stopWaitTimer()
	gen := c.gen
	c.waitTimer = time.AfterFunc(c.cfg.WaitTimeout, func() {
		c.post(event{kind: evWaitTimeout, gen: gen})
	})
}

func (c *Client) stopWaitTimer() {
	if c.waitTimer != nil {
		c.waitTimer.Stop()
		c.waitTimer = nil
	}
}

func (c *Client) armNegTimer(roomID string) {
	c.stopNegTimer()
	c.negTimer = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.post(event{kind: evNegotiationTimeout, roomID: roomID})
	})
}

func (c *Client) stopNegTimer() {
	if c.negTimer != nil {
		c.negTimer.Stop()
		c.negTimer = nil
	}
}
