package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/strangerloop/strangerloop/internal/bus"
	"github.com/strangerloop/strangerloop/internal/client"
	"github.com/strangerloop/strangerloop/internal/media"
	"github.com/strangerloop/strangerloop/internal/queue"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeCapture struct {
	mu     sync.Mutex
	closes int
}

func (c *fakeCapture) Tracks() []webrtc.TrackLocal { return nil }

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeCapture) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeSession completes like a real transport: once both descriptions are
// set it reports an inbound track and a connected state on a background
// goroutine.
type fakeSession struct {
	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	connected bool
	closed    bool
	onTrack   func(media.RemoteTrack)
	onState   func(webrtc.PeerConnectionState)
}

func (f *fakeSession) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeSession) SetLocalDescription(webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localSet = true
	f.maybeConnectLocked()
	return nil
}

func (f *fakeSession) SetRemoteDescription(webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	f.maybeConnectLocked()
	return nil
}

func (f *fakeSession) maybeConnectLocked() {
	if !f.localSet || !f.remoteSet || f.connected {
		return
	}
	f.connected = true
	track, state := f.onTrack, f.onState
	go func() {
		if track != nil {
			track(media.RemoteTrack{Kind: "audio", Codec: "audio/opus"})
		}
		if state != nil {
			state(webrtc.PeerConnectionStateConnected)
		}
	}()
}

func (f *fakeSession) AddICECandidate(webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remoteSet {
		return errors.New("remote description is not set")
	}
	return nil
}

func (f *fakeSession) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (f *fakeSession) OnRemoteTrack(fn func(media.RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeSession) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fail simulates a transport-level failure report.
func (f *fakeSession) fail() {
	f.mu.Lock()
	state := f.onState
	f.mu.Unlock()
	if state != nil {
		state(webrtc.PeerConnectionStateFailed)
	}
}

type fakeFactory struct {
	mu         sync.Mutex
	captureErr error
	capture    *fakeCapture
	sessions   []*fakeSession
}

func (f *fakeFactory) AcquireCapture(context.Context) (media.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	f.capture = &fakeCapture{}
	return f.capture, nil
}

func (f *fakeFactory) NewSession(media.Capture) (media.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 {
		i += len(f.sessions)
	}
	return f.sessions[i]
}

// slowStore appends on Insert without displacing a user's previous entry
// and parks its first Insert mid-call until released, mimicking a remote
// store's round-trip window. An insert whose context is cancelled while
// parked aborts, like a remote client would.
type slowStore struct {
	mu      sync.Mutex
	entries map[string]queue.Entry
	parked  chan struct{}
	release chan struct{}
	first   sync.Once
}

func newSlowStore() *slowStore {
	return &slowStore{
		entries: make(map[string]queue.Entry),
		parked:  make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *slowStore) Insert(ctx context.Context, userID string) (string, error) {
	var park bool
	s.first.Do(func() { park = true })
	if park {
		close(s.parked)
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.entries[id] = queue.Entry{ID: id, UserID: userID, EnqueuedAt: time.Now()}
	return id, nil
}

func (s *slowStore) DeleteByID(_ context.Context, entryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entryID]; !ok {
		return false, nil
	}
	delete(s.entries, entryID)
	return true, nil
}

func (s *slowStore) DeleteByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.UserID == userID {
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *slowStore) SelectOldestExcluding(_ context.Context, userID string, limit int) ([]queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.Entry, 0, limit)
	for _, e := range s.entries {
		if e.UserID != userID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *slowStore) userCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.UserID == userID {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type harness struct {
	cl      *client.Client
	factory *fakeFactory
	states  chan client.State
}

func newHarness(userID string, store queue.Store, b bus.Bus) *harness {
	h := &harness{
		factory: &fakeFactory{},
		states:  make(chan client.State, 64),
	}
	h.cl = client.New(client.Config{
		UserID:             userID,
		Store:              store,
		Bus:                b,
		Media:              h.factory,
		RetryDelay:         10 * time.Millisecond,
		WaitTimeout:        5 * time.Second,
		NegotiationTimeout: 5 * time.Second,
		OnStateChange:      func(s client.State) { h.states <- s },
	})
	return h
}

// waitState consumes state transitions until want appears.
func (h *harness) waitState(t *testing.T, want client.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func (h *harness) quit(t *testing.T) {
	t.Helper()
	h.cl.Quit()
	select {
	case <-h.cl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client to stop")
	}
}

func waitEmptyStore(t *testing.T, store *queue.MemoryStore) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("queue store not empty: %d entries", store.Len())
}

// pairUp starts two clients and drives them to connected.
func pairUp(t *testing.T, ctx context.Context, store *queue.MemoryStore, b bus.Bus) (*harness, *harness) {
	t.Helper()
	alice := newHarness("alice", store, b)
	bob := newHarness("bob", store, b)

	if err := alice.cl.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	alice.waitState(t, client.StateWaiting)

	if err := bob.cl.Start(ctx); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	bob.waitState(t, client.StateConnected)
	alice.waitState(t, client.StateConnected)
	return alice, bob
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestEndToEndPairing is the full scenario: alice enqueues, bob claims
// her, the handshake runs over the shared bus, and both reach connected
// with the queue drained.
func TestEndToEndPairing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := queue.NewMemoryStore()
	b := bus.NewMemoryBus()
	alice, bob := pairUp(t, ctx, store, b)

	waitEmptyStore(t, store)

	alice.quit(t)
	bob.quit(t)
}

// TestSkipReentersSearch verifies skip tears the session down (capture
// kept) and re-enters matchmaking; the abandoned partner recovers through
// its transport-failure auto-skip and the two re-pair.
func TestSkipReentersSearch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := queue.NewMemoryStore()
	b := bus.NewMemoryBus()
	alice, bob := pairUp(t, ctx, store, b)

	alice.cl.Skip()
	alice.waitState(t, client.StateWaiting)

	if !alice.factory.session(0).isClosed() {
		t.Error("skip left the first media session open")
	}
	if alice.factory.capture.closeCount() != 0 {
		t.Error("skip must not release the capture device")
	}

	// Bob's transport eventually notices the dead peer; the failure is
	// treated as a skip and the two find each other again.
	bob.factory.session(-1).fail()
	bob.waitState(t, client.StateConnected)
	alice.waitState(t, client.StateConnected)

	waitEmptyStore(t, store)

	alice.quit(t)
	bob.quit(t)
}

// TestQuitReleasesEverything verifies quit closes session, capture, and
// queue entry, and that repeated teardown (skip then quit, double quit)
// stays safe.
func TestQuitReleasesEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := queue.NewMemoryStore()
	b := bus.NewMemoryBus()
	alice, bob := pairUp(t, ctx, store, b)

	// Skip immediately followed by quit: two exit paths racing over the
	// same resources.
	alice.cl.Skip()
	alice.quit(t)
	alice.cl.Quit() // second quit is a no-op

	if got := alice.factory.capture.closeCount(); got != 1 {
		t.Errorf("capture closed %d times, want exactly 1", got)
	}
	for i, s := range alice.factory.sessions {
		if !s.isClosed() {
			t.Errorf("session %d left open after quit", i)
		}
	}

	bob.quit(t)
	waitEmptyStore(t, store)
}

// TestWaitTimeoutRequeues verifies a lone waiter re-enters search instead
// of stalling forever.
func TestWaitTimeoutRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := queue.NewMemoryStore()
	b := bus.NewMemoryBus()

	h := &harness{factory: &fakeFactory{}, states: make(chan client.State, 64)}
	h.cl = client.New(client.Config{
		UserID:        "alice",
		Store:         store,
		Bus:           b,
		Media:         h.factory,
		RetryDelay:    10 * time.Millisecond,
		WaitTimeout:   60 * time.Millisecond,
		OnStateChange: func(s client.State) { h.states <- s },
	})
	if err := h.cl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// waiting → (timeout) → searching → waiting again.
	h.waitState(t, client.StateWaiting)
	h.waitState(t, client.StateSearching)
	h.waitState(t, client.StateWaiting)

	if store.Len() != 1 {
		t.Errorf("expected exactly 1 live entry across re-queues, got %d", store.Len())
	}
	h.quit(t)
}

// TestNegotiationTimeoutRecovers pairs against a ghost entry whose owner
// is gone: no answer ever comes, the handshake times out, and the client
// re-enters search.
func TestNegotiationTimeoutRecovers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := queue.NewMemoryStore()
	if _, err := store.Insert(ctx, "ghost"); err != nil {
		t.Fatalf("insert ghost entry: %v", err)
	}
	b := bus.NewMemoryBus()

	h := &harness{factory: &fakeFactory{}, states: make(chan client.State, 64)}
	h.cl = client.New(client.Config{
		UserID:             "alice",
		Store:              store,
		Bus:                b,
		Media:              h.factory,
		RetryDelay:         10 * time.Millisecond,
		WaitTimeout:        5 * time.Second,
		NegotiationTimeout: 80 * time.Millisecond,
		OnStateChange:      func(s client.State) { h.states <- s },
	})
	if err := h.cl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.waitState(t, client.StateNegotiating)
	h.waitState(t, client.StateWaiting)

	if !h.factory.session(0).isClosed() {
		t.Error("timed-out session left open")
	}
	h.quit(t)
}

// TestDeviceUnavailable verifies a capture failure aborts Start cleanly.
func TestDeviceUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &harness{
		factory: &fakeFactory{captureErr: media.ErrDeviceUnavailable},
		states:  make(chan client.State, 64),
	}
	h.cl = client.New(client.Config{
		UserID: "alice",
		Store:  queue.NewMemoryStore(),
		Bus:    bus.NewMemoryBus(),
		Media:  h.factory,
	})

	err := h.cl.Start(ctx)
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	select {
	case s := <-h.states:
		t.Fatalf("unexpected state transition %s after failed start", s)
	default:
	}
}

// TestSkipDuringEnqueueKeepsSingleEntry races a skip against a search
// whose enqueue round trip is still in flight. The superseded search must
// be aborted, not allowed to land a second entry behind the new one.
func TestSkipDuringEnqueueKeepsSingleEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newSlowStore()
	b := bus.NewMemoryBus()

	h := &harness{factory: &fakeFactory{}, states: make(chan client.State, 64)}
	h.cl = client.New(client.Config{
		UserID:        "alice",
		Store:         store,
		Bus:           b,
		Media:         h.factory,
		RetryDelay:    10 * time.Millisecond,
		WaitTimeout:   5 * time.Second,
		OnStateChange: func(s client.State) { h.states <- s },
	})
	if err := h.cl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// First search is parked inside its Insert round trip.
	select {
	case <-store.parked:
	case <-time.After(5 * time.Second):
		t.Fatal("first search never reached Insert")
	}

	// Skip supersedes it; the second search runs to completion.
	h.cl.Skip()
	h.waitState(t, client.StateWaiting)

	// Unpark the stale insert. Its context was cancelled by the skip, so
	// it must abort instead of adding a second entry.
	close(store.release)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n := store.userCount("alice"); n > 1 {
			t.Fatalf("alice owns %d live queue entries, want at most 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := store.userCount("alice"); n != 1 {
		t.Fatalf("expected exactly 1 live entry while waiting, got %d", n)
	}

	h.quit(t)
	if n := store.userCount("alice"); n != 0 {
		t.Fatalf("expected no entries after quit, got %d", n)
	}
}
