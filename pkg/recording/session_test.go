package recording

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeEngine is a capture engine driven by the test instead of a microphone.
type fakeEngine struct {
	mu       sync.Mutex
	sink     FrameSink
	started  atomic.Bool
	stopped  atomic.Bool
	paused   atomic.Bool
	nextSeq  atomic.Uint32
	startErr *SessionError
}

func newFakeEngine() *fakeEngine {
	e := &fakeEngine{}
	e.nextSeq.Store(1)
	return e
}

func (e *fakeEngine) Start(sink FrameSink) *SessionError {
	if e.startErr != nil {
		return e.startErr
	}
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
	e.started.Store(true)
	return nil
}

func (e *fakeEngine) Pause()               { e.paused.Store(true) }
func (e *fakeEngine) Resume()              { e.paused.Store(false) }
func (e *fakeEngine) Paused() bool         { return e.paused.Load() }
func (e *fakeEngine) Stop()                { e.stopped.Store(true) }
func (e *fakeEngine) SetNextSeq(seq uint32) { e.nextSeq.Store(seq) }
func (e *fakeEngine) NextSeq() uint32      { return e.nextSeq.Load() }

// emit pushes n frames through the sink, honoring pause the way a real
// device callback does.
func (e *fakeEngine) emit(n int) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	for i := 0; i < n; i++ {
		if e.paused.Load() {
			continue
		}
		seq := e.nextSeq.Add(1) - 1
		sink(frameFixture(seq, []byte{0x7f, 0x00}))
	}
}

// fakeControl stands in for the service's REST surface.
type fakeControl struct {
	mu        sync.Mutex
	sessionID string
	startErr  *SessionError
	stopErr   *SessionError
	started   []StartOptions
	stopped   []string
}

func (c *fakeControl) StartSession(opts StartOptions) (string, *SessionError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return "", c.startErr
	}
	c.started = append(c.started, opts)
	return c.sessionID, nil
}

func (c *fakeControl) StopSession(sessionID string) *SessionError {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, sessionID)
	return c.stopErr
}

func (c *fakeControl) stopCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stopped...)
}

// fixture assembles a manager with every hardware and network dependency
// replaced by a controllable double, except the websocket, which talks to an
// in-process server.
type fixture struct {
	m       *Manager
	engine  *fakeEngine
	control *fakeControl
	store   Store
	bus     Bus
	srv     *wsServer

	mu     sync.Mutex
	states []State
}

func newFixture(t *testing.T, srv *wsServer, store Store, bus Bus, tabID string) *fixture {
	t.Helper()
	f := &fixture{
		engine:  newFakeEngine(),
		control: &fakeControl{sessionID: "sess-1"},
		store:   store,
		bus:     bus,
		srv:     srv,
	}

	cfg := connTestConfig(srv)
	m, err := NewManager(Deps{
		Config:  cfg,
		Store:   store,
		Bus:     bus,
		Probe:   &StaticProbe{Capability: PCMCapability()},
		Control: f.control,
		Tokens:  StaticToken("test-token"),
		Engine:  func(*Capability, *Logger) CaptureEngine { return f.engine },
		TabID:   tabID,
	})
	if err != nil {
		t.Fatalf("manager construction failed: %v", err)
	}
	f.m = m
	t.Cleanup(m.Close)

	m.Subscribe(func(s State) {
		f.mu.Lock()
		f.states = append(f.states, s)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) phase() Phase { return f.m.State().Phase }

func (f *fixture) sawPhase(p Phase) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.states {
		if s.Phase == p {
			return true
		}
	}
	return false
}

func TestStartLifecycle(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")

	opts := StartOptions{Type: SessionTypeChat, ChatID: "chat-9", AgentName: "scribe"}
	if serr := f.m.Start(opts); serr != nil {
		t.Fatalf("start failed: %v", serr)
	}

	if got := f.phase(); got != PhaseActive {
		t.Errorf("phase after start = %s, want active", got)
	}
	if !f.sawPhase(PhaseStarting) {
		t.Error("starting phase never observed")
	}
	if !f.engine.started.Load() {
		t.Error("capture engine never started")
	}

	waitFor(t, 2*time.Second, func() bool { return srv.initCount() == 1 }, "handshake")

	meta, _ := f.store.ReadActiveMeta()
	if meta == nil || meta.SessionID != "sess-1" || meta.OwnerTabID != "tab-a" {
		t.Errorf("stored meta = %+v, want sess-1 owned by tab-a", meta)
	}
	if chatID, _ := f.store.ReadLastChatID(); chatID != "chat-9" {
		t.Errorf("last chat id = %q, want chat-9", chatID)
	}
}

func TestStartWhileActiveRejected(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")

	if serr := f.m.Start(StartOptions{Type: SessionTypeNote}); serr != nil {
		t.Fatalf("start failed: %v", serr)
	}
	serr := f.m.Start(StartOptions{Type: SessionTypeNote})
	if serr == nil || serr.Code != ErrCodeStartFailed {
		t.Errorf("second start returned %v, want START_FAILED", serr)
	}
}

func TestEmittedFramesReachServer(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")

	if serr := f.m.Start(StartOptions{Type: SessionTypeNote}); serr != nil {
		t.Fatalf("start failed: %v", serr)
	}
	f.engine.emit(3)

	waitFor(t, 2*time.Second, func() bool { return len(srv.frameSeqs()) == 3 }, "frames")
	seqs := srv.frameSeqs()
	for i, seq := range seqs {
		if seq != uint32(i+1) {
			t.Fatalf("frames out of order: %v", seqs)
		}
	}
}

func TestPauseAndResume(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")

	if serr := f.m.Start(StartOptions{Type: SessionTypeNote}); serr != nil {
		t.Fatalf("start failed: %v", serr)
	}

	f.m.Pause()
	if !f.engine.Paused() {
		t.Error("engine not paused")
	}
	if st := f.m.State(); !st.Paused || st.Phase != PhaseActive {
		t.Errorf("state after pause = %+v", st)
	}

	before := len(srv.frameSeqs())
	f.engine.emit(2)
	if got := len(srv.frameSeqs()); got != before {
		t.Errorf("frames emitted while paused: %d", got-before)
	}

	f.m.Resume()
	if f.engine.Paused() {
		t.Error("engine still paused after resume")
	}
	if st := f.m.State(); st.Paused {
		t.Error("state still paused after resume")
	}
}

func TestStopClearsStateEvenWhenServiceFails(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")
	f.control.stopErr = NewSessionError(ErrCodeStopFailed, "service unavailable")

	if serr := f.m.Start(StartOptions{Type: SessionTypeChat, ChatID: "chat-1"}); serr != nil {
		t.Fatalf("start failed: %v", serr)
	}
	f.m.Stop()

	if got := f.phase(); got != PhaseIdle {
		t.Errorf("phase after stop = %s, want idle", got)
	}
	if !f.sawPhase(PhaseStopping) {
		t.Error("stopping phase never observed")
	}
	if !f.engine.stopped.Load() {
		t.Error("capture engine not stopped")
	}
	if meta, _ := f.store.ReadActiveMeta(); meta != nil {
		t.Errorf("meta survived stop: %+v", meta)
	}
	if calls := f.control.stopCalls(); len(calls) != 1 || calls[0] != "sess-1" {
		t.Errorf("stop calls = %v, want [sess-1]", calls)
	}
	if chatID, _ := f.store.ReadLastChatID(); chatID != "" {
		t.Errorf("last chat id survived stop: %q", chatID)
	}
}

func TestSocketDropSuspendsThenRecoversWithoutLoss(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")

	if serr := f.m.Start(StartOptions{Type: SessionTypeNote}); serr != nil {
		t.Fatalf("start failed: %v", serr)
	}
	f.engine.emit(2)
	waitFor(t, 2*time.Second, func() bool { return len(srv.frameSeqs()) == 2 }, "initial frames")

	srv.dropConnections()
	waitFor(t, 5*time.Second, func() bool { return f.phase() == PhaseSuspended }, "suspended phase")

	// Captured while disconnected; must be buffered, not lost.
	f.engine.emit(3)

	waitFor(t, 10*time.Second, func() bool { return f.phase() == PhaseActive }, "recovered phase")
	waitFor(t, 5*time.Second, func() bool { return len(srv.frameSeqs()) >= 5 }, "buffered frames flushed")

	seqs := srv.frameSeqs()
	for i, seq := range seqs {
		if seq != uint32(i+1) {
			t.Fatalf("frames out of order across reconnect: %v", seqs)
		}
	}
}

func TestResumeDeferredWhileDisconnected(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")

	if serr := f.m.Start(StartOptions{Type: SessionTypeNote}); serr != nil {
		t.Fatalf("start failed: %v", serr)
	}
	f.m.Pause()

	srv.dropConnections()
	waitFor(t, 5*time.Second, func() bool { return f.phase() == PhaseSuspended }, "suspended phase")

	f.m.Resume()
	if !f.engine.Paused() {
		t.Error("engine resumed into a dead socket")
	}
	if st := f.m.State(); !st.Paused {
		t.Error("state unpaused before the connection reopened")
	}

	waitFor(t, 10*time.Second, func() bool { return f.phase() == PhaseActive }, "recovered phase")
	waitFor(t, 2*time.Second, func() bool { return !f.engine.Paused() }, "deferred resume applied")
	if st := f.m.State(); st.Paused {
		t.Error("state still paused after deferred resume")
	}
}

func TestMicDeniedIsFatalAndCleansUp(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")
	f.engine.startErr = NewSessionError(ErrCodeMicDenied, "device busy")

	serr := f.m.Start(StartOptions{Type: SessionTypeNote})
	if serr == nil || serr.Code != ErrCodeMicDenied {
		t.Fatalf("start returned %v, want MIC_DENIED", serr)
	}
	if got := f.phase(); got != PhaseError {
		t.Errorf("phase = %s, want error", got)
	}
	if meta, _ := f.store.ReadActiveMeta(); meta != nil {
		t.Errorf("meta left behind after failed start: %+v", meta)
	}
}

func TestAttachToMissingSession(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")

	serr := f.m.AttachToExisting("sess-missing")
	if serr == nil || serr.Code != ErrCodeStartFailed {
		t.Errorf("attach returned %v, want START_FAILED", serr)
	}
}

func TestAttachTakesOverStaleOwner(t *testing.T) {
	srv := newWSServer(t)
	store := NewMemoryStore()
	store.WriteActiveMeta(&ActiveMeta{SessionID: "sess-1", OwnerTabID: "ghost", Type: SessionTypeNote})
	store.WriteHeartbeat(time.Now().Add(-time.Minute).UnixMilli())

	f := newFixture(t, srv, store, NewMemoryBus(), "tab-a")
	if serr := f.m.AttachToExisting("sess-1"); serr != nil {
		t.Fatalf("attach failed: %v", serr)
	}

	if got := f.phase(); got != PhaseActive {
		t.Errorf("phase after attach = %s, want active", got)
	}
	if !f.engine.started.Load() {
		t.Error("engine not started by owning attach")
	}
	meta, _ := store.ReadActiveMeta()
	if meta.OwnerTabID != "tab-a" {
		t.Errorf("owner after attach = %s, want tab-a", meta.OwnerTabID)
	}

	waitFor(t, 2*time.Second, func() bool { return srv.initCount() == 1 }, "handshake")
	if init := srv.lastInit(); !init.Resume {
		t.Error("owning attach handshake not flagged as resume")
	}
}

func TestAttachAsViewerReflectsOwner(t *testing.T) {
	srv := newWSServer(t)
	store := NewMemoryStore()
	bus := NewMemoryBus()

	owner := newFixture(t, srv, store, bus, "tab-a")
	if serr := owner.m.Start(StartOptions{Type: SessionTypeNote}); serr != nil {
		t.Fatalf("owner start failed: %v", serr)
	}

	viewer := newFixture(t, srv, store, bus, "tab-b")
	if serr := viewer.m.AttachToExisting("sess-1"); serr != nil {
		t.Fatalf("viewer attach failed: %v", serr)
	}

	waitFor(t, 2*time.Second, func() bool { return srv.initCount() >= 1 }, "owner handshake")

	if got := viewer.phase(); got != PhaseActive {
		t.Errorf("viewer phase = %s, want active", got)
	}
	if viewer.engine.started.Load() {
		t.Error("viewer opened the capture device")
	}
	if srv.initCount() != 1 {
		t.Errorf("viewer opened its own socket: %d handshakes", srv.initCount())
	}
}

func TestViewerStopStopsOwnerEverywhere(t *testing.T) {
	srv := newWSServer(t)
	store := NewMemoryStore()
	bus := NewMemoryBus()

	owner := newFixture(t, srv, store, bus, "tab-a")
	if serr := owner.m.Start(StartOptions{Type: SessionTypeNote}); serr != nil {
		t.Fatalf("owner start failed: %v", serr)
	}
	viewer := newFixture(t, srv, store, bus, "tab-b")
	if serr := viewer.m.AttachToExisting("sess-1"); serr != nil {
		t.Fatalf("viewer attach failed: %v", serr)
	}

	viewer.m.Stop()

	waitFor(t, 2*time.Second, func() bool { return owner.phase() == PhaseIdle }, "owner stopped")
	waitFor(t, 2*time.Second, func() bool { return viewer.phase() == PhaseIdle }, "viewer reset")
	if !owner.engine.stopped.Load() {
		t.Error("owner engine not stopped")
	}
	if meta, _ := store.ReadActiveMeta(); meta != nil {
		t.Errorf("meta survived remote stop: %+v", meta)
	}
	if calls := owner.control.stopCalls(); len(calls) != 1 {
		t.Errorf("owner made %d stop calls, want 1", len(calls))
	}
}

func TestTakeoverMovesSessionBetweenInstances(t *testing.T) {
	srv := newWSServer(t)
	store := NewMemoryStore()
	bus := NewMemoryBus()

	a := newFixture(t, srv, store, bus, "tab-a")
	if serr := a.m.Start(StartOptions{Type: SessionTypeNote}); serr != nil {
		t.Fatalf("start failed: %v", serr)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.initCount() == 1 }, "first handshake")

	b := newFixture(t, srv, store, bus, "tab-b")
	if !b.m.RequestTakeover() {
		t.Fatal("takeover not granted")
	}

	if !a.engine.stopped.Load() {
		t.Error("previous owner kept capturing after granting takeover")
	}
	waitFor(t, 2*time.Second, func() bool { return a.phase() == PhaseIdle }, "previous owner idle")

	meta, _ := store.ReadActiveMeta()
	if meta == nil || meta.OwnerTabID != "tab-b" {
		t.Fatalf("meta owner = %+v, want tab-b", meta)
	}

	if serr := b.m.AttachToExisting("sess-1"); serr != nil {
		t.Fatalf("attach after takeover failed: %v", serr)
	}
	if got := b.phase(); got != PhaseActive {
		t.Errorf("new owner phase = %s, want active", got)
	}
	if !b.engine.started.Load() {
		t.Error("new owner never started capturing")
	}
	waitFor(t, 2*time.Second, func() bool { return srv.initCount() == 2 }, "resumed handshake")
	if init := srv.lastInit(); !init.Resume {
		t.Error("post-takeover handshake not flagged as resume")
	}
}

func TestStartDeniedByUnresponsiveFreshOwner(t *testing.T) {
	srv := newWSServer(t)
	store := NewMemoryStore()
	// Fresh heartbeat from an owner that is not on this bus, so the takeover
	// request goes unanswered.
	store.WriteActiveMeta(&ActiveMeta{SessionID: "sess-9", OwnerTabID: "ghost", Type: SessionTypeNote})
	store.WriteHeartbeat(time.Now().UnixMilli())

	f := newFixture(t, srv, store, NewMemoryBus(), "tab-a")
	serr := f.m.Start(StartOptions{Type: SessionTypeNote})
	if serr == nil || serr.Code != ErrCodeTakeoverDenied {
		t.Fatalf("start returned %v, want TAKEOVER_DENIED", serr)
	}
	if got := f.phase(); got != PhaseIdle {
		t.Errorf("phase = %s, want idle", got)
	}
	if st := f.m.State(); st.Err == nil || st.Err.Code != ErrCodeTakeoverDenied {
		t.Errorf("state error = %v, want TAKEOVER_DENIED", st.Err)
	}
}

func TestSubscribeDeliversCurrentStateAndUnsubscribes(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv, NewMemoryStore(), NewMemoryBus(), "tab-a")

	var mu sync.Mutex
	var got []Phase
	unsub := f.m.Subscribe(func(s State) {
		mu.Lock()
		got = append(got, s.Phase)
		mu.Unlock()
	})

	mu.Lock()
	if len(got) != 1 || got[0] != PhaseIdle {
		t.Fatalf("initial delivery = %v, want [idle]", got)
	}
	mu.Unlock()

	unsub()
	if serr := f.m.Start(StartOptions{Type: SessionTypeNote}); serr != nil {
		t.Fatalf("start failed: %v", serr)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("unsubscribed handler still received %d transitions", len(got)-1)
	}
}
