package recording

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EngineFactory builds a capture engine for the probed capability. Tests
// inject fakes here; the default builds a PortAudio engine.
type EngineFactory func(*Capability, *Logger) CaptureEngine

// Deps are the injected collaborators of a Manager. Zero-valued fields are
// filled with working defaults: in-memory store and bus, system clock,
// PortAudio probe and engine, HTTP control client, config-derived tokens.
type Deps struct {
	Config    *Config
	Logger    *Logger
	Store     Store
	Bus       Bus
	Clock     Clock
	Probe     CapabilityProbe
	Control   ControlClient
	Tokens    TokenProvider
	WakeLock  WakeLockHook
	Reachable ReachabilityFn
	Engine    EngineFactory
	TabID     string
}

// Manager is the session state machine: it composes the probe, capture
// engine, connection, queue, coordinator and wake lock, exposes the public
// start/pause/resume/stop/attach/takeover/subscribe contract, and is the
// sole mutator of the session state.
type Manager struct {
	cfg     *Config
	log     *Logger
	metrics *Metrics
	clock   Clock
	store   Store
	probe   CapabilityProbe
	control ControlClient
	tokens  TokenProvider
	engineF EngineFactory

	tabID       string
	coordinator *Coordinator
	conn        *Connection
	queue       *BufferQueue
	wakeLock    *WakeLockGuard
	engine      CaptureEngine
	capab       *Capability

	state         State
	sessionID     string
	viewer        bool
	stopping      bool
	pendingResume bool

	subscribers []subscriber
	nextSubID   int

	mu sync.Mutex
}

type subscriber struct {
	id int
	fn StateHandler
}

// NewManager constructs a session manager with the given dependencies. One
// manager per process context; consumers hold it by reference.
func NewManager(deps Deps) (*Manager, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := deps.Logger
	if log == nil {
		log = NopLogger()
	}
	tabID := deps.TabID
	if tabID == "" {
		tabID = uuid.NewString()
	}

	store := deps.Store
	if store == nil {
		if cfg.StorePath != "" {
			fs, err := NewFileStore(cfg.StorePath)
			if err != nil {
				return nil, err
			}
			store = fs
		} else {
			store = NewMemoryStore()
		}
	}

	bus := deps.Bus
	if bus == nil {
		bus = NewMemoryBus()
	}
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}
	probe := deps.Probe
	if probe == nil {
		probe = NewPortAudioProbe(log)
	}
	tokens := deps.Tokens
	if tokens == nil {
		if cfg.TokenEndpoint != "" {
			tokens = NewEndpointTokens(cfg.TokenEndpoint)
		} else {
			tokens = NewAPIKeyTokens(cfg.APIKey, tabID)
		}
	}
	control := deps.Control
	if control == nil {
		control = NewHTTPControlClient(cfg.BaseURL, tokens, log)
	}
	engineF := deps.Engine
	if engineF == nil {
		engineF = func(c *Capability, l *Logger) CaptureEngine {
			return NewPortAudioEngine(c, l)
		}
	}

	m := &Manager{
		cfg:      cfg,
		log:      log.WithComponent("session"),
		metrics:  SharedMetrics(),
		clock:    clock,
		store:    store,
		probe:    probe,
		control:  control,
		tokens:   tokens,
		engineF:  engineF,
		tabID:    tabID,
		queue:    NewBufferQueue(cfg.QueueCapacity),
		wakeLock: NewWakeLockGuard(deps.WakeLock),
		state:    State{Phase: PhaseIdle},
	}

	m.coordinator = NewCoordinator(tabID, store, bus, clock, cfg, log, CoordinatorCallbacks{
		OnReleaseOwnership: m.onOwnershipReleased,
		OnRemoteStop:       m.Stop,
		OnStopped:          m.onRemoteStopped,
		OnRemoteStatus:     m.onRemoteStatus,
	})

	m.conn = NewConnection(cfg, tokens, m.queue, log, ConnectionEvents{
		OnOpen:                m.onSocketOpen,
		OnClose:               m.onSocketClosed,
		OnWarning:             m.onConnectionWarning,
		OnTranscriptionStatus: m.onTranscriptionStatus,
	}, deps.Reachable, m.reconnectCap)

	return m, nil
}

// TabID returns this instance's identity.
func (m *Manager) TabID() string { return m.tabID }

// State returns the current state value.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a state handler. The handler receives the current
// state immediately, then every transition, synchronously and in
// subscription order. It must not mutate the state it receives.
func (m *Manager) Subscribe(h StateHandler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers = append(m.subscribers, subscriber{id: id, fn: h})
	current := m.state
	m.mu.Unlock()

	h(current)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subscribers {
			if s.id == id {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				return
			}
		}
	}
}

// transition mutates the state under the lock and then notifies all
// subscribers with the new value.
func (m *Manager) transition(mutate func(*State)) {
	m.mu.Lock()
	from := m.state.Phase
	mutate(&m.state)
	next := m.state
	subs := make([]subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	if from != next.Phase {
		m.log.LogStateEvent(from, next.Phase, nil)
	}

	// Delivery is synchronous on the mutating goroutine, in subscription
	// order. Handlers must not block.
	for _, s := range subs {
		s.fn(next)
	}
}

// Start begins a new recording session. It is the only operation besides
// AttachToExisting and RequestTakeover that returns errors directly; all
// later failures surface through the state stream.
func (m *Manager) Start(opts StartOptions) *SessionError {
	m.mu.Lock()
	if m.state.Phase != PhaseIdle && m.state.Phase != PhaseError {
		m.mu.Unlock()
		return NewSessionError(ErrCodeStartFailed, "session already in progress")
	}
	m.stopping = false
	m.viewer = false
	m.mu.Unlock()

	// Credential check first: an auth failure is fatal and never retried.
	if _, serr := m.tokens.Token(); serr != nil {
		m.fail(serr)
		return serr
	}

	capab, serr := m.probe.Probe()
	if serr != nil {
		m.fail(serr)
		return serr
	}

	// A fresh session over someone else's fresh session needs a takeover.
	if meta, _ := m.store.ReadActiveMeta(); meta != nil && meta.OwnerTabID != m.tabID {
		if !m.coordinator.OwnerStale() {
			if !m.coordinator.RequestTakeover(meta.SessionID) {
				serr := NewSessionError(ErrCodeTakeoverDenied, "current owner refused to hand over")
				m.transition(func(s *State) { s.Phase = PhaseIdle; s.Err = serr })
				return serr
			}
		}
	}

	m.transition(func(s *State) {
		s.Phase = PhaseStarting
		s.Paused = false
		s.TranscriptionPaused = false
		s.Err = nil
	})

	sessionID, serr := m.control.StartSession(opts)
	if serr != nil {
		m.fail(serr)
		return serr
	}

	meta := &ActiveMeta{
		SessionID:  sessionID,
		OwnerTabID: m.tabID,
		StartedAt:  m.clock.Now().UnixMilli(),
		Type:       opts.Type,
		ChatID:     opts.ChatID,
		AgentName:  opts.AgentName,
		EventID:    opts.EventID,
	}
	if err := m.store.WriteActiveMeta(meta); err != nil {
		m.log.WithError(err).Warn("Active meta write failed")
	}
	if opts.ChatID != "" {
		if err := m.store.WriteLastChatID(opts.ChatID); err != nil {
			m.log.WithError(err).Warn("Last chat id write failed")
		}
	}

	return m.bringUp(sessionID, capab, false)
}

// bringUp acquires the device and the socket for a session this instance now
// owns. Shared by Start and the owning branch of AttachToExisting.
func (m *Manager) bringUp(sessionID string, capab *Capability, resume bool) *SessionError {
	m.mu.Lock()
	m.sessionID = sessionID
	m.capab = capab
	m.engine = m.engineF(capab, m.log)
	engine := m.engine
	m.mu.Unlock()

	m.coordinator.TakeOwnership(sessionID)
	m.wakeLock.Acquire()

	if serr := engine.Start(m.conn.SendFrame); serr != nil {
		m.teardownLocal()
		m.coordinator.ReleaseOwnership()
		m.clearMetaIfOwner()
		m.fail(serr)
		return serr
	}

	if serr := m.conn.Connect(sessionID, m.tabID, capab, resume, engine.NextSeq); serr != nil {
		if serr.Code == ErrCodeAuth {
			m.teardownLocal()
			m.coordinator.ReleaseOwnership()
			m.clearMetaIfOwner()
			m.fail(serr)
			return serr
		}
		// Transport failure on first dial is recoverable: frames buffer
		// while the reconnect cycle runs.
		m.transition(func(s *State) { s.Phase = PhaseSuspended })
		m.conn.BeginReconnect()
	}

	m.metrics.SessionsStarted.Inc()
	return nil
}

// AttachToExisting rebinds this instance to session metadata already in the
// durable store, e.g. after a reload. If the recorded owner is stale or is
// this instance, it takes ownership and reopens the connection; otherwise it
// becomes a passive viewer reflecting the owner's announced state.
func (m *Manager) AttachToExisting(sessionID string) *SessionError {
	meta, err := m.store.ReadActiveMeta()
	if err != nil || meta == nil || meta.SessionID != sessionID {
		return NewSessionError(ErrCodeStartFailed, "no stored session to attach to").
			AddDetail("session_id", sessionID)
	}

	if meta.OwnerTabID == m.tabID || m.coordinator.OwnerStale() {
		capab, serr := m.probe.Probe()
		if serr != nil {
			m.fail(serr)
			return serr
		}

		meta.OwnerTabID = m.tabID
		if err := m.store.WriteActiveMeta(meta); err != nil {
			m.log.WithError(err).Warn("Active meta write failed")
		}

		m.mu.Lock()
		m.stopping = false
		m.viewer = false
		m.mu.Unlock()
		m.transition(func(s *State) {
			s.Phase = PhaseStarting
			s.Paused = false
			s.Err = nil
		})
		return m.bringUp(sessionID, capab, true)
	}

	// Fresh foreign owner: reflect its state without touching the device.
	// The owner's heartbeat is current, so the session reads as live until
	// the owner announces a phase.
	m.mu.Lock()
	m.viewer = true
	m.sessionID = sessionID
	m.mu.Unlock()
	m.transition(func(s *State) {
		s.Phase = PhaseActive
		s.Err = nil
	})
	m.log.WithField("session_id", sessionID).Debug("Attached as viewer")
	return nil
}

// RequestTakeover asks the current owner to relinquish the stored session.
// It resolves false on deny and after the takeover timeout.
func (m *Manager) RequestTakeover() bool {
	meta, err := m.store.ReadActiveMeta()
	if err != nil || meta == nil {
		return false
	}
	if !m.coordinator.RequestTakeover(meta.SessionID) {
		return false
	}

	// Record the handover so a following AttachToExisting binds as owner.
	meta.OwnerTabID = m.tabID
	if err := m.store.WriteActiveMeta(meta); err != nil {
		m.log.WithError(err).Warn("Active meta write failed")
	}
	return true
}

// Pause suppresses frame emission without tearing down the capture device.
func (m *Manager) Pause() {
	m.mu.Lock()
	if m.state.Phase != PhaseActive || m.state.Paused || m.engine == nil {
		m.mu.Unlock()
		return
	}
	engine := m.engine
	m.mu.Unlock()

	engine.Pause()
	m.transition(func(s *State) { s.Paused = true })
	m.coordinator.AnnounceStatus(m.sessionID, PhaseActive)
}

// Resume un-pauses capture. If the connection is down the device stays
// paused until the reconnect completes, so no audio is captured into a dead
// socket.
func (m *Manager) Resume() {
	m.mu.Lock()
	if !m.state.Paused || m.engine == nil {
		m.mu.Unlock()
		return
	}
	engine := m.engine
	connected := m.conn.Connected()
	if !connected {
		m.pendingResume = true
	}
	m.mu.Unlock()

	if !connected {
		m.log.Debug("Resume deferred until the connection reopens")
		return
	}

	engine.Resume()
	m.transition(func(s *State) { s.Paused = false })
}

// Stop ends the session: device, socket, wake lock and durable metadata are
// all released. It always lands in idle, even when the in-flight stop call
// to the service fails.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state.Phase == PhaseIdle || m.stopping {
		m.mu.Unlock()
		return
	}
	viewer := m.viewer && !m.coordinator.Owning()
	sessionID := m.sessionID
	if !viewer {
		m.stopping = true
	}
	m.mu.Unlock()

	// A viewer never owns the device; it asks the recorded owner to stop
	// and resets when the owner announces stopped.
	if viewer {
		m.coordinator.RequestStop(sessionID)
		return
	}

	m.transition(func(s *State) { s.Phase = PhaseStopping })

	m.coordinator.Cancel()
	m.teardownLocal()

	if sessionID != "" {
		if serr := m.control.StopSession(sessionID); serr != nil {
			m.log.WithError(serr).Warn("Stop call failed; clearing local state anyway")
		}
	}

	if err := m.store.Clear(); err != nil {
		m.log.WithError(err).Warn("Store clear failed")
	}
	m.coordinator.ReleaseOwnership()
	m.coordinator.AnnounceStopped(sessionID)
	m.queue.Clear()
	m.metrics.SessionsStopped.Inc()

	m.mu.Lock()
	m.sessionID = ""
	m.pendingResume = false
	m.stopping = false
	m.mu.Unlock()

	m.transition(func(s *State) {
		s.Phase = PhaseIdle
		s.Paused = false
		s.TranscriptionPaused = false
		s.Err = nil
	})
}

// SetBackgrounded passes the foreground hint down to the heartbeat.
func (m *Manager) SetBackgrounded(b bool) { m.conn.SetBackgrounded(b) }

// Close releases everything without the stop protocol. For process
// shutdown; an owned session's metadata survives for reattachment.
func (m *Manager) Close() {
	m.teardownLocal()
	m.coordinator.Close()
}

// teardownLocal releases the capture device, socket and wake lock. Durable
// metadata is left alone.
func (m *Manager) teardownLocal() {
	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	m.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	m.conn.Close()
	m.wakeLock.Release()
}

func (m *Manager) clearMetaIfOwner() {
	meta, err := m.store.ReadActiveMeta()
	if err == nil && meta != nil && meta.OwnerTabID == m.tabID {
		if err := m.store.Clear(); err != nil {
			m.log.WithError(err).Warn("Store clear failed")
		}
	}
}

// fail enters the error phase with the given cause.
func (m *Manager) fail(serr *SessionError) {
	m.log.LogSessionError(serr)
	m.transition(func(s *State) {
		s.Phase = PhaseError
		s.Err = serr
	})
}

// reconnectCap is the delay cap handed to the backoff: tight while the
// device is capturing un-paused, gentle otherwise.
func (m *Manager) reconnectCap() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	capturing := m.engine != nil && !m.stopping &&
		(m.state.Phase == PhaseActive || m.state.Phase == PhaseSuspended)
	if capturing && !m.state.Paused {
		return BackoffCapRecording
	}
	return BackoffCapBackground
}

func (m *Manager) onSocketOpen(resumed bool) {
	m.mu.Lock()
	pendingResume := m.pendingResume
	m.pendingResume = false
	engine := m.engine
	stopping := m.stopping
	sessionID := m.sessionID
	m.mu.Unlock()

	if stopping {
		return
	}

	if pendingResume && engine != nil {
		engine.Resume()
	}

	m.transition(func(s *State) {
		s.Phase = PhaseActive
		if pendingResume {
			s.Paused = false
		}
		s.Err = nil
	})
	m.coordinator.AnnounceStatus(sessionID, PhaseActive)
}

func (m *Manager) onSocketClosed(serr *SessionError) {
	m.mu.Lock()
	stopping := m.stopping
	owner := m.coordinator.Owning()
	m.mu.Unlock()

	if stopping || !owner {
		return
	}
	m.transition(func(s *State) { s.Phase = PhaseSuspended })
}

func (m *Manager) onConnectionWarning(serr *SessionError) {
	m.log.LogSessionError(serr)
	m.transition(func(s *State) { s.Err = serr })
}

func (m *Manager) onTranscriptionStatus(ts TranscriptionStatus) {
	m.transition(func(s *State) { s.TranscriptionPaused = ts.Paused })
}

// onOwnershipReleased runs when this instance grants a takeover: local
// capture and socket go away, durable metadata stays for the new owner, and
// this instance falls back to viewing.
func (m *Manager) onOwnershipReleased() {
	m.teardownLocal()
	m.mu.Lock()
	m.viewer = true
	m.pendingResume = false
	m.mu.Unlock()
	m.transition(func(s *State) {
		s.Phase = PhaseIdle
		s.Paused = false
	})
}

func (m *Manager) onRemoteStopped(sessionID string) {
	m.mu.Lock()
	viewer := m.viewer
	m.mu.Unlock()
	if !viewer {
		return
	}
	m.transition(func(s *State) {
		s.Phase = PhaseIdle
		s.Paused = false
		s.Err = nil
	})
}

func (m *Manager) onRemoteStatus(msg Message) {
	m.mu.Lock()
	viewer := m.viewer
	m.mu.Unlock()
	if !viewer || msg.Kind != MsgStatus || msg.Phase == "" {
		return
	}
	m.transition(func(s *State) { s.Phase = msg.Phase })
}
