package recording

import (
	"sync"
	"time"
)

// CoordinatorCallbacks are the hooks the session manager wires into the
// coordinator. All run on the goroutine that delivered the bus message.
type CoordinatorCallbacks struct {
	// OnReleaseOwnership fires when another instance's takeover request is
	// granted: release the capture device and connection locally, but leave
	// the durable metadata for the new owner to overwrite.
	OnReleaseOwnership func()
	// OnRemoteStop fires on a stop:request while this instance is the
	// recorded owner; it must perform the full stop sequence.
	OnRemoteStop func()
	// OnStopped fires on a stopped announcement while this instance is a
	// passive viewer; it resets the local reflection to idle.
	OnStopped func(sessionID string)
	// OnRemoteStatus reflects another owner's announced phase to viewers.
	OnRemoteStatus func(msg Message)
}

// Coordinator implements the advisory leader-election protocol: the owner
// periodically writes a heartbeat timestamp and announces itself on the bus;
// challengers check staleness and negotiate takeover. Ownership is
// cooperative, not a lock, so a brief dual-ownership window between a
// stale-check and a grant is possible and accepted; the protocol minimizes
// it rather than eliminating it.
type Coordinator struct {
	tabID     string
	store     Store
	bus       Bus
	clock     Clock
	cfg       *Config
	log       *Logger
	metrics   *Metrics
	callbacks CoordinatorCallbacks

	owning    bool
	sessionID string
	pending   chan bool
	hbStop    chan struct{}
	unsub     func()
	mu        sync.Mutex
}

// NewCoordinator creates a coordinator and subscribes it to the bus.
func NewCoordinator(tabID string, store Store, bus Bus, clock Clock, cfg *Config, log *Logger, callbacks CoordinatorCallbacks) *Coordinator {
	if log == nil {
		log = NopLogger()
	}
	c := &Coordinator{
		tabID:     tabID,
		store:     store,
		bus:       bus,
		clock:     clock,
		cfg:       cfg,
		log:       log.WithComponent("coordinator"),
		metrics:   SharedMetrics(),
		callbacks: callbacks,
	}
	c.unsub = bus.Subscribe(c.handleMessage)
	return c
}

// TabID returns this instance's identity on the bus.
func (c *Coordinator) TabID() string { return c.tabID }

// Owning reports whether this instance currently holds ownership.
func (c *Coordinator) Owning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owning
}

// TakeOwnership records this instance as owner of the session and starts the
// heartbeat loop. The caller has already written (or overwritten) the durable
// metadata.
func (c *Coordinator) TakeOwnership(sessionID string) {
	c.mu.Lock()
	if c.owning && c.sessionID == sessionID {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.owning = true
	c.sessionID = sessionID
	stop := make(chan struct{})
	c.hbStop = stop
	c.mu.Unlock()

	c.writeHeartbeat()
	go c.heartbeatLoop(sessionID, stop)
	c.log.WithField("session_id", sessionID).Debug("Ownership taken")
}

// ReleaseOwnership stops heartbeating and forgets ownership. Durable
// metadata is untouched; clearing it is the stop path's job.
func (c *Coordinator) ReleaseOwnership() {
	c.mu.Lock()
	c.stopHeartbeatLocked()
	c.owning = false
	c.mu.Unlock()
}

func (c *Coordinator) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *Coordinator) heartbeatLoop(sessionID string, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.OwnerHeartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeHeartbeat()
			c.bus.Publish(Message{Kind: MsgHeartbeat, SessionID: sessionID, TabID: c.tabID})
		}
	}
}

func (c *Coordinator) writeHeartbeat() {
	if err := c.store.WriteHeartbeat(c.clock.Now().UnixMilli()); err != nil {
		c.log.WithError(err).Warn("Heartbeat write failed")
	}
}

// OwnerStale reports whether the recorded owner's heartbeat is older than
// the staleness threshold. An absent heartbeat counts as stale.
func (c *Coordinator) OwnerStale() bool {
	hb, err := c.store.ReadHeartbeat()
	if err != nil || hb == 0 {
		return true
	}
	age := c.clock.Now().UnixMilli() - hb
	return age > c.cfg.StaleAfter().Milliseconds()
}

// RequestTakeover asks the current owner to relinquish the session and waits
// for the reply. It resolves false on deny, on timeout, and when cancelled
// by Cancel.
func (c *Coordinator) RequestTakeover(sessionID string) bool {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return false
	}
	pending := make(chan bool, 1)
	c.pending = pending
	c.mu.Unlock()

	c.metrics.Takeovers.Inc()
	c.bus.Publish(Message{Kind: MsgTakeoverRequest, SessionID: sessionID, TabID: c.tabID})

	var granted bool
	select {
	case granted = <-pending:
	case <-time.After(c.cfg.TakeoverTimeout()):
		granted = false
	}

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	if granted {
		c.metrics.TakeoversGranted.Inc()
	} else {
		c.metrics.TakeoversDenied.Inc()
	}
	return granted
}

// Cancel resolves any outstanding takeover request to false. Invoked by
// Stop so no caller stays blocked across a teardown.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending != nil {
		select {
		case pending <- false:
		default:
		}
	}
}

// AnnounceStatus broadcasts the owner's current phase for viewer instances.
func (c *Coordinator) AnnounceStatus(sessionID string, phase Phase) {
	c.bus.Publish(Message{Kind: MsgStatus, SessionID: sessionID, TabID: c.tabID, Phase: phase})
}

// AnnounceStopped broadcasts that the session has fully stopped.
func (c *Coordinator) AnnounceStopped(sessionID string) {
	c.bus.Publish(Message{Kind: MsgStopped, SessionID: sessionID, TabID: c.tabID})
}

// RequestStop asks the recorded owner, wherever it is, to stop the session.
func (c *Coordinator) RequestStop(sessionID string) {
	c.bus.Publish(Message{Kind: MsgStopRequest, SessionID: sessionID, TabID: c.tabID})
}

// Close unsubscribes from the bus and stops heartbeating.
func (c *Coordinator) Close() {
	c.ReleaseOwnership()
	c.Cancel()
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Coordinator) handleMessage(msg Message) {
	if msg.TabID == c.tabID {
		return
	}

	switch msg.Kind {
	case MsgTakeoverRequest:
		c.handleTakeoverRequest(msg)

	case MsgTakeoverGrant:
		if msg.Target != c.tabID {
			return
		}
		c.resolvePending(true)

	case MsgTakeoverDeny:
		if msg.Target != c.tabID {
			return
		}
		c.resolvePending(false)

	case MsgStopRequest:
		c.mu.Lock()
		owner := c.owning && c.sessionID == msg.SessionID
		c.mu.Unlock()
		if owner && c.callbacks.OnRemoteStop != nil {
			c.callbacks.OnRemoteStop()
		}

	case MsgStopped:
		c.mu.Lock()
		viewer := !c.owning
		c.mu.Unlock()
		if viewer && c.callbacks.OnStopped != nil {
			c.callbacks.OnStopped(msg.SessionID)
		}

	case MsgHeartbeat, MsgStatus:
		c.mu.Lock()
		viewer := !c.owning
		c.mu.Unlock()
		if viewer && c.callbacks.OnRemoteStatus != nil {
			c.callbacks.OnRemoteStatus(msg)
		}
	}
}

func (c *Coordinator) handleTakeoverRequest(msg Message) {
	c.mu.Lock()
	owner := c.owning && c.sessionID == msg.SessionID
	if owner {
		c.stopHeartbeatLocked()
		c.owning = false
	}
	c.mu.Unlock()

	if !owner {
		return
	}

	if c.callbacks.OnReleaseOwnership != nil {
		c.callbacks.OnReleaseOwnership()
	}
	c.log.WithField("to", msg.TabID).Info("Ownership granted to challenger")
	c.bus.Publish(Message{Kind: MsgTakeoverGrant, SessionID: msg.SessionID, TabID: c.tabID, Target: msg.TabID})
}

func (c *Coordinator) resolvePending(granted bool) {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending != nil {
		select {
		case pending <- granted:
		default:
		}
	}
}
