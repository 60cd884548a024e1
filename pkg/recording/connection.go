package recording

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionEvents are the hooks the session manager wires into the
// connection controller.
type ConnectionEvents struct {
	// OnOpen fires after the handshake is sent and any buffered frames have
	// begun flushing. resumed is true for reattachment connects.
	OnOpen func(resumed bool)
	// OnClose fires when the socket drops and a reconnect cycle begins. The
	// manager maps it to the suspended phase while it still owns the session.
	OnClose func(err *SessionError)
	// OnWarning surfaces non-fatal conditions, e.g. reconnection paused
	// because the network is unreachable.
	OnWarning func(err *SessionError)
	// OnTranscriptionStatus surfaces out-of-band transcription pause/resume
	// notices. They do not affect connection health.
	OnTranscriptionStatus func(TranscriptionStatus)
}

// initMessage is the single handshake sent immediately after connect.
type initMessage struct {
	Type            string `json:"type"`
	SupportsPCM     bool   `json:"supports_pcm"`
	NextSeq         uint32 `json:"next_seq"`
	ClientTimestamp int64  `json:"client_timestamp"`
	Format          string `json:"format"`
	SampleRate      uint32 `json:"sample_rate"`
	FrameDurationMs uint16 `json:"frame_duration_ms,omitempty"`
	FrameSamples    uint16 `json:"frame_samples,omitempty"`
	Channels        uint16 `json:"channels"`
	Resume          bool   `json:"resume,omitempty"`
}

type pingMessage struct {
	Action string `json:"action"`
}

type serverMessage struct {
	Type   string `json:"type"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ReachabilityFn reports whether the platform believes the network is
// reachable. While it returns false, reconnection attempts are suspended;
// once it flips back, the next attempt runs immediately with the backoff
// reset.
type ReachabilityFn func() bool

// CapFn returns the current reconnect-delay cap. It tightens while audio is
// actively being captured so recovery during recording is fast.
type CapFn func() time.Duration

// Connection owns one duplex socket per session: connect, handshake,
// heartbeat health checking, and reconnect with decorrelated jitter.
type Connection struct {
	cfg     *Config
	tokens  TokenProvider
	log     *Logger
	metrics *Metrics
	events  ConnectionEvents

	reachable ReachabilityFn
	capFn     CapFn
	dialer    *websocket.Dialer

	queue   *BufferQueue
	backoff *Backoff

	conn         *websocket.Conn
	open         atomic.Bool
	backgrounded atomic.Bool

	sessionID string
	tabID     string
	capab     *Capability
	resume    bool
	nextSeq   func() uint32

	lastPong atomic.Int64 // unix millis
	misses   int

	stop    chan struct{}
	writeMu sync.Mutex
	mu      sync.Mutex
}

// NewConnection creates a controller. reachable and capFn may be nil, which
// means always-reachable and the background cap respectively.
func NewConnection(cfg *Config, tokens TokenProvider, queue *BufferQueue, log *Logger, events ConnectionEvents, reachable ReachabilityFn, capFn CapFn) *Connection {
	if log == nil {
		log = NopLogger()
	}
	if reachable == nil {
		reachable = func() bool { return true }
	}
	if capFn == nil {
		capFn = func() time.Duration { return BackoffCapBackground }
	}
	return &Connection{
		cfg:       cfg,
		tokens:    tokens,
		log:       log.WithComponent("connection"),
		metrics:   SharedMetrics(),
		events:    events,
		reachable: reachable,
		capFn:     capFn,
		dialer:    websocket.DefaultDialer,
		queue:     queue,
		backoff:   NewBackoff(),
	}
}

// Connect dials the ingest endpoint for the session and performs the init
// handshake. nextSeq is consulted on every (re)connect so the handshake
// always declares the true next sequence number.
func (c *Connection) Connect(sessionID, tabID string, capab *Capability, resume bool, nextSeq func() uint32) *SessionError {
	c.mu.Lock()
	c.sessionID = sessionID
	c.tabID = tabID
	c.capab = capab
	c.resume = resume
	c.nextSeq = nextSeq
	c.stop = make(chan struct{})
	c.mu.Unlock()

	return c.dial(resume)
}

func (c *Connection) dial(resume bool) *SessionError {
	token, serr := c.tokens.Token()
	if serr != nil {
		return serr
	}

	resumeBit := 0
	if resume {
		resumeBit = 1
	}
	target := fmt.Sprintf("%s/ws/audio_stream/%s?token=%s&client_id=%s&resume=%d",
		c.cfg.WSURL(), c.sessionID, url.QueryEscape(token), c.tabID, resumeBit)

	started := time.Now()
	conn, _, err := c.dialer.Dial(target, nil)
	if err != nil {
		return WrapError(err, ErrCodeWebSocket)
	}

	init := initMessage{
		Type:            "init",
		SupportsPCM:     c.capab.Strategy == StrategyPCM,
		NextSeq:         c.nextSeq(),
		ClientTimestamp: time.Now().UnixMilli(),
		Format:          c.capab.Format,
		SampleRate:      c.capab.SampleRate,
		Channels:        c.capab.Channels,
		Resume:          resume,
	}
	if c.capab.Strategy == StrategyPCM {
		init.FrameDurationMs = c.capab.FrameDurationMs
		init.FrameSamples = c.capab.FrameSamples
	}
	if err := conn.WriteJSON(init); err != nil {
		conn.Close()
		return WrapError(err, ErrCodeWebSocket)
	}
	c.metrics.ConnectLatency.Observe(time.Since(started).Seconds())

	c.mu.Lock()
	c.conn = conn
	c.misses = 0
	c.mu.Unlock()
	c.lastPong.Store(time.Now().UnixMilli())
	c.backoff.Reset()

	// Take the write lock before marking the connection open: any send that
	// observes open blocks behind the buffered-frame flush, so buffered
	// frames always go out first, in order. The flush goroutine releases it.
	c.writeMu.Lock()
	c.open.Store(true)

	go c.readLoop(conn)
	go c.pingLoop(conn)
	go c.flushQueue(conn)

	c.log.LogConnectionEvent("open", map[string]interface{}{
		"session_id": c.sessionID,
		"resume":     resume,
	})
	if c.events.OnOpen != nil {
		c.events.OnOpen(resume)
	}
	return nil
}

// flushQueue is entered holding writeMu, taken by dial before the connection
// was marked open.
func (c *Connection) flushQueue(conn *websocket.Conn) {
	defer c.writeMu.Unlock()

	frames := c.queue.Drain()
	c.metrics.QueueDepth.Set(0)
	for i, f := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(f)); err != nil {
			// Requeue the whole remainder so nothing is lost across the next
			// reconnect.
			for _, rest := range frames[i:] {
				c.queue.Push(rest)
			}
			c.metrics.QueueDepth.Set(float64(c.queue.Len()))
			return
		}
		c.metrics.FramesSent.Inc()
	}
	if len(frames) > 0 {
		c.log.Debugf("Flushed %d buffered frames", len(frames))
	}
}

// SendFrame transmits an envelope, or buffers it while the connection is not
// open. Ordering is strictly non-decreasing sequence order either way.
func (c *Connection) SendFrame(f *FrameEnvelope) {
	if !c.open.Load() {
		c.buffer(f)
		return
	}

	c.writeMu.Lock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.open.Load() {
		c.writeMu.Unlock()
		c.buffer(f)
		return
	}
	err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(f))
	c.writeMu.Unlock()

	if err != nil {
		c.buffer(f)
		c.fail(WrapError(err, ErrCodeWebSocket))
		return
	}
	c.metrics.FramesSent.Inc()
}

// SendChunk transmits an opaque container chunk. Used by the container
// strategy, which has no envelope framing.
func (c *Connection) SendChunk(data []byte) {
	if !c.open.Load() {
		return
	}
	c.writeMu.Lock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.WriteMessage(websocket.BinaryMessage, data)
	}
	c.writeMu.Unlock()
	if err != nil {
		c.fail(WrapError(err, ErrCodeWebSocket))
	}
}

func (c *Connection) buffer(f *FrameEnvelope) {
	if evicted := c.queue.Push(f); evicted > 0 {
		c.metrics.FramesDropped.Add(float64(evicted))
	}
	c.metrics.FramesBuffered.Inc()
	c.metrics.QueueDepth.Set(float64(c.queue.Len()))
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(WrapError(err, ErrCodeWebSocket))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("Ignoring non-JSON server message")
			continue
		}

		switch msg.Type {
		case "pong":
			c.lastPong.Store(time.Now().UnixMilli())
		case "transcription_status":
			if c.events.OnTranscriptionStatus != nil {
				c.events.OnTranscriptionStatus(TranscriptionStatus{
					Paused: msg.State == "PAUSED",
					Reason: msg.Reason,
				})
			}
		}
	}
}

// pingLoop sends the application-level ping and counts missed pongs. After
// MaxPingMisses consecutive misses the socket is force-closed, converting a
// silently dead connection into an observable failure.
func (c *Connection) pingLoop(conn *websocket.Conn) {
	interval := c.pingInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}

		sinceLast := time.Now().UnixMilli() - c.lastPong.Load()
		if sinceLast > (c.pingInterval() + c.cfg.PongTimeout()).Milliseconds() {
			c.misses++
			c.metrics.HeartbeatMiss.Inc()
			c.log.Warnf("Heartbeat miss %d/%d", c.misses, c.cfg.MaxPingMisses)
			if c.misses >= c.cfg.MaxPingMisses {
				conn.Close()
				c.fail(NewSessionError(ErrCodeHeartbeatTimeout, "no pong after repeated pings"))
				return
			}
		} else {
			c.misses = 0
		}

		c.writeMu.Lock()
		err := conn.WriteJSON(pingMessage{Action: "ping"})
		c.writeMu.Unlock()
		if err != nil {
			c.fail(WrapError(err, ErrCodeWebSocket))
			return
		}

		timer.Reset(c.pingInterval())
	}
}

// pingInterval triples when the client is backgrounded or in a reduced-data
// mode, trading detection latency for battery and bandwidth.
func (c *Connection) pingInterval() time.Duration {
	base := c.cfg.PingInterval()
	if c.backgrounded.Load() {
		return base * time.Duration(c.cfg.BackgroundPingMult)
	}
	return base
}

// SetBackgrounded records the foreground/background hint.
func (c *Connection) SetBackgrounded(b bool) { c.backgrounded.Store(b) }

// Connected reports whether the socket is open and handshaked.
func (c *Connection) Connected() bool { return c.open.Load() }

// fail transitions to disconnected exactly once per socket and starts the
// reconnect cycle.
func (c *Connection) fail(serr *SessionError) {
	if !c.open.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	stop := c.stop
	c.mu.Unlock()

	if stop == nil {
		return
	}
	select {
	case <-stop:
		// Deliberate close; no reconnect, no event.
		return
	default:
	}

	c.log.LogConnectionEvent("lost", map[string]interface{}{
		"session_id": c.sessionID,
		"code":       serr.Code,
	})
	if c.events.OnClose != nil {
		c.events.OnClose(serr)
	}
	go c.reconnectLoop(stop)
}

// reconnectLoop retries indefinitely while the network is reachable. When
// reachability is lost, attempts are suspended until it returns, then run
// immediately with the backoff reset.
func (c *Connection) reconnectLoop(stop chan struct{}) {
	warned := false
	for {
		select {
		case <-stop:
			return
		default:
		}

		if !c.reachable() {
			if !warned {
				warned = true
				if c.events.OnWarning != nil {
					c.events.OnWarning(NewSessionError(ErrCodeReconnectExhausted,
						"network unreachable, reconnection suspended"))
				}
			}
			select {
			case <-stop:
				return
			case <-time.After(time.Second):
			}
			c.backoff.Reset()
			continue
		}
		warned = false

		delay := c.backoff.Next(c.capFn())
		c.log.Debugf("Reconnecting in %s", delay)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		c.metrics.Reconnects.Inc()
		if serr := c.dial(true); serr != nil {
			c.log.WithError(serr).Debug("Reconnect attempt failed")
			continue
		}
		return
	}
}

// BeginReconnect starts the retry cycle for a connection that could not be
// established on the first attempt.
func (c *Connection) BeginReconnect() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return
	}
	go c.reconnectLoop(stop)
}

// Close tears the connection down deliberately: reconnect timers are
// cancelled and no further events fire. Safe to call repeatedly.
func (c *Connection) Close() {
	c.open.Store(false)
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}
