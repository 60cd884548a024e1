package recording

import "sync"

// MessageKind tags the closed set of cross-instance broadcast variants, so
// dispatch can be matched exhaustively instead of stringly branched.
type MessageKind string

const (
	MsgHeartbeat       MessageKind = "hb"
	MsgStatus          MessageKind = "status"
	MsgTakeoverRequest MessageKind = "takeover:request"
	MsgTakeoverGrant   MessageKind = "takeover:grant"
	MsgTakeoverDeny    MessageKind = "takeover:deny"
	MsgStopRequest     MessageKind = "stop:request"
	MsgStopped         MessageKind = "stopped"
)

// Message is one broadcast-bus datagram. Every message carries the session it
// concerns and the sender's tab id; takeover replies additionally name their
// target so unrelated instances can ignore them.
type Message struct {
	Kind      MessageKind `json:"kind"`
	SessionID string      `json:"session_id"`
	TabID     string      `json:"tab_id"`
	Target    string      `json:"target,omitempty"`
	Phase     Phase       `json:"phase,omitempty"`
}

// BusHandler consumes bus messages. Handlers run synchronously on the
// publisher's goroutine and must return quickly.
type BusHandler func(Message)

// Bus is the cross-instance broadcast port. Deployments may bridge it over
// any transport; the SDK ships an in-process implementation.
type Bus interface {
	Publish(Message)
	Subscribe(BusHandler) (unsubscribe func())
}

// MemoryBus fans every published message out to all subscribers, including
// the publisher's own. Coordinators filter out their own tab id.
type MemoryBus struct {
	handlers map[int]BusHandler
	order    []int
	nextID   int
	mu       sync.Mutex
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]BusHandler)}
}

// Publish delivers the message to all current subscribers in subscription
// order.
func (b *MemoryBus) Publish(msg Message) {
	b.mu.Lock()
	snapshot := make([]BusHandler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.handlers[id]; ok {
			snapshot = append(snapshot, h)
		}
	}
	b.mu.Unlock()

	for _, h := range snapshot {
		h(msg)
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *MemoryBus) Subscribe(h BusHandler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}
