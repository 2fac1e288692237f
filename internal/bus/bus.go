package bus

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Topics carried by the governance core. Subscribers match on a prefix, so
// "task." matches every task.* topic.
const (
	TopicTaskStateChanged  = "task.state_changed"
	TopicNotificationAdded = "notification:created"
	TopicChatMessage       = "chat:message"
	TopicWorkerStatus      = "worker:status"
	TopicDispatchLifecycle = "dispatch:lifecycle"
	TopicBreakerState      = "breaker:state"
	TopicExtCallStatus     = "extcall:status"
)

// WorkerStatusEvent reports a worker going online or offline.
type WorkerStatusEvent struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"` // "online" | "offline"
}

// DispatchLifecycleEvent reports a dispatch attempt outcome for a task.
type DispatchLifecycleEvent struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"` // "STARTED" | "SUCCEEDED" | "FAILED"
	Reason string `json:"reason,omitempty"`
}

// BreakerStateEvent reports a circuit breaker transition for a provider.
type BreakerStateEvent struct {
	Provider string `json:"provider"`
	State    string `json:"state"` // "OPEN" | "CLOSED" | "HALF_OPEN"
}

// secretKeyPattern matches JSON object keys that must never reach a subscriber
// in cleartext, regardless of which command produced the event.
var secretKeyPattern = regexp.MustCompile(`(?i)^(.*secret.*|.*token.*|.*password.*|.*_key|ssh_identity_file)$`)

const redacted = "[redacted]"

// scrub walks a JSON-shaped value (map/slice/scalar, as produced by
// json.Marshal/Unmarshal round-trips or plain Go structs) and replaces the
// value of any key matching secretKeyPattern with "[redacted]".
func scrub(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if secretKeyPattern.MatchString(k) {
				out[k] = redacted
				continue
			}
			out[k] = scrub(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = scrub(val)
		}
		return out
	default:
		return v
	}
}

// scrubPayload scrubs any payload by round-tripping it through JSON. Payloads
// that are not JSON-marshalable (e.g. a raw string) pass through unchanged.
func scrubPayload(payload any) any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return payload
	}
	return scrub(generic)
}

// ScrubJSON applies the same secret-key redaction the bus applies to every
// published event to a raw JSON object, returning re-marshaled bytes. Callers
// that store JSON-shaped data outside the bus (the external-access broker's
// response_data column) use this so there is exactly one forbidden-key
// pattern in the codebase, not one per sink.
func ScrubJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	out, err := json.Marshal(scrub(generic))
	if err != nil {
		return raw
	}
	return out
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
// Every payload is deep-scrubbed of secret-shaped keys before delivery, so
// subscribers (the SSE transport, alert rules, the Telegram sender) never see
// raw credential material even if a caller accidentally included one.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: scrubPayload(payload),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
