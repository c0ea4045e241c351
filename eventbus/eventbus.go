// Package eventbus implements typed pub/sub addressed by (tenant_id,
// session_id), with a bounded per-session queue and a priority-aware drop
// policy. It is grounded on the teacher's runner.Runner.processEvents loop
// (runner/runner.go): that method read one agent's emit channel and fanned
// events out to exactly one caller. This package generalizes the same
// channel-draining shape to many independent subscriber cursors per
// session, since the Orchestrator's transport layer may have more than one
// client attached to the same session (e.g. a reconnecting browser tab).
package eventbus

import (
	"sync"

	"github.com/n0iac/agentcore/core"
)

// DefaultQueueSize is the default bounded capacity of a subscriber's queue.
const DefaultQueueSize = 256

// neverDropped holds the MessageKinds the drop policy never discards even
// under queue pressure: a dropped agent_markdown or agent_form_request
// would silently break the UI's conversation transcript or strand a
// pending human-in-the-loop form.
var neverDropped = map[core.MessageKind]bool{
	core.MessageAgentMarkdown:       true,
	core.MessageAgentFormRequest:    true,
	core.MessageAgentWorkflowFinish: true,
}

// sessionKey identifies one (tenant, session) pub/sub topic.
type sessionKey struct {
	tenantID  string
	sessionID string
}

// subscriber is one independent cursor over a session's event stream.
type subscriber struct {
	id string
	ch chan core.Event
}

// Bus is a process-global, concurrency-safe event bus. The zero value is not
// usable; construct with New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[sessionKey][]*subscriber
	queueSize   int
}

// New constructs a Bus with the default queue size.
func New() *Bus { return NewWithQueueSize(DefaultQueueSize) }

// NewWithQueueSize constructs a Bus whose subscriber queues hold at most
// queueSize events before the drop policy engages.
func NewWithQueueSize(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{subscribers: make(map[sessionKey][]*subscriber), queueSize: queueSize}
}

// Subscribe registers a new cursor over (tenantID, sessionID)'s event
// stream, identified by subscriberID (e.g. a connection id), and returns a
// receive-only channel of events plus an Unsubscribe func.
func (b *Bus) Subscribe(tenantID, sessionID, subscriberID string) (<-chan core.Event, func()) {
	key := sessionKey{tenantID: tenantID, sessionID: sessionID}
	sub := &subscriber{id: subscriberID, ch: make(chan core.Event, b.queueSize)}

	b.mu.Lock()
	b.subscribers[key] = append(b.subscribers[key], sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[key]
		for i, s := range subs {
			if s == sub {
				b.subscribers[key] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
		if len(b.subscribers[key]) == 0 {
			delete(b.subscribers, key)
		}
	}

	return sub.ch, unsubscribe
}

// Publish fans ev out to every subscriber of (tenantID, sessionID). A
// subscriber whose queue is full has its oldest droppable event evicted to
// make room; ev.Kind values in neverDropped are queued even if that means
// the subscriber briefly exceeds the configured queue size by one.
func (b *Bus) Publish(tenantID, sessionID string, ev core.Event) {
	key := sessionKey{tenantID: tenantID, sessionID: sessionID}

	b.mu.Lock()
	subs := make([]*subscriber, len(b.subscribers[key]))
	copy(subs, b.subscribers[key])
	b.mu.Unlock()

	for _, sub := range subs {
		deliver(sub.ch, ev)
	}
}

// deliver enqueues ev onto ch, applying the drop-oldest-progress policy
// when the queue is full.
func deliver(ch chan core.Event, ev core.Event) {
	select {
	case ch <- ev:
		return
	default:
	}

	if !neverDropped[ev.Kind] {
		// The queue is full and ev itself is droppable: try once to make
		// room by evicting the oldest droppable entry, then give up
		// silently rather than block a publisher on a slow subscriber.
		dropOldestDroppable(ch)
		select {
		case ch <- ev:
		default:
		}
		return
	}

	dropOldestDroppable(ch)
	select {
	case ch <- ev:
	default:
		// Still full of non-droppable entries; block briefly is not an
		// option for a shared bus, so the event is lost. This only
		// happens if queueSize non-droppable events are already
		// outstanding, which indicates a stalled subscriber.
	}
}

// dropOldestDroppable removes the single oldest queued event whose Kind is
// not in neverDropped, preserving relative order of the rest. If every
// queued event is non-droppable, it is a no-op.
func dropOldestDroppable(ch chan core.Event) {
	n := len(ch)
	var kept []core.Event
	dropped := false
	for i := 0; i < n; i++ {
		ev := <-ch
		if !dropped && !neverDropped[ev.Kind] {
			dropped = true
			continue
		}
		kept = append(kept, ev)
	}
	for _, ev := range kept {
		ch <- ev
	}
}
