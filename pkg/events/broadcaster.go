// Package events implements the Live Event Broadcaster (C6): a typed
// pub/sub hub that lets the viewer UI's SSE connections observe new
// observations, summaries, prompts, processing status, and token updates
// as they happen, without ever blocking the publisher on a slow reader.
//
// The teacher's pkg/events is a WebSocket connection manager backed by
// PostgreSQL LISTEN/NOTIFY (manager.go, listener.go) — there is no
// database notification channel here, and no WebSocket upgrade, but the
// same id-per-subscriber registration and mutex-protected subscriber map
// carries over, simplified down to direct in-process channel delivery
// since the broadcaster and its subscribers live in one binary.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Kind identifies the six live event shapes §4.6 defines.
type Kind string

const (
	KindInitialLoad      Kind = "initial_load"
	KindNewObservation   Kind = "new_observation"
	KindNewSummary       Kind = "new_summary"
	KindNewPrompt        Kind = "new_prompt"
	KindProcessingStatus Kind = "processing_status"
	KindTokenUpdate      Kind = "token_update"
)

// Event is one message delivered to subscribers.
type Event struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload"`
}

// subscriberBufferSize bounds how many undelivered events a slow
// subscriber may accumulate before the broadcaster starts dropping its
// oldest unread event to make room for the newest one (§4.6).
const subscriberBufferSize = 64

type subscriber struct {
	id  string
	ch  chan Event
	mu  sync.Mutex
}

// Broadcaster is the Live Event Broadcaster. The zero value is not usable;
// construct with New.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	// snapshot, when set, is called to produce the initial_load payload a
	// new subscriber receives before any live event.
	snapshot func() any
}

// New builds a Broadcaster. snapshot (optional, may be nil) is invoked once
// per Subscribe call to produce the synthetic initial_load event that lets
// a freshly-opened viewer connection catch up before the first live event
// arrives.
func New(snapshot func() any) *Broadcaster {
	return &Broadcaster{
		subs:     make(map[string]*subscriber),
		snapshot: snapshot,
	}
}

// Subscription is a live handle a caller iterates to receive events and
// must call Close on when done.
type Subscription struct {
	id string
	ch <-chan Event
	b  *Broadcaster
}

// Events returns the channel of events delivered to this subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s.id)
	s.b.mu.Unlock()
}

// Subscribe creates a new subscriber and, if a snapshot function was given
// to New, seeds its channel with an initial_load event before registering
// it — so the snapshot is always the first event it reads, and a
// subscriber that arrives mid-stream can reconstruct current state instead
// of starting blank (§4.6).
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan Event, subscriberBufferSize),
	}

	if b.snapshot != nil {
		sub.ch <- Event{Kind: KindInitialLoad, Payload: b.snapshot()}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return &Subscription{id: sub.id, ch: sub.ch, b: b}
}

// Publish delivers event to every current subscriber. It never blocks: a
// subscriber whose buffer is full has its oldest unread event dropped to
// make room, so one slow reader can never stall the publisher or other
// subscribers (§4.6's non-blocking, drop-oldest rule).
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.deliver(event)
	}
}

func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- event:
		return
	default:
	}
	// Buffer full: drop the oldest queued event, then retry once.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
}

// SubscriberCount reports how many subscriptions are currently open, for
// diagnostics and ambient metrics.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
