// Package eventbus implements the EventBus (spec.md §4.12): a single-
// producer-per-run, multi-consumer ordered stream of run events. Grounded on
// the bounded-channel fan-out pattern common across the example pack, with
// event field naming kept close to the teacher's zerolog discipline
// (run/node/step-scoped fields rather than a generic blob).
package eventbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind enumerates the event kinds carried on the bus (spec.md §4.12).
type Kind string

const (
	KindStatus     Kind = "status"
	KindPlan       Kind = "plan"
	KindToolStart  Kind = "tool_start"
	KindToolResult Kind = "tool_result"
	KindToolError  Kind = "tool_error"
	KindScreenshot Kind = "screenshot"
	KindArtifact   Kind = "artifact"
	KindTextDelta  Kind = "text_delta"
	KindQuality    Kind = "quality"
	KindCompletion Kind = "completion"
	KindInterrupt  Kind = "interrupt"
	KindCancelled  Kind = "cancelled"
	KindError      Kind = "error"
	KindDone       Kind = "done"
)

// Event is one entry on a run's ordered stream.
type Event struct {
	RunID     string
	Seq       uint64
	Timestamp time.Time
	Kind      Kind
	NodeID    string
	Payload   map[string]any
}

// EvictionPolicy selects what happens when a consumer's buffer fills.
type EvictionPolicy string

const (
	// DropOldest discards the oldest buffered event to make room for the
	// newest one, favoring liveness for slow consumers over completeness.
	DropOldest EvictionPolicy = "drop_oldest"
	// EvictConsumer closes and removes a consumer's subscription entirely
	// once it falls behind, so one stalled consumer can never hold memory
	// for a run open indefinitely.
	EvictConsumer EvictionPolicy = "evict_consumer"
)

// Options configures a Bus.
type Options struct {
	// BufferSize bounds each consumer's channel. Default 256.
	BufferSize int
	// Policy selects backpressure behavior when a consumer's buffer fills.
	// Default DropOldest.
	Policy EvictionPolicy
}

func (o Options) bufferSize() int {
	if o.BufferSize <= 0 {
		return 256
	}
	return o.BufferSize
}

func (o Options) policy() EvictionPolicy {
	if o.Policy == "" {
		return DropOldest
	}
	return o.Policy
}

type subscriber struct {
	id int
	ch chan Event
}

type runStream struct {
	mu          sync.Mutex
	seq         uint64
	subscribers map[int]*subscriber
	nextSubID   int
}

// Bus fans out ordered events to per-run subscribers. Strictly total
// ordering within a run is guaranteed by a per-run mutex held while the
// sequence number is assigned and the event is delivered; producers from
// multiple goroutines may call Publish
// concurrently and still observe a consistent order.
type Bus struct {
	opt Options

	mu      sync.Mutex
	streams map[string]*runStream
}

// New constructs a Bus.
func New(opt Options) *Bus {
	return &Bus{opt: opt, streams: make(map[string]*runStream)}
}

func (b *Bus) stream(runID string) *runStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[runID]
	if !ok {
		s = &runStream{subscribers: make(map[int]*subscriber)}
		b.streams[runID] = s
	}
	return s
}

// Subscribe returns a channel of events for runID and an unsubscribe
// function. The channel is closed when Unsubscribe or Close(runID) is
// called, or when the EvictConsumer policy drops a subscriber that fell
// behind. A run's stream stays open while it has no subscribers, so one can
// join later (e.g. a UI reconnecting).
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	s := b.stream(runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{id: id, ch: make(chan Event, b.opt.bufferSize())}
	s.subscribers[id] = sub

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish emits one event for runID, assigning it the next sequence number
// and timestamp. Sequence numbers within a run start at 0 and increase by 1
// per published event, strictly and contiguously (spec.md §8). Transitions
// that must appear atomic to observers (spec.md §4.11: "a node's outputs and
// the transition decision are emitted as one logical event group") should
// call Publish once per logical group member in sequence while holding no
// other lock — total order within a run makes the group appear consecutive
// to every subscriber.
func (b *Bus) Publish(runID string, kind Kind, nodeID string, payload map[string]any) Event {
	s := b.stream(runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{RunID: runID, Seq: s.seq, Timestamp: time.Now(), Kind: kind, NodeID: nodeID, Payload: payload}
	s.seq++
	for _, sub := range s.subscribers {
		b.deliver(s, sub, ev)
	}
	return ev
}

// deliver never blocks; the caller holds s.mu.
func (b *Bus) deliver(s *runStream, sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	switch b.opt.policy() {
	case EvictConsumer:
		if existing, ok := s.subscribers[sub.id]; ok {
			delete(s.subscribers, sub.id)
			close(existing.ch)
		}
		log.Warn().Str("run_id", ev.RunID).Int("subscriber", sub.id).Msg("eventbus: evicting slow consumer")
	default: // DropOldest
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			// No other publisher can take the freed slot while s.mu is
			// held; this branch only keeps the send non-blocking.
		}
	}
}

// Close tears down a run's stream, closing every remaining subscriber
// channel. Callers publish a KindDone event before calling Close so
// subscribers observe a terminal marker rather than a channel closing out
// of nowhere.
func (b *Bus) Close(runID string) {
	b.mu.Lock()
	s, ok := b.streams[runID]
	if ok {
		delete(b.streams, runID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subscribers {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// SubscriberCount reports the number of live subscribers for a run, mainly
// for tests and diagnostics.
func (b *Bus) SubscriberCount(runID string) int {
	s := b.stream(runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
