// Package announce fans appended events out to stream subscribers. The
// registry publishes on the mutation path, so delivery is a non-blocking
// send into each subscriber's buffer; a subscriber that falls behind is
// dropped rather than ever stalling the engine.
package announce

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/common/logger"
)

// DefaultBuffer is the per-subscriber backlog bound. A consumer this far
// behind a live stream is not coming back; it reconnects and backfills
// from the log instead.
const DefaultBuffer = 256

// Filter narrows a subscription to one case tree, one specification, or
// a set of event types. Zero values match everything.
type Filter struct {
	CaseID string
	SpecID string
	Types  []eventlog.Type
}

type filterSet struct {
	caseID     string
	casePrefix string
	specID     string
	types      map[eventlog.Type]struct{}
}

func (f Filter) compile() filterSet {
	fs := filterSet{caseID: f.CaseID, specID: f.SpecID}
	if f.CaseID != "" {
		fs.casePrefix = f.CaseID + "."
	}
	if len(f.Types) > 0 {
		fs.types = make(map[eventlog.Type]struct{}, len(f.Types))
		for _, t := range f.Types {
			fs.types[t] = struct{}{}
		}
	}
	return fs
}

// matches treats a case filter as covering the whole case tree: the
// events of sub-case 7.1 belong to case 7's stream.
func (fs filterSet) matches(e eventlog.Event) bool {
	if fs.caseID != "" && e.CaseID != fs.caseID && !strings.HasPrefix(e.CaseID, fs.casePrefix) {
		return false
	}
	if fs.specID != "" && e.SpecID != fs.specID {
		return false
	}
	if fs.types != nil {
		if _, ok := fs.types[e.Type]; !ok {
			return false
		}
	}
	return true
}

// Subscription is one consumer's view of the stream. Read Events until
// Done closes; the events channel itself is never closed, so a send
// can never race a close.
type Subscription struct {
	ID string

	filter filterSet
	events chan eventlog.Event
	done   chan struct{}
	once   sync.Once
	dead   atomic.Bool
}

// Events is the delivery channel.
func (s *Subscription) Events() <-chan eventlog.Event {
	return s.events
}

// Done closes when the subscription is dropped or unsubscribed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.dead.Store(true)
	s.once.Do(func() { close(s.done) })
}

// Hub owns the live subscriptions and the optional Redis bridge.
type Hub struct {
	logg   *logger.Logger
	buffer int
	bridge *RedisBridge

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewHub creates a hub whose subscribers buffer up to buffer events;
// buffer <= 0 selects DefaultBuffer.
func NewHub(logg *logger.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		logg:   logg,
		buffer: buffer,
		subs:   make(map[string]*Subscription),
	}
}

// AttachBridge mirrors every published event onto a Redis channel.
// Call before the hub starts receiving traffic.
func (h *Hub) AttachBridge(b *RedisBridge) {
	h.bridge = b
}

// Bridge returns the attached bridge, nil when none is configured.
func (h *Hub) Bridge() *RedisBridge {
	return h.bridge
}

// Subscribe registers a consumer and returns its subscription.
func (h *Hub) Subscribe(f Filter) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		filter: f.compile(),
		events: make(chan eventlog.Event, h.buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	h.logg.Debug("subscriber registered", "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe removes a consumer. Safe to call twice.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
		h.logg.Debug("subscriber removed", "subscriber_id", id)
	}
}

// Publish delivers an event to every matching subscriber and returns the
// ids of subscribers dropped because their buffer was full. It never
// blocks: the caller sits on the engine's mutation path.
func (h *Hub) Publish(e eventlog.Event) []string {
	var dropped []string
	h.mu.RLock()
	for id, sub := range h.subs {
		if sub.dead.Load() || !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.events <- e:
		default:
			if sub.dead.CompareAndSwap(false, true) {
				dropped = append(dropped, id)
			}
		}
	}
	h.mu.RUnlock()

	sort.Strings(dropped)
	for _, id := range dropped {
		h.Unsubscribe(id)
		h.logg.Warn("subscriber dropped: send buffer full", "subscriber_id", id, "sequence", e.Sequence)
	}
	if h.bridge != nil {
		h.bridge.Offer(e)
	}
	return dropped
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
