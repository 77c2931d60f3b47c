// Package progress fans execution lifecycle events out to live
// subscribers. Delivery is best-effort and never blocks the engine.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/engine"
)

const subscriberBuffer = 64

// snapshotRetention is how long a terminal snapshot stays available for
// late subscribers before its entry is evicted.
const snapshotRetention = 5 * time.Minute

// Subscriber receives an independent copy of every event for one
// execution.
type Subscriber struct {
	ch chan engine.Event
}

// Events is the subscriber's receive channel. It is closed on
// unsubscribe.
func (s *Subscriber) Events() <-chan engine.Event { return s.ch }

// Hub is the publish-subscribe registry keyed by execution id. It keeps
// the last full-snapshot event per execution so late subscribers get
// replay-of-last-state instead of nothing.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscriber]struct{}
	last      map[string]engine.Event
	retention time.Duration
	logger    *zap.Logger
}

// NewHub creates a progress hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:      make(map[string]map[*Subscriber]struct{}),
		last:      make(map[string]engine.Event),
		retention: snapshotRetention,
		logger:    logger,
	}
}

// Subscribe attaches a new subscriber to an execution. The subscriber
// immediately receives a connected event, followed by the last known
// snapshot when one exists.
func (h *Hub) Subscribe(executionID string) *Subscriber {
	sub := &Subscriber{ch: make(chan engine.Event, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[executionID] == nil {
		h.subs[executionID] = make(map[*Subscriber]struct{})
	}
	h.subs[executionID][sub] = struct{}{}
	snapshot, hasSnapshot := h.last[executionID]
	h.mu.Unlock()

	sub.ch <- engine.Event{Type: engine.EventConnected, ExecutionID: executionID}
	if hasSnapshot {
		sub.ch <- snapshot
	}
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel.
func (h *Hub) Unsubscribe(executionID string, sub *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[executionID]; ok {
		if _, attached := set[sub]; attached {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(h.subs, executionID)
		}
	}
	h.mu.Unlock()
}

// Publish delivers an event to every subscriber of the execution. A
// subscriber whose buffer is full has the event dropped and logged;
// snapshot-bearing events are also retained for replay, so a starved
// subscriber still converges on the terminal state.
func (h *Hub) Publish(executionID string, ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Execution != nil {
		h.last[executionID] = ev
		// Terminal snapshots are the last event an execution will ever
		// publish; schedule the entry's eviction so the map stays
		// bounded on a long-lived service.
		if ev.Execution.Status.Terminal() {
			time.AfterFunc(h.retention, func() {
				h.mu.Lock()
				delete(h.last, executionID)
				h.mu.Unlock()
			})
		}
	}
	// Sends are non-blocking, so holding the lock here is cheap and
	// keeps Unsubscribe from closing a channel mid-send.
	for sub := range h.subs[executionID] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("subscriber buffer full, dropping event",
				zap.String("execution", executionID),
				zap.String("type", string(ev.Type)))
		}
	}
}

// SubscriberCount reports how many subscribers one execution has.
func (h *Hub) SubscriberCount(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[executionID])
}
