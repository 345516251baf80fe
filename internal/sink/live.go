package sink

import (
	"sync"

	"github.com/elchinoo/benchctl/pkg/bench"
)

// liveQueueDepth bounds each subscriber's buffered snapshot channel; a slow
// subscriber drops its oldest buffered snapshot rather than blocking the
// Aggregator's publish loop, matching a websocket-shaped best-effort fan-out
// (§5: capacity 50, oldest dropped on overflow).
const liveQueueDepth = 50

// LiveHub fans a Run's LiveSnapshots out to any number of subscribers
// (local CLI progress display, or a future transport adapter) without
// coupling the Aggregator to a specific delivery mechanism.
type LiveHub struct {
	mu   sync.Mutex
	subs map[int]chan bench.LiveSnapshot
	next int
}

// NewLiveHub builds an empty hub.
func NewLiveHub() *LiveHub {
	return &LiveHub{subs: map[int]chan bench.LiveSnapshot{}}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed by Unsubscribe, never by
// Publish, so a subscriber can safely range over it.
func (h *LiveHub) Subscribe() (<-chan bench.LiveSnapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan bench.LiveSnapshot, liveQueueDepth)
	h.subs[id] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish delivers snap to every current subscriber. A subscriber whose
// queue is full has its oldest buffered snapshot evicted to make room, so
// a slow subscriber always catches up to the most recent state instead of
// stalling on one it fell behind on.
func (h *LiveHub) Publish(snap bench.LiveSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Full: evict the oldest buffered snapshot, then send the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// HealthClassification buckets a LiveSnapshot into a coarse status by its
// error rate; nothing else in this module calls Classify.
type HealthClassification int

const (
	HealthHealthy HealthClassification = iota
	HealthDegraded
	HealthCritical
)

func (h HealthClassification) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Classify applies fixed error-rate thresholds: >=20% is critical, >=5% is
// degraded, otherwise healthy.
func Classify(snap bench.LiveSnapshot) HealthClassification {
	switch {
	case snap.ErrorRate >= 20:
		return HealthCritical
	case snap.ErrorRate >= 5:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
