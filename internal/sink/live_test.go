package sink

import (
	"testing"
	"time"

	"github.com/elchinoo/benchctl/pkg/bench"
)

func TestLiveHubPublishDeliversToSubscribers(t *testing.T) {
	h := NewLiveHub()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.Publish(bench.LiveSnapshot{ErrorRate: 1})

	select {
	case snap := <-ch:
		if snap.ErrorRate != 1 {
			t.Errorf("expected ErrorRate 1, got %v", snap.ErrorRate)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot to be delivered")
	}
}

func TestLiveHubPublishDropsWhenSubscriberQueueFull(t *testing.T) {
	h := NewLiveHub()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	for i := 0; i < liveQueueDepth+5; i++ {
		h.Publish(bench.LiveSnapshot{ErrorRate: float64(i)})
	}

	if len(ch) != liveQueueDepth {
		t.Errorf("expected channel to cap at %d, got %d", liveQueueDepth, len(ch))
	}
}

func TestLiveHubPublishEvictsOldestOnOverflow(t *testing.T) {
	h := NewLiveHub()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	total := liveQueueDepth + 5
	for i := 0; i < total; i++ {
		h.Publish(bench.LiveSnapshot{ErrorRate: float64(i)})
	}

	first := <-ch
	if first.ErrorRate != 5 {
		t.Errorf("expected the oldest surviving snapshot to be index 5 (the first %d evicted), got %v", total-liveQueueDepth, first.ErrorRate)
	}

	var last bench.LiveSnapshot
	for {
		select {
		case last = <-ch:
			continue
		default:
		}
		break
	}
	if last.ErrorRate != float64(total-1) {
		t.Errorf("expected the newest snapshot (%d) to survive, got %v", total-1, last.ErrorRate)
	}
}

func TestLiveHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewLiveHub()
	ch, unsubscribe := h.Subscribe()
	unsubscribe()

	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		rate float64
		want HealthClassification
	}{
		{0, HealthHealthy},
		{4.9, HealthHealthy},
		{5, HealthDegraded},
		{19.9, HealthDegraded},
		{20, HealthCritical},
		{100, HealthCritical},
	}
	for _, c := range cases {
		got := Classify(bench.LiveSnapshot{ErrorRate: c.rate})
		if got != c.want {
			t.Errorf("Classify(%.1f) = %v, want %v", c.rate, got, c.want)
		}
	}
}
