package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_OrchestratorReceivesAllEvents(t *testing.T) {
	t.Parallel()

	h := NewHub()
	defer h.Close()

	for i := 0; i < 5; i++ {
		h.Publish(Event{JobID: "job-1", Phase: "extract", Kind: KindProgress, Current: i, Total: 5})
	}

	received := 0
	timeout := time.After(time.Second)

	for received < 5 {
		select {
		case e := <-h.Orchestrator():
			require.Equal(t, "job-1", e.JobID)
			received++
		case <-timeout:
			t.Fatal("timed out waiting for orchestrator events")
		}
	}

	assert.Equal(t, 5, received)
}

func TestHub_SubscriberReceivesEvents(t *testing.T) {
	t.Parallel()

	h := NewHub()
	defer h.Close()

	sub := h.Subscribe()

	h.Publish(Event{JobID: "job-1", Kind: KindStarted})

	select {
	case e := <-sub:
		assert.Equal(t, KindStarted, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber event")
	}

	// Drain the orchestrator's mirrored copy so Publish in future tests
	// never blocks on this test's hub (not strictly needed here since h is
	// closed at defer, but mirrors real consumer discipline).
	select {
	case <-h.Orchestrator():
	default:
	}
}

func TestHub_SlowSubscriberIsDroppedNotOrchestrator(t *testing.T) {
	t.Parallel()

	h := NewHub()
	defer h.Close()

	sub := h.Subscribe()

	// The orchestrator channel is drained concurrently so the hub's single
	// goroutine never blocks on it; allSeen closes once it has every event.
	total := DefaultBacklog + 10
	allSeen := make(chan struct{})
	done := make(chan struct{})

	go func() {
		drained := 0
		for range h.Orchestrator() {
			drained++
			if drained == total {
				close(allSeen)
			}
		}

		close(done)
	}()

	// Flood past the subscriber's backlog without draining it.
	for i := 0; i < total; i++ {
		h.Publish(Event{JobID: "job-1", Kind: KindProgress, Current: i})
	}

	// The hub forwards each event to the orchestrator before the
	// subscribers, so once the orchestrator has every event the overflow
	// has happened and the subscriber has been dropped and closed.
	select {
	case <-allSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator channel did not receive every event")
	}

	closedSub := false
	deadline := time.After(2 * time.Second)

loop:
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				closedSub = true

				break loop
			}
		case <-deadline:
			break loop
		}
	}

	assert.True(t, closedSub, "slow subscriber should have been dropped and closed")

	h.Close()
	<-done
}

func TestHub_CloseClosesAllChannels(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe()

	h.Close()
	h.Close() // idempotent

	_, ok := <-h.Orchestrator()
	assert.False(t, ok)

	_, ok = <-sub
	assert.False(t, ok)
}
