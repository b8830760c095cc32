// Package status implements the progress channel: a single-producer,
// multi-consumer fan-out of phase events to the orchestrator (never
// dropped) and zero or more subscribers (dropped if they fall behind).
package status

// EventKind enumerates a progress event's kind.
type EventKind string

// Event kinds.
const (
	KindStarted       EventKind = "started"
	KindProgress      EventKind = "progress"
	KindStepCompleted EventKind = "step_completed"
	KindWarning       EventKind = "warning"
	KindError         EventKind = "error"
	KindFinished      EventKind = "finished"
)

// Event is one progress message a phase emits.
type Event struct {
	JobID    string         `json:"job_id"`
	Phase    string         `json:"phase"`
	Kind     EventKind      `json:"kind"`
	Current  int            `json:"current"`
	Total    int            `json:"total"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DefaultBacklog is the subscriber channel buffer size; a subscriber this
// far behind is dropped.
const DefaultBacklog = 256

// Hub fans one phase's events out to the orchestrator's own consumer
// channel (never dropped) and N subscriber channels (dropped and closed if
// they fall behind).
type Hub struct {
	orchestrator chan Event
	subscribe    chan chan Event
	unsubscribe  chan chan Event
	publish      chan Event
	done         chan struct{}
}

// NewHub starts a Hub's owning goroutine and returns it. Close must be
// called once the job's phases are done publishing.
func NewHub() *Hub {
	h := &Hub{
		orchestrator: make(chan Event, DefaultBacklog),
		subscribe:    make(chan chan Event),
		unsubscribe:  make(chan chan Event),
		publish:      make(chan Event, DefaultBacklog),
		done:         make(chan struct{}),
	}

	go h.run()

	return h
}

// Orchestrator returns the channel the orchestrator itself consumes; events
// sent here are never dropped (the orchestrator's Job record mutation must
// never silently miss an update).
func (h *Hub) Orchestrator() <-chan Event {
	return h.orchestrator
}

// Subscribe registers a new subscriber channel and returns it. Callers
// should range over the returned channel; it is closed when the hub shuts
// down or the subscriber is dropped for falling behind.
func (h *Hub) Subscribe() <-chan Event {
	ch := make(chan Event, DefaultBacklog)

	select {
	case h.subscribe <- ch:
	case <-h.done:
		close(ch)
	}

	return ch
}

// Publish sends one event to the hub for fan-out. Publish itself never
// blocks on a slow subscriber; it only blocks briefly on the hub's own
// internal publish buffer.
func (h *Hub) Publish(e Event) {
	select {
	case h.publish <- e:
	case <-h.done:
	}
}

// Close shuts the hub down, closing all subscriber channels and the
// orchestrator channel.
func (h *Hub) Close() {
	select {
	case <-h.done:
		return // already closed.
	default:
	}

	close(h.done)
}

func (h *Hub) run() {
	subscribers := make(map[chan Event]struct{})

	defer func() {
		close(h.orchestrator)

		for sub := range subscribers {
			close(sub)
		}
	}()

	for {
		select {
		case <-h.done:
			return

		case sub := <-h.subscribe:
			subscribers[sub] = struct{}{}

		case sub := <-h.unsubscribe:
			delete(subscribers, sub)

		case e := <-h.publish:
			// The orchestrator's channel is sized DefaultBacklog and the
			// orchestrator is assumed to drain promptly; block rather
			// than drop, since the Job record must see every event.
			select {
			case h.orchestrator <- e:
			case <-h.done:
				return
			}

			for sub := range subscribers {
				select {
				case sub <- e:
				default:
					// Backlog full: drop this slow subscriber.
					delete(subscribers, sub)
					close(sub)
				}
			}
		}
	}
}
