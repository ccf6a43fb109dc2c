// Package events defines the orchestrator's event stream (spec §4.4 step 6,
// §4.5 "produces events", §5 "Events emitted on the event bus preserve
// per-task causal order"). Events feed dashboards; the task store remains
// the source of truth.
package events

import "time"

// Kind discriminates one orchestrator or DAG-executor event.
type Kind string

const (
	KindStarted        Kind = "started"
	KindWaveStarted    Kind = "wave_started"
	KindWaveCompleted  Kind = "wave_completed"
	KindTaskStarted    Kind = "task_started"
	KindTaskCompleted  Kind = "task_completed"
	KindTaskFailed     Kind = "task_failed"
	KindCompleted      Kind = "completed"
	KindStatusUpdate   Kind = "status_update"
)

// Event is one entry in the orchestrator's event stream.
type Event struct {
	Kind Kind
	Time time.Time

	// Wave fields (KindWaveStarted/KindWaveCompleted).
	Wave          int
	WaveSize      int
	WaveSucceeded int
	WaveFailed    int

	// Task fields (KindTaskStarted/KindTaskCompleted/KindTaskFailed).
	TaskID   string
	Duration time.Duration
	Error    string

	// Status fields (KindStatusUpdate).
	Stats map[string]int
}

// Publisher fans an event out to whatever's listening: an in-process bounded
// channel, and optionally an external bus (spec's "Event bus fan-out"
// supplement). A nil Publisher is a no-op, so constructors never need a nil
// check (mirrors logging.OrNop).
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// OrNop returns p if non-nil, otherwise a NopPublisher.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return NopPublisher{}
	}
	return p
}

// Bus is a bounded, fan-out in-process event channel. Publish never blocks
// the caller: a full channel drops the oldest pending event rather than
// stalling the control loop (spec §5 "does not block").
type Bus struct {
	ch chan Event
}

// NewBus creates a Bus with the given channel capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{ch: make(chan Event, capacity)}
}

// Publish implements Publisher.
func (b *Bus) Publish(e Event) {
	select {
	case b.ch <- e:
	default:
		// drop oldest, then retry once
		select {
		case <-b.ch:
		default:
		}
		select {
		case b.ch <- e:
		default:
		}
	}
}

// Events exposes the receive-only channel for subscribers.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close releases the channel. Safe to call once.
func (b *Bus) Close() { close(b.ch) }

// Fanout publishes to multiple publishers, used to wire the in-process bus
// and an optional external bus (e.g. NATS) together behind one Publisher.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}
