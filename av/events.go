package av

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventType identifies a delegate-facing event.
type EventType uint8

const (
	// EventCallStateChanged reports a new CallState for a peer.
	EventCallStateChanged EventType = iota
	// EventBitRateChanged reports a newly accepted bit rate.
	EventBitRateChanged
	// EventFrameReceived carries an inbound frame of an in-progress call.
	EventFrameReceived
	// EventError reports a failure tagged with the peer and error kind.
	EventError
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventCallStateChanged:
		return "call_state_changed"
	case EventBitRateChanged:
		return "bitrate_changed"
	case EventFrameReceived:
		return "frame_received"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted outward by the core. Fields not relevant to Type are zero.
type Event struct {
	Type EventType
	Peer PeerID

	// EventCallStateChanged
	State     CallState
	Direction Direction
	// AudioEnabled and VideoEnabled describe the peer's offer for an incoming
	// Ringing state change.
	AudioEnabled bool
	VideoEnabled bool

	// EventBitRateChanged and EventFrameReceived
	Medium  Medium
	BitRate BitRate
	Frame   *Frame

	// EventError
	Kind ErrorKind
	Op   string
	Err  error
}

// EventBus fans events out to subscribers. Publish never blocks: it appends
// to a bounded queue drained by a dedicated goroutine, so the registry
// worker never waits on a delegate.
type EventBus struct {
	queue     chan Event
	subBuffer int
	onDrop    func(Event)

	mu     sync.RWMutex
	subs   []chan Event
	closed bool

	done chan struct{}
}

// NewEventBus creates a bus with the given queue and per-subscriber buffer
// sizes and starts its delivery goroutine. onDrop, if set, is called for
// each event that could not be queued or delivered.
func NewEventBus(queueSize, subscriberBuffer int, onDrop func(Event)) *EventBus {
	if queueSize <= 0 {
		queueSize = 256
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	b := &EventBus{
		queue:     make(chan Event, queueSize),
		subBuffer: subscriberBuffer,
		onDrop:    onDrop,
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe returns a channel receiving every event published after the
// call. The channel is closed when the bus closes.
func (b *EventBus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.subBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish queues an event for delivery. Events published after Close, or
// while the queue is full, are dropped.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.drop(ev, "queue full")
	}
}

func (b *EventBus) run() {
	defer close(b.done)
	for ev := range b.queue {
		b.mu.RLock()
		for _, ch := range b.subs {
			select {
			case ch <- ev:
			default:
				b.drop(ev, "subscriber buffer full")
			}
		}
		b.mu.RUnlock()
	}

	b.mu.Lock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.mu.Unlock()
}

func (b *EventBus) drop(ev Event, reason string) {
	logrus.WithFields(logrus.Fields{
		"function": "EventBus.Publish",
		"event":    ev.Type.String(),
		"peer":     ev.Peer,
		"reason":   reason,
	}).Warn("Dropping delegate event")
	if b.onDrop != nil {
		b.onDrop(ev)
	}
}

// Close stops accepting events, delivers what is queued and closes all
// subscriber channels. It is safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
}
