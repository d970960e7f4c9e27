package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AlertSink receives every published event for persistence. Implemented by
// the database repository.
type AlertSink interface {
	PersistAlert(ctx context.Context, event Event) error
}

// SideChannel receives urgent events that could not be delivered in time
// (out-of-band notification path).
type SideChannel func(Event)

// Subscription is one live consumer of the bus. Events arrive on C in
// publish order per strategy. The subscription owns a bounded queue: when it
// fills, the oldest droppable events are shed first; critical/urgent events
// are never shed.
type Subscription struct {
	name string
	bus  *Bus

	mu       sync.Mutex
	queue    []Event
	notEmpty chan struct{}
	closed   bool
	dropped  uint64

	out chan Event
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Event { return s.out }

// Dropped returns how many events were shed for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.notEmpty)
	}
	s.mu.Unlock()
}

// push enqueues an event, applying the drop policy. Returns false when the
// event could not be enqueued (only possible for critical/urgent on a full
// queue of other critical/urgent events).
func (s *Subscription) push(e Event, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	if len(s.queue) >= limit {
		// Shed the oldest droppable event first.
		shed := -1
		for i, q := range s.queue {
			if q.Severity.Droppable() {
				shed = i
				break
			}
		}
		if shed >= 0 {
			s.queue = append(s.queue[:shed], s.queue[shed+1:]...)
			s.dropped++
		} else if e.Severity.Droppable() {
			// Queue full of critical events; the new droppable one loses.
			s.dropped++
			return true
		} else {
			return false
		}
	}

	s.queue = append(s.queue, e)
	select {
	case s.notEmpty <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

// dispatch drains the queue to the out channel. One goroutine per
// subscription: single consumer of the queue.
func (s *Subscription) dispatch() {
	for range s.notEmpty {
		for {
			e, ok := s.pop()
			if !ok {
				break
			}
			s.out <- e
		}
	}
	close(s.out)
}

// Bus is the engine-wide event bus.
type Bus struct {
	sink        AlertSink
	sideChannel SideChannel
	queueLimit  int
	blockWindow time.Duration
	log         zerolog.Logger

	mu   sync.Mutex
	subs map[*Subscription]bool

	// lastStamp keeps per-strategy timestamps strictly increasing even when
	// the wall clock returns the same value twice.
	stampMu   sync.Mutex
	lastStamp map[string]time.Time
}

// BusConfig tunes the bus.
type BusConfig struct {
	QueueLimit  int           // per-subscriber bounded queue size
	BlockWindow time.Duration // max publisher wait for urgent delivery
}

// NewBus creates the bus. sink may be nil (no persistence, tests).
func NewBus(sink AlertSink, cfg BusConfig, log zerolog.Logger) *Bus {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 256
	}
	if cfg.BlockWindow <= 0 {
		cfg.BlockWindow = 2 * time.Second
	}
	return &Bus{
		sink:        sink,
		queueLimit:  cfg.QueueLimit,
		blockWindow: cfg.BlockWindow,
		log:         log.With().Str("component", "event-bus").Logger(),
		subs:        make(map[*Subscription]bool),
		lastStamp:   make(map[string]time.Time),
	}
}

// SetSideChannel registers the out-of-band path for urgent events.
func (b *Bus) SetSideChannel(ch SideChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sideChannel = ch
}

// Subscribe attaches a named consumer.
func (b *Bus) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name:     name,
		bus:      b,
		notEmpty: make(chan struct{}, 1),
		out:      make(chan Event, 16),
	}
	go sub.dispatch()

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// stamp assigns a strictly increasing timestamp per strategy.
func (b *Bus) stamp(strategyID string) time.Time {
	b.stampMu.Lock()
	defer b.stampMu.Unlock()
	now := time.Now().UTC()
	if last, ok := b.lastStamp[strategyID]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	b.lastStamp[strategyID] = now
	return now
}

// Publish delivers an event to the persistent sink and all subscribers.
// Unknown event types are rejected. Droppable severities never block; for
// critical/urgent the publisher waits up to the block window per subscriber,
// then escalates urgent events to the side channel.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if !e.Type.Known() {
		b.log.Error().Str("type", string(e.Type)).Msg("rejected unknown event type")
		return ErrUnknownEventType
	}

	e.Timestamp = b.stamp(e.StrategyID)
	e.SeverityStr = e.Severity.String()

	if b.sink != nil {
		if err := b.sink.PersistAlert(ctx, e); err != nil {
			b.log.Error().Err(err).Str("type", string(e.Type)).Msg("alert persistence failed")
		}
	}

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	side := b.sideChannel
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.push(e, b.queueLimit) {
			continue
		}
		// Queue full of undroppable events. Block briefly, then escalate.
		delivered := b.pushWithWait(sub, e)
		if !delivered {
			b.log.Warn().Str("subscriber", sub.name).Str("type", string(e.Type)).Msg("undeliverable critical event")
			if e.Severity == SeverityUrgent && side != nil {
				side(e)
			}
		}
	}
	return nil
}

func (b *Bus) pushWithWait(sub *Subscription, e Event) bool {
	deadline := time.Now().Add(b.blockWindow)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		if sub.push(e, b.queueLimit) {
			return true
		}
	}
	return false
}

// ErrUnknownEventType is returned for event types outside the closed set.
var ErrUnknownEventType = errUnknown{}

type errUnknown struct{}

func (errUnknown) Error() string { return "unknown event type" }
