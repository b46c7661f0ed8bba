// Package bus is the process-wide publish/subscribe channel that the
// device-support subsystem uses to report device and sync events.
//
// Delivery is at most once with no replay: an event published while nobody
// is subscribed to its kind, or while a subscriber's buffer is full, is dropped.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Kind is the exact-match tag events are filtered by.
type Kind string

const (
	KindRealtimeSample Kind = "realtime-sample"
	KindDeviceChanged  Kind = "device-changed"
	KindSyncFinished   Kind = "sync-finished"
)

// DefaultCapacity is the per-subscriber buffer used when New is given a non-positive capacity.
const DefaultCapacity = 64

// ErrClosed is returned when subscribing to a bus that has been closed.
var ErrClosed = errors.New("event bus closed")

// Event is a single bus message. Payload is nil for pure signals.
type Event struct {
	Kind    Kind
	Payload any
	At      time.Time
}

// Bus wraps a pubsub hub keyed by Kind.
type Bus struct {
	mu     sync.RWMutex
	ps     *pubsub.PubSub[Kind, Event]
	closed bool
	logger *logrus.Logger

	published atomic.Uint64
}

// New creates a bus whose subscribers each buffer up to capacity events.
func New(capacity int, logger *logrus.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		ps:     pubsub.New[Kind, Event](capacity),
		logger: logger,
	}
}

// Publish delivers payload to current subscribers of kind without blocking.
func (b *Bus) Publish(kind Kind, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Inc()
	b.logger.WithField("kind", kind).Debug("Publishing bus event")
	b.ps.TryPub(Event{Kind: kind, Payload: payload, At: time.Now()}, kind)
}

// Published returns the number of events accepted for publishing.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Subscribe registers a new subscription filtered to kinds.
func (b *Bus) Subscribe(kinds ...Kind) (*Subscription, error) {
	if len(kinds) == 0 {
		return nil, errors.New("subscribe needs at least one event kind")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	ch := b.ps.Sub(kinds...)
	b.logger.WithField("kinds", kinds).Debug("Bus subscription registered")

	return &Subscription{bus: b, ch: ch, kinds: kinds}, nil
}

// Close shuts the bus down; every open subscription channel is closed.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

func (b *Bus) unsubscribe(ch chan Event, kinds []Kind) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		// Shutdown already closed the channel.
		return
	}
	b.ps.Unsub(ch, kinds...)
}

// Subscription is a cancellable, long-lived registration on the bus.
type Subscription struct {
	bus   *Bus
	ch    chan Event
	kinds []Kind
	once  sync.Once
}

// C returns the delivery channel. It is closed once the subscription is
// cancelled or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Kinds returns the tags this subscription was registered for.
func (s *Subscription) Kinds() []Kind {
	return append([]Kind(nil), s.kinds...)
}

// Cancel unregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.ch, s.kinds)
	})
}
