package bridge

import (
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// EventName is a consumer-facing event.
type EventName string

const (
	EventData             EventName = "onData"
	EventConnectionChange EventName = "onConnectionChange"
	EventSyncFinished     EventName = "onSyncFinished"
)

// Events lists every consumer event.
var Events = []EventName{EventData, EventConnectionChange, EventSyncFinished}

// Listener receives one consumer event. It runs on the bus delivery goroutine
// and must return quickly.
type Listener func(event EventName, payload any)

type listenerEntry struct {
	event EventName
	fn    Listener
}

// Notifier fans consumer events out to registered listeners. Delivery is
// fire-and-forget: with no listener for an event the event is dropped.
type Notifier struct {
	listeners *hashmap.Map[uint64, listenerEntry]
	nextID    atomic.Uint64
	dropped   atomic.Uint64
	logger    *logrus.Logger
}

func NewNotifier(logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Notifier{
		listeners: hashmap.New[uint64, listenerEntry](),
		logger:    logger,
	}
}

// AddListener registers fn for event and returns a func that removes it.
func (n *Notifier) AddListener(event EventName, fn Listener) (remove func()) {
	id := n.nextID.Inc()
	n.listeners.Set(id, listenerEntry{event: event, fn: fn})
	return func() {
		n.listeners.Del(id)
	}
}

// Notify delivers payload to every listener of event and returns how many received it.
func (n *Notifier) Notify(event EventName, payload any) int {
	delivered := 0
	n.listeners.Range(func(id uint64, entry listenerEntry) bool {
		if entry.event != event {
			return true
		}
		if err := n.call(entry.fn, event, payload); err != nil {
			n.logger.WithFields(logrus.Fields{
				"event":    event,
				"listener": id,
				"error":    err,
			}).Error("Listener failed")
			return true
		}
		delivered++
		return true
	})

	if delivered == 0 {
		n.dropped.Inc()
		n.logger.WithField("event", event).Debug("No listener, event dropped")
	}
	return delivered
}

// Dropped returns how many events found no listener.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *Notifier) call(fn Listener, event EventName, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	fn(event, payload)
	return nil
}
