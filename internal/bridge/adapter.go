package bridge

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/srg/ringbridge/internal/bus"
	"github.com/srg/ringbridge/internal/support"
	"github.com/srg/ringbridge/pkg/ring"
)

// DeviceHandle is what a device-changed payload exposes.
type DeviceHandle interface {
	StateString() string
	BatteryLevel() int
}

// SyncHandler is invoked for every sync-finished event.
type SyncHandler interface {
	OnSyncFinished(ctx context.Context)
}

// EventAdapter translates bus events into consumer events.
type EventAdapter struct {
	sub      *bus.Subscription
	notifier *Notifier
	sync     SyncHandler
	logger   *logrus.Logger
}

func NewEventAdapter(sub *bus.Subscription, notifier *Notifier, sync SyncHandler, logger *logrus.Logger) *EventAdapter {
	return &EventAdapter{sub: sub, notifier: notifier, sync: sync, logger: logger}
}

// Run dispatches events until the subscription closes or ctx is done.
func (a *EventAdapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.sub.C():
			if !ok {
				a.logger.Debug("Bus subscription closed")
				return
			}
			a.Dispatch(ctx, ev)
		}
	}
}

// Dispatch handles a single bus event on the caller's goroutine.
func (a *EventAdapter) Dispatch(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.KindRealtimeSample:
		sample, ok := toTelemetry(ev.Payload)
		if !ok {
			a.logger.WithField("payload", ev.Payload).Debug("Ignoring unknown sample variant")
			return
		}
		a.notifier.Notify(EventData, sample)

	case bus.KindDeviceChanged:
		handle, ok := ev.Payload.(DeviceHandle)
		if !ok {
			a.logger.WithField("payload", ev.Payload).Debug("Ignoring device-changed payload without state")
			return
		}
		a.notifier.Notify(EventConnectionChange, ring.ConnectionState{
			State:        handle.StateString(),
			BatteryLevel: handle.BatteryLevel(),
		})

	case bus.KindSyncFinished:
		if a.sync != nil {
			a.sync.OnSyncFinished(ctx)
		}

	default:
		a.logger.WithField("kind", ev.Kind).Debug("Ignoring unknown bus event")
	}
}

func toTelemetry(payload any) (ring.TelemetrySample, bool) {
	switch p := payload.(type) {
	case support.HeartRateSample:
		return ring.HeartRate{HeartRate: p.HeartRate}, true
	case *support.HeartRateSample:
		if p == nil {
			return nil, false
		}
		return ring.HeartRate{HeartRate: p.HeartRate}, true
	case support.ActivitySample:
		return ring.Activity{Steps: p.Steps, Calories: p.Calories, DistanceMeters: p.Distance}, true
	case *support.ActivitySample:
		if p == nil {
			return nil, false
		}
		return ring.Activity{Steps: p.Steps, Calories: p.Calories, DistanceMeters: p.Distance}, true
	default:
		return nil, false
	}
}
