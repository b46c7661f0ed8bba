package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/srg/ringbridge/internal/store"
	"github.com/srg/ringbridge/pkg/ring"
)

// DefaultHistoryWindow bounds how far back a reconciliation pass reads.
const DefaultHistoryWindow = 24 * time.Hour

// ErrReconcileInFlight is returned when a sync-finished pass arrives while
// another sync-finished pass is running.
var ErrReconcileInFlight = errors.New("reconciliation already in progress")

// HistoryStore is the storage a Reconciler reads from.
type HistoryStore interface {
	DeviceIDByAddress(ctx context.Context, address string) (int64, bool, error)
	FirstDeviceID(ctx context.Context) (int64, bool, error)
	HeartRateSince(ctx context.Context, deviceID, since int64) ([]store.HeartRateRow, error)
	ActivitySince(ctx context.Context, deviceID, since int64) ([]store.ActivityRow, error)
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	Window time.Duration
	// FallbackAnyDevice uses the first device row when the address has none.
	FallbackAnyDevice bool
	Now               func() time.Time
}

// Reconciler turns stored samples into a SyncResult once a sync finishes.
// Passes never overlap. A sync-finished pass arriving while another
// sync-finished pass runs is dropped; on-demand passes queue behind whatever
// runs and never cause a sync-finished pass to be dropped.
type Reconciler struct {
	store    HistoryStore
	address  func() string
	notifier *Notifier
	opts     ReconcilerOptions
	logger   *logrus.Logger

	syncing atomic.Bool
	passMu  sync.Mutex
}

func NewReconciler(st HistoryStore, address func() string, notifier *Notifier, opts ReconcilerOptions, logger *logrus.Logger) *Reconciler {
	if opts.Window <= 0 {
		opts.Window = DefaultHistoryWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		store:    st,
		address:  address,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// OnSyncFinished runs a pass and emits its result. Errors are logged only.
func (r *Reconciler) OnSyncFinished(ctx context.Context) {
	if _, err := r.Reconcile(ctx, true); err != nil && !errors.Is(err, ErrReconcileInFlight) {
		r.logger.WithError(err).Warn("History reconciliation aborted")
	}
}

// Reconcile reads the history window for the current device. With emit set
// the result is also delivered as onSyncFinished.
//
// Resolution failures abort the pass with no event. A failing table query
// is logged and leaves that section empty.
func (r *Reconciler) Reconcile(ctx context.Context, emit bool) (ring.SyncResult, error) {
	if emit {
		if !r.syncing.CompareAndSwap(false, true) {
			r.logger.Warn("Sync finished while a reconciliation is running, dropped")
			return ring.SyncResult{}, ErrReconcileInFlight
		}
		defer r.syncing.Store(false)
	}
	r.passMu.Lock()
	defer r.passMu.Unlock()

	address := r.address()
	log := r.logger.WithFields(logrus.Fields{
		"pass":    uuid.NewString(),
		"address": address,
	})

	deviceID, err := r.resolveDevice(ctx, address, log)
	if err != nil {
		log.WithError(err).Error("Device id resolution failed")
		return ring.SyncResult{}, err
	}

	since := r.opts.Now().Unix() - int64(r.opts.Window/time.Second)
	log = log.WithFields(logrus.Fields{"device_id": deviceID, "since": since})

	heartRate := []ring.HistoryRecord{}
	if rows, err := r.store.HeartRateSince(ctx, deviceID, since); err != nil {
		log.WithError(ring.NewError(ring.StorageQueryFailure, "heart rate query", err)).Error("Heart rate history unavailable")
	} else {
		for _, row := range rows {
			heartRate = append(heartRate, ring.HistoryRecord{
				TimestampMillis: row.Timestamp * 1000,
				Payload:         ring.HeartRateFields{HeartRate: row.HeartRate},
			})
		}
	}

	activity := []ring.HistoryRecord{}
	if rows, err := r.store.ActivitySince(ctx, deviceID, since); err != nil {
		log.WithError(ring.NewError(ring.StorageQueryFailure, "activity query", err)).Error("Activity history unavailable")
	} else {
		for _, row := range rows {
			activity = append(activity, ring.HistoryRecord{
				TimestampMillis: row.Timestamp * 1000,
				Payload:         ring.ActivityFields{Steps: row.Steps, Calories: row.Calories, Distance: row.Distance},
			})
		}
	}

	result := ring.NewSyncResult(heartRate, activity)
	log.WithFields(logrus.Fields{
		"heart_rate": len(heartRate),
		"activity":   len(activity),
	}).Info("History reconciled")

	if emit {
		r.notifier.Notify(EventSyncFinished, result)
	}
	return result, nil
}

func (r *Reconciler) resolveDevice(ctx context.Context, address string, log *logrus.Entry) (int64, error) {
	id, ok, err := r.store.DeviceIDByAddress(ctx, address)
	if err != nil {
		return 0, ring.NewError(ring.StorageQueryFailure, "device lookup", err)
	}
	if ok {
		return id, nil
	}

	if !r.opts.FallbackAnyDevice {
		return 0, ring.NewError(ring.IdentifierResolutionFailure, "no device row for "+address, nil)
	}

	id, ok, err = r.store.FirstDeviceID(ctx)
	if err != nil {
		return 0, ring.NewError(ring.StorageQueryFailure, "fallback device lookup", err)
	}
	if !ok {
		return 0, ring.NewError(ring.IdentifierResolutionFailure, "no device rows", nil)
	}
	log.WithField("device_id", id).Warn("Address not in device table, using first device row")
	return id, nil
}
