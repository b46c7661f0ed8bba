// Package bridge is the device session bridge: it connects the consumer-facing
// API to a device-support delegate and turns bus events and stored history
// into consumer events.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/internal/groutine"
	"github.com/srg/ringbridge/internal/support"
	"github.com/srg/ringbridge/pkg/config"
	"github.com/srg/ringbridge/pkg/ring"
)

// Bridge is the consumer-facing entry point. Every operation other than
// AddListener requires a successful Start.
type Bridge struct {
	cfg      *config.Config
	boot     *env.Bootstrapper
	delegate support.DeviceSupport
	manager  support.Manager
	logger   *logrus.Logger
	notifier *Notifier

	mu         sync.Mutex
	env        *env.Environment
	controller *Controller
	reconciler *Reconciler
	cancel     context.CancelFunc
	done       chan struct{}
	now        func() time.Time
}

// New creates a Bridge. Nothing is bootstrapped until Start.
func New(cfg *config.Config, boot *env.Bootstrapper, delegate support.DeviceSupport, manager support.Manager, logger *logrus.Logger) *Bridge {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	return &Bridge{
		cfg:      cfg,
		boot:     boot,
		delegate: delegate,
		manager:  manager,
		logger:   logger,
		notifier: NewNotifier(logger),
		now:      time.Now,
	}
}

// Start bootstraps the environment and begins dispatching bus events.
// Calling Start on a started bridge is a no-op; a failed Start may be retried.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.controller != nil {
		return nil
	}
	if err := b.boot.EnsureReady(ctx); err != nil {
		return err
	}
	environment, err := b.boot.Environment()
	if err != nil {
		return err
	}

	controller, err := NewController(environment, b.delegate, b.manager, b.logger)
	if err != nil {
		return ring.NewError(ring.BootstrapFailure, "attach session controller", err)
	}
	sub, err := b.boot.Subscription()
	if err != nil {
		controller.Close()
		return err
	}

	b.env = environment
	b.controller = controller
	b.reconciler = NewReconciler(environment.Store, b.historyAddress, b.notifier, ReconcilerOptions{
		Window:            b.cfg.HistoryWindow,
		FallbackAnyDevice: b.cfg.FallbackAnyDevice,
		Now:               b.now,
	}, b.logger)

	adapter := NewEventAdapter(sub, b.notifier, b.reconciler, b.logger)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	groutine.Go(runCtx, "bridge-events", func(ctx context.Context) {
		defer close(done)
		adapter.Run(ctx)
	})

	b.logger.Info("Bridge started")
	return nil
}

// Stop ends the session, stops event dispatch and releases the bus
// subscription, so nothing published while stopped is delivered after the
// next Start. The environment stays bootstrapped; Start may be called again.
func (b *Bridge) Stop() {
	b.mu.Lock()
	controller, cancel, done := b.controller, b.cancel, b.done
	b.controller, b.reconciler, b.env, b.cancel, b.done = nil, nil, nil, nil, nil
	b.mu.Unlock()

	if controller == nil {
		return
	}
	controller.Close()
	cancel()
	<-done
	b.boot.ReleaseSubscription()
	b.logger.Info("Bridge stopped")
}

// AddListener registers fn for a consumer event and returns its remover.
func (b *Bridge) AddListener(event EventName, fn Listener) func() {
	return b.notifier.AddListener(event, fn)
}

// Notifier exposes the consumer event fan-out.
func (b *Bridge) Notifier() *Notifier {
	return b.notifier
}

func (b *Bridge) active() (*Controller, *Reconciler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.controller == nil {
		return nil, nil, ring.NewError(ring.NotReady, "bridge not started", nil)
	}
	return b.controller, b.reconciler, nil
}

// Connect starts a session with deviceID, a transport address.
func (b *Bridge) Connect(ctx context.Context, deviceID string) (ring.ConnectAck, error) {
	c, _, err := b.active()
	if err != nil {
		return ring.ConnectAck{}, err
	}
	return c.Connect(ctx, deviceID)
}

// Disconnect ends the session; without one it does nothing.
func (b *Bridge) Disconnect() error {
	c, _, err := b.active()
	if err != nil {
		return err
	}
	c.Disconnect()
	return nil
}

func (b *Bridge) MeasureHeartRate() error {
	c, _, err := b.active()
	if err != nil {
		return err
	}
	return c.MeasureHeartRate()
}

// FetchTemperatureHistory triggers the full sync chain.
func (b *Bridge) FetchTemperatureHistory() error {
	return b.fetchHistory()
}

// FetchSleepHistory triggers the full sync chain.
func (b *Bridge) FetchSleepHistory() error {
	return b.fetchHistory()
}

func (b *Bridge) fetchHistory() error {
	c, _, err := b.active()
	if err != nil {
		return err
	}
	return c.FetchFullHistory()
}

// SendCommand is reserved for raw device commands and currently does nothing.
func (b *Bridge) SendCommand() error {
	_, _, err := b.active()
	return err
}

// Identity returns the current device identity.
func (b *Bridge) Identity() (ring.DeviceIdentity, error) {
	c, _, err := b.active()
	if err != nil {
		return ring.DeviceIdentity{}, err
	}
	return c.Identity(), nil
}

// Reconcile runs a history pass on demand and returns its result without
// emitting onSyncFinished.
func (b *Bridge) Reconcile(ctx context.Context) (ring.SyncResult, error) {
	_, r, err := b.active()
	if err != nil {
		return ring.SyncResult{}, err
	}
	return r.Reconcile(ctx, false)
}

// historyAddress is the current device address, or the last one used when
// no device has been connected in this process.
func (b *Bridge) historyAddress() string {
	b.mu.Lock()
	c, e := b.controller, b.env
	b.mu.Unlock()

	if c == nil {
		return ring.PlaceholderAddress
	}
	id := c.Identity()
	if id.IsPlaceholder() && e != nil && e.Prefs != nil {
		if last := e.Prefs.GetString(env.KeyLastAddress); last != "" {
			return last
		}
	}
	return id.Address
}
