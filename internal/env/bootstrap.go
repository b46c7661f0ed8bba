package env

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ringbridge/internal/bus"
	"github.com/srg/ringbridge/internal/store"
	"github.com/srg/ringbridge/pkg/config"
	"github.com/srg/ringbridge/pkg/ring"
)

// BridgeKinds are the bus tags the bridge subscribes to during bootstrap.
var BridgeKinds = []bus.Kind{bus.KindRealtimeSample, bus.KindDeviceChanged, bus.KindSyncFinished}

// StoreOpener opens the storage handle; replaceable for tests.
type StoreOpener func(path string) (*store.Store, error)

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithStoreOpener overrides how the storage handle is opened.
func WithStoreOpener(open StoreOpener) Option {
	return func(b *Bootstrapper) {
		b.openStore = open
	}
}

// WithClock overrides the time source used for AppContext.Started.
func WithClock(now func() time.Time) Option {
	return func(b *Bootstrapper) {
		b.now = now
	}
}

// Bootstrapper performs the one-time environment setup.
//
// EnsureReady is safe to call any number of times from any goroutine. Slots
// attached by a failed attempt are kept, so a retry never opens a second
// storage handle.
type Bootstrapper struct {
	cfg    *config.Config
	bus    *bus.Bus
	logger *logrus.Logger

	openStore StoreOpener
	now       func() time.Time

	mu    sync.Mutex
	ready bool
	env   Environment
}

// NewBootstrapper creates a Bootstrapper for cfg publishing on b.
func NewBootstrapper(cfg *config.Config, b *bus.Bus, logger *logrus.Logger, opts ...Option) *Bootstrapper {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	bs := &Bootstrapper{
		cfg:       cfg,
		bus:       b,
		logger:    logger,
		openStore: store.Open,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(bs)
	}
	return bs
}

// EnsureReady runs the bootstrap steps that have not completed yet.
// Failures are logged and returned as a BootstrapFailure; the bootstrapper
// stays not-ready and the next call retries.
func (b *Bootstrapper) EnsureReady(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.bootstrap(ctx); err != nil {
		b.logger.WithError(err).Error("Environment bootstrap failed")
		return ring.NewError(ring.BootstrapFailure, "environment bootstrap failed", err)
	}

	b.ready = true
	b.logger.WithFields(logrus.Fields{
		"data_dir": b.env.App.DataDir,
		"database": b.env.Store.Path(),
	}).Info("Environment ready")
	return nil
}

func (b *Bootstrapper) bootstrap(ctx context.Context) error {
	// 1. application context
	if b.env.App == nil {
		if err := os.MkdirAll(b.cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		b.env.App = &AppContext{
			Name:    config.AppName,
			DataDir: b.cfg.DataDir,
			Started: b.now(),
		}
		b.logger.WithField("data_dir", b.cfg.DataDir).Debug("Application context attached")
	}

	// 2. preferences
	if b.env.Prefs == nil {
		prefs, err := OpenPreferences(b.cfg.PreferencesPath(), ring.DefaultDisplayName)
		if err != nil {
			return fmt.Errorf("attach preferences: %w", err)
		}
		b.env.Prefs = prefs
		b.logger.WithField("path", prefs.Path()).Debug("Preferences attached")
	}

	// 3. verify preferences
	if err := b.env.Prefs.Verify(); err != nil {
		return fmt.Errorf("verify preferences: %w", err)
	}

	// 4. storage handle, opened at most once
	if b.env.Store == nil {
		st, err := b.openStore(b.cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open storage handle: %w", err)
		}
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return fmt.Errorf("storage unreachable: %w", err)
		}
		b.env.Store = st
		b.logger.WithField("path", b.cfg.DatabasePath()).Debug("Storage handle attached")
	}

	// 5. bus subscription
	if b.env.Events == nil {
		if b.bus == nil {
			return fmt.Errorf("no event bus configured")
		}
		sub, err := b.bus.Subscribe(BridgeKinds...)
		if err != nil {
			return fmt.Errorf("register bus subscription: %w", err)
		}
		b.env.Events = sub
		b.env.Bus = b.bus
		b.logger.WithField("kinds", BridgeKinds).Debug("Bus subscription registered")
	}

	b.env.Logger = b.logger
	return nil
}

// Ready reports whether EnsureReady has completed successfully.
func (b *Bootstrapper) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Environment returns the bootstrapped environment or ring.ErrNotReady.
func (b *Bootstrapper) Environment() (*Environment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil, ring.NewError(ring.NotReady, "environment not bootstrapped", nil)
	}
	return &b.env, nil
}

// Subscription returns the bridge's bus subscription, registering a new one
// when ReleaseSubscription dropped the previous registration.
func (b *Bootstrapper) Subscription() (*bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil, ring.NewError(ring.NotReady, "environment not bootstrapped", nil)
	}
	if b.env.Events == nil {
		sub, err := b.bus.Subscribe(BridgeKinds...)
		if err != nil {
			return nil, fmt.Errorf("register bus subscription: %w", err)
		}
		b.env.Events = sub
		b.logger.WithField("kinds", BridgeKinds).Debug("Bus subscription registered")
	}
	return b.env.Events, nil
}

// ReleaseSubscription cancels the bus subscription. Whatever it buffered is
// discarded and events published until the next Subscription call are dropped.
func (b *Bootstrapper) ReleaseSubscription() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.env.Events != nil {
		b.env.Events.Cancel()
		b.env.Events = nil
		b.logger.Debug("Bus subscription released")
	}
}

// Close releases the bus subscription and the storage handle.
func (b *Bootstrapper) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ready = false
	if b.env.Events != nil {
		b.env.Events.Cancel()
		b.env.Events = nil
	}
	if b.env.Store != nil {
		err := b.env.Store.Close()
		b.env.Store = nil
		if err != nil {
			return fmt.Errorf("close storage handle: %w", err)
		}
	}
	return nil
}
