// Package env bootstraps the shared runtime environment the device-support
// subsystem expects: application context, preferences, the sample store and
// the bridge's subscription on the system event bus.
package env

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/srg/ringbridge/internal/bus"
	"github.com/srg/ringbridge/internal/store"
)

// ErrSessionClaimed is returned when a second session controller tries to
// attach to the same environment.
var ErrSessionClaimed = errors.New("environment already has a session controller")

// AppContext is the application-wide context handed to device support.
type AppContext struct {
	Name    string
	DataDir string
	Started time.Time
}

// Environment is the set of shared slots filled by a successful bootstrap.
type Environment struct {
	App    *AppContext
	Prefs  *Preferences
	Store  *store.Store
	Bus    *bus.Bus
	Events *bus.Subscription
	Logger *logrus.Logger

	claimed atomic.Bool
}

// ClaimSession reserves the environment for one session controller.
func (e *Environment) ClaimSession() error {
	if !e.claimed.CompareAndSwap(false, true) {
		return ErrSessionClaimed
	}
	return nil
}

// ReleaseSession undoes ClaimSession.
func (e *Environment) ReleaseSession() {
	e.claimed.Store(false)
}
