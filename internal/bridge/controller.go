package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/internal/support"
	"github.com/srg/ringbridge/pkg/ring"
)

// Controller owns the device identity and drives the device-support delegate.
type Controller struct {
	env      *env.Environment
	delegate support.DeviceSupport
	manager  support.Manager
	logger   *logrus.Logger

	mu       sync.Mutex
	identity ring.DeviceIdentity
	session  bool
}

// NewController claims environment for the new controller; a second
// controller on the same environment fails with env.ErrSessionClaimed.
func NewController(environment *env.Environment, delegate support.DeviceSupport, manager support.Manager, logger *logrus.Logger) (*Controller, error) {
	if err := environment.ClaimSession(); err != nil {
		return nil, err
	}
	if manager == nil {
		manager = support.StaticManager{}
	}
	return &Controller{
		env:      environment,
		delegate: delegate,
		manager:  manager,
		logger:   logger,
		identity: ring.NewDeviceIdentity(ring.PlaceholderAddress, displayName(environment)),
	}, nil
}

func displayName(e *env.Environment) string {
	if e != nil && e.Prefs != nil {
		if name := e.Prefs.GetString(env.KeyDisplayName); name != "" {
			return name
		}
	}
	return ring.DefaultDisplayName
}

// Identity returns the current device identity.
func (c *Controller) Identity() ring.DeviceIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connected reports whether a session exists.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect starts a session with the device at address. The returned ack only
// means the delegate accepted the request.
func (c *Controller) Connect(ctx context.Context, address string) (ring.ConnectAck, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return ring.ConnectAck{}, ring.NewError(ring.InvalidArgument, "must provide deviceId", nil)
	}
	if err := ctx.Err(); err != nil {
		return ring.ConnectAck{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session {
		c.logger.WithField("address", c.identity.Address).Info("Replacing existing session")
		c.delegate.Disconnect()
		c.session = false
	}

	adapter, err := c.manager.Adapter()
	if err != nil {
		return ring.ConnectAck{}, ring.NewError(ring.ConnectionRejected, "no BLE adapter", err)
	}

	c.identity = ring.NewDeviceIdentity(address, displayName(c.env))
	c.identity.Kind = ring.KindRing
	c.delegate.SetContext(c.identity, adapter, c.env)

	if !c.delegate.Connect() {
		c.logger.WithField("address", address).Warn("Device support rejected connection")
		return ring.ConnectAck{}, ring.NewError(ring.ConnectionRejected, "device support rejected connection to "+address, nil)
	}
	c.session = true

	if c.env.Prefs != nil {
		if err := c.env.Prefs.Set(env.KeyLastAddress, address); err != nil {
			c.logger.WithError(err).Warn("Failed to remember device address")
		}
	}

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"adapter": adapter.Name(),
	}).Info("Connecting to device")
	return ring.ConnectAck{Status: ring.StatusConnecting}, nil
}

// Disconnect ends the session, if any.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session {
		return
	}
	c.delegate.Disconnect()
	c.session = false
	c.logger.WithField("address", c.identity.Address).Info("Disconnected from device")
}

// MeasureHeartRate asks the device for a one-shot heart-rate measurement.
func (c *Controller) MeasureHeartRate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session {
		return ring.NewError(ring.NotConnected, "measure heart rate", nil)
	}
	c.delegate.OnHeartRateTest()
	return nil
}

// FetchFullHistory triggers the device's whole sync chain from epoch 0.
func (c *Controller) FetchFullHistory() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session {
		return ring.NewError(ring.NotConnected, "fetch history", nil)
	}
	c.delegate.OnFetchRecordedData(0)
	return nil
}

// Close ends any session and releases the environment.
func (c *Controller) Close() {
	c.Disconnect()
	c.env.ReleaseSession()
}
