// Package support defines the contract between the bridge and a device-support
// implementation, plus the payloads such implementations publish on the bus.
package support

import (
	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/pkg/ring"
)

// Adapter is a handle to the host's BLE adapter.
type Adapter interface {
	// Name identifies the adapter, e.g. "hci0" or "default".
	Name() string
}

// Manager hands out the host BLE adapter.
type Manager interface {
	Adapter() (Adapter, error)
}

// DeviceSupport drives one physical device. Calls return quickly; transport
// work runs asynchronously and reports back through the environment's bus.
type DeviceSupport interface {
	SetContext(identity ring.DeviceIdentity, adapter Adapter, environment *env.Environment)
	// Connect starts connecting and reports whether the attempt was accepted.
	Connect() bool
	Disconnect()
	OnHeartRateTest()
	// OnFetchRecordedData runs the full sync chain for records newer than since (unix seconds).
	OnFetchRecordedData(since int64)
}

// DefaultAdapterName selects the platform's default BLE controller.
const DefaultAdapterName = "default"

// StaticAdapter is an Adapter known only by name.
type StaticAdapter string

func (a StaticAdapter) Name() string { return string(a) }

// StaticManager always returns the same adapter.
type StaticManager struct {
	Default Adapter
}

// Adapter returns the configured adapter, or the default one when none is set.
func (m StaticManager) Adapter() (Adapter, error) {
	if m.Default == nil || m.Default.Name() == "" {
		return StaticAdapter(DefaultAdapterName), nil
	}
	return m.Default, nil
}
