package support

import (
	"time"

	"github.com/srg/ringbridge/internal/bus"
)

// DeviceState is the coarse link state a device reports.
type DeviceState int

const (
	StateNotConnected DeviceState = iota
	StateConnecting
	StateConnected
	StateSyncing
)

var stateNames = map[DeviceState]string{
	StateNotConnected: "NOT_CONNECTED",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateSyncing:      "SYNCING",
}

func (s DeviceState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// UnknownBattery is reported until the device has answered a battery read.
const UnknownBattery = -1

// DeviceSnapshot is the device-changed payload.
type DeviceSnapshot struct {
	Address string
	State   DeviceState
	Battery int
}

// StateString returns the state label.
func (d DeviceSnapshot) StateString() string { return d.State.String() }

// BatteryLevel returns the last known battery percentage.
func (d DeviceSnapshot) BatteryLevel() int { return d.Battery }

// HeartRateSample is a realtime-sample payload carrying one heart-rate reading.
type HeartRateSample struct {
	Timestamp time.Time
	HeartRate int
}

// ActivitySample is a realtime-sample payload carrying one activity reading.
type ActivitySample struct {
	Timestamp time.Time
	Steps     int
	Calories  int
	Distance  int
}

// Publisher is the subset of *bus.Bus device support needs.
type Publisher interface {
	Publish(kind bus.Kind, payload any)
}

// PublishState reports a device state change.
func PublishState(p Publisher, snapshot DeviceSnapshot) {
	p.Publish(bus.KindDeviceChanged, snapshot)
}

// PublishSample reports a realtime sample.
func PublishSample(p Publisher, sample any) {
	p.Publish(bus.KindRealtimeSample, sample)
}

// PublishSyncFinished signals the end of a sync chain.
func PublishSyncFinished(p Publisher) {
	p.Publish(bus.KindSyncFinished, nil)
}
