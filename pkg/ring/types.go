// Package ring defines the consumer-facing data model of the ring bridge:
// device identity, connection state, live telemetry and reconciled history.
//
// Every payload type in this package serializes to the exact JSON shape the
// host application receives, so field names here are part of the external API.
package ring

import (
	"encoding/json"
	"fmt"
)

// PlaceholderAddress is the transport address used before any connect call.
const PlaceholderAddress = "00:00:00:00:00:00"

// DefaultDisplayName is used when preferences carry no display name.
const DefaultDisplayName = "RingBridge"

// StatusConnecting is the acknowledgment returned by a successful connect call.
const StatusConnecting = "connecting"

// DeviceKind classifies the wearable behind a DeviceIdentity.
type DeviceKind int

const (
	KindUnknown DeviceKind = iota
	KindRing
)

func (k DeviceKind) String() string {
	switch k {
	case KindRing:
		return "ring"
	default:
		return "unknown"
	}
}

// DeviceIdentity is the logical identity of the single device a session talks to.
type DeviceIdentity struct {
	Address     string
	DisplayName string
	Kind        DeviceKind
}

// NewDeviceIdentity creates an identity for address, falling back to
// DefaultDisplayName when name is empty.
func NewDeviceIdentity(address, name string) DeviceIdentity {
	if name == "" {
		name = DefaultDisplayName
	}
	return DeviceIdentity{
		Address:     address,
		DisplayName: name,
		Kind:        KindUnknown,
	}
}

// IsPlaceholder reports whether the identity still carries the load-time address.
func (d DeviceIdentity) IsPlaceholder() bool {
	return d.Address == PlaceholderAddress
}

// ConnectAck is returned by connect once the delegate accepted the request.
// The link itself comes up later and is reported through ConnectionState events.
type ConnectAck struct {
	Status string `json:"status"`
}

// ConnectionState is derived from each device-changed event and never stored.
type ConnectionState struct {
	State        string `json:"state"`
	BatteryLevel int    `json:"batteryLevel"`
}

// SampleKind tags the variant of a TelemetrySample.
type SampleKind int

const (
	SampleHeartRate SampleKind = iota + 1
	SampleActivity
)

// TelemetrySample is a live sample forwarded to the consumer exactly once.
// The set of variants is closed: HeartRate and Activity.
type TelemetrySample interface {
	Kind() SampleKind
	isTelemetrySample()
}

// HeartRate is a live heart-rate reading in beats per minute.
type HeartRate struct {
	HeartRate int `json:"heartRate"`
}

func (HeartRate) Kind() SampleKind { return SampleHeartRate }
func (HeartRate) isTelemetrySample() {}

// Activity is a live activity reading.
type Activity struct {
	Steps          int `json:"steps"`
	Calories       int `json:"calories"`
	DistanceMeters int `json:"distance"`
}

func (Activity) Kind() SampleKind { return SampleActivity }
func (Activity) isTelemetrySample() {}

// HistoryPayload is the per-table part of a HistoryRecord.
type HistoryPayload interface {
	isHistoryPayload()
}

// HeartRateFields is the payload of a heart-rate history row.
type HeartRateFields struct {
	HeartRate int
}

func (HeartRateFields) isHistoryPayload() {}

// ActivityFields is the payload of an activity history row.
type ActivityFields struct {
	Steps    int
	Calories int
	Distance int
}

func (ActivityFields) isHistoryPayload() {}

// HistoryRecord is an immutable snapshot of one stored sample.
type HistoryRecord struct {
	TimestampMillis int64
	Payload         HistoryPayload
}

// MarshalJSON flattens the payload next to the timestamp.
func (r HistoryRecord) MarshalJSON() ([]byte, error) {
	switch p := r.Payload.(type) {
	case HeartRateFields:
		return json.Marshal(struct {
			Timestamp int64 `json:"timestamp"`
			HeartRate int   `json:"heartRate"`
		}{r.TimestampMillis, p.HeartRate})
	case ActivityFields:
		return json.Marshal(struct {
			Timestamp int64 `json:"timestamp"`
			Steps     int   `json:"steps"`
			Calories  int   `json:"calories"`
			Distance  int   `json:"distance"`
		}{r.TimestampMillis, p.Steps, p.Calories, p.Distance})
	default:
		return nil, fmt.Errorf("unsupported history payload %T", r.Payload)
	}
}

// History groups the reconciled record sets.
type History struct {
	HeartRate []HistoryRecord `json:"heartRate"`
	Activity  []HistoryRecord `json:"activity"`
}

// SyncResult is the payload of the sync-finished consumer event.
type SyncResult struct {
	SyncFinished bool    `json:"syncFinished"`
	History      History `json:"history"`
}

// NewSyncResult assembles a finished result. Nil sections become empty
// slices so they serialize as [] rather than null.
func NewSyncResult(heartRate, activity []HistoryRecord) SyncResult {
	if heartRate == nil {
		heartRate = []HistoryRecord{}
	}
	if activity == nil {
		activity = []HistoryRecord{}
	}
	return SyncResult{
		SyncFinished: true,
		History: History{
			HeartRate: heartRate,
			Activity:  activity,
		},
	}
}
