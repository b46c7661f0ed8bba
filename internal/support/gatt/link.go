package gatt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Standard GATT characteristics read by the delegate.
var (
	BatteryLevelUUID         = ble.UUID16(0x2A19)
	HeartRateMeasurementUUID = ble.UUID16(0x2A37)
)

// Ring UART service and its RX (client -> device) command characteristic.
var (
	RingServiceUUID = ble.MustParse("6E40FFF0-B5A3-F393-E0A9-E50E24DCCA9E")
	RingRxCharUUID  = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
)

// ErrCharacteristicMissing is returned when the device lacks a characteristic an operation needs.
var ErrCharacteristicMissing = errors.New("characteristic not found")

// Link is the part of a GATT connection the delegate uses.
type Link interface {
	ReadBattery() (int, error)
	SubscribeHeartRate(handler func([]byte)) error
	WriteCommand(frame []byte) error
	// Disconnected is closed when the peer drops the link. May return nil.
	Disconnected() <-chan struct{}
	Close() error
}

// Dialer opens a Link to address through the named host adapter. ctx bounds the dial only.
type Dialer func(ctx context.Context, adapter, address string, logger *logrus.Logger) (Link, error)

// DeviceFactory creates the host ble.Device for an adapter id; id < 0 selects
// the platform default (can be overridden in tests).
var DeviceFactory = newHostDevice

var (
	hostMu      sync.Mutex
	hostDevices = map[int]ble.Device{}
)

// ParseAdapterID maps an adapter name to a host controller index.
// "" and "default" give -1; "hci1" and "1" give 1.
func ParseAdapterID(name string) (int, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "default" {
		return -1, nil
	}
	id, err := strconv.Atoi(strings.TrimPrefix(name, "hci"))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid adapter %q: want \"default\" or hciN", name)
	}
	return id, nil
}

// hostDevice returns the ble.Device for adapter, creating it on first use.
func hostDevice(adapter string) (ble.Device, error) {
	id, err := ParseAdapterID(adapter)
	if err != nil {
		return nil, err
	}

	hostMu.Lock()
	defer hostMu.Unlock()
	if dev, ok := hostDevices[id]; ok {
		return dev, nil
	}
	dev, err := DeviceFactory(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device for adapter %q: %w", adapter, err)
	}
	hostDevices[id] = dev
	return dev, nil
}

type bleLink struct {
	client  ble.Client
	battery *ble.Characteristic
	hr      *ble.Characteristic
	rx      *ble.Characteristic

	writeMu sync.Mutex
}

// DialBLE connects to address through adapter over go-ble and resolves the
// characteristics the delegate uses.
func DialBLE(ctx context.Context, adapter, address string, logger *logrus.Logger) (Link, error) {
	dev, err := hostDevice(adapter)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"adapter": adapter,
		"address": address,
	}).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	l := &bleLink{client: client}
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			switch {
			case char.UUID.Equal(BatteryLevelUUID):
				l.battery = char
			case char.UUID.Equal(HeartRateMeasurementUUID):
				l.hr = char
			case svc.UUID.Equal(RingServiceUUID) && char.UUID.Equal(RingRxCharUUID):
				l.rx = char
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"address":    address,
		"services":   len(profile.Services),
		"battery":    l.battery != nil,
		"heart_rate": l.hr != nil,
		"command":    l.rx != nil,
	}).Info("BLE device connected")
	return l, nil
}

func (l *bleLink) ReadBattery() (int, error) {
	if l.battery == nil {
		return 0, fmt.Errorf("battery level: %w", ErrCharacteristicMissing)
	}
	data, err := l.client.ReadCharacteristic(l.battery)
	if err != nil {
		return 0, fmt.Errorf("read battery level: %w", err)
	}
	if len(data) == 0 {
		return 0, errors.New("empty battery level value")
	}
	return int(data[0]), nil
}

func (l *bleLink) SubscribeHeartRate(handler func([]byte)) error {
	if l.hr == nil {
		return fmt.Errorf("heart rate measurement: %w", ErrCharacteristicMissing)
	}
	if err := l.client.Subscribe(l.hr, false, handler); err != nil {
		return fmt.Errorf("subscribe heart rate measurement: %w", err)
	}
	return nil
}

func (l *bleLink) WriteCommand(frame []byte) error {
	if l.rx == nil {
		return fmt.Errorf("command channel: %w", ErrCharacteristicMissing)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.client.WriteCharacteristic(l.rx, frame, false); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

func (l *bleLink) Disconnected() <-chan struct{} {
	if dc, ok := l.client.(interface{ Disconnected() <-chan struct{} }); ok {
		return dc.Disconnected()
	}
	return nil
}

func (l *bleLink) Close() error {
	if l.hr != nil {
		_ = l.client.Unsubscribe(l.hr, false)
	}
	return l.client.CancelConnection()
}
