//go:build linux

package gatt

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newHostDevice(id int) (ble.Device, error) {
	var opts []ble.Option
	if id >= 0 {
		opts = append(opts, ble.OptDeviceID(id))
	}
	dev, err := linux.NewDevice(opts...)
	if err != nil {
		return nil, err
	}
	return dev, nil
}
