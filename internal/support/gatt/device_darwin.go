//go:build darwin

package gatt

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newHostDevice(id int) (ble.Device, error) {
	if id >= 0 {
		return nil, fmt.Errorf("adapter hci%d: CoreBluetooth only exposes the default adapter", id)
	}
	dev, err := darwin.NewDevice()
	if err != nil {
		return nil, err
	}
	return dev, nil
}
