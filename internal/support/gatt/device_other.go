//go:build !darwin && !linux

package gatt

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

func newHostDevice(int) (ble.Device, error) {
	return nil, fmt.Errorf("BLE is not supported on %s", runtime.GOOS)
}
