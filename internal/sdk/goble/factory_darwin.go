//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory opens the host adapter. Overridden in tests.
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
