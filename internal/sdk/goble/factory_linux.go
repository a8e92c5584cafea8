//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory opens the first HCI adapter. Overridden in tests.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
