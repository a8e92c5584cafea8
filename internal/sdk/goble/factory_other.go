//go:build !darwin && !linux

package goble

import "github.com/go-ble/ble"

// DeviceFactory reports ErrUnsupported on platforms without a go-ble backend.
var DeviceFactory = func() (ble.Device, error) {
	return nil, ErrUnsupported
}
