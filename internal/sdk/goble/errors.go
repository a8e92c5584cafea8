package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/oxibridge/internal/sdk"
)

var (
	ErrBluetoothOff     = errors.New("bluetooth is turned off")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrUnsupported      = errors.New("BLE is not supported on this platform")
	ErrNoPLXService     = errors.New("device does not expose the pulse oximeter service")
)

// NormalizeError maps known go-ble error strings to the sentinels above,
// wrapping the original error.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "central manager has invalid state"),
		containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// codeFor converts an operation error to the status code reported to callbacks.
func codeFor(err error) sdk.Code {
	switch {
	case err == nil:
		return sdk.CodeOK
	case errors.Is(err, context.DeadlineExceeded):
		return sdk.CodeTimeout
	case errors.Is(err, ErrNotConnected):
		return sdk.CodeNotConnected
	case errors.Is(err, ErrUnsupported):
		return sdk.CodeUnsupported
	default:
		return sdk.CodeFailed
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
