package main

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/sdk/goble"
	"github.com/srg/oxibridge/internal/transport"
)

// Command-level errors
var (
	// ErrStreamFailed indicates the event stream ended with an error frame or a
	// broken connection rather than a clean end of stream.
	ErrStreamFailed = errors.New("event stream failed")

	// ErrInvalidArgument indicates a malformed --arg value.
	ErrInvalidArgument = errors.New("invalid argument")
)

// FormatUserError renders err for the terminal. Known failures get a short
// explanation; everything else is printed as is.
func FormatUserError(err error) string {
	var callErr *channel.CallError
	switch {
	case errors.As(err, &callErr):
		if callErr.Details != nil {
			return fmt.Sprintf("%s: %s (%v)", callErr.Code, callErr.Message, callErr.Details)
		}
		return fmt.Sprintf("%s: %s", callErr.Code, callErr.Message)
	case errors.Is(err, channel.ErrNotImplemented):
		return "the bridge does not implement this method"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "cannot reach the bridge, is `oxibridge serve` running?"
	case errors.Is(err, transport.ErrClosed):
		return fmt.Sprintf("connection to the bridge lost: %v", err)
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off"
	case errors.Is(err, goble.ErrUnsupported):
		return "the ble backend is not supported on this platform, use backend: sim"
	default:
		return err.Error()
	}
}
