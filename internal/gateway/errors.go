package gateway

import "errors"

// Failure codes reported to callers.
const (
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeScanTimeout      = "SCAN_TIMEOUT"
	CodeInvalidType      = "INVALID_TYPE"
	CodeBridgeClosed     = "BRIDGE_CLOSED"
)

// Human-readable messages paired with the failure codes.
const (
	msgConnectionFailed = "failed to connect device"
	msgScanTimeout      = "no device found"
	msgInvalidType      = "unsupported measurement type"
	msgBridgeClosed     = "bridge is closed"
)

// ErrReplyResolved is returned when a reply that already delivered its outcome
// is resolved again.
var ErrReplyResolved = errors.New("reply already resolved")
