// Package sdk defines the contract of the vendor health-device SDK client.
//
// The SDK owns BLE discovery, the wire protocol and measurement parsing. The
// bridge treats it as an opaque collaborator: every operation is asynchronous
// and completes through a callback that may run on any goroutine, and device
// notifications are published to a single registered EventHandler.
package sdk

import "fmt"

// Code is a status code reported by SDK callbacks.
type Code int

const (
	CodeOK Code = iota
	CodeFailed
	CodeTimeout
	CodeNotConnected
	CodeUnsupported
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeFailed:
		return "failed"
	case CodeTimeout:
		return "timeout"
	case CodeNotConnected:
		return "not_connected"
	case CodeUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// ConnectionState is the SDK-owned link state. The bridge only reads it.
type ConnectionState int

const (
	StateDisconnected ConnectionState = 0
	StateConnecting   ConnectionState = 5
	StateConnected    ConnectionState = 10
)

// Measurement kinds accepted by AppStartMeasurement.
const (
	MeasureHeartRate     = 0
	MeasureBloodPressure = 1
	MeasureBloodOxygen   = 2
)

// Measurement switch values for AppStartMeasurement.
const (
	MeasureOff = 0
	MeasureOn  = 1
)

// Device identifies a discovered or connected peripheral.
type Device struct {
	Name string `json:"deviceName" yaml:"name"`
	MAC  string `json:"deviceMac" yaml:"mac"`
}

// Record is one raw history item as produced by the SDK.
type Record map[string]any

// History record keys.
const (
	KeyBloodOxygenValue = "bloodOxygenValue"
	KeyMeasurementDate  = "measurementDate"
)

type (
	// ConnectCallback reports the outcome of a connect attempt. dev may be nil.
	ConnectCallback func(code Code, dev *Device)
	// ScanCallback is invoked for each scan result. dev is nil on failure.
	ScanCallback func(code Code, dev *Device)
	// CodeCallback reports a bare status.
	CodeCallback func(code Code)
	// MeasureCallback receives measurement data pushed for a started measurement.
	MeasureCallback func(code Code, data map[string]any)
	// HistoryCallback receives stored history records; records may be nil.
	HistoryCallback func(code Code, records []Record)
	// EventHandler receives published device events.
	EventHandler func(ev Event)
)

// Client is the SDK surface used by the bridge.
type Client interface {
	ConnectLastDevice(cb ConnectCallback)
	StartScanBle(cb ScanCallback)
	StopScanBle()
	ConnectDevice(mac, name string, cb CodeCallback)
	Disconnect()
	ConnectState() ConnectionState
	AppStartMeasurement(onOff, kind int, cb MeasureCallback)
	AppGetBloodOxygenHistoryRecord(cb HistoryCallback)

	// SetEventHandler registers the single receiver of published events.
	// A nil handler unregisters.
	SetEventHandler(h EventHandler)

	Close() error
}
