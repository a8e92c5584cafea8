package sdk

// Fixed codes carried by published events.
const (
	// DataTypeBloodOxygen tags a real-time SpO2 sample.
	DataTypeBloodOxygen = 1538
	// CmdMeasurementComplete tags a device-to-app measurement result.
	CmdMeasurementComplete = 1038
)

// Event is a notification published by the SDK. Implementations are
// immutable once constructed.
type Event interface {
	sdkEvent()
}

// RealDataResponse carries a real-time measurement sample.
type RealDataResponse struct {
	DataType int
	Values   map[string]any
}

// ToAppDataResponse carries a raw device-to-app command payload.
type ToAppDataResponse struct {
	Cmd  int
	Data []byte
}

// BleStateEvent reports a link state transition.
type BleStateEvent struct {
	State ConnectionState
}

func (RealDataResponse) sdkEvent()  {}
func (ToAppDataResponse) sdkEvent() {}
func (BleStateEvent) sdkEvent()     {}
