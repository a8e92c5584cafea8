package relay

import (
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/sdk"
)

// Event stream method names.
const (
	MethodRealTimeData           = "onRealTimeData"
	MethodMeasurementComplete    = "onMeasurementComplete"
	MethodConnectionStateChanged = "onConnectionStateChanged"
)

// DeviceEvent is a recognized SDK notification.
type DeviceEvent interface {
	// Record renders the event for the event stream.
	Record() channel.Event
}

// RealTimeSample is a real-time measurement sample.
type RealTimeSample struct {
	DataType int
	Value    int
}

// MeasurementComplete reports the end of a device-side measurement.
type MeasurementComplete struct {
	Type    int
	Success bool
}

// ConnectionStateChanged reports a link transition.
type ConnectionStateChanged struct {
	Connected bool
}

func (e RealTimeSample) Record() channel.Event {
	return channel.Event{
		Method: MethodRealTimeData,
		Arguments: map[string]any{
			"dataType":         e.DataType,
			"bloodOxygenValue": e.Value,
		},
	}
}

func (e MeasurementComplete) Record() channel.Event {
	return channel.Event{
		Method: MethodMeasurementComplete,
		Arguments: map[string]any{
			"type":    e.Type,
			"success": e.Success,
		},
	}
}

func (e ConnectionStateChanged) Record() channel.Event {
	return channel.Event{
		Method: MethodConnectionStateChanged,
		Arguments: map[string]any{
			"connected": e.Connected,
		},
	}
}

// Decode maps an SDK event to a DeviceEvent. It reports false for shapes the
// relay does not forward.
func Decode(ev sdk.Event) (DeviceEvent, bool) {
	switch e := ev.(type) {
	case sdk.RealDataResponse:
		if e.DataType != sdk.DataTypeBloodOxygen {
			return nil, false
		}
		value := 0
		if v, ok := channel.ToInt64(e.Values[sdk.KeyBloodOxygenValue]); ok {
			value = int(v)
		}
		return RealTimeSample{DataType: e.DataType, Value: value}, true

	case sdk.ToAppDataResponse:
		if e.Cmd != sdk.CmdMeasurementComplete || len(e.Data) < 2 {
			return nil, false
		}
		return MeasurementComplete{
			Type:    int(e.Data[0]),
			Success: e.Data[1] == 1,
		}, true

	case sdk.BleStateEvent:
		if e.State != sdk.StateDisconnected {
			return nil, false
		}
		return ConnectionStateChanged{Connected: false}, true

	default:
		return nil, false
	}
}
