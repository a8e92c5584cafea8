package simsdk_test

import (
	"sync"
	"testing"
	"time"

	"github.com/srg/oxibridge/internal/sdk"
	"github.com/srg/oxibridge/internal/sdk/simsdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDevice = sdk.Device{Name: "O2Ring", MAC: "AA:BB:CC:DD:EE:01"}

func fastOptions() *simsdk.Options {
	dev := testDevice
	return &simsdk.Options{
		Devices:        []sdk.Device{dev, {Name: "", MAC: "AA:BB:CC:DD:EE:02"}},
		LastDevice:     &dev,
		ScanDelay:      time.Millisecond,
		ConnectDelay:   time.Millisecond,
		SampleInterval: time.Millisecond,
		Samples:        []int{96, 97, 98},
		History: []sdk.Record{
			{sdk.KeyBloodOxygenValue: 97, sdk.KeyMeasurementDate: int64(1700000000)},
		},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []sdk.Event
}

func (l *eventLog) handle(ev sdk.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []sdk.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sdk.Event(nil), l.events...)
}

func TestConnectLastDevice(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(o *simsdk.Options)
		wantCode sdk.Code
		wantDev  *sdk.Device
		state    sdk.ConnectionState
	}{
		{
			name:     "remembered device",
			wantCode: sdk.CodeOK,
			wantDev:  &testDevice,
			state:    sdk.StateConnected,
		},
		{
			name:     "nothing remembered",
			mutate:   func(o *simsdk.Options) { o.LastDevice = nil },
			wantCode: sdk.CodeFailed,
			state:    sdk.StateDisconnected,
		},
		{
			name:     "connect refused",
			mutate:   func(o *simsdk.Options) { o.ConnectCode = sdk.CodeTimeout },
			wantCode: sdk.CodeTimeout,
			state:    sdk.StateDisconnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := fastOptions()
			if tt.mutate != nil {
				tt.mutate(opts)
			}
			c := simsdk.New(opts)
			defer c.Close()

			type outcome struct {
				code sdk.Code
				dev  *sdk.Device
			}
			done := make(chan outcome, 1)
			c.ConnectLastDevice(func(code sdk.Code, dev *sdk.Device) { done <- outcome{code, dev} })

			select {
			case got := <-done:
				assert.Equal(t, tt.wantCode, got.code)
				assert.Equal(t, tt.wantDev, got.dev)
			case <-time.After(time.Second):
				t.Fatal("connect callback never fired")
			}
			assert.Equal(t, tt.state, c.ConnectState())
		})
	}
}

func TestScanStopsOnRequest(t *testing.T) {
	c := simsdk.New(fastOptions())
	defer c.Close()

	found := make(chan sdk.Device, 4)
	c.StartScanBle(func(code sdk.Code, dev *sdk.Device) {
		assert.Equal(t, sdk.CodeOK, code)
		found <- *dev
		c.StopScanBle()
	})

	select {
	case dev := <-found:
		assert.Equal(t, testDevice, dev)
	case <-time.After(time.Second):
		t.Fatal("no scan result")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, found, "scan MUST NOT report after StopScanBle")
}

func TestConnectDeviceRemembersDevice(t *testing.T) {
	opts := fastOptions()
	opts.LastDevice = nil
	c := simsdk.New(opts)
	defer c.Close()

	done := make(chan sdk.Code, 1)
	c.ConnectDevice("11:22:33:44:55:66", "Wrist", func(code sdk.Code) { done <- code })
	require.Equal(t, sdk.CodeOK, <-done)
	assert.Equal(t, sdk.StateConnected, c.ConnectState())

	last := make(chan *sdk.Device, 1)
	c.ConnectLastDevice(func(_ sdk.Code, dev *sdk.Device) { last <- dev })
	assert.Equal(t, &sdk.Device{Name: "Wrist", MAC: "11:22:33:44:55:66"}, <-last)
}

func TestBloodOxygenMeasurementStreamsSamples(t *testing.T) {
	// GOAL: Verify a running SpO2 measurement publishes samples then a completion
	//
	// TEST SCENARIO: connect → start kind 2 → three RealDataResponse → ToAppDataResponse{1038,[2,1]}

	c := simsdk.New(fastOptions())
	defer c.Close()
	log := &eventLog{}
	c.SetEventHandler(log.handle)

	done := make(chan sdk.Code, 1)
	c.ConnectDevice(testDevice.MAC, testDevice.Name, func(code sdk.Code) { done <- code })
	require.Equal(t, sdk.CodeOK, <-done)

	c.AppStartMeasurement(sdk.MeasureOn, sdk.MeasureBloodOxygen, func(sdk.Code, map[string]any) {})

	require.Eventually(t, func() bool { return len(log.snapshot()) == 4 }, time.Second, 5*time.Millisecond)

	events := log.snapshot()
	for i, want := range []int{96, 97, 98} {
		assert.Equal(t, sdk.RealDataResponse{
			DataType: sdk.DataTypeBloodOxygen,
			Values:   map[string]any{sdk.KeyBloodOxygenValue: want},
		}, events[i])
	}
	assert.Equal(t, sdk.ToAppDataResponse{Cmd: sdk.CmdMeasurementComplete, Data: []byte{2, 1}}, events[3])
}

func TestMeasurementRequiresConnection(t *testing.T) {
	c := simsdk.New(fastOptions())
	defer c.Close()

	got := make(chan sdk.Code, 1)
	c.AppStartMeasurement(sdk.MeasureOn, sdk.MeasureBloodOxygen, func(code sdk.Code, _ map[string]any) { got <- code })
	assert.Equal(t, sdk.CodeNotConnected, <-got)
}

func TestDisconnectPublishesState(t *testing.T) {
	c := simsdk.New(fastOptions())
	defer c.Close()
	log := &eventLog{}
	c.SetEventHandler(log.handle)

	// not connected yet: no event
	c.Disconnect()

	done := make(chan sdk.Code, 1)
	c.ConnectDevice(testDevice.MAC, testDevice.Name, func(code sdk.Code) { done <- code })
	require.Equal(t, sdk.CodeOK, <-done)

	c.Disconnect()
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sdk.BleStateEvent{State: sdk.StateDisconnected}, log.snapshot()[0])
	assert.Equal(t, sdk.StateDisconnected, c.ConnectState())
}

func TestHistory(t *testing.T) {
	t.Run("records are copies", func(t *testing.T) {
		opts := fastOptions()
		c := simsdk.New(opts)
		defer c.Close()

		got := make(chan []sdk.Record, 1)
		c.AppGetBloodOxygenHistoryRecord(func(code sdk.Code, records []sdk.Record) {
			assert.Equal(t, sdk.CodeOK, code)
			got <- records
		})
		records := <-got
		require.Len(t, records, 1)
		records[0][sdk.KeyBloodOxygenValue] = 0
		assert.Equal(t, 97, opts.History[0][sdk.KeyBloodOxygenValue])
	})

	t.Run("failure code yields nil records", func(t *testing.T) {
		opts := fastOptions()
		opts.HistoryCode = sdk.CodeFailed
		c := simsdk.New(opts)
		defer c.Close()

		got := make(chan []sdk.Record, 1)
		c.AppGetBloodOxygenHistoryRecord(func(code sdk.Code, records []sdk.Record) {
			assert.Equal(t, sdk.CodeFailed, code)
			got <- records
		})
		assert.Nil(t, <-got)
	})
}

func TestCloseCancelsPendingCallbacks(t *testing.T) {
	opts := fastOptions()
	opts.ConnectDelay = time.Hour
	c := simsdk.New(opts)

	fired := make(chan struct{}, 1)
	c.ConnectLastDevice(func(sdk.Code, *sdk.Device) { fired <- struct{}{} })
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-fired:
		t.Fatal("callback fired after Close")
	case <-time.After(20 * time.Millisecond):
	}
}
