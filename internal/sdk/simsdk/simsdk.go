// Package simsdk is an in-process stand-in for the vendor SDK. It discovers a
// fixed device list, simulates connect latency and streams SpO2 samples while a
// measurement runs.
package simsdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/groutine"
	"github.com/srg/oxibridge/internal/sdk"
)

// Options configures the simulated device population and timings.
type Options struct {
	Devices      []sdk.Device
	LastDevice   *sdk.Device // nil = connectLastDevice fails
	ScanDelay    time.Duration
	ConnectDelay time.Duration
	ConnectCode  sdk.Code

	SampleInterval time.Duration
	Samples        []int // SpO2 values emitted per blood-oxygen measurement

	History     []sdk.Record
	HistoryCode sdk.Code

	Logger *logrus.Logger
}

// DefaultOptions returns a population of one oximeter with a short sample run.
func DefaultOptions() *Options {
	dev := sdk.Device{Name: "SIM-O2", MAC: "C0:FF:EE:00:00:01"}
	return &Options{
		Devices:        []sdk.Device{dev},
		LastDevice:     &dev,
		ScanDelay:      500 * time.Millisecond,
		ConnectDelay:   200 * time.Millisecond,
		SampleInterval: time.Second,
		Samples:        []int{97, 98, 98, 99, 98},
		History: []sdk.Record{
			{sdk.KeyBloodOxygenValue: 97, sdk.KeyMeasurementDate: int64(1700000000)},
			{sdk.KeyBloodOxygenValue: 98, sdk.KeyMeasurementDate: int64(1700003600)},
		},
	}
}

// Client implements sdk.Client against the simulated population.
type Client struct {
	opts   Options
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     sdk.ConnectionState
	last      *sdk.Device
	handler   sdk.EventHandler
	scanGen   uint64
	scanning  bool
	measuring map[int]context.CancelFunc
	closed    bool
}

var _ sdk.Client = (*Client)(nil)

// New creates a simulated client. A nil opts uses DefaultOptions.
func New(opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:      *opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		measuring: make(map[int]context.CancelFunc),
	}
	if opts.LastDevice != nil {
		dev := *opts.LastDevice
		c.last = &dev
	}
	return c
}

func (c *Client) ConnectLastDevice(cb sdk.ConnectCallback) {
	c.async("sim-connect-last", func(ctx context.Context) {
		if !sleep(ctx, c.opts.ConnectDelay) {
			return
		}
		c.mu.Lock()
		last := c.last
		code := c.opts.ConnectCode
		if last == nil {
			code = sdk.CodeFailed
		}
		if code == sdk.CodeOK {
			c.state = sdk.StateConnected
		}
		c.mu.Unlock()

		if code != sdk.CodeOK {
			c.logger.WithField("code", code).Debug("Simulated reconnect failed")
			cb(code, nil)
			return
		}
		dev := *last
		c.logger.WithField("mac", dev.MAC).Debug("Simulated reconnect succeeded")
		cb(sdk.CodeOK, &dev)
	})
}

func (c *Client) StartScanBle(cb sdk.ScanCallback) {
	c.mu.Lock()
	c.scanGen++
	gen := c.scanGen
	c.scanning = true
	devices := append([]sdk.Device(nil), c.opts.Devices...)
	c.mu.Unlock()

	c.async("sim-scan", func(ctx context.Context) {
		for _, dev := range devices {
			if !sleep(ctx, c.opts.ScanDelay) || !c.scanActive(gen) {
				return
			}
			d := dev
			c.logger.WithFields(logrus.Fields{"mac": d.MAC, "name": d.Name}).Debug("Simulated scan result")
			cb(sdk.CodeOK, &d)
		}
	})
}

func (c *Client) scanActive(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning && c.scanGen == gen
}

func (c *Client) StopScanBle() {
	c.mu.Lock()
	c.scanning = false
	c.mu.Unlock()
}

func (c *Client) ConnectDevice(mac, name string, cb sdk.CodeCallback) {
	c.mu.Lock()
	c.state = sdk.StateConnecting
	c.mu.Unlock()

	c.async("sim-connect", func(ctx context.Context) {
		if !sleep(ctx, c.opts.ConnectDelay) {
			return
		}
		c.mu.Lock()
		code := c.opts.ConnectCode
		if code == sdk.CodeOK {
			c.state = sdk.StateConnected
			c.last = &sdk.Device{Name: name, MAC: mac}
		} else {
			c.state = sdk.StateDisconnected
		}
		c.mu.Unlock()

		c.logger.WithFields(logrus.Fields{"mac": mac, "code": code}).Debug("Simulated connect finished")
		cb(code)
	})
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	wasConnected := c.state != sdk.StateDisconnected
	c.state = sdk.StateDisconnected
	c.stopMeasurementsLocked()
	c.mu.Unlock()

	if wasConnected {
		c.async("sim-disconnect", func(context.Context) {
			c.publish(sdk.BleStateEvent{State: sdk.StateDisconnected})
		})
	}
}

func (c *Client) ConnectState() sdk.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AppStartMeasurement starts or stops a simulated measurement. A started
// blood-oxygen measurement publishes one RealDataResponse per configured sample
// and then a successful measurement-complete event.
func (c *Client) AppStartMeasurement(onOff, kind int, cb sdk.MeasureCallback) {
	c.mu.Lock()
	if prev, ok := c.measuring[kind]; ok {
		prev()
		delete(c.measuring, kind)
	}
	if onOff != sdk.MeasureOn {
		c.mu.Unlock()
		c.logger.WithField("kind", kind).Debug("Simulated measurement stopped")
		return
	}
	if c.state != sdk.StateConnected || c.closed {
		c.mu.Unlock()
		if cb != nil {
			cb(sdk.CodeNotConnected, nil)
		}
		return
	}
	mctx, stop := context.WithCancel(c.ctx)
	c.measuring[kind] = stop
	c.mu.Unlock()

	groutine.GoSafe(mctx, fmt.Sprintf("sim-measure-%d", kind), c.logger, func(ctx context.Context) {
		if kind == sdk.MeasureBloodOxygen {
			for _, v := range c.opts.Samples {
				if !sleep(ctx, c.opts.SampleInterval) {
					return
				}
				c.publish(sdk.RealDataResponse{
					DataType: sdk.DataTypeBloodOxygen,
					Values:   map[string]any{sdk.KeyBloodOxygenValue: v},
				})
				if cb != nil {
					cb(sdk.CodeOK, map[string]any{sdk.KeyBloodOxygenValue: v})
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		c.publish(sdk.ToAppDataResponse{
			Cmd:  sdk.CmdMeasurementComplete,
			Data: []byte{byte(kind), 1},
		})
	})
}

func (c *Client) AppGetBloodOxygenHistoryRecord(cb sdk.HistoryCallback) {
	c.async("sim-history", func(ctx context.Context) {
		if !sleep(ctx, c.opts.ConnectDelay) {
			return
		}
		if c.opts.HistoryCode != sdk.CodeOK {
			cb(c.opts.HistoryCode, nil)
			return
		}
		records := make([]sdk.Record, 0, len(c.opts.History))
		for _, r := range c.opts.History {
			cp := make(sdk.Record, len(r))
			for k, v := range r {
				cp[k] = v
			}
			records = append(records, cp)
		}
		cb(sdk.CodeOK, records)
	})
}

func (c *Client) SetEventHandler(h sdk.EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Publish injects ev as if the device had sent it.
func (c *Client) Publish(ev sdk.Event) {
	c.publish(ev)
}

func (c *Client) publish(ev sdk.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Close cancels all in-flight simulated work. Pending callbacks never fire.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.scanning = false
	c.stopMeasurementsLocked()
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *Client) stopMeasurementsLocked() {
	for kind, stop := range c.measuring {
		stop()
		delete(c.measuring, kind)
	}
}

func (c *Client) async(name string, fn func(ctx context.Context)) {
	groutine.GoSafe(c.ctx, name, c.logger, fn)
}

// sleep waits d or until ctx is done. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
