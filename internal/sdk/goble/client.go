// Package goble implements the SDK client contract on top of go-ble, talking to
// oximeters that expose the standard Pulse Oximeter GATT service.
package goble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/groutine"
	"github.com/srg/oxibridge/internal/sdk"
)

// DefaultConnectTimeout bounds a single dial plus profile discovery.
const DefaultConnectTimeout = 10 * time.Second

// Options configures the go-ble client.
type Options struct {
	NamePrefix     string        // only report devices whose local name has this prefix
	ConnectTimeout time.Duration // 0 = DefaultConnectTimeout
	LastDevice     *sdk.Device   // device used by ConnectLastDevice until a connect succeeds
	Logger         *logrus.Logger
}

// Client is an sdk.Client backed by the host Bluetooth adapter.
type Client struct {
	opts   Options
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	dev        ble.Device
	handler    sdk.EventHandler
	stopScan   context.CancelFunc
	conn       ble.Client
	spotCheck  *ble.Characteristic
	continuous *ble.Characteristic
	measureCb  sdk.MeasureCallback
	state      sdk.ConnectionState
	last       *sdk.Device
	closed     bool
}

var _ sdk.Client = (*Client)(nil)

// New creates a client. The adapter is opened lazily on first scan or connect.
func New(opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	o := *opts
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   o,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if o.LastDevice != nil {
		dev := *o.LastDevice
		c.last = &dev
	}
	return c
}

// device returns the adapter, opening it on first use.
func (c *Client) device() (ble.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client closed")
	}
	if c.dev != nil {
		return c.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	c.dev = dev
	return dev, nil
}

func (c *Client) ConnectLastDevice(cb sdk.ConnectCallback) {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()

	if last == nil {
		c.logger.Info("No previously connected device")
		groutine.GoSafe(c.ctx, "ble-connect-last", c.logger, func(context.Context) {
			cb(sdk.CodeFailed, nil)
		})
		return
	}

	dev := *last
	c.ConnectDevice(dev.MAC, dev.Name, func(code sdk.Code) {
		if code != sdk.CodeOK {
			cb(code, nil)
			return
		}
		cb(sdk.CodeOK, &dev)
	})
}

// StartScanBle reports every newly seen advertiser that passes the name filter
// until StopScanBle is called. A scan already in progress is replaced.
func (c *Client) StartScanBle(cb sdk.ScanCallback) {
	scanCtx, stop := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.stopScan != nil {
		c.stopScan()
	}
	c.stopScan = stop
	c.mu.Unlock()

	groutine.GoSafe(scanCtx, "ble-scan", c.logger, func(ctx context.Context) {
		dev, err := c.device()
		if err != nil {
			c.logger.WithError(err).Error("Failed to open BLE adapter")
			cb(codeFor(err), nil)
			return
		}

		seen := make(map[string]struct{})
		handler := func(adv ble.Advertisement) {
			if !c.matches(adv) {
				return
			}
			mac := adv.Addr().String()
			if _, ok := seen[mac]; ok {
				return
			}
			seen[mac] = struct{}{}
			c.logger.WithFields(logrus.Fields{
				"address": mac,
				"name":    adv.LocalName(),
				"rssi":    adv.RSSI(),
			}).Info("Discovered device")
			cb(sdk.CodeOK, &sdk.Device{Name: adv.LocalName(), MAC: mac})
		}

		c.logger.Info("Starting BLE scan...")
		err = dev.Scan(ctx, false, handler)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = NormalizeError(err)
			c.logger.WithError(err).Error("BLE scan failed")
			cb(codeFor(err), nil)
			return
		}
		c.logger.Debug("BLE scan stopped")
	})
}

func (c *Client) matches(adv ble.Advertisement) bool {
	if c.opts.NamePrefix == "" {
		return true
	}
	return strings.HasPrefix(adv.LocalName(), c.opts.NamePrefix)
}

func (c *Client) StopScanBle() {
	c.mu.Lock()
	stop := c.stopScan
	c.stopScan = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// ConnectDevice dials mac, discovers the Pulse Oximeter service and starts
// watching for link loss.
func (c *Client) ConnectDevice(mac, name string, cb sdk.CodeCallback) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		groutine.GoSafe(c.ctx, "ble-connect", c.logger, func(context.Context) {
			cb(codeFor(ErrAlreadyConnected))
		})
		return
	}
	c.state = sdk.StateConnecting
	c.mu.Unlock()

	groutine.GoSafe(c.ctx, "ble-connect", c.logger, func(ctx context.Context) {
		err := c.connect(ctx, mac, name)
		if err != nil {
			c.mu.Lock()
			c.state = sdk.StateDisconnected
			c.mu.Unlock()
			c.logger.WithFields(logrus.Fields{
				"address": mac,
				"error":   err,
			}).Error("Failed to connect device")
		}
		cb(codeFor(err))
	})
}

func (c *Client) connect(ctx context.Context, mac, name string) error {
	dev, err := c.device()
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.logger.WithFields(logrus.Fields{
		"address": mac,
		"timeout": c.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	client, err := dev.Dial(connCtx, ble.NewAddr(mac))
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", mac, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		c.cancelConnection(client)
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	spot, cont := findPLX(profile)
	if spot == nil && cont == nil {
		c.cancelConnection(client)
		return ErrNoPLXService
	}

	c.mu.Lock()
	c.conn = client
	c.spotCheck = spot
	c.continuous = cont
	c.state = sdk.StateConnected
	c.last = &sdk.Device{Name: name, MAC: mac}
	c.mu.Unlock()

	groutine.Go(c.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			c.onDisconnected(client)
		case <-ctx.Done():
		}
	})

	c.logger.WithFields(logrus.Fields{
		"address":    mac,
		"spot_check": spot != nil,
		"continuous": cont != nil,
	}).Info("BLE device connected successfully")
	return nil
}

func findPLX(profile *ble.Profile) (spot, cont *ble.Characteristic) {
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(PLXServiceUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			switch {
			case ch.UUID.Equal(PLXSpotCheckUUID):
				spot = ch
			case ch.UUID.Equal(PLXContinuousUUID):
				cont = ch
			}
		}
	}
	return spot, cont
}

func (c *Client) cancelConnection(client ble.Client) {
	if err := client.CancelConnection(); err != nil {
		c.logger.WithError(err).Warn("Failed to cancel connection")
	}
}

func (c *Client) onDisconnected(client ble.Client) {
	c.mu.Lock()
	if c.conn != client {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.spotCheck = nil
	c.continuous = nil
	c.measureCb = nil
	c.state = sdk.StateDisconnected
	c.mu.Unlock()

	c.logger.Warn("BLE device disconnected")
	c.publish(sdk.BleStateEvent{State: sdk.StateDisconnected})
}

// Disconnect cancels the connection. The disconnection event is published once
// the link is actually down.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.conn
	c.mu.Unlock()
	if client == nil {
		return
	}
	groutine.GoSafe(c.ctx, "ble-disconnect", c.logger, func(context.Context) {
		c.cancelConnection(client)
	})
}

func (c *Client) ConnectState() sdk.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AppStartMeasurement enables or disables oximeter notifications. Only the
// blood-oxygen kind is available over the Pulse Oximeter service.
func (c *Client) AppStartMeasurement(onOff, kind int, cb sdk.MeasureCallback) {
	groutine.GoSafe(c.ctx, "ble-measure", c.logger, func(context.Context) {
		err := c.setMeasurement(onOff == sdk.MeasureOn, kind, cb)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"kind":  kind,
				"on":    onOff,
				"error": err,
			}).Warn("Measurement request failed")
			if cb != nil {
				cb(codeFor(err), nil)
			}
		}
	})
}

func (c *Client) setMeasurement(on bool, kind int, cb sdk.MeasureCallback) error {
	if kind != sdk.MeasureBloodOxygen {
		return fmt.Errorf("measurement kind %d: %w", kind, ErrUnsupported)
	}

	c.mu.Lock()
	client, spot, cont := c.conn, c.spotCheck, c.continuous
	if on {
		c.measureCb = cb
	} else {
		c.measureCb = nil
	}
	c.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	if !on {
		if cont != nil {
			if err := client.Unsubscribe(cont, false); err != nil {
				return NormalizeError(err)
			}
		}
		if spot != nil {
			if err := client.Unsubscribe(spot, true); err != nil {
				return NormalizeError(err)
			}
		}
		return nil
	}

	if cont != nil {
		if err := client.Subscribe(cont, false, c.onContinuous); err != nil {
			return NormalizeError(err)
		}
	}
	if spot != nil {
		if err := client.Subscribe(spot, true, c.onSpotCheck); err != nil {
			return NormalizeError(err)
		}
	}
	return nil
}

func (c *Client) onContinuous(data []byte) {
	reading, err := ParsePLX(data)
	if err != nil {
		c.logger.WithError(err).Debug("Skipping continuous PLX notification")
		return
	}
	c.publishSample(reading)
}

func (c *Client) onSpotCheck(data []byte) {
	reading, err := ParsePLX(data)
	success := byte(1)
	if err != nil {
		c.logger.WithError(err).Debug("Spot check carried no valid reading")
		success = 0
	} else {
		c.publishSample(reading)
	}
	c.publish(sdk.ToAppDataResponse{
		Cmd:  sdk.CmdMeasurementComplete,
		Data: []byte{sdk.MeasureBloodOxygen, success},
	})
}

func (c *Client) publishSample(r PLXReading) {
	values := map[string]any{
		sdk.KeyBloodOxygenValue: int(math.Round(r.SpO2)),
	}
	if !math.IsNaN(r.PulseRate) && !math.IsInf(r.PulseRate, 0) {
		values["heartValue"] = int(math.Round(r.PulseRate))
	}
	c.publish(sdk.RealDataResponse{DataType: sdk.DataTypeBloodOxygen, Values: values})

	c.mu.Lock()
	cb := c.measureCb
	c.mu.Unlock()
	if cb != nil {
		cb(sdk.CodeOK, values)
	}
}

// AppGetBloodOxygenHistoryRecord always reports CodeUnsupported: the Pulse
// Oximeter service exposes no stored history.
func (c *Client) AppGetBloodOxygenHistoryRecord(cb sdk.HistoryCallback) {
	groutine.GoSafe(c.ctx, "ble-history", c.logger, func(context.Context) {
		cb(sdk.CodeUnsupported, nil)
	})
}

func (c *Client) SetEventHandler(h sdk.EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) publish(ev sdk.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Close stops scanning, drops the connection and releases the adapter.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	client := c.conn
	dev := c.dev
	c.conn = nil
	c.state = sdk.StateDisconnected
	c.mu.Unlock()

	c.StopScanBle()
	c.cancel()

	var errs []error
	if client != nil {
		if err := client.CancelConnection(); err != nil {
			errs = append(errs, NormalizeError(err))
		}
	}
	if dev != nil {
		if err := dev.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
