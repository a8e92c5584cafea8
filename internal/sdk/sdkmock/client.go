// Package sdkmock provides a testify mock of sdk.Client.
package sdkmock

import (
	"sync"

	"github.com/srg/oxibridge/internal/sdk"
	"github.com/stretchr/testify/mock"
)

// Client is a mock sdk.Client. Callbacks passed to asynchronous operations are
// captured so tests can complete them at a chosen moment, from any goroutine.
type Client struct {
	mock.Mock

	mu      sync.Mutex
	handler sdk.EventHandler

	connectLast []sdk.ConnectCallback
	scans       []sdk.ScanCallback
	connects    []sdk.CodeCallback
	histories   []sdk.HistoryCallback
}

var _ sdk.Client = (*Client)(nil)

func (c *Client) ConnectLastDevice(cb sdk.ConnectCallback) {
	c.mu.Lock()
	c.connectLast = append(c.connectLast, cb)
	c.mu.Unlock()
	c.Called()
}

func (c *Client) StartScanBle(cb sdk.ScanCallback) {
	c.mu.Lock()
	c.scans = append(c.scans, cb)
	c.mu.Unlock()
	c.Called()
}

func (c *Client) StopScanBle() {
	c.Called()
}

func (c *Client) ConnectDevice(mac, name string, cb sdk.CodeCallback) {
	c.mu.Lock()
	c.connects = append(c.connects, cb)
	c.mu.Unlock()
	c.Called(mac, name)
}

func (c *Client) Disconnect() {
	c.Called()
}

func (c *Client) ConnectState() sdk.ConnectionState {
	args := c.Called()
	return args.Get(0).(sdk.ConnectionState)
}

func (c *Client) AppStartMeasurement(onOff, kind int, cb sdk.MeasureCallback) {
	c.Called(onOff, kind, cb != nil)
}

func (c *Client) AppGetBloodOxygenHistoryRecord(cb sdk.HistoryCallback) {
	c.mu.Lock()
	c.histories = append(c.histories, cb)
	c.mu.Unlock()
	c.Called()
}

func (c *Client) SetEventHandler(h sdk.EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Close() error {
	args := c.Called()
	return args.Error(0)
}

// Publish delivers ev to the registered handler, if any.
func (c *Client) Publish(ev sdk.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// CompleteConnectLast invokes the i-th captured ConnectLastDevice callback.
func (c *Client) CompleteConnectLast(i int, code sdk.Code, dev *sdk.Device) {
	c.mu.Lock()
	cb := c.connectLast[i]
	c.mu.Unlock()
	cb(code, dev)
}

// ReportScan invokes the i-th captured StartScanBle callback.
func (c *Client) ReportScan(i int, code sdk.Code, dev *sdk.Device) {
	c.mu.Lock()
	cb := c.scans[i]
	c.mu.Unlock()
	cb(code, dev)
}

// CompleteConnect invokes the i-th captured ConnectDevice callback.
func (c *Client) CompleteConnect(i int, code sdk.Code) {
	c.mu.Lock()
	cb := c.connects[i]
	c.mu.Unlock()
	cb(code)
}

// CompleteHistory invokes the i-th captured history callback.
func (c *Client) CompleteHistory(i int, code sdk.Code, records []sdk.Record) {
	c.mu.Lock()
	cb := c.histories[i]
	c.mu.Unlock()
	cb(code, records)
}

// ConnectCalls returns how many ConnectDevice callbacks were captured.
func (c *Client) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connects)
}

// HasHandler reports whether an event handler is registered.
func (c *Client) HasHandler() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}
