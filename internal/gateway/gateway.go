// Package gateway dispatches method calls from the application shell to the
// SDK client and resolves each call's reply exactly once on the delivery loop.
package gateway

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/loop"
	"github.com/srg/oxibridge/internal/sdk"
)

// Recognized method names.
const (
	MethodConnectLastDevice     = "connectLastDevice"
	MethodScanDevice            = "scanDevice"
	MethodDisconnectDevice      = "disconnectDevice"
	MethodGetConnectionState    = "getConnectionState"
	MethodStartMeasurement      = "startMeasurement"
	MethodStopMeasurement       = "stopMeasurement"
	MethodGetMeasurementHistory = "getMeasurementHistory"
)

const (
	// DefaultScanTimeout bounds scanDevice when no device gets connected.
	DefaultScanTimeout = 20 * time.Second

	// UnnamedDevice replaces a missing device name in connect replies.
	UnnamedDevice = "unnamed device"

	argType = "type"
)

// Options configures a Gateway.
type Options struct {
	ScanTimeout time.Duration  // 0 = DefaultScanTimeout
	Logger      *logrus.Logger // nil = logrus.New()
}

// Gateway is the command gateway.
type Gateway struct {
	client      sdk.Client
	loop        *loop.Loop
	logger      *logrus.Logger
	scanTimeout time.Duration

	// live holds every reply handed to Handle and not yet resolved, so Close
	// can reject what the SDK never completed.
	mu     sync.Mutex
	live   map[*pendingReply]struct{}
	closed bool
}

// New creates a gateway that delivers on l.
func New(client sdk.Client, l *loop.Loop, opts *Options) *Gateway {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.ScanTimeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &Gateway{
		client:      client,
		loop:        l,
		logger:      logger,
		scanTimeout: timeout,
		live:        make(map[*pendingReply]struct{}),
	}
}

// Handle dispatches call and resolves result once the SDK completes. It may be
// called from any goroutine; dispatch itself runs on the delivery loop. After
// Close, or once the loop stopped accepting work, result is rejected with
// BRIDGE_CLOSED right away.
func (g *Gateway) Handle(call channel.MethodCall, result channel.Result) {
	reply := newPendingReply(call.Method, result, g.logger)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = reply.fail(CodeBridgeClosed, msgBridgeClosed)
		return
	}
	g.live[reply] = struct{}{}
	reply.release = g.release
	g.mu.Unlock()

	if g.loop.Post(func() { g.dispatch(call, reply) }) {
		return
	}

	g.logger.WithField("command", call.Method).Warn("Delivery loop stopped, rejecting call")
	// Close may already have taken the reply; whoever removes it resolves it.
	if g.take(reply) {
		_ = reply.fail(CodeBridgeClosed, msgBridgeClosed)
	}
}

func (g *Gateway) release(reply *pendingReply) {
	g.mu.Lock()
	delete(g.live, reply)
	g.mu.Unlock()
}

func (g *Gateway) take(reply *pendingReply) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.live[reply]; !ok {
		return false
	}
	delete(g.live, reply)
	return true
}

// Close rejects every unresolved reply with BRIDGE_CLOSED and stops pending
// scan timers. Later calls to Handle are rejected immediately. It must be
// called once the delivery loop has stopped. Safe to call more than once.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	pending := make([]*pendingReply, 0, len(g.live))
	for reply := range g.live {
		pending = append(pending, reply)
	}
	clear(g.live)
	g.mu.Unlock()

	for _, reply := range pending {
		reply.timer.Stop()
		if reply.isResolved() {
			continue
		}
		_ = reply.fail(CodeBridgeClosed, msgBridgeClosed)
	}
	if len(pending) > 0 {
		g.logger.WithField("rejected", len(pending)).Info("Gateway closed with calls in flight")
	}
}

func (g *Gateway) dispatch(call channel.MethodCall, reply *pendingReply) {
	g.logger.WithFields(logrus.Fields{
		"command":   call.Method,
		"arguments": call.Arguments,
	}).Debug("Dispatching command")

	switch call.Method {
	case MethodConnectLastDevice:
		g.connectLastDevice(reply)
	case MethodScanDevice:
		g.scanDevice(reply)
	case MethodDisconnectDevice:
		g.disconnectDevice(reply)
	case MethodGetConnectionState:
		_ = reply.success(int(g.client.ConnectState()))
	case MethodStartMeasurement:
		g.startMeasurement(call.IntArgument(argType), reply)
	case MethodStopMeasurement:
		g.stopMeasurement(call.IntArgument(argType), reply)
	case MethodGetMeasurementHistory:
		g.measurementHistory(call.IntArgument(argType), reply)
	default:
		g.logger.WithField("command", call.Method).Debug("Unknown command")
		_ = reply.notImplemented()
	}
}

// post runs fn on the delivery loop; used by SDK callbacks.
func (g *Gateway) post(command string, fn func()) {
	if !g.loop.Post(fn) {
		g.logger.WithField("command", command).Warn("Delivery loop stopped, dropping SDK callback")
	}
}

func connectedPayload(dev *sdk.Device) map[string]any {
	name, mac := UnnamedDevice, ""
	if dev != nil {
		if dev.Name != "" {
			name = dev.Name
		}
		mac = dev.MAC
	}
	return map[string]any{
		"status":        "connected",
		"deviceName":    name,
		"deviceAddress": mac,
	}
}

func (g *Gateway) connectLastDevice(reply *pendingReply) {
	g.client.ConnectLastDevice(func(code sdk.Code, dev *sdk.Device) {
		g.post(MethodConnectLastDevice, func() {
			if code != sdk.CodeOK {
				g.logger.WithField("code", code).Warn("Connect to last device failed")
				_ = reply.fail(CodeConnectionFailed, msgConnectionFailed)
				return
			}
			_ = reply.success(connectedPayload(dev))
		})
	})
}

func (g *Gateway) disconnectDevice(reply *pendingReply) {
	g.client.Disconnect()
	_ = reply.success(map[string]any{"status": "disconnected"})
}

func (g *Gateway) startMeasurement(kind int, reply *pendingReply) {
	// Samples arrive through the event stream, not this callback.
	g.client.AppStartMeasurement(sdk.MeasureOn, kind, func(sdk.Code, map[string]any) {})
	_ = reply.success(map[string]any{"status": "started"})
}

func (g *Gateway) stopMeasurement(kind int, reply *pendingReply) {
	g.client.AppStartMeasurement(sdk.MeasureOff, kind, nil)
	_ = reply.success(map[string]any{"status": "stopped"})
}

func (g *Gateway) measurementHistory(kind int, reply *pendingReply) {
	if kind != sdk.MeasureBloodOxygen {
		_ = reply.fail(CodeInvalidType, msgInvalidType)
		return
	}

	g.client.AppGetBloodOxygenHistoryRecord(func(code sdk.Code, records []sdk.Record) {
		g.post(MethodGetMeasurementHistory, func() {
			if code != sdk.CodeOK || records == nil {
				g.logger.WithField("code", code).Debug("History unavailable, replying with empty list")
				records = nil
			}
			_ = reply.success(historyPayload(records))
		})
	})
}
