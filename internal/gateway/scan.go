package gateway

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/loop"
	"github.com/srg/oxibridge/internal/sdk"
)

type scanState int

const (
	scanScanning scanState = iota
	scanConnecting
	scanResolved
	scanTimedOut
)

func (s scanState) String() string {
	switch s {
	case scanScanning:
		return "scanning"
	case scanConnecting:
		return "connecting"
	case scanResolved:
		return "resolved"
	case scanTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// scanGuard drives one scanDevice call:
//
//	scanning --device found--> connecting --connect result--> resolved
//	scanning|connecting --timeout--> timed_out
//
// All methods run on the delivery loop.
type scanGuard struct {
	g      *Gateway
	reply  *pendingReply
	timer  *loop.Timer
	state  scanState
	device *sdk.Device
	logger *logrus.Entry
}

func (g *Gateway) scanDevice(reply *pendingReply) {
	guard := &scanGuard{
		g:      g,
		reply:  reply,
		state:  scanScanning,
		logger: g.logger.WithField("command", MethodScanDevice),
	}

	guard.logger.WithField("timeout", g.scanTimeout).Info("Starting device scan")
	g.client.StartScanBle(func(code sdk.Code, dev *sdk.Device) {
		g.post(MethodScanDevice, func() { guard.onScanResult(code, dev) })
	})
	guard.timer = g.loop.PostDelayed(g.scanTimeout, guard.onTimeout)
	reply.timer = guard.timer
}

func (s *scanGuard) onScanResult(code sdk.Code, dev *sdk.Device) {
	if s.state != scanScanning {
		s.logger.WithField("state", s.state).Debug("Ignoring scan result")
		return
	}
	if code != sdk.CodeOK || dev == nil {
		s.logger.WithField("code", code).Debug("Scan reported no device")
		return
	}

	s.state = scanConnecting
	s.device = dev
	s.logger.WithFields(logrus.Fields{
		"device":  dev.Name,
		"address": dev.MAC,
	}).Info("Device found, connecting")

	s.g.client.StopScanBle()
	s.g.client.ConnectDevice(dev.MAC, dev.Name, func(code sdk.Code) {
		s.g.post(MethodScanDevice, func() { s.onConnectResult(code) })
	})
}

func (s *scanGuard) onConnectResult(code sdk.Code) {
	if s.reply.isResolved() {
		s.logger.WithFields(logrus.Fields{
			"state": s.state,
			"code":  code,
		}).Warn("Connect completed after the scan was resolved, ignoring")
		return
	}

	s.state = scanResolved
	s.timer.Stop()

	if code != sdk.CodeOK {
		_ = s.reply.fail(CodeConnectionFailed, fmt.Sprintf("%s: %d", msgConnectionFailed, int(code)))
		return
	}
	_ = s.reply.success(connectedPayload(s.device))
}

func (s *scanGuard) onTimeout() {
	s.logger.WithField("state", s.state).Info("Scan timeout reached")
	// Unconditional: while connecting the scan is already stopped, and stopping
	// it again is harmless.
	s.g.client.StopScanBle()

	if s.reply.isResolved() {
		return
	}
	s.state = scanTimedOut
	_ = s.reply.fail(CodeScanTimeout, msgScanTimeout)
}
