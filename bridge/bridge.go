// Package bridge wires an SDK client to the command gateway and the event relay
// behind one delivery loop.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/gateway"
	"github.com/srg/oxibridge/internal/loop"
	"github.com/srg/oxibridge/internal/relay"
	"github.com/srg/oxibridge/internal/sdk"
)

// Bridge is the surface exposed to transports and to RunBridge callbacks.
type Bridge interface {
	// HandleCall dispatches a method call. result is resolved exactly once.
	HandleCall(call channel.MethodCall, result channel.Result)
	// Listen attaches the single event subscriber, ending any previous one.
	Listen(sink channel.EventSink) (cancel func())
	// ConnectState reports the SDK link state without going through the loop.
	ConnectState() sdk.ConnectionState
}

// Options configures a bridge.
type Options struct {
	ScanTimeout time.Duration  // 0 = gateway.DefaultScanTimeout
	Logger      *logrus.Logger // nil = logrus.New()
}

// ProgressCallback is called when the bridge phase changes.
type ProgressCallback func(phase string)

// BridgeCallback is executed with the running bridge.
type BridgeCallback[R any] func(Bridge) (R, error)

// SDKBridge owns the delivery loop, the gateway and the relay for one client.
type SDKBridge struct {
	client  sdk.Client
	loop    *loop.Loop
	gateway *gateway.Gateway
	relay   *relay.Relay
	logger  *logrus.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Bridge = (*SDKBridge)(nil)

// New builds a bridge around client and registers the relay as the client's
// event handler. Work posted before Start is queued until Start runs.
func New(client sdk.Client, opts *Options) *SDKBridge {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	l := loop.New(logger)
	b := &SDKBridge{
		client: client,
		loop:   l,
		gateway: gateway.New(client, l, &gateway.Options{
			ScanTimeout: opts.ScanTimeout,
			Logger:      logger,
		}),
		relay:  relay.New(l, logger),
		logger: logger,
	}
	client.SetEventHandler(b.relay.OnEvent)
	return b
}

// Start runs the delivery loop until ctx is cancelled or Close is called.
func (b *SDKBridge) Start(ctx context.Context) {
	b.loop.Start(ctx)
}

func (b *SDKBridge) HandleCall(call channel.MethodCall, result channel.Result) {
	b.gateway.Handle(call, result)
}

func (b *SDKBridge) Listen(sink channel.EventSink) (cancel func()) {
	return b.relay.Listen(sink)
}

func (b *SDKBridge) ConnectState() sdk.ConnectionState {
	return b.client.ConnectState()
}

// Flush waits until everything posted to the delivery loop so far has run.
func (b *SDKBridge) Flush(ctx context.Context) error {
	return b.loop.Flush(ctx)
}

// Done is closed once the delivery loop has exited.
func (b *SDKBridge) Done() <-chan struct{} {
	return b.loop.Done()
}

// Close detaches from the client, drains the delivery loop, rejects calls the
// SDK never completed with BRIDGE_CLOSED and closes the client. Calls handled
// after Close are rejected the same way. Safe to call more than once.
func (b *SDKBridge) Close() error {
	b.closeOnce.Do(func() {
		b.client.SetEventHandler(nil)
		b.loop.Stop()
		b.gateway.Close()
		if err := b.client.Close(); err != nil {
			b.closeErr = fmt.Errorf("failed to close SDK client: %w", err)
		}
		b.logger.Debug("Bridge closed")
	})
	return b.closeErr
}

// RunBridge starts a bridge over client, executes callback with it and closes
// the bridge when the callback returns.
func RunBridge[R any](
	ctx context.Context,
	client sdk.Client,
	opts *Options,
	progressCallback ProgressCallback,
	callback BridgeCallback[R],
) (R, error) {
	var zero R

	if client == nil {
		return zero, errors.New("failed to execute bridge: SDK client is required")
	}
	if callback == nil {
		return zero, errors.New("failed to execute bridge: callback is required")
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	progressCallback("Starting")
	b := New(client, opts)
	b.Start(bridgeCtx)

	defer func() {
		progressCallback("Stopping")
		if err := b.Close(); err != nil {
			b.logger.WithError(err).Warn("Failed to close bridge")
		}
	}()

	progressCallback("Running")
	return callback(b)
}
