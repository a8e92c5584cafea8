package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/groutine"
)

// ErrClosed is returned by calls on a closed or failed connection.
var ErrClosed = errors.New("connection closed")

// MethodClient invokes bridge methods over a method channel.
type MethodClient struct {
	ws      *websocket.Conn
	logger  *logrus.Logger
	nextID  atomic.Uint64
	pending *hashmap.Map[uint64, chan channel.Response]

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// DialMethods connects to a method channel endpoint such as
// ws://127.0.0.1:8765/ycbt.
func DialMethods(ctx context.Context, url string, logger *logrus.Logger) (*MethodClient, error) {
	if logger == nil {
		logger = logrus.New()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial method channel %s: %w", url, err)
	}
	c := &MethodClient{
		ws:      ws,
		logger:  logger,
		pending: hashmap.New[uint64, chan channel.Response](),
		done:    make(chan struct{}),
	}
	groutine.Go(ctx, "ws-method-reader", func(context.Context) { c.readLoop() })
	return c, nil
}

// Invoke sends a call and waits for its reply. A failed call returns a
// *channel.CallError; an unknown method returns channel.ErrNotImplemented.
func (c *MethodClient) Invoke(ctx context.Context, method string, args map[string]any) (any, error) {
	id := c.nextID.Add(1)
	reply := make(chan channel.Response, 1)
	c.pending.Set(id, reply)
	defer c.pending.Del(id)

	data, err := channel.Encode(channel.Request{ID: id, Method: method, Arguments: args})
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-reply:
		return resp.Result, resp.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

func (c *MethodClient) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var resp channel.Response
		if err := channel.Decode(data, &resp); err != nil {
			c.logger.WithError(err).Warn("Discarding malformed reply")
			continue
		}
		reply, ok := c.pending.Get(resp.ID)
		if !ok {
			c.logger.WithField("id", resp.ID).Debug("Reply for unknown request")
			continue
		}
		select {
		case reply <- resp:
		default:
		}
	}
}

func (c *MethodClient) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		if errors.Is(err, ErrClosed) {
			c.err = err
		} else {
			c.err = fmt.Errorf("%w: %v", ErrClosed, err)
		}
	}
	c.errMu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// Err reports why the connection ended, nil while it is open.
func (c *MethodClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *MethodClient) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.fail(ErrClosed)
	return err
}

// EventClient receives the event stream.
type EventClient struct {
	ws     *websocket.Conn
	logger *logrus.Logger
	events chan channel.Event

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// DialEvents connects to an event channel endpoint. The connection becomes the
// bridge's only event subscriber.
func DialEvents(ctx context.Context, url string, logger *logrus.Logger) (*EventClient, error) {
	if logger == nil {
		logger = logrus.New()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial event channel %s: %w", url, err)
	}
	c := &EventClient{
		ws:     ws,
		logger: logger,
		events: make(chan channel.Event, DefaultEventBuffer),
		done:   make(chan struct{}),
	}
	groutine.Go(ctx, "ws-event-reader", func(context.Context) { c.readLoop() })
	return c, nil
}

// Events returns the stream. It is closed at end of stream or on failure.
func (c *EventClient) Events() <-chan channel.Event {
	return c.events
}

// Err reports a stream failure after Events is closed. It is nil when the
// server ended the stream or Close was called.
func (c *EventClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *EventClient) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
					c.setErr(err)
				}
			}
			return
		}
		var msg channel.StreamMessage
		if err := channel.Decode(data, &msg); err != nil {
			c.logger.WithError(err).Warn("Discarding malformed stream frame")
			continue
		}
		switch {
		case msg.EndOfStream:
			c.logger.Debug("Event stream ended by server")
			return
		case msg.Error != nil:
			c.logger.WithError(msg.Error).Warn("Event stream error")
			c.setErr(msg.Error)
		case msg.Event != nil:
			select {
			case c.events <- *msg.Event:
			case <-c.done:
				return
			}
		}
	}
}

func (c *EventClient) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// Close ends the subscription.
func (c *EventClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}
