package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/srg/oxibridge/bridge"
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/gateway"
	"github.com/srg/oxibridge/internal/relay"
	"github.com/srg/oxibridge/internal/sdk"
	"github.com/srg/oxibridge/internal/sdk/simsdk"
	"github.com/srg/oxibridge/internal/testutils"
	"github.com/srg/oxibridge/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const waitFor = 3 * time.Second

type TransportTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	sim    *simsdk.Client
	bridge *bridge.SDKBridge
	server *transport.Server
	http   *httptest.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *TransportTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.sim = simsdk.New(&simsdk.Options{
		Devices:        []sdk.Device{{Name: "O2Ring", MAC: "AA:BB:CC:DD:EE:01"}},
		ScanDelay:      time.Millisecond,
		ConnectDelay:   time.Millisecond,
		SampleInterval: 5 * time.Millisecond,
		Samples:        []int{97, 98, 99},
		Logger:         s.helper.Logger,
	})
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.bridge = bridge.New(s.sim, &bridge.Options{ScanTimeout: time.Second, Logger: s.helper.Logger})
	s.bridge.Start(s.ctx)

	s.server = transport.NewServer(s.bridge, &transport.ServerOptions{
		AllowedOrigins: []string{"https://app.example.com"},
		Logger:         s.helper.Logger,
	})
	s.http = httptest.NewServer(s.server)
}

func (s *TransportTestSuite) TearDownTest() {
	s.server.Close()
	s.http.Close()
	s.NoError(s.bridge.Close())
	s.cancel()
}

func (s *TransportTestSuite) url(path string) string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + path
}

func (s *TransportTestSuite) dialMethods() *transport.MethodClient {
	c, err := transport.DialMethods(s.ctx, s.url(transport.DefaultMethodPath), s.helper.Logger)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *TransportTestSuite) dialEvents() *transport.EventClient {
	c, err := transport.DialEvents(s.ctx, s.url(transport.DefaultEventPath), s.helper.Logger)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *TransportTestSuite) next(events <-chan channel.Event) channel.Event {
	select {
	case ev, ok := <-events:
		s.Require().True(ok, "event stream closed early")
		return ev
	case <-time.After(waitFor):
		s.Require().Fail("no event received")
		return channel.Event{}
	}
}

// subscribed waits until the event connection holds the subscriber slot.
func (s *TransportTestSuite) subscribed() {
	s.Require().Eventually(func() bool { return s.server.SessionCount() > 0 }, waitFor, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(s.ctx, waitFor)
	defer cancel()
	s.Require().NoError(s.bridge.Flush(ctx))
}

func (s *TransportTestSuite) TestInvokeRoundTrip() {
	// GOAL: Verify method calls travel over the method channel and replies come back by id
	//
	// TEST SCENARIO: dial → scanDevice → getConnectionState → unknown method → INVALID_TYPE

	c := s.dialMethods()
	ja := testutils.NewJSONAsserter(s.T())

	res, err := c.Invoke(s.ctx, gateway.MethodScanDevice, nil)
	s.Require().NoError(err)
	ja.AssertValue(res, `{"status":"connected","deviceName":"O2Ring","deviceAddress":"AA:BB:CC:DD:EE:01"}`)

	res, err = c.Invoke(s.ctx, gateway.MethodGetConnectionState, nil)
	s.Require().NoError(err)
	n, ok := channel.ToInt64(res)
	s.True(ok)
	s.Equal(int64(sdk.StateConnected), n)

	_, err = c.Invoke(s.ctx, "factoryReset", nil)
	s.ErrorIs(err, channel.ErrNotImplemented)

	_, err = c.Invoke(s.ctx, gateway.MethodGetMeasurementHistory, map[string]any{"type": 0})
	var callErr *channel.CallError
	s.Require().ErrorAs(err, &callErr)
	s.Equal(gateway.CodeInvalidType, callErr.Code)
	s.Equal("unsupported measurement type", callErr.Message)
}

func (s *TransportTestSuite) TestConcurrentInvokes() {
	c := s.dialMethods()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Invoke(s.ctx, gateway.MethodStopMeasurement, map[string]any{"type": 2})
			if err != nil {
				errs <- err
				return
			}
			if m, ok := res.(map[string]any); !ok || m["status"] != "stopped" {
				errs <- errors.New("unexpected reply")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
}

func (s *TransportTestSuite) TestEventStream() {
	// GOAL: Verify device events reach the event channel subscriber in order
	//
	// TEST SCENARIO: subscribe → scan+start → 3 samples → completion → disconnect → state change

	events := s.dialEvents()
	s.subscribed()
	c := s.dialMethods()

	_, err := c.Invoke(s.ctx, gateway.MethodScanDevice, nil)
	s.Require().NoError(err)
	_, err = c.Invoke(s.ctx, gateway.MethodStartMeasurement, map[string]any{"type": 2})
	s.Require().NoError(err)

	for _, want := range []int64{97, 98, 99} {
		ev := s.next(events.Events())
		s.Equal(relay.MethodRealTimeData, ev.Method)
		v, _ := channel.ToInt64(ev.Arguments["bloodOxygenValue"])
		s.Equal(want, v)
	}
	ev := s.next(events.Events())
	s.Equal(relay.MethodMeasurementComplete, ev.Method)
	s.Equal(true, ev.Arguments["success"])

	_, err = c.Invoke(s.ctx, gateway.MethodDisconnectDevice, nil)
	s.Require().NoError(err)
	ev = s.next(events.Events())
	s.Equal(relay.MethodConnectionStateChanged, ev.Method)
	s.Equal(false, ev.Arguments["connected"])
}

func (s *TransportTestSuite) TestNewSubscriberEndsPreviousStream() {
	first := s.dialEvents()
	s.subscribed()
	second := s.dialEvents()

	select {
	case _, ok := <-first.Events():
		s.False(ok, "replaced stream MUST end")
	case <-time.After(waitFor):
		s.Fail("replaced stream never ended")
	}
	s.NoError(first.Err())

	// the first stream ends from inside the second subscription, so the slot
	// already holds the second connection here
	s.sim.Publish(sdk.BleStateEvent{State: sdk.StateDisconnected})
	ev := s.next(second.Events())
	s.Equal(relay.MethodConnectionStateChanged, ev.Method)
}

func (s *TransportTestSuite) TestMalformedRequestIsIgnored() {
	ws, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.url(transport.DefaultMethodPath), nil)
	s.Require().NoError(err)
	defer ws.Close()

	s.Require().NoError(ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	s.Require().NoError(ws.WriteMessage(websocket.TextMessage, []byte(`{"id":7,"method":"getConnectionState"}`)))

	_ = ws.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := ws.ReadMessage()
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(string(data), `{"id":7,"result":0}`)
}

func (s *TransportTestSuite) TestOriginAllowList() {
	header := http.Header{}
	header.Set("Origin", "https://evil.example.org")
	_, resp, err := websocket.DefaultDialer.DialContext(s.ctx, s.url(transport.DefaultMethodPath), header)
	s.Require().Error(err)
	s.Require().NotNil(resp)
	s.Equal(http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	ws, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.url(transport.DefaultMethodPath), header)
	s.Require().NoError(err)
	_ = ws.Close()
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

// stubHandler resolves every call twice and records the subscriber.
type stubHandler struct {
	mu   sync.Mutex
	sink channel.EventSink
}

func (h *stubHandler) HandleCall(call channel.MethodCall, result channel.Result) {
	result.Success(call.Method)
	result.Error("LATE", "second resolution", nil)
}

func (h *stubHandler) Listen(sink channel.EventSink) func() {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
	return func() {}
}

func TestReplyWrittenOncePerRequest(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	server := transport.NewServer(&stubHandler{}, &transport.ServerOptions{Logger: helper.Logger})
	srv := httptest.NewServer(server)
	defer srv.Close()
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+transport.DefaultMethodPath, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"a"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":2,"method":"b"}`)))

	var ids []uint64
	_ = ws.SetReadDeadline(time.Now().Add(waitFor))
	for len(ids) < 2 {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var resp channel.Response
		require.NoError(t, json.Unmarshal(data, &resp))
		assert.Nil(t, resp.Error, "only the first resolution MUST be written")
		ids = append(ids, resp.ID)
	}
	assert.ElementsMatch(t, []uint64{1, 2}, ids)

	_ = ws.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "no further frames expected")
}

func TestSlowEventReaderLosesOldestFrames(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	h := &stubHandler{}
	server := transport.NewServer(h, &transport.ServerOptions{EventBuffer: 2, Logger: helper.Logger})
	srv := httptest.NewServer(server)
	defer srv.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	events, err := transport.DialEvents(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+transport.DefaultEventPath, helper.Logger)
	require.NoError(t, err)
	defer events.Close()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.sink != nil
	}, waitFor, 5*time.Millisecond)

	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	for i := 0; i < 100; i++ {
		sink.Success(channel.Event{Method: relay.MethodRealTimeData, Arguments: map[string]any{"bloodOxygenValue": i}})
	}
	sink.EndOfStream()

	var last int64 = -1
	count := 0
	for ev := range events.Events() {
		v, ok := channel.ToInt64(ev.Arguments["bloodOxygenValue"])
		require.True(t, ok)
		assert.Greater(t, v, last, "order MUST be preserved")
		last = v
		count++
	}
	assert.NoError(t, events.Err())
	assert.LessOrEqual(t, count, 100)
	assert.Equal(t, int64(99), last, "newest frame MUST survive")
}
