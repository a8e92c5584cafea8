package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/loop"
	"github.com/srg/oxibridge/internal/relay"
	"github.com/srg/oxibridge/internal/sdk"
	"github.com/srg/oxibridge/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type RelayTestSuite struct {
	suite.Suite

	logger *logrus.Logger
	loop   *loop.Loop
	relay  *relay.Relay
}

func (s *RelayTestSuite) SetupTest() {
	s.logger = testutils.NewTestHelper(s.T()).Logger
	s.loop = loop.New(s.logger)
	s.loop.Start(context.Background())
	s.relay = relay.New(s.loop, s.logger)
}

func (s *RelayTestSuite) TearDownTest() {
	s.loop.Stop()
}

func (s *RelayTestSuite) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Require().NoError(s.loop.Flush(ctx))
}

func (s *RelayTestSuite) listen() (*testutils.RecordingSink, func()) {
	sink := testutils.NewRecordingSink()
	cancel := s.relay.Listen(sink)
	s.flush()
	return sink, cancel
}

func (s *RelayTestSuite) TestRecognizedEvents() {
	// GOAL: Verify each recognized SDK shape is reshaped into its stream record
	//
	// TEST SCENARIO: publish SDK event → relay reshapes → subscriber receives {method, arguments}

	tests := []struct {
		name     string
		event    sdk.Event
		expected string
	}{
		{
			name:     "SpO2 sample",
			event:    sdk.RealDataResponse{DataType: sdk.DataTypeBloodOxygen, Values: map[string]any{"bloodOxygenValue": 98}},
			expected: `{"method":"onRealTimeData","arguments":{"dataType":1538,"bloodOxygenValue":98}}`,
		},
		{
			name:     "SpO2 sample without value defaults to 0",
			event:    sdk.RealDataResponse{DataType: sdk.DataTypeBloodOxygen, Values: map[string]any{"heartValue": 71}},
			expected: `{"method":"onRealTimeData","arguments":{"dataType":1538,"bloodOxygenValue":0}}`,
		},
		{
			name:     "successful measurement completion",
			event:    sdk.ToAppDataResponse{Cmd: sdk.CmdMeasurementComplete, Data: []byte{2, 1}},
			expected: `{"method":"onMeasurementComplete","arguments":{"type":2,"success":true}}`,
		},
		{
			name:     "failed measurement completion with trailing bytes",
			event:    sdk.ToAppDataResponse{Cmd: sdk.CmdMeasurementComplete, Data: []byte{0xFF, 2, 9}},
			expected: `{"method":"onMeasurementComplete","arguments":{"type":255,"success":false}}`,
		},
		{
			name:     "disconnection",
			event:    sdk.BleStateEvent{State: sdk.StateDisconnected},
			expected: `{"method":"onConnectionStateChanged","arguments":{"connected":false}}`,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			sink, cancel := s.listen()
			defer cancel()

			s.relay.OnEvent(tt.event)
			s.flush()

			events := sink.Events()
			s.Require().Len(events, 1)
			testutils.NewJSONAsserter(s.T()).AssertValue(events[0], tt.expected)
		})
	}
}

func (s *RelayTestSuite) TestUnrecognizedEventsAreDropped() {
	sink, cancel := s.listen()
	defer cancel()

	for _, ev := range []sdk.Event{
		sdk.RealDataResponse{DataType: 1537, Values: map[string]any{"heartValue": 70}},
		sdk.ToAppDataResponse{Cmd: 1039, Data: []byte{1, 1}},
		sdk.ToAppDataResponse{Cmd: sdk.CmdMeasurementComplete, Data: []byte{1}},
		sdk.BleStateEvent{State: sdk.StateConnected},
		sdk.BleStateEvent{State: sdk.StateConnecting},
		nil,
	} {
		s.relay.OnEvent(ev)
	}
	s.flush()

	s.Empty(sink.Events())
}

func (s *RelayTestSuite) TestNoSubscriberDropsWithoutReplay() {
	// GOAL: Verify events without a subscriber are dropped and never replayed
	//
	// TEST SCENARIO: publish SpO2 sample with no subscriber → attach subscriber → nothing delivered

	s.NotPanics(func() {
		s.relay.OnEvent(sdk.RealDataResponse{DataType: sdk.DataTypeBloodOxygen, Values: map[string]any{"bloodOxygenValue": 97}})
		s.flush()
	})

	sink, cancel := s.listen()
	defer cancel()
	s.flush()

	s.Empty(sink.Events(), "dropped event MUST NOT be replayed")
}

func (s *RelayTestSuite) TestDisconnectPushedOncePerOccurrence() {
	sink, cancel := s.listen()
	defer cancel()

	for i := 0; i < 3; i++ {
		s.relay.OnEvent(sdk.BleStateEvent{State: sdk.StateDisconnected})
	}
	s.flush()

	events := sink.Events()
	s.Len(events, 3, "each disconnection MUST produce exactly one push")
	for _, ev := range events {
		s.Equal(relay.MethodConnectionStateChanged, ev.Method)
		s.Equal(false, ev.Arguments["connected"])
	}
}

func (s *RelayTestSuite) TestOrderingMatchesArrival() {
	sink, cancel := s.listen()
	defer cancel()

	for v := 90; v < 100; v++ {
		s.relay.OnEvent(sdk.RealDataResponse{DataType: sdk.DataTypeBloodOxygen, Values: map[string]any{"bloodOxygenValue": v}})
	}
	s.relay.OnEvent(sdk.ToAppDataResponse{Cmd: sdk.CmdMeasurementComplete, Data: []byte{2, 1}})
	s.flush()

	events := sink.Events()
	s.Require().Len(events, 11)
	for i := 0; i < 10; i++ {
		s.Equal(90+i, events[i].Arguments["bloodOxygenValue"])
	}
	s.Equal(relay.MethodMeasurementComplete, events[10].Method)
}

func (s *RelayTestSuite) TestCancelDetachesSubscriber() {
	sink, cancel := s.listen()
	cancel()
	s.flush()

	s.relay.OnEvent(sdk.BleStateEvent{State: sdk.StateDisconnected})
	s.flush()

	s.Empty(sink.Events())
	s.False(sink.Ended(), "cancel MUST NOT end the stream it detaches")
}

func (s *RelayTestSuite) TestNewSubscriberReplacesPrevious() {
	// GOAL: Verify the slot holds one subscriber and stale cancels cannot detach a newer one
	//
	// TEST SCENARIO: listen A → listen B → A ended → cancel A → B still receives events

	first, cancelFirst := s.listen()
	second, cancelSecond := s.listen()
	defer cancelSecond()

	s.True(first.Ended(), "replaced subscriber MUST receive end of stream")

	cancelFirst()
	s.relay.OnEvent(sdk.BleStateEvent{State: sdk.StateDisconnected})
	s.flush()

	s.Empty(first.Events())
	s.Len(second.Events(), 1, "stale cancel MUST NOT detach the current subscriber")
}

func (s *RelayTestSuite) TestConcurrentPublishers() {
	sink, cancel := s.listen()
	defer cancel()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				s.relay.OnEvent(sdk.RealDataResponse{DataType: sdk.DataTypeBloodOxygen, Values: map[string]any{"bloodOxygenValue": 95}})
			}
		}()
	}
	wg.Wait()
	s.flush()

	s.Len(sink.Events(), 200)
}

func TestRelayTestSuite(t *testing.T) {
	suite.Run(t, new(RelayTestSuite))
}
