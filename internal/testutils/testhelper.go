package testutils

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/channel"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Outcome is one delivery recorded by RecordingResult.
type Outcome struct {
	Kind    string // "success", "error" or "not_implemented"
	Value   any
	Code    string
	Message string
}

// RecordingResult is a channel.Result that records every delivery, including
// deliveries that violate the exactly-once contract.
type RecordingResult struct {
	mu       sync.Mutex
	outcomes []Outcome
	notify   chan struct{}
}

var _ channel.Result = (*RecordingResult)(nil)

func NewRecordingResult() *RecordingResult {
	return &RecordingResult{notify: make(chan struct{}, 1)}
}

func (r *RecordingResult) record(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *RecordingResult) Success(v any) {
	r.record(Outcome{Kind: "success", Value: v})
}

func (r *RecordingResult) Error(code, message string, _ any) {
	r.record(Outcome{Kind: "error", Code: code, Message: message})
}

func (r *RecordingResult) NotImplemented() {
	r.record(Outcome{Kind: "not_implemented"})
}

// Outcomes returns a copy of the recorded deliveries.
func (r *RecordingResult) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

// Wait blocks until at least one outcome was recorded or timeout elapses.
func (r *RecordingResult) Wait(timeout time.Duration) (Outcome, bool) {
	deadline := time.After(timeout)
	for {
		if out := r.Outcomes(); len(out) > 0 {
			return out[0], true
		}
		select {
		case <-r.notify:
		case <-deadline:
			return Outcome{}, false
		}
	}
}

// RecordingSink is a channel.EventSink that records pushed events.
type RecordingSink struct {
	mu     sync.Mutex
	events []channel.Event
	errors []string
	ended  bool
	notify chan struct{}
}

var _ channel.EventSink = (*RecordingSink)(nil)

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{notify: make(chan struct{}, 1)}
}

func (s *RecordingSink) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *RecordingSink) Success(ev channel.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *RecordingSink) Error(code, _ string, _ any) {
	s.mu.Lock()
	s.errors = append(s.errors, code)
	s.mu.Unlock()
	s.signal()
}

func (s *RecordingSink) EndOfStream() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []channel.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]channel.Event(nil), s.events...)
}

// Ended reports whether EndOfStream was delivered.
func (s *RecordingSink) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// WaitEvents blocks until at least n events were recorded or timeout elapses.
func (s *RecordingSink) WaitEvents(n int, timeout time.Duration) []channel.Event {
	deadline := time.After(timeout)
	for {
		if evs := s.Events(); len(evs) >= n {
			return evs
		}
		select {
		case <-s.notify:
		case <-deadline:
			return s.Events()
		}
	}
}
