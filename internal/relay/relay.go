// Package relay forwards recognized SDK events to the single event stream
// subscriber.
package relay

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/loop"
	"github.com/srg/oxibridge/internal/sdk"
)

// Relay owns the single subscriber slot. The slot is read and written only on
// the delivery loop, so pushes reach the subscriber in arrival order and never
// race with Listen or cancellation.
type Relay struct {
	loop   *loop.Loop
	logger *logrus.Logger
	sink   channel.EventSink
}

// New creates a relay that delivers on l.
func New(l *loop.Loop, logger *logrus.Logger) *Relay {
	if logger == nil {
		logger = logrus.New()
	}
	return &Relay{
		loop:   l,
		logger: logger,
	}
}

// OnEvent accepts an SDK event from any goroutine. Unrecognized shapes are
// dropped. Events arriving while nobody listens are dropped and not replayed.
func (r *Relay) OnEvent(ev sdk.Event) {
	de, ok := Decode(ev)
	if !ok {
		r.logger.WithField("event", fmt.Sprintf("%T", ev)).Debug("Dropping unrecognized SDK event")
		return
	}

	record := de.Record()
	posted := r.loop.Post(func() {
		if r.sink == nil {
			r.logger.WithField("method", record.Method).Debug("No event subscriber, dropping event")
			return
		}
		r.sink.Success(record)
	})
	if !posted {
		r.logger.WithField("method", record.Method).Debug("Delivery loop stopped, dropping event")
	}
}

// Listen installs sink as the subscriber, replacing and ending the previous
// one. The returned cancel clears the slot if it still holds sink. Sinks are
// compared by identity, so pass a pointer.
func (r *Relay) Listen(sink channel.EventSink) (cancel func()) {
	r.loop.Post(func() {
		if r.sink != nil && r.sink != sink {
			r.logger.Info("Replacing event subscriber")
			r.sink.EndOfStream()
		}
		r.sink = sink
		r.logger.Debug("Event subscriber attached")
	})

	return func() {
		r.loop.Post(func() {
			if r.sink != sink {
				return
			}
			r.sink = nil
			r.logger.Debug("Event subscriber detached")
		})
	}
}
