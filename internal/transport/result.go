package transport

import (
	"sync"

	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/ringchan"
)

// CodeEncodingFailed is returned when a reply value cannot be serialized.
const CodeEncodingFailed = "ENCODING_FAILED"

// wsResult writes the reply for one request id. Only the first resolution is
// written.
type wsResult struct {
	id   uint64
	s    *session
	send chan<- []byte
	once sync.Once
}

var _ channel.Result = (*wsResult)(nil)

func (r *wsResult) Success(v any) {
	r.write(channel.Response{ID: r.id, Result: v})
}

func (r *wsResult) Error(code, message string, details any) {
	r.write(channel.Response{ID: r.id, Error: &channel.CallError{Code: code, Message: message, Details: details}})
}

func (r *wsResult) NotImplemented() {
	r.write(channel.Response{ID: r.id, NotImplemented: true})
}

func (r *wsResult) write(resp channel.Response) {
	written := false
	r.once.Do(func() {
		written = true
		data, err := channel.Encode(resp)
		if err != nil {
			r.s.logger.WithError(err).WithField("id", r.id).Error("Failed to encode reply")
			data, _ = channel.Encode(channel.Response{
				ID:    r.id,
				Error: &channel.CallError{Code: CodeEncodingFailed, Message: err.Error()},
			})
		}
		r.s.enqueue(r.send, data)
	})
	if !written {
		r.s.logger.WithField("id", r.id).Warn("Reply already written, ignoring")
	}
}

// wsSink buffers stream frames in a ring channel drained by the session
// writer. A slow reader loses the oldest events instead of stalling delivery.
type wsSink struct {
	s    *session
	ring *ringchan.RingChannel[[]byte]
}

var _ channel.EventSink = (*wsSink)(nil)

func (k *wsSink) Success(ev channel.Event) {
	k.push(channel.StreamMessage{Event: &ev})
}

func (k *wsSink) Error(code, message string, details any) {
	k.push(channel.StreamMessage{Error: &channel.CallError{Code: code, Message: message, Details: details}})
}

// EndOfStream writes the final frame and closes the ring; the writer then
// closes the socket.
func (k *wsSink) EndOfStream() {
	k.push(channel.StreamMessage{EndOfStream: true})
	k.ring.Close()
}

func (k *wsSink) push(msg channel.StreamMessage) {
	data, err := channel.Encode(msg)
	if err != nil {
		k.s.logger.WithError(err).Error("Failed to encode stream frame")
		return
	}
	if dropped := k.ring.Send(data); dropped {
		k.s.logger.Debug("Event buffer full, dropped oldest frame")
	}
}
