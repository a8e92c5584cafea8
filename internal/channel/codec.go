package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is the wire form of a MethodCall.
type Request struct {
	ID        uint64         `json:"id"`
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Call converts the request to a MethodCall.
func (r *Request) Call() MethodCall {
	return MethodCall{Method: r.Method, Arguments: r.Arguments}
}

// Response is the wire form of a reply. Exactly one of Result, Error and
// NotImplemented is meaningful.
type Response struct {
	ID             uint64     `json:"id"`
	Result         any        `json:"result,omitempty"`
	Error          *CallError `json:"error,omitempty"`
	NotImplemented bool       `json:"notImplemented,omitempty"`
}

// Err returns the reply outcome as an error, nil on success.
func (r *Response) Err() error {
	switch {
	case r.Error != nil:
		return r.Error
	case r.NotImplemented:
		return ErrNotImplemented
	default:
		return nil
	}
}

// StreamMessage is one frame of the event stream.
type StreamMessage struct {
	Event       *Event     `json:"event,omitempty"`
	Error       *CallError `json:"error,omitempty"`
	EndOfStream bool       `json:"endOfStream,omitempty"`
}

// Encode marshals a wire envelope.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return data, nil
}

// Decode unmarshals a wire envelope. Numbers are kept as json.Number so that
// integer arguments and 64-bit timestamps survive intact.
func Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}
