// Package channel defines the contracts between the bridge and the
// application shell: method calls with a single asynchronous reply, and a
// one-way event stream.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrNotImplemented is reported to callers of an unrecognized method.
var ErrNotImplemented = errors.New("method not implemented")

// MethodCall is a named command with an argument map.
type MethodCall struct {
	Method    string
	Arguments map[string]any
}

// Argument returns the raw argument value and whether it is present.
func (c MethodCall) Argument(key string) (any, bool) {
	if c.Arguments == nil {
		return nil, false
	}
	v, ok := c.Arguments[key]
	return v, ok
}

// IntArgument returns an integer argument. Missing or non-integer values
// yield 0.
func (c MethodCall) IntArgument(key string) int {
	v, ok := c.Argument(key)
	if !ok {
		return 0
	}
	n, ok := ToInt64(v)
	if !ok {
		return 0
	}
	return int(n)
}

// Result delivers the outcome of one MethodCall. Exactly one method should be
// called, once.
type Result interface {
	Success(v any)
	Error(code, message string, details any)
	NotImplemented()
}

// Event is a record pushed on the event stream.
type Event struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments"`
}

// EventSink receives the event stream of one subscriber.
type EventSink interface {
	Success(ev Event)
	Error(code, message string, details any)
	EndOfStream()
}

// CallError is a failed reply as seen by a caller.
type CallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *CallError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is allows errors.Is to compare CallError values by Code.
func (e *CallError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*CallError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ToInt64 converts integer-valued numbers of any Go numeric type to int64.
// Floats are accepted only when they hold a whole number, which is how JSON
// decoding represents integers.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	default:
		return 0, false
	}
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	// MaxInt64 is not representable as a float64 and rounds up to 2^63.
	if f >= 0x1p63 || f < -0x1p63 {
		return 0, false
	}
	return int64(f), true
}
