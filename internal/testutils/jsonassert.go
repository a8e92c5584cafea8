package testutils

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// TestingT is the subset of testing.T used by the asserters.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// PresencePlaceholder in expected JSON matches any value, as long as the key
// is present in the actual document. Useful for session IDs and MACs.
const PresencePlaceholder = "<<PRESENCE>>"

type JSONAssertOptions struct {
	IgnoreExtraKeys bool     `default:"false"` // keys only present in actual are dropped
	NilToEmptyArray bool     `default:"true"`  // null and [] compare equal
	IgnoredFields   []string // removed at every depth on both sides
}

// Option is a functional option for configuring JSONAsserter
type Option func(*JSONAssertOptions)

func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithNilToEmptyArray(normalize bool) Option {
	return func(o *JSONAssertOptions) { o.NilToEmptyArray = normalize }
}

func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

// JSONAsserter compares reply payloads and event arguments by their JSON form,
// reporting a structural diff on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	ja := &JSONAsserter{t: t}
	defaults.SetDefaults(&ja.options)
	return ja
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Options returns a copy of the effective options.
func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert compares two JSON documents. Key order and whitespace are irrelevant.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// AssertValue marshals actual and compares it against expectedJSON.
func (ja *JSONAsserter) AssertValue(actual any, expectedJSON string) bool {
	return ja.Assert(MustJSON(actual), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	expected, actual = ja.reconcile(expected, actual)

	// gojsondiff compares objects only
	root := func(v any) map[string]any {
		if m, ok := v.(map[string]any); ok {
			return m
		}
		return map[string]any{"value": v}
	}
	left, right := root(expected), root(actual)

	d := gojsondiff.New().CompareObjects(left, right)
	if !d.Modified() {
		return ""
	}
	out, err := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
	}).Format(d)
	if err != nil {
		return fmt.Sprintf("JSON diff rendering failed: %v", err)
	}
	return out
}

// reconcile walks both documents in step and applies the options, returning
// the values to compare. Placeholders are resolved to the actual value.
func (ja *JSONAsserter) reconcile(expected, actual any) (any, any) {
	if s, ok := expected.(string); ok && s == PresencePlaceholder && actual != nil {
		return actual, actual
	}
	if ja.options.NilToEmptyArray && isNilOrEmptyArray(expected) && isNilOrEmptyArray(actual) {
		return []any{}, []any{}
	}

	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return expected, actual
		}
		outExp := make(map[string]any, len(exp))
		outAct := make(map[string]any, len(act))
		for k, av := range act {
			if slices.Contains(ja.options.IgnoredFields, k) {
				continue
			}
			if _, known := exp[k]; !known && ja.options.IgnoreExtraKeys {
				continue
			}
			outAct[k] = av
		}
		for k, ev := range exp {
			if slices.Contains(ja.options.IgnoredFields, k) {
				continue
			}
			av, present := outAct[k]
			if !present {
				outExp[k] = ev
				continue
			}
			outExp[k], outAct[k] = ja.reconcile(ev, av)
		}
		return outExp, outAct

	case []any:
		act, ok := actual.([]any)
		if !ok {
			return expected, actual
		}
		outExp := slices.Clone(exp)
		outAct := slices.Clone(act)
		for i := range min(len(exp), len(act)) {
			outExp[i], outAct[i] = ja.reconcile(exp[i], act[i])
		}
		return outExp, outAct

	default:
		return expected, actual
	}
}

func isNilOrEmptyArray(v any) bool {
	if v == nil {
		return true
	}
	arr, ok := v.([]any)
	return ok && len(arr) == 0
}
