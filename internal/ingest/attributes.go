// Package ingest turns OTLP metric payloads into session, message and raw
// metric writes.
package ingest

import (
	"math"
	"strconv"

	"github.com/fidde/otlp_usage_tracker/pkg/otlpjson"
)

// Kind tags which variant of a Value is set. The zero Kind means absent, so a
// decoded false or 0 is never confused with a missing attribute.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindString
	KindInt
	KindDouble
	KindBool
)

// Value is a decoded scalar attribute value.
type Value struct {
	Kind   Kind
	Str    string
	Int    int64
	Double float64
	Bool   bool
}

// String renders the value as text.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Any returns the value as a plain Go scalar, nil when absent. Non-finite
// doubles are returned as text since JSON cannot carry them.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindDouble:
		if math.IsNaN(v.Double) || math.IsInf(v.Double, 0) {
			return v.String()
		}
		return v.Double
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

// Attributes maps attribute keys to decoded values.
type Attributes map[string]Value

// ExtractAttributes converts an OTLP attribute list to a map. The last
// occurrence of a duplicated key wins; entries without a key or a scalar
// value are skipped.
func ExtractAttributes(kvs []otlpjson.KeyValue) Attributes {
	result := make(Attributes, len(kvs))
	for _, kv := range kvs {
		if kv.Key == "" {
			continue
		}
		v, ok := decodeValue(kv.Value)
		if !ok {
			continue
		}
		result[kv.Key] = v
	}
	return result
}

func decodeValue(av *otlpjson.AnyValue) (Value, bool) {
	if av == nil {
		return Value{}, false
	}
	switch {
	case av.StringValue != nil:
		return Value{Kind: KindString, Str: *av.StringValue}, true
	case av.IntValue != nil:
		return Value{Kind: KindInt, Int: int64(*av.IntValue)}, true
	case av.DoubleValue != nil:
		return Value{Kind: KindDouble, Double: float64(*av.DoubleValue)}, true
	case av.BoolValue != nil:
		return Value{Kind: KindBool, Bool: *av.BoolValue}, true
	default:
		return Value{}, false
	}
}

// Get returns the value for key and whether it is present.
func (a Attributes) Get(key string) (Value, bool) {
	v, ok := a[key]
	return v, ok
}

// String returns the value for key rendered as text.
func (a Attributes) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	return v.String(), true
}

// Plain converts the attributes to a map of plain scalars for serialization.
func (a Attributes) Plain() map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v.Any()
	}
	return out
}

// Strings converts the attributes to text values.
func (a Attributes) Strings() map[string]string {
	out := make(map[string]string, len(a))
	for k, v := range a {
		out[k] = v.String()
	}
	return out
}

// Merge returns a new map holding base overlaid with override.
func Merge(base, override Attributes) Attributes {
	out := make(Attributes, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
