// Package otlpjson decodes the JSON encoding of OTLP metric export requests.
//
// The decoder is deliberately lenient: absent or malformed containers decode
// to nil lists, a list element or value that does not decode is dropped, 64-bit
// integers are accepted as numbers or decimal strings, and a data point may
// carry both asInt and asDouble (callers decide which wins). Only input that is
// not valid JSON is an error.
package otlpjson

// Payload is the body of an OTLP/HTTP metrics export request.
type Payload struct {
	ResourceMetrics List[ResourceMetrics] `json:"resourceMetrics"`
}

// ResourceMetrics is one batch sharing a resource.
type ResourceMetrics struct {
	Resource     Resource           `json:"resource"`
	ScopeMetrics List[ScopeMetrics] `json:"scopeMetrics"`
	SchemaURL    string             `json:"schemaUrl,omitempty"`
}

// Resource holds service/process level attributes.
type Resource struct {
	Attributes List[KeyValue] `json:"attributes"`
}

// ScopeMetrics groups metrics from one instrumentation scope.
type ScopeMetrics struct {
	Scope   Scope        `json:"scope"`
	Metrics List[Metric] `json:"metrics"`
}

// Scope is the instrumentation scope.
type Scope struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Metric is a named metric with exactly one data container set in valid input.
type Metric struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	Sum         *Sum       `json:"sum,omitempty"`
	Gauge       *Gauge     `json:"gauge,omitempty"`
	Histogram   *Histogram `json:"histogram,omitempty"`
}

// Sum is a cumulative or delta sum.
type Sum struct {
	DataPoints             List[NumberDataPoint] `json:"dataPoints"`
	AggregationTemporality Temporality           `json:"aggregationTemporality,omitempty"`
	IsMonotonic            bool                  `json:"isMonotonic,omitempty"`
}

// Gauge is a point-in-time value.
type Gauge struct {
	DataPoints List[NumberDataPoint] `json:"dataPoints"`
}

// Histogram is an explicit-bucket histogram.
type Histogram struct {
	DataPoints             List[HistogramDataPoint] `json:"dataPoints"`
	AggregationTemporality Temporality              `json:"aggregationTemporality,omitempty"`
}

// NumberDataPoint is a sum or gauge sample.
type NumberDataPoint struct {
	Attributes        List[KeyValue] `json:"attributes"`
	StartTimeUnixNano Uint64         `json:"startTimeUnixNano,omitempty"`
	TimeUnixNano      Uint64         `json:"timeUnixNano,omitempty"`
	AsInt             *Int64         `json:"asInt,omitempty"`
	AsDouble          *Float64       `json:"asDouble,omitempty"`
	Exemplars         List[Exemplar] `json:"exemplars,omitempty"`
}

// HistogramDataPoint is one histogram sample.
type HistogramDataPoint struct {
	Attributes        List[KeyValue] `json:"attributes"`
	StartTimeUnixNano Uint64         `json:"startTimeUnixNano,omitempty"`
	TimeUnixNano      Uint64         `json:"timeUnixNano,omitempty"`
	Count             Uint64         `json:"count,omitempty"`
	Sum               *Float64       `json:"sum,omitempty"`
	Min               *Float64       `json:"min,omitempty"`
	Max               *Float64       `json:"max,omitempty"`
	BucketCounts      List[Uint64]   `json:"bucketCounts,omitempty"`
	ExplicitBounds    List[Float64]  `json:"explicitBounds,omitempty"`
	Exemplars         List[Exemplar] `json:"exemplars,omitempty"`
}

// Exemplar is a sampled raw measurement.
type Exemplar struct {
	FilteredAttributes List[KeyValue] `json:"filteredAttributes,omitempty"`
	TimeUnixNano       Uint64         `json:"timeUnixNano,omitempty"`
	AsInt              *Int64         `json:"asInt,omitempty"`
	AsDouble           *Float64       `json:"asDouble,omitempty"`
	SpanID             string         `json:"spanId,omitempty"`
	TraceID            string         `json:"traceId,omitempty"`
}

// KeyValue is one attribute.
type KeyValue struct {
	Key   string    `json:"key"`
	Value *AnyValue `json:"value,omitempty"`
}

// AnyValue holds at most one scalar variant. Array, kvlist and bytes values
// are not decoded, and a variant of the wrong JSON type is left nil.
type AnyValue struct {
	StringValue *string  `json:"stringValue,omitempty"`
	IntValue    *Int64   `json:"intValue,omitempty"`
	DoubleValue *Float64 `json:"doubleValue,omitempty"`
	BoolValue   *bool    `json:"boolValue,omitempty"`
}

// Str builds a string attribute.
func Str(key, v string) KeyValue {
	return KeyValue{Key: key, Value: &AnyValue{StringValue: &v}}
}

// Int builds an integer attribute.
func Int(key string, v int64) KeyValue {
	i := Int64(v)
	return KeyValue{Key: key, Value: &AnyValue{IntValue: &i}}
}

// Double builds a floating point attribute.
func Double(key string, v float64) KeyValue {
	f := Float64(v)
	return KeyValue{Key: key, Value: &AnyValue{DoubleValue: &f}}
}

// Bool builds a boolean attribute.
func Bool(key string, v bool) KeyValue {
	return KeyValue{Key: key, Value: &AnyValue{BoolValue: &v}}
}
