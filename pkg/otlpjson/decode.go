package otlpjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DecodeError reports a payload that is not valid JSON.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding OTLP JSON: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Unmarshal decodes an OTLP metrics export request from JSON.
// An empty body, or valid JSON of the wrong shape, decodes to an empty
// payload. Values that do not decode are dropped without failing the rest.
func Unmarshal(data []byte) (*Payload, error) {
	var p Payload
	if len(bytes.TrimSpace(data)) == 0 {
		return &p, nil
	}
	// Payload.UnmarshalJSON never fails, so any error is a syntax error.
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &p, nil
}

// Decode reads and decodes a payload from r.
func Decode(r io.Reader) (*Payload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return Unmarshal(data)
}

var errNotObject = errors.New("not a JSON object")

// List is a JSON array decoded one element at a time. Elements that do not
// decode are dropped and a value that is not an array decodes to nil.
type List[T any] []T

// UnmarshalJSON implements json.Unmarshaler. It never fails.
func (l *List[T]) UnmarshalJSON(b []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil || raws == nil {
		*l = nil
		return nil
	}
	out := make(List[T], 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	*l = out
	return nil
}

// decodeObject decodes a JSON object into the shadow struct v. Members of
// the wrong JSON type are left zero. Anything but an object is an error so
// the caller can treat the value as absent.
func decodeObject(b []byte, v any) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return errNotObject
	}
	var typeErr *json.UnmarshalTypeError
	if err := json.Unmarshal(b, v); err != nil && !errors.As(err, &typeErr) {
		return err
	}
	return nil
}

// field decodes raw into dst. dst is left untouched when raw is absent,
// null or does not decode.
func field[T any](raw json.RawMessage, dst *T) {
	if len(raw) == 0 || isNull(raw) {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
	}
}

// optional decodes raw into a new T, or returns nil when raw is absent,
// null or does not decode.
func optional[T any](raw json.RawMessage) *T {
	if len(raw) == 0 || isNull(raw) {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil
	}
	return v
}

// UnmarshalJSON implements json.Unmarshaler. A payload that is not an object
// decodes to an empty payload.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var raw struct {
		ResourceMetrics List[ResourceMetrics] `json:"resourceMetrics"`
	}
	if err := decodeObject(b, &raw); err != nil {
		*p = Payload{}
		return nil
	}
	*p = Payload{ResourceMetrics: raw.ResourceMetrics}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (rm *ResourceMetrics) UnmarshalJSON(b []byte) error {
	var raw struct {
		Resource     json.RawMessage    `json:"resource"`
		ScopeMetrics List[ScopeMetrics] `json:"scopeMetrics"`
		SchemaURL    string             `json:"schemaUrl"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*rm = ResourceMetrics{ScopeMetrics: raw.ScopeMetrics, SchemaURL: raw.SchemaURL}
	field(raw.Resource, &rm.Resource)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Resource) UnmarshalJSON(b []byte) error {
	var raw struct {
		Attributes List[KeyValue] `json:"attributes"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*r = Resource{Attributes: raw.Attributes}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (sm *ScopeMetrics) UnmarshalJSON(b []byte) error {
	var raw struct {
		Scope   json.RawMessage `json:"scope"`
		Metrics List[Metric]    `json:"metrics"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*sm = ScopeMetrics{Metrics: raw.Metrics}
	field(raw.Scope, &sm.Scope)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scope) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*s = Scope{Name: raw.Name, Version: raw.Version}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. A data container that is not
// an object is left nil.
func (m *Metric) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Unit        string          `json:"unit"`
		Sum         json.RawMessage `json:"sum"`
		Gauge       json.RawMessage `json:"gauge"`
		Histogram   json.RawMessage `json:"histogram"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*m = Metric{
		Name:        raw.Name,
		Description: raw.Description,
		Unit:        raw.Unit,
		Sum:         optional[Sum](raw.Sum),
		Gauge:       optional[Gauge](raw.Gauge),
		Histogram:   optional[Histogram](raw.Histogram),
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sum) UnmarshalJSON(b []byte) error {
	var raw struct {
		DataPoints             List[NumberDataPoint] `json:"dataPoints"`
		AggregationTemporality json.RawMessage       `json:"aggregationTemporality"`
		IsMonotonic            bool                  `json:"isMonotonic"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*s = Sum{DataPoints: raw.DataPoints, IsMonotonic: raw.IsMonotonic}
	field(raw.AggregationTemporality, &s.AggregationTemporality)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *Gauge) UnmarshalJSON(b []byte) error {
	var raw struct {
		DataPoints List[NumberDataPoint] `json:"dataPoints"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*g = Gauge{DataPoints: raw.DataPoints}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Histogram) UnmarshalJSON(b []byte) error {
	var raw struct {
		DataPoints             List[HistogramDataPoint] `json:"dataPoints"`
		AggregationTemporality json.RawMessage          `json:"aggregationTemporality"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*h = Histogram{DataPoints: raw.DataPoints}
	field(raw.AggregationTemporality, &h.AggregationTemporality)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. A value or timestamp that does
// not decode is left absent; the point itself is kept.
func (dp *NumberDataPoint) UnmarshalJSON(b []byte) error {
	var raw struct {
		Attributes        List[KeyValue]  `json:"attributes"`
		StartTimeUnixNano json.RawMessage `json:"startTimeUnixNano"`
		TimeUnixNano      json.RawMessage `json:"timeUnixNano"`
		AsInt             json.RawMessage `json:"asInt"`
		AsDouble          json.RawMessage `json:"asDouble"`
		Exemplars         List[Exemplar]  `json:"exemplars"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*dp = NumberDataPoint{
		Attributes: raw.Attributes,
		AsInt:      optional[Int64](raw.AsInt),
		AsDouble:   optional[Float64](raw.AsDouble),
		Exemplars:  raw.Exemplars,
	}
	field(raw.StartTimeUnixNano, &dp.StartTimeUnixNano)
	field(raw.TimeUnixNano, &dp.TimeUnixNano)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (dp *HistogramDataPoint) UnmarshalJSON(b []byte) error {
	var raw struct {
		Attributes        List[KeyValue]  `json:"attributes"`
		StartTimeUnixNano json.RawMessage `json:"startTimeUnixNano"`
		TimeUnixNano      json.RawMessage `json:"timeUnixNano"`
		Count             json.RawMessage `json:"count"`
		Sum               json.RawMessage `json:"sum"`
		Min               json.RawMessage `json:"min"`
		Max               json.RawMessage `json:"max"`
		BucketCounts      List[Uint64]    `json:"bucketCounts"`
		ExplicitBounds    List[Float64]   `json:"explicitBounds"`
		Exemplars         List[Exemplar]  `json:"exemplars"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*dp = HistogramDataPoint{
		Attributes:     raw.Attributes,
		Sum:            optional[Float64](raw.Sum),
		Min:            optional[Float64](raw.Min),
		Max:            optional[Float64](raw.Max),
		BucketCounts:   raw.BucketCounts,
		ExplicitBounds: raw.ExplicitBounds,
		Exemplars:      raw.Exemplars,
	}
	field(raw.StartTimeUnixNano, &dp.StartTimeUnixNano)
	field(raw.TimeUnixNano, &dp.TimeUnixNano)
	field(raw.Count, &dp.Count)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Exemplar) UnmarshalJSON(b []byte) error {
	var raw struct {
		FilteredAttributes List[KeyValue]  `json:"filteredAttributes"`
		TimeUnixNano       json.RawMessage `json:"timeUnixNano"`
		AsInt              json.RawMessage `json:"asInt"`
		AsDouble           json.RawMessage `json:"asDouble"`
		SpanID             string          `json:"spanId"`
		TraceID            string          `json:"traceId"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*e = Exemplar{
		FilteredAttributes: raw.FilteredAttributes,
		AsInt:              optional[Int64](raw.AsInt),
		AsDouble:           optional[Float64](raw.AsDouble),
		SpanID:             raw.SpanID,
		TraceID:            raw.TraceID,
	}
	field(raw.TimeUnixNano, &e.TimeUnixNano)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. A value that is not an object
// is left nil.
func (kv *KeyValue) UnmarshalJSON(b []byte) error {
	var raw struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*kv = KeyValue{Key: raw.Key, Value: optional[AnyValue](raw.Value)}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Each variant is decoded on its
// own so a mistyped one, such as {"boolValue":"yes"}, stays nil.
func (av *AnyValue) UnmarshalJSON(b []byte) error {
	var raw struct {
		StringValue json.RawMessage `json:"stringValue"`
		IntValue    json.RawMessage `json:"intValue"`
		DoubleValue json.RawMessage `json:"doubleValue"`
		BoolValue   json.RawMessage `json:"boolValue"`
	}
	if err := decodeObject(b, &raw); err != nil {
		return err
	}
	*av = AnyValue{
		StringValue: optional[string](raw.StringValue),
		IntValue:    optional[Int64](raw.IntValue),
		DoubleValue: optional[Float64](raw.DoubleValue),
		BoolValue:   optional[bool](raw.BoolValue),
	}
	return nil
}
