package models

import "time"

// MetricType is the storage classification of an OTLP metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
	MetricTypeUnknown   MetricType = "unknown"
)

// RawMetric is one recorded data point. Rows are append-only and are written
// for every data point, whether or not it could be correlated.
type RawMetric struct {
	ID          int64          `json:"id"`
	MetricType  MetricType     `json:"metric_type"`
	MetricName  string         `json:"metric_name"`
	Value       float64        `json:"value"`
	Labels      map[string]any `json:"labels"`
	ProjectPath *string        `json:"project_path"`
	UserID      *string        `json:"user_id"`
	SessionID   *string        `json:"session_id"`
	Metadata    MetricMetadata `json:"metadata"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// MetricMetadata carries the original OTLP timing and origin of a data point.
type MetricMetadata struct {
	// TimeUnixNano is the data point timestamp as sent, 0 when absent.
	TimeUnixNano      uint64          `json:"time_unix_nano,omitempty"`
	StartTimeUnixNano uint64          `json:"start_time_unix_nano,omitempty"`
	ServiceName       string          `json:"service_name,omitempty"`
	ScopeName         string          `json:"scope_name,omitempty"`
	Unit              string          `json:"unit,omitempty"`
	Histogram         *HistogramStats `json:"histogram,omitempty"`
	Exemplars         []Exemplar      `json:"exemplars,omitempty"`
}

// HistogramStats is the summary of one histogram data point.
type HistogramStats struct {
	Count          uint64    `json:"count"`
	Sum            *float64  `json:"sum,omitempty"`
	Min            *float64  `json:"min,omitempty"`
	Max            *float64  `json:"max,omitempty"`
	BucketCounts   []uint64  `json:"bucket_counts,omitempty"`
	ExplicitBounds []float64 `json:"explicit_bounds,omitempty"`
}

// Exemplar is a sampled measurement attached to a data point.
type Exemplar struct {
	TimeUnixNano uint64         `json:"time_unix_nano,omitempty"`
	Value        float64        `json:"value"`
	TraceID      string         `json:"trace_id,omitempty"`
	SpanID       string         `json:"span_id,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// MetricFilter narrows ListMetrics results. Zero values match everything.
type MetricFilter struct {
	SessionID  string
	MetricName string
	Limit      int
}
