package ingest

import (
	"math"

	"github.com/fidde/otlp_usage_tracker/pkg/models"
	"github.com/fidde/otlp_usage_tracker/pkg/otlpjson"
)

// Metric names with aggregation semantics. Matching is exact and case-sensitive.
const (
	MetricSessionCost   = "claude_code.cost.usage"
	MetricSessionTokens = "claude_code.token.usage"
	MetricMessageCost   = "conversation.message.cost"
	MetricMessageTokens = "conversation.message.tokens"
)

// Route is the aggregation handler selected for a metric.
type Route int

const (
	RouteUnrouted Route = iota
	RouteSessionCost
	RouteSessionTokens
	RouteMessageCost
	RouteMessageTokens
)

// RouteFor returns the route for a metric name.
func RouteFor(name string) Route {
	switch name {
	case MetricSessionCost:
		return RouteSessionCost
	case MetricSessionTokens:
		return RouteSessionTokens
	case MetricMessageCost:
		return RouteMessageCost
	case MetricMessageTokens:
		return RouteMessageTokens
	default:
		return RouteUnrouted
	}
}

func (r Route) String() string {
	switch r {
	case RouteSessionCost:
		return "session_cost"
	case RouteSessionTokens:
		return "session_tokens"
	case RouteMessageCost:
		return "message_cost"
	case RouteMessageTokens:
		return "message_tokens"
	default:
		return "unrouted"
	}
}

// SessionLevel reports whether the route carries session-level usage.
func (r Route) SessionLevel() bool {
	return r == RouteSessionCost || r == RouteSessionTokens
}

// ClassifyMetric maps the OTLP data shape to a storage metric type.
func ClassifyMetric(m *otlpjson.Metric) models.MetricType {
	switch {
	case m == nil:
		return models.MetricTypeUnknown
	case m.Sum != nil && m.Sum.IsMonotonic:
		return models.MetricTypeCounter
	case m.Sum != nil:
		return models.MetricTypeGauge
	case m.Gauge != nil:
		return models.MetricTypeGauge
	case m.Histogram != nil:
		return models.MetricTypeHistogram
	default:
		return models.MetricTypeUnknown
	}
}

// DataPoint is a data point normalized across sum, gauge and histogram shapes.
type DataPoint struct {
	Attributes        Attributes
	Value             float64
	TimeUnixNano      uint64
	StartTimeUnixNano uint64

	// Histogram is set for histogram points, whose scalar Value is always 0.
	Histogram *models.HistogramStats
	Exemplars []models.Exemplar
}

// ExtractDataPoints returns the data points of whichever container is set.
// A metric without a container yields nil.
func ExtractDataPoints(m *otlpjson.Metric) []DataPoint {
	if m == nil {
		return nil
	}
	switch {
	case m.Sum != nil:
		return numberDataPoints(m.Sum.DataPoints)
	case m.Gauge != nil:
		return numberDataPoints(m.Gauge.DataPoints)
	case m.Histogram != nil:
		return histogramDataPoints(m.Histogram.DataPoints)
	default:
		return nil
	}
}

func numberDataPoints(dps []otlpjson.NumberDataPoint) []DataPoint {
	out := make([]DataPoint, 0, len(dps))
	for _, dp := range dps {
		out = append(out, DataPoint{
			Attributes:        ExtractAttributes(dp.Attributes),
			Value:             numberValue(dp.AsInt, dp.AsDouble),
			TimeUnixNano:      uint64(dp.TimeUnixNano),
			StartTimeUnixNano: uint64(dp.StartTimeUnixNano),
			Exemplars:         exemplars(dp.Exemplars),
		})
	}
	return out
}

func histogramDataPoints(dps []otlpjson.HistogramDataPoint) []DataPoint {
	out := make([]DataPoint, 0, len(dps))
	for _, dp := range dps {
		stats := &models.HistogramStats{
			Count: uint64(dp.Count),
			Sum:   floatPtr(dp.Sum),
			Min:   floatPtr(dp.Min),
			Max:   floatPtr(dp.Max),
		}
		for _, c := range dp.BucketCounts {
			stats.BucketCounts = append(stats.BucketCounts, uint64(c))
		}
		for _, b := range dp.ExplicitBounds {
			stats.ExplicitBounds = append(stats.ExplicitBounds, float64(b))
		}
		out = append(out, DataPoint{
			Attributes:        ExtractAttributes(dp.Attributes),
			TimeUnixNano:      uint64(dp.TimeUnixNano),
			StartTimeUnixNano: uint64(dp.StartTimeUnixNano),
			Histogram:         stats,
			Exemplars:         exemplars(dp.Exemplars),
		})
	}
	return out
}

func exemplars(in []otlpjson.Exemplar) []models.Exemplar {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Exemplar, 0, len(in))
	for _, e := range in {
		ex := models.Exemplar{
			TimeUnixNano: uint64(e.TimeUnixNano),
			Value:        numberValue(e.AsInt, e.AsDouble),
			TraceID:      e.TraceID,
			SpanID:       e.SpanID,
		}
		if attrs := ExtractAttributes(e.FilteredAttributes); len(attrs) > 0 {
			ex.Attributes = attrs.Plain()
		}
		out = append(out, ex)
	}
	return out
}

// numberValue prefers the integer field, then the double, then 0.
// Non-finite doubles become 0 so they cannot poison stored sums.
func numberValue(asInt *otlpjson.Int64, asDouble *otlpjson.Float64) float64 {
	if asInt != nil {
		return float64(*asInt)
	}
	if asDouble != nil {
		v := float64(*asDouble)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	return 0
}

func floatPtr(f *otlpjson.Float64) *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// ParseTokenType maps a token type attribute value to a counter.
func ParseTokenType(s string) (models.TokenType, bool) {
	switch s {
	case "input":
		return models.TokenInput, true
	case "output":
		return models.TokenOutput, true
	case "cacheRead", "cache_read":
		return models.TokenCacheRead, true
	case "cacheCreation", "cache_creation":
		return models.TokenCacheCreation, true
	default:
		return "", false
	}
}

// tokenTypeOf reads the token type from the first present key.
func tokenTypeOf(attrs Attributes, keys []string) (models.TokenType, bool) {
	for _, key := range keys {
		if s, ok := attrs.String(key); ok && s != "" {
			return ParseTokenType(s)
		}
	}
	return "", false
}

// TokenDelta converts a token count sample into a delta on one counter.
// Counts are rounded to the nearest integer.
func TokenDelta(t models.TokenType, value float64) models.UsageDelta {
	return models.Tokens(t, int64(math.Round(value)))
}
