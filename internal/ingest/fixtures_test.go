package ingest

import (
	"github.com/fidde/otlp_usage_tracker/pkg/otlpjson"
	"github.com/stretchr/testify/require"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

const testTime uint64 = 1700000000000000000

// encodePayload marshals blocks with protojson and decodes them with
// otlpjson, the same path a real exporter's request takes.
func encodePayload(t require.TestingT, blocks ...*metricspb.ResourceMetrics) *otlpjson.Payload {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}

	body, err := protojson.Marshal(&colmetricspb.ExportMetricsServiceRequest{ResourceMetrics: blocks})
	require.NoError(t, err)

	payload, err := otlpjson.Unmarshal(body)
	require.NoError(t, err)
	return payload
}

func resourceBlock(attrs []*commonpb.KeyValue, metrics ...*metricspb.Metric) *metricspb.ResourceMetrics {
	return &metricspb.ResourceMetrics{
		Resource: &resourcepb.Resource{Attributes: attrs},
		ScopeMetrics: []*metricspb.ScopeMetrics{{
			Scope:   &commonpb.InstrumentationScope{Name: "com.anthropic.claude_code"},
			Metrics: metrics,
		}},
	}
}

func attrs(kvs ...*commonpb.KeyValue) []*commonpb.KeyValue {
	return kvs
}

func strKV(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}}}
}

func intKV(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}}}
}

func boolKV(key string, value bool) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: value}}}
}

func sumMetric(name string, points ...*metricspb.NumberDataPoint) *metricspb.Metric {
	return &metricspb.Metric{
		Name: name,
		Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
			IsMonotonic:            true,
			DataPoints:             points,
		}},
	}
}

func gaugeMetric(name string, points ...*metricspb.NumberDataPoint) *metricspb.Metric {
	return &metricspb.Metric{
		Name: name,
		Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: points}},
	}
}

func doublePoint(value float64, kvs ...*commonpb.KeyValue) *metricspb.NumberDataPoint {
	return &metricspb.NumberDataPoint{
		Attributes:   kvs,
		TimeUnixNano: testTime,
		Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: value},
	}
}

func intPoint(value int64, kvs ...*commonpb.KeyValue) *metricspb.NumberDataPoint {
	return &metricspb.NumberDataPoint{
		Attributes:   kvs,
		TimeUnixNano: testTime,
		Value:        &metricspb.NumberDataPoint_AsInt{AsInt: value},
	}
}
