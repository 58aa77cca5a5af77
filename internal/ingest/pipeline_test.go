package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/fidde/otlp_usage_tracker/internal/storage/memory"
	"github.com/fidde/otlp_usage_tracker/pkg/models"
	"github.com/fidde/otlp_usage_tracker/pkg/otlpjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"pgregory.net/rapid"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store    *memory.Store
	pipeline *Pipeline
	metrics  *Metrics
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	store := memory.New()
	m := NewMetrics(prometheus.NewRegistry())
	return &testEnv{
		store:   store,
		metrics: m,
		pipeline: New(store,
			WithMetrics(m),
			WithClock(func() time.Time { return testNow }),
		),
	}
}

func (e *testEnv) process(t testing.TB, blocks ...*metricspb.ResourceMetrics) Result {
	t.Helper()
	res, err := e.pipeline.Process(context.Background(), encodePayload(t, blocks...))
	require.NoError(t, err)
	return res
}

func (e *testEnv) session(t testing.TB, id string) *models.Session {
	t.Helper()
	s, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (e *testEnv) message(t testing.TB, id string) *models.Message {
	t.Helper()
	m, err := e.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (e *testEnv) messages(t testing.TB, sessionID string) []*models.Message {
	t.Helper()
	msgs, err := e.store.ListMessages(context.Background(), sessionID)
	require.NoError(t, err)
	return msgs
}

func (e *testEnv) rawMetrics(t testing.TB) []*models.RawMetric {
	t.Helper()
	metrics, err := e.store.ListMetrics(context.Background(), models.MetricFilter{})
	require.NoError(t, err)
	return metrics
}

func TestSessionCostCreatesSession(t *testing.T) {
	env := newTestEnv(t)

	res := env.process(t, resourceBlock(
		attrs(strKV("session_id", "S1"), strKV("user_id", "U1"), strKV("service.name", "claude-code")),
		sumMetric(MetricSessionCost, doublePoint(0.15, strKV("model", "claude-sonnet"))),
	))

	assert.Equal(t, 1, res.ResourceBlocks)
	assert.Equal(t, 1, res.DataPoints)
	assert.Equal(t, 1, res.RecordedMetrics)
	assert.Equal(t, 1, res.SessionUpdates)

	s := env.session(t, "S1")
	assert.InDelta(t, 0.15, s.TotalCost, 1e-9)
	assert.Equal(t, "U1", models.StringValue(s.UserID))
	assert.Equal(t, "claude-sonnet", models.StringValue(s.Model))
	assert.Equal(t, testNow, s.FirstSeen)

	raw := env.rawMetrics(t)
	require.Len(t, raw, 1)
	assert.Equal(t, models.MetricTypeCounter, raw[0].MetricType)
	assert.Equal(t, MetricSessionCost, raw[0].MetricName)
	assert.Equal(t, "S1", models.StringValue(raw[0].SessionID))
	assert.Equal(t, "U1", models.StringValue(raw[0].UserID))
	assert.Equal(t, "claude-sonnet", raw[0].Labels["model"])
	assert.Equal(t, "S1", raw[0].Labels["session_id"])
	assert.Equal(t, "claude-code", raw[0].Metadata.ServiceName)
	assert.Equal(t, "com.anthropic.claude_code", raw[0].Metadata.ScopeName)
	assert.Equal(t, testTime, raw[0].Metadata.TimeUnixNano)
}

func TestMessageCostThenTokens(t *testing.T) {
	t.Run("with session context", func(t *testing.T) {
		env := newTestEnv(t)

		env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
			sumMetric(MetricMessageCost, doublePoint(0.05, strKV("message_id", "M1"))),
		))
		env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
			sumMetric(MetricMessageTokens, doublePoint(150, strKV("message_id", "M1"), strKV("type", "input"))),
		))

		m := env.message(t, "M1")
		assert.Equal(t, "S1", m.SessionID)
		assert.InDelta(t, 0.05, m.Cost, 1e-9)
		assert.Equal(t, int64(150), m.InputTokens)
		assert.Equal(t, time.Unix(0, int64(testTime)).UTC(), m.Timestamp)
	})

	t.Run("tokens without session context", func(t *testing.T) {
		env := newTestEnv(t)

		env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
			sumMetric(MetricMessageCost, doublePoint(0.05, strKV("message_id", "M1"))),
		))
		res := env.process(t, resourceBlock(nil,
			sumMetric(MetricMessageTokens, doublePoint(150, strKV("message.id", "M1"), strKV("token.type", "input"))),
		))

		assert.Equal(t, 1, res.MessageUpdates)
		m := env.message(t, "M1")
		assert.InDelta(t, 0.05, m.Cost, 1e-9)
		assert.Equal(t, int64(150), m.InputTokens)
	})

	t.Run("tokens for unknown message without session", func(t *testing.T) {
		env := newTestEnv(t)

		res := env.process(t, resourceBlock(nil,
			sumMetric(MetricMessageTokens, doublePoint(150, strKV("message_id", "M9"), strKV("type", "input"))),
		))

		assert.Equal(t, 0, res.MessageUpdates)
		assert.Equal(t, 1, res.RecordedMetrics)
		_, err := env.store.GetMessage(context.Background(), "M9")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestMessageCostAccumulates(t *testing.T) {
	env := newTestEnv(t)

	for _, cost := range []float64{0.05, 0.03} {
		env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
			sumMetric(MetricMessageCost, doublePoint(cost, strKV("message_id", "M1"))),
		))
	}

	assert.InDelta(t, 0.08, env.message(t, "M1").Cost, 1e-9)
	assert.Len(t, env.messages(t, "S1"), 1)
}

func TestSessionOnlyBlockCreatesSyntheticMessage(t *testing.T) {
	env := newTestEnv(t)

	res := env.process(t, resourceBlock(attrs(strKV("session_id", "S2"), strKV("model", "claude-opus")),
		sumMetric(MetricSessionCost, doublePoint(0.2)),
		sumMetric(MetricSessionTokens,
			intPoint(100, strKV("type", "input")),
			intPoint(40, strKV("type", "output")),
			intPoint(7, strKV("type", "cacheRead")),
			intPoint(3, strKV("type", "cache_creation")),
		),
	))

	assert.Equal(t, 1, res.SyntheticMessages)

	msgs := env.messages(t, "S2")
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, models.RoleAssistant, models.StringValue(m.Role))
	assert.Equal(t, "claude-opus", models.StringValue(m.Model))
	assert.InDelta(t, 0.2, m.Cost, 1e-9)
	assert.Equal(t, int64(100), m.InputTokens)
	assert.Equal(t, int64(40), m.OutputTokens)
	assert.Equal(t, int64(7), m.CacheReadTokens)
	assert.Equal(t, int64(3), m.CacheCreationTokens)
	assert.Equal(t, testNow, m.Timestamp)

	s := env.session(t, "S2")
	assert.InDelta(t, 0.2, s.TotalCost, 1e-9)
	assert.Equal(t, int64(100), s.TotalInputTokens)
	assert.Equal(t, int64(40), s.TotalOutputTokens)
	assert.Equal(t, int64(7), s.TotalCacheReadTokens)
	assert.Equal(t, int64(3), s.TotalCacheCreationTokens)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.synthetic))
}

func TestUnknownTokenTypeLeavesMessageUnchanged(t *testing.T) {
	env := newTestEnv(t)

	env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
		sumMetric(MetricMessageCost, doublePoint(0.05, strKV("message_id", "M1"))),
	))
	res := env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
		sumMetric(MetricMessageTokens, doublePoint(150, strKV("message_id", "M1"), strKV("type", "unknown_type"))),
	))

	assert.Equal(t, 0, res.MessageUpdates)
	assert.Equal(t, 1, res.RecordedMetrics)

	m := env.message(t, "M1")
	assert.Zero(t, m.InputTokens)
	assert.Zero(t, m.OutputTokens)
	assert.Zero(t, m.CacheReadTokens)
	assert.Zero(t, m.CacheCreationTokens)
	assert.Len(t, env.rawMetrics(t), 2)
}

func TestUnknownSessionTokenTypeStillTracksSession(t *testing.T) {
	env := newTestEnv(t)

	env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
		sumMetric(MetricSessionTokens, doublePoint(10, strKV("type", "reasoning"))),
	))

	s := env.session(t, "S1")
	assert.Zero(t, s.TotalInputTokens+s.TotalOutputTokens+s.TotalCacheReadTokens+s.TotalCacheCreationTokens)
}

func TestFirstWriterWinsIdentity(t *testing.T) {
	env := newTestEnv(t)

	env.process(t, resourceBlock(attrs(strKV("session.id", "S1"), strKV("user.id", "A")),
		sumMetric(MetricSessionCost, doublePoint(0.1)),
	))
	env.process(t, resourceBlock(attrs(strKV("session.id", "S1"), strKV("user.id", "B"), strKV("user.email", "b@example.com")),
		sumMetric(MetricSessionCost, doublePoint(0.1)),
	))

	s := env.session(t, "S1")
	assert.Equal(t, "A", models.StringValue(s.UserID))
	assert.Nil(t, s.UserEmail, "identity missing from the first batch is not backfilled")
	assert.InDelta(t, 0.2, s.TotalCost, 1e-9)
}

func TestEmptyStringsStoredAsNull(t *testing.T) {
	env := newTestEnv(t)

	env.process(t, resourceBlock(attrs(strKV("session_id", "S1"), strKV("user_id", ""), strKV("model", "")),
		sumMetric(MetricMessageCost, doublePoint(0.01,
			strKV("message_id", "M1"), strKV("role", ""), strKV("conversation_id", ""))),
	))

	s := env.session(t, "S1")
	assert.Nil(t, s.UserID)
	assert.Nil(t, s.Model)

	m := env.message(t, "M1")
	assert.Nil(t, m.Role)
	assert.Nil(t, m.Model)
	assert.Nil(t, m.ConversationID)
}

func TestSyntheticMessageIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	block := resourceBlock(attrs(strKV("session_id", "S2")),
		sumMetric(MetricSessionCost, doublePoint(0.2)),
	)

	env.process(t, block)
	first := env.messages(t, "S2")
	require.Len(t, first, 1)

	env.process(t, block)
	second := env.messages(t, "S2")
	require.Len(t, second, 1, "reprocessing must not create a second synthetic row")
	assert.Equal(t, first[0].MessageID, second[0].MessageID)
}

func TestDistinctBlocksGetDistinctSyntheticMessages(t *testing.T) {
	env := newTestEnv(t)

	res := env.process(t,
		resourceBlock(attrs(strKV("session_id", "S2")), sumMetric(MetricSessionCost, doublePoint(0.2))),
		resourceBlock(attrs(strKV("session_id", "S2")), sumMetric(MetricSessionCost, doublePoint(0.3))),
	)

	assert.Equal(t, 2, res.SyntheticMessages)
	assert.Len(t, env.messages(t, "S2"), 2)
	assert.InDelta(t, 0.5, env.session(t, "S2").TotalCost, 1e-9)
}

func TestTimestamplessBlocksFromDifferentResources(t *testing.T) {
	env := newTestEnv(t)

	untimed := func(pid int64) *metricspb.ResourceMetrics {
		dp := doublePoint(0.2)
		dp.TimeUnixNano = 0
		return resourceBlock(attrs(strKV("session_id", "S2"), intKV("process.pid", pid)),
			sumMetric(MetricSessionCost, dp),
		)
	}

	res := env.process(t, untimed(41), untimed(42))
	assert.Equal(t, 2, res.SyntheticMessages)
	assert.Len(t, env.messages(t, "S2"), 2, "resource attributes keep equal untimed blocks apart")

	env.process(t, untimed(41))
	msgs := env.messages(t, "S2")
	require.Len(t, msgs, 2, "an identical untimed block is treated as a replay")
	var total float64
	for _, m := range msgs {
		total += m.Cost
	}
	assert.InDelta(t, 0.6, total, 1e-9)
}

func TestRealMessageSuppressesSyntheticMessage(t *testing.T) {
	env := newTestEnv(t)

	res := env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
		sumMetric(MetricSessionCost, doublePoint(0.2)),
		sumMetric(MetricMessageCost, doublePoint(0.2, strKV("message_id", "M1"))),
	))

	assert.Zero(t, res.SyntheticMessages)
	msgs := env.messages(t, "S1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "M1", msgs[0].MessageID)
}

func TestMessageCostRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	res := env.process(t, resourceBlock(nil,
		sumMetric(MetricMessageCost, doublePoint(0.05, strKV("message_id", "M1"))),
	))

	assert.Zero(t, res.MessageUpdates)
	assert.Equal(t, 1, res.RecordedMetrics)
	_, err := env.store.GetMessage(context.Background(), "M1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	raw := env.rawMetrics(t)
	require.Len(t, raw, 1)
	assert.Nil(t, raw[0].SessionID)
}

func TestMessageMetricWithoutMessageIDIsRecordedOnly(t *testing.T) {
	env := newTestEnv(t)

	res := env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
		sumMetric(MetricMessageCost, doublePoint(0.05)),
	))

	assert.Zero(t, res.MessageUpdates)
	assert.Zero(t, res.SyntheticMessages)
	assert.Equal(t, 1, res.RecordedMetrics)
	assert.Empty(t, env.messages(t, "S1"))
}

func TestDataPointSessionBecomesBlockContext(t *testing.T) {
	env := newTestEnv(t)

	env.process(t, resourceBlock(nil,
		sumMetric(MetricSessionCost,
			doublePoint(0.1, strKV("session.id", "S3"), strKV("user.id", "U3")),
			doublePoint(0.4, strKV("session.id", "S4")),
			doublePoint(0.2),
		),
		sumMetric(MetricMessageCost, doublePoint(0.05, strKV("message_id", "M1"))),
	))

	assert.InDelta(t, 0.3, env.session(t, "S3").TotalCost, 1e-9)
	assert.InDelta(t, 0.4, env.session(t, "S4").TotalCost, 1e-9, "a point naming its own session keeps it")
	assert.Equal(t, "U3", models.StringValue(env.session(t, "S3").UserID))
	assert.Equal(t, "S3", env.message(t, "M1").SessionID)

	raw := env.rawMetrics(t)
	require.Len(t, raw, 4)
	sessions := map[string]int{}
	for _, r := range raw {
		sessions[models.StringValue(r.SessionID)]++
	}
	assert.Equal(t, map[string]int{"S3": 3, "S4": 1}, sessions)
}

func TestBlocksDoNotShareSessionContext(t *testing.T) {
	env := newTestEnv(t)

	res := env.process(t,
		resourceBlock(attrs(strKV("session_id", "S1")), sumMetric(MetricSessionCost, doublePoint(0.1))),
		resourceBlock(nil, sumMetric(MetricMessageCost, doublePoint(0.05, strKV("message_id", "M1")))),
	)

	assert.Equal(t, 2, res.ResourceBlocks)
	_, err := env.store.GetMessage(context.Background(), "M1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUnroutedAndHistogramMetricsAreRecorded(t *testing.T) {
	env := newTestEnv(t)

	hist := &metricspb.Metric{
		Name: "claude_code.request.duration",
		Unit: "ms",
		Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
			DataPoints: []*metricspb.HistogramDataPoint{{
				TimeUnixNano:   testTime,
				Count:          2,
				Sum:            ptr(30.0),
				BucketCounts:   []uint64{1, 1},
				ExplicitBounds: []float64{10},
			}},
		}},
	}

	res := env.process(t, resourceBlock(
		attrs(strKV("session_id", "S1"), strKV("project.path", "/work/app"), boolKV("interactive", false), intKV("pid", 0)),
		gaugeMetric("claude_code.lines_of_code.count", intPoint(12)),
		hist,
	))

	assert.Equal(t, 2, res.Unrouted)
	assert.Equal(t, 2, res.RecordedMetrics)
	assert.Zero(t, res.SessionUpdates)
	assert.Zero(t, res.SyntheticMessages)

	raw := env.rawMetrics(t)
	require.Len(t, raw, 2)

	h := raw[0]
	assert.Equal(t, models.MetricTypeHistogram, h.MetricType)
	assert.Zero(t, h.Value)
	require.NotNil(t, h.Metadata.Histogram)
	assert.Equal(t, uint64(2), h.Metadata.Histogram.Count)
	assert.Equal(t, "ms", h.Metadata.Unit)
	assert.Equal(t, "/work/app", models.StringValue(h.ProjectPath))
	assert.Equal(t, false, h.Labels["interactive"])
	assert.Equal(t, int64(0), h.Labels["pid"])

	assert.Equal(t, models.MetricTypeGauge, raw[1].MetricType)
	assert.Equal(t, 12.0, raw[1].Value)
}

func TestProcessEmptyPayloads(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.pipeline.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	payload, err := otlpjson.Unmarshal([]byte(`{"resourceMetrics":[{"scopeMetrics":[{"metrics":[{"name":"x"}]}]}]}`))
	require.NoError(t, err)
	res, err = env.pipeline.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ResourceBlocks)
	assert.Zero(t, res.DataPoints)
}

func TestProcessCanceledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload := encodePayload(t, resourceBlock(attrs(strKV("session_id", "S1")),
		sumMetric(MetricSessionCost, doublePoint(0.1))))

	res, err := env.pipeline.Process(ctx, payload)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.ResourceBlocks)
}

func TestNegativeValuesAreAccepted(t *testing.T) {
	env := newTestEnv(t)

	env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
		sumMetric(MetricSessionCost, doublePoint(0.5)),
		sumMetric(MetricSessionCost, doublePoint(-0.2)),
	))

	assert.InDelta(t, 0.3, env.session(t, "S1").TotalCost, 1e-9)
}

func TestPipelineCounters(t *testing.T) {
	env := newTestEnv(t)

	env.process(t, resourceBlock(attrs(strKV("session_id", "S1")),
		sumMetric(MetricSessionCost, doublePoint(0.1)),
		sumMetric(MetricSessionTokens, intPoint(5, strKV("type", "input")), intPoint(6, strKV("type", "output"))),
		gaugeMetric("other", intPoint(1)),
	))

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.payloads))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.dataPoints.WithLabelValues("session_cost")))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.dataPoints.WithLabelValues("session_tokens")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.dataPoints.WithLabelValues("unrouted")))
	assert.Equal(t, 0, testutil.CollectAndCount(env.metrics.failures))
}

// failingStore fails the named operations and passes everything else to
// the embedded in-memory store.
type failingStore struct {
	*memory.Store
	fail map[string]bool
}

var errInjected = errors.New("injected failure")

func (s *failingStore) AccumulateSession(ctx context.Context, id string, delta models.UsageDelta, seen time.Time) error {
	if s.fail[OpAccumulateSession] {
		return errInjected
	}
	return s.Store.AccumulateSession(ctx, id, delta, seen)
}

func (s *failingStore) UpsertMessage(ctx context.Context, id models.MessageIdentity, delta models.UsageDelta, ts time.Time) error {
	if s.fail[OpUpsertMessage] {
		return errInjected
	}
	return s.Store.UpsertMessage(ctx, id, delta, ts)
}

func (s *failingStore) RecordMetric(ctx context.Context, metric *models.RawMetric) error {
	if s.fail[OpRecordMetric] {
		return errInjected
	}
	return s.Store.RecordMetric(ctx, metric)
}

func TestFailuresAreJoinedAndProcessingContinues(t *testing.T) {
	store := &failingStore{Store: memory.New(), fail: map[string]bool{OpAccumulateSession: true}}
	m := NewMetrics(prometheus.NewRegistry())
	p := New(store, WithMetrics(m))

	payload := encodePayload(t,
		resourceBlock(attrs(strKV("session_id", "S1")),
			sumMetric(MetricSessionCost, doublePoint(0.1), doublePoint(0.2)),
			sumMetric(MetricMessageCost, doublePoint(0.05, strKV("message_id", "M1"))),
		),
	)

	res, err := p.Process(context.Background(), payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)

	var dpErr *DataPointError
	require.ErrorAs(t, err, &dpErr)
	assert.Equal(t, OpAccumulateSession, dpErr.Op)
	assert.Equal(t, "S1", dpErr.SessionID)
	assert.Equal(t, MetricSessionCost, dpErr.Metric)

	assert.Equal(t, 2, res.Failures)
	assert.Equal(t, 3, res.RecordedMetrics, "every data point is still recorded")
	assert.Equal(t, 1, res.MessageUpdates, "later data points are still aggregated")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failures.WithLabelValues(OpAccumulateSession)))

	_, getErr := store.GetMessage(context.Background(), "M1")
	assert.NoError(t, getErr)
}

func TestRecordFailureDoesNotSkipAggregation(t *testing.T) {
	store := &failingStore{Store: memory.New(), fail: map[string]bool{OpRecordMetric: true}}
	p := New(store)

	res, err := p.Process(context.Background(), encodePayload(t,
		resourceBlock(attrs(strKV("session_id", "S1")), sumMetric(MetricSessionCost, doublePoint(0.1))),
	))

	require.Error(t, err)
	assert.Equal(t, 1, res.Failures)
	assert.Zero(t, res.RecordedMetrics)

	s, getErr := store.GetSession(context.Background(), "S1")
	require.NoError(t, getErr)
	assert.InDelta(t, 0.1, s.TotalCost, 1e-9)
}

func TestSyntheticFailureIsReported(t *testing.T) {
	store := &failingStore{Store: memory.New(), fail: map[string]bool{OpUpsertMessage: true}}
	p := New(store)

	res, err := p.Process(context.Background(), encodePayload(t,
		resourceBlock(attrs(strKV("session_id", "S1")), sumMetric(MetricSessionCost, doublePoint(0.1))),
	))

	var dpErr *DataPointError
	require.ErrorAs(t, err, &dpErr)
	assert.Equal(t, OpSyntheticMessage, dpErr.Op)
	assert.NotEmpty(t, dpErr.MessageID)
	assert.Zero(t, res.SyntheticMessages)
}

func TestDataPointErrorMessage(t *testing.T) {
	err := &DataPointError{Metric: MetricMessageCost, SessionID: "S1", MessageID: "M1", Op: OpUpsertMessage, Err: errInjected}
	assert.Equal(t, `upsert_message for metric "conversation.message.cost" session "S1" message "M1": injected failure`, err.Error())

	err = &DataPointError{Op: OpRecordMetric, Err: errInjected}
	assert.Equal(t, "record_metric: injected failure", err.Error())
}

type usageSample struct {
	Route Route
	Type  string
	Value int
}

// Final counters equal the sum of the deltas whatever the arrival order.
func TestAccumulationIsOrderIndependent(t *testing.T) {
	types := []string{"input", "output", "cacheRead", "cache_creation"}

	rapid.Check(t, func(t *rapid.T) {
		samples := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) usageSample {
			return usageSample{
				Route: rapid.SampledFrom([]Route{RouteSessionCost, RouteSessionTokens, RouteMessageCost, RouteMessageTokens}).Draw(t, "route"),
				Type:  rapid.SampledFrom(types).Draw(t, "type"),
				Value: rapid.IntRange(-1000, 100000).Draw(t, "value"),
			}
		}), 1, 30).Draw(t, "samples")
		order := rapid.Permutation(samples).Draw(t, "order")

		var wantSession, wantMessage models.UsageDelta
		for _, s := range samples {
			delta := s.delta()
			if s.Route.SessionLevel() {
				wantSession = wantSession.Add(delta)
			} else {
				wantMessage = wantMessage.Add(delta)
			}
		}

		store := memory.New()
		p := New(store)
		for _, s := range order {
			_, err := p.Process(context.Background(), encodePayload(t, s.block()))
			require.NoError(t, err)
		}

		session, err := store.GetSession(context.Background(), "S1")
		require.NoError(t, err)
		assert.InDelta(t, wantSession.Cost, session.TotalCost, 1e-6)
		assert.Equal(t, wantSession.InputTokens, session.TotalInputTokens)
		assert.Equal(t, wantSession.OutputTokens, session.TotalOutputTokens)
		assert.Equal(t, wantSession.CacheReadTokens, session.TotalCacheReadTokens)
		assert.Equal(t, wantSession.CacheCreationTokens, session.TotalCacheCreationTokens)

		msg, err := store.GetMessage(context.Background(), "M1")
		if wantMessage.IsZero() && errors.Is(err, models.ErrNotFound) {
			return
		}
		require.NoError(t, err)
		assert.InDelta(t, wantMessage.Cost, msg.Cost, 1e-6)
		assert.Equal(t, wantMessage.InputTokens, msg.InputTokens)
		assert.Equal(t, wantMessage.OutputTokens, msg.OutputTokens)
		assert.Equal(t, wantMessage.CacheReadTokens, msg.CacheReadTokens)
		assert.Equal(t, wantMessage.CacheCreationTokens, msg.CacheCreationTokens)
	})
}

func (s usageSample) delta() models.UsageDelta {
	switch s.Route {
	case RouteSessionCost, RouteMessageCost:
		return models.UsageDelta{Cost: float64(s.Value) / 100}
	default:
		tokenType, _ := ParseTokenType(s.Type)
		return models.Tokens(tokenType, int64(s.Value))
	}
}

func (s usageSample) block() *metricspb.ResourceMetrics {
	var metric *metricspb.Metric
	switch s.Route {
	case RouteSessionCost:
		metric = sumMetric(MetricSessionCost, doublePoint(float64(s.Value)/100))
	case RouteSessionTokens:
		metric = sumMetric(MetricSessionTokens, intPoint(int64(s.Value), strKV("type", s.Type)))
	case RouteMessageCost:
		metric = sumMetric(MetricMessageCost, doublePoint(float64(s.Value)/100, strKV("message_id", "M1")))
	case RouteMessageTokens:
		metric = sumMetric(MetricMessageTokens, intPoint(int64(s.Value), strKV("message_id", "M1"), strKV("type", s.Type)))
	default:
		panic(fmt.Sprintf("unexpected route %v", s.Route))
	}
	return resourceBlock(attrs(strKV("session_id", "S1")), metric)
}

func ptr[T any](v T) *T {
	return &v
}

func TestNonFiniteValuesBecomeZero(t *testing.T) {
	env := newTestEnv(t)

	payload, err := otlpjson.Unmarshal([]byte(`{"resourceMetrics":[{
		"resource":{"attributes":[{"key":"session_id","value":{"stringValue":"S1"}}]},
		"scopeMetrics":[{"metrics":[{"name":"claude_code.cost.usage","sum":{"dataPoints":[
			{"asDouble":"NaN"},{"asDouble":0.25}
		]}}]}]}]}`))
	require.NoError(t, err)

	_, err = env.pipeline.Process(context.Background(), payload)
	require.NoError(t, err)

	cost := env.session(t, "S1").TotalCost
	assert.False(t, math.IsNaN(cost))
	assert.InDelta(t, 0.25, cost, 1e-9)
}

func TestBadValuesDoNotDropNeighbouringPoints(t *testing.T) {
	env := newTestEnv(t)

	payload, err := otlpjson.Unmarshal([]byte(`{"resourceMetrics":[{
		"resource":{"attributes":[
			{"key":"session_id","value":{"stringValue":"S1"}},
			{"key":"pid","value":{"intValue":"abc"}},
			{"key":"interactive","value":{"boolValue":"yes"}}]},
		"scopeMetrics":[{"metrics":[
			{"name":"claude_code.token.usage","sum":{"dataPoints":{"asInt":5}}},
			{"name":"claude_code.token.usage","sum":{"dataPoints":[
				{"asInt":"12abc","attributes":[{"key":"type","value":{"stringValue":"input"}}]}]}},
			{"name":"claude_code.cost.usage","sum":{"dataPoints":[
				{"asDouble":0.75,"attributes":[{"key":"model","value":{"stringValue":"claude-sonnet"}}]}]}}
		]}]}]}`))
	require.NoError(t, err)

	res, err := env.pipeline.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DataPoints, "the non-array container contributes no points")

	session := env.session(t, "S1")
	assert.InDelta(t, 0.75, session.TotalCost, 1e-9)
	assert.Zero(t, session.TotalInputTokens, "a value that does not decode counts as absent")

	metrics := env.rawMetrics(t)
	require.Len(t, metrics, 2)
	var cost *models.RawMetric
	for _, m := range metrics {
		assert.NotContains(t, m.Labels, "pid")
		assert.NotContains(t, m.Labels, "interactive")
		if m.MetricName == "claude_code.cost.usage" {
			cost = m
		}
	}
	require.NotNil(t, cost)
	assert.InDelta(t, 0.75, cost.Value, 1e-9)
	assert.Equal(t, "claude-sonnet", cost.Labels["model"])
}
