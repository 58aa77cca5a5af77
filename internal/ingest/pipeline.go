package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fidde/otlp_usage_tracker/internal/storage"
	"github.com/fidde/otlp_usage_tracker/pkg/models"
	"github.com/fidde/otlp_usage_tracker/pkg/otlpjson"
)

const serviceNameKey = "service.name"

// Pipeline correlates OTLP metric payloads into sessions and messages and
// records every data point as a raw metric. It holds no aggregation state
// between calls and is safe for concurrent use if the store is.
type Pipeline struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a pipeline writing to store.
func New(store storage.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result summarizes one processed payload.
type Result struct {
	ResourceBlocks    int `json:"resource_blocks"`
	DataPoints        int `json:"data_points"`
	RecordedMetrics   int `json:"recorded_metrics"`
	SessionUpdates    int `json:"session_updates"`
	MessageUpdates    int `json:"message_updates"`
	SyntheticMessages int `json:"synthetic_messages"`
	Unrouted          int `json:"unrouted"`
	Failures          int `json:"failures"`
}

// Process handles one payload synchronously. Storage failures are collected
// per data point and returned joined; they never stop the remaining data
// points from being aggregated and recorded. Writes already applied are not
// rolled back.
func (p *Pipeline) Process(ctx context.Context, payload *otlpjson.Payload) (Result, error) {
	var res Result
	if payload == nil {
		return res, nil
	}
	p.metrics.payload()

	now := p.now().UTC()
	var errs []error
	for i := range payload.ResourceMetrics {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		b := p.newBlock(&payload.ResourceMetrics[i], now)
		b.process(ctx, &res)
		b.finish(ctx, &res)
		errs = append(errs, b.errs...)
		res.ResourceBlocks++
	}
	res.Failures = len(errs)

	p.logger.Debug("processed OTLP payload",
		"resource_blocks", res.ResourceBlocks,
		"data_points", res.DataPoints,
		"recorded_metrics", res.RecordedMetrics,
		"synthetic_messages", res.SyntheticMessages,
		"failures", res.Failures,
	)
	return res, errors.Join(errs...)
}

// block is the working state for one resourceMetrics entry.
type block struct {
	p   *Pipeline
	rm  *otlpjson.ResourceMetrics
	now time.Time

	resource    Attributes
	serviceName string

	// session is the block's session context. It comes from the resource
	// attributes, or else from the first data point that names a session.
	session  models.SessionIdentity
	upserted map[string]bool

	// Session-level usage seen for the context session, the input of the
	// synthetic message.
	sessionLevel bool
	usage        models.UsageDelta
	model        string
	realMessage  bool
	fingerprint  *blockFingerprint

	errs []error
}

func (p *Pipeline) newBlock(rm *otlpjson.ResourceMetrics, now time.Time) *block {
	resource := ExtractAttributes(rm.Resource.Attributes)
	serviceName, _ := resource.String(serviceNameKey)
	return &block{
		p:           p,
		rm:          rm,
		now:         now,
		resource:    resource,
		serviceName: serviceName,
		session:     ResolveSession(resource, nil),
		upserted:    make(map[string]bool),
		fingerprint: newBlockFingerprint(resource),
	}
}

func (b *block) process(ctx context.Context, res *Result) {
	for i := range b.rm.ScopeMetrics {
		sm := &b.rm.ScopeMetrics[i]
		for j := range sm.Metrics {
			metric := &sm.Metrics[j]
			metricType := ClassifyMetric(metric)
			route := RouteFor(metric.Name)

			for _, dp := range ExtractDataPoints(metric) {
				res.DataPoints++
				b.p.metrics.dataPoint(route)

				identity := b.resolveSession(dp.Attributes)
				b.aggregate(ctx, res, route, metric.Name, identity, dp)
				b.record(ctx, res, metricType, metric, sm.Scope.Name, identity, dp)
			}
		}
	}
}

// resolveSession resolves the session of one data point and maintains the
// block's session context.
func (b *block) resolveSession(attrs Attributes) models.SessionIdentity {
	identity := ResolveSession(b.resource, attrs)
	if identity.SessionID == "" {
		return b.session
	}
	if b.session.SessionID == "" {
		b.session = identity
	}
	return identity
}

func (b *block) aggregate(ctx context.Context, res *Result, route Route, name string, session models.SessionIdentity, dp DataPoint) {
	switch route {
	case RouteSessionCost:
		b.sessionUsage(ctx, res, name, session, dp, models.UsageDelta{Cost: dp.Value})

	case RouteSessionTokens:
		var delta models.UsageDelta
		if t, ok := tokenTypeOf(dp.Attributes, tokenTypeKeys); ok {
			delta = TokenDelta(t, dp.Value)
		}
		b.sessionUsage(ctx, res, name, session, dp, delta)

	case RouteMessageCost:
		msg := b.resolveMessage(dp.Attributes, session)
		if msg.MessageID == "" || msg.SessionID == "" {
			return
		}
		b.upsertMessage(ctx, res, name, session, msg, models.UsageDelta{Cost: dp.Value}, dp)

	case RouteMessageTokens:
		msg := b.resolveMessage(dp.Attributes, session)
		t, ok := tokenTypeOf(dp.Attributes, messageTokenTypeKeys)
		if msg.MessageID == "" || !ok {
			return
		}
		delta := TokenDelta(t, dp.Value)
		if msg.SessionID != "" {
			b.upsertMessage(ctx, res, name, session, msg, delta, dp)
			return
		}
		// Without session context the row cannot be created, only extended.
		applied, err := b.p.store.AccumulateMessageTokens(ctx, msg.MessageID, delta)
		if err != nil {
			b.fail(name, "", msg.MessageID, OpAccumulateMessage, err)
			return
		}
		if applied {
			res.MessageUpdates++
		} else {
			b.p.logger.Debug("token metric for unknown message without session context",
				"metric", name, "message_id", msg.MessageID)
		}

	default:
		res.Unrouted++
	}
}

func (b *block) resolveMessage(attrs Attributes, session models.SessionIdentity) models.MessageIdentity {
	msg := ResolveMessage(attrs)
	if msg.MessageID != "" {
		b.realMessage = true
	}
	msg.SessionID = session.SessionID
	if msg.Model == "" {
		msg.Model = session.Model
	}
	return msg
}

func (b *block) sessionUsage(ctx context.Context, res *Result, name string, session models.SessionIdentity, dp DataPoint, delta models.UsageDelta) {
	if session.SessionID == "" {
		return
	}
	b.fingerprint.add(name, dp)
	if session.SessionID == b.session.SessionID {
		b.sessionLevel = true
		b.usage = b.usage.Add(delta)
		if b.model == "" {
			b.model = session.Model
		}
	}

	if err := b.ensureSession(ctx, session); err != nil {
		b.fail(name, session.SessionID, "", OpUpsertSession, err)
		return
	}
	if delta.IsZero() {
		return
	}
	if err := b.p.store.AccumulateSession(ctx, session.SessionID, delta, b.now); err != nil {
		b.fail(name, session.SessionID, "", OpAccumulateSession, err)
		return
	}
	res.SessionUpdates++
}

func (b *block) upsertMessage(ctx context.Context, res *Result, name string, session models.SessionIdentity, msg models.MessageIdentity, delta models.UsageDelta, dp DataPoint) {
	if err := b.ensureSession(ctx, session); err != nil {
		b.fail(name, session.SessionID, msg.MessageID, OpUpsertSession, err)
		return
	}
	if err := b.p.store.UpsertMessage(ctx, msg, delta, b.timestamp(dp)); err != nil {
		b.fail(name, session.SessionID, msg.MessageID, OpUpsertMessage, err)
		return
	}
	res.MessageUpdates++
}

// ensureSession upserts each session at most once per block.
func (b *block) ensureSession(ctx context.Context, session models.SessionIdentity) error {
	if b.upserted[session.SessionID] {
		return nil
	}
	if err := b.p.store.UpsertSession(ctx, session, b.now); err != nil {
		return err
	}
	b.upserted[session.SessionID] = true
	return nil
}

func (b *block) record(ctx context.Context, res *Result, metricType models.MetricType, metric *otlpjson.Metric, scope string, session models.SessionIdentity, dp DataPoint) {
	raw := &models.RawMetric{
		MetricType:  metricType,
		MetricName:  metric.Name,
		Value:       dp.Value,
		Labels:      Merge(b.resource, dp.Attributes).Plain(),
		ProjectPath: models.NullableString(ResolveProjectPath(b.resource, dp.Attributes)),
		UserID:      models.NullableString(session.UserID),
		SessionID:   models.NullableString(session.SessionID),
		Metadata: models.MetricMetadata{
			TimeUnixNano:      dp.TimeUnixNano,
			StartTimeUnixNano: dp.StartTimeUnixNano,
			ServiceName:       b.serviceName,
			ScopeName:         scope,
			Unit:              metric.Unit,
			Histogram:         dp.Histogram,
			Exemplars:         dp.Exemplars,
		},
		RecordedAt: b.now,
	}
	if err := b.p.store.RecordMetric(ctx, raw); err != nil {
		b.fail(metric.Name, session.SessionID, "", OpRecordMetric, err)
		return
	}
	res.RecordedMetrics++
}

// finish writes the synthetic message when the block carried session-level
// usage but no metric named a message. Its id depends only on the session
// and the block contents, so reprocessing the block reuses the same row.
func (b *block) finish(ctx context.Context, res *Result) {
	if !b.sessionLevel || b.realMessage || b.session.SessionID == "" {
		return
	}
	msg := models.MessageIdentity{
		MessageID: SyntheticMessageID(b.session.SessionID, b.fingerprint.nonce()),
		SessionID: b.session.SessionID,
		Role:      models.RoleAssistant,
		Model:     b.model,
	}
	if err := b.ensureSession(ctx, b.session); err != nil {
		b.fail("", b.session.SessionID, msg.MessageID, OpUpsertSession, err)
		return
	}
	if err := b.p.store.UpsertMessage(ctx, msg, b.usage, b.now); err != nil {
		b.fail("", b.session.SessionID, msg.MessageID, OpSyntheticMessage, err)
		return
	}
	res.SyntheticMessages++
	b.p.metrics.syntheticMessage()
}

func (b *block) timestamp(dp DataPoint) time.Time {
	if dp.TimeUnixNano == 0 {
		return b.now
	}
	return time.Unix(0, int64(dp.TimeUnixNano)).UTC()
}

func (b *block) fail(metric, sessionID, messageID, op string, err error) {
	b.p.metrics.failure(op)
	b.p.logger.Warn("aggregation failed",
		"metric", metric,
		"session_id", sessionID,
		"message_id", messageID,
		"operation", op,
		"error", err,
	)
	b.errs = append(b.errs, &DataPointError{
		Metric:    metric,
		SessionID: sessionID,
		MessageID: messageID,
		Op:        op,
		Err:       err,
	})
}
