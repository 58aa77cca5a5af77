// Package storagetest is a conformance suite shared by the storage backends.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fidde/otlp_usage_tracker/internal/storage"
	"github.com/fidde/otlp_usage_tracker/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run runs every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"SessionFirstWriterWins", testSessionFirstWriterWins},
		{"SessionRequiresID", testSessionRequiresID},
		{"SessionEmptyStringsAreNull", testSessionEmptyStringsAreNull},
		{"SessionAccumulate", testSessionAccumulate},
		{"SessionAccumulateConcurrent", testSessionAccumulateConcurrent},
		{"MessageUpsertAdds", testMessageUpsertAdds},
		{"MessageUpsertFillsUnsetIdentity", testMessageUpsertFillsUnsetIdentity},
		{"MessageUpsertRequiresKeys", testMessageUpsertRequiresKeys},
		{"MessageAccumulateTokens", testMessageAccumulateTokens},
		{"MessageAccumulateConcurrent", testMessageAccumulateConcurrent},
		{"ListSessions", testListSessions},
		{"ListMessages", testListMessages},
		{"RecordAndListMetrics", testRecordAndListMetrics},
		{"NotFound", testNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func testSessionFirstWriterWins(t *testing.T, s storage.Store) {
	ctx := context.Background()

	first := models.SessionIdentity{SessionID: "S1", UserID: "U1", UserEmail: "a@example.com", OrgID: "O1", Model: "m-a"}
	second := models.SessionIdentity{SessionID: "S1", UserID: "U2", UserEmail: "b@example.com", OrgID: "O2", Model: "m-b"}

	require.NoError(t, s.UpsertSession(ctx, first, t0))
	require.NoError(t, s.UpsertSession(ctx, second, t0.Add(time.Minute)))

	got, err := s.GetSession(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "U1", models.StringValue(got.UserID))
	assert.Equal(t, "a@example.com", models.StringValue(got.UserEmail))
	assert.Equal(t, "O1", models.StringValue(got.OrgID))
	assert.Equal(t, "m-a", models.StringValue(got.Model))
	assert.True(t, got.FirstSeen.Equal(t0), "first_seen = %v", got.FirstSeen)
	assert.True(t, got.LastSeen.Equal(t0.Add(time.Minute)), "last_seen = %v", got.LastSeen)
}

func testSessionRequiresID(t *testing.T, s storage.Store) {
	ctx := context.Background()

	err := s.UpsertSession(ctx, models.SessionIdentity{UserID: "U1"}, t0)
	assert.ErrorIs(t, err, models.ErrMissingSessionID)

	// Accumulating without an id does nothing.
	assert.NoError(t, s.AccumulateSession(ctx, "", models.UsageDelta{Cost: 1}, t0))

	sessions, err := s.ListSessions(ctx, models.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func testSessionEmptyStringsAreNull(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, models.SessionIdentity{SessionID: "S1", UserID: "", Model: ""}, t0))

	got, err := s.GetSession(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, got.UserID)
	assert.Nil(t, got.UserEmail)
	assert.Nil(t, got.OrgID)
	assert.Nil(t, got.Model)
}

func testSessionAccumulate(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, models.SessionIdentity{SessionID: "S1"}, t0))
	require.NoError(t, s.AccumulateSession(ctx, "S1", models.UsageDelta{Cost: 0.15, InputTokens: 100}, t0))
	require.NoError(t, s.AccumulateSession(ctx, "S1", models.UsageDelta{Cost: 0.05, OutputTokens: 40, CacheReadTokens: 7, CacheCreationTokens: 3}, t0.Add(time.Second)))

	got, err := s.GetSession(ctx, "S1")
	require.NoError(t, err)
	assert.InDelta(t, 0.20, got.TotalCost, 1e-9)
	assert.Equal(t, int64(100), got.TotalInputTokens)
	assert.Equal(t, int64(40), got.TotalOutputTokens)
	assert.Equal(t, int64(7), got.TotalCacheReadTokens)
	assert.Equal(t, int64(3), got.TotalCacheCreationTokens)
	assert.True(t, got.LastSeen.Equal(t0.Add(time.Second)))
	assert.True(t, got.FirstSeen.Equal(t0))

	// Negative deltas are applied as-is.
	require.NoError(t, s.AccumulateSession(ctx, "S1", models.UsageDelta{InputTokens: -10}, t0))
	got, err = s.GetSession(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), got.TotalInputTokens)
}

func testSessionAccumulateConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, models.SessionIdentity{SessionID: "S1"}, t0))

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := s.AccumulateSession(ctx, "S1", models.UsageDelta{Cost: 1, InputTokens: 2}, t0); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetSession(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, float64(workers*perWorker), got.TotalCost)
	assert.Equal(t, int64(2*workers*perWorker), got.TotalInputTokens)
}

func testMessageUpsertAdds(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, models.SessionIdentity{SessionID: "S1"}, t0))

	id := models.MessageIdentity{MessageID: "M1", SessionID: "S1", Role: "assistant", Model: "m-a"}
	require.NoError(t, s.UpsertMessage(ctx, id, models.UsageDelta{Cost: 0.05}, t0))
	require.NoError(t, s.UpsertMessage(ctx, id, models.UsageDelta{Cost: 0.03, InputTokens: 150}, t0.Add(time.Hour)))

	got, err := s.GetMessage(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, "S1", got.SessionID)
	assert.InDelta(t, 0.08, got.Cost, 1e-9)
	assert.Equal(t, int64(150), got.InputTokens)
	assert.True(t, got.Timestamp.Equal(t0), "timestamp is set at creation only")
}

func testMessageUpsertFillsUnsetIdentity(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, models.SessionIdentity{SessionID: "S1"}, t0))

	require.NoError(t, s.UpsertMessage(ctx,
		models.MessageIdentity{MessageID: "M1", SessionID: "S1", Role: "user", Model: ""},
		models.UsageDelta{}, t0))
	require.NoError(t, s.UpsertMessage(ctx,
		models.MessageIdentity{MessageID: "M1", SessionID: "S1", Role: "assistant", Model: "m-b", ConversationID: "C1"},
		models.UsageDelta{}, t0))

	got, err := s.GetMessage(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, "user", models.StringValue(got.Role))
	assert.Equal(t, "m-b", models.StringValue(got.Model))
	assert.Equal(t, "C1", models.StringValue(got.ConversationID))
}

func testMessageUpsertRequiresKeys(t *testing.T, s storage.Store) {
	ctx := context.Background()

	err := s.UpsertMessage(ctx, models.MessageIdentity{SessionID: "S1"}, models.UsageDelta{Cost: 1}, t0)
	assert.ErrorIs(t, err, models.ErrMissingMessageID)

	err = s.UpsertMessage(ctx, models.MessageIdentity{MessageID: "M1"}, models.UsageDelta{Cost: 1}, t0)
	assert.ErrorIs(t, err, models.ErrMissingSessionID)

	_, err = s.GetMessage(ctx, "M1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testMessageAccumulateTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()

	applied, err := s.AccumulateMessageTokens(ctx, "M1", models.UsageDelta{InputTokens: 5})
	require.NoError(t, err)
	assert.False(t, applied, "missing message is a no-op")

	require.NoError(t, s.UpsertSession(ctx, models.SessionIdentity{SessionID: "S1"}, t0))
	require.NoError(t, s.UpsertMessage(ctx, models.MessageIdentity{MessageID: "M1", SessionID: "S1"}, models.UsageDelta{Cost: 0.05}, t0))

	applied, err = s.AccumulateMessageTokens(ctx, "M1", models.UsageDelta{InputTokens: 150, CacheCreationTokens: 9})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetMessage(ctx, "M1")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, got.Cost, 1e-9)
	assert.Equal(t, int64(150), got.InputTokens)
	assert.Equal(t, int64(9), got.CacheCreationTokens)
	assert.Zero(t, got.OutputTokens)
	assert.Zero(t, got.CacheReadTokens)
}

func testMessageAccumulateConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, models.SessionIdentity{SessionID: "S1"}, t0))

	// Every writer races to create the same message.
	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := models.MessageIdentity{MessageID: "M1", SessionID: "S1"}
			if err := s.UpsertMessage(ctx, id, models.UsageDelta{OutputTokens: 3}, t0); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetMessage(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, int64(3*workers), got.OutputTokens)
}

func testListSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		user := "U1"
		if i%2 == 1 {
			user = "U2"
		}
		id := models.SessionIdentity{SessionID: fmt.Sprintf("S%d", i), UserID: user, OrgID: "O1"}
		require.NoError(t, s.UpsertSession(ctx, id, t0.Add(time.Duration(i)*time.Minute)))
	}

	all, err := s.ListSessions(ctx, models.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "S4", all[0].SessionID, "most recent first")
	assert.Equal(t, "S0", all[4].SessionID)

	byUser, err := s.ListSessions(ctx, models.SessionFilter{UserID: "U2"})
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "S3", byUser[0].SessionID)
	assert.Equal(t, "S1", byUser[1].SessionID)

	page, err := s.ListSessions(ctx, models.SessionFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "S3", page[0].SessionID)
	assert.Equal(t, "S2", page[1].SessionID)

	none, err := s.ListSessions(ctx, models.SessionFilter{OrgID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, models.SessionIdentity{SessionID: "S1"}, t0))
	require.NoError(t, s.UpsertSession(ctx, models.SessionIdentity{SessionID: "S2"}, t0))

	require.NoError(t, s.UpsertMessage(ctx, models.MessageIdentity{MessageID: "M2", SessionID: "S1"}, models.UsageDelta{}, t0.Add(2*time.Second)))
	require.NoError(t, s.UpsertMessage(ctx, models.MessageIdentity{MessageID: "M1", SessionID: "S1"}, models.UsageDelta{}, t0.Add(time.Second)))
	require.NoError(t, s.UpsertMessage(ctx, models.MessageIdentity{MessageID: "M3", SessionID: "S2"}, models.UsageDelta{}, t0))

	msgs, err := s.ListMessages(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "M1", msgs[0].MessageID)
	assert.Equal(t, "M2", msgs[1].MessageID)

	msgs, err = s.ListMessages(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testRecordAndListMetrics(t *testing.T, s storage.Store) {
	ctx := context.Background()

	session := "S1"
	sum := 12.5
	records := []*models.RawMetric{
		{
			MetricType: models.MetricTypeCounter,
			MetricName: "claude_code.cost.usage",
			Value:      0.15,
			Labels:     map[string]any{"session_id": "S1", "model": "m-a"},
			SessionID:  &session,
			Metadata:   models.MetricMetadata{TimeUnixNano: 1700000000000000000, ServiceName: "claude-code"},
			RecordedAt: t0,
		},
		{
			MetricType: models.MetricTypeHistogram,
			MetricName: "request.duration",
			Labels:     map[string]any{"route": "/v1"},
			Metadata: models.MetricMetadata{
				Histogram: &models.HistogramStats{Count: 3, Sum: &sum, BucketCounts: []uint64{1, 2}, ExplicitBounds: []float64{10}},
			},
			RecordedAt: t0,
		},
		{
			MetricType: models.MetricTypeCounter,
			MetricName: "claude_code.cost.usage",
			Value:      0.05,
			Labels:     map[string]any{},
			RecordedAt: t0,
		},
	}
	for _, m := range records {
		require.NoError(t, s.RecordMetric(ctx, m))
	}

	all, err := s.ListMetrics(ctx, models.MetricFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 0.05, all[0].Value, "newest first")
	assert.Nil(t, all[0].SessionID)

	bySession, err := s.ListMetrics(ctx, models.MetricFilter{SessionID: "S1"})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	got := bySession[0]
	assert.Equal(t, models.MetricTypeCounter, got.MetricType)
	assert.Equal(t, 0.15, got.Value)
	assert.Equal(t, "S1", models.StringValue(got.SessionID))
	assert.Equal(t, "m-a", got.Labels["model"])
	assert.Equal(t, uint64(1700000000000000000), got.Metadata.TimeUnixNano)
	assert.Equal(t, "claude-code", got.Metadata.ServiceName)
	assert.NotZero(t, got.ID)

	byName, err := s.ListMetrics(ctx, models.MetricFilter{MetricName: "request.duration"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	require.NotNil(t, byName[0].Metadata.Histogram)
	assert.Equal(t, uint64(3), byName[0].Metadata.Histogram.Count)
	assert.Equal(t, []uint64{1, 2}, byName[0].Metadata.Histogram.BucketCounts)
	assert.Zero(t, byName[0].Value)

	limited, err := s.ListMetrics(ctx, models.MetricFilter{MetricName: "claude_code.cost.usage", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, 0.05, limited[0].Value)
}

func testNotFound(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
