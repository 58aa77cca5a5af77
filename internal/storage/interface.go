// Package storage defines the persistence boundary for usage aggregation.
//
// Counter changes are expressed as additive deltas so that implementations
// can apply them as single atomic statements. Callers never read a row,
// modify it and write it back.
package storage

import (
	"context"
	"time"

	"github.com/fidde/otlp_usage_tracker/pkg/models"
)

// SessionStore creates sessions and accumulates their usage.
type SessionStore interface {
	// UpsertSession creates the session if absent. An existing session only
	// has last_seen refreshed; its identity fields are never overwritten.
	UpsertSession(ctx context.Context, id models.SessionIdentity, seen time.Time) error

	// AccumulateSession adds delta to the session counters in one atomic
	// update. An empty session id is a no-op.
	AccumulateSession(ctx context.Context, sessionID string, delta models.UsageDelta, seen time.Time) error

	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error)
}

// MessageStore creates messages and accumulates their usage.
type MessageStore interface {
	// UpsertMessage inserts the message with delta as its initial counters.
	// On conflict the numeric fields are added and unset identity fields
	// are filled; set identity fields are kept.
	UpsertMessage(ctx context.Context, id models.MessageIdentity, delta models.UsageDelta, ts time.Time) error

	// AccumulateMessageTokens adds delta to an existing message. It reports
	// false without error when the message does not exist.
	AccumulateMessageTokens(ctx context.Context, messageID string, delta models.UsageDelta) (bool, error)

	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
}

// MetricSink appends raw metric rows.
type MetricSink interface {
	RecordMetric(ctx context.Context, metric *models.RawMetric) error
}

// MetricMirror is a secondary, append-only destination for raw metrics.
type MetricMirror interface {
	MetricSink
	Close() error
}

// Store is the full storage contract used by ingestion and the read API.
// Implementations must be safe for concurrent use.
type Store interface {
	SessionStore
	MessageStore
	MetricSink

	ListMetrics(ctx context.Context, filter models.MetricFilter) ([]*models.RawMetric, error)

	// Close the storage (for cleanup, e.g., DB connections)
	Close() error
}
