// Package dual composes a primary store with a raw metric mirror.
package dual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fidde/otlp_usage_tracker/internal/storage"
	"github.com/fidde/otlp_usage_tracker/pkg/models"
)

// Store sends every call to the primary store. Raw metrics are also written
// to the secondary mirror in the background. Reads come from primary only.
type Store struct {
	primary   storage.Store
	secondary storage.MetricMirror
	logger    *slog.Logger

	// mu orders inflight.Add against Close's Wait.
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Config holds dual store configuration.
type Config struct {
	Primary   storage.Store
	Secondary storage.MetricMirror
	Logger    *slog.Logger
}

// New creates a new dual-write store.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		logger:    cfg.Logger,
	}
}

// dualWrite performs a write to both backends.
// Errors from secondary are logged but don't fail the operation. Once the
// store is closed the secondary write is skipped.
func (s *Store) dualWrite(ctx context.Context, op string, primaryWrite func() error, secondaryWrite func(context.Context) error) error {
	if err := primaryWrite(); err != nil {
		return err
	}

	// The mirror write outlives the request.
	bg := context.WithoutCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("dual-write after close, secondary skipped", "operation", op)
		return nil
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.inflight.Done()
		if err := secondaryWrite(bg); err != nil {
			s.logger.Error("dual-write to secondary failed",
				"operation", op,
				"error", err,
			)
		}
	}()

	return nil
}

// RecordMetric records the metric in the primary store and mirrors it.
func (s *Store) RecordMetric(ctx context.Context, metric *models.RawMetric) error {
	return s.dualWrite(ctx, "RecordMetric",
		func() error { return s.primary.RecordMetric(ctx, metric) },
		func(ctx context.Context) error { return s.secondary.RecordMetric(ctx, metric) },
	)
}

func (s *Store) UpsertSession(ctx context.Context, id models.SessionIdentity, seen time.Time) error {
	return s.primary.UpsertSession(ctx, id, seen)
}

func (s *Store) AccumulateSession(ctx context.Context, sessionID string, delta models.UsageDelta, seen time.Time) error {
	return s.primary.AccumulateSession(ctx, sessionID, delta, seen)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.primary.GetSession(ctx, sessionID)
}

func (s *Store) ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	return s.primary.ListSessions(ctx, filter)
}

func (s *Store) UpsertMessage(ctx context.Context, id models.MessageIdentity, delta models.UsageDelta, ts time.Time) error {
	return s.primary.UpsertMessage(ctx, id, delta, ts)
}

func (s *Store) AccumulateMessageTokens(ctx context.Context, messageID string, delta models.UsageDelta) (bool, error) {
	return s.primary.AccumulateMessageTokens(ctx, messageID, delta)
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	return s.primary.GetMessage(ctx, messageID)
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.primary.ListMessages(ctx, sessionID)
}

// ListMetrics lists raw metrics from the primary backend only.
func (s *Store) ListMetrics(ctx context.Context, filter models.MetricFilter) ([]*models.RawMetric, error) {
	return s.primary.ListMetrics(ctx, filter)
}

// Close waits for in-flight mirror writes, then closes both backends.
// Writes that arrive after Close reach the primary only.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.inflight.Wait()

	secondaryErr := s.secondary.Close()
	primaryErr := s.primary.Close()

	if primaryErr != nil {
		return fmt.Errorf("close primary: %w", primaryErr)
	}
	if secondaryErr != nil {
		return fmt.Errorf("close secondary: %w", secondaryErr)
	}

	return nil
}
