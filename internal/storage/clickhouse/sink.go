// Package clickhouse mirrors raw metric rows into ClickHouse for analytics.
// It is append-only; sessions and messages stay in the primary store.
package clickhouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/fidde/otlp_usage_tracker/pkg/models"
)

// Sink buffers raw metrics and writes them to the raw_metrics table.
type Sink struct {
	conn   driver.Conn
	buffer *BatchBuffer
	logger *slog.Logger
}

// NewSink connects, initializes the schema and starts the batch buffer.
func NewSink(ctx context.Context, config *ConnectionConfig, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}

	conn, err := Connect(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse: %w", err)
	}

	if err := InitializeSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	s := &Sink{conn: conn, logger: logger}
	s.buffer = newBatchBuffer(s.insertRows, config.BatchSize, config.FlushInterval, logger)
	return s, nil
}

// RecordMetric queues a raw metric for the next batch.
func (s *Sink) RecordMetric(ctx context.Context, metric *models.RawMetric) error {
	if metric == nil {
		return errors.New("metric cannot be nil")
	}
	row, err := toRow(metric)
	if err != nil {
		return err
	}
	return s.buffer.Add(row)
}

// Close flushes buffered rows and closes the connection.
func (s *Sink) Close() error {
	ctx := context.Background()

	bufErr := s.buffer.Close(ctx)
	connErr := s.conn.Close()

	if bufErr != nil {
		return fmt.Errorf("flushing buffer: %w", bufErr)
	}
	if connErr != nil {
		return fmt.Errorf("closing connection: %w", connErr)
	}
	return nil
}

func (s *Sink) insertRows(ctx context.Context, rows []MetricRow) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO raw_metrics")
	if err != nil {
		return err
	}

	for _, row := range rows {
		err = batch.Append(
			row.RecordedAt,
			row.ObservedAt,
			row.MetricType,
			row.MetricName,
			row.Value,
			row.Labels,
			row.ProjectPath,
			row.UserID,
			row.SessionID,
			row.ServiceName,
			row.Metadata,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// toRow flattens a raw metric. Labels become strings since the column is a
// Map(String, String); metadata is kept as its JSON encoding.
func toRow(m *models.RawMetric) (MetricRow, error) {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return MetricRow{}, fmt.Errorf("encoding metadata: %w", err)
	}

	labels := make(map[string]string, len(m.Labels))
	for k, v := range m.Labels {
		labels[k] = fmt.Sprint(v)
	}

	recordedAt := m.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	observedAt := recordedAt
	if m.Metadata.TimeUnixNano != 0 {
		observedAt = time.Unix(0, int64(m.Metadata.TimeUnixNano))
	}

	return MetricRow{
		RecordedAt:  recordedAt.UTC(),
		ObservedAt:  observedAt.UTC(),
		MetricType:  string(m.MetricType),
		MetricName:  m.MetricName,
		Value:       m.Value,
		Labels:      labels,
		ProjectPath: m.ProjectPath,
		UserID:      m.UserID,
		SessionID:   m.SessionID,
		ServiceName: m.Metadata.ServiceName,
		Metadata:    string(metadata),
	}, nil
}
