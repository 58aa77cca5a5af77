package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const schemaVersion = "usage-1"

// InitializeSchema creates the raw metric table if it does not exist and
// checks that an existing database was created by this schema version.
func InitializeSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, schemaVersionTableDDL); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	currentVersion, err := getCurrentSchemaVersion(ctx, conn)
	if err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}
	if currentVersion != "" && currentVersion != schemaVersion {
		return fmt.Errorf("schema version mismatch: database has %s, code expects %s", currentVersion, schemaVersion)
	}

	if err := conn.Exec(ctx, rawMetricsTableDDL); err != nil {
		return fmt.Errorf("creating table raw_metrics: %w", err)
	}

	if currentVersion == "" {
		if err := conn.Exec(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("setting schema version: %w", err)
		}
	}
	return nil
}

func getCurrentSchemaVersion(ctx context.Context, conn driver.Conn) (string, error) {
	var version string
	row := conn.QueryRow(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1")
	if err := row.Scan(&version); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return version, nil
}

const schemaVersionTableDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version String,
    applied_at DateTime64(3) DEFAULT now64(3)
) ENGINE = MergeTree()
ORDER BY applied_at
`

// raw_metrics mirrors the relational metrics table for long-range analytics.
const rawMetricsTableDDL = `
CREATE TABLE IF NOT EXISTS raw_metrics (
    recorded_at DateTime64(9),
    observed_at DateTime64(9),
    metric_type LowCardinality(String),
    metric_name LowCardinality(String),
    value Float64,
    labels Map(String, String),
    project_path Nullable(String),
    user_id Nullable(String),
    session_id Nullable(String),
    service_name LowCardinality(String),
    metadata String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(recorded_at)
ORDER BY (metric_name, recorded_at)
SETTINGS index_granularity = 8192
`
