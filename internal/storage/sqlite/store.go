// Package sqlite provides a SQLite-backed storage implementation.
//
// Every counter change is a single UPDATE or INSERT ... ON CONFLICT
// statement, so concurrent requests touching the same session or message
// never lose increments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fidde/otlp_usage_tracker/pkg/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

// Store is a SQLite-backed store for sessions, messages and raw metrics.
type Store struct {
	db    *sql.DB
	stmts statements

	closeOnce sync.Once
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath       string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// DefaultConfig returns default SQLite configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:       dbPath,
		MaxOpenConns: 8,
		BusyTimeout:  5 * time.Second,
	}
}

// New opens (creating if needed) the database and applies the schema.
func New(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path cannot be empty")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	// Run migrations
	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	store := &Store{db: db}
	if err := store.stmts.prepare(db); err != nil {
		store.stmts.close()
		db.Close()
		return nil, err
	}

	return store, nil
}

func dsn(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + cfg.DBPath + "?" + q.Encode()
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stmts.close()
		err = s.db.Close()
	})
	return err
}

// statements are prepared once per store.
type statements struct {
	upsertSession     *sql.Stmt
	accumulateSession *sql.Stmt
	upsertMessage     *sql.Stmt
	accumulateMessage *sql.Stmt
	insertMetric      *sql.Stmt
}

func (st *statements) prepare(db *sql.DB) error {
	queries := []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&st.upsertSession, "upsert session", upsertSessionSQL},
		{&st.accumulateSession, "accumulate session", accumulateSessionSQL},
		{&st.upsertMessage, "upsert message", upsertMessageSQL},
		{&st.accumulateMessage, "accumulate message", accumulateMessageSQL},
		{&st.insertMetric, "insert metric", insertMetricSQL},
	}
	for _, q := range queries {
		stmt, err := db.Prepare(q.query)
		if err != nil {
			return fmt.Errorf("preparing %s: %w", q.name, err)
		}
		*q.dst = stmt
	}
	return nil
}

func (st *statements) close() {
	for _, stmt := range []*sql.Stmt{
		st.upsertSession,
		st.accumulateSession,
		st.upsertMessage,
		st.accumulateMessage,
		st.insertMetric,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

const (
	upsertSessionSQL = `
		INSERT INTO sessions (session_id, user_id, user_email, org_id, model, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_seen = excluded.last_seen`

	accumulateSessionSQL = `
		UPDATE sessions SET
			total_cost = total_cost + ?,
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?,
			total_cache_read_tokens = total_cache_read_tokens + ?,
			total_cache_creation_tokens = total_cache_creation_tokens + ?,
			last_seen = ?
		WHERE session_id = ?`

	upsertMessageSQL = `
		INSERT INTO messages (
			message_id, session_id, conversation_id, role, model,
			cost, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			cost = cost + excluded.cost,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cache_creation_tokens = cache_creation_tokens + excluded.cache_creation_tokens,
			cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
			conversation_id = COALESCE(conversation_id, excluded.conversation_id),
			role = COALESCE(role, excluded.role),
			model = COALESCE(model, excluded.model)`

	accumulateMessageSQL = `
		UPDATE messages SET
			cost = cost + ?,
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_creation_tokens = cache_creation_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?
		WHERE message_id = ?`

	insertMetricSQL = `
		INSERT INTO metrics (
			metric_type, metric_name, value, labels,
			project_path, user_id, session_id, metadata, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// UpsertSession creates the session if absent; otherwise only last_seen moves.
func (s *Store) UpsertSession(ctx context.Context, id models.SessionIdentity, seen time.Time) error {
	if id.SessionID == "" {
		return models.ErrMissingSessionID
	}
	_, err := s.stmts.upsertSession.ExecContext(ctx,
		id.SessionID,
		nullString(id.UserID),
		nullString(id.UserEmail),
		nullString(id.OrgID),
		nullString(id.Model),
		unixNano(seen),
		unixNano(seen),
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", id.SessionID, err)
	}
	return nil
}

// AccumulateSession adds delta to the session counters.
func (s *Store) AccumulateSession(ctx context.Context, sessionID string, delta models.UsageDelta, seen time.Time) error {
	if sessionID == "" {
		return nil
	}
	_, err := s.stmts.accumulateSession.ExecContext(ctx,
		delta.Cost,
		delta.InputTokens,
		delta.OutputTokens,
		delta.CacheReadTokens,
		delta.CacheCreationTokens,
		unixNano(seen),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("accumulating session %s: %w", sessionID, err)
	}
	return nil
}

// UpsertMessage inserts the message or adds delta to the existing row.
func (s *Store) UpsertMessage(ctx context.Context, id models.MessageIdentity, delta models.UsageDelta, ts time.Time) error {
	if id.MessageID == "" {
		return models.ErrMissingMessageID
	}
	if id.SessionID == "" {
		return models.ErrMissingSessionID
	}
	_, err := s.stmts.upsertMessage.ExecContext(ctx,
		id.MessageID,
		id.SessionID,
		nullString(id.ConversationID),
		nullString(id.Role),
		nullString(id.Model),
		delta.Cost,
		delta.InputTokens,
		delta.OutputTokens,
		delta.CacheCreationTokens,
		delta.CacheReadTokens,
		unixNano(ts),
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", id.MessageID, err)
	}
	return nil
}

// AccumulateMessageTokens adds delta to an existing message and reports
// whether a row was updated.
func (s *Store) AccumulateMessageTokens(ctx context.Context, messageID string, delta models.UsageDelta) (bool, error) {
	res, err := s.stmts.accumulateMessage.ExecContext(ctx,
		delta.Cost,
		delta.InputTokens,
		delta.OutputTokens,
		delta.CacheCreationTokens,
		delta.CacheReadTokens,
		messageID,
	)
	if err != nil {
		return false, fmt.Errorf("accumulating message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("accumulating message %s: %w", messageID, err)
	}
	return n > 0, nil
}

// RecordMetric appends a raw metric row.
func (s *Store) RecordMetric(ctx context.Context, metric *models.RawMetric) error {
	if metric == nil {
		return errors.New("metric cannot be nil")
	}

	labels, err := encodeJSON(metric.Labels)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(metric.Metadata)
	if err != nil {
		return err
	}

	recordedAt := metric.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err = s.stmts.insertMetric.ExecContext(ctx,
		string(metric.MetricType),
		metric.MetricName,
		metric.Value,
		labels,
		metric.ProjectPath,
		metric.UserID,
		metric.SessionID,
		metadata,
		unixNano(recordedAt),
	)
	if err != nil {
		return fmt.Errorf("recording metric %s: %w", metric.MetricName, err)
	}
	return nil
}

const sessionColumns = `
	session_id, user_id, user_email, org_id, model,
	total_cost, total_input_tokens, total_output_tokens,
	total_cache_read_tokens, total_cache_creation_tokens,
	first_seen, last_seen`

// GetSession retrieves one session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", sessionID, err)
	}
	return session, nil
}

// ListSessions returns sessions ordered by last_seen, most recent first.
func (s *Store) ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE (? = '' OR user_id = ?) AND (? = '' OR org_id = ?)
		ORDER BY last_seen DESC, session_id
		LIMIT ? OFFSET ?`,
		filter.UserID, filter.UserID, filter.OrgID, filter.OrgID, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

const messageColumns = `
	message_id, session_id, conversation_id, role, model,
	cost, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
	timestamp`

// GetMessage retrieves one message.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying message %s: %w", messageID, err)
	}
	return msg, nil
}

// ListMessages returns the messages of a session, oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp, message_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListMetrics returns raw metrics, newest first.
func (s *Store) ListMetrics(ctx context.Context, filter models.MetricFilter) ([]*models.RawMetric, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metric_type, metric_name, value, labels,
			project_path, user_id, session_id, metadata, recorded_at
		FROM metrics
		WHERE (? = '' OR session_id = ?) AND (? = '' OR metric_name = ?)
		ORDER BY id DESC
		LIMIT ?`,
		filter.SessionID, filter.SessionID, filter.MetricName, filter.MetricName, limit)
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer rows.Close()

	metrics := []*models.RawMetric{}
	for rows.Next() {
		var (
			m                              models.RawMetric
			metricType, labels, metadata   string
			projectPath, userID, sessionID sql.NullString
			recordedAt                     int64
		)
		if err := rows.Scan(&m.ID, &metricType, &m.MetricName, &m.Value, &labels,
			&projectPath, &userID, &sessionID, &metadata, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning metric: %w", err)
		}
		m.MetricType = models.MetricType(metricType)
		m.ProjectPath = stringPtr(projectPath)
		m.UserID = stringPtr(userID)
		m.SessionID = stringPtr(sessionID)
		m.RecordedAt = fromUnixNano(recordedAt)
		if err := decodeJSON(labels, &m.Labels); err != nil {
			return nil, err
		}
		if err := decodeJSON(metadata, &m.Metadata); err != nil {
			return nil, err
		}
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		session                         models.Session
		userID, userEmail, orgID, model sql.NullString
		firstSeen, lastSeen             int64
	)
	err := row.Scan(
		&session.SessionID, &userID, &userEmail, &orgID, &model,
		&session.TotalCost, &session.TotalInputTokens, &session.TotalOutputTokens,
		&session.TotalCacheReadTokens, &session.TotalCacheCreationTokens,
		&firstSeen, &lastSeen,
	)
	if err != nil {
		return nil, err
	}
	session.UserID = stringPtr(userID)
	session.UserEmail = stringPtr(userEmail)
	session.OrgID = stringPtr(orgID)
	session.Model = stringPtr(model)
	session.FirstSeen = fromUnixNano(firstSeen)
	session.LastSeen = fromUnixNano(lastSeen)
	return &session, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		msg                         models.Message
		conversationID, role, model sql.NullString
		ts                          int64
	)
	err := row.Scan(
		&msg.MessageID, &msg.SessionID, &conversationID, &role, &model,
		&msg.Cost, &msg.InputTokens, &msg.OutputTokens, &msg.CacheCreationTokens, &msg.CacheReadTokens,
		&ts,
	)
	if err != nil {
		return nil, err
	}
	msg.ConversationID = stringPtr(conversationID)
	msg.Role = stringPtr(role)
	msg.Model = stringPtr(model)
	msg.Timestamp = fromUnixNano(ts)
	return &msg, nil
}

// Helper functions

// nullString stores empty strings as NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// encodeJSON encodes data as JSON string.
func encodeJSON(data any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding JSON: %w", err)
	}
	return string(b), nil
}

// decodeJSON decodes JSON string to target.
func decodeJSON(data string, target any) error {
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return fmt.Errorf("decoding JSON: %w", err)
	}
	return nil
}
