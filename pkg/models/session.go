// Package models defines the rows and value objects produced by usage ingestion.
package models

import "time"

// SessionIdentity is the identity of an assistant session as resolved from
// OTLP attributes. Empty fields are unset and are stored as NULL.
type SessionIdentity struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Session is the aggregate row kept per session id.
//
// Identity fields are first-writer-wins: they are set when the row is created
// and never overwritten. Counters only move through additive deltas.
type Session struct {
	SessionID string `json:"session_id"`

	// Optional identity, nil when never observed on the creating batch.
	UserID    *string `json:"user_id"`
	UserEmail *string `json:"user_email"`
	OrgID     *string `json:"org_id"`
	Model     *string `json:"model"`

	TotalCost                float64 `json:"total_cost"`
	TotalInputTokens         int64   `json:"total_input_tokens"`
	TotalOutputTokens        int64   `json:"total_output_tokens"`
	TotalCacheReadTokens     int64   `json:"total_cache_read_tokens"`
	TotalCacheCreationTokens int64   `json:"total_cache_creation_tokens"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	UserID string
	OrgID  string
	Limit  int
	Offset int
}

// Apply adds a usage delta to the session counters.
func (s *Session) Apply(d UsageDelta) {
	s.TotalCost += d.Cost
	s.TotalInputTokens += d.InputTokens
	s.TotalOutputTokens += d.OutputTokens
	s.TotalCacheReadTokens += d.CacheReadTokens
	s.TotalCacheCreationTokens += d.CacheCreationTokens
}

// NullableString maps an empty string to nil so it is persisted as NULL.
func NullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue dereferences s, returning "" for nil.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
