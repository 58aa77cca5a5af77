package models

import "time"

// RoleAssistant is the role given to synthetic messages.
const RoleAssistant = "assistant"

// MessageIdentity identifies a single message (turn) within a session.
type MessageIdentity struct {
	MessageID      string `json:"message_id"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role,omitempty"`
	Model          string `json:"model,omitempty"`
}

// Message is the aggregate row kept per message id.
type Message struct {
	MessageID      string  `json:"message_id"`
	SessionID      string  `json:"session_id"`
	ConversationID *string `json:"conversation_id"`
	Role           *string `json:"role"`
	Model          *string `json:"model"`

	Cost                float64 `json:"cost"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`

	Timestamp time.Time `json:"timestamp"`
}

// Apply adds a usage delta to the message counters.
func (m *Message) Apply(d UsageDelta) {
	m.Cost += d.Cost
	m.InputTokens += d.InputTokens
	m.OutputTokens += d.OutputTokens
	m.CacheReadTokens += d.CacheReadTokens
	m.CacheCreationTokens += d.CacheCreationTokens
}
