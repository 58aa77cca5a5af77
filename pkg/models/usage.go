package models

// TokenType names one of the four token counters.
type TokenType string

const (
	TokenInput         TokenType = "input"
	TokenOutput        TokenType = "output"
	TokenCacheRead     TokenType = "cache_read"
	TokenCacheCreation TokenType = "cache_creation"
)

// UsageDelta is an additive change to cost and token counters. It is a plain
// value; accumulation into rows happens at the storage boundary.
type UsageDelta struct {
	Cost                float64 `json:"cost"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
}

// Add returns the sum of two deltas.
func (d UsageDelta) Add(o UsageDelta) UsageDelta {
	return UsageDelta{
		Cost:                d.Cost + o.Cost,
		InputTokens:         d.InputTokens + o.InputTokens,
		OutputTokens:        d.OutputTokens + o.OutputTokens,
		CacheReadTokens:     d.CacheReadTokens + o.CacheReadTokens,
		CacheCreationTokens: d.CacheCreationTokens + o.CacheCreationTokens,
	}
}

// IsZero reports whether the delta changes nothing.
func (d UsageDelta) IsZero() bool {
	return d == UsageDelta{}
}

// Tokens returns a delta carrying n in the counter named by t.
func Tokens(t TokenType, n int64) UsageDelta {
	switch t {
	case TokenInput:
		return UsageDelta{InputTokens: n}
	case TokenOutput:
		return UsageDelta{OutputTokens: n}
	case TokenCacheRead:
		return UsageDelta{CacheReadTokens: n}
	case TokenCacheCreation:
		return UsageDelta{CacheCreationTokens: n}
	default:
		return UsageDelta{}
	}
}
