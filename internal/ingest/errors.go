package ingest

import "fmt"

// Storage operations named in DataPointError.Op.
const (
	OpUpsertSession     = "upsert_session"
	OpAccumulateSession = "accumulate_session"
	OpUpsertMessage     = "upsert_message"
	OpAccumulateMessage = "accumulate_message_tokens"
	OpRecordMetric      = "record_metric"
	OpSyntheticMessage  = "synthetic_message"
)

// DataPointError is a storage failure while handling one data point. It
// does not stop processing of the rest of the payload.
type DataPointError struct {
	Metric    string
	SessionID string
	MessageID string
	Op        string
	Err       error
}

func (e *DataPointError) Error() string {
	msg := e.Op
	if e.Metric != "" {
		msg += fmt.Sprintf(" for metric %q", e.Metric)
	}
	if e.SessionID != "" {
		msg += fmt.Sprintf(" session %q", e.SessionID)
	}
	if e.MessageID != "" {
		msg += fmt.Sprintf(" message %q", e.MessageID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *DataPointError) Unwrap() error {
	return e.Err
}
