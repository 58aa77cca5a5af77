package clickhouse

import "fmt"

// InsertError reports a batch that could not be written after retries.
// The rows of that batch are dropped.
type InsertError struct {
	Attempts int
	Rows     int
	Err      error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("insert of %d rows failed after %d attempts: %v", e.Rows, e.Attempts, e.Err)
}

func (e *InsertError) Unwrap() error {
	return e.Err
}
