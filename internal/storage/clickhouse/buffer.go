package clickhouse

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultShutdownWait  = 10 * time.Second
	maxRetries           = 3
)

// MetricRow is one row of the raw_metrics table.
type MetricRow struct {
	RecordedAt  time.Time
	ObservedAt  time.Time
	MetricType  string
	MetricName  string
	Value       float64
	Labels      map[string]string
	ProjectPath *string
	UserID      *string
	SessionID   *string
	ServiceName string
	Metadata    string
}

// insertFunc writes one batch of rows.
type insertFunc func(ctx context.Context, rows []MetricRow) error

// BatchBuffer collects rows and writes them in batches, either when the
// batch is full or when the flush interval elapses.
type BatchBuffer struct {
	insert insertFunc

	mu   sync.Mutex
	rows []MetricRow

	batchSize     int
	flushInterval time.Duration
	shutdownWait  time.Duration
	retryDelay    time.Duration

	flushTimer *time.Timer
	stopCh     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func newBatchBuffer(insert insertFunc, batchSize int, flushInterval time.Duration, logger *slog.Logger) *BatchBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	b := &BatchBuffer{
		insert:        insert,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		shutdownWait:  defaultShutdownWait,
		retryDelay:    100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}

	b.flushTimer = time.NewTimer(b.flushInterval)

	b.wg.Add(1)
	go b.flushLoop()

	return b
}

// Add buffers a row, flushing when the batch is full.
func (b *BatchBuffer) Add(row MetricRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = append(b.rows, row)

	if len(b.rows) >= b.batchSize {
		return b.flushLocked()
	}
	return nil
}

// Len returns the number of buffered rows.
func (b *BatchBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// flushLoop periodically flushes the buffer on timer
func (b *BatchBuffer) flushLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.flushTimer.C:
			b.mu.Lock()
			_ = b.flushLocked()
			b.mu.Unlock()
			b.flushTimer.Reset(b.flushInterval)

		case <-b.stopCh:
			b.flushTimer.Stop()
			return
		}
	}
}

// flushLocked writes buffered rows (must hold lock). The lock is released
// while the insert runs so producers are not blocked on the network.
func (b *BatchBuffer) flushLocked() error {
	if len(b.rows) == 0 {
		return nil
	}

	start := time.Now()
	rows := b.rows
	b.rows = nil

	b.mu.Unlock()
	err := b.retryInsert(rows)
	b.mu.Lock()

	if err != nil {
		b.logger.Error("failed to flush raw metrics",
			"error", err,
			"row_count", len(rows),
		)
		return err
	}

	b.logger.Debug("flushed raw metrics",
		"row_count", len(rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close stops the flush loop and writes the remaining rows.
func (b *BatchBuffer) Close(ctx context.Context) error {
	var finalErr error

	b.closeOnce.Do(func() {
		close(b.stopCh)

		shutdownCtx, cancel := context.WithTimeout(ctx, b.shutdownWait)
		defer cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
			b.logger.Warn("flush loop did not stop within timeout")
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		finalErr = b.flushLocked()
	})

	return finalErr
}

// retryInsert retries the insert with exponential backoff.
func (b *BatchBuffer) retryInsert(rows []MetricRow) error {
	var err error
	retryDelay := b.retryDelay

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = b.insert(ctx, rows)
		cancel()

		if err == nil {
			return nil
		}

		if attempt < maxRetries {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}

	return &InsertError{Attempts: maxRetries, Rows: len(rows), Err: err}
}
