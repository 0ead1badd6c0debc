package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"okr-query-sandbox/internal/governor"
)

// AuditWriter persists audit records asynchronously so a slow database never
// blocks the request path. Entries are buffered and written with retry; on a
// full buffer the entry is dropped and logged, never the request failed.
type AuditWriter struct {
	db   *DB
	ch   chan *QueryExecution
	wg   sync.WaitGroup
	done chan struct{}
	stop sync.Once
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan *QueryExecution, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record implements governor.AuditSink.
func (w *AuditWriter) Record(entry governor.ExecutionLogEntry) {
	exec := &QueryExecution{
		ID:           uuid.New().String(),
		UserID:       entry.UserID,
		Kind:         entry.Kind,
		Code:         entry.Code,
		Success:      entry.Success,
		ErrorMessage: entry.ErrorMessage,
		DurationMS:   entry.Duration.Milliseconds(),
		CreatedAt:    entry.CreatedAt,
	}

	select {
	case w.ch <- exec:
	default:
		log.Warn().Str("user_id", exec.UserID).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer and drains buffered entries, up to the timeout.
// Safe to call more than once.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.stop.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.ch:
			w.writeWithRetry(exec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case exec := <-w.ch:
					w.writeWithRetry(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(exec *QueryExecution) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogExecution(ctx, exec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("user_id", exec.UserID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("user_id", exec.UserID).
				Msg("audit write failed permanently after retries")
		}
	}
}
