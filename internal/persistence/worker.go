package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"DvpSettle/internal/observability"
)

// EngineOutput mirrors engine.Output to avoid an import cycle. The
// orchestrator (cmd/dvpsettle/main.go) bridges between the two.
type EngineOutput struct {
	Record   RecordRow
	Deal     DealRow
	Balances []BalanceRow
}

// Worker drains the persist channel and batch-writes to Postgres.
// The persist channel uses BLOCKING sends from the engine, so if this
// worker falls behind, the engine stalls — no record is ever lost.
type Worker struct {
	writer       *RecordLogWriter
	db           *sql.DB
	inputChan    <-chan EngineOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan EngineOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewRecordLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the worker loop. It batches incoming outputs and flushes
// either when the batch is full or the flush timeout expires. Blocks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	recordBatch := make([]RecordRow, 0, w.batchSize)
	dealBatch := make([]DealRow, 0, w.batchSize)
	balanceBatch := make([]BalanceRow, 0, w.batchSize*3)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(recordBatch) > 0 {
				if err := w.flush(context.Background(), recordBatch, dealBatch, balanceBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(recordBatch) > 0 {
					if err := w.flush(context.Background(), recordBatch, dealBatch, balanceBatch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			recordBatch = append(recordBatch, output.Record)
			dealBatch = append(dealBatch, output.Deal)
			balanceBatch = append(balanceBatch, output.Balances...)

			if len(recordBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, recordBatch, dealBatch, balanceBatch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				recordBatch = recordBatch[:0]
				dealBatch = dealBatch[:0]
				balanceBatch = balanceBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(recordBatch) > 0 {
				if err := w.flushWithRetry(ctx, recordBatch, dealBatch, balanceBatch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				recordBatch = recordBatch[:0]
				dealBatch = dealBatch[:0]
				balanceBatch = balanceBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// never drops records: it retries until the write succeeds or the
// context is cancelled, in which case it makes one final attempt with a
// background context.
func (w *Worker) flushWithRetry(ctx context.Context, records []RecordRow, deals []DealRow, balances []BalanceRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, records=%d)",
				attempt, backoff, len(records))
			select {
			case <-ctx.Done():
				finalErr := w.flush(context.Background(), records, deals, balances)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, records, deals, balances)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes records, deal upserts, and balance upserts in a single
// transaction.
func (w *Worker) flush(ctx context.Context, records []RecordRow, deals []DealRow, balances []BalanceRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteRecordBatch(ctx, tx, records); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_records").Inc()
		}
		return err
	}

	if err := w.writer.UpsertDeals(ctx, tx, deals); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("upsert_deals").Inc()
		}
		return err
	}

	if err := w.writer.UpsertBalances(ctx, tx, balances); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("upsert_balances").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(records)))
		w.metrics.PersistRecordsWritten.Add(float64(len(records)))
		if len(records) > 0 {
			w.metrics.PersistLastSequence.Set(float64(records[len(records)-1].Sequence))
		}
	}

	return nil
}

// GetWriter returns the underlying writer, used by recovery at startup.
func (w *Worker) GetWriter() *RecordLogWriter {
	return w.writer
}
