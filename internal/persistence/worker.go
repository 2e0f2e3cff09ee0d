package persistence

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/observability"
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on this channel with a blocking send, so if the worker
// falls behind the engine stalls and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	// published receives outputs once their batch has committed.
	published chan<- core.CoreOutput
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// PublishTo forwards every durably written output to ch. A full channel
// blocks the worker, as a full persist channel blocks the engine, until the
// worker's context is cancelled.
func (pw *PersistenceWorker) PublishTo(ch chan<- core.CoreOutput) {
	pw.published = ch
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize)
	outputs := make([]core.CoreOutput, 0, pw.batchSize)
	var oldest time.Time

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(flushCtx context.Context, reason string) {
		if len(events) == 0 {
			return
		}
		if err := pw.flushWithRetry(flushCtx, events, journals); err != nil {
			pw.log.Error().Err(err).Str("reason", reason).Int("events", len(events)).Msg("flush failed")
		} else {
			if pw.metrics != nil {
				pw.metrics.ApplyToPersist.Observe(time.Since(oldest).Seconds())
			}
			pw.publish(ctx, outputs)
		}
		events = events[:0]
		journals = journals[:0]
		outputs = outputs[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			if len(events) == 0 {
				oldest = time.Now()
			}
			rec := NewRecord(output)
			events = append(events, rec.Event)
			journals = append(journals, rec.Journals...)
			if pw.published != nil {
				outputs = append(outputs, output)
			}

			if len(events) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On shutdown it makes one final attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.log.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	// Events and journals commit together.
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

// publish hands outputs on in order. Outputs are only dropped once ctx is
// cancelled; they remain durable in the event log.
func (pw *PersistenceWorker) publish(ctx context.Context, outputs []core.CoreOutput) {
	if pw.published == nil {
		return
	}
	for i, o := range outputs {
		select {
		case pw.published <- o:
			continue
		default:
		}
		if pw.metrics != nil {
			pw.metrics.PublishBackpressure.Inc()
		}
		select {
		case pw.published <- o:
		case <-ctx.Done():
			dropped := len(outputs) - i
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Add(float64(dropped))
			}
			pw.log.Warn().Int("outputs", dropped).Int64("from_sequence", o.Envelope.Sequence).Msg("publish abandoned on shutdown")
			return
		}
	}
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
