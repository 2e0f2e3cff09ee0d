package ingestion

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/observability"
	"ApolloLedger/internal/state"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Executor applies one command. *core.Engine satisfies it.
type Executor interface {
	Execute(evt event.Event) (*core.Receipt, error)
}

// Dispatcher parses raw messages and executes them against the engine.
// Business rejections are final and acked; only internal failures are
// redelivered.
type Dispatcher struct {
	exec    Executor
	in      <-chan RawEvent
	workers int
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(exec Executor, in <-chan RawEvent, workers int, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{exec: exec, in: in, workers: workers, metrics: metrics, log: log}
}

// Run starts the workers and blocks until ctx is cancelled or the input
// channel closes and every worker has drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-d.in:
					if !ok {
						return
					}
					d.handle(raw)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Outcome labels for IngestMessages.
const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultMalformed = "malformed"
	resultRetry     = "retry"
)

func (d *Dispatcher) handle(raw RawEvent) string {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("malformed command")
		d.count("unknown", resultMalformed)
		call(raw.TermFunc)
		return resultMalformed
	}
	et := evt.EventType().String()

	receipt, err := d.exec.Execute(evt)
	switch {
	case err == nil && receipt.Duplicate:
		d.count(et, resultDuplicate)
		call(raw.AckFunc)
		return resultDuplicate

	case err == nil:
		d.count(et, resultApplied)
		if d.metrics != nil && !raw.ReceivedAt.IsZero() {
			d.metrics.IngestToApply.WithLabelValues(et).Observe(time.Since(raw.ReceivedAt).Seconds())
		}
		d.log.Debug().Str("event_type", et).Int64("sequence", receipt.Sequence).Str("entity_id", receipt.EntityID.String()).Msg("applied")
		call(raw.AckFunc)
		return resultApplied

	case state.Kind(err) == "Internal":
		d.log.Error().Err(err).Str("event_type", et).Str("idempotency_key", evt.IdempotencyKey()).Msg("command failed, redelivering")
		d.count(et, resultRetry)
		call(raw.NakFunc)
		return resultRetry

	default:
		d.log.Info().Err(err).Str("event_type", et).Str("kind", state.Kind(err)).Str("idempotency_key", evt.IdempotencyKey()).Msg("command rejected")
		d.count(et, resultRejected)
		call(raw.AckFunc)
		return resultRejected
	}
}

func (d *Dispatcher) count(eventType, result string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(eventType, result).Inc()
	}
}

func call(f func()) {
	if f != nil {
		f()
	}
}
