package ingestion

import (
	"ApolloLedger/internal/core"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// OutboundStream holds committed ledger events for downstream consumers.
	OutboundStream = "APOLLO_LEDGER_EVENTS"
	// EventSubjectPrefix is followed by the event type name.
	EventSubjectPrefix = "apollo.ledger.events."

	publishBackoffBase = 100 * time.Millisecond
	publishBackoffMax  = 5 * time.Second
)

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS. It is fed by the
// persistence worker, so nothing is published before it is durable.
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan core.CoreOutput
	log       zerolog.Logger
	backoff   time.Duration
}

// PublishedEvent is the outbound message body.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Signer         uuid.UUID       `json:"signer"`
	EntityID       uuid.UUID       `json:"entity_id"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishedEvent builds the outbound body for one committed output.
func NewPublishedEvent(o core.CoreOutput) PublishedEvent {
	env := o.Envelope
	return PublishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Signer:         env.Signer,
		EntityID:       env.EntityID,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// EventSubject is the subject an event type is published on.
func EventSubject(eventType string) string {
	return EventSubjectPrefix + eventType
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
		backoff:   publishBackoffBase,
	}
}

// Run publishes until ctx is cancelled or the channel closes. A failed
// publish is retried with backoff before the next event is taken, so
// outbound order follows the event log and no committed event is skipped.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case o, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publishWithRetry(ctx, NewPublishedEvent(o)); err != nil {
				return err
			}
		}
	}
}

// publishWithRetry returns only when the event is acknowledged or ctx ends.
func (op *OutboundPublisher) publishWithRetry(ctx context.Context, evt PublishedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		// Not retryable; the payload is already durable in the event log.
		op.log.Error().Err(err).Int64("sequence", evt.Sequence).Msg("marshal outbound event")
		return nil
	}

	backoff := op.backoff
	for attempt := 1; ; attempt++ {
		err := op.publish(ctx, evt.EventType, evt.Sequence, data)
		if err == nil {
			if attempt > 1 {
				op.log.Info().Int64("sequence", evt.Sequence).Int("attempts", attempt).Msg("outbound publish recovered")
			}
			return nil
		}
		op.log.Warn().Err(err).
			Int64("sequence", evt.Sequence).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("outbound publish failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, publishBackoffMax)
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, eventType string, seq int64, data []byte) error {
	// Dedup on the broker side mirrors the ledger's sequence, so a retry
	// after a lost ack is not delivered twice.
	_, err := op.js.Publish(ctx, EventSubject(eventType), data,
		jetstream.WithMsgID(fmt.Sprintf("seq-%d", seq)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
