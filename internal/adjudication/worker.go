package adjudication

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/ingestion"
	"ApolloLedger/internal/observability"
	"ApolloLedger/internal/query"
	"ApolloLedger/internal/server"
	"ApolloLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// ConsumerName is the durable consumer the worker reads ClaimSubmitted
// events with.
const ConsumerName = "adjudicator"

const (
	outcomeApproved  = "approved"
	outcomeDenied    = "denied"
	outcomeAbstained = "abstained"
	outcomeSkipped   = "skipped"
	outcomeRejected  = "rejected"
)

var errMalformed = errors.New("malformed event")

// ClaimClient is the slice of the gRPC client the worker needs.
type ClaimClient interface {
	GetClaim(ctx context.Context, req *server.ClaimRequest) (*query.ClaimResponse, error)
	ApproveClaim(ctx context.Context, req *event.ApproveClaim) (*server.CommandReply, error)
	DenyClaim(ctx context.Context, req *event.DenyClaim) (*server.CommandReply, error)
}

// Worker adjudicates claims as they are committed. It signs approvals and
// denials as authority, so it must run with the current authority identity.
type Worker struct {
	client    ClaimClient
	decider   Decider
	authority uuid.UUID
	metrics   *observability.Metrics
	log       zerolog.Logger
	now       func() time.Time

	consumer jetstream.ConsumeContext
}

func NewWorker(client ClaimClient, decider Decider, authority uuid.UUID, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		client:    client,
		decider:   decider,
		authority: authority,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

// Start attaches a durable consumer to the outbound ClaimSubmitted subject.
// Messages are settled per Handle's result: malformed ones are terminated,
// transient failures redelivered, everything else acked.
func (w *Worker) Start(ctx context.Context, js jetstream.JetStream) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, ingestion.OutboundStream, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: ingestion.EventSubject(event.EventTypeClaimSubmitted.String()),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    10,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		outcome, err := w.Handle(ctx, msg.Data())
		switch {
		case errors.Is(err, errMalformed):
			w.log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed event")
			msg.Term()
		case err != nil:
			w.log.Warn().Err(err).Msg("adjudication failed, will retry")
			msg.Nak()
		default:
			w.log.Debug().Str("outcome", outcome).Msg("claim handled")
			msg.Ack()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ConsumerName, err)
	}
	w.consumer = cc
	w.log.Info().Str("consumer", ConsumerName).Str("authority", w.authority.String()).Msg("adjudicator started")
	return nil
}

func (w *Worker) Stop() {
	if w.consumer != nil {
		w.consumer.Stop()
	}
}

// Handle adjudicates the claim carried by one published ClaimSubmitted
// event. The claim is re-read from the engine, so redelivered or stale
// events for claims that are no longer pending are skipped.
func (w *Worker) Handle(ctx context.Context, data []byte) (string, error) {
	var pe ingestion.PublishedEvent
	if err := json.Unmarshal(data, &pe); err != nil {
		w.countError("decode")
		return "", fmt.Errorf("%w: %v", errMalformed, err)
	}
	if pe.EventType != event.EventTypeClaimSubmitted.String() {
		return outcomeSkipped, nil
	}
	var submitted event.SubmitClaim
	if err := json.Unmarshal(pe.Payload, &submitted); err != nil {
		w.countError("decode")
		return "", fmt.Errorf("%w: payload: %v", errMalformed, err)
	}

	claim, err := w.client.GetClaim(ctx, &server.ClaimRequest{ClaimID: pe.EntityID})
	if err != nil {
		w.countError("fetch")
		return "", fmt.Errorf("get claim %s: %w", pe.EntityID, err)
	}
	if claim.Status != state.ClaimStatusPending.String() {
		return outcomeSkipped, nil
	}

	v, err := w.decider.Decide(ctx, Request{Claim: *claim, EvidenceKey: submitted.EvidenceKey})
	if err != nil {
		w.countError("decide")
		return "", err
	}
	if w.metrics != nil {
		w.metrics.AdjudicationDecisions.WithLabelValues(v.Decision.String(), v.Rule).Inc()
	}

	header := event.Header{
		Key:       fmt.Sprintf("adjudicate:%s", claim.ClaimID),
		Caller:    w.authority,
		Timestamp: w.now().UTC(),
	}

	var outcome string
	switch v.Decision {
	case DecisionApprove:
		_, err = w.client.ApproveClaim(ctx, &event.ApproveClaim{Header: header, ClaimID: claim.ClaimID})
		outcome = outcomeApproved
	case DecisionDeny:
		_, err = w.client.DenyClaim(ctx, &event.DenyClaim{Header: header, ClaimID: claim.ClaimID, Reason: v.Reason})
		outcome = outcomeDenied
	default:
		return outcomeAbstained, nil
	}
	if err == nil {
		w.log.Info().
			Str("claim_id", claim.ClaimID.String()).
			Str("decision", v.Decision.String()).
			Str("rule", v.Rule).
			Str("reason", v.Reason).
			Msg("claim adjudicated")
		return outcome, nil
	}

	// A business rejection (e.g. an underfunded premium pool) is final for
	// this event; the claim stays pending for manual review.
	if kind := state.Kind(err); kind != "Internal" {
		w.countError("submit")
		w.log.Warn().Err(err).Str("claim_id", claim.ClaimID.String()).Str("kind", kind).Msg("decision rejected")
		return outcomeRejected, nil
	}
	w.countError("submit")
	return "", fmt.Errorf("submit decision for %s: %w", claim.ClaimID, err)
}

func (w *Worker) countError(stage string) {
	if w.metrics != nil {
		w.metrics.AdjudicationErrors.WithLabelValues(stage).Inc()
	}
}
