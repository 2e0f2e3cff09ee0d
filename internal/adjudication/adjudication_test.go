package adjudication

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/ingestion"
	"ApolloLedger/internal/observability"
	"ApolloLedger/internal/query"
	"ApolloLedger/internal/server"
	"ApolloLedger/internal/state"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	objects map[string][]byte
	err     error
}

func (f fakeVerifier) Verify(_ context.Context, key string, expected event.Digest) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	body, ok := f.objects[key]
	if !ok {
		return false, fmt.Errorf("no object %s", key)
	}
	return sha256.Sum256(body) == [32]byte(expected), nil
}

type fakeClient struct {
	claims     map[uuid.UUID]query.ClaimResponse
	approveErr error
	approved   []*event.ApproveClaim
	denied     []*event.DenyClaim
}

func (f *fakeClient) GetClaim(_ context.Context, req *server.ClaimRequest) (*query.ClaimResponse, error) {
	c, ok := f.claims[req.ClaimID]
	if !ok {
		return nil, state.ErrClaimNotFound
	}
	return &c, nil
}

func (f *fakeClient) ApproveClaim(_ context.Context, req *event.ApproveClaim) (*server.CommandReply, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	f.approved = append(f.approved, req)
	return &server.CommandReply{EntityID: req.ClaimID}, nil
}

func (f *fakeClient) DenyClaim(_ context.Context, req *event.DenyClaim) (*server.CommandReply, error) {
	f.denied = append(f.denied, req)
	return &server.CommandReply{EntityID: req.ClaimID}, nil
}

func claimWith(amount int64, hash [32]byte) query.ClaimResponse {
	return query.ClaimResponse{
		ClaimID:      uuid.New(),
		MemberID:     uuid.New(),
		Amount:       amount,
		EvidenceHash: hex.EncodeToString(hash[:]),
		Status:       "pending",
	}
}

func published(t *testing.T, c query.ClaimResponse, key string) []byte {
	t.Helper()
	payload, err := json.Marshal(&event.SubmitClaim{
		Header:      event.Header{Key: "k", Caller: uuid.New(), Timestamp: time.Now()},
		MemberID:    c.MemberID,
		Amount:      c.Amount,
		EvidenceKey: key,
	})
	require.NoError(t, err)
	data, err := json.Marshal(ingestion.PublishedEvent{
		Sequence:  7,
		EventType: event.EventTypeClaimSubmitted.String(),
		EntityID:  c.ClaimID,
		Payload:   payload,
	})
	require.NoError(t, err)
	return data
}

func TestThresholdDecider(t *testing.T) {
	d := ThresholdDecider{Max: 100}
	v, err := d.Decide(context.Background(), Request{Claim: query.ClaimResponse{Amount: 100}})
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, v.Decision)

	v, err = d.Decide(context.Background(), Request{Claim: query.ClaimResponse{Amount: 101}})
	require.NoError(t, err)
	assert.Equal(t, DecisionAbstain, v.Decision)

	// zero threshold disables the fast path
	v, err = ThresholdDecider{}.Decide(context.Background(), Request{Claim: query.ClaimResponse{Amount: 1}})
	require.NoError(t, err)
	assert.Equal(t, DecisionAbstain, v.Decision)
}

func TestEvidenceDecider(t *testing.T) {
	doc := []byte("discharge summary")
	store := fakeVerifier{objects: map[string][]byte{"evidence/a": doc}}
	d := EvidenceDecider{Store: store}
	ctx := context.Background()

	v, err := d.Decide(ctx, Request{Claim: claimWith(10, sha256.Sum256(doc)), EvidenceKey: "evidence/a"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAbstain, v.Decision)

	v, err = d.Decide(ctx, Request{Claim: claimWith(10, sha256.Sum256([]byte("other"))), EvidenceKey: "evidence/a"})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, v.Decision)
	assert.Equal(t, "evidence", v.Rule)

	v, err = d.Decide(ctx, Request{Claim: claimWith(10, [32]byte{})})
	require.NoError(t, err)
	assert.Equal(t, DecisionAbstain, v.Decision)

	v, err = EvidenceDecider{Store: store, Require: true}.Decide(ctx, Request{Claim: claimWith(10, [32]byte{})})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, v.Decision)

	_, err = EvidenceDecider{Store: fakeVerifier{err: errors.New("s3 down")}}.Decide(ctx, Request{Claim: claimWith(10, [32]byte{}), EvidenceKey: "evidence/a"})
	assert.Error(t, err)
}

func TestChain_FirstVerdictWins(t *testing.T) {
	doc := []byte("receipt")
	chain := Chain{
		EvidenceDecider{Store: fakeVerifier{objects: map[string][]byte{"k": doc}}},
		ThresholdDecider{Max: 50},
	}
	ctx := context.Background()

	v, err := chain.Decide(ctx, Request{Claim: claimWith(20, sha256.Sum256(doc)), EvidenceKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, v.Decision)

	// a mismatch denies even under the threshold
	v, err = chain.Decide(ctx, Request{Claim: claimWith(20, [32]byte{1}), EvidenceKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, v.Decision)

	v, err = chain.Decide(ctx, Request{Claim: claimWith(500, sha256.Sum256(doc)), EvidenceKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAbstain, v.Decision)
}

func newTestWorker(client ClaimClient, d Decider) (*Worker, *observability.Metrics, uuid.UUID) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	authority := uuid.New()
	w := NewWorker(client, d, authority, metrics, zerolog.Nop())
	w.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return w, metrics, authority
}

func TestWorker_ApprovesAndDenies(t *testing.T) {
	small, large := claimWith(30, [32]byte{}), claimWith(5_000, [32]byte{})
	client := &fakeClient{claims: map[uuid.UUID]query.ClaimResponse{small.ClaimID: small, large.ClaimID: large}}
	w, metrics, authority := newTestWorker(client, ThresholdDecider{Max: 100})
	ctx := context.Background()

	outcome, err := w.Handle(ctx, published(t, small, ""))
	require.NoError(t, err)
	assert.Equal(t, outcomeApproved, outcome)
	require.Len(t, client.approved, 1)
	assert.Equal(t, small.ClaimID, client.approved[0].ClaimID)
	assert.Equal(t, authority, client.approved[0].Caller)
	assert.Equal(t, "adjudicate:"+small.ClaimID.String(), client.approved[0].Key)

	outcome, err = w.Handle(ctx, published(t, large, ""))
	require.NoError(t, err)
	assert.Equal(t, outcomeAbstained, outcome)
	assert.Len(t, client.approved, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AdjudicationDecisions.WithLabelValues("approve", "threshold")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AdjudicationDecisions.WithLabelValues("abstain", "threshold")))
}

func TestWorker_DenyCarriesReason(t *testing.T) {
	c := claimWith(30, [32]byte{9})
	client := &fakeClient{claims: map[uuid.UUID]query.ClaimResponse{c.ClaimID: c}}
	d := EvidenceDecider{Store: fakeVerifier{objects: map[string][]byte{"k": []byte("x")}}}
	w, _, _ := newTestWorker(client, d)

	outcome, err := w.Handle(context.Background(), published(t, c, "k"))
	require.NoError(t, err)
	assert.Equal(t, outcomeDenied, outcome)
	require.Len(t, client.denied, 1)
	assert.Equal(t, "evidence digest mismatch", client.denied[0].Reason)
}

func TestWorker_SkipsResolvedClaims(t *testing.T) {
	c := claimWith(30, [32]byte{})
	c.Status = "paid"
	client := &fakeClient{claims: map[uuid.UUID]query.ClaimResponse{c.ClaimID: c}}
	w, _, _ := newTestWorker(client, ThresholdDecider{Max: 100})

	outcome, err := w.Handle(context.Background(), published(t, c, ""))
	require.NoError(t, err)
	assert.Equal(t, outcomeSkipped, outcome)
	assert.Empty(t, client.approved)
}

func TestWorker_Failures(t *testing.T) {
	ctx := context.Background()

	w, metrics, _ := newTestWorker(&fakeClient{}, ThresholdDecider{Max: 100})
	_, err := w.Handle(ctx, []byte("{not json"))
	assert.ErrorIs(t, err, errMalformed)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AdjudicationErrors.WithLabelValues("decode")))

	// unknown claim: retried until the engine has it
	_, err = w.Handle(ctx, published(t, claimWith(1, [32]byte{}), ""))
	assert.ErrorIs(t, err, state.ErrClaimNotFound)

	// underfunded pool is a final rejection; transport errors retry
	c := claimWith(30, [32]byte{})
	client := &fakeClient{
		claims:     map[uuid.UUID]query.ClaimResponse{c.ClaimID: c},
		approveErr: fmt.Errorf("approve: %w", state.ErrInsufficientPoolFunds),
	}
	w, _, _ = newTestWorker(client, ThresholdDecider{Max: 100})
	outcome, err := w.Handle(ctx, published(t, c, ""))
	require.NoError(t, err)
	assert.Equal(t, outcomeRejected, outcome)

	client.approveErr = errors.New("connection refused")
	_, err = w.Handle(ctx, published(t, c, ""))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errMalformed)
}
