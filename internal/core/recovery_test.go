package core_test

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/state"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildHistory runs a mixed workload touching every operation type.
func buildHistory(h *harness) {
	h.t.Helper()
	alice, bob, staker := uuid.New(), uuid.New(), uuid.New()

	h.fund(alice, "USDC", 1_000)
	h.fund(bob, "USDC", 1_000)
	h.fund(staker, "APH", 5_000)
	h.stake(staker, 4_000)

	a := h.enroll(alice, 300)
	b := h.enroll(bob, 100)
	h.mustExec(&event.PayPremium{Header: h.header(bob), MemberID: b, Amount: 200})

	paid := h.submit(alice, a, 250)
	denied := h.submit(bob, b, 75)
	h.submit(alice, a, 20)

	h.mustExec(&event.ApproveClaim{Header: h.header(h.authority), ClaimID: paid})
	h.mustExec(&event.DenyClaim{Header: h.header(h.authority), ClaimID: denied, Reason: "duplicate"})
	h.mustExec(&event.UnstakeAph{Header: h.header(staker), Amount: 1_000})
	h.mustExec(&event.UpdateParams{Header: h.header(h.authority), MinStakeRatio: 1_500_000, GracePeriodSecs: 3600})
}

func TestStateHash_Deterministic(t *testing.T) {
	// Two engines fed the same operations end on the same chain tip.
	first := newHarness(t, halfRatio)
	second := &harness{t: t, persist: make(chan core.CoreOutput, 8192)}
	second.engine = newEngine(second.persist)

	buildHistory(first)
	for _, out := range drainOutputs(first.persist) {
		evt, err := event.Decode(out.Envelope.EventType, out.Envelope.Payload)
		require.NoError(t, err)
		r, err := second.engine.Execute(evt)
		require.NoError(t, err)
		assert.Equal(t, out.Envelope.Sequence, r.Sequence)
		assert.Equal(t, out.Envelope.StateHash, r.StateHash, "sequence %d", r.Sequence)
	}

	assert.Equal(t, first.engine.GetStateHash(), second.engine.GetStateHash())
	assert.NotEqual(t, core.GenesisHash(), first.engine.GetStateHash())
}

func TestReplay_RebuildsState(t *testing.T) {
	h := newHarness(t, halfRatio)
	buildHistory(h)
	outputs := drainOutputs(h.persist)

	replayed := newEngine(nil)
	for _, out := range outputs {
		evt, err := event.Decode(out.Envelope.EventType, out.Envelope.Payload)
		require.NoError(t, err)
		_, err = replayed.Replay(evt, out.Envelope.StateHash)
		require.NoError(t, err)
	}

	assert.Equal(t, h.engine.GetStateHash(), replayed.GetStateHash())
	assert.Equal(t, h.engine.GetSequence(), replayed.GetSequence())
	assert.Equal(t, h.engine.Exposure(), replayed.Exposure())
	assert.Equal(t, h.premiumPool(), replayed.GetBalance(poolKey()))
	assert.Equal(t, h.engine.CreateSnapshotState().LastTimestamp, replayed.CreateSnapshotState().LastTimestamp)
	require.NoError(t, replayed.ValidateGlobalBalance())

	// keys seen during replay are duplicates afterwards
	evt, err := event.Decode(outputs[2].Envelope.EventType, outputs[2].Envelope.Payload)
	require.NoError(t, err)
	r, err := replayed.Execute(evt)
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
}

func TestReplay_DetectsDivergence(t *testing.T) {
	h := newHarness(t, halfRatio)
	outputs := drainOutputs(h.persist)
	require.NotEmpty(t, outputs)

	replayed := newEngine(nil)
	evt, err := event.Decode(outputs[0].Envelope.EventType, outputs[0].Envelope.Payload)
	require.NoError(t, err)

	var wrong [32]byte
	wrong[0] = 1
	_, err = replayed.Replay(evt, wrong)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverged")
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	h := newHarness(t, halfRatio)
	buildHistory(h)
	drainOutputs(h.persist)

	snap := h.engine.CreateSnapshotState()
	assert.Equal(t, h.engine.GetSequence()-1, snap.Sequence)
	assert.Equal(t, h.engine.GetStateHash(), snap.StateHash)

	restored := &harness{t: t, persist: make(chan core.CoreOutput, 64), authority: h.authority, policy: h.policy}
	restored.engine = core.NewEngine(snap.Sequence+1, restored.persist, nil, nil, nil, zerolog.Nop())
	require.NoError(t, restored.engine.RestoreFromSnapshot(snap))

	assert.Equal(t, h.engine.GetStateHash(), restored.engine.GetStateHash())
	assert.Equal(t, h.engine.Exposure(), restored.engine.Exposure())
	assert.Equal(t, h.engine.TotalStaked(), restored.engine.TotalStaked())

	// the same next operation yields the same hash on both engines
	owner := uuid.New()
	next := &event.FundWallet{Header: h.header(owner), Owner: owner, Asset: "USDC", Amount: 42}
	want := h.mustExec(next)
	got, err := restored.engine.Execute(next)
	require.NoError(t, err)
	assert.Equal(t, want.Sequence, got.Sequence)
	assert.Equal(t, want.StateHash, got.StateHash)

	out := drainOutputs(restored.persist)
	require.Len(t, out, 1)
	assert.Equal(t, snap.StateHash, out[0].Envelope.PrevHash)
}

func TestSnapshot_RestoreKeepsTimestampWatermark(t *testing.T) {
	h := newHarness(t, halfRatio)
	buildHistory(h)

	snap := h.engine.CreateSnapshotState()
	assert.Equal(t, h.now().UnixMicro(), snap.LastTimestamp)

	restored := core.NewEngine(snap.Sequence+1, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, restored.RestoreFromSnapshot(snap))

	owner := uuid.New()
	_, err := restored.Execute(&event.FundWallet{Header: h.headerAt(owner, baseTime), Owner: owner, Asset: "USDC", Amount: 1})
	require.ErrorIs(t, err, state.ErrInvalidParameter)

	_, err = restored.Execute(&event.FundWallet{Header: h.headerAt(owner, h.now()), Owner: owner, Asset: "USDC", Amount: 1})
	require.NoError(t, err)
}

func TestSnapshot_RestoreRejectsCorruptBalances(t *testing.T) {
	h := newHarness(t, halfRatio)
	owner := uuid.New()
	h.fund(owner, "USDC", 100)
	h.enroll(owner, 100)

	snap := h.engine.CreateSnapshotState()
	snap.Balances[poolKey()] += 5

	restored := newEngine(nil)
	require.Error(t, restored.RestoreFromSnapshot(snap))
}

func TestSnapshot_RestoreIntoLiveEngineFails(t *testing.T) {
	h := newHarness(t, halfRatio)
	snap := h.engine.CreateSnapshotState()
	require.Error(t, h.engine.RestoreFromSnapshot(snap))
}
