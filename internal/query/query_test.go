package query

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/persistence"
	"ApolloLedger/internal/projection"
	"ApolloLedger/internal/state"
	"ApolloLedger/internal/testutil"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(b byte) []byte {
	h := make([]byte, 32)
	h[0] = b
	return h
}

func TestChainVerifier_Healthy(t *testing.T) {
	v := newChainVerifier()
	g := core.GenesisHash()

	v.observe(0, g[:], hashOf(1))
	v.observe(1, hashOf(1), hashOf(2))
	v.observe(2, hashOf(2), hashOf(3))

	assert.Equal(t, int64(3), v.checked)
	assert.Empty(t, v.breaks)
	assert.Empty(t, v.gaps)
}

func TestChainVerifier_BadGenesis(t *testing.T) {
	v := newChainVerifier()
	v.observe(0, hashOf(9), hashOf(1))
	assert.Equal(t, []int64{0}, v.breaks)
}

func TestChainVerifier_Break(t *testing.T) {
	v := newChainVerifier()
	g := core.GenesisHash()

	v.observe(0, g[:], hashOf(1))
	v.observe(1, hashOf(7), hashOf(2))
	// chain resumes from the row that broke it
	v.observe(2, hashOf(2), hashOf(3))

	assert.Equal(t, []int64{1}, v.breaks)
	assert.Empty(t, v.gaps)
}

func TestChainVerifier_Gap(t *testing.T) {
	v := newChainVerifier()
	g := core.GenesisHash()

	v.observe(0, g[:], hashOf(1))
	v.observe(2, hashOf(2), hashOf(3))

	assert.Equal(t, []int64{2}, v.gaps)
	assert.Equal(t, []int64{2}, v.breaks)
}

type staticConfig struct {
	cfg state.ProtocolConfig
	ok  bool
}

func (s staticConfig) GetConfig() (state.ProtocolConfig, bool) { return s.cfg, s.ok }

func TestQueryService_RequiresInitializedConfig(t *testing.T) {
	qs := NewQueryService(nil, staticConfig{})
	_, err := qs.GetPools(context.Background())
	require.ErrorIs(t, err, state.ErrNotInitialized)
}

func TestQueryService_RejectsUnknownInputs(t *testing.T) {
	qs := NewQueryService(nil, staticConfig{ok: true})

	_, err := qs.GetWalletBalance(context.Background(), uuid.New(), "DOGE")
	require.ErrorIs(t, err, state.ErrInvalidParameter)

	_, err = qs.ClaimsByStatus(context.Background(), "escalated", 10)
	require.ErrorIs(t, err, state.ErrInvalidParameter)
}

func TestPostgres_Queries(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, persistence.DefaultMigrations(), zerolog.Nop()).Up(ctx))

	out := make(chan core.CoreOutput, 64)
	engine := core.NewEngine(0, out, nil, nil, nil, zerolog.Nop())

	authority, owner := uuid.New(), uuid.New()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	header := func(signer uuid.UUID) event.Header {
		n++
		return event.Header{Key: fmt.Sprintf("q-%d", n), Caller: signer, Timestamp: start.Add(time.Duration(n) * time.Second)}
	}
	exec := func(evt event.Event) uuid.UUID {
		r, err := engine.Execute(evt)
		require.NoError(t, err)
		return r.EntityID
	}

	exec(&event.InitializeProtocol{Header: header(authority), Authority: authority, CurrencyAsset: "USDC", CollateralAsset: "APH", MinStakeRatio: 500_000, GracePeriodSecs: 3600})
	policy := exec(&event.CreatePolicy{Header: header(authority), PremiumAmount: 50, PremiumPeriodSecs: 86400, CoverageLimit: 200})
	exec(&event.FundWallet{Header: header(owner), Owner: owner, Asset: "USDC", Amount: 1000})
	exec(&event.FundWallet{Header: header(owner), Owner: owner, Asset: "APH", Amount: 800})
	exec(&event.StakeAph{Header: header(owner), Amount: 600})
	member := exec(&event.EnrollMember{Header: header(owner), PolicyID: policy, InitialPremium: 100})
	paid := exec(&event.SubmitClaim{Header: header(owner), MemberID: member, Amount: 30})
	denied := exec(&event.SubmitClaim{Header: header(owner), MemberID: member, Amount: 20})
	pending := exec(&event.SubmitClaim{Header: header(owner), MemberID: member, Amount: 10})
	exec(&event.ApproveClaim{Header: header(authority), ClaimID: paid})
	exec(&event.DenyClaim{Header: header(authority), ClaimID: denied, Reason: "no trigger"})

	w := persistence.NewEventLogWriter()
	for len(out) > 0 {
		o := <-out
		rec := persistence.NewRecord(o)
		require.NoError(t, w.WriteEventBatch(ctx, db, []persistence.EventRow{rec.Event}))
		require.NoError(t, w.WriteJournalBatch(ctx, db, rec.Journals))
		require.NoError(t, projection.Apply(ctx, db, o))
	}

	qs := NewQueryService(db, engine)
	qs.now = func() time.Time { return start.Add(time.Hour) }

	bal, err := qs.GetWalletBalance(ctx, owner, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(1000-100+30), bal.Balance)
	assert.Equal(t, engine.GetSequence()-1, bal.AsOfSequence)

	pools, err := qs.GetPools(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(70), pools.PremiumPool)
	assert.Equal(t, int64(600), pools.CapitalPool)
	assert.Equal(t, "USDC", pools.Currency)

	policies, err := qs.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, policy, policies[0].PolicyID)

	m, err := qs.GetMember(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, "active", m.Status)
	assert.Equal(t, uint32(3), m.ClaimCount)

	qs.now = func() time.Time { return start.Add(30 * 24 * time.Hour) }
	m, err = qs.GetMember(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, "lapsed", m.Status)

	_, err = qs.GetMember(ctx, uuid.New())
	require.ErrorIs(t, err, state.ErrMemberNotFound)

	stake, err := qs.GetStake(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(600), stake.Amount)
	assert.Equal(t, "APH", stake.Asset)

	c, err := qs.GetClaim(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, "paid", c.Status)
	require.NotNil(t, c.Adjudicator)
	assert.Equal(t, authority, *c.Adjudicator)

	claims, err := qs.ClaimsByMember(ctx, member)
	require.NoError(t, err)
	require.Len(t, claims, 3)
	assert.Equal(t, uint32(0), claims[0].Index)

	queue, err := qs.ClaimsByStatus(ctx, "pending", 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, pending, queue[0].ClaimID)
	assert.Nil(t, queue[0].Adjudicator)

	history, err := qs.GetJournalHistory(ctx, owner, 100, nil)
	require.NoError(t, err)
	// two fundings, stake, premium, payout
	require.Len(t, history, 5)
	assert.Equal(t, "claim_payout", history[0].JournalType)

	before := history[0].Sequence
	older, err := qs.GetJournalHistory(ctx, owner, 100, &before)
	require.NoError(t, err)
	assert.Len(t, older, 4)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, engine.GetSequence(), report.EventsChecked)

	// a broken projection row shows up as an imbalance
	_, err = db.ExecContext(ctx, `UPDATE projections.balances SET balance = balance + 5 WHERE account_path = $1`, bal.Account)
	require.NoError(t, err)
	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	require.Len(t, report.UnbalancedAssets, 1)
	assert.Equal(t, int64(5), report.UnbalancedAssets[0].Imbalance)
}
