package core_test

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/state"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestConcurrentStorm runs many participants in parallel and checks that the
// emitted log is a contiguous hash chain and that the ledger still balances.
func TestConcurrentStorm(t *testing.T) {
	h := newHarness(t, halfRatio)
	staker := uuid.New()
	h.fund(staker, "APH", 1_000_000)
	h.stake(staker, 500_000)

	const workers = 32
	owners := make([]uuid.UUID, workers)
	for i := range owners {
		owners[i] = uuid.New()
		h.fund(owners[i], "USDC", 10_000)
	}

	at := h.now()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(owner uuid.UUID) {
			defer wg.Done()
			r, err := h.engine.Execute(&event.EnrollMember{Header: h.headerAt(owner, at), PolicyID: h.policy, InitialPremium: 500})
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 5; j++ {
				_, err := h.engine.Execute(&event.PayPremium{Header: h.headerAt(owner, at), MemberID: r.EntityID, Amount: 100})
				assert.NoError(t, err)
				_, err = h.engine.Execute(&event.SubmitClaim{Header: h.headerAt(owner, at), MemberID: r.EntityID, Amount: 10})
				assert.NoError(t, err)
			}
		}(owners[i])
	}

	// the staker and authority contend on the shared pools at the same time
	wg.Add(2)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			_, err := h.engine.Execute(&event.UnstakeAph{Header: h.headerAt(staker, at), Amount: 1_000})
			assert.NoError(t, err)
			_, err = h.engine.Execute(&event.StakeAph{Header: h.headerAt(staker, at), Amount: 500})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			_, err := h.engine.Execute(&event.CreatePolicy{Header: h.headerAt(h.authority, at), PremiumAmount: 10, PremiumPeriodSecs: 60, CoverageLimit: 100})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	outputs := drainOutputs(h.persist)
	require.NotEmpty(t, outputs)
	for i := 1; i < len(outputs); i++ {
		require.Equal(t, outputs[i-1].Envelope.Sequence+1, outputs[i].Envelope.Sequence)
		require.Equal(t, outputs[i-1].Envelope.StateHash, outputs[i].Envelope.PrevHash)
	}
	assert.Equal(t, outputs[len(outputs)-1].Envelope.StateHash, h.engine.GetStateHash())

	// 32 × (500 + 5×100)
	assert.Equal(t, int64(workers*1_000), h.premiumPool())
	assert.Equal(t, int64(workers*5*10), h.engine.Exposure())
	assert.Equal(t, int64(500_000-20*500), h.capitalPool())
	assert.Equal(t, h.capitalPool(), h.engine.TotalStaked())
	assert.Len(t, h.engine.ListPolicies(), 21)
	h.requireConservation()
}

// TestConcurrentEnroll_SameOwner races enrollments of one owner: exactly one
// succeeds, the rest are duplicates of the active member.
func TestConcurrentEnroll_SameOwner(t *testing.T) {
	h := newHarness(t, halfRatio)
	owner := uuid.New()
	h.fund(owner, "USDC", 10_000)

	at := h.now()
	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Execute(&event.EnrollMember{Header: h.headerAt(owner, at), PolicyID: h.policy, InitialPremium: 100})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, state.ErrDuplicateEnrollment)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(100), h.premiumPool())
	assert.Len(t, h.engine.MembersByOwner(owner), 1)
}

// TestConcurrentApprove_SameClaim pays a claim exactly once.
func TestConcurrentApprove_SameClaim(t *testing.T) {
	h := newHarness(t, halfRatio)
	owner := uuid.New()
	h.fund(owner, "USDC", 1_000)
	id := h.enroll(owner, 1_000)
	claimID := h.submit(owner, id, 100)

	at := h.now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Execute(&event.ApproveClaim{Header: h.headerAt(h.authority, at), ClaimID: claimID})
			if err != nil {
				assert.ErrorIs(t, err, state.ErrInvalidTransition)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, state.ClaimStatusPaid, h.claimStatus(claimID))
	assert.Equal(t, int64(900), h.premiumPool())
	assert.Equal(t, int64(100), h.engine.GetWalletBalance(owner, usdc))
	h.requireConservation()
}

// TestRandomOperations_PreserveInvariants applies a seeded random mix of
// operations, valid and invalid, and checks the ledger invariants after each.
func TestRandomOperations_PreserveInvariants(t *testing.T) {
	h := newHarness(t, halfRatio)
	rng := rand.New(rand.NewSource(20260101))

	participants := make([]uuid.UUID, 6)
	for i := range participants {
		participants[i] = uuid.New()
		h.fund(participants[i], "USDC", 2_000)
		h.fund(participants[i], "APH", 2_000)
	}

	var (
		members []uuid.UUID
		owners  = make(map[uuid.UUID]uuid.UUID)
		claims  []uuid.UUID
	)

	for step := 0; step < 600; step++ {
		who := participants[rng.Intn(len(participants))]
		amount := int64(rng.Intn(400) + 1)

		var evt event.Event
		switch rng.Intn(8) {
		case 0:
			evt = &event.EnrollMember{Header: h.header(who), PolicyID: h.policy, InitialPremium: amount}
		case 1:
			if len(members) == 0 {
				continue
			}
			m := members[rng.Intn(len(members))]
			evt = &event.PayPremium{Header: h.header(owners[m]), MemberID: m, Amount: amount}
		case 2:
			evt = &event.StakeAph{Header: h.header(who), Amount: amount}
		case 3:
			evt = &event.UnstakeAph{Header: h.header(who), Amount: amount}
		case 4:
			if len(members) == 0 {
				continue
			}
			m := members[rng.Intn(len(members))]
			evt = &event.SubmitClaim{Header: h.header(owners[m]), MemberID: m, Amount: amount}
		case 5, 6:
			if len(claims) == 0 {
				continue
			}
			c := claims[rng.Intn(len(claims))]
			if rng.Intn(2) == 0 {
				evt = &event.ApproveClaim{Header: h.header(h.authority), ClaimID: c}
			} else {
				evt = &event.DenyClaim{Header: h.header(h.authority), ClaimID: c}
			}
		case 7:
			evt = &event.FundWallet{Header: h.header(who), Owner: who, Asset: "USDC", Amount: amount}
		}

		r, err := h.exec(evt)
		if err != nil {
			assert.NotEqual(t, "Internal", state.Kind(err), "step %d: %v", step, err)
		} else {
			switch evt.(type) {
			case *event.EnrollMember:
				members = append(members, r.EntityID)
				owners[r.EntityID] = who
			case *event.SubmitClaim:
				claims = append(claims, r.EntityID)
			}
		}

		if rng.Intn(10) == 0 {
			h.advance(premiumPeriod / 4)
		}

		require.GreaterOrEqual(t, h.premiumPool(), int64(0))
		require.GreaterOrEqual(t, h.capitalPool(), h.engine.TotalStaked())
		require.Equal(t, outstanding(h, claims), h.engine.Exposure(), "step %d", step)
		h.requireConservation()
	}
}

func outstanding(h *harness, claims []uuid.UUID) int64 {
	var total int64
	for _, id := range claims {
		c, _ := h.engine.GetClaim(id)
		if c.Status.IsOutstanding() {
			total += c.Amount
		}
	}
	return total
}
