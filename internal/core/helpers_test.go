package core_test

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/ledger"
	"ApolloLedger/internal/state"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	usdc, _  = ledger.GetAssetID("USDC")
	aph, _   = ledger.GetAssetID("APH")
)

const (
	premiumAmount = int64(100)
	premiumPeriod = 30 * 24 * time.Hour
	gracePeriod   = 7 * 24 * time.Hour
	coverageLimit = int64(10_000)
)

// harness drives one engine with a deterministic clock and unique
// idempotency keys.
type harness struct {
	t         *testing.T
	engine    *core.Engine
	persist   chan core.CoreOutput
	authority uuid.UUID
	policy    uuid.UUID

	ops   atomic.Int64
	clock atomic.Int64 // seconds since baseTime
}

func newEngine(persist chan core.CoreOutput) *core.Engine {
	var ch chan<- core.CoreOutput
	if persist != nil {
		ch = persist
	}
	return core.NewEngine(0, ch, nil, nil, nil, zerolog.Nop())
}

// newHarness initializes the protocol with the given stake ratio and
// creates one policy.
func newHarness(t *testing.T, minStakeRatio int64) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		persist:   make(chan core.CoreOutput, 8192),
		authority: uuid.New(),
	}
	h.engine = newEngine(h.persist)

	h.mustExec(&event.InitializeProtocol{
		Header:          h.header(h.authority),
		Authority:       h.authority,
		CurrencyAsset:   "USDC",
		CollateralAsset: "APH",
		MinStakeRatio:   minStakeRatio,
		GracePeriodSecs: int64(gracePeriod / time.Second),
	})
	r := h.mustExec(&event.CreatePolicy{
		Header:            h.header(h.authority),
		PremiumAmount:     premiumAmount,
		PremiumPeriodSecs: int64(premiumPeriod / time.Second),
		CoverageLimit:     coverageLimit,
	})
	h.policy = r.EntityID
	return h
}

func (h *harness) header(signer uuid.UUID) event.Header {
	n := h.ops.Add(1)
	return event.Header{
		Key:       fmt.Sprintf("op-%d", n),
		Caller:    signer,
		Timestamp: baseTime.Add(time.Duration(h.clock.Add(1)) * time.Second),
	}
}

// now returns the harness clock without moving it.
func (h *harness) now() time.Time {
	return baseTime.Add(time.Duration(h.clock.Load()) * time.Second)
}

// headerAt builds a header at a fixed time. Operations racing in parallel
// share one timestamp, since their commit order is not known up front.
func (h *harness) headerAt(signer uuid.UUID, ts time.Time) event.Header {
	n := h.ops.Add(1)
	return event.Header{
		Key:       fmt.Sprintf("op-%d", n),
		Caller:    signer,
		Timestamp: ts,
	}
}

// advance moves the clock forward, e.g. past a member's grace period.
func (h *harness) advance(d time.Duration) {
	h.clock.Add(int64(d / time.Second))
}

func (h *harness) exec(evt event.Event) (*core.Receipt, error) {
	return h.engine.Execute(evt)
}

func (h *harness) mustExec(evt event.Event) *core.Receipt {
	h.t.Helper()
	r, err := h.engine.Execute(evt)
	require.NoError(h.t, err, "%s", evt.EventType())
	require.False(h.t, r.Duplicate)
	return r
}

func (h *harness) fund(owner uuid.UUID, asset string, amount int64) {
	h.t.Helper()
	h.mustExec(&event.FundWallet{Header: h.header(owner), Owner: owner, Asset: asset, Amount: amount})
}

func (h *harness) enroll(owner uuid.UUID, premium int64) uuid.UUID {
	h.t.Helper()
	return h.mustExec(&event.EnrollMember{Header: h.header(owner), PolicyID: h.policy, InitialPremium: premium}).EntityID
}

func (h *harness) submit(owner, member uuid.UUID, amount int64) uuid.UUID {
	h.t.Helper()
	return h.mustExec(&event.SubmitClaim{Header: h.header(owner), MemberID: member, Amount: amount}).EntityID
}

func (h *harness) stake(owner uuid.UUID, amount int64) {
	h.t.Helper()
	h.mustExec(&event.StakeAph{Header: h.header(owner), Amount: amount})
}

func (h *harness) premiumPool() int64 {
	return h.engine.GetBalance(poolKey())
}

func poolKey() ledger.AccountKey {
	return ledger.PremiumPoolKey(usdc)
}

func (h *harness) capitalPool() int64 {
	return h.engine.GetBalance(ledger.CapitalPoolKey(aph))
}

func (h *harness) claimStatus(id uuid.UUID) state.ClaimStatus {
	h.t.Helper()
	c, ok := h.engine.GetClaim(id)
	require.True(h.t, ok, "claim %s", id)
	return c.Status
}

// requireConservation checks premium_pool == Σ premiums − Σ payouts.
func (h *harness) requireConservation() {
	h.t.Helper()
	collected, paidOut := h.engine.PremiumTotals()
	require.Equal(h.t, collected-paidOut, h.premiumPool())
	require.NoError(h.t, h.engine.ValidateGlobalBalance())
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}
