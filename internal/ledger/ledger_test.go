package ledger_test

import (
	"ApolloLedger/internal/ledger"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func mustAsset(t *testing.T, name string) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID(name)
	if !ok {
		t.Fatalf("unknown asset %s", name)
	}
	return id
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewWalletKey(owner, mustAsset(t, "USDC"))

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_PoolPaths(t *testing.T) {
	if got := ledger.PremiumPoolKey(mustAsset(t, "USDC")).AccountPath(); got != "system:premium_pool:USDC" {
		t.Errorf("premium pool path: got %q", got)
	}
	if got := ledger.CapitalPoolKey(mustAsset(t, "APH")).AccountPath(); got != "system:capital_pool:APH" {
		t.Errorf("capital pool path: got %q", got)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, mustAsset(t, "USDC"))
	if path := key.AccountPath(); path != "external:deposits:USDC" {
		t.Errorf("got %q, want %q", path, "external:deposits:USDC")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewWalletKey(uuid.New(), mustAsset(t, "APH")),
		ledger.PremiumPoolKey(mustAsset(t, "USDC")),
		ledger.CapitalPoolKey(mustAsset(t, "APH")),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, mustAsset(t, "USDT")),
	}

	for _, k := range keys {
		parsed, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if parsed != k {
			t.Errorf("round trip mismatch for %s: got %+v", k.AccountPath(), parsed)
		}
	}
}

func TestParseAccountPath_Rejects(t *testing.T) {
	for _, p := range []string{
		"",
		"user:not-a-uuid:wallet:USDC",
		"system:premium_pool:DOGE",
		"system:unknown:USDC",
		"bogus:deposits:USDC",
	} {
		if _, err := ledger.ParseAccountPath(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	if _, ok := ledger.GetAssetID("DOGE"); ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	owner := uuid.New()
	usdc := mustAsset(t, "USDC")

	batch, err := gen.GenerateWalletFunding("fund-1", owner, 500_000, usdc, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if got := bt.GetWalletBalance(owner, usdc); got != 500_000 {
		t.Errorf("wallet: got %d, want 500_000", got)
	}
	if got := bt.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)); got != -500_000 {
		t.Errorf("external deposits: got %d, want -500_000", got)
	}
}

func TestBalanceTracker_RejectsOverflow(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	owner := uuid.New()
	usdc := mustAsset(t, "USDC")
	wallet := ledger.NewWalletKey(owner, usdc)

	full, err := gen.GenerateWalletFunding("fund-max", owner, math.MaxInt64, usdc, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := bt.CheckBounds(full); err != nil {
		t.Fatalf("first credit should fit: %v", err)
	}
	if err := bt.ApplyBatch(full); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	one, err := gen.GenerateWalletFunding("fund-one", owner, 1, usdc, 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := bt.CheckBounds(one); !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Fatalf("CheckBounds: got %v, want ErrBalanceOverflow", err)
	}
	if err := bt.ApplyBatch(one); !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Fatalf("ApplyBatch: got %v, want ErrBalanceOverflow", err)
	}

	if got := bt.GetBalance(wallet); got != math.MaxInt64 {
		t.Errorf("wallet: got %d, want MaxInt64 unchanged", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	validator := ledger.NewInvariantValidator(bt)
	owner := uuid.New()
	usdc := mustAsset(t, "USDC")

	steps := []func() (*ledger.Batch, error){
		func() (*ledger.Batch, error) { return gen.GenerateWalletFunding("f", owner, 1_000, usdc, 1) },
		func() (*ledger.Batch, error) { return gen.GeneratePremium("p", owner, 400, usdc, 2) },
		func() (*ledger.Batch, error) { return gen.GenerateClaimPayout("c", owner, 150, usdc, 3) },
	}
	for i, step := range steps {
		batch, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := bt.ApplyBatch(batch); err != nil {
			t.Fatalf("step %d apply: %v", i, err)
		}
	}

	if err := validator.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}
	if err := validator.ValidatePremiumConservation(usdc, 400, 150); err != nil {
		t.Errorf("conservation violated: %v", err)
	}
	if got := bt.GetWalletBalance(owner, usdc); got != 750 {
		t.Errorf("wallet: got %d, want 750", got)
	}
}

// ============================================================================
// Test: JournalGenerator pre-checks
// ============================================================================

func TestGeneratePremium_InsufficientWallet(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	_, err := gen.GeneratePremium("p", uuid.New(), 1, mustAsset(t, "USDC"), 1)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestGenerateClaimPayout_InsufficientPool(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	usdc := mustAsset(t, "USDC")
	bt.SetBalance(ledger.PremiumPoolKey(usdc), 99)

	_, err := gen.GenerateClaimPayout("c", uuid.New(), 100, usdc, 1)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestGenerator_DeterministicIDs(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	owner := uuid.New()
	usdc := mustAsset(t, "USDC")

	a, _ := gen.GenerateWalletFunding("same-ref", owner, 10, usdc, 1)
	b, _ := gen.GenerateWalletFunding("same-ref", owner, 10, usdc, 1)
	if a.BatchID != b.BatchID || a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("ids should be derived from the event reference")
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_Rejects(t *testing.T) {
	usdc := mustAsset(t, "USDC")
	aph := mustAsset(t, "APH")
	batchID := uuid.New()
	wallet := ledger.NewWalletKey(uuid.New(), usdc)

	cases := map[string]ledger.Journal{
		"zero amount":   {BatchID: batchID, DebitAccount: wallet, CreditAccount: ledger.PremiumPoolKey(usdc), AssetID: usdc, Amount: 0},
		"self transfer": {BatchID: batchID, DebitAccount: wallet, CreditAccount: wallet, AssetID: usdc, Amount: 1},
		"mixed asset":   {BatchID: batchID, DebitAccount: wallet, CreditAccount: ledger.CapitalPoolKey(aph), AssetID: usdc, Amount: 1},
		"batch id":      {BatchID: uuid.New(), DebitAccount: wallet, CreditAccount: ledger.PremiumPoolKey(usdc), AssetID: usdc, Amount: 1},
	}

	for name, j := range cases {
		b := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
		if err := b.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	if err := (&ledger.Batch{BatchID: batchID}).Validate(); err == nil {
		t.Error("empty batch should be rejected")
	}
}

// ============================================================================
// Test: LockManager
// ============================================================================

func TestLockManager_SerializesSharedResource(t *testing.T) {
	lm := ledger.NewLockManager()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Overlapping sets in different orders must not deadlock.
			var release func()
			if i%2 == 0 {
				release = lm.Acquire("b", "a", "shared")
			} else {
				release = lm.Acquire("shared", "a", "b", "a")
			}
			counter++
			release()
		}(i)
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter: got %d, want 50", counter)
	}
}
