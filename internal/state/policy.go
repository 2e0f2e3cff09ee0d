package state

import (
	"ApolloLedger/internal/ledger"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Policy is an immutable coverage template.
type Policy struct {
	ID            uuid.UUID
	Number        uint64
	PremiumAmount int64 // premium that buys one full PremiumPeriod
	PremiumPeriod int64 // microseconds
	CoverageLimit int64 // max amount of a single claim
	CurrencyAsset ledger.AssetID
	CreatedBy     uuid.UUID
	CreatedAt     int64
}

// ValidatePolicyTerms checks the terms passed to createPolicy.
func ValidatePolicyTerms(premiumAmount, premiumPeriod, coverageLimit int64) error {
	if premiumAmount <= 0 {
		return fmt.Errorf("premium amount %d must be positive: %w", premiumAmount, ErrInvalidParameter)
	}
	if premiumPeriod <= 0 {
		return fmt.Errorf("premium period %d must be positive: %w", premiumPeriod, ErrInvalidParameter)
	}
	if coverageLimit <= 0 {
		return fmt.Errorf("coverage limit %d must be positive: %w", coverageLimit, ErrInvalidParameter)
	}
	return nil
}

func (p *Policy) AppendDigest(buf []byte) []byte {
	buf = appendTag(buf, "policy")
	buf = appendUUID(buf, p.ID)
	buf = appendInt64(buf, p.PremiumAmount)
	buf = appendInt64(buf, p.PremiumPeriod)
	buf = appendInt64(buf, p.CoverageLimit)
	buf = append(buf, byte(p.CurrencyAsset), byte(p.CurrencyAsset>>8))
	return buf
}

// PolicyRegistry holds every created policy.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[uuid.UUID]Policy
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{
		policies: make(map[uuid.UUID]Policy),
	}
}

func (r *PolicyRegistry) Get(id uuid.UUID) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	return p, ok
}

// Put stores a policy. Policies are never overwritten once created.
func (r *PolicyRegistry) Put(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = p
}

// All returns every policy ordered by creation number.
func (r *PolicyRegistry) All() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
