package state

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ClaimStatus tracks adjudication progress
type ClaimStatus int32

const (
	ClaimStatusPending ClaimStatus = iota
	ClaimStatusApproved
	ClaimStatusDenied
	ClaimStatusPaid
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimStatusPending:
		return "Pending"
	case ClaimStatusApproved:
		return "Approved"
	case ClaimStatusDenied:
		return "Denied"
	case ClaimStatusPaid:
		return "Paid"
	default:
		return "Unknown"
	}
}

// ParseClaimStatus is the inverse of String.
func ParseClaimStatus(s string) (ClaimStatus, error) {
	for _, st := range []ClaimStatus{ClaimStatusPending, ClaimStatusApproved, ClaimStatusDenied, ClaimStatusPaid} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown claim status %q", s)
}

var validClaimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimStatusPending: {
		ClaimStatusApproved,
		ClaimStatusDenied,
	},
	ClaimStatusApproved: {
		ClaimStatusPaid,
	},
}

// CanTransitionTo validates state transitions. Denied and Paid are terminal.
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	for _, allowed := range validClaimTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsOutstanding reports whether the claim still counts toward exposure.
func (s ClaimStatus) IsOutstanding() bool {
	return s == ClaimStatusPending || s == ClaimStatusApproved
}

type Claim struct {
	ID           uuid.UUID
	MemberID     uuid.UUID
	Claimant     uuid.UUID
	PolicyID     uuid.UUID
	Amount       int64
	EvidenceHash [32]byte
	Status       ClaimStatus
	Adjudicator  uuid.UUID // nil until decided
	Index        uint32
	SubmittedAt  int64
	UpdatedAt    int64
}

// Transition moves the claim to next, recording who decided and when.
func (c *Claim) Transition(next ClaimStatus, adjudicator uuid.UUID, ts int64) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("claim %s: %s -> %s: %w", c.ID, c.Status, next, ErrInvalidTransition)
	}
	c.Status = next
	c.Adjudicator = adjudicator
	c.UpdatedAt = ts
	return nil
}

func (c *Claim) AppendDigest(buf []byte) []byte {
	buf = appendTag(buf, "claim")
	buf = appendUUID(buf, c.ID)
	buf = appendUUID(buf, c.MemberID)
	buf = appendInt64(buf, c.Amount)
	buf = append(buf, c.EvidenceHash[:]...)
	buf = appendUint32(buf, uint32(c.Status))
	buf = appendUUID(buf, c.Adjudicator)
	buf = appendUint32(buf, c.Index)
	return buf
}

// ClaimBook stores claims, indexes them per member and tracks outstanding
// exposure. Exposure is only changed while the exposure resource lock is
// held; the atomic keeps lock-free readers race-free.
type ClaimBook struct {
	mu       sync.RWMutex
	claims   map[uuid.UUID]Claim
	byMember map[uuid.UUID][]uuid.UUID
	exposure atomic.Int64
}

func NewClaimBook() *ClaimBook {
	return &ClaimBook{
		claims:   make(map[uuid.UUID]Claim),
		byMember: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (b *ClaimBook) Get(id uuid.UUID) (Claim, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.claims[id]
	return c, ok
}

func (b *ClaimBook) Put(c Claim) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.claims[c.ID]; !exists {
		b.byMember[c.MemberID] = append(b.byMember[c.MemberID], c.ID)
	}
	b.claims[c.ID] = c
}

// ByMember returns a member's claims in submission order.
func (b *ClaimBook) ByMember(memberID uuid.UUID) []Claim {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := b.byMember[memberID]
	out := make([]Claim, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.claims[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (b *ClaimBook) All() []Claim {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Claim, 0, len(b.claims))
	for _, c := range b.claims {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out
}

// Exposure returns Σ amount of outstanding claims.
func (b *ClaimBook) Exposure() int64 {
	return b.exposure.Load()
}

func (b *ClaimBook) AddExposure(delta int64) {
	b.exposure.Add(delta)
}

// RecomputeExposure rebuilds exposure from the stored claims. Used after a
// snapshot restore.
func (b *ClaimBook) RecomputeExposure() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total int64
	for _, c := range b.claims {
		if c.Status.IsOutstanding() {
			total += c.Amount
		}
	}
	b.exposure.Store(total)
	return total
}
