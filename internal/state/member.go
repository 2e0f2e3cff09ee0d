package state

import (
	fpmath "ApolloLedger/internal/math"
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemberStatus is derived from paid-through time, never stored.
type MemberStatus uint8

const (
	MemberStatusActive MemberStatus = iota
	MemberStatusLapsed
)

func (s MemberStatus) String() string {
	switch s {
	case MemberStatusActive:
		return "active"
	case MemberStatusLapsed:
		return "lapsed"
	default:
		return "unknown"
	}
}

// Member is one enrollment of an owner in a policy.
type Member struct {
	ID          uuid.UUID
	Owner       uuid.UUID
	PolicyID    uuid.UUID
	Generation  uint32
	PremiumPaid int64 // cumulative
	PaidThrough int64 // epoch microseconds
	ClaimCount  uint32
	EnrolledAt  int64
	UpdatedAt   int64
}

// StatusAt reports whether the member is covered at ts given the grace period.
func (m *Member) StatusAt(ts, gracePeriod int64) MemberStatus {
	if ts <= m.PaidThrough || ts-m.PaidThrough <= gracePeriod {
		return MemberStatusActive
	}
	return MemberStatusLapsed
}

// ApplyPremium records a premium payment that buys extension microseconds of
// coverage on top of the current paid-through time.
// The member is left unchanged if either total would overflow.
func (m *Member) ApplyPremium(amount, extension, ts int64) error {
	paid, err := fpmath.AddChecked(m.PremiumPaid, amount)
	if err != nil {
		return fmt.Errorf("member %s premium total: %w", m.ID, err)
	}
	through, err := fpmath.AddChecked(m.PaidThrough, extension)
	if err != nil {
		return fmt.Errorf("member %s paid-through: %w", m.ID, err)
	}
	m.PremiumPaid = paid
	m.PaidThrough = through
	m.UpdatedAt = ts
	return nil
}

func (m *Member) AppendDigest(buf []byte) []byte {
	buf = appendTag(buf, "member")
	buf = appendUUID(buf, m.ID)
	buf = appendUUID(buf, m.Owner)
	buf = appendUUID(buf, m.PolicyID)
	buf = appendUint32(buf, m.Generation)
	buf = appendInt64(buf, m.PremiumPaid)
	buf = appendInt64(buf, m.PaidThrough)
	buf = appendUint32(buf, m.ClaimCount)
	return buf
}

type enrollmentKey struct {
	owner  uuid.UUID
	policy uuid.UUID
}

// MemberLedger stores members and indexes the latest generation of every
// (owner, policy) enrollment. Values are copies; callers mutate a copy and
// Put it back while holding the member's resource lock.
type MemberLedger struct {
	mu      sync.RWMutex
	members map[uuid.UUID]Member
	latest  map[enrollmentKey]uuid.UUID
}

func NewMemberLedger() *MemberLedger {
	return &MemberLedger{
		members: make(map[uuid.UUID]Member),
		latest:  make(map[enrollmentKey]uuid.UUID),
	}
}

func (l *MemberLedger) Get(id uuid.UUID) (Member, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.members[id]
	return m, ok
}

// Latest returns the highest-generation member of owner in policy.
func (l *MemberLedger) Latest(owner, policyID uuid.UUID) (Member, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.latest[enrollmentKey{owner, policyID}]
	if !ok {
		return Member{}, false
	}
	m, ok := l.members[id]
	return m, ok
}

func (l *MemberLedger) Put(m Member) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.members[m.ID] = m

	key := enrollmentKey{m.Owner, m.PolicyID}
	if cur, ok := l.latest[key]; ok {
		if l.members[cur].Generation > m.Generation {
			return
		}
	}
	l.latest[key] = m.ID
}

// ByOwner returns all members of an owner, every generation included.
func (l *MemberLedger) ByOwner(owner uuid.UUID) []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Member
	for _, m := range l.members {
		if m.Owner == owner {
			out = append(out, m)
		}
	}
	sortMembers(out)
	return out
}

// All returns every member in id order.
func (l *MemberLedger) All() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, m)
	}
	sortMembers(out)
	return out
}

func (l *MemberLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.members)
}

func sortMembers(ms []Member) {
	sort.Slice(ms, func(i, j int) bool { return bytes.Compare(ms[i].ID[:], ms[j].ID[:]) < 0 })
}
