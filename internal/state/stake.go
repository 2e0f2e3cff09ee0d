package state

import (
	"ApolloLedger/internal/ledger"
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Stake is the collateral an owner has locked in the capital pool.
type Stake struct {
	ID        uuid.UUID
	Owner     uuid.UUID
	Amount    int64
	AssetID   ledger.AssetID
	StakedAt  int64 // first stake of the current position
	UpdatedAt int64
}

func (s *Stake) AppendDigest(buf []byte) []byte {
	buf = appendTag(buf, "stake")
	buf = appendUUID(buf, s.ID)
	buf = appendUUID(buf, s.Owner)
	buf = appendInt64(buf, s.Amount)
	buf = append(buf, byte(s.AssetID), byte(s.AssetID>>8))
	return buf
}

// StakeLedger indexes stakes by owner and keeps the running total that the
// capital pool must cover.
type StakeLedger struct {
	mu     sync.RWMutex
	stakes map[uuid.UUID]Stake
	total  int64
}

func NewStakeLedger() *StakeLedger {
	return &StakeLedger{
		stakes: make(map[uuid.UUID]Stake),
	}
}

func (l *StakeLedger) Get(owner uuid.UUID) (Stake, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.stakes[owner]
	return s, ok
}

// Put replaces the owner's stake. A zero amount removes it from the index.
func (l *StakeLedger) Put(s Stake) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total -= l.stakes[s.Owner].Amount
	if s.Amount == 0 {
		delete(l.stakes, s.Owner)
		return
	}
	l.stakes[s.Owner] = s
	l.total += s.Amount
}

// Total returns Σ stake amounts.
func (l *StakeLedger) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

func (l *StakeLedger) All() []Stake {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Stake, 0, len(l.stakes))
	for _, s := range l.stakes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Owner[:], out[j].Owner[:]) < 0 })
	return out
}
