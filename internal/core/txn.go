package core

import (
	"ApolloLedger/internal/ledger"
	"ApolloLedger/internal/state"
	"time"

	"github.com/google/uuid"
)

// Resource lock names beyond ledger accounts.
const exposureLock = "claims:exposure"

func enrollmentLock(owner, policyID uuid.UUID) string {
	return "enrollment:" + owner.String() + ":" + policyID.String()
}

func memberLock(id uuid.UUID) string { return "member:" + id.String() }

func stakeLock(owner uuid.UUID) string { return "stake:" + owner.String() }

func claimLock(id uuid.UUID) string { return "claim:" + id.String() }

// Changes lists the records an operation created or updated, as they are
// after the operation. Projections mirror them; the state digest hashes them.
type Changes struct {
	Config *state.ProtocolConfig
	Policy *state.Policy
	Member *state.Member
	Stake  *state.Stake // Amount 0 means the stake was closed
	Claim  *state.Claim
}

// AppendDigest appends every changed record in a fixed order.
func (c *Changes) AppendDigest(buf []byte) []byte {
	if c.Config != nil {
		buf = c.Config.AppendDigest(buf)
	}
	if c.Policy != nil {
		buf = c.Policy.AppendDigest(buf)
	}
	if c.Member != nil {
		buf = c.Member.AppendDigest(buf)
	}
	if c.Stake != nil {
		buf = c.Stake.AppendDigest(buf)
	}
	if c.Claim != nil {
		buf = c.Claim.AppendDigest(buf)
	}
	return buf
}

// txn is the working set of one operation: the resource locks it holds,
// the journal batch it will apply and the record writes to publish once
// every precondition has passed.
type txn struct {
	engine    *Engine
	ts        int64 // versioned timestamp, epoch microseconds
	signer    uuid.UUID
	eventType string
	ref       string // event reference stamped on journals, unique per operation

	releases []func()
	lockWait time.Duration

	batch    *ledger.Batch
	entityID uuid.UUID
	changes  Changes
	effects  []func()

	touchesPremiumPool bool
	touchesCapitalPool bool
	debitedWallet      *ledger.AccountKey
}

// lock acquires one sorted set of resources. An operation calls it once;
// two calls in the same operation could deadlock against another txn.
func (tx *txn) lock(names ...string) {
	start := time.Now()
	tx.releases = append(tx.releases, tx.engine.locks.Acquire(names...))
	tx.lockWait += time.Since(start)
}

// unlock releases everything held, newest first.
func (tx *txn) unlock() {
	for i := len(tx.releases) - 1; i >= 0; i-- {
		tx.releases[i]()
	}
	tx.releases = nil
}

// onCommit registers a side effect on in-memory counters that must only
// happen when the operation is applied.
func (tx *txn) onCommit(fn func()) {
	tx.effects = append(tx.effects, fn)
}

// store publishes the changed records and runs the deferred effects.
func (tx *txn) store() {
	e := tx.engine
	c := tx.changes

	if c.Config != nil {
		cfg := *c.Config
		e.config = &cfg
	}
	if c.Policy != nil {
		e.policies.Put(*c.Policy)
	}
	if c.Member != nil {
		e.members.Put(*c.Member)
	}
	if c.Stake != nil {
		e.stakes.Put(*c.Stake)
	}
	if c.Claim != nil {
		e.claims.Put(*c.Claim)
	}
	for _, fn := range tx.effects {
		fn()
	}
}
