package core

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/ledger"
	"ApolloLedger/internal/observability"
	"ApolloLedger/internal/state"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// globalCheckInterval is how often (in sequences) the zero-sum check over
// every account runs.
const globalCheckInterval = 1000

// Engine applies protocol operations as serializable transactions.
//
// Operations on disjoint resources run in parallel. Each operation takes the
// locks of exactly the accounts and records it touches (sorted, so overlapping
// sets cannot deadlock), validates against the locked state, applies its
// journal batch and record writes, and then enters a short commit section
// that assigns the sequence, chains the state hash and emits the output.
// The commit section runs while the resource locks are still held, so log
// order is a valid serialization of the history.
//
// Config-changing operations and snapshots take configMu exclusively and so
// act as a barrier for everything else.
//
// Member status depends on operation time, so live operations are admitted
// in time order: no operation may carry a timestamp older than the latest
// committed one. With a clock set (SetClock) the engine stamps operations
// itself and never rejects on time.
type Engine struct {
	configMu sync.RWMutex
	config   *state.ProtocolConfig

	locks      *ledger.LockManager
	balances   *ledger.BalanceTracker
	journalGen *ledger.JournalGenerator
	validator  *ledger.InvariantValidator

	policies *state.PolicyRegistry
	members  *state.MemberLedger
	stakes   *state.StakeLedger
	claims   *state.ClaimBook
	premiums *state.PremiumPool

	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	log         zerolog.Logger

	commitMu sync.Mutex
	sequence int64 // next sequence to assign
	lastTs   int64 // latest committed operation timestamp, epoch microseconds
	hasher   *StateHasher
	clock    func() time.Time

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied
// operation.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch // nil for operations that move no funds
	Changes  Changes
}

// Receipt is returned to the caller of Execute.
type Receipt struct {
	Sequence  int64
	StateHash [32]byte
	EventType event.EventType
	EntityID  uuid.UUID
	Duplicate bool
}

// NewEngine creates an engine whose first operation gets startSequence.
// Either channel may be nil. dbChecker and metrics are optional.
func NewEngine(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	balances := ledger.NewBalanceTracker()

	return &Engine{
		locks:          ledger.NewLockManager(),
		balances:       balances,
		journalGen:     ledger.NewJournalGenerator(balances),
		validator:      ledger.NewInvariantValidator(balances),
		policies:       state.NewPolicyRegistry(),
		members:        state.NewMemberLedger(),
		stakes:         state.NewStakeLedger(),
		claims:         state.NewClaimBook(),
		premiums:       state.NewPremiumPool(),
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker, metrics),
		metrics:        metrics,
		log:            log,
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// SetClock makes Execute stamp every operation at admission instead of
// trusting the caller's timestamp. Call it before the first Execute.
func (e *Engine) SetClock(now func() time.Time) {
	e.clock = now
}

// Execute is the main processing pipeline
func (e *Engine) Execute(evt event.Event) (*Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	if idempotencyKey == "" {
		return nil, e.reject(eventType, fmt.Errorf("missing idempotency key: %w", state.ErrInvalidParameter))
	}

	// Step 1: Idempotency check (two-tier)
	if e.idempotency.Begin(eventType, idempotencyKey) {
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return &Receipt{EventType: evt.EventType(), Duplicate: true}, nil
	}

	// Steps 2-6: lock, validate, apply, commit, emit
	output, lockWait, err := e.apply(evt, true)
	if err != nil {
		e.idempotency.Abort(eventType, idempotencyKey)
		return nil, e.reject(eventType, err)
	}

	// Step 7: Mark as processed
	e.idempotency.Complete(eventType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.CoreLockWait.WithLabelValues(eventType).Observe(lockWait.Seconds())
	}

	return &Receipt{
		Sequence:  output.Envelope.Sequence,
		StateHash: output.Envelope.StateHash,
		EventType: output.Envelope.EventType,
		EntityID:  output.Envelope.EntityID,
	}, nil
}

// Replay re-applies a logged operation during recovery and checks that it
// reproduces the logged state hash. Nothing is sent on the output channels
// and the database dedup tier is bypassed, since every logged key is in the
// database. The output is returned for callers that rebuild projections.
func (e *Engine) Replay(evt event.Event, expectedHash [32]byte) (*CoreOutput, error) {
	output, _, err := e.apply(evt, false)
	if err != nil {
		return nil, fmt.Errorf("replay %s %q rejected: %w", evt.EventType(), evt.IdempotencyKey(), err)
	}

	if output.Envelope.StateHash != expectedHash {
		return nil, fmt.Errorf("replay diverged at sequence %d: state hash %x, log has %x",
			output.Envelope.Sequence, output.Envelope.StateHash, expectedHash)
	}

	e.idempotency.Complete(evt.EventType().String(), evt.IdempotencyKey())
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return output, nil
}

func (e *Engine) reject(eventType string, err error) error {
	kind := state.Kind(err)
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, kind).Inc()
	}
	e.log.Debug().Str("event_type", eventType).Str("kind", kind).Err(err).Msg("operation rejected")
	return err
}

// stamper is implemented by every command through its embedded Header.
type stamper interface {
	Stamp(time.Time)
}

// admit orders a live operation against committed history. A clocked engine
// stamps it at the later of now and the watermark. Otherwise a timestamp older
// than the watermark is rejected. Replay skips admission: the log order is
// already decided.
func (e *Engine) admit(evt event.Event) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.clock != nil {
		s, ok := evt.(stamper)
		if !ok {
			return fmt.Errorf("%s cannot be stamped: %w", evt.EventType(), state.ErrInvalidParameter)
		}
		now := e.clock().UTC().Truncate(time.Microsecond)
		if now.UnixMicro() < e.lastTs {
			now = time.UnixMicro(e.lastTs).UTC()
		}
		s.Stamp(now)
		return nil
	}

	occurred := evt.OccurredAt()
	if !occurred.IsZero() && occurred.UnixMicro() < e.lastTs {
		return fmt.Errorf("timestamp %s precedes committed history at %s: %w",
			occurred.UTC().Format(time.RFC3339Nano),
			time.UnixMicro(e.lastTs).UTC().Format(time.RFC3339Nano),
			state.ErrInvalidParameter)
	}
	return nil
}

func (e *Engine) apply(evt event.Event, emit bool) (*CoreOutput, time.Duration, error) {
	if emit {
		if err := e.admit(evt); err != nil {
			return nil, 0, err
		}
	}

	occurred := evt.OccurredAt()
	if occurred.IsZero() {
		return nil, 0, fmt.Errorf("missing operation timestamp: %w", state.ErrInvalidParameter)
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, 0, fmt.Errorf("encode payload: %w", err)
	}

	if isConfigOperation(evt) {
		e.configMu.Lock()
		defer e.configMu.Unlock()
	} else {
		e.configMu.RLock()
		defer e.configMu.RUnlock()
	}

	tx := &txn{
		engine:    e,
		ts:        occurred.UnixMicro(),
		signer:    evt.Signer(),
		eventType: evt.EventType().String(),
		ref:       compositeKey(evt.EventType().String(), evt.IdempotencyKey()),
	}
	defer tx.unlock()

	if err := e.dispatch(tx, evt); err != nil {
		return nil, tx.lockWait, err
	}

	if tx.batch != nil {
		if err := e.balances.CheckBounds(tx.batch); err != nil {
			return nil, tx.lockWait, outOfRange(tx.eventType, err)
		}
		if err := e.validator.ValidateBatchBalance(tx.batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := e.balances.ApplyBatch(tx.batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
		}
	}
	tx.store()

	if err := e.postCheckInvariants(tx); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	output := e.commit(tx, evt, payload, emit)
	e.recordStateMetrics(tx)
	return output, tx.lockWait, nil
}

func isConfigOperation(evt event.Event) bool {
	switch evt.(type) {
	case *event.InitializeProtocol, *event.RotateAuthority, *event.UpdateParams, *event.CreatePolicy:
		return true
	}
	return false
}

// commit assigns the sequence, chains the hash and emits. Runs with the
// operation's resource locks held.
func (e *Engine) commit(tx *txn, evt event.Event, payload []byte, emit bool) *CoreOutput {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	seq := e.sequence
	if tx.batch != nil {
		tx.batch.SetSequence(seq)
	}

	digest := e.computeStateDigest(tx)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, digest)

	output := &CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			Signer:         evt.Signer(),
			EntityID:       tx.entityID,
			Timestamp:      evt.OccurredAt().UTC(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:   tx.batch,
		Changes: tx.changes,
	}
	e.sequence++
	if tx.ts > e.lastTs {
		e.lastTs = tx.ts
	}

	// Periodic global zero-sum check
	if seq > 0 && seq%globalCheckInterval == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at seq %d: %v", seq, err))
		}
	}

	if emit {
		// Persistence: blocking send, the engine stalls until the
		// persistence worker drains. No event is lost.
		if e.persistChan != nil {
			select {
			case e.persistChan <- *output:
			default:
				if e.metrics != nil {
					e.metrics.PersistBackpressure.Inc()
				}
				e.persistChan <- *output
			}
		}

		// Projections: non-blocking send, drop on full. Projections can
		// be rebuilt from the event log.
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- *output:
			default:
				if e.metrics != nil {
					e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
				}
			}
		}
	}

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(e.sequence))
		if tx.batch != nil {
			for _, j := range tx.batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	return output
}

// computeStateDigest creates canonical bytes for state hash: every account
// touched by the batch with its new balance, then every changed record.
func (e *Engine) computeStateDigest(tx *txn) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if tx.batch != nil {
		for _, j := range tx.batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+128)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, e.balances.GetBalance(key))
	}

	return tx.changes.AppendDigest(digest)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates the invariants an operation could have
// broken. Runs with the operation's locks held, before anything is emitted.
func (e *Engine) postCheckInvariants(tx *txn) error {
	cfg := e.config
	if cfg == nil {
		return nil
	}

	if tx.touchesPremiumPool {
		if err := e.balances.ValidateNonNegative(ledger.PremiumPoolKey(cfg.CurrencyAsset)); err != nil {
			return fmt.Errorf("premium pool: %w", err)
		}
		collected, paidOut := e.premiums.Totals()
		if err := e.validator.ValidatePremiumConservation(cfg.CurrencyAsset, collected, paidOut); err != nil {
			return fmt.Errorf("premium conservation: %w", err)
		}
	}

	if tx.touchesCapitalPool {
		if err := e.balances.ValidateNonNegative(ledger.CapitalPoolKey(cfg.CollateralAsset)); err != nil {
			return fmt.Errorf("capital pool: %w", err)
		}
		if err := e.validator.ValidateCapitalCoversStakes(cfg.CollateralAsset, e.stakes.Total()); err != nil {
			return fmt.Errorf("collateral backing: %w", err)
		}
	}

	if tx.debitedWallet != nil {
		if err := e.balances.ValidateNonNegative(*tx.debitedWallet); err != nil {
			return fmt.Errorf("wallet: %w", err)
		}
	}

	return nil
}

func (e *Engine) recordStateMetrics(tx *txn) {
	if e.metrics == nil || e.config == nil {
		return
	}
	cfg := e.config
	if tx.touchesPremiumPool {
		name, _ := ledger.GetAssetName(cfg.CurrencyAsset)
		e.metrics.PoolBalance.WithLabelValues("premium", name).Set(float64(e.balances.GetBalance(ledger.PremiumPoolKey(cfg.CurrencyAsset))))
	}
	if tx.touchesCapitalPool {
		name, _ := ledger.GetAssetName(cfg.CollateralAsset)
		e.metrics.PoolBalance.WithLabelValues("capital", name).Set(float64(e.balances.GetBalance(ledger.CapitalPoolKey(cfg.CollateralAsset))))
		e.metrics.TotalStaked.Set(float64(e.stakes.Total()))
	}
	e.metrics.ClaimExposure.Set(float64(e.claims.Exposure()))
}

func (e *Engine) dispatch(tx *txn, evt event.Event) error {
	switch ev := evt.(type) {
	case *event.InitializeProtocol:
		return e.handleInitialize(tx, ev)
	}

	// Every other operation requires an initialized protocol.
	if e.config == nil {
		return fmt.Errorf("%s: %w", evt.EventType(), state.ErrNotInitialized)
	}

	switch ev := evt.(type) {
	case *event.RotateAuthority:
		return e.handleRotateAuthority(tx, ev)
	case *event.UpdateParams:
		return e.handleUpdateParams(tx, ev)
	case *event.CreatePolicy:
		return e.handleCreatePolicy(tx, ev)
	case *event.FundWallet:
		return e.handleFundWallet(tx, ev)
	case *event.EnrollMember:
		return e.handleEnrollMember(tx, ev)
	case *event.PayPremium:
		return e.handlePayPremium(tx, ev)
	case *event.StakeAph:
		return e.handleStakeAph(tx, ev)
	case *event.UnstakeAph:
		return e.handleUnstakeAph(tx, ev)
	case *event.SubmitClaim:
		return e.handleSubmitClaim(tx, ev)
	case *event.ApproveClaim:
		return e.handleApproveClaim(tx, ev)
	case *event.DenyClaim:
		return e.handleDenyClaim(tx, ev)
	default:
		return fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- Read API ---

// GetConfig returns a copy of the protocol config.
func (e *Engine) GetConfig() (state.ProtocolConfig, bool) {
	e.configMu.RLock()
	defer e.configMu.RUnlock()
	if e.config == nil {
		return state.ProtocolConfig{}, false
	}
	return *e.config, true
}

func (e *Engine) GetPolicy(id uuid.UUID) (state.Policy, bool) {
	return e.policies.Get(id)
}

func (e *Engine) ListPolicies() []state.Policy {
	return e.policies.All()
}

func (e *Engine) GetMember(id uuid.UUID) (state.Member, bool) {
	return e.members.Get(id)
}

// LatestMember returns the current enrollment of owner in a policy.
func (e *Engine) LatestMember(owner, policyID uuid.UUID) (state.Member, bool) {
	return e.members.Latest(owner, policyID)
}

func (e *Engine) MembersByOwner(owner uuid.UUID) []state.Member {
	return e.members.ByOwner(owner)
}

// MemberStatus derives a member's status at ts using the current grace period.
func (e *Engine) MemberStatus(m state.Member, ts time.Time) state.MemberStatus {
	cfg, _ := e.GetConfig()
	return m.StatusAt(ts.UnixMicro(), cfg.GracePeriod)
}

func (e *Engine) GetStake(owner uuid.UUID) (state.Stake, bool) {
	return e.stakes.Get(owner)
}

func (e *Engine) TotalStaked() int64 {
	return e.stakes.Total()
}

func (e *Engine) GetClaim(id uuid.UUID) (state.Claim, bool) {
	return e.claims.Get(id)
}

func (e *Engine) ClaimsByMember(memberID uuid.UUID) []state.Claim {
	return e.claims.ByMember(memberID)
}

// Exposure returns Σ amount of outstanding claims.
func (e *Engine) Exposure() int64 {
	return e.claims.Exposure()
}

func (e *Engine) GetBalance(key ledger.AccountKey) int64 {
	return e.balances.GetBalance(key)
}

func (e *Engine) GetWalletBalance(owner uuid.UUID, assetID ledger.AssetID) int64 {
	return e.balances.GetWalletBalance(owner, assetID)
}

// PremiumTotals returns cumulative premiums collected and claims paid out.
func (e *Engine) PremiumTotals() (collected, paidOut int64) {
	return e.premiums.Totals()
}

// GetSequence returns the next sequence to be assigned.
func (e *Engine) GetSequence() int64 {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.hasher.GetPrevHash()
}

// ValidateGlobalBalance runs the zero-sum check on demand.
func (e *Engine) ValidateGlobalBalance() error {
	return e.validator.ValidateGlobalBalance()
}
