package query

import "github.com/google/uuid"

// BalanceResponse is one projected account balance.
type BalanceResponse struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"` // projection watermark
}

// PoolsResponse reports both protocol pools.
type PoolsResponse struct {
	PremiumPool  int64  `json:"premium_pool"`
	CapitalPool  int64  `json:"capital_pool"`
	Currency     string `json:"currency"`
	Collateral   string `json:"collateral"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type PolicyResponse struct {
	PolicyID      uuid.UUID `json:"policy_id"`
	Number        int64     `json:"number"`
	PremiumAmount int64     `json:"premium_amount"`
	PremiumPeriod int64     `json:"premium_period_us"`
	CoverageLimit int64     `json:"coverage_limit"`
	Asset         string    `json:"asset"`
	CreatedAt     int64     `json:"created_at"`
}

// MemberResponse carries the stored member plus its status derived at query
// time from paid_through and the grace period.
type MemberResponse struct {
	MemberID     uuid.UUID `json:"member_id"`
	Owner        uuid.UUID `json:"owner"`
	PolicyID     uuid.UUID `json:"policy_id"`
	Generation   uint32    `json:"generation"`
	PremiumPaid  int64     `json:"premium_paid"`
	PaidThrough  int64     `json:"paid_through"`
	ClaimCount   uint32    `json:"claim_count"`
	Status       string    `json:"status"`
	EnrolledAt   int64     `json:"enrolled_at"`
	UpdatedAt    int64     `json:"updated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

type StakeResponse struct {
	StakeID      uuid.UUID `json:"stake_id"`
	Owner        uuid.UUID `json:"owner"`
	Amount       int64     `json:"amount"`
	Asset        string    `json:"asset"`
	StakedAt     int64     `json:"staked_at"`
	UpdatedAt    int64     `json:"updated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

type ClaimResponse struct {
	ClaimID      uuid.UUID  `json:"claim_id"`
	MemberID     uuid.UUID  `json:"member_id"`
	Claimant     uuid.UUID  `json:"claimant"`
	PolicyID     uuid.UUID  `json:"policy_id"`
	Index        uint32     `json:"index"`
	Amount       int64      `json:"amount"`
	EvidenceHash string     `json:"evidence_hash"` // hex
	Status       string     `json:"status"`
	Adjudicator  *uuid.UUID `json:"adjudicator,omitempty"`
	SubmittedAt  int64      `json:"submitted_at"`
	UpdatedAt    int64      `json:"updated_at"`
	AsOfSequence int64      `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	EventsChecked    int64             `json:"events_checked"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset whose journal entries do not net to
// zero across all accounts.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
