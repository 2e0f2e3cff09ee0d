package server

import (
	"ApolloLedger/internal/evidence"
	"ApolloLedger/internal/query"

	"github.com/google/uuid"
)

// CommandReply is returned by every command RPC.
type CommandReply struct {
	Sequence  int64     `json:"sequence"`
	StateHash string    `json:"state_hash"`
	EventType string    `json:"event_type"`
	EntityID  uuid.UUID `json:"entity_id"`
	Duplicate bool      `json:"duplicate"`
}

type Empty struct{}

type WalletBalanceRequest struct {
	Owner uuid.UUID `json:"owner"`
	Asset string    `json:"asset"`
}

type OwnerRequest struct {
	Owner uuid.UUID `json:"owner"`
}

type MemberRequest struct {
	MemberID uuid.UUID `json:"member_id"`
}

type ClaimRequest struct {
	ClaimID uuid.UUID `json:"claim_id"`
}

// ListClaimsRequest filters by member when MemberID is set, otherwise by
// status.
type ListClaimsRequest struct {
	MemberID uuid.UUID `json:"member_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

type ListJournalsRequest struct {
	Owner          uuid.UUID `json:"owner"`
	Limit          int       `json:"limit,omitempty"`
	BeforeSequence *int64    `json:"before_sequence,omitempty"`
}

type PresignEvidenceRequest struct {
	MemberID    uuid.UUID `json:"member_id"`
	ContentType string    `json:"content_type,omitempty"`
}

type PoliciesReply struct {
	Policies []query.PolicyResponse `json:"policies"`
}

type MembersReply struct {
	Members []query.MemberResponse `json:"members"`
}

type ClaimsReply struct {
	Claims []query.ClaimResponse `json:"claims"`
}

type JournalsReply struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type PresignEvidenceReply = evidence.Upload
