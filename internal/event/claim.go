package event

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Digest is a SHA-256 evidence hash. It travels as lowercase hex.
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != 64 {
		return fmt.Errorf("evidence hash must be 64 hex chars, got %d", len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// SubmitClaim opens a claim against one of the signer's members.
// EvidenceKey optionally points at the uploaded document in the evidence
// store; only the hash is kept in ledger state.
type SubmitClaim struct {
	Header
	MemberID     uuid.UUID `json:"member_id"`
	Amount       int64     `json:"amount"`
	EvidenceHash Digest    `json:"evidence_hash"`
	EvidenceKey  string    `json:"evidence_key,omitempty"`
}

func (e *SubmitClaim) EventType() EventType {
	return EventTypeClaimSubmitted
}

// ApproveClaim pays a pending claim out of the premium pool.
type ApproveClaim struct {
	Header
	ClaimID uuid.UUID `json:"claim_id"`
}

func (e *ApproveClaim) EventType() EventType {
	return EventTypeClaimApproved
}

type DenyClaim struct {
	Header
	ClaimID uuid.UUID `json:"claim_id"`
	Reason  string    `json:"reason,omitempty"`
}

func (e *DenyClaim) EventType() EventType {
	return EventTypeClaimDenied
}
