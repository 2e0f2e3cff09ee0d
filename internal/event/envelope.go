package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeProtocolInitialized
	EventTypeAuthorityRotated
	EventTypeParamsUpdated
	EventTypePolicyCreated
	EventTypeWalletFunded
	EventTypeMemberEnrolled
	EventTypePremiumPaid
	EventTypeAphStaked
	EventTypeAphUnstaked
	EventTypeClaimSubmitted
	EventTypeClaimApproved
	EventTypeClaimDenied
)

var eventTypeNames = map[EventType]string{
	EventTypeProtocolInitialized: "ProtocolInitialized",
	EventTypeAuthorityRotated:    "AuthorityRotated",
	EventTypeParamsUpdated:       "ParamsUpdated",
	EventTypePolicyCreated:       "PolicyCreated",
	EventTypeWalletFunded:        "WalletFunded",
	EventTypeMemberEnrolled:      "MemberEnrolled",
	EventTypePremiumPaid:         "PremiumPaid",
	EventTypeAphStaked:           "AphStaked",
	EventTypeAphUnstaked:         "AphUnstaked",
	EventTypeClaimSubmitted:      "ClaimSubmitted",
	EventTypeClaimApproved:       "ClaimApproved",
	EventTypeClaimDenied:         "ClaimDenied",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(name string) (EventType, error) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

// AllEventTypes lists every known type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeProtocolInitialized; et <= EventTypeClaimDenied; et++ {
		out = append(out, et)
	}
	return out
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the caller
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Caller identity
	Signer uuid.UUID

	// Primary record created or touched (policy, member, stake, claim);
	// the participant for wallet funding, the authority for config events
	EntityID uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Signer returns the caller identity the operation is authorized against
	Signer() uuid.UUID

	// OccurredAt returns the versioned operation timestamp
	OccurredAt() time.Time
}

// Header carries the fields every command shares.
type Header struct {
	Key       string    `json:"idempotency_key"`
	Caller    uuid.UUID `json:"signer"`
	Timestamp time.Time `json:"timestamp"`
}

func (h Header) IdempotencyKey() string { return h.Key }

func (h Header) Signer() uuid.UUID { return h.Caller }

func (h Header) OccurredAt() time.Time { return h.Timestamp }

// Stamp replaces the operation timestamp. The engine stamps live operations
// from its own clock when one is configured.
func (h *Header) Stamp(ts time.Time) { h.Timestamp = ts }
