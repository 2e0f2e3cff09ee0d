package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command for the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeProtocolInitialized:
		return &InitializeProtocol{}, nil
	case EventTypeAuthorityRotated:
		return &RotateAuthority{}, nil
	case EventTypeParamsUpdated:
		return &UpdateParams{}, nil
	case EventTypePolicyCreated:
		return &CreatePolicy{}, nil
	case EventTypeWalletFunded:
		return &FundWallet{}, nil
	case EventTypeMemberEnrolled:
		return &EnrollMember{}, nil
	case EventTypePremiumPaid:
		return &PayPremium{}, nil
	case EventTypeAphStaked:
		return &StakeAph{}, nil
	case EventTypeAphUnstaked:
		return &UnstakeAph{}, nil
	case EventTypeClaimSubmitted:
		return &SubmitClaim{}, nil
	case EventTypeClaimApproved:
		return &ApproveClaim{}, nil
	case EventTypeClaimDenied:
		return &DenyClaim{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Decode parses a JSON command payload of the given type. It is the inverse
// of Encode and is used both by ingestion and by log replay.
func Decode(et EventType, data []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	if evt.IdempotencyKey() == "" {
		return nil, fmt.Errorf("decode %s: missing idempotency_key", et)
	}
	if evt.OccurredAt().IsZero() {
		return nil, fmt.Errorf("decode %s: missing timestamp", et)
	}
	return evt, nil
}

// Encode serializes a command for the event log payload.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
