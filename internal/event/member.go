package event

import "github.com/google/uuid"

type EnrollMember struct {
	Header
	PolicyID       uuid.UUID `json:"policy_id"`
	InitialPremium int64     `json:"initial_premium"`
}

func (e *EnrollMember) EventType() EventType {
	return EventTypeMemberEnrolled
}

type PayPremium struct {
	Header
	MemberID uuid.UUID `json:"member_id"`
	Amount   int64     `json:"amount"`
}

func (e *PayPremium) EventType() EventType {
	return EventTypePremiumPaid
}

// StakeAph locks collateral from the signer's wallet in the capital pool.
type StakeAph struct {
	Header
	Amount int64 `json:"amount"`
}

func (e *StakeAph) EventType() EventType {
	return EventTypeAphStaked
}

type UnstakeAph struct {
	Header
	Amount int64 `json:"amount"`
}

func (e *UnstakeAph) EventType() EventType {
	return EventTypeAphUnstaked
}
