package state

import "errors"

// Rejection kinds. Every operation that fails with one of these leaves state
// untouched; handlers wrap them with context via fmt.Errorf("...: %w", Err...).
var (
	ErrAlreadyInitialized           = errors.New("protocol already initialized")
	ErrNotInitialized               = errors.New("protocol not initialized")
	ErrUnauthorized                 = errors.New("unauthorized")
	ErrInvalidParameter             = errors.New("invalid parameter")
	ErrPolicyNotFound               = errors.New("policy not found")
	ErrMemberNotFound               = errors.New("member not found")
	ErrDuplicateEnrollment          = errors.New("duplicate enrollment")
	ErrMemberLapsed                 = errors.New("member lapsed")
	ErrInsufficientFunds            = errors.New("insufficient funds")
	ErrInsufficientStake            = errors.New("insufficient stake")
	ErrWouldBreachCollateralization = errors.New("would breach collateralization")
	ErrClaimNotFound                = errors.New("claim not found")
	ErrExceedsCoverageLimit         = errors.New("exceeds coverage limit")
	ErrInvalidTransition            = errors.New("invalid claim transition")
	ErrInsufficientPoolFunds        = errors.New("insufficient pool funds")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrAlreadyInitialized, "AlreadyInitialized"},
	{ErrNotInitialized, "NotInitialized"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidParameter, "InvalidParameter"},
	{ErrPolicyNotFound, "PolicyNotFound"},
	{ErrMemberNotFound, "MemberNotFound"},
	{ErrDuplicateEnrollment, "DuplicateEnrollment"},
	{ErrMemberLapsed, "MemberLapsed"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrInsufficientStake, "InsufficientStake"},
	{ErrWouldBreachCollateralization, "WouldBreachCollateralization"},
	{ErrClaimNotFound, "ClaimNotFound"},
	{ErrExceedsCoverageLimit, "ExceedsCoverageLimit"},
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrInsufficientPoolFunds, "InsufficientPoolFunds"},
}

// Kind returns the rejection kind name of err, "Internal" for any other
// non-nil error and "" for nil. Used as a metrics label and in API errors.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// KindError returns the sentinel for a kind name, or nil if the name is
// unknown. Lets clients rebuild a typed error from a transport status.
func KindError(name string) error {
	for _, k := range kinds {
		if k.name == name {
			return k.err
		}
	}
	return nil
}
