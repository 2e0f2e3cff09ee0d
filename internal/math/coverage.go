package math

import stdmath "math"

// CoverageExtension returns how much coverage time (in the same unit as
// premiumPeriod) a premium payment of amount buys on a policy whose full
// premium is premiumAmount per premiumPeriod. Partial payments buy
// proportionally less coverage; fractions of the unit are truncated.
func CoverageExtension(premiumPeriod, amount, premiumAmount int64) (int64, error) {
	if premiumAmount <= 0 || amount <= 0 || premiumPeriod <= 0 {
		return 0, nil
	}
	return MulDiv(premiumPeriod, amount, premiumAmount, RoundDown)
}

// RequiredCollateral returns ceil(exposure * ratio / RatioConfig.Scale).
// Rounding up means the pool can never be drained by rounding dust. A
// requirement past the int64 range saturates, since no pool can meet it.
func RequiredCollateral(exposure, ratio int64) int64 {
	if exposure <= 0 || ratio <= 0 {
		return 0
	}
	required, err := MulDiv(exposure, ratio, RatioConfig.Scale, RoundUp)
	if err != nil {
		return stdmath.MaxInt64
	}
	return required
}
