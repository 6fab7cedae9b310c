package shared

import "math"

// Epsilon is the rounding allowance used when comparing monetary sums.
const Epsilon = 0.01

// Round2 rounds a monetary amount to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// AmountsEqual reports whether two monetary amounts match within Epsilon.
func AmountsEqual(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

// ExceedsCeiling reports whether amount is above limit by more than Epsilon.
func ExceedsCeiling(amount, limit float64) bool {
	return amount > limit+Epsilon
}
