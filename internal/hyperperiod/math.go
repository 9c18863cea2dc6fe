package hyperperiod

// Gcd computes the greatest common divisor with the iterative Euclidean
// algorithm. Gcd(0, x) == x and Gcd(0, 0) == 0.
func Gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Lcm computes the least common multiple, returning an *OverflowError
// when the exact result does not fit in a uint64. Either operand being
// zero yields zero.
//
// The division runs before the multiplication ((a/gcd)*b) so overflow
// can only occur on the final, checked multiplication.
func Lcm(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}

	reduced := a / Gcd(a, b)
	if reduced > 0 && b > ^uint64(0)/reduced {
		return 0, &OverflowError{A: a, B: b}
	}
	return reduced * b, nil
}

// LcmOfSlice folds Lcm over periods, seeded with the first element.
// Returns 0 for an empty slice and the first overflow encountered.
func LcmOfSlice(periods []uint64) (uint64, error) {
	if len(periods) == 0 {
		return 0, nil
	}

	acc := periods[0]
	for _, p := range periods[1:] {
		v, err := Lcm(acc, p)
		if err != nil {
			return 0, err
		}
		acc = v
	}
	return acc, nil
}
