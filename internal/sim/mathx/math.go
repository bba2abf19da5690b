package mathx

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func MaxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Chebyshev returns the L∞ distance between two integer points.
func Chebyshev(dx, dy, dz int) int {
	return MaxInt(AbsInt(dx), MaxInt(AbsInt(dy), AbsInt(dz)))
}

// Manhattan returns the L1 distance between two integer points.
func Manhattan(dx, dy, dz int) int {
	return AbsInt(dx) + AbsInt(dy) + AbsInt(dz)
}

// ClampInt bounds v to [lo, hi]; a zero v is replaced by def first.
func ClampInt(v, lo, hi, def int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
