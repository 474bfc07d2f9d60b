package compliance

import "math"

// pearson computes the Pearson correlation coefficient between two equal
// length series. Returns 0 when the inputs are degenerate.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0
	}
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// pValue is the two-sided p-value for r under the null of zero correlation,
// via the t statistic with a normal approximation to its tail.
func pValue(r float64, n int) float64 {
	if n < 3 {
		return 1
	}
	if r >= 1 || r <= -1 {
		return 0
	}
	t := r * math.Sqrt(float64(n-2)/(1-r*r))
	return math.Erfc(math.Abs(t) / math.Sqrt2)
}

// fisherCI returns the 95% confidence interval for r using the Fisher
// z transform.
func fisherCI(r float64, n int) (lo, hi float64) {
	if n < 4 {
		return -1, 1
	}
	if r >= 1 {
		return 1, 1
	}
	if r <= -1 {
		return -1, -1
	}
	z := math.Atanh(r)
	se := 1 / math.Sqrt(float64(n-3))
	return math.Tanh(z - 1.96*se), math.Tanh(z + 1.96*se)
}

// slope fits a least-squares line to ys against their indices and returns
// its gradient. Used for the trend over the last few measurements.
func slope(ys []float64) float64 {
	n := len(ys)
	if n < 2 {
		return 0
	}
	meanX := float64(n-1) / 2
	var sumY float64
	for _, y := range ys {
		sumY += y
	}
	meanY := sumY / float64(n)

	var num, den float64
	for i, y := range ys {
		dx := float64(i) - meanX
		num += dx * (y - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}
