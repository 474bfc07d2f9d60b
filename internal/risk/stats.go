package risk

import "math"

// z95 is the one-sided 95% normal quantile used by the parametric VaR.
const z95 = 1.645

// returnWindow tracks recent portfolio returns for the volatility estimate.
// Samples arrive once per mark cycle; the window is bounded.
type returnWindow struct {
	samples []float64
	max     int
	last    float64 // previous portfolio value
}

func newReturnWindow(max int) *returnWindow {
	if max <= 1 {
		max = 2
	}
	return &returnWindow{max: max}
}

// observe records the portfolio value and derives a simple return against the
// previous observation.
func (w *returnWindow) observe(value float64) {
	if w.last > 0 && value > 0 {
		r := value/w.last - 1
		w.samples = append(w.samples, r)
		if len(w.samples) > w.max {
			w.samples = w.samples[len(w.samples)-w.max:]
		}
	}
	w.last = value
}

// annualizedVol returns stdev of the sampled returns scaled to a daily
// horizon times sqrt(365), treating each sample as one mark interval of the
// trading day. Returns 0 with fewer than two samples.
func (w *returnWindow) annualizedVol(samplesPerDay float64) float64 {
	n := len(w.samples)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range w.samples {
		sum += r
	}
	mean := sum / float64(n)
	var ss float64
	for _, r := range w.samples {
		d := r - mean
		ss += d * d
	}
	stdev := math.Sqrt(ss / float64(n-1))
	if samplesPerDay <= 0 {
		samplesPerDay = 1
	}
	return stdev * math.Sqrt(samplesPerDay) * math.Sqrt(365)
}

// var95 estimates the 1-day 95% value at risk as a fraction of portfolio
// value from the annualized volatility.
func var95FromVol(annualVol float64) float64 {
	if annualVol <= 0 {
		return 0
	}
	dailyVol := annualVol / math.Sqrt(365)
	return z95 * dailyVol
}
