package domain

import "math"

// MicroUSD is a fixed-scale monetary amount in millionths of a US dollar.
// All cash, notional, and P&L arithmetic inside the risk and order paths
// uses MicroUSD so that accumulation never drifts; float64 conversion is
// allowed only at adapter and HTTP boundaries.
type MicroUSD int64

// MicroPerUSD is the fixed scale factor for MicroUSD.
const MicroPerUSD = 1_000_000

// USD converts a float dollar amount to MicroUSD, rounding half away from zero.
func USD(f float64) MicroUSD {
	return MicroUSD(math.Round(f * MicroPerUSD))
}

// Float converts a MicroUSD amount back to float dollars.
func (m MicroUSD) Float() float64 {
	return float64(m) / MicroPerUSD
}

// Abs returns the absolute value.
func (m MicroUSD) Abs() MicroUSD {
	if m < 0 {
		return -m
	}
	return m
}

// MulQty multiplies a MicroUSD price by a float quantity, rounding to the scale.
func (m MicroUSD) MulQty(qty float64) MicroUSD {
	return MicroUSD(math.Round(float64(m) * qty))
}
