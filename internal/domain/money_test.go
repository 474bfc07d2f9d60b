package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMicroUSDConversions(t *testing.T) {
	tests := []struct {
		name string
		usd  float64
		want MicroUSD
	}{
		{"whole dollars", 100, MicroUSD(100_000_000)},
		{"fractional", 0.25, MicroUSD(250_000)},
		{"negative", -12.5, MicroUSD(-12_500_000)},
		{"sub-cent", 0.000001, MicroUSD(1)},
		{"zero", 0, MicroUSD(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := USD(tt.usd)
			assert.Equal(t, tt.want, got)
			assert.InDelta(t, tt.usd, got.Float(), 1e-9)
		})
	}
}

func TestMicroUSDMulQty(t *testing.T) {
	// 0.5 BTC at $40,000 is $20,000
	assert.Equal(t, USD(20_000), USD(40_000).MulQty(0.5))
	// selling direction keeps sign on the price, not the qty
	assert.Equal(t, USD(-20_000), USD(-40_000).MulQty(0.5))
}

func TestMicroUSDAbs(t *testing.T) {
	assert.Equal(t, USD(5), USD(-5).Abs())
	assert.Equal(t, USD(5), USD(5).Abs())
}
