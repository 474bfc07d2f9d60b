package marketdata

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/domain"
)

func TestTickRingNewestFirst(t *testing.T) {
	r := newTickRing(4)
	for i := 1; i <= 3; i++ {
		r.Push(domain.Tick{Symbol: fmt.Sprintf("t%d", i)})
	}

	latest := r.Latest(2)
	require.Len(t, latest, 2)
	assert.Equal(t, "t3", latest[0].Symbol)
	assert.Equal(t, "t2", latest[1].Symbol)
}

func TestTickRingOverflowNewestWins(t *testing.T) {
	r := newTickRing(2)
	for i := 1; i <= 5; i++ {
		r.Push(domain.Tick{Symbol: fmt.Sprintf("t%d", i)})
	}

	latest := r.Latest(0)
	require.Len(t, latest, 2)
	assert.Equal(t, "t5", latest[0].Symbol)
	assert.Equal(t, "t4", latest[1].Symbol)
	assert.Equal(t, uint64(3), r.Dropped())
}

func TestTickRingEmptyAndOversizedRequests(t *testing.T) {
	r := newTickRing(4)
	assert.Empty(t, r.Latest(10))

	r.Push(domain.Tick{Symbol: "only"})
	assert.Len(t, r.Latest(10), 1)
}
