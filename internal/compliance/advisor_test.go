package compliance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampAdjustments(t *testing.T) {
	t.Run("within limits pass through", func(t *testing.T) {
		res, err := ClampAdjustments([]Adjustment{{Symbol: "BTC-USD", Delta: 0.1}}, 0.2)
		require.NoError(t, err)
		assert.Equal(t, 0.1, res.Adjustments[0].Delta)
		assert.Zero(t, res.Clamped)
		assert.Empty(t, res.SanityViolations)
	})

	t.Run("clamped to configured max", func(t *testing.T) {
		res, err := ClampAdjustments([]Adjustment{
			{Symbol: "BTC-USD", Delta: 0.3},
			{Symbol: "ETH-USD", Delta: -0.3},
		}, 0.2)
		require.NoError(t, err)
		assert.Equal(t, 0.2, res.Adjustments[0].Delta)
		assert.Equal(t, -0.2, res.Adjustments[1].Delta)
		assert.Equal(t, 2, res.Clamped)
	})

	t.Run("configured max never exceeds the hard ceiling", func(t *testing.T) {
		res, err := ClampAdjustments([]Adjustment{{Symbol: "BTC-USD", Delta: 0.9}}, 0.8)
		require.NoError(t, err)
		assert.Equal(t, 0.35, res.Adjustments[0].Delta)
	})

	t.Run("zero configured max falls back to hard ceiling", func(t *testing.T) {
		res, err := ClampAdjustments([]Adjustment{{Symbol: "BTC-USD", Delta: 0.4}}, 0)
		require.NoError(t, err)
		assert.Equal(t, 0.35, res.Adjustments[0].Delta)
	})

	t.Run("sanity violations flagged", func(t *testing.T) {
		res, err := ClampAdjustments([]Adjustment{
			{Symbol: "BTC-USD", Delta: 0.6},
			{Symbol: "ETH-USD", Delta: -0.7},
			{Symbol: "SOL-USD", Delta: 0.1},
		}, 0.35)
		require.NoError(t, err)
		require.Len(t, res.SanityViolations, 2)
		assert.Equal(t, "BTC-USD", res.SanityViolations[0].Symbol)
		// flagged entries still apply at the cap
		assert.Equal(t, 0.35, res.Adjustments[0].Delta)
	})

	t.Run("oversized batch rejected outright", func(t *testing.T) {
		batch := make([]Adjustment, 21)
		_, err := ClampAdjustments(batch, 0.2)
		assert.Error(t, err)
	})
}

func TestLocalProviderSuggestsNothing(t *testing.T) {
	resp, err := LocalProvider{}.Call(context.Background(), AdvisorRequest{Context: "anything"})
	require.NoError(t, err)
	assert.Empty(t, resp.Adjustments)
}

func TestClaudeProviderCall(t *testing.T) {
	t.Run("decodes adjustments", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "secret", r.Header.Get("x-api-key"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.Write([]byte(`{"adjustments":[{"symbol":"BTC-USD","delta":0.1}]}`))
		}))
		defer srv.Close()

		p := &ClaudeProvider{URL: srv.URL, APIKey: "secret"}
		resp, err := p.Call(context.Background(), AdvisorRequest{Predictions: perfectPairs(3)})
		require.NoError(t, err)
		require.Len(t, resp.Adjustments, 1)
		assert.Equal(t, 0.1, resp.Adjustments[0].Delta)
	})

	t.Run("non-200 is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		p := &ClaudeProvider{URL: srv.URL}
		_, err := p.Call(context.Background(), AdvisorRequest{})
		assert.ErrorContains(t, err, "advisor http 429")
	})
}
