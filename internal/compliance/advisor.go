package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tradepilot/tradepilot/internal/config"
)

// Adjustment is a per-symbol confidence delta suggested by the advisor.
type Adjustment struct {
	Symbol string  `json:"symbol"`
	Delta  float64 `json:"delta"`
}

// AdvisorRequest carries recent predictions and market context to the
// external advisor.
type AdvisorRequest struct {
	Predictions []Prediction `json:"predictions"`
	Context     string       `json:"context"`
}

// AdvisorResponse is the advisor's raw, unclamped output.
type AdvisorResponse struct {
	Adjustments []Adjustment `json:"adjustments"`
}

// Provider is the advisor contract: one call, one response. New providers
// are new implementations of this single method.
type Provider interface {
	Name() string
	Call(ctx context.Context, req AdvisorRequest) (AdvisorResponse, error)
}

// ClaudeProvider calls an HTTP advisor endpoint speaking the Claude-message
// shaped contract.
type ClaudeProvider struct {
	URL    string
	APIKey string
	Client *http.Client
}

// Name returns "claude".
func (p *ClaudeProvider) Name() string { return "claude" }

// Call posts the request and decodes per-symbol adjustments.
func (p *ClaudeProvider) Call(ctx context.Context, req AdvisorRequest) (AdvisorResponse, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return AdvisorResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return AdvisorResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.APIKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return AdvisorResponse{}, fmt.Errorf("advisor call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AdvisorResponse{}, fmt.Errorf("advisor http %d", resp.StatusCode)
	}
	var out AdvisorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AdvisorResponse{}, fmt.Errorf("advisor decode: %w", err)
	}
	return out, nil
}

// LocalProvider is the no-network fallback: it suggests nothing.
type LocalProvider struct{}

// Name returns "local".
func (LocalProvider) Name() string { return "local" }

// Call returns an empty adjustment set.
func (LocalProvider) Call(ctx context.Context, req AdvisorRequest) (AdvisorResponse, error) {
	return AdvisorResponse{}, nil
}

// sanityFlagThreshold marks advisor output that is implausibly large even
// before clamping.
const sanityFlagThreshold = 0.50

// ClampResult is the outcome of sanitizing one advisor batch.
type ClampResult struct {
	Adjustments      []Adjustment
	Clamped          int
	SanityViolations []Adjustment
}

// ClampAdjustments enforces the advisor hard limits: batches over the
// symbol cap are rejected outright, each delta is clamped to
// +/- min(configuredMax, 0.35), and deltas beyond 0.50 are reported as
// sanity violations (after clamping they still apply at the cap).
func ClampAdjustments(adjs []Adjustment, configuredMax float64) (ClampResult, error) {
	if len(adjs) > config.HardMaxBatchSymbols {
		return ClampResult{}, fmt.Errorf("advisor batch of %d symbols exceeds cap of %d",
			len(adjs), config.HardMaxBatchSymbols)
	}
	limit := configuredMax
	if limit > config.HardMaxAdjustment || limit <= 0 {
		limit = config.HardMaxAdjustment
	}

	res := ClampResult{Adjustments: make([]Adjustment, 0, len(adjs))}
	for _, a := range adjs {
		if a.Delta > sanityFlagThreshold || a.Delta < -sanityFlagThreshold {
			res.SanityViolations = append(res.SanityViolations, a)
		}
		clamped := a
		if clamped.Delta > limit {
			clamped.Delta = limit
			res.Clamped++
		} else if clamped.Delta < -limit {
			clamped.Delta = -limit
			res.Clamped++
		}
		res.Adjustments = append(res.Adjustments, clamped)
	}
	return res, nil
}
