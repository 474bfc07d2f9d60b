package compliance

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tradepilot/tradepilot/internal/eventlog"
)

// LogOutcomeSource reads prediction/outcome pairs back out of the event log.
// The order manager records a completion payload for each filled order that
// carries the signal's predicted confidence and the realized return; orders
// without a signal (manual submissions) carry no prediction and are skipped.
//
// The source is incremental: it remembers the last sequence number it saw and
// only reads forward, keeping a bounded in-memory tail of pairs.
type LogOutcomeSource struct {
	log eventlog.Log

	mu      sync.Mutex
	lastSeq uint64
	pairs   []Prediction
	keep    int
}

// NewLogOutcomeSource creates a source retaining up to keep pairs.
func NewLogOutcomeSource(log eventlog.Log, keep int) *LogOutcomeSource {
	if keep <= 0 {
		keep = 500
	}
	return &LogOutcomeSource{log: log, keep: keep}
}

type outcomePayload struct {
	Symbol    string  `json:"symbol"`
	Predicted float64 `json:"predicted"`
	Realized  float64 `json:"realized"`
	HasSignal bool    `json:"has_signal"`
}

// RecentPairs returns up to n of the newest completed-order pairs.
func (s *LogOutcomeSource) RecentPairs(ctx context.Context, n int) ([]Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		entries, err := s.log.List(ctx, s.lastSeq, 1000, eventlog.KindOrderDone)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			s.lastSeq = e.Seq
			var p outcomePayload
			if err := json.Unmarshal(e.Payload, &p); err != nil || !p.HasSignal {
				continue
			}
			s.pairs = append(s.pairs, Prediction{
				Symbol:    p.Symbol,
				Predicted: p.Predicted,
				Realized:  p.Realized,
				TS:        e.TS,
			})
		}
		if len(s.pairs) > s.keep {
			s.pairs = s.pairs[len(s.pairs)-s.keep:]
		}
		if len(entries) < 1000 {
			break
		}
	}

	out := s.pairs
	if len(out) > n {
		out = out[len(out)-n:]
	}
	cp := make([]Prediction, len(out))
	copy(cp, out)
	return cp, nil
}

// StaticOutcomeSource serves a fixed pair set; used by tests and the replay
// command.
type StaticOutcomeSource struct{ Set []Prediction }

// RecentPairs returns the newest n pairs of the fixed set.
func (s *StaticOutcomeSource) RecentPairs(_ context.Context, n int) ([]Prediction, error) {
	if len(s.Set) > n {
		return s.Set[len(s.Set)-n:], nil
	}
	return s.Set, nil
}
