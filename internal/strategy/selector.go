package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"hyperliquid-trader/pkg/types"
)

// Selection pairs the winning idea with its replay evidence.
type Selection struct {
	Idea   Idea           `json:"idea"`
	Result BacktestResult `json:"result"`
}

// Select picks the highest-scoring idea whose replay cleared minScore.
// Ideas and results must be index-aligned (RunAll preserves order). Ties
// break toward the earlier idea, so generation order keeps selection
// deterministic. Returns nil when nothing clears the floor.
func Select(ideas []Idea, results []BacktestResult, minScore float64) *Selection {
	best := -1
	for i := range results {
		if i >= len(ideas) || results[i].Score < minScore {
			continue
		}
		if best == -1 || results[i].Score > results[best].Score {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return &Selection{Idea: ideas[best], Result: results[best]}
}

// Signal converts the selection into an order intent at the given mark.
// Confidence blends the rule's prior with the replay score evenly, so a
// strong idea with weak evidence (or the reverse) lands in the middle.
// Size is left 0 for the risk gate to fill in.
func (s *Selection) Signal(lastClose float64) *types.Signal {
	return &types.Signal{
		ID:         uuid.NewString(),
		StrategyID: string(s.Idea.Kind),
		Symbol:     s.Idea.Symbol,
		Action:     s.Idea.Action,
		Price:      lastClose,
		Type:       types.OrderTypeMarket,
		Confidence: 0.5*s.Idea.Confidence + 0.5*s.Result.Score,
		Reason: fmt.Sprintf("%s (score %.2f, %d trades, %.0f%% wins)",
			s.Idea.Reason, s.Result.Score, s.Result.Trades, s.Result.WinRate*100),
		Timestamp: time.Now().UTC(),
	}
}
