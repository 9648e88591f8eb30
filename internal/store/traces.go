package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm/clause"

	"hyperliquid-trader/pkg/types"
)

// UpsertStrategy registers (or refreshes) a rule family and the symbols it
// trades. main calls this at startup so the recovery monitor knows which
// positions have a strategy watching them.
func (s *Store) UpsertStrategy(ctx context.Context, name string, params any, symbols []string, active bool) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal strategy params: %w", err)
	}
	symbolsJSON, err := json.Marshal(symbols)
	if err != nil {
		return fmt.Errorf("marshal strategy symbols: %w", err)
	}

	row := StrategyRow{
		Name:    name,
		Params:  string(paramsJSON),
		Symbols: string(symbolsJSON),
		Active:  active,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"params", "symbols", "active", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert strategy %s: %w", name, err)
	}
	return nil
}

// ActiveStrategySymbols returns the deduplicated union of symbols covered by
// active strategies. A position on a symbol outside this set is an orphan.
func (s *Store) ActiveStrategySymbols(ctx context.Context) ([]string, error) {
	var rows []StrategyRow
	err := s.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query active strategies: %w", err)
	}

	seen := make(map[string]bool)
	for _, row := range rows {
		var symbols []string
		if err := json.Unmarshal([]byte(row.Symbols), &symbols); err != nil {
			return nil, fmt.Errorf("decode symbols for strategy %s: %w", row.Name, err)
		}
		for _, sym := range symbols {
			seen[sym] = true
		}
	}

	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

// Insight is one learner observation: what was traded under which market
// fingerprint, and what the replay evidence said about it.
type Insight struct {
	CycleID    string
	Symbol     string
	PatternKey string
	Kind       string
	Action     string
	Confidence float64
	Score      float64
	Outcome    float64 // signed from the long side
	Notes      string
}

// SaveInsight appends to the pattern memory.
func (s *Store) SaveInsight(ctx context.Context, in Insight) error {
	row := InsightRow{
		CycleID:    in.CycleID,
		Symbol:     in.Symbol,
		PatternKey: in.PatternKey,
		Kind:       in.Kind,
		Action:     in.Action,
		Confidence: in.Confidence,
		Score:      in.Score,
		Outcome:    in.Outcome,
		Notes:      in.Notes,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save insight for cycle %s: %w", in.CycleID, err)
	}
	return nil
}

// PatternMatch is one prior cycle that traded under the same fingerprint.
type PatternMatch struct {
	CycleID string
	Outcome float64
}

// PatternHistory returns the newest pattern-memory entries for a
// fingerprint key, newest first.
func (s *Store) PatternHistory(ctx context.Context, key string, limit int) ([]PatternMatch, error) {
	q := s.db.WithContext(ctx).
		Model(&InsightRow{}).
		Where("pattern_key = ?", key).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []InsightRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query pattern history %q: %w", key, err)
	}
	out := make([]PatternMatch, len(rows))
	for i, r := range rows {
		out[i] = PatternMatch{CycleID: r.CycleID, Outcome: r.Outcome}
	}
	return out, nil
}

// SaveMarketData keeps the candle tail a cycle traded on.
func (s *Store) SaveMarketData(ctx context.Context, cycleID, symbol, timeframe string, candles []types.Candle) error {
	data, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("marshal candles: %w", err)
	}
	row := MarketDataRow{
		CycleID:   cycleID,
		Symbol:    symbol,
		Timeframe: timeframe,
		Candles:   string(data),
	}
	if len(candles) > 0 {
		row.LastClose = candles[len(candles)-1].Close
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save market data for cycle %s: %w", cycleID, err)
	}
	return nil
}

// CycleTrace is the audit record the orchestrator hands over at cycle end.
// Summary is marshaled as-is; the scalar fields are what queries filter on.
type CycleTrace struct {
	CycleID    string
	Symbol     string
	Timeframe  string
	Step       string
	Regime     string
	PatternKey string
	Filled     bool
	Summary    any
}

// SaveCycleTrace writes one audit row per cycle. Re-running a cycle id
// overwrites the previous row rather than failing.
func (s *Store) SaveCycleTrace(ctx context.Context, tr CycleTrace) error {
	summary, err := json.Marshal(tr.Summary)
	if err != nil {
		return fmt.Errorf("marshal trace summary: %w", err)
	}
	row := CycleTraceRow{
		CycleID:    tr.CycleID,
		Symbol:     tr.Symbol,
		Timeframe:  tr.Timeframe,
		Step:       tr.Step,
		Regime:     tr.Regime,
		PatternKey: tr.PatternKey,
		Filled:     tr.Filled,
		Summary:    string(summary),
		CreatedAt:  time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cycle_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save trace for cycle %s: %w", tr.CycleID, err)
	}
	return nil
}
