package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"hyperliquid-trader/internal/strategy"
	"hyperliquid-trader/pkg/types"
)

// CycleState is the object one trading cycle flows through: constructed at
// cycle start, mutated only by applying stage patches in declared order,
// persisted as a trace at cycle end, then dropped. Nothing else holds a
// reference, so the fields need no lock.
type CycleState struct {
	// Identity.
	CycleID        string          `json:"cycleId"`
	CycleStartTime time.Time       `json:"cycleStartTime"`
	CurrentStep    types.CycleStep `json:"currentStep"`

	// Inputs.
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`

	// Derived market view.
	Candles    []types.Candle       `json:"candles,omitempty"`
	Indicators *strategy.Indicators `json:"indicators,omitempty"`
	Regime     types.Regime         `json:"regime,omitempty"`

	// Pattern recall.
	SimilarPatterns  []string `json:"similarPatterns,omitempty"`
	PatternBias      string   `json:"patternBias,omitempty"`
	PatternAvgReturn float64  `json:"patternAvgReturn,omitempty"`
	PatternKey       string   `json:"patternKey,omitempty"`

	// Strategy pipeline.
	StrategyIdeas   []strategy.Idea           `json:"strategyIdeas,omitempty"`
	BacktestResults []strategy.BacktestResult `json:"backtestResults,omitempty"`
	Selected        *strategy.Selection       `json:"selectedStrategy,omitempty"`

	// Decision.
	Signal          *types.Signal         `json:"signal,omitempty"`
	RiskAssessment  *types.RiskAssessment `json:"riskAssessment,omitempty"`
	ExecutionResult *types.OrderResult    `json:"executionResult,omitempty"`

	// Control.
	ShouldExecute bool `json:"shouldExecute"`
	ShouldLearn   bool `json:"shouldLearn"`

	// Audit.
	Thoughts  []string         `json:"thoughts,omitempty"`
	Errors    []string         `json:"errors,omitempty"`
	Portfolio *types.Portfolio `json:"portfolio,omitempty"`
}

func newCycleState(symbol, timeframe string) *CycleState {
	return &CycleState{
		CycleID:        uuid.NewString(),
		CycleStartTime: time.Now().UTC(),
		CurrentStep:    types.StepInit,
		Symbol:         symbol,
		Timeframe:      timeframe,
	}
}

// stepRank orders the pipeline so CurrentStep can only move forward. The
// two terminal failure steps outrank everything.
var stepRank = map[types.CycleStep]int{
	types.StepInit:             0,
	types.StepMarketData:       1,
	types.StepPatternRecall:    2,
	types.StepStrategyIdeation: 3,
	types.StepBacktester:       4,
	types.StepStrategySelector: 5,
	types.StepRiskGate:         6,
	types.StepExecution:        7,
	types.StepLearning:         8,
	types.StepDone:             9,
	types.StepError:            10,
	types.StepSkippedBreaker:   10,
}

// advance moves CurrentStep forward; regressions are ignored.
func (s *CycleState) advance(step types.CycleStep) {
	if stepRank[step] > stepRank[s.CurrentStep] {
		s.CurrentStep = step
	}
}

// StagePatch is one stage's partial output. Scalars and pointers overwrite
// on merge (last write wins); Thoughts and Errors append. Pointer fields
// distinguish "leave alone" (nil) from "set to the zero value".
type StagePatch struct {
	Candles          []types.Candle
	Indicators       *strategy.Indicators
	Regime           types.Regime
	SimilarPatterns  []string
	PatternBias      string
	PatternAvgReturn *float64
	PatternKey       string
	StrategyIdeas    []strategy.Idea
	BacktestResults  []strategy.BacktestResult
	Selected         *strategy.Selection
	Signal           *types.Signal
	RiskAssessment   *types.RiskAssessment
	ExecutionResult  *types.OrderResult
	ShouldExecute    *bool
	ShouldLearn      *bool
	Portfolio        *types.Portfolio
	Thoughts         []string
	Errors           []string
}

func (s *CycleState) apply(p StagePatch) {
	if p.Candles != nil {
		s.Candles = p.Candles
	}
	if p.Indicators != nil {
		s.Indicators = p.Indicators
	}
	if p.Regime != "" {
		s.Regime = p.Regime
	}
	if p.SimilarPatterns != nil {
		s.SimilarPatterns = p.SimilarPatterns
	}
	if p.PatternBias != "" {
		s.PatternBias = p.PatternBias
	}
	if p.PatternAvgReturn != nil {
		s.PatternAvgReturn = *p.PatternAvgReturn
	}
	if p.PatternKey != "" {
		s.PatternKey = p.PatternKey
	}
	if p.StrategyIdeas != nil {
		s.StrategyIdeas = p.StrategyIdeas
	}
	if p.BacktestResults != nil {
		s.BacktestResults = p.BacktestResults
	}
	if p.Selected != nil {
		s.Selected = p.Selected
	}
	if p.Signal != nil {
		s.Signal = p.Signal
	}
	if p.RiskAssessment != nil {
		s.RiskAssessment = p.RiskAssessment
	}
	if p.ExecutionResult != nil {
		s.ExecutionResult = p.ExecutionResult
	}
	if p.ShouldExecute != nil {
		s.ShouldExecute = *p.ShouldExecute
	}
	if p.ShouldLearn != nil {
		s.ShouldLearn = *p.ShouldLearn
	}
	if p.Portfolio != nil {
		s.Portfolio = p.Portfolio
	}
	s.Thoughts = append(s.Thoughts, p.Thoughts...)
	s.Errors = append(s.Errors, p.Errors...)
}

func boolPtr(v bool) *bool { return &v }

func floatPtr(v float64) *float64 { return &v }

// traceCandleTail caps how many candles the persisted summary keeps.
const traceCandleTail = 20

// TraceSummary is the compact per-cycle projection written to the trace
// store and carried on cycle events.
type TraceSummary struct {
	CycleID          string                    `json:"cycleId"`
	Symbol           string                    `json:"symbol"`
	Timeframe        string                    `json:"timeframe"`
	StartedAt        time.Time                 `json:"startedAt"`
	DurationMs       int64                     `json:"durationMs"`
	Step             types.CycleStep           `json:"step"`
	Regime           types.Regime              `json:"regime,omitempty"`
	PatternKey       string                    `json:"patternKey,omitempty"`
	PatternBias      string                    `json:"patternBias,omitempty"`
	PatternAvgReturn float64                   `json:"patternAvgReturn,omitempty"`
	SimilarPatterns  []string                  `json:"similarPatterns,omitempty"`
	Ideas            []strategy.Idea           `json:"ideas,omitempty"`
	Backtests        []strategy.BacktestResult `json:"backtests,omitempty"`
	Signal           *types.Signal             `json:"signal,omitempty"`
	Risk             *types.RiskAssessment     `json:"risk,omitempty"`
	Execution        *types.OrderResult        `json:"execution,omitempty"`
	Candles          []types.Candle            `json:"candles,omitempty"`
	Thoughts         []string                  `json:"thoughts,omitempty"`
	Errors           []string                  `json:"errors,omitempty"`
}

// Summary projects the state for persistence, trimming candles to the tail.
func (s *CycleState) Summary() TraceSummary {
	candles := s.Candles
	if len(candles) > traceCandleTail {
		candles = candles[len(candles)-traceCandleTail:]
	}
	return TraceSummary{
		CycleID:          s.CycleID,
		Symbol:           s.Symbol,
		Timeframe:        s.Timeframe,
		StartedAt:        s.CycleStartTime,
		DurationMs:       time.Since(s.CycleStartTime).Milliseconds(),
		Step:             s.CurrentStep,
		Regime:           s.Regime,
		PatternKey:       s.PatternKey,
		PatternBias:      s.PatternBias,
		PatternAvgReturn: s.PatternAvgReturn,
		SimilarPatterns:  s.SimilarPatterns,
		Ideas:            s.StrategyIdeas,
		Backtests:        s.BacktestResults,
		Signal:           s.Signal,
		Risk:             s.RiskAssessment,
		Execution:        s.ExecutionResult,
		Candles:          candles,
		Thoughts:         s.Thoughts,
		Errors:           s.Errors,
	}
}

// Filled reports whether this cycle ended with a filled order.
func (s *CycleState) Filled() bool {
	return s.ExecutionResult != nil && s.ExecutionResult.Status == types.OrderFilled
}
