// Package strategy turns level analytics and indicators into ranked trade signals.
package strategy

import (
	"time"

	"tradecore/internal/analysis/indicator"
	"tradecore/internal/levels"
	"tradecore/internal/market"
)

// Direction 交易方向。
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

// Origin names the rule that produced a signal.
type Origin string

const (
	OriginRangePosition Origin = "range_position"
	OriginLevel         Origin = "institutional_level"
	OriginCyclePhase    Origin = "cycle_phase"
	OriginHiddenGap     Origin = "hidden_gap"
	OriginMomentum      Origin = "momentum"
	OriginMeanReversion Origin = "mean_reversion"
	OriginCustom        Origin = "custom"
)

var originPriority = map[Origin]int{
	OriginRangePosition: 0,
	OriginLevel:         1,
	OriginCyclePhase:    2,
	OriginHiddenGap:     3,
	OriginMomentum:      4,
	OriginMeanReversion: 5,
	OriginCustom:        6,
}

// Priority orders origins when scores tie.
func (o Origin) Priority() int {
	if p, ok := originPriority[o]; ok {
		return p
	}
	return len(originPriority)
}

// Signal is a candidate trade. Stop and Target may be zero when the rule does not imply
// them; callers resolve those with ResolveLevels.
type Signal struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"`
	Entry     float64   `json:"entry"`
	Stop      float64   `json:"stop,omitempty"`
	Target    float64   `json:"target,omitempty"`
	Origin    Origin    `json:"origin"`
	Rationale string    `json:"rationale"`
	Seq       int       `json:"seq"`
}

// RankedSignal is a signal with its confluence score in [0, 1].
type RankedSignal struct {
	Signal
	Score float64 `json:"score"`
}

// Input is everything a strategy needs for one evaluation. At is the evaluation time; in
// a replay it is the close time of the last bar.
type Input struct {
	Symbol     string
	Instrument market.Instrument
	Bars       market.Bars
	At         time.Time
}

// Analysis is the snapshot a strategy computed for one evaluation. Ready is false when
// there were not enough bars.
type Analysis struct {
	Symbol string    `json:"symbol"`
	At     time.Time `json:"at"`
	Ready  bool      `json:"ready"`
	Price  float64   `json:"price"`

	Range           levels.DealingRange   `json:"range"`
	Levels          []levels.Level        `json:"levels,omitempty"`
	Nearest         levels.Nearest        `json:"nearest"`
	HasNearest      bool                  `json:"has_nearest"`
	Position        levels.PricePosition  `json:"position"`
	Phase           levels.Phase          `json:"phase,omitempty"`
	Manipulation    levels.Manipulation   `json:"manipulation"`
	HasManipulation bool                  `json:"has_manipulation"`
	Patterns        []levels.GapPattern   `json:"patterns,omitempty"`
	Partition       levels.Partition      `json:"partition"`
	Clues           []levels.LookbackClue `json:"clues,omitempty"`

	StopRuns      []levels.StopRun          `json:"stop_runs,omitempty"`
	Expansion     levels.Expansion          `json:"expansion"`
	Crosses       []levels.EquilibriumCross `json:"crosses,omitempty"`
	Demarkers     []levels.Demarker         `json:"demarkers,omitempty"`
	MeanThreshold float64                   `json:"mean_threshold"`
	Fractals      []levels.FractalPhase     `json:"fractals,omitempty"`
	Distortion    levels.Distortion         `json:"distortion"`
	HasDistortion bool                      `json:"has_distortion"`
	Counts        []levels.CandleCount      `json:"counts,omitempty"`
	Indicators      indicator.Snapshot    `json:"-"`
}

// Strategy is the capability shared by every signal generator.
type Strategy interface {
	Name() string
	Analyze(in Input) Analysis
	GenerateSignals(in Input) ([]RankedSignal, Analysis)
}
