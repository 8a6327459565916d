package levels

import "tradecore/internal/market"

// DefaultExpansionPct is the range/open percentage above which a manipulation leg counts as
// an expansion.
const DefaultExpansionPct = 0.5

// Bias is the direction a pattern or phase points to.
type Bias string

const (
	BiasBullish  Bias = "bullish"
	BiasBearish  Bias = "bearish"
	BiasReversal Bias = "reversal"
)

// ManipulationType tells an expansion leg from a quiet one.
type ManipulationType string

const (
	ManipulationRangeExpansion ManipulationType = "range_expansion"
	ManipulationConsolidation  ManipulationType = "consolidation"
)

// Manipulation summarises the bars of a manipulation phase.
type Manipulation struct {
	High      float64          `json:"high"`
	Low       float64          `json:"low"`
	Range     float64          `json:"range"`
	RangePct  float64          `json:"range_pct"`
	Direction Bias             `json:"direction"`
	Type      ManipulationType `json:"type"`
	KeyLevels [5]float64       `json:"key_levels"`
}

// Expansion reports whether the leg is a range expansion.
func (m Manipulation) Expansion() bool { return m.Type == ManipulationRangeExpansion }

var manipulationFractions = [5]float64{0, 0.33, 0.5, 0.67, 1}

// AnalyzeManipulationPhase measures the high/low range of bars, their direction from first
// open to last close, and the 0/33/50/67/100% levels of the range. expansionPct <= 0 uses
// DefaultExpansionPct.
func AnalyzeManipulationPhase(bars market.Bars, expansionPct float64) (Manipulation, bool) {
	if len(bars) == 0 {
		return Manipulation{}, false
	}
	if expansionPct <= 0 {
		expansionPct = DefaultExpansionPct
	}
	hi, lo := bars[0].High, bars[0].Low
	for _, b := range bars[1:] {
		if b.High > hi {
			hi = b.High
		}
		if b.Low < lo {
			lo = b.Low
		}
	}
	open := bars[0].Open
	last := bars[len(bars)-1].Close
	m := Manipulation{High: hi, Low: lo, Range: hi - lo, Direction: BiasBearish, Type: ManipulationConsolidation}
	if last > open {
		m.Direction = BiasBullish
	}
	if open > 0 {
		m.RangePct = m.Range / open * 100
	}
	if m.RangePct > expansionPct {
		m.Type = ManipulationRangeExpansion
	}
	for i, f := range manipulationFractions {
		m.KeyLevels[i] = lo + m.Range*f
	}
	return m, true
}
