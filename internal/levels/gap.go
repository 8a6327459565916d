package levels

import (
	"math"

	"tradecore/internal/market"
)

const (
	DefaultMinGap      = 5.0
	DefaultMaxGapRatio = 2.0
	DefaultGapLookback = 60
)

// GapRules are the qualification thresholds of a hidden gap pattern. Sizes are in
// instrument price units (pips for forex, ticks for futures).
type GapRules struct {
	MinGap   float64 `json:"min_gap"`
	MaxRatio float64 `json:"max_ratio"`
}

// DefaultGapRules returns min gap 5 and max ratio 2.0.
func DefaultGapRules() GapRules {
	return GapRules{MinGap: DefaultMinGap, MaxRatio: DefaultMaxGapRatio}
}

func (r GapRules) withDefaults() GapRules {
	if r.MinGap <= 0 {
		r.MinGap = DefaultMinGap
	}
	if r.MaxRatio <= 0 {
		r.MaxRatio = DefaultMaxGapRatio
	}
	return r
}

// GapKind is the direction of a gap between two consecutive bars.
type GapKind string

const (
	GapNone GapKind = ""
	GapUp   GapKind = "up"
	GapDown GapKind = "down"
)

// PatternType classifies a hidden gap pattern.
type PatternType string

const (
	PatternBullishContinuation PatternType = "bullish_continuation"
	PatternBearishContinuation PatternType = "bearish_continuation"
	PatternReversal            PatternType = "reversal"
)

// GapPattern is a three-bar pattern with two qualifying gaps and the hidden level they
// imply. Index is the position of the middle bar in the scanned series.
type GapPattern struct {
	Index       int         `json:"index"`
	Time        int64       `json:"time"`
	Gap1        float64     `json:"gap1"`
	Gap2        float64     `json:"gap2"`
	Ratio       float64     `json:"ratio"`
	HiddenLevel float64     `json:"hidden_level"`
	Direction   Bias        `json:"direction"`
	Type        PatternType `json:"type"`
}

// Gap returns the kind and size (in price units) of the gap from a to b.
func Gap(a, b market.Bar, unit float64) (GapKind, float64) {
	if unit <= 0 {
		unit = 1
	}
	switch {
	case b.Low > a.High:
		return GapUp, (b.Low - a.High) / unit
	case b.High < a.Low:
		return GapDown, (a.Low - b.High) / unit
	default:
		return GapNone, 0
	}
}

// IdentifyHiddenGapPattern checks whether b1, b2, b3 form a hidden gap pattern.
func IdentifyHiddenGapPattern(b1, b2, b3 market.Bar, inst market.Instrument, rules GapRules) (GapPattern, bool) {
	rules = rules.withDefaults()
	unit := inst.PriceUnit()
	k1, g1 := Gap(b1, b2, unit)
	k2, g2 := Gap(b2, b3, unit)
	if k1 == GapNone || k2 == GapNone || g1 <= 0 || g2 <= 0 {
		return GapPattern{}, false
	}
	ratio := math.Max(g1, g2) / math.Min(g1, g2)
	if g1 < rules.MinGap || g2 < rules.MinGap || ratio > rules.MaxRatio {
		return GapPattern{}, false
	}
	p := GapPattern{Time: b2.OpenTime, Gap1: g1, Gap2: g2, Ratio: ratio}
	switch {
	case k1 == GapUp && k2 == GapUp:
		p.Type, p.Direction = PatternBullishContinuation, BiasBullish
		p.HiddenLevel = (b1.BodyLow() + b3.BodyLow()) / 2
	case k1 == GapDown && k2 == GapDown:
		p.Type, p.Direction = PatternBearishContinuation, BiasBearish
		p.HiddenLevel = (b1.BodyHigh() + b3.BodyHigh()) / 2
	default:
		p.Type, p.Direction = PatternReversal, BiasReversal
		if b2.High > math.Max(b1.High, b3.High) {
			p.HiddenLevel = b2.High
		} else {
			p.HiddenLevel = b2.Low
		}
	}
	return p, true
}

// ScanHiddenGaps returns every qualifying pattern whose three bars lie within the last
// lookback bars, in bar order. Index refers to the middle bar in bars.
func ScanHiddenGaps(bars market.Bars, inst market.Instrument, rules GapRules, lookback int) []GapPattern {
	if lookback <= 0 {
		lookback = DefaultGapLookback
	}
	if len(bars) < 3 {
		return nil
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	var out []GapPattern
	for i := start + 1; i < len(bars)-1; i++ {
		p, ok := IdentifyHiddenGapPattern(bars[i-1], bars[i], bars[i+1], inst, rules)
		if !ok {
			continue
		}
		p.Index = i
		out = append(out, p)
	}
	return out
}
