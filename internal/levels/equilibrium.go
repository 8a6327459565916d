package levels

import (
	"math"

	"tradecore/internal/market"
)

const (
	// DefaultDemarkerLookback is the number of trailing bars checked against the range edges.
	DefaultDemarkerLookback = 50
	// DefaultMeanWindow is the number of trailing bars averaged by MeanThreshold.
	DefaultMeanWindow = 20

	demarkerTolerance = 0.001
)

// EquilibriumCross is a close that moved through the middle of a dealing range
// (consequent encroachment).
type EquilibriumCross struct {
	Time        int64   `json:"time"`
	Direction   Bias    `json:"direction"`
	Equilibrium float64 `json:"equilibrium"`
	Close       float64 `json:"close"`
	PrevClose   float64 `json:"prev_close"`
}

// EquilibriumCrosses lists consecutive closes that straddle rng.Equilibrium strictly. A
// close landing exactly on the level is not a cross.
func EquilibriumCrosses(bars market.Bars, rng DealingRange) []EquilibriumCross {
	eq := rng.Equilibrium
	var out []EquilibriumCross
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		var dir Bias
		switch {
		case prev < eq && eq < cur:
			dir = BiasBullish
		case prev > eq && eq > cur:
			dir = BiasBearish
		default:
			continue
		}
		out = append(out, EquilibriumCross{Time: bars[i].OpenTime, Direction: dir, Equilibrium: eq, Close: cur, PrevClose: prev})
	}
	return out
}

// Demarker is a bar whose extreme touched an outer edge of the dealing range.
type Demarker struct {
	Time  int64       `json:"time"`
	Side  StopRunSide `json:"side"`
	Price float64     `json:"price"`
	Level float64     `json:"level"`
}

// ExternalDemarkers finds trailing bars (DefaultDemarkerLookback when lookback <= 0) whose
// high is within 0.1% of RangeHigh or whose low is within 0.1% of RangeLow.
func ExternalDemarkers(bars market.Bars, rng DealingRange, lookback int) []Demarker {
	if lookback <= 0 {
		lookback = DefaultDemarkerLookback
	}
	var out []Demarker
	for _, b := range bars.Tail(lookback) {
		if math.Abs(b.High-rng.RangeHigh) < math.Abs(rng.RangeHigh)*demarkerTolerance {
			out = append(out, Demarker{Time: b.OpenTime, Side: StopRunHigh, Price: b.High, Level: rng.RangeHigh})
		}
		if math.Abs(b.Low-rng.RangeLow) < math.Abs(rng.RangeLow)*demarkerTolerance {
			out = append(out, Demarker{Time: b.OpenTime, Side: StopRunLow, Price: b.Low, Level: rng.RangeLow})
		}
	}
	return out
}

// MeanThreshold blends the trailing means of close, HL2 and OHLC4 with weights 0.5, 0.3
// and 0.2. window <= 0 uses DefaultMeanWindow. ok is false for an empty window.
func MeanThreshold(bars market.Bars, window int) (float64, bool) {
	if window <= 0 {
		window = DefaultMeanWindow
	}
	tail := bars.Tail(window)
	if len(tail) == 0 {
		return 0, false
	}
	var closes, hl2, ohlc4 float64
	for _, b := range tail {
		closes += b.Close
		hl2 += (b.High + b.Low) / 2
		ohlc4 += (b.Open + b.High + b.Low + b.Close) / 4
	}
	n := float64(len(tail))
	return (closes*0.5 + hl2*0.3 + ohlc4*0.2) / n, true
}
