package levels

import (
	"math"
	"sort"

	"tradecore/internal/market"
)

const (
	// DefaultStopRunLookback is the number of trailing bars scanned for stop runs.
	DefaultStopRunLookback = 20
	// DefaultExpansionWindow is the number of trailing bars checked against the range.
	DefaultExpansionWindow = 10
	// DefaultExpansionRatio is the share of bars outside the range above which it is outgrown.
	DefaultExpansionRatio = 0.8

	stopRunTolerance = 0.1
)

// stopRunSizes are the wick lengths, in price units, that mark a run on resting stops.
var stopRunSizes = []int64{9, 27, 81, 243}

// StopRunSide tells which extreme the wick swept.
type StopRunSide string

const (
	StopRunHigh StopRunSide = "high"
	StopRunLow  StopRunSide = "low"
)

// StopRun is a bar that took out the previous bar's extreme with a wick whose length is
// within 10% of a power of three.
type StopRun struct {
	Time  int64       `json:"time"`
	Side  StopRunSide `json:"side"`
	Wick  float64     `json:"wick"`
	Size  int64       `json:"size"`
	Price float64     `json:"price"`
}

// ScanStopRuns checks the trailing lookback bars (DefaultStopRunLookback when <= 0) for
// wicks beyond the previous bar's high or low. Results are in bar order.
func ScanStopRuns(bars market.Bars, inst market.Instrument, lookback int) []StopRun {
	if lookback <= 0 {
		lookback = DefaultStopRunLookback
	}
	window := bars.Tail(lookback)
	unit := inst.PriceUnit()
	var out []StopRun
	for i := 1; i < len(window); i++ {
		prev, cur := window[i-1], window[i]
		if cur.High > prev.High {
			wick := (cur.High - cur.BodyHigh()) / unit
			if size, ok := matchStopRun(wick); ok {
				out = append(out, StopRun{Time: cur.OpenTime, Side: StopRunHigh, Wick: wick, Size: size, Price: cur.High})
			}
		}
		if cur.Low < prev.Low {
			wick := (cur.BodyLow() - cur.Low) / unit
			if size, ok := matchStopRun(wick); ok {
				out = append(out, StopRun{Time: cur.OpenTime, Side: StopRunLow, Wick: wick, Size: size, Price: cur.Low})
			}
		}
	}
	return out
}

func matchStopRun(wick float64) (int64, bool) {
	for _, size := range stopRunSizes {
		if math.Abs(wick-float64(size)) < float64(size)*stopRunTolerance {
			return size, true
		}
	}
	return 0, false
}

// Expansion reports how often recent bars traded outside a dealing range.
type Expansion struct {
	Outside  int     `json:"outside"`
	Window   int     `json:"window"`
	Ratio    float64 `json:"ratio"`
	Needed   bool    `json:"needed"`
	NextSize int64   `json:"next_size"`
}

// CheckRangeExpansion counts the trailing bars whose high or low left rng. The range is
// outgrown when the outside share exceeds ratio (DefaultExpansionRatio when <= 0); NextSize
// is then the next larger power of three. Windows shorter than DefaultExpansionWindow never
// expand.
func CheckRangeExpansion(bars market.Bars, rng DealingRange, ratio float64) Expansion {
	if ratio <= 0 {
		ratio = DefaultExpansionRatio
	}
	exp := Expansion{NextSize: rng.Size}
	if len(bars) < DefaultExpansionWindow {
		return exp
	}
	window := bars.Tail(DefaultExpansionWindow)
	for _, b := range window {
		if b.High > rng.RangeHigh || b.Low < rng.RangeLow {
			exp.Outside++
		}
	}
	exp.Window = len(window)
	exp.Ratio = float64(exp.Outside) / float64(exp.Window)
	if exp.Ratio > ratio {
		exp.Needed = true
		exp.NextSize = NextPO3(rng.Size, true)
	}
	return exp
}

// NextPO3 steps size one power of three up or down, staying put at either end of the
// ladder. A size that is not a power of three snaps to the nearest one.
func NextPO3(size int64, up bool) int64 {
	i := sort.Search(len(po3Sizes), func(i int) bool { return po3Sizes[i] >= size })
	if i == len(po3Sizes) || po3Sizes[i] != size {
		return NearestPO3(float64(size))
	}
	switch {
	case up && i < len(po3Sizes)-1:
		return po3Sizes[i+1]
	case !up && i > 0:
		return po3Sizes[i-1]
	}
	return size
}
