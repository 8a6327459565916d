// Package levels computes price-level analytics over a bar window: dealing ranges sized by
// powers of three, institutional percentage levels, session cycles, hidden gap patterns and
// the lookback partition calendar. Every function is pure and takes the evaluation inputs
// explicitly; none of them read the wall clock.
package levels

import (
	"math"
	"strings"

	"tradecore/internal/analysis/indicator"
	"tradecore/internal/market"

	"github.com/shopspring/decimal"
)

const (
	// DefaultRangeLookback is the number of trailing bars used to measure swings.
	DefaultRangeLookback = 60
	// DefaultRangeSize is used when the swing cannot be measured.
	DefaultRangeSize = 81

	swingWindow       = 5
	discountFraction  = 0.33
	premiumFraction   = 0.67
	minSwingBarsCount = swingWindow
)

var po3Sizes = []int64{3, 9, 27, 81, 243, 729, 2187, 6561, 19683, 59049, 177147}

var styleSizes = map[string]int64{
	"scalping":         27,
	"day_trading":      81,
	"swing_trading":    243,
	"position_trading": 729,
}

// PO3Sizes returns the candidate range sizes in ascending order.
func PO3Sizes() []int64 {
	out := make([]int64, len(po3Sizes))
	copy(out, po3Sizes)
	return out
}

// NearestPO3 returns the power of three closest to swing. Ties resolve to the smaller size.
func NearestPO3(swing float64) int64 {
	best := po3Sizes[0]
	bestDist := math.Inf(1)
	for _, size := range po3Sizes {
		d := math.Abs(float64(size) - swing)
		if d < bestDist {
			best, bestDist = size, d
		}
	}
	return best
}

// StyleSize maps a trading style to its conventional range size.
func StyleSize(style string) (int64, bool) {
	size, ok := styleSizes[strings.ToLower(strings.TrimSpace(style))]
	return size, ok
}

// DealingRange is the power-of-three bucket that contains the evaluation price.
type DealingRange struct {
	RangeLow          float64 `json:"range_low"`
	RangeHigh         float64 `json:"range_high"`
	Equilibrium       float64 `json:"equilibrium"`
	PremiumThreshold  float64 `json:"premium_threshold"`
	DiscountThreshold float64 `json:"discount_threshold"`
	Size              int64   `json:"size"`
	AvgSwing          float64 `json:"avg_swing"`
	Price             float64 `json:"price"`
}

// Width returns RangeHigh - RangeLow.
func (r DealingRange) Width() float64 { return r.RangeHigh - r.RangeLow }

// Contains reports whether price lies inside [RangeLow, RangeHigh].
func (r DealingRange) Contains(price float64) bool {
	return price >= r.RangeLow && price <= r.RangeHigh
}

// ComputeDealingRange sizes the range from the mean 5-bar swing of the trailing lookback
// bars and places it around the last close. Fewer than 5 bars, or a flat window, fall back
// to fallback (DefaultRangeSize when fallback <= 0). ok is false only for an empty window.
func ComputeDealingRange(bars market.Bars, inst market.Instrument, lookback int, fallback int64) (DealingRange, bool) {
	last, ok := bars.Last()
	if !ok || last.Close <= 0 {
		return DealingRange{}, false
	}
	if lookback <= 0 {
		lookback = DefaultRangeLookback
	}
	if fallback <= 0 {
		fallback = DefaultRangeSize
	}
	window := bars.Tail(lookback)
	size := fallback
	avg := 0.0
	if len(window) >= minSwingBarsCount {
		swings := indicator.SwingRanges(window, swingWindow)
		for _, s := range swings {
			avg += s
		}
		if len(swings) > 0 {
			avg /= float64(len(swings))
		}
		if inst.FractionalQuote() {
			avg /= inst.PriceUnit()
		}
		if avg > 0 {
			size = NearestPO3(avg)
		}
	}
	rng := RangeAround(last.Close, size, inst)
	rng.AvgSwing = avg
	return rng, true
}

// RangeAround builds the size-wide bucket containing price. Fractional-quote instruments are
// bucketed in pips, everything else on the integer part of the price.
func RangeAround(price float64, size int64, inst market.Instrument) DealingRange {
	if size <= 0 {
		size = DefaultRangeSize
	}
	unit := decimal.NewFromInt(1)
	if inst.FractionalQuote() {
		unit = decimal.NewFromFloat(inst.PriceUnit())
	}
	base := decimal.NewFromFloat(price).Div(unit).Floor().IntPart()
	low := floorDiv(base, size) * size

	sizeDec := decimal.NewFromInt(size)
	lowDec := decimal.NewFromInt(low)
	scale := func(v decimal.Decimal) float64 {
		f, _ := v.Mul(unit).Float64()
		return f
	}
	rng := DealingRange{
		RangeLow:          scale(lowDec),
		RangeHigh:         scale(lowDec.Add(sizeDec)),
		Equilibrium:       scale(lowDec.Add(sizeDec.Div(decimal.NewFromInt(2)))),
		DiscountThreshold: scale(lowDec.Add(sizeDec.Mul(decimal.NewFromFloat(discountFraction)))),
		PremiumThreshold:  scale(lowDec.Add(sizeDec.Mul(decimal.NewFromFloat(premiumFraction)))),
		Size:              size,
		Price:             price,
	}
	return rng
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
