package strategy

import (
	"tradecore/internal/analysis/indicator"
	"tradecore/internal/market"
)

// Fallback is the ATR bracket used when a signal carries no usable stop or target.
type Fallback struct {
	ATRPeriod  int
	StopMult   float64
	TargetMult float64
}

func (f Fallback) withDefaults() Fallback {
	if f.ATRPeriod <= 0 {
		f.ATRPeriod = 14
	}
	if f.StopMult <= 0 {
		f.StopMult = 2
	}
	if f.TargetMult <= 0 {
		f.TargetMult = 4
	}
	return f
}

// Levels are the prices a position opens with.
type Levels struct {
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Target     float64 `json:"target"`
	ATRApplied bool    `json:"atr_applied"`
}

// ResolveLevels completes the entry, stop and target of sig. Entry defaults to the last
// close. A stop or target that is missing or on the wrong side of the entry is replaced by
// the ATR bracket; ok is false when that is needed and ATR is unavailable.
func ResolveLevels(sig Signal, bars market.Bars, fb Fallback) (Levels, bool) {
	fb = fb.withDefaults()
	lv := Levels{Entry: sig.Entry, Stop: sig.Stop, Target: sig.Target}
	if lv.Entry <= 0 {
		last, ok := bars.Last()
		if !ok {
			return Levels{}, false
		}
		lv.Entry = last.Close
	}
	stopOK := StopValid(sig.Direction, lv.Entry, lv.Stop)
	targetOK := TargetValid(sig.Direction, lv.Entry, lv.Target)
	if stopOK && targetOK {
		return lv, true
	}
	atr, ok := indicator.LatestATR(bars, fb.ATRPeriod)
	if !ok {
		return Levels{}, false
	}
	sign := sig.Direction.Sign()
	if !stopOK {
		lv.Stop = lv.Entry - sign*atr*fb.StopMult
	}
	if !targetOK {
		lv.Target = lv.Entry + sign*atr*fb.TargetMult
	}
	lv.ATRApplied = true
	if !StopValid(sig.Direction, lv.Entry, lv.Stop) || !TargetValid(sig.Direction, lv.Entry, lv.Target) {
		return Levels{}, false
	}
	return lv, true
}

// StopValid reports whether stop is positive and on the losing side of entry.
func StopValid(dir Direction, entry, stop float64) bool {
	if stop <= 0 || entry <= 0 {
		return false
	}
	switch dir {
	case Long:
		return stop < entry
	case Short:
		return stop > entry
	default:
		return false
	}
}

// TargetValid reports whether target is positive and on the winning side of entry.
func TargetValid(dir Direction, entry, target float64) bool {
	if target <= 0 || entry <= 0 {
		return false
	}
	switch dir {
	case Long:
		return target > entry
	case Short:
		return target < entry
	default:
		return false
	}
}
