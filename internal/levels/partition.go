package levels

import (
	"math"
	"sort"
	"time"

	"tradecore/internal/market"
)

// Partition is the lookback partition in force at a given date: it starts on Day of Month
// and carries a target size Number in price units.
type Partition struct {
	Month  time.Month `json:"month"`
	Day    int        `json:"day"`
	Number int        `json:"number"`
	Start  time.Time  `json:"start"`
}

type partitionEntry struct {
	day    int
	number int
}

var partitionCalendar = map[time.Month]partitionEntry{
	time.January:   {8, 18},
	time.February:  {7, 27},
	time.March:     {6, 36},
	time.April:     {5, 45},
	time.May:       {4, 54},
	time.June:      {3, 63},
	time.July:      {2, 72},
	time.August:    {1, 81},
	time.September: {9, 90},
	time.October:   {8, 108},
	time.November:  {7, 117},
	time.December:  {6, 126},
}

// PartitionFor returns the partition in force at t. Before the month's partition day the
// previous month's partition still applies.
func PartitionFor(t time.Time) Partition {
	year, month := t.Year(), t.Month()
	entry := partitionCalendar[month]
	if t.Day() < entry.day {
		month--
		if month < time.January {
			month = time.December
			year--
		}
		entry = partitionCalendar[month]
	}
	return Partition{
		Month:  month,
		Day:    entry.day,
		Number: entry.number,
		Start:  time.Date(year, month, entry.day, 0, 0, 0, 0, t.Location()),
	}
}

// DaysInto returns the whole days elapsed since the partition started.
func (p Partition) DaysInto(t time.Time) int {
	return int(t.Sub(p.Start) / day)
}

// TradePlan is the entry/stop/target implied by a continuation pattern.
type TradePlan struct {
	Entry     float64 `json:"entry"`
	Stop      float64 `json:"stop"`
	Target    float64 `json:"target"`
	Direction Bias    `json:"direction"`
}

// TradePlan puts the stop one partition away from the hidden level and the target two
// partitions away. Reversal patterns have no plan.
func (p Partition) TradePlan(pattern GapPattern, inst market.Instrument) (TradePlan, bool) {
	offset := float64(p.Number) * inst.PriceUnit()
	plan := TradePlan{Entry: pattern.HiddenLevel, Direction: pattern.Direction}
	switch pattern.Direction {
	case BiasBullish:
		plan.Stop = pattern.HiddenLevel - offset
		plan.Target = pattern.HiddenLevel + 2*offset
	case BiasBearish:
		plan.Stop = pattern.HiddenLevel + offset
		plan.Target = pattern.HiddenLevel - 2*offset
	default:
		return TradePlan{}, false
	}
	return plan, true
}

// ClueKind names the bar feature that matched the partition number.
type ClueKind string

const (
	ClueGap       ClueKind = "gap"
	ClueUpperWick ClueKind = "upper_wick"
	ClueLowerWick ClueKind = "lower_wick"
)

// LookbackClue is a gap or wick whose size is within 10% of the partition number.
type LookbackClue struct {
	Time    int64    `json:"time"`
	Kind    ClueKind `json:"kind"`
	Size    float64  `json:"size"`
	Target  int      `json:"target"`
	Quality float64  `json:"quality"`
}

const clueTolerance = 0.1

// LookbackClues finds gaps and wicks matching the partition number, best match first.
func LookbackClues(bars market.Bars, inst market.Instrument, p Partition) []LookbackClue {
	if p.Number <= 0 {
		return nil
	}
	unit := inst.PriceUnit()
	target := float64(p.Number)
	var out []LookbackClue
	add := func(at int64, kind ClueKind, size float64) {
		diff := math.Abs(size - target)
		if diff >= target*clueTolerance {
			return
		}
		out = append(out, LookbackClue{Time: at, Kind: kind, Size: size, Target: p.Number, Quality: 1 - diff/target})
	}
	for i, b := range bars {
		if i > 0 {
			if kind, size := Gap(bars[i-1], b, unit); kind != GapNone {
				add(b.OpenTime, ClueGap, size)
			}
		}
		add(b.OpenTime, ClueUpperWick, (b.High-b.BodyHigh())/unit)
		add(b.OpenTime, ClueLowerWick, (b.BodyLow()-b.Low)/unit)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Quality > out[j].Quality })
	return out
}
