package levels

import (
	"math"
	"sort"
)

// Level is a price inside a dealing range tagged by its table entry.
type Level struct {
	Price      float64  `json:"price"`
	Percentage float64  `json:"percentage"`
	Category   Category `json:"category"`
	Weight     float64  `json:"weight"`
}

// Nearest is the level closest to a reference price.
type Nearest struct {
	Level
	Distance float64 `json:"distance"`
}

// ComputeInstitutionalLevels projects every table entry onto rng, lowest price first.
func ComputeInstitutionalLevels(rng DealingRange, table LevelTable) []Level {
	if len(table.Levels) == 0 {
		table = DefaultLevelTable()
	}
	width := rng.Width()
	out := make([]Level, 0, len(table.Levels))
	for _, spec := range table.Levels {
		out = append(out, Level{
			Price:      rng.RangeLow + width*spec.Percentage/100,
			Percentage: spec.Percentage,
			Category:   spec.Category,
			Weight:     spec.Weight,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// NearestLevel returns the level with the smallest absolute distance to price. The first
// level wins ties. maxDistance <= 0 disables the distance cap.
func NearestLevel(price float64, levels []Level, maxDistance float64) (Nearest, bool) {
	best := Nearest{Distance: math.Inf(1)}
	found := false
	for _, l := range levels {
		d := math.Abs(price - l.Price)
		if d < best.Distance {
			best = Nearest{Level: l, Distance: d}
			found = true
		}
	}
	if !found {
		return Nearest{}, false
	}
	if maxDistance > 0 && best.Distance > maxDistance {
		return Nearest{}, false
	}
	return best, true
}
