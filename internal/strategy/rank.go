package strategy

import (
	"math"
	"sort"
)

// Scorer maps a signal to its confluence score.
type Scorer func(Signal) float64

// Rank scores every signal, orders them by score desc, origin priority, entry asc and
// generation order, drops scores below threshold and keeps at most limit (limit <= 0 keeps
// all).
func Rank(signals []Signal, score Scorer, threshold float64, limit int) []RankedSignal {
	ranked := make([]RankedSignal, 0, len(signals))
	for _, s := range signals {
		ranked = append(ranked, RankedSignal{Signal: s, Score: clip01(score(s))})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranksBefore(ranked[i], ranked[j]) })
	out := ranked[:0]
	for _, r := range ranked {
		if r.Score < threshold {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func ranksBefore(a, b RankedSignal) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if pa, pb := a.Origin.Priority(), b.Origin.Priority(); pa != pb {
		return pa < pb
	}
	if a.Entry != b.Entry {
		return a.Entry < b.Entry
	}
	return a.Seq < b.Seq
}

func clip01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
