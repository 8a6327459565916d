package levels

import "time"

// FractalPhase is one third of a parent phase window, labelled with the phase it plays
// inside the parent.
type FractalPhase struct {
	Parent Phase     `json:"parent"`
	Phase  Phase     `json:"phase"`
	Level  int       `json:"level"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Range  float64   `json:"range"`
	Bars   int       `json:"bars"`
}

var fractalOrder = [3]Phase{PhaseAccumulation, PhaseManipulation, PhaseDistribution}

// FractalCycle splits w into three consecutive thirds by bar count; the last third takes
// the remainder. Empty thirds are skipped, so a window of fewer than three bars yields a
// single distribution leg.
func FractalCycle(w PhaseWindow, level int) []FractalPhase {
	n := len(w.Bars)
	third := n / 3
	var out []FractalPhase
	for i, phase := range fractalOrder {
		from, to := i*third, (i+1)*third
		if i == len(fractalOrder)-1 {
			to = n
		}
		part := w.Bars[from:to]
		if len(part) == 0 {
			continue
		}
		fp := FractalPhase{
			Parent: w.Phase,
			Phase:  phase,
			Level:  level,
			Start:  part[0].Time(),
			End:    part[len(part)-1].Time(),
			High:   part[0].High,
			Low:    part[0].Low,
			Bars:   len(part),
		}
		for _, b := range part[1:] {
			fp.High = max(fp.High, b.High)
			fp.Low = min(fp.Low, b.Low)
		}
		fp.Range = fp.High - fp.Low
		out = append(out, fp)
	}
	return out
}

// DistortionTolerance is how far the manipulation extreme may sit from the middle of the
// session before the timing counts as distorted.
const DistortionTolerance = 30 * time.Minute

// DistortionType tells whether the manipulation extreme printed before or after the
// middle of the session.
type DistortionType string

const (
	DistortionNone  DistortionType = ""
	DistortionEarly DistortionType = "early"
	DistortionLate  DistortionType = "late"
)

// Distortion locates the dominant extreme of a manipulation window in time.
type Distortion struct {
	HighTime       time.Time      `json:"high_time"`
	LowTime        time.Time      `json:"low_time"`
	KeyTime        time.Time      `json:"key_time"`
	ExpectedMiddle time.Time      `json:"expected_middle"`
	Offset         time.Duration  `json:"offset"`
	Type           DistortionType `json:"type,omitempty"`
}

// Detected reports whether the key extreme fell outside DistortionTolerance.
func (d Distortion) Detected() bool { return d.Type != DistortionNone }

// ManipulationSpan returns the manipulation session that contains or precedes t.
func (s Sessions) ManipulationSpan(t time.Time) (time.Time, time.Time) {
	local := t.In(s.Loc())
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Loc()).Add(s.ManipulationStart)
	if start.After(local) {
		start = start.Add(-day)
	}
	length := cyclic(s.DistributionStart - s.ManipulationStart)
	return start, start.Add(length)
}

// TimeDistortion compares the time of the larger excursion from the window's first open
// against the middle of its manipulation session. The earliest bar wins ties on the
// extreme. ok is false for an empty window.
func TimeDistortion(w PhaseWindow, s Sessions) (Distortion, bool) {
	if len(w.Bars) == 0 {
		return Distortion{}, false
	}
	hi, lo := w.Bars[0], w.Bars[0]
	for _, b := range w.Bars[1:] {
		if b.High > hi.High {
			hi = b
		}
		if b.Low < lo.Low {
			lo = b
		}
	}
	start, end := s.ManipulationSpan(w.Bars[0].Time())
	d := Distortion{
		HighTime:       hi.Time(),
		LowTime:        lo.Time(),
		ExpectedMiddle: start.Add(end.Sub(start) / 2),
	}
	open := w.Bars[0].Open
	d.KeyTime = d.LowTime
	if hi.High-open > open-lo.Low {
		d.KeyTime = d.HighTime
	}
	d.Offset = d.KeyTime.Sub(d.ExpectedMiddle)
	switch {
	case d.Offset < -DistortionTolerance:
		d.Type = DistortionEarly
	case d.Offset > DistortionTolerance:
		d.Type = DistortionLate
	}
	return d, true
}

// CandleCount is the bar count of one phase capped at the 7, 13 and 21 counting marks.
type CandleCount struct {
	Phase Phase `json:"phase"`
	Count int   `json:"count"`
	At7   int   `json:"at_7"`
	At13  int   `json:"at_13"`
	At21  int   `json:"at_21"`
}

// Complete reports whether the phase has printed all 21 counted candles.
func (c CandleCount) Complete() bool { return c.Count >= 21 }

// CountCandles returns the counts of the non-empty phases of c in phase order.
func CountCandles(c Cycle) []CandleCount {
	var out []CandleCount
	for _, p := range fractalOrder {
		n := len(c.Window(p).Bars)
		if n == 0 {
			continue
		}
		out = append(out, CandleCount{Phase: p, Count: n, At7: min(7, n), At13: min(13, n), At21: min(21, n)})
	}
	return out
}
