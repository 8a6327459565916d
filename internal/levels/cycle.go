package levels

import (
	"fmt"
	"strings"
	"time"

	"tradecore/internal/market"
)

// Phase is one of the three session phases of a trading day.
type Phase string

const (
	PhaseAccumulation Phase = "accumulation"
	PhaseManipulation Phase = "manipulation"
	PhaseDistribution Phase = "distribution"
)

const day = 24 * time.Hour

// Sessions holds the wall-clock start of each phase in Location. Each phase ends where the
// next one starts, so the three half-open windows cover the whole day.
type Sessions struct {
	Location          *time.Location
	AccumulationStart time.Duration
	ManipulationStart time.Duration
	DistributionStart time.Duration
}

// DefaultSessions returns accumulation 20:00, manipulation 05:00 and distribution 11:00 UTC.
func DefaultSessions() Sessions {
	return Sessions{
		Location:          time.UTC,
		AccumulationStart: 20 * time.Hour,
		ManipulationStart: 5 * time.Hour,
		DistributionStart: 11 * time.Hour,
	}
}

// ParseSessions builds Sessions from a time zone name and three "HH:MM" start times.
func ParseSessions(tz, accumulation, manipulation, distribution string) (Sessions, error) {
	loc := time.UTC
	if name := strings.TrimSpace(tz); name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			return Sessions{}, fmt.Errorf("cycle timezone %q: %w", tz, err)
		}
		loc = l
	}
	acc, err := parseClock(accumulation)
	if err != nil {
		return Sessions{}, err
	}
	man, err := parseClock(manipulation)
	if err != nil {
		return Sessions{}, err
	}
	dist, err := parseClock(distribution)
	if err != nil {
		return Sessions{}, err
	}
	s := Sessions{Location: loc, AccumulationStart: acc, ManipulationStart: man, DistributionStart: dist}
	if err := s.Validate(); err != nil {
		return Sessions{}, err
	}
	return s, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("session time %q: expected HH:MM", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Validate checks that the starts are distinct and follow accumulation -> manipulation ->
// distribution around the clock.
func (s Sessions) Validate() error {
	for _, d := range []time.Duration{s.AccumulationStart, s.ManipulationStart, s.DistributionStart} {
		if d < 0 || d >= day {
			return fmt.Errorf("session start %s outside one day", d)
		}
	}
	a := cyclic(s.ManipulationStart - s.AccumulationStart)
	b := cyclic(s.DistributionStart - s.ManipulationStart)
	c := cyclic(s.AccumulationStart - s.DistributionStart)
	if a == 0 || b == 0 || c == 0 || a+b+c != day {
		return fmt.Errorf("session starts must be distinct and ordered accumulation, manipulation, distribution")
	}
	return nil
}

func cyclic(d time.Duration) time.Duration {
	d %= day
	if d < 0 {
		d += day
	}
	return d
}

// Loc returns the session location, UTC when unset.
func (s Sessions) Loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// PhaseAt returns the phase that contains t.
func (s Sessions) PhaseAt(t time.Time) Phase {
	local := t.In(s.Loc())
	tod := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	switch {
	case within(tod, s.ManipulationStart, s.DistributionStart):
		return PhaseManipulation
	case within(tod, s.DistributionStart, s.AccumulationStart):
		return PhaseDistribution
	default:
		return PhaseAccumulation
	}
}

// within reports whether tod lies in the half-open window [start, end), which may wrap
// past midnight.
func within(tod, start, end time.Duration) bool {
	if start < end {
		return tod >= start && tod < end
	}
	return tod >= start || tod < end
}

// PhaseWindow holds the bars of one phase and the open times of the first and last of them.
type PhaseWindow struct {
	Phase Phase       `json:"phase"`
	Start time.Time   `json:"start"`
	End   time.Time   `json:"end"`
	Bars  market.Bars `json:"-"`
}

// Empty reports whether the phase has no bars.
func (w PhaseWindow) Empty() bool { return len(w.Bars) == 0 }

// Cycle is the phase split of one calendar day.
type Cycle struct {
	Day          time.Time   `json:"day"`
	Accumulation PhaseWindow `json:"accumulation"`
	Manipulation PhaseWindow `json:"manipulation"`
	Distribution PhaseWindow `json:"distribution"`
}

// Window returns the window of p.
func (c Cycle) Window(p Phase) PhaseWindow {
	switch p {
	case PhaseManipulation:
		return c.Manipulation
	case PhaseDistribution:
		return c.Distribution
	default:
		return c.Accumulation
	}
}

// IdentifyCyclePhase splits the bars that open on the calendar day of dayRef (in the
// session location) into the three phases.
func IdentifyCyclePhase(bars market.Bars, dayRef time.Time, s Sessions) Cycle {
	loc := s.Loc()
	ref := dayRef.In(loc)
	start := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	c := Cycle{
		Day:          start,
		Accumulation: PhaseWindow{Phase: PhaseAccumulation},
		Manipulation: PhaseWindow{Phase: PhaseManipulation},
		Distribution: PhaseWindow{Phase: PhaseDistribution},
	}
	for _, b := range bars {
		t := b.Time()
		if t.Before(start) || !t.Before(end) {
			continue
		}
		switch s.PhaseAt(t) {
		case PhaseManipulation:
			c.Manipulation.add(b)
		case PhaseDistribution:
			c.Distribution.add(b)
		default:
			c.Accumulation.add(b)
		}
	}
	return c
}

func (w *PhaseWindow) add(b market.Bar) {
	if len(w.Bars) == 0 {
		w.Start = b.Time()
	}
	w.End = b.Time()
	w.Bars = append(w.Bars, b)
}
