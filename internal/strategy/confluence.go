package strategy

import (
	"fmt"

	"tradecore/internal/levels"
)

// ConfluenceName is the registry name of the confluence engine.
const ConfluenceName = "confluence"

const (
	defaultMinBars             = 50
	defaultMinZoneStrength     = 0.7
	defaultLevelProximity      = 0.001
	defaultConfluenceProximity = 0.002
	defaultThreshold           = 0.6
	defaultMaxSignals          = 3

	cycleSignalStrength = 0.8
	gapSignalStrength   = 0.7

	manipulationBonus = 0.20
	levelBonus        = 0.15
	zoneBonus         = 0.10
	patternBonus      = 0.10
)

// ConfluenceConfig tunes the confluence engine. Non-positive counts and sizes take the
// defaults. The pointer fields take the defaults only when nil, so an explicit 0 is kept:
// a zero Threshold ranks every candidate and a zero proximity turns that level rule off.
type ConfluenceConfig struct {
	MinBars             int
	RangeLookback       int
	RangeSize           int64
	LevelTable          levels.LevelTable
	Sessions            levels.Sessions
	ExpansionPct        float64
	GapRules            levels.GapRules
	GapLookback         int
	MinZoneStrength     *float64
	LevelProximity      *float64
	ConfluenceProximity *float64
	Threshold           *float64
	MaxSignals          int
}

// Float returns a pointer to v, for the optional fields of ConfluenceConfig.
func Float(v float64) *float64 { return &v }

func floatOr(v *float64, def float64) *float64 {
	if v == nil || *v < 0 {
		return Float(def)
	}
	return v
}

func (c ConfluenceConfig) withDefaults() ConfluenceConfig {
	if c.MinBars <= 0 {
		c.MinBars = defaultMinBars
	}
	if c.RangeLookback <= 0 {
		c.RangeLookback = levels.DefaultRangeLookback
	}
	if c.RangeSize <= 0 {
		c.RangeSize = levels.DefaultRangeSize
	}
	if len(c.LevelTable.Levels) == 0 {
		c.LevelTable = levels.DefaultLevelTable()
	}
	if c.Sessions.Validate() != nil {
		c.Sessions = levels.DefaultSessions()
	}
	if c.ExpansionPct <= 0 {
		c.ExpansionPct = levels.DefaultExpansionPct
	}
	if c.GapLookback <= 0 {
		c.GapLookback = levels.DefaultGapLookback
	}
	c.MinZoneStrength = floatOr(c.MinZoneStrength, defaultMinZoneStrength)
	c.LevelProximity = floatOr(c.LevelProximity, defaultLevelProximity)
	c.ConfluenceProximity = floatOr(c.ConfluenceProximity, defaultConfluenceProximity)
	c.Threshold = floatOr(c.Threshold, defaultThreshold)
	if c.MaxSignals <= 0 {
		c.MaxSignals = defaultMaxSignals
	}
	return c
}

// ConfluenceEngine combines dealing-range position, institutional levels, the session
// cycle and hidden gap patterns into scored signals. It holds no mutable state and is
// safe for concurrent use.
type ConfluenceEngine struct {
	cfg ConfluenceConfig
}

// NewConfluenceEngine builds an engine with cfg, filling unset fields with defaults.
func NewConfluenceEngine(cfg ConfluenceConfig) *ConfluenceEngine {
	return &ConfluenceEngine{cfg: cfg.withDefaults()}
}

func (e *ConfluenceEngine) Name() string { return ConfluenceName }

// Config returns the effective configuration.
func (e *ConfluenceEngine) Config() ConfluenceConfig { return e.cfg }

// Analyze computes the level analytics for in. It returns Ready=false when fewer than
// MinBars bars are available.
func (e *ConfluenceEngine) Analyze(in Input) Analysis {
	a := Analysis{Symbol: in.Symbol, At: in.At}
	last, ok := in.Bars.Last()
	if !ok || len(in.Bars) < e.cfg.MinBars {
		return a
	}
	at := in.At
	if at.IsZero() {
		at = last.EndTime()
		a.At = at
	}
	rng, ok := levels.ComputeDealingRange(in.Bars, in.Instrument, e.cfg.RangeLookback, e.cfg.RangeSize)
	if !ok {
		return a
	}
	a.Ready = true
	a.Price = last.Close
	a.Range = rng
	a.Levels = levels.ComputeInstitutionalLevels(rng, e.cfg.LevelTable)
	a.Nearest, a.HasNearest = levels.NearestLevel(a.Price, a.Levels, 0)
	a.Position, _ = levels.ClassifyPricePosition(a.Price, rng)
	a.StopRuns = levels.ScanStopRuns(in.Bars, in.Instrument, 0)
	a.Expansion = levels.CheckRangeExpansion(in.Bars, rng, 0)
	a.Crosses = levels.EquilibriumCrosses(in.Bars.Tail(e.cfg.RangeLookback), rng)
	a.Demarkers = levels.ExternalDemarkers(in.Bars, rng, 0)
	a.MeanThreshold, _ = levels.MeanThreshold(in.Bars, 0)

	a.Phase = e.cfg.Sessions.PhaseAt(at)
	cycle := levels.IdentifyCyclePhase(in.Bars, at, e.cfg.Sessions)
	if !cycle.Manipulation.Empty() {
		a.Manipulation, a.HasManipulation = levels.AnalyzeManipulationPhase(cycle.Manipulation.Bars, e.cfg.ExpansionPct)
		a.Distortion, a.HasDistortion = levels.TimeDistortion(cycle.Manipulation, e.cfg.Sessions)
	}
	a.Fractals = levels.FractalCycle(cycle.Window(a.Phase), 1)
	a.Counts = levels.CountCandles(cycle)

	a.Patterns = levels.ScanHiddenGaps(in.Bars, in.Instrument, e.cfg.GapRules, e.cfg.GapLookback)
	a.Partition = levels.PartitionFor(at.In(e.cfg.Sessions.Loc()))
	a.Clues = levels.LookbackClues(in.Bars.Tail(e.cfg.GapLookback), in.Instrument, a.Partition)
	return a
}

// GenerateSignals analyses in, emits the candidate signals and returns the ranked top
// MaxSignals whose score reaches Threshold.
func (e *ConfluenceEngine) GenerateSignals(in Input) ([]RankedSignal, Analysis) {
	a := e.Analyze(in)
	if !a.Ready {
		return nil, a
	}
	cands := e.Candidates(in, a)
	ranked := Rank(cands, func(s Signal) float64 { return e.Score(s, a) }, *e.cfg.Threshold, e.cfg.MaxSignals)
	return ranked, a
}

// Candidates emits the raw signals in rule order: range position, institutional level,
// cycle phase, hidden gaps.
func (e *ConfluenceEngine) Candidates(in Input, a Analysis) []Signal {
	var out []Signal
	emit := func(s Signal) {
		s.Symbol = in.Symbol
		s.Seq = len(out)
		out = append(out, s)
	}

	if a.Position.Extreme() && a.Position.Strength > *e.cfg.MinZoneStrength {
		s := Signal{Strength: a.Position.Strength, Entry: a.Price, Origin: OriginRangePosition}
		if a.Position.Zone == levels.ZoneDiscount {
			s.Direction, s.Stop, s.Target = Long, a.Range.RangeLow, a.Range.PremiumThreshold
		} else {
			s.Direction, s.Stop, s.Target = Short, a.Range.RangeHigh, a.Range.DiscountThreshold
		}
		s.Rationale = fmt.Sprintf("price in %s zone at %.1f%% of %d range", a.Position.Zone, a.Position.Percentage*100, a.Range.Size)
		emit(s)
	}

	if a.HasNearest && a.Nearest.Distance < a.Price*(*e.cfg.LevelProximity) &&
		(a.Nearest.Category == levels.CategoryOrderBlock || a.Nearest.Category == levels.CategoryFairValueGap) {
		dir := Short
		if a.Nearest.Percentage < 50 {
			dir = Long
		}
		emit(Signal{
			Direction: dir,
			Strength:  a.Nearest.Weight,
			Entry:     a.Price,
			Origin:    OriginLevel,
			Rationale: fmt.Sprintf("at %s level %.0f%% (%.5f)", a.Nearest.Category, a.Nearest.Percentage, a.Nearest.Price),
		})
	}

	if a.Phase == levels.PhaseManipulation && a.HasManipulation && a.Manipulation.Expansion() {
		dir := Short
		if a.Manipulation.Direction == levels.BiasBullish {
			dir = Long
		}
		emit(Signal{
			Direction: dir,
			Strength:  cycleSignalStrength,
			Entry:     a.Price,
			Origin:    OriginCyclePhase,
			Rationale: fmt.Sprintf("manipulation expansion %.2f%% %s", a.Manipulation.RangePct, a.Manipulation.Direction),
		})
	}

	for _, p := range a.Patterns {
		plan, ok := a.Partition.TradePlan(p, in.Instrument)
		if !ok {
			continue
		}
		dir := Short
		if p.Direction == levels.BiasBullish {
			dir = Long
		}
		emit(Signal{
			Direction: dir,
			Strength:  gapSignalStrength,
			Entry:     plan.Entry,
			Stop:      plan.Stop,
			Target:    plan.Target,
			Origin:    OriginHiddenGap,
			Rationale: fmt.Sprintf("%s gaps %.1f/%.1f partition %d", p.Type, p.Gap1, p.Gap2, a.Partition.Number),
		})
	}
	return out
}

// Score adds the confluence bonuses of a to the signal strength, clipped to [0, 1].
func (e *ConfluenceEngine) Score(s Signal, a Analysis) float64 {
	score := s.Strength
	if a.Phase == levels.PhaseManipulation {
		score += manipulationBonus
	}
	if a.HasNearest && a.Nearest.Distance < a.Price*(*e.cfg.ConfluenceProximity) {
		score += levelBonus
	}
	if a.Position.Extreme() {
		score += zoneBonus
	}
	if len(a.Patterns) > 0 {
		score += patternBonus
	}
	return clip01(score)
}
