package levels

import (
	"testing"
	"time"

	"tradecore/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourlyBars(start time.Time, n int) market.Bars {
	out := make(market.Bars, n)
	for i := range out {
		ts := start.Add(time.Duration(i) * time.Hour).UnixMilli()
		out[i] = market.Bar{OpenTime: ts, CloseTime: ts + 3_599_999, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1}
	}
	return out
}

func TestPhaseAt(t *testing.T) {
	s := DefaultSessions()
	day := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		clock string
		want  Phase
	}{
		{"00:00", PhaseAccumulation},
		{"04:59", PhaseAccumulation},
		{"05:00", PhaseManipulation},
		{"10:59", PhaseManipulation},
		{"11:00", PhaseDistribution},
		{"19:59", PhaseDistribution},
		{"20:00", PhaseAccumulation},
		{"23:59", PhaseAccumulation},
	}
	for _, tc := range cases {
		d, err := parseClock(tc.clock)
		require.NoError(t, err)
		assert.Equal(t, tc.want, s.PhaseAt(day.Add(d)), tc.clock)
	}
}

func TestPhaseAtLocation(t *testing.T) {
	s := DefaultSessions()
	s.Location = time.FixedZone("EST", -5*3600)
	at := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, PhaseManipulation, s.PhaseAt(at))
	assert.Equal(t, PhaseDistribution, DefaultSessions().PhaseAt(at.Add(time.Hour)))
}

func TestIdentifyCyclePhase(t *testing.T) {
	day := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)
	bars := hourlyBars(day.Add(-3*time.Hour), 30)
	c := IdentifyCyclePhase(bars, day.Add(15*time.Hour), DefaultSessions())

	assert.Equal(t, day, c.Day)
	assert.Len(t, c.Accumulation.Bars, 9)
	assert.Len(t, c.Manipulation.Bars, 6)
	assert.Len(t, c.Distribution.Bars, 9)
	assert.Equal(t, day.Add(5*time.Hour), c.Manipulation.Start)
	assert.Equal(t, day.Add(10*time.Hour), c.Manipulation.End)

	seen := map[int64]Phase{}
	for _, p := range []Phase{PhaseAccumulation, PhaseManipulation, PhaseDistribution} {
		for _, b := range c.Window(p).Bars {
			_, dup := seen[b.OpenTime]
			assert.False(t, dup, "bar %d in two phases", b.OpenTime)
			seen[b.OpenTime] = p
		}
	}
	assert.Len(t, seen, 24)
}

func TestIdentifyCyclePhaseNoBars(t *testing.T) {
	c := IdentifyCyclePhase(nil, time.Now(), DefaultSessions())
	assert.True(t, c.Manipulation.Empty())
	assert.True(t, c.Accumulation.Empty())
}

func TestParseSessions(t *testing.T) {
	s, err := ParseSessions("UTC", "20:00", "05:00", "11:00")
	require.NoError(t, err)
	assert.Equal(t, DefaultSessions().ManipulationStart, s.ManipulationStart)

	_, err = ParseSessions("", "05:00", "20:00", "11:00")
	assert.Error(t, err)
	_, err = ParseSessions("", "20:00", "20:00", "11:00")
	assert.Error(t, err)
	_, err = ParseSessions("", "25:00", "05:00", "11:00")
	assert.Error(t, err)
}

func TestAnalyzeManipulationPhase(t *testing.T) {
	_, ok := AnalyzeManipulationPhase(nil, 0)
	assert.False(t, ok)

	m, ok := AnalyzeManipulationPhase(market.Bars{
		{Open: 100, High: 101, Low: 99.5, Close: 100.5},
		{Open: 100.5, High: 100.8, Low: 100.2, Close: 100.7},
	}, 0)
	require.True(t, ok)
	assert.Equal(t, BiasBullish, m.Direction)
	assert.Equal(t, ManipulationRangeExpansion, m.Type)
	assert.InDelta(t, 1.5, m.Range, 1e-9)
	assert.InDelta(t, 1.5, m.RangePct, 1e-9)
	assert.InDelta(t, 99.5, m.KeyLevels[0], 1e-9)
	assert.InDelta(t, 100.25, m.KeyLevels[2], 1e-9)
	assert.InDelta(t, 101, m.KeyLevels[4], 1e-9)

	m, ok = AnalyzeManipulationPhase(market.Bars{
		{Open: 100, High: 100.2, Low: 99.9, Close: 99.95},
	}, 0)
	require.True(t, ok)
	assert.Equal(t, BiasBearish, m.Direction)
	assert.Equal(t, ManipulationConsolidation, m.Type)
	assert.False(t, m.Expansion())
}
