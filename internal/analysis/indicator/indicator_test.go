package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/market"
)

func flatBars(n int, mid, halfRange float64) market.Bars {
	out := make(market.Bars, n)
	for i := range out {
		out[i] = market.Bar{OpenTime: int64(i) * 60000, Open: mid, High: mid + halfRange, Low: mid - halfRange, Close: mid}
	}
	return out
}

func risingBars(n int) market.Bars {
	out := make(market.Bars, n)
	for i := range out {
		base := 100 + float64(i)
		out[i] = market.Bar{OpenTime: int64(i) * 60000, Open: base, High: base + 1.5, Low: base - 0.5, Close: base + 1}
	}
	return out
}

func TestATRConstantRange(t *testing.T) {
	bars := flatBars(40, 100, 1)
	series := ATR(bars, 14)
	require.Len(t, series, 40)
	assert.True(t, math.IsNaN(series[0]))
	assert.True(t, math.IsNaN(series[13]))
	atr, ok := LatestATR(bars, 14)
	require.True(t, ok)
	assert.InDelta(t, 2.0, atr, 1e-9)
}

func TestATRShortSeries(t *testing.T) {
	_, ok := LatestATR(flatBars(10, 100, 1), 14)
	assert.False(t, ok)
}

func TestSwingRanges(t *testing.T) {
	bars := market.Bars{
		{High: 10, Low: 9}, {High: 11, Low: 9.5}, {High: 12, Low: 10},
		{High: 11, Low: 8}, {High: 10, Low: 9}, {High: 13, Low: 12},
	}
	got := SwingRanges(bars, 5)
	require.Len(t, got, 2)
	assert.InDelta(t, 4.0, got[0], 1e-12)
	assert.InDelta(t, 5.0, got[1], 1e-12)
	assert.Nil(t, SwingRanges(bars[:3], 5))
}

func TestComputeTrendingSeries(t *testing.T) {
	snap := Compute(risingBars(80), Settings{})
	assert.InDelta(t, 180.0, snap.Close, 1e-9)
	assert.Greater(t, snap.EMA, snap.EMAPrev)
	assert.InDelta(t, 100.0, snap.RSI, 1e-6)
	assert.Greater(t, snap.MACD, 0.0)
	assert.Greater(t, snap.Close, snap.SMAFast)
	assert.True(t, Valid(snap.ADX))
	assert.Greater(t, snap.ADX, 25.0)
	assert.True(t, Valid(snap.BBPosition))
	values := snap.Values()
	assert.Contains(t, values, "rsi")
	assert.Contains(t, values, "atr")
}

func TestComputeEmptyIsNaN(t *testing.T) {
	snap := Compute(nil, Settings{})
	assert.True(t, math.IsNaN(snap.Close))
	assert.Empty(t, snap.Values())
}
