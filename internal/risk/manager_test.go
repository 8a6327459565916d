package risk

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"tradecore/internal/market"
	"tradecore/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 12, 15, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T) market.Catalog {
	t.Helper()
	c, err := market.NewCatalog(
		market.Instrument{Symbol: "ES", Category: market.CategoryFutures, TickSize: 0.25, TickValue: 12.5, Margin: 13200},
		market.Instrument{Symbol: "NQ", Category: market.CategoryFutures, TickSize: 0.25, TickValue: 5, Margin: 17600},
		market.Instrument{Symbol: "EURUSD", Category: market.CategoryForex, PipSize: 0.0001, PipValue: 10, LotSize: 100000, MarginRate: 0.02},
		market.Instrument{Symbol: "GBPUSD", Category: market.CategoryForex, PipSize: 0.0001, PipValue: 10, LotSize: 100000, MarginRate: 0.02},
		market.Instrument{Symbol: "BTCUSDT", Category: market.CategoryCrypto},
		market.Instrument{Symbol: "ETHUSDT", Category: market.CategoryCrypto},
		market.Instrument{Symbol: "AAPL", Category: market.CategoryEquity},
	)
	require.NoError(t, err)
	return c
}

func entry(symbol string, dir strategy.Direction, size, price, stop, target float64) EntryRequest {
	return EntryRequest{Symbol: symbol, Direction: dir, Size: size, Entry: price, Stop: stop, Target: target, At: t0}
}

func TestSizePosition(t *testing.T) {
	m := NewManager(Config{}, testCatalog(t))

	t.Run("futures risk larger than budget", func(t *testing.T) {
		size, err := m.SizePosition("ES", 4500, 4480, 100000)
		assert.ErrorIs(t, err, ErrInvalidSizing)
		assert.Zero(t, size)
	})
	t.Run("zero price risk", func(t *testing.T) {
		_, err := m.SizePosition("ES", 4500, 4500, 100000)
		assert.ErrorIs(t, err, ErrInvalidSizing)
	})
	t.Run("futures whole contracts", func(t *testing.T) {
		size, err := m.SizePosition("ES", 4500, 4498, 100000)
		require.NoError(t, err)
		assert.Equal(t, 2.0, size)
	})
	t.Run("margin cap", func(t *testing.T) {
		size, err := m.SizePosition("NQ", 15000, 14999, 100000)
		require.NoError(t, err)
		assert.Equal(t, 1.0, size)
	})
	t.Run("unknown symbol", func(t *testing.T) {
		_, err := m.SizePosition("CL", 80, 79, 100000)
		assert.ErrorIs(t, err, market.ErrUnknownInstrument)
	})
}

func TestAcceptEntryMaxPositions(t *testing.T) {
	m := NewManager(Config{}, testCatalog(t))
	for _, sym := range []string{"ES", "NQ", "EURUSD", "GBPUSD", "BTCUSDT", "ETHUSDT"} {
		require.NoError(t, m.AcceptEntry(entry(sym, strategy.Long, 1, 100, 90, 120)), sym)
	}
	err := m.AcceptEntry(entry("AAPL", strategy.Long, 1, 100, 90, 120))
	assert.ErrorIs(t, err, ErrMaxPositions)
	assert.ErrorIs(t, err, ErrConstraintViolation)
	assert.False(t, m.HasPosition("AAPL"))
	assert.Len(t, m.Positions(), 6)
}

func TestAcceptEntryRejections(t *testing.T) {
	m := NewManager(Config{}, testCatalog(t))
	require.NoError(t, m.AcceptEntry(entry("ES", strategy.Long, 1, 4500, 4490, 4520)))

	for i := 0; i < 3; i++ {
		err := m.AcceptEntry(entry("ES", strategy.Short, 1, 4500, 4510, 4480))
		assert.ErrorIs(t, err, ErrDuplicatePosition)
	}

	require.NoError(t, m.AcceptEntry(entry("NQ", strategy.Long, 1, 15000, 14990, 15020)))
	err := m.AcceptEntry(entry("YM", strategy.Long, 1, 38000, 37990, 38020))
	assert.ErrorIs(t, err, market.ErrUnknownInstrument)

	err = m.AcceptEntry(entry("EURUSD", strategy.Long, 0, 1.1, 1.09, 1.12))
	assert.ErrorIs(t, err, ErrInvalidSizing)

	m3 := NewManager(Config{MaxPerCategory: ptrInt(1)}, testCatalog(t))
	require.NoError(t, m3.AcceptEntry(entry("EURUSD", strategy.Long, 1000, 1.1, 1.09, 1.12)))
	err = m3.AcceptEntry(entry("GBPUSD", strategy.Long, 1000, 1.25, 1.24, 1.27))
	assert.ErrorIs(t, err, ErrCategoryCap)
}

func TestCapitalEqualsRealizedSum(t *testing.T) {
	m := NewManager(Config{}, testCatalog(t))

	require.NoError(t, m.AcceptEntry(entry("ES", strategy.Long, 1, 4500, 4490, 4510)))
	pnl, err := m.MarkToMarket("ES", 4505)
	require.NoError(t, err)
	assert.InDelta(t, 250, pnl, 1e-9)
	assert.InDelta(t, 100250, m.Equity(), 1e-9)
	assert.InDelta(t, 100000, m.Capital(), 1e-9)

	assert.True(t, m.CheckTarget("ES", 4510))
	assert.False(t, m.CheckStop("ES", 4510))
	tr, err := m.ClosePosition("ES", 4510, ExitTakeProfit, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 500, tr.RealizedPnL, 1e-9)
	assert.Equal(t, time.Hour, tr.HoldingTime())

	require.NoError(t, m.AcceptEntry(entry("EURUSD", strategy.Short, 100000, 1.1000, 1.1010, 1.0980)))
	assert.True(t, m.CheckStop("EURUSD", 1.1010))
	tr, err = m.ClosePosition("EURUSD", 1.1010, ExitStopLoss, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, -100, tr.RealizedPnL, 1e-9)

	sum := 0.0
	for _, tr := range m.Trades() {
		sum += tr.RealizedPnL
	}
	assert.InDelta(t, 100000+sum, m.Capital(), 1e-9)
	assert.InDelta(t, 100400, m.Capital(), 1e-9)
	assert.Empty(t, m.Positions())

	_, err = m.ClosePosition("EURUSD", 1.1, ExitManual, t0)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestExcursions(t *testing.T) {
	m := NewManager(Config{}, testCatalog(t))
	require.NoError(t, m.AcceptEntry(entry("ES", strategy.Short, 1, 4500, 4510, 4480)))
	for _, px := range []float64{4495, 4508, 4490} {
		_, err := m.MarkToMarket("ES", px)
		require.NoError(t, err)
	}
	p := m.Positions()[0]
	assert.InDelta(t, 500, p.MaxFavorable, 1e-9)
	assert.InDelta(t, -400, p.MaxAdverse, 1e-9)
	assert.InDelta(t, 500, p.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 13200, p.Margin, 1e-9)
}

func TestDrawdownHalt(t *testing.T) {
	m := NewManager(Config{}, testCatalog(t))
	require.NoError(t, m.AcceptEntry(entry("ES", strategy.Long, 2, 4500, 4480, 4540)))
	require.NoError(t, m.AcceptEntry(entry("EURUSD", strategy.Long, 10000, 1.1, 1.09, 1.12)))

	_, err := m.ClosePosition("ES", 4480, ExitStopLoss, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 2000, m.Drawdown(), 1e-9)

	err = m.AcceptEntry(entry("NQ", strategy.Long, 1, 15000, 14990, 15020))
	assert.ErrorIs(t, err, ErrDrawdownLimit)
	assert.True(t, m.Halted())

	// existing positions still close after the halt
	assert.True(t, m.CheckTarget("EURUSD", 1.12))
	_, err = m.ClosePosition("EURUSD", 1.12, ExitTakeProfit, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 98200, m.Capital(), 1e-6)

	err = m.AcceptEntry(entry("NQ", strategy.Long, 1, 15000, 14990, 15020))
	assert.ErrorIs(t, err, ErrDrawdownLimit, "halt is latched")

	s := m.Summary()
	assert.True(t, s.Halted)
	assert.Equal(t, 2, s.ClosedTrades)
	assert.Zero(t, s.OpenPositions)
}

func TestDrawdownNeverNegative(t *testing.T) {
	m := NewManager(Config{}, testCatalog(t))
	require.NoError(t, m.AcceptEntry(entry("ES", strategy.Long, 1, 4500, 4490, 4520)))
	_, err := m.ClosePosition("ES", 4520, ExitTakeProfit, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.InDelta(t, 101000, m.Capital(), 1e-9)
	assert.Zero(t, m.Drawdown())
	s := m.Summary()
	assert.Zero(t, s.Drawdown)
	assert.Equal(t, 1500.0, s.MaxDrawdownUSD)
}

func TestExplicitZeroDisablesLimits(t *testing.T) {
	cfg := Config{MaxDrawdownUSD: ptrFloat(0), MarginCapPct: ptrFloat(0), MaxPerCategory: ptrInt(0)}.WithDefaults()
	require.NotNil(t, cfg.MaxDrawdownUSD)
	assert.Zero(t, *cfg.MaxDrawdownUSD)
	_, ok := cfg.DrawdownLimit()
	assert.False(t, ok)

	catalog := testCatalog(t)
	catalog["YM"] = market.Instrument{Symbol: "YM", Category: market.CategoryFutures, TickSize: 1, TickValue: 5, Margin: 9600}
	m := NewManager(cfg, catalog)

	// without a margin cap NQ sizes on risk alone: 250 / (1 * 20) = 12.5 -> 12
	size, err := m.SizePosition("NQ", 15000, 14999, 100000)
	require.NoError(t, err)
	assert.Equal(t, 12.0, size)

	require.NoError(t, m.AcceptEntry(entry("EURUSD", strategy.Long, 200000, 1.1, 1.09, 1.12)))
	_, err = m.ClosePosition("EURUSD", 1.09, ExitStopLoss, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 2000, m.Drawdown(), 1e-6)

	// past the default 1500 limit, yet nothing halts; three futures fit with the category cap off
	for _, sym := range []string{"ES", "NQ", "YM"} {
		require.NoError(t, m.AcceptEntry(entry(sym, strategy.Long, 1, 100, 90, 120)), sym)
	}
	assert.False(t, m.Halted())
	assert.Zero(t, m.Summary().MaxDrawdownUSD)
}

func TestDefaultsFillOnlyUnset(t *testing.T) {
	cfg := Config{MaxDrawdownUSD: ptrFloat(500)}.WithDefaults()
	assert.Equal(t, 500.0, *cfg.MaxDrawdownUSD)
	assert.Equal(t, 0.3, *cfg.MarginCapPct)
	assert.Equal(t, 2, *cfg.MaxPerCategory)
	assert.Equal(t, 0.0025, cfg.RiskPerTrade)
}

func TestReason(t *testing.T) {
	cases := map[string]error{
		"":                   nil,
		"invalid_sizing":     fmt.Errorf("%w: size 0", ErrInvalidSizing),
		"max_positions":      fmt.Errorf("%w: 6", ErrMaxPositions),
		"duplicate_position": ErrDuplicatePosition,
		"drawdown_limit":     ErrDrawdownLimit,
		"category_cap":       ErrCategoryCap,
		"unknown_instrument": fmt.Errorf("%w: XYZ", market.ErrUnknownInstrument),
		"other":              errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Reason(err))
	}
}
