package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradecore/internal/levels"
	"tradecore/internal/market"
	"tradecore/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadWithIncludeAndDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "risk.yaml", `
risk:
  initial_capital: 50000
  max_positions: 3
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - risk.yaml
app:
  log_level: debug
data:
  default_exchange: Binance
  yahoo_aliases:
    ES: "ES=F"
  routes:
    Futures: Yahoo
signal:
  confluence_threshold: 0.8
  trading_style: Swing_Trading
cycle:
  timezone: America/New_York
instruments:
  - symbol: es
    category: futures
    tick_size: 0.25
    tick_value: 12.5
    margin: 13200
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, defaultAppLogFormat, cfg.App.LogFormat)
	assert.Equal(t, "binance", cfg.Data.DefaultExchange)
	assert.Equal(t, "ES=F", cfg.Data.YahooAliases["es"])
	assert.Equal(t, map[market.Category]string{market.CategoryFutures: "yahoo"}, cfg.SourceRoutes())
	assert.Equal(t, 50000.0, cfg.Risk.InitialCapital)
	assert.Equal(t, 3, cfg.Risk.MaxPositions)
	assert.Equal(t, defaultRiskPerTrade, cfg.Risk.RiskPerTrade)
	assert.Equal(t, "swing_trading", cfg.Signal.TradingStyle)
	assert.Equal(t, defaultMaxDailyTrades, cfg.Signal.MaxDailyTrades)
	assert.Equal(t, defaultTimeframe, cfg.Backtest.Timeframe)

	cat, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, []string{"ES"}, cat.Symbols())
	inst, err := cat.Lookup("ES")
	require.NoError(t, err)
	assert.Equal(t, market.CategoryFutures, inst.Category)

	defaults := cfg.RunDefaults()
	assert.Equal(t, 0.8, defaults.ConfluenceThreshold)
	assert.Equal(t, 50000.0, defaults.Risk.InitialCapital)
	assert.Equal(t, "confluence", defaults.Strategy)

	sc := cfg.StrategyConfig(levels.DefaultLevelTable())
	assert.Equal(t, int64(243), sc.Confluence.RangeSize)
	require.NotNil(t, sc.Confluence.Threshold)
	assert.Equal(t, 0.8, *sc.Confluence.Threshold)
	assert.Equal(t, "America/New_York", sc.Confluence.Sessions.Location.String())
	assert.Equal(t, 20*time.Hour, sc.Confluence.Sessions.AccumulationStart)

	fb := cfg.Fallback()
	assert.Equal(t, defaultATRPeriod, fb.ATRPeriod)
	assert.Equal(t, float64(defaultATRTargetMult), fb.TargetMult)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
risk:
  initial_capital: 50000
`)
	t.Setenv("TRADECORE_RISK_INITIAL_CAPITAL", "75000")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 75000.0, cfg.Risk.InitialCapital)
}

func TestLoadKeepsExplicitZeros(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
risk:
  max_drawdown_usd: 0
  margin_cap_pct: 0
  max_per_category: 0
signal:
  min_zone_strength: 0
  level_proximity: 0.004
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rp := cfg.RiskParams()
	require.NotNil(t, rp.MaxDrawdownUSD)
	assert.Zero(t, *rp.MaxDrawdownUSD)
	_, ok := rp.WithDefaults().DrawdownLimit()
	assert.False(t, ok)
	_, ok = rp.WithDefaults().MarginCap()
	assert.False(t, ok)
	_, ok = rp.WithDefaults().CategoryCap()
	assert.False(t, ok)

	eng := strategy.NewConfluenceEngine(cfg.StrategyConfig(levels.DefaultLevelTable()).Confluence)
	eff := eng.Config()
	assert.Zero(t, *eff.MinZoneStrength)
	assert.Equal(t, 0.004, *eff.LevelProximity)
	assert.Equal(t, 0.002, *eff.ConfluenceProximity, "absent keys still take the engine default")
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"explicit zero positions": "risk:\n  max_positions: 0\n",
		"negative drawdown":       "risk:\n  max_drawdown_usd: -1\n",
		"threshold above one":     "signal:\n  confluence_threshold: 1.5\n",
		"unknown style":           "signal:\n  trading_style: yolo\n",
		"bad exchange":            "data:\n  default_exchange: cme\n",
		"route to unknown source": "data:\n  routes:\n    crypto: kraken\n",
		"route for unknown class": "data:\n  routes:\n    bond: yahoo\n",
		"bad session clock":       "cycle:\n  accumulation: \"25:00\"\n",
		"bad log level":           "app:\n  log_level: loud\n",
		"bad instrument":          "instruments:\n  - symbol: XX\n    category: bond\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	assert.ErrorContains(t, err, "include cycle")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate(cfg))
	cat, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, market.DefaultCatalog(), cat)
	assert.Equal(t, int64(81), cfg.StrategyConfig(levels.DefaultLevelTable()).Confluence.RangeSize)
}

func TestLoadIncludeGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "parts"), 0o755))
	writeFile(t, dir, "parts/10-risk.yaml", "risk:\n  max_positions: 4\n")
	writeFile(t, dir, "parts/20-risk.yaml", "risk:\n  max_positions: 5\n")
	path := writeFile(t, dir, "config.yaml", "include: parts/*.yaml\nsignal:\n  max_daily_trades: 2\n")

	files, err := includeChain(path)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "10-risk.yaml", filepath.Base(files[0]))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Risk.MaxPositions)
	assert.Equal(t, 2, cfg.Signal.MaxDailyTrades)
}

func TestSettingKeys(t *testing.T) {
	keys := settingKeys(map[string]any{
		"Risk":        map[string]any{"initial_capital": 1},
		"instruments": []any{map[any]any{"symbol": "ES"}},
	})
	assert.True(t, keys.isSet("risk.initial_capital"))
	assert.True(t, keys.isSet("instruments"))
	assert.True(t, keys.isSet("instruments.symbol"))
	assert.False(t, keys.isSet("risk.max_positions"))
}
