package config

import (
	"strings"

	"tradecore/internal/analysis/indicator"
	"tradecore/internal/backtest"
	"tradecore/internal/levels"
	"tradecore/internal/market"
	"tradecore/internal/risk"
	"tradecore/internal/strategy"
)

// RiskParams 转为风控参数；缺省值已在加载时补齐，显式 0 原样传递以关闭对应限制。
func (c *Config) RiskParams() risk.Config {
	return risk.Config{
		InitialCapital: c.Risk.InitialCapital,
		RiskPerTrade:   c.Risk.RiskPerTrade,
		MaxPositions:   c.Risk.MaxPositions,
		MaxDrawdownUSD: ptrFloat(c.Risk.MaxDrawdownUSD),
		MarginCapPct:   ptrFloat(c.Risk.MarginCapPct),
		MaxPerCategory: ptrInt(c.Risk.MaxPerCategory),
	}
}

// Catalog 未配置 instruments 时使用内置品种。
func (c *Config) Catalog() (market.Catalog, error) {
	if len(c.Instruments) == 0 {
		return market.DefaultCatalog(), nil
	}
	return market.NewCatalog(c.Instruments...)
}

// SourceRoutes 返回按品种大类指定的数据源。
func (c *Config) SourceRoutes() map[market.Category]string {
	out := make(map[market.Category]string, len(c.Data.Routes))
	for cat, ex := range c.Data.Routes {
		out[market.Category(strings.ToLower(cat))] = strings.ToLower(ex)
	}
	return out
}

// Fallback 返回 ATR 兜底止损/止盈参数。
func (c *Config) Fallback() strategy.Fallback {
	return strategy.Fallback{
		ATRPeriod:  c.Signal.ATRPeriod,
		StopMult:   c.Signal.ATRStopMult,
		TargetMult: c.Signal.ATRTargetMult,
	}
}

// StrategyConfig 以 table 为机构价位表组装策略参数；run 级别的阈值与风格由模拟器覆盖。
func (c *Config) StrategyConfig(table levels.LevelTable) strategy.Config {
	sessions, _ := c.Cycle.sessions()
	size, _ := levels.StyleSize(c.Signal.TradingStyle)
	return strategy.Config{
		Confluence: strategy.ConfluenceConfig{
			MinBars:             c.Signal.MinBars,
			RangeLookback:       c.Signal.RangeLookback,
			RangeSize:           size,
			LevelTable:          table,
			Sessions:            sessions,
			ExpansionPct:        c.Cycle.ExpansionPct,
			GapRules:            levels.GapRules{MinGap: c.Gap.MinGap, MaxRatio: c.Gap.MaxRatio},
			GapLookback:         c.Gap.Lookback,
			MinZoneStrength:     c.Signal.MinZoneStrength,
			LevelProximity:      c.Signal.LevelProximity,
			ConfluenceProximity: c.Signal.ConfluenceProximity,
			Threshold:           ptrFloat(c.Signal.ConfluenceThreshold),
			MaxSignals:          c.Signal.MaxDailyTrades,
		},
		Indicators: strategy.IndicatorConfig{
			Settings: indicator.Settings{
				ATRPeriod: c.Indicators.ATRPeriod,
				RSIPeriod: c.Indicators.RSIPeriod,
				EMAPeriod: c.Indicators.EMAPeriod,
			},
			MinConfidence: c.Indicators.MinConfidence,
			TrendADX:      c.Indicators.TrendADX,
		},
	}
}

// RunDefaults 返回模拟器的默认运行参数。
func (c *Config) RunDefaults() backtest.RunConfig {
	return backtest.RunConfig{
		Strategy:            c.Backtest.Strategy,
		Timeframe:           c.Backtest.Timeframe,
		WarmupBars:          c.Backtest.WarmupBars,
		MinWindow:           c.Backtest.MinWindow,
		Parallelism:         c.Backtest.Parallelism,
		CloseOpenAtEnd:      c.Backtest.CloseOpenAtEnd,
		Risk:                c.RiskParams(),
		ConfluenceThreshold: c.Signal.ConfluenceThreshold,
		MaxDailyTrades:      c.Signal.MaxDailyTrades,
		TradingStyle:        c.Signal.TradingStyle,
	}
}

func (c *CycleConfig) sessions() (levels.Sessions, error) {
	return levels.ParseSessions(c.Timezone, c.Accumulation, c.Manipulation, c.Distribution)
}

func ptrFloat(v float64) *float64 { return &v }

func ptrInt(v int) *int { return &v }
