package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9991"
	defaultCandleDir         = "data/candles"
	defaultResultDir         = "data/results"
	defaultJournalPath       = "data/results/signals.db"
	defaultExchange          = "yahoo"
	defaultRateLimitPerMin   = 480
	defaultMaxBatch          = 1000
	defaultFetchConcurrent   = 2
	defaultStrategy          = "confluence"
	defaultTimeframe         = "1h"
	defaultWarmupBars        = 100
	defaultMinWindow         = 20
	defaultParallelism       = 4
	defaultMaxConcurrentRuns = 1
	defaultReportDir         = "data/reports"
	defaultInitialCapital    = 100000
	defaultRiskPerTrade      = 0.0025
	defaultMaxPositions      = 6
	defaultMaxDrawdownUSD    = 1500
	defaultMarginCapPct      = 0.3
	defaultMaxPerCategory    = 2
	defaultThreshold         = 0.7
	defaultMaxDailyTrades    = 3
	defaultTradingStyle      = "day_trading"
	defaultATRPeriod         = 14
	defaultATRStopMult       = 2
	defaultATRTargetMult     = 4
	defaultCycleTimezone     = "UTC"
	defaultAccumulation      = "20:00"
	defaultManipulation      = "05:00"
	defaultDistribution      = "11:00"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Cycle.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.candle_dir", &d.CandleDir, defaultCandleDir),
		stringFieldDefault("data.result_dir", &d.ResultDir, defaultResultDir),
		stringFieldDefault("data.journal_path", &d.JournalPath, defaultJournalPath),
		stringFieldDefault("data.default_exchange", &d.DefaultExchange, defaultExchange),
		intFieldDefault("data.rate_limit_per_min", &d.RateLimitPerMin, defaultRateLimitPerMin),
		intFieldDefault("data.max_batch", &d.MaxBatch, defaultMaxBatch),
		intFieldDefault("data.max_concurrent", &d.MaxConcurrent, defaultFetchConcurrent),
	)
	d.DefaultExchange = strings.ToLower(strings.TrimSpace(d.DefaultExchange))
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.strategy", &b.Strategy, defaultStrategy),
		stringFieldDefault("backtest.timeframe", &b.Timeframe, defaultTimeframe),
		intFieldDefault("backtest.warmup_bars", &b.WarmupBars, defaultWarmupBars),
		intFieldDefault("backtest.min_window", &b.MinWindow, defaultMinWindow),
		intFieldDefault("backtest.parallelism", &b.Parallelism, defaultParallelism),
		intFieldDefault("backtest.max_concurrent_runs", &b.MaxConcurrentRuns, defaultMaxConcurrentRuns),
		stringFieldDefault("backtest.report_dir", &b.ReportDir, defaultReportDir),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.initial_capital", &r.InitialCapital, defaultInitialCapital),
		floatFieldDefault("risk.risk_per_trade", &r.RiskPerTrade, defaultRiskPerTrade),
		intFieldDefault("risk.max_positions", &r.MaxPositions, defaultMaxPositions),
		floatFieldDefault("risk.max_drawdown_usd", &r.MaxDrawdownUSD, defaultMaxDrawdownUSD),
		floatFieldDefault("risk.margin_cap_pct", &r.MarginCapPct, defaultMarginCapPct),
		intFieldDefault("risk.max_per_category", &r.MaxPerCategory, defaultMaxPerCategory),
	)
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("signal.confluence_threshold", &s.ConfluenceThreshold, defaultThreshold),
		intFieldDefault("signal.max_daily_trades", &s.MaxDailyTrades, defaultMaxDailyTrades),
		stringFieldDefault("signal.trading_style", &s.TradingStyle, defaultTradingStyle),
		intFieldDefault("signal.atr_period", &s.ATRPeriod, defaultATRPeriod),
		floatFieldDefault("signal.atr_stop_mult", &s.ATRStopMult, defaultATRStopMult),
		floatFieldDefault("signal.atr_target_mult", &s.ATRTargetMult, defaultATRTargetMult),
	)
	s.TradingStyle = strings.ToLower(strings.TrimSpace(s.TradingStyle))
}

func (c *CycleConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("cycle.timezone", &c.Timezone, defaultCycleTimezone),
		stringFieldDefault("cycle.accumulation", &c.Accumulation, defaultAccumulation),
		stringFieldDefault("cycle.manipulation", &c.Manipulation, defaultManipulation),
		stringFieldDefault("cycle.distribution", &c.Distribution, defaultDistribution),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}
