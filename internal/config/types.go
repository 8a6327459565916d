package config

import (
	"strings"

	"tradecore/internal/market"
)

// Config 是 tradecore 的主配置载体。
type Config struct {
	App         AppConfig           `toml:"app"`
	Data        DataConfig          `toml:"data"`
	Backtest    BacktestConfig      `toml:"backtest"`
	Risk        RiskConfig          `toml:"risk"`
	Signal      SignalConfig        `toml:"signal"`
	Cycle       CycleConfig         `toml:"cycle"`
	Gap         GapConfig           `toml:"gap"`
	Indicators  IndicatorsConfig    `toml:"indicators"`
	Instruments []market.Instrument `toml:"instruments"`
}

type AppConfig struct {
	Env          string `toml:"env"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	LogPath      string `toml:"log_path"`
	TradeLogPath string `toml:"trade_log_path"`
	HTTPAddr     string `toml:"http_addr"`
}

// DataConfig 描述 K 线库、结果库与远端数据源。
type DataConfig struct {
	CandleDir       string            `toml:"candle_dir"`
	ResultDir       string            `toml:"result_dir"`
	JournalPath     string            `toml:"journal_path"`
	DefaultExchange string            `toml:"default_exchange"`
	BinanceREST     string            `toml:"binance_rest"`
	YahooREST       string            `toml:"yahoo_rest"`
	YahooAliases    map[string]string `toml:"yahoo_aliases"`
	Routes          map[string]string `toml:"routes"`
	RateLimitPerMin int               `toml:"rate_limit_per_min"`
	MaxBatch        int               `toml:"max_batch"`
	MaxConcurrent   int               `toml:"max_concurrent"`
	AutoFetch       bool              `toml:"auto_fetch"`
}

type BacktestConfig struct {
	Strategy          string `toml:"strategy"`
	Timeframe         string `toml:"timeframe"`
	WarmupBars        int    `toml:"warmup_bars"`
	MinWindow         int    `toml:"min_window"`
	Parallelism       int    `toml:"parallelism"`
	CloseOpenAtEnd    bool   `toml:"close_open_at_end"`
	MaxConcurrentRuns int    `toml:"max_concurrent_runs"`
	ReportDir         string `toml:"report_dir"`
}

type RiskConfig struct {
	InitialCapital float64 `toml:"initial_capital"`
	RiskPerTrade   float64 `toml:"risk_per_trade"`
	MaxPositions   int     `toml:"max_positions"`
	MaxDrawdownUSD float64 `toml:"max_drawdown_usd"`
	MarginCapPct   float64 `toml:"margin_cap_pct"`
	MaxPerCategory int     `toml:"max_per_category"`
}

// SignalConfig 对应汇合引擎与 ATR 兜底参数。
type SignalConfig struct {
	ConfluenceThreshold float64  `toml:"confluence_threshold"`
	MaxDailyTrades      int      `toml:"max_daily_trades"`
	TradingStyle        string   `toml:"trading_style"`
	MinBars             int      `toml:"min_bars"`
	RangeLookback       int      `toml:"range_lookback"`
	LevelTablePath      string   `toml:"level_table_path"`
	MinZoneStrength     *float64 `toml:"min_zone_strength"`
	LevelProximity      *float64 `toml:"level_proximity"`
	ConfluenceProximity *float64 `toml:"confluence_proximity"`
	ATRPeriod           int      `toml:"atr_period"`
	ATRStopMult         float64  `toml:"atr_stop_mult"`
	ATRTargetMult       float64  `toml:"atr_target_mult"`
}

// CycleConfig 三个阶段的起始时刻（HH:MM，Timezone 时区）。
type CycleConfig struct {
	Timezone     string  `toml:"timezone"`
	Accumulation string  `toml:"accumulation"`
	Manipulation string  `toml:"manipulation"`
	Distribution string  `toml:"distribution"`
	ExpansionPct float64 `toml:"expansion_pct"`
}

type GapConfig struct {
	MinGap   float64 `toml:"min_gap"`
	MaxRatio float64 `toml:"max_ratio"`
	Lookback int     `toml:"lookback"`
}

type IndicatorsConfig struct {
	MinConfidence float64 `toml:"min_confidence"`
	TrendADX      float64 `toml:"trend_adx"`
	ATRPeriod     int     `toml:"atr_period"`
	RSIPeriod     int     `toml:"rsi_period"`
	EMAPeriod     int     `toml:"ema_period"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
