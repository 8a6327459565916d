package config

import (
	"fmt"
	"strings"

	"tradecore/internal/levels"
	"tradecore/internal/market"
)

var knownExchanges = map[string]bool{"binance": true, "yahoo": true}

func knownCategory(name string) bool {
	for _, cat := range market.Categories() {
		if strings.EqualFold(string(cat), name) {
			return true
		}
	}
	return false
}

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Signal.validate(); err != nil {
		return err
	}
	if err := c.Cycle.validate(); err != nil {
		return err
	}
	if err := c.Gap.validate(); err != nil {
		return err
	}
	if len(c.Instruments) > 0 {
		if _, err := market.NewCatalog(c.Instruments...); err != nil {
			return fmt.Errorf("instruments: %w", err)
		}
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(a.LogFormat)) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	return nil
}

func (d *DataConfig) validate() error {
	if strings.TrimSpace(d.CandleDir) == "" {
		return fmt.Errorf("data.candle_dir is required")
	}
	if strings.TrimSpace(d.ResultDir) == "" {
		return fmt.Errorf("data.result_dir is required")
	}
	if !knownExchanges[d.DefaultExchange] {
		return fmt.Errorf("data.default_exchange must be binance or yahoo, got %q", d.DefaultExchange)
	}
	for cat, ex := range d.Routes {
		if !knownCategory(cat) {
			return fmt.Errorf("data.routes: unknown category %q", cat)
		}
		if !knownExchanges[strings.ToLower(ex)] {
			return fmt.Errorf("data.routes.%s must be binance or yahoo, got %q", cat, ex)
		}
	}
	if d.RateLimitPerMin <= 0 {
		return fmt.Errorf("data.rate_limit_per_min must be > 0")
	}
	if d.MaxBatch <= 0 || d.MaxBatch > 1500 {
		return fmt.Errorf("data.max_batch must be within (0, 1500]")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if b.WarmupBars < 0 {
		return fmt.Errorf("backtest.warmup_bars must be >= 0")
	}
	if b.MinWindow <= 0 {
		return fmt.Errorf("backtest.min_window must be > 0")
	}
	if b.Parallelism <= 0 {
		return fmt.Errorf("backtest.parallelism must be > 0")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.InitialCapital <= 0 {
		return fmt.Errorf("risk.initial_capital must be > 0")
	}
	if r.RiskPerTrade <= 0 || r.RiskPerTrade >= 1 {
		return fmt.Errorf("risk.risk_per_trade must be within (0, 1)")
	}
	if r.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if r.MaxDrawdownUSD < 0 {
		return fmt.Errorf("risk.max_drawdown_usd must be >= 0 (0 disables the breaker)")
	}
	if r.MarginCapPct < 0 || r.MarginCapPct > 1 {
		return fmt.Errorf("risk.margin_cap_pct must be within [0, 1] (0 disables the cap)")
	}
	if r.MaxPerCategory < 0 {
		return fmt.Errorf("risk.max_per_category must be >= 0 (0 disables the cap)")
	}
	return nil
}

func (s *SignalConfig) validate() error {
	if s.ConfluenceThreshold <= 0 || s.ConfluenceThreshold > 1 {
		return fmt.Errorf("signal.confluence_threshold must be within (0, 1]")
	}
	if s.MaxDailyTrades <= 0 {
		return fmt.Errorf("signal.max_daily_trades must be > 0")
	}
	if _, ok := levels.StyleSize(s.TradingStyle); !ok {
		return fmt.Errorf("signal.trading_style %q is not one of scalping/day_trading/swing_trading/position_trading", s.TradingStyle)
	}
	if s.ATRStopMult <= 0 || s.ATRTargetMult <= 0 {
		return fmt.Errorf("signal.atr_stop_mult and signal.atr_target_mult must be > 0")
	}
	return nil
}

func (c *CycleConfig) validate() error {
	if _, err := c.sessions(); err != nil {
		return fmt.Errorf("cycle: %w", err)
	}
	if c.ExpansionPct < 0 {
		return fmt.Errorf("cycle.expansion_pct must be >= 0")
	}
	return nil
}

func (g *GapConfig) validate() error {
	if g.MinGap < 0 || g.MaxRatio < 0 || g.Lookback < 0 {
		return fmt.Errorf("gap.min_gap, gap.max_ratio and gap.lookback must be >= 0")
	}
	return nil
}
