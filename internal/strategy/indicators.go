package strategy

import (
	"fmt"

	"tradecore/internal/analysis/indicator"
)

const (
	MomentumName      = "momentum"
	MeanReversionName = "mean_reversion"
	CustomName        = "custom"
)

// IndicatorConfig 指标类策略的参数。
type IndicatorConfig struct {
	Settings      indicator.Settings
	MinBars       int
	MinConfidence float64
	TrendADX      float64
}

func (c IndicatorConfig) withDefaults(minBars int) IndicatorConfig {
	if c.MinBars <= 0 {
		c.MinBars = minBars
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.6
	}
	if c.TrendADX <= 0 {
		c.TrendADX = 25
	}
	return c
}

// indicatorRule 根据指标快照决定方向与置信度。
type indicatorRule func(snap indicator.Snapshot) (dir Direction, confidence float64, why string, ok bool)

// exitRule 根据入场价与快照给出止损/止盈。
type exitRule func(dir Direction, entry float64, snap indicator.Snapshot) (stop, target float64)

// indicatorStrategy 是动量/均值回归/自定义策略的公共骨架：计算指标、套用规则、按 ATR 给出出场位。
type indicatorStrategy struct {
	name   string
	origin Origin
	cfg    IndicatorConfig
	rule   indicatorRule
	exits  exitRule
}

func (s *indicatorStrategy) Name() string { return s.name }

func (s *indicatorStrategy) Analyze(in Input) Analysis {
	a := Analysis{Symbol: in.Symbol, At: in.At}
	last, ok := in.Bars.Last()
	if !ok || len(in.Bars) < s.cfg.MinBars {
		return a
	}
	if a.At.IsZero() {
		a.At = last.EndTime()
	}
	a.Ready = true
	a.Price = last.Close
	a.Indicators = indicator.Compute(in.Bars, s.cfg.Settings)
	return a
}

func (s *indicatorStrategy) GenerateSignals(in Input) ([]RankedSignal, Analysis) {
	a := s.Analyze(in)
	if !a.Ready {
		return nil, a
	}
	dir, confidence, why, ok := s.rule(a.Indicators)
	if !ok {
		return nil, a
	}
	sig := Signal{
		Symbol:    in.Symbol,
		Direction: dir,
		Strength:  confidence,
		Entry:     a.Price,
		Origin:    s.origin,
		Rationale: why,
	}
	if indicator.Valid(a.Indicators.ATR) {
		sig.Stop, sig.Target = s.exits(dir, a.Price, a.Indicators)
	}
	return Rank([]Signal{sig}, func(sg Signal) float64 { return sg.Strength }, 0, 0), a
}

// NewMomentum 趋势跟随：EMA 上行、RSI>50、MACD>0 且收盘在均线上方做多，反之做空；ATR 1.5 倍止损、3 倍止盈。
func NewMomentum(cfg IndicatorConfig) Strategy {
	cfg = cfg.withDefaults(20)
	return &indicatorStrategy{
		name:   MomentumName,
		origin: OriginMomentum,
		cfg:    cfg,
		rule: func(s indicator.Snapshot) (Direction, float64, string, bool) {
			switch {
			case s.EMA > s.EMAPrev && s.RSI > 50 && s.MACD > 0 && s.Close > s.SMAFast:
				return Long, 0.7, fmt.Sprintf("ema rising, rsi %.1f, macd %.4f", s.RSI, s.MACD), true
			case s.EMA < s.EMAPrev && s.RSI < 50 && s.MACD < 0 && s.Close < s.SMAFast:
				return Short, 0.7, fmt.Sprintf("ema falling, rsi %.1f, macd %.4f", s.RSI, s.MACD), true
			}
			return "", 0, "", false
		},
		exits: atrExits(1.5, 3.0),
	}
}

// NewMeanReversion 超卖/超买回归：RSI、布林带位置与均线偏离同时满足；ATR 1 倍止损，目标回到均线。
func NewMeanReversion(cfg IndicatorConfig) Strategy {
	cfg = cfg.withDefaults(20)
	return &indicatorStrategy{
		name:   MeanReversionName,
		origin: OriginMeanReversion,
		cfg:    cfg,
		rule: func(s indicator.Snapshot) (Direction, float64, string, bool) {
			switch {
			case s.RSI < 30 && s.BBPosition < 0.1 && s.Close < s.SMAFast*0.98:
				return Long, 0.6, fmt.Sprintf("oversold rsi %.1f bb %.2f", s.RSI, s.BBPosition), true
			case s.RSI > 70 && s.BBPosition > 0.9 && s.Close > s.SMAFast*1.02:
				return Short, 0.6, fmt.Sprintf("overbought rsi %.1f bb %.2f", s.RSI, s.BBPosition), true
			}
			return "", 0, "", false
		},
		exits: func(dir Direction, entry float64, s indicator.Snapshot) (float64, float64) {
			return entry - dir.Sign()*s.ATR, s.SMAFast
		},
	}
}

// NewCustom 五条件投票：满足比例即置信度，需达到 MinConfidence；ATR 2 倍止损、4 倍止盈。
func NewCustom(cfg IndicatorConfig) Strategy {
	cfg = cfg.withDefaults(50)
	return &indicatorStrategy{
		name:   CustomName,
		origin: OriginCustom,
		cfg:    cfg,
		rule: func(s indicator.Snapshot) (Direction, float64, string, bool) {
			trending := s.ADX > cfg.TrendADX
			long := vote(s.RSI < 30, s.MACD > s.MACDSignal, s.Close < s.BBLower, s.EMA > s.SMASlow, trending)
			short := vote(s.RSI > 70, s.MACD < s.MACDSignal, s.Close > s.BBUpper, s.EMA < s.SMASlow, trending)
			switch {
			case long >= cfg.MinConfidence:
				return Long, long, fmt.Sprintf("%.0f%% long conditions, adx %.1f", long*100, s.ADX), true
			case short >= cfg.MinConfidence:
				return Short, short, fmt.Sprintf("%.0f%% short conditions, adx %.1f", short*100, s.ADX), true
			}
			return "", 0, "", false
		},
		exits: atrExits(2, 4),
	}
}

func atrExits(stopMult, targetMult float64) exitRule {
	return func(dir Direction, entry float64, s indicator.Snapshot) (float64, float64) {
		return entry - dir.Sign()*s.ATR*stopMult, entry + dir.Sign()*s.ATR*targetMult
	}
}

func vote(conds ...bool) float64 {
	if len(conds) == 0 {
		return 0
	}
	n := 0
	for _, c := range conds {
		if c {
			n++
		}
	}
	return float64(n) / float64(len(conds))
}
