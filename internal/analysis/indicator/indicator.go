package indicator

import (
	"math"

	"github.com/markcheno/go-talib"

	"tradecore/internal/market"
)

// Settings 描述指标周期；零值使用默认周期。
type Settings struct {
	ATRPeriod  int
	EMAPeriod  int
	SMAFast    int
	SMASlow    int
	RSIPeriod  int
	BBPeriod   int
	BBDev      float64
	ADXPeriod  int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
}

func (s Settings) withDefaults() Settings {
	if s.ATRPeriod <= 0 {
		s.ATRPeriod = 14
	}
	if s.EMAPeriod <= 0 {
		s.EMAPeriod = 20
	}
	if s.SMAFast <= 0 {
		s.SMAFast = 20
	}
	if s.SMASlow <= 0 {
		s.SMASlow = 50
	}
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = 14
	}
	if s.BBPeriod <= 0 {
		s.BBPeriod = 20
	}
	if s.BBDev <= 0 {
		s.BBDev = 2
	}
	if s.ADXPeriod <= 0 {
		s.ADXPeriod = 14
	}
	if s.MACDFast <= 0 {
		s.MACDFast = 12
	}
	if s.MACDSlow <= 0 {
		s.MACDSlow = 26
	}
	if s.MACDSignal <= 0 {
		s.MACDSignal = 9
	}
	return s
}

// Snapshot 保存最后一根 K 线上的指标值；缺失的值为 NaN。
type Snapshot struct {
	Close      float64 `json:"close"`
	ATR        float64 `json:"atr"`
	EMA        float64 `json:"ema"`
	EMAPrev    float64 `json:"ema_prev"`
	SMAFast    float64 `json:"sma_fast"`
	SMASlow    float64 `json:"sma_slow"`
	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	BBUpper    float64 `json:"bb_upper"`
	BBMiddle   float64 `json:"bb_middle"`
	BBLower    float64 `json:"bb_lower"`
	BBPosition float64 `json:"bb_position"`
	BBWidth    float64 `json:"bb_width"`
	BBWidthAvg float64 `json:"bb_width_avg"`
	ADX        float64 `json:"adx"`
}

// Values 以扁平 map 形式返回，便于写入日志与 journal。
func (s Snapshot) Values() map[string]float64 {
	out := map[string]float64{
		"close":        s.Close,
		"atr":          s.ATR,
		"ema":          s.EMA,
		"ema_prev":     s.EMAPrev,
		"sma_fast":     s.SMAFast,
		"sma_slow":     s.SMASlow,
		"rsi":          s.RSI,
		"macd":         s.MACD,
		"macd_signal":  s.MACDSignal,
		"macd_hist":    s.MACDHist,
		"bb_upper":     s.BBUpper,
		"bb_middle":    s.BBMiddle,
		"bb_lower":     s.BBLower,
		"bb_position":  s.BBPosition,
		"bb_width":     s.BBWidth,
		"bb_width_avg": s.BBWidthAvg,
		"adx":          s.ADX,
	}
	for k, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(out, k)
		}
	}
	return out
}

// Compute 计算常用指标在最后一根 K 线上的值。
func Compute(bars market.Bars, cfg Settings) Snapshot {
	cfg = cfg.withDefaults()
	nan := math.NaN()
	snap := Snapshot{
		Close: nan, ATR: nan, EMA: nan, EMAPrev: nan, SMAFast: nan, SMASlow: nan, RSI: nan,
		MACD: nan, MACDSignal: nan, MACDHist: nan, BBUpper: nan, BBMiddle: nan, BBLower: nan,
		BBPosition: nan, BBWidth: nan, BBWidthAvg: nan, ADX: nan,
	}
	if len(bars) == 0 {
		return snap
	}
	closes := bars.Closes()
	highs := bars.Highs()
	lows := bars.Lows()
	snap.Close = closes[len(closes)-1]

	snap.ATR = lastValid(ATR(bars, cfg.ATRPeriod))
	ema := mask(talib.Ema(closes, cfg.EMAPeriod), cfg.EMAPeriod-1)
	snap.EMA = lastValid(ema)
	snap.EMAPrev = valueAt(ema, len(ema)-2)
	snap.SMAFast = lastValid(mask(talib.Sma(closes, cfg.SMAFast), cfg.SMAFast-1))
	snap.SMASlow = lastValid(mask(talib.Sma(closes, cfg.SMASlow), cfg.SMASlow-1))
	snap.RSI = lastValid(mask(talib.Rsi(closes, cfg.RSIPeriod), cfg.RSIPeriod))

	macdLookback := cfg.MACDSlow - 1 + cfg.MACDSignal - 1
	macd, signal, hist := talib.Macd(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	snap.MACD = lastValid(mask(macd, macdLookback))
	snap.MACDSignal = lastValid(mask(signal, macdLookback))
	snap.MACDHist = lastValid(mask(hist, macdLookback))

	upper, middle, lower := talib.BBands(closes, cfg.BBPeriod, cfg.BBDev, cfg.BBDev, talib.SMA)
	upper = mask(upper, cfg.BBPeriod-1)
	middle = mask(middle, cfg.BBPeriod-1)
	lower = mask(lower, cfg.BBPeriod-1)
	snap.BBUpper = lastValid(upper)
	snap.BBMiddle = lastValid(middle)
	snap.BBLower = lastValid(lower)
	if band := snap.BBUpper - snap.BBLower; band > 0 {
		snap.BBPosition = (snap.Close - snap.BBLower) / band
	} else if !math.IsNaN(band) {
		snap.BBPosition = 0.5
	}
	widths := make([]float64, len(upper))
	for i := range upper {
		widths[i] = nan
		if !math.IsNaN(middle[i]) && middle[i] != 0 {
			widths[i] = (upper[i] - lower[i]) / middle[i]
		}
	}
	snap.BBWidth = lastValid(widths)
	snap.BBWidthAvg = meanTail(widths, 20)

	snap.ADX = lastValid(mask(talib.Adx(highs, lows, closes, cfg.ADXPeriod), 2*cfg.ADXPeriod-1))
	return snap
}

// ATR 返回与 bars 对齐的 ATR 序列，预热区为 NaN。
func ATR(bars market.Bars, period int) []float64 {
	if period <= 0 {
		period = 14
	}
	if len(bars) <= period {
		out := make([]float64, len(bars))
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	return mask(talib.Atr(bars.Highs(), bars.Lows(), bars.Closes(), period), period)
}

// LatestATR 返回最后一个有效 ATR。
func LatestATR(bars market.Bars, period int) (float64, bool) {
	v := lastValid(ATR(bars, period))
	if math.IsNaN(v) || v <= 0 {
		return 0, false
	}
	return v, true
}

// SwingRanges 返回滚动 window 根 K 线的 max(high)-min(low)，仅包含完整窗口。
func SwingRanges(bars market.Bars, window int) []float64 {
	if window <= 1 {
		window = 5
	}
	if len(bars) < window {
		return nil
	}
	highs := talib.Max(bars.Highs(), window)
	lows := talib.Min(bars.Lows(), window)
	out := make([]float64, 0, len(bars)-window+1)
	for i := window - 1; i < len(bars); i++ {
		out = append(out, highs[i]-lows[i])
	}
	return out
}

// Valid 判断指标值是否可用。
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func mask(series []float64, lookback int) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		if i < lookback || math.IsNaN(v) || math.IsInf(v, 0) {
			out[i] = math.NaN()
			continue
		}
		out[i] = v
	}
	return out
}

func lastValid(series []float64) float64 {
	return valueAt(series, len(series)-1)
}

func valueAt(series []float64, idx int) float64 {
	if idx < 0 || idx >= len(series) {
		return math.NaN()
	}
	v := series[idx]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

func meanTail(series []float64, n int) float64 {
	sum, cnt := 0.0, 0
	for i := len(series) - 1; i >= 0 && cnt < n; i-- {
		if math.IsNaN(series[i]) {
			break
		}
		sum += series[i]
		cnt++
	}
	if cnt == 0 {
		return math.NaN()
	}
	return sum / float64(cnt)
}
