// Package performance turns an equity history and a trade log into summary statistics.
package performance

import (
	"math"
	"sort"
	"time"

	"tradecore/internal/risk"
)

// PeriodsPerYear annualizes period returns.
const PeriodsPerYear = 252.0

const minStd = 1e-12

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// DrawdownPoint is the relative distance below the running peak at one sample (always <= 0).
type DrawdownPoint struct {
	Time     time.Time `json:"time"`
	Peak     float64   `json:"peak"`
	Drawdown float64   `json:"drawdown"`
}

// SymbolStats aggregates closed trades of one symbol.
type SymbolStats struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	TotalPnL float64 `json:"total_pnl"`
}

func (s SymbolStats) add(pnl float64) SymbolStats {
	s.Trades++
	s.TotalPnL += pnl
	switch {
	case pnl > 0:
		s.Wins++
	case pnl < 0:
		s.Losses++
	}
	return s
}

// Report holds every statistic of a finished run. Ratios are fractions, not percentages.
type Report struct {
	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
	TotalReturn    float64 `json:"total_return"`
	TotalReturnUSD float64 `json:"total_return_usd"`
	Volatility     float64 `json:"volatility"`
	Sharpe         float64 `json:"sharpe"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	Calmar         float64 `json:"calmar"`

	Drawdowns []DrawdownPoint `json:"drawdowns,omitempty"`

	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	AverageWin  float64 `json:"average_win"`
	AverageLoss float64 `json:"average_loss"`
	// ProfitFactor is only meaningful when ProfitFactorDefined; it is 0 when no trade lost.
	ProfitFactor        float64 `json:"profit_factor"`
	ProfitFactorDefined bool    `json:"profit_factor_defined"`
	Expectancy          float64 `json:"expectancy"`

	AverageMFE     float64                `json:"average_mfe"`
	AverageMAE     float64                `json:"average_mae"`
	AverageHolding time.Duration          `json:"average_holding"`
	ExitReasons    map[string]int         `json:"exit_reasons,omitempty"`
	BySymbol       map[string]SymbolStats `json:"by_symbol,omitempty"`
	// ByOrigin groups trades by the signal origin that opened them.
	ByOrigin map[string]SymbolStats `json:"by_origin,omitempty"`
}

// Analyze computes the report. An empty equity history yields a report at the initial capital.
func Analyze(initialCapital float64, equity []EquityPoint, trades []risk.Trade) Report {
	r := Report{InitialCapital: initialCapital, FinalEquity: initialCapital}
	if len(equity) > 0 {
		r.FinalEquity = equity[len(equity)-1].Equity
	}
	r.TotalReturnUSD = r.FinalEquity - initialCapital
	if initialCapital > 0 {
		r.TotalReturn = r.TotalReturnUSD / initialCapital
	}

	returns := PeriodReturns(equity)
	r.Volatility, r.Sharpe = volatilityAndSharpe(returns)

	r.Drawdowns = DrawdownSeries(equity)
	for _, dd := range r.Drawdowns {
		if dd.Drawdown < r.MaxDrawdown {
			r.MaxDrawdown = dd.Drawdown
		}
	}
	if r.MaxDrawdown != 0 {
		r.Calmar = (r.TotalReturn * 100) / math.Abs(r.MaxDrawdown*100)
	}

	fillTradeStats(&r, trades)
	return r
}

// PeriodReturns returns the relative change between consecutive equity samples.
// Samples following a non-positive equity are skipped.
func PeriodReturns(equity []EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	prev := equity[0].Equity
	for _, pt := range equity[1:] {
		if prev > 0 {
			out = append(out, (pt.Equity-prev)/prev)
		}
		prev = pt.Equity
	}
	return out
}

// DrawdownSeries returns (equity - runningPeak) / runningPeak for every sample.
func DrawdownSeries(equity []EquityPoint) []DrawdownPoint {
	out := make([]DrawdownPoint, 0, len(equity))
	peak := math.Inf(-1)
	for _, pt := range equity {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (pt.Equity - peak) / peak
		}
		out = append(out, DrawdownPoint{Time: pt.Time, Peak: peak, Drawdown: dd})
	}
	return out
}

// volatilityAndSharpe uses the sample standard deviation (n-1). Both are 0 with fewer than
// two returns; sharpe is 0 when volatility is 0.
func volatilityAndSharpe(returns []float64) (float64, float64) {
	if len(returns) < 2 {
		return 0, 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std < minStd {
		return 0, 0
	}
	vol := std * math.Sqrt(PeriodsPerYear)
	return vol, mean * PeriodsPerYear / vol
}

func fillTradeStats(r *Report, trades []risk.Trade) {
	if len(trades) == 0 {
		return
	}
	r.ExitReasons = make(map[string]int)
	r.BySymbol = make(map[string]SymbolStats)
	r.ByOrigin = make(map[string]SymbolStats)

	var winSum, lossSum, mfeSum, maeSum, pnlSum float64
	var holding time.Duration
	for _, t := range trades {
		r.TotalTrades++
		pnlSum += t.RealizedPnL
		mfeSum += t.MaxFavorable
		maeSum += t.MaxAdverse
		holding += t.HoldingTime()
		r.ExitReasons[string(t.ExitReason)]++

		origin := t.Origin
		if origin == "" {
			origin = "unknown"
		}
		r.BySymbol[t.Symbol] = r.BySymbol[t.Symbol].add(t.RealizedPnL)
		r.ByOrigin[origin] = r.ByOrigin[origin].add(t.RealizedPnL)
		switch {
		case t.RealizedPnL > 0:
			r.Wins++
			winSum += t.RealizedPnL
		case t.RealizedPnL < 0:
			r.Losses++
			lossSum += t.RealizedPnL
		}
	}

	n := float64(r.TotalTrades)
	r.WinRate = float64(r.Wins) / n
	if r.Wins > 0 {
		r.AverageWin = winSum / float64(r.Wins)
	}
	if r.Losses > 0 {
		r.AverageLoss = lossSum / float64(r.Losses)
	}
	if r.AverageLoss != 0 {
		r.ProfitFactor = math.Abs(r.AverageWin / r.AverageLoss)
		r.ProfitFactorDefined = true
	}
	r.Expectancy = pnlSum / n
	r.AverageMFE = mfeSum / n
	r.AverageMAE = maeSum / n
	r.AverageHolding = holding / time.Duration(r.TotalTrades)
}

// Metrics flattens the report into named values. Percentages carry a _pct suffix.
func (r Report) Metrics() map[string]float64 {
	m := map[string]float64{
		"initial_capital":       r.InitialCapital,
		"final_equity":          r.FinalEquity,
		"total_return_pct":      r.TotalReturn * 100,
		"total_return_usd":      r.TotalReturnUSD,
		"volatility_pct":        r.Volatility * 100,
		"sharpe_ratio":          r.Sharpe,
		"max_drawdown_pct":      r.MaxDrawdown * 100,
		"calmar_ratio":          r.Calmar,
		"total_trades":          float64(r.TotalTrades),
		"winning_trades":        float64(r.Wins),
		"losing_trades":         float64(r.Losses),
		"win_rate":              r.WinRate,
		"average_win":           r.AverageWin,
		"average_loss":          r.AverageLoss,
		"profit_factor":         r.ProfitFactor,
		"profit_factor_defined": 0,
		"expectancy":            r.Expectancy,
		"average_mfe":           r.AverageMFE,
		"average_mae":           r.AverageMAE,
		"average_holding_hours": r.AverageHolding.Hours(),
	}
	if r.ProfitFactorDefined {
		m["profit_factor_defined"] = 1
	}
	for reason, n := range r.ExitReasons {
		m["exits_"+reason] = float64(n)
	}
	return m
}

// MetricNames returns the keys of Metrics in sorted order.
func (r Report) MetricNames() []string {
	m := r.Metrics()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
