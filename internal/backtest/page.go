package backtest

import (
	"strings"

	"tradecore/internal/performance"
	"tradecore/internal/report"
	"tradecore/internal/risk"
)

// ReportPage 由持久化的运行记录重建报告页：绩效从资金曲线与成交重算，
// 风控闸门与数据源失败取自运行统计。
func ReportPage(run Run, snaps []Snapshot, trades []risk.Trade) report.Page {
	equity := EquityCurve(snaps)
	limit, _ := run.Config.Risk.DrawdownLimit()
	key := run.ConfigKey
	if key == "" {
		key = run.Config.Key()
	}
	return report.Page{
		Title:    run.Strategy + " " + run.ID,
		Subtitle: strings.Join(run.Symbols, ",") + " " + run.Timeframe,
		Equity:   equity,
		Report:   performance.Analyze(run.InitialCapital, equity, trades),
		Risk: report.RiskPanel{
			ConfigKey:     key,
			Signals:       run.Stats.Signals,
			Rejections:    run.Stats.Rejections,
			Halted:        run.Stats.Halted,
			DrawdownLimit: limit,
			SourceErrors:  run.Stats.SourceErrors,
		},
	}
}

// Page 返回本次同步运行的报告页。
func (r Result) Page() report.Page {
	run := newRun(r.RunID, r.Config)
	run.Stats = r.Stats
	page := ReportPage(run, r.Equity, r.Trades)
	page.Report = r.Report
	return page
}
