package backtest

import (
	"context"
	"time"
)

// Gap 是一段缺失的 open_time 闭区间；休市时段不打断缺口，也不计入 Bars。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
	Bars int64 `json:"bars"`
}

// IntegrityReport 描述区间内 K 线的完整度。Expected 只统计品种交易日历里开放的网格槽位，
// Closed 为休市槽位数，OffHours 为落在休市槽位上却仍存在的 K 线（不算缺口也不算错误）。
type IntegrityReport struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Calendar  string `json:"calendar"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Expected  int64  `json:"expected"`
	Present   int64  `json:"present"`
	Closed    int64  `json:"closed"`
	OffHours  int64  `json:"off_hours"`
	Gaps      []Gap  `json:"gaps,omitempty"`
}

// Complete 区间内没有任何缺口时返回 true。
func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0
}

// Missing 返回缺失数量。
func (r IntegrityReport) Missing() int64 {
	if r.Present >= r.Expected {
		return 0
	}
	return r.Expected - r.Present
}

// CheckIntegrity 以周期网格遍历 [start, end]，只在品种开市的槽位上要求 K 线，
// 把相邻开市槽位上的缺失合并为缺口。
func (s *CandleStore) CheckIntegrity(ctx context.Context, symbol string, tf Timeframe, start, end int64) (IntegrityReport, error) {
	start, end = tf.AlignRange(start, end)
	cal := s.Instrument(symbol).Calendar()
	report := IntegrityReport{
		Symbol:    normSymbol(symbol),
		Timeframe: tf.Key,
		Calendar:  cal.Name,
		Start:     start,
		End:       end,
	}
	if tf.ExpectedCandles(start, end) == 0 {
		return report, nil
	}
	have, err := s.openTimes(ctx, symbol, tf.Key, start, end)
	if err != nil {
		return report, err
	}
	step := tf.durationMillis()
	var gap *Gap
	for ts := start; ts <= end; ts += step {
		_, ok := have[ts]
		if !cal.Trades(time.UnixMilli(ts).UTC(), tf.Duration) {
			report.Closed++
			if ok {
				report.OffHours++
			}
			continue
		}
		report.Expected++
		if ok {
			report.Present++
			if gap != nil {
				report.Gaps = append(report.Gaps, *gap)
				gap = nil
			}
			continue
		}
		if gap == nil {
			gap = &Gap{From: ts}
		}
		gap.To = ts
		gap.Bars++
	}
	if gap != nil {
		report.Gaps = append(report.Gaps, *gap)
	}
	return report, nil
}
