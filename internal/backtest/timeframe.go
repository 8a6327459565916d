package backtest

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe 是回测与拉取共用的 K 线周期；SourceInterval 为数据源使用的周期写法。
type Timeframe struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
}

// 按周期从小到大排列。
var timeframeTable = []Timeframe{
	{Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	{Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	{Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	{Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	{Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	{Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	{Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	{Key: "1w", Duration: 7 * 24 * time.Hour, SourceInterval: "1w"},
}

var timeframeAliases = map[string]string{
	"60m": "1h",
	"1wk": "1w",
	"7d":  "1w",
}

// ParseTimeframe 大小写不敏感，接受 60m / 1wk 等别名。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if alias, ok := timeframeAliases[key]; ok {
		key = alias
	}
	for _, tf := range timeframeTable {
		if tf.Key == key {
			return tf, nil
		}
	}
	return Timeframe{}, fmt.Errorf("不支持的周期: %s", input)
}

// SupportedTimeframes 按周期长度返回所有 key。
func SupportedTimeframes() []string {
	keys := make([]string, len(timeframeTable))
	for i, tf := range timeframeTable {
		keys[i] = tf.Key
	}
	return keys
}

func (tf Timeframe) durationMillis() int64 { return tf.Duration.Milliseconds() }

// floor 把毫秒时间向下取整到周期网格（UTC 纪元对齐）。
func (tf Timeframe) floor(ts int64) int64 {
	step := tf.durationMillis()
	if step <= 0 {
		return ts
	}
	return ts - ((ts%step)+step)%step
}

// AlignRange 对齐到周期网格并保证 start<=end。
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	if end < start {
		start, end = end, start
	}
	start, end = tf.floor(start), tf.floor(end)
	return start, max(start, end)
}

// ExpectedCandles 是 start~end（含两端）网格上应有的 K 线根数。
func (tf Timeframe) ExpectedCandles(start, end int64) int64 {
	step := tf.durationMillis()
	if end < start || step <= 0 {
		return 0
	}
	return (end-start)/step + 1
}

// WarmupStart 返回 start 之前预留 bars 根 K 线的起点，不早于 0。
func (tf Timeframe) WarmupStart(start int64, bars int) int64 {
	if bars <= 0 {
		return start
	}
	return max(start-int64(bars)*tf.durationMillis(), 0)
}
