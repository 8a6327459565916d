package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedBar 表示 K 线数据不满足 low <= open/close <= high 等约束。
var ErrMalformedBar = errors.New("malformed bar")

// Bar 是单个品种的一根 OHLCV K 线，时间均为 Unix ms。
type Bar struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Time 返回开盘时间。
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.OpenTime).UTC()
}

// EndTime 返回收盘时间；缺失时退化为开盘时间。
func (b Bar) EndTime() time.Time {
	if b.CloseTime > 0 {
		return time.UnixMilli(b.CloseTime).UTC()
	}
	return b.Time()
}

// BodyLow 返回实体下沿。
func (b Bar) BodyLow() float64 { return math.Min(b.Open, b.Close) }

// BodyHigh 返回实体上沿。
func (b Bar) BodyHigh() float64 { return math.Max(b.Open, b.Close) }

// Validate 检查价格有限、为正，且 low <= {open, close} <= high。
func (b Bar) Validate() error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at %d", ErrMalformedBar, b.OpenTime)
		}
	}
	if b.Low <= 0 || b.High <= 0 {
		return fmt.Errorf("%w: non-positive price at %d", ErrMalformedBar, b.OpenTime)
	}
	if b.High < b.Low {
		return fmt.Errorf("%w: high %.6f < low %.6f at %d", ErrMalformedBar, b.High, b.Low, b.OpenTime)
	}
	if b.Open < b.Low || b.Open > b.High || b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("%w: open/close outside [low, high] at %d", ErrMalformedBar, b.OpenTime)
	}
	if b.Volume < 0 {
		return fmt.Errorf("%w: negative volume at %d", ErrMalformedBar, b.OpenTime)
	}
	return nil
}

// Bars 是按开盘时间升序排列的 K 线序列。
type Bars []Bar

// Closes 返回收盘价序列。
func (bs Bars) Closes() []float64 {
	out := make([]float64, len(bs))
	for i, b := range bs {
		out[i] = b.Close
	}
	return out
}

// Highs 返回最高价序列。
func (bs Bars) Highs() []float64 {
	out := make([]float64, len(bs))
	for i, b := range bs {
		out[i] = b.High
	}
	return out
}

// Lows 返回最低价序列。
func (bs Bars) Lows() []float64 {
	out := make([]float64, len(bs))
	for i, b := range bs {
		out[i] = b.Low
	}
	return out
}

// Last 返回最后一根 K 线。
func (bs Bars) Last() (Bar, bool) {
	if len(bs) == 0 {
		return Bar{}, false
	}
	return bs[len(bs)-1], true
}

// Tail 返回最后 n 根（n <= 0 或超过长度时返回全部）。
func (bs Bars) Tail(n int) Bars {
	if n <= 0 || n >= len(bs) {
		return bs
	}
	return bs[len(bs)-n:]
}

// Sanitize 丢弃不合法或时间不递增的 K 线，返回保留的序列与被丢弃的数量。
func Sanitize(bars []Bar) (Bars, int) {
	out := make(Bars, 0, len(bars))
	dropped := 0
	var last int64
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			dropped++
			continue
		}
		if len(out) > 0 && b.OpenTime <= last {
			dropped++
			continue
		}
		out = append(out, b)
		last = b.OpenTime
	}
	return out, dropped
}
