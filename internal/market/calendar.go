package market

import (
	"time"
	_ "time/tzdata"
)

const (
	dayLen = 24 * time.Hour

	calendarSampleStep = 15 * time.Minute
)

// TradingCalendar 描述一个品种大类的交易时段。所有偏移都以 Location 的本地时间计算：
// WeekOpen/WeekClose 以周日 00:00 为零点，Session/Break 以当日 00:00 为零点。
// 两端相等的区间表示不做该项限制。
type TradingCalendar struct {
	Name         string
	Location     *time.Location
	WeekOpen     time.Duration
	WeekClose    time.Duration
	SessionOpen  time.Duration
	SessionClose time.Duration
	BreakStart   time.Duration
	BreakEnd     time.Duration
}

var newYork = mustLocation("America/New_York")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// CalendarFor 返回大类的交易日历：
//   - crypto 全周开放；
//   - forex 周一至周五（UTC）；
//   - futures 纽约时间周日 18:00 至周五 17:00，每日 17:00-18:00 休市；
//   - equity 纽约时间周一至周五 09:30-16:00。
//
// 未知大类按全周开放处理。
func CalendarFor(cat Category) TradingCalendar {
	switch cat {
	case CategoryForex:
		return TradingCalendar{
			Name:      "forex",
			Location:  time.UTC,
			WeekOpen:  dayLen,
			WeekClose: 6 * dayLen,
		}
	case CategoryFutures:
		return TradingCalendar{
			Name:       "futures",
			Location:   newYork,
			WeekOpen:   18 * time.Hour,
			WeekClose:  5*dayLen + 17*time.Hour,
			BreakStart: 17 * time.Hour,
			BreakEnd:   18 * time.Hour,
		}
	case CategoryEquity:
		return TradingCalendar{
			Name:         "equity",
			Location:     newYork,
			WeekOpen:     dayLen,
			WeekClose:    6 * dayLen,
			SessionOpen:  9*time.Hour + 30*time.Minute,
			SessionClose: 16 * time.Hour,
		}
	default:
		return TradingCalendar{Name: "24x7", Location: time.UTC}
	}
}

// Calendar 返回品种所属大类的交易日历。
func (i Instrument) Calendar() TradingCalendar {
	return CalendarFor(i.Category)
}

// AlwaysOpen 没有任何时段限制时返回 true。
func (c TradingCalendar) AlwaysOpen() bool {
	return c.WeekOpen == c.WeekClose && c.SessionOpen == c.SessionClose && c.BreakStart == c.BreakEnd
}

// IsOpen 判断 t 时刻市场是否开放。
func (c TradingCalendar) IsOpen(t time.Time) bool {
	if c.AlwaysOpen() {
		return true
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	tod := lt.Sub(midnight)
	if c.WeekOpen != c.WeekClose {
		offset := time.Duration(lt.Weekday())*dayLen + tod
		if !inWindow(offset, c.WeekOpen, c.WeekClose) {
			return false
		}
	}
	if c.SessionOpen != c.SessionClose && !inWindow(tod, c.SessionOpen, c.SessionClose) {
		return false
	}
	if c.BreakStart != c.BreakEnd && inWindow(tod, c.BreakStart, c.BreakEnd) {
		return false
	}
	return true
}

// Trades 判断从 start 开始、长度为 d 的 K 线区间内是否有任意开放时刻。
// 按 min(d, 15m) 采样，足以覆盖上述所有时段边界。
func (c TradingCalendar) Trades(start time.Time, d time.Duration) bool {
	if c.AlwaysOpen() {
		return true
	}
	if d <= 0 {
		return c.IsOpen(start)
	}
	step := min(d, calendarSampleStep)
	for off := time.Duration(0); off < d; off += step {
		if c.IsOpen(start.Add(off)) {
			return true
		}
	}
	return false
}

// inWindow 判断 v 是否落在 [from, to)；from > to 表示跨零点的区间。
func inWindow(v, from, to time.Duration) bool {
	if from <= to {
		return v >= from && v < to
	}
	return v >= from || v < to
}
