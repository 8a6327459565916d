package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	tradeMu  sync.Mutex
	tradeLog *log.Logger
)

// SetTradeWriter 设置成交明细日志输出；nil 关闭。
func SetTradeWriter(w io.Writer) {
	tradeMu.Lock()
	defer tradeMu.Unlock()
	if w == nil {
		tradeLog = nil
		return
	}
	tradeLog = log.New(w, "", log.LstdFlags)
}

// TradeSection 是成交日志中的一段。
type TradeSection struct {
	Title string
	Body  string
}

// LogTrade 以块格式记录一次开/平仓，未设置 writer 时忽略。
func LogTrade(kind, runID, symbol string, sections ...TradeSection) {
	tradeMu.Lock()
	l := tradeLog
	tradeMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[TRADE]")
	for _, tag := range []string{kind, runID, symbol} {
		if tag == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "DETAIL"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}
