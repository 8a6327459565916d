package app

import (
	"fmt"
	"strings"

	brcfg "tradecore/internal/config"
	"tradecore/internal/levels"
)

type StartupSummary struct {
	Env        string
	HTTPAddr   string
	Data       DataSummary
	Backtest   brcfg.BacktestConfig
	Risk       brcfg.RiskConfig
	Signal     brcfg.SignalConfig
	Symbols    []string
	LevelTable levels.Snapshot
}

type DataSummary struct {
	CandleDir       string
	ResultDir       string
	JournalPath     string
	DefaultExchange string
	AutoFetch       bool
}

func newStartupSummary(cfg *brcfg.Config, symbols []string, table levels.Snapshot) *StartupSummary {
	return &StartupSummary{
		Env:      cfg.App.Env,
		HTTPAddr: cfg.App.HTTPAddr,
		Data: DataSummary{
			CandleDir:       cfg.Data.CandleDir,
			ResultDir:       cfg.Data.ResultDir,
			JournalPath:     cfg.Data.JournalPath,
			DefaultExchange: cfg.Data.DefaultExchange,
			AutoFetch:       cfg.Data.AutoFetch,
		},
		Backtest:   cfg.Backtest,
		Risk:       cfg.Risk,
		Signal:     cfg.Signal,
		Symbols:    symbols,
		LevelTable: table,
	}
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[数据 (DATA)]")
	fmt.Printf("  环境: %s  HTTP: %s\n", s.Env, s.HTTPAddr)
	fmt.Printf("  K线库: %s\n", s.Data.CandleDir)
	fmt.Printf("  结果库: %s  信号日志: %s\n", s.Data.ResultDir, s.Data.JournalPath)
	fmt.Printf("  默认数据源: %s  自动补齐: %t\n", s.Data.DefaultExchange, s.Data.AutoFetch)
	fmt.Println()

	fmt.Println("[回测 (BACKTEST)]")
	fmt.Printf("  策略: %s  周期: %s  预热: %d  最小窗口: %d  并发: %d\n",
		s.Backtest.Strategy, s.Backtest.Timeframe, s.Backtest.WarmupBars, s.Backtest.MinWindow, s.Backtest.Parallelism)
	fmt.Printf("  品种: %s\n", formatSymbols(s.Symbols))
	fmt.Println()

	fmt.Println("[风控 (RISK)]")
	fmt.Printf("  初始资金: %.2f  单笔风险: %.4f  最大持仓: %d  最大回撤: %.2f\n",
		s.Risk.InitialCapital, s.Risk.RiskPerTrade, s.Risk.MaxPositions, s.Risk.MaxDrawdownUSD)
	fmt.Printf("  保证金上限: %.2f  同类上限: %d\n", s.Risk.MarginCapPct, s.Risk.MaxPerCategory)
	fmt.Println()

	fmt.Println("[信号 (SIGNAL)]")
	fmt.Printf("  汇合阈值: %.2f  每日最多: %d  风格: %s\n",
		s.Signal.ConfluenceThreshold, s.Signal.MaxDailyTrades, s.Signal.TradingStyle)
	fmt.Printf("  价位表: %s (v%d，%d 档)\n", s.LevelTable.Table.Name, s.LevelTable.Version, len(s.LevelTable.Table.Levels))
	fmt.Println(strings.Repeat("=", 80))
}
