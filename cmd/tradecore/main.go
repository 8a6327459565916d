// Command tradecore 加载配置后以 serve / backtest / fetch 三种模式之一运行。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tradecore/internal/app"
	"tradecore/internal/backtest"
	brcfg "tradecore/internal/config"
	"tradecore/internal/logger"
	"tradecore/internal/report"

	"github.com/joho/godotenv"
)

const usage = `用法: tradecore [-config path] <serve|backtest|fetch> [参数]

  serve      启动拉取服务与 HTTP 接口
  backtest   同步执行一次回测并输出报告
  fetch      拉取并补齐本地 K 线
`

func main() {
	_ = godotenv.Load()

	defaultPath := os.Getenv("TRADECORE_CONFIG")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	cfgPath := flag.String("config", defaultPath, "配置文件路径")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	mode := "serve"
	args := flag.Args()
	if len(args) > 0 {
		mode, args = strings.ToLower(args[0]), args[1:]
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	closers, err := setupLogging(cfg.App)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	logger.Infof("✓ 配置加载成功（环境=%s，模式=%s）", cfg.App.Env, mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	defer application.Close()

	switch mode {
	case "serve":
		err = application.Run(ctx)
	case "backtest":
		err = runBacktest(ctx, application, cfg, args)
	case "fetch":
		err = runFetch(ctx, application, cfg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		logger.Errorf("运行失败: %v", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*brcfg.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("配置文件 %s 不存在，使用默认配置", path)
		return brcfg.Default(), nil
	}
	return brcfg.Load(path)
}

func setupLogging(cfg brcfg.AppConfig) ([]io.Closer, error) {
	logger.SetFormat(cfg.LogFormat)
	logger.SetLevel(cfg.LogLevel)
	var closers []io.Closer
	if f, err := openAppend(cfg.LogPath); err != nil {
		return nil, err
	} else if f != nil {
		mw := io.MultiWriter(os.Stdout, f)
		log.SetOutput(mw)
		logger.SetOutput(mw)
		closers = append(closers, f)
	}
	if f, err := openAppend(cfg.TradeLogPath); err != nil {
		return closers, err
	} else if f != nil {
		logger.SetTradeWriter(f)
		closers = append(closers, f)
	}
	return closers, nil
}

func openAppend(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

type rangeFlags struct {
	symbols   string
	timeframe string
	from      string
	to        string
}

func (r *rangeFlags) register(fs *flag.FlagSet, timeframe string) {
	fs.StringVar(&r.symbols, "symbols", "", "品种列表，逗号分隔")
	fs.StringVar(&r.timeframe, "timeframe", timeframe, "K 线周期")
	fs.StringVar(&r.from, "from", "", "开始时间 (2006-01-02 或 RFC3339)")
	fs.StringVar(&r.to, "to", "", "结束时间，默认当前时间")
}

func (r *rangeFlags) bounds() (int64, int64, error) {
	if strings.TrimSpace(r.from) == "" {
		return 0, 0, fmt.Errorf("缺少 -from")
	}
	start, err := parseTime(r.from)
	if err != nil {
		return 0, 0, err
	}
	end := time.Now().UTC()
	if strings.TrimSpace(r.to) != "" {
		if end, err = parseTime(r.to); err != nil {
			return 0, 0, err
		}
	}
	if !end.After(start) {
		return 0, 0, fmt.Errorf("结束时间必须晚于开始时间")
	}
	return start.UnixMilli(), end.UnixMilli(), nil
}

func (r *rangeFlags) symbolList() []string {
	var out []string
	for _, s := range strings.Split(r.symbols, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析时间 %q", raw)
}

func runBacktest(ctx context.Context, application *app.App, cfg *brcfg.Config, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	var rf rangeFlags
	rf.register(fs, cfg.Backtest.Timeframe)
	strategyName := fs.String("strategy", cfg.Backtest.Strategy, "策略名称")
	capital := fs.Float64("capital", 0, "初始资金，0 使用配置")
	threshold := fs.Float64("threshold", 0, "汇合阈值，0 使用配置")
	style := fs.String("style", "", "交易风格")
	htmlOut := fs.Bool("html", true, "输出 HTML 报告")
	pngOut := fs.Bool("png", false, "输出 PNG 报告 (需要 Chrome)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	start, end, err := rf.bounds()
	if err != nil {
		return err
	}
	symbols := rf.symbolList()
	if len(symbols) == 0 {
		return fmt.Errorf("缺少 -symbols")
	}
	res, err := application.Backtest(ctx, backtest.RunRequest{
		Strategy:            *strategyName,
		Symbols:             symbols,
		Timeframe:           rf.timeframe,
		StartTS:             start,
		EndTS:               end,
		InitialCapital:      *capital,
		ConfluenceThreshold: *threshold,
		TradingStyle:        *style,
	})
	if err != nil {
		return err
	}
	rep := res.Report
	logger.Infof("[backtest] %s 完成: 交易 %d 笔，胜率 %.2f%%，收益 %.2f%%，最大回撤 %.2f%%，夏普 %.2f",
		res.RunID, rep.TotalTrades, rep.WinRate*100, rep.TotalReturn*100, rep.MaxDrawdown*100, rep.Sharpe)
	if res.Canceled {
		logger.Warnf("[backtest] %s 已取消，结果为部分数据", res.RunID)
	}
	return writeReports(ctx, cfg.Backtest.ReportDir, res.RunID, res.Page(), *htmlOut, *pngOut)
}

func writeReports(ctx context.Context, dir, runID string, page report.Page, html, png bool) error {
	if !html && !png {
		return nil
	}
	if len(page.Equity) == 0 {
		logger.Warnf("[report] %s 无资金曲线，跳过报告", runID)
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if html {
		path := filepath.Join(dir, runID+".html")
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = report.Render(f, page)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("写入 HTML 报告失败: %w", err)
		}
		logger.Infof("[report] HTML 报告: %s", path)
	}
	if png {
		img, err := report.RenderPNG(ctx, page)
		if err != nil {
			logger.Warnf("[report] PNG 渲染失败: %v", err)
			return nil
		}
		path := filepath.Join(dir, runID+".png")
		if err := os.WriteFile(path, img.Bytes, 0o644); err != nil {
			return err
		}
		logger.Infof("[report] PNG 报告: %s", path)
	}
	return nil
}

func runFetch(ctx context.Context, application *app.App, cfg *brcfg.Config, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	var rf rangeFlags
	rf.register(fs, cfg.Backtest.Timeframe)
	exchange := fs.String("exchange", "", "数据源 (binance/yahoo)，留空按品种大类路由")
	if err := fs.Parse(args); err != nil {
		return err
	}
	start, end, err := rf.bounds()
	if err != nil {
		return err
	}
	symbols := rf.symbolList()
	if len(symbols) == 0 {
		return fmt.Errorf("缺少 -symbols")
	}
	for _, sym := range symbols {
		job, err := application.Fetch(ctx, backtest.FetchParams{
			Exchange:  *exchange,
			Symbol:    sym,
			Timeframe: rf.timeframe,
			Start:     start,
			End:       end,
		})
		if err != nil {
			return fmt.Errorf("%s 拉取失败: %w", sym, err)
		}
		logger.Infof("[fetch] %s %s 状态=%s 完成 %d/%d", sym, rf.timeframe, job.Status, job.Completed, job.Total)
		for _, w := range job.Warnings {
			logger.Warnf("[fetch] %s: %s", sym, w)
		}
	}
	return nil
}
