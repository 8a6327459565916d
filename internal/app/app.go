package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradecore/internal/backtest"
	brcfg "tradecore/internal/config"
	"tradecore/internal/levels"
	"tradecore/internal/logger"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动回测服务。
type App struct {
	cfg      *brcfg.Config
	backtest *BacktestService
	levels   *levels.Registry
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *brcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildApp(cfg)
}

// Run 启动拉取服务与 HTTP 接口，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.backtest == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)
	a.backtest.bind(ctx)
	if a.backtest.server != nil {
		group.Go(func() error {
			if err := a.backtest.server.Start(ctx); err != nil {
				return fmt.Errorf("backtest http server error: %w", err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Backtest 同步执行一次回测。
func (a *App) Backtest(ctx context.Context, req backtest.RunRequest) (backtest.Result, error) {
	if a == nil || a.backtest == nil || a.backtest.sim == nil {
		return backtest.Result{}, fmt.Errorf("app not initialized")
	}
	a.backtest.bind(ctx)
	return a.backtest.sim.Run(ctx, req)
}

// Fetch 提交拉取任务并等待完成。
func (a *App) Fetch(ctx context.Context, params backtest.FetchParams) (backtest.FetchJob, error) {
	if a == nil || a.backtest == nil || a.backtest.svc == nil {
		return backtest.FetchJob{}, fmt.Errorf("app not initialized")
	}
	a.backtest.bind(ctx)
	job, err := a.backtest.svc.SubmitFetch(params)
	if err != nil {
		return job, err
	}
	return a.backtest.svc.Wait(ctx, job.ID, time.Second, func(j backtest.FetchJob) {
		logger.Debugf("[fetch] %s %s 进度 %d/%d", j.Params.Symbol, j.Params.Timeframe, j.Completed, j.Total)
	})
}

// LevelTable 返回当前生效的机构价位表。
func (a *App) LevelTable() levels.LevelTable {
	if a == nil || a.levels == nil {
		return levels.DefaultLevelTable()
	}
	return a.levels.Table()
}

// Close 释放数据库等资源。
func (a *App) Close() {
	if a == nil {
		return
	}
	a.backtest.Close()
}

func formatSymbols(symbols []string) string {
	if len(symbols) == 0 {
		return "-"
	}
	return strings.Join(symbols, ", ")
}
