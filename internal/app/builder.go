package app

import (
	"fmt"
	"strings"

	"tradecore/internal/backtest"
	brcfg "tradecore/internal/config"
	"tradecore/internal/levels"
	"tradecore/internal/logger"
	"tradecore/internal/store/sqlite"
	"tradecore/internal/strategy"
)

func buildApp(cfg *brcfg.Config) (*App, error) {
	registry, err := levels.NewRegistry(cfg.Signal.LevelTablePath)
	if err != nil {
		return nil, fmt.Errorf("加载价位表失败: %w", err)
	}
	registry.OnChange(func(s levels.Snapshot) {
		logger.Infof("[levels] 价位表已切换为 %s (v%d，%d 档)", s.Table.Name, s.Version, len(s.Table.Levels))
	})
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	bt := &BacktestService{}
	success := false
	defer func() {
		if !success {
			bt.Close()
		}
	}()

	if bt.store, err = backtest.NewCandleStore(cfg.Data.CandleDir, catalog); err != nil {
		return nil, fmt.Errorf("初始化 K 线库失败: %w", err)
	}
	if bt.results, err = backtest.NewResultStore(cfg.Data.ResultDir); err != nil {
		return nil, fmt.Errorf("初始化结果库失败: %w", err)
	}
	if bt.journal, err = sqlite.NewSqliteStore(cfg.Data.JournalPath); err != nil {
		return nil, fmt.Errorf("初始化信号日志失败: %w", err)
	}
	bt.svc, err = backtest.NewService(backtest.ServiceConfig{
		Store:           bt.store,
		Sources:         buildSources(cfg.Data),
		Routes:          cfg.SourceRoutes(),
		DefaultExchange: cfg.Data.DefaultExchange,
		RateLimitPerMin: cfg.Data.RateLimitPerMin,
		MaxBatch:        cfg.Data.MaxBatch,
		MaxConcurrent:   cfg.Data.MaxConcurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化拉取服务失败: %w", err)
	}

	var fetcher *backtest.Service
	if cfg.Data.AutoFetch {
		fetcher = bt.svc
	}
	bt.sim, err = backtest.NewSimulator(backtest.SimulatorConfig{
		CandleStore: bt.store,
		Fetcher:     fetcher,
		Results:     bt.results,
		Journal:     bt.journal,
		StrategyConfig: func() strategy.Config {
			return cfg.StrategyConfig(registry.Table())
		},
		Fallback:      cfg.Fallback(),
		Catalog:       catalog,
		Defaults:      cfg.RunDefaults(),
		MaxConcurrent: cfg.Backtest.MaxConcurrentRuns,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化模拟器失败: %w", err)
	}
	bt.server, err = backtest.NewHTTPServer(backtest.HTTPConfig{
		Addr:       cfg.App.HTTPAddr,
		Svc:        bt.svc,
		Simulator:  bt.sim,
		Results:    bt.results,
		Signals:    bt.journal,
		LevelTable: registry.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}

	success = true
	return &App{
		cfg:      cfg,
		backtest: bt,
		levels:   registry,
		Summary:  newStartupSummary(cfg, catalog.Symbols(), registry.Snapshot()),
	}, nil
}

func buildSources(cfg brcfg.DataConfig) map[string]backtest.CandleSource {
	return map[string]backtest.CandleSource{
		"binance": backtest.NewBinanceSource(cfg.BinanceREST),
		"yahoo":   backtest.NewYahooSource(cfg.YahooREST, aliasesOrNil(cfg.YahooAliases)),
	}
}

func aliasesOrNil(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	merged := backtest.DefaultYahooAliases()
	for k, v := range m {
		merged[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return merged
}
