package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tradecore/internal/levels"
	"tradecore/internal/logger"
	"tradecore/internal/market"
	"tradecore/internal/performance"
	"tradecore/internal/risk"
	"tradecore/internal/strategy"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrNoData 所有品种在回测区间内都没有可用 K 线。
var ErrNoData = errors.New("no market data for any instrument")

const (
	defaultTimeframe   = "1h"
	defaultWarmupBars  = 100
	defaultMinWindow   = 20
	defaultParallelism = 4

	reasonUnresolvedLevels = "unresolved_levels"
)

// SimulatorConfig 组装模拟器依赖；Source 为空时使用 CandleStore。
type SimulatorConfig struct {
	Source         MarketDataSource
	CandleStore    *CandleStore
	Fetcher        *Service
	Results        *ResultStore
	Journal        SignalJournal
	Registry       *strategy.Registry
	StrategyConfig StrategyConfigFunc
	Fallback       strategy.Fallback
	Catalog        market.Catalog
	Defaults       RunConfig
	MaxConcurrent  int
}

// Simulator 把历史 K 线按时间顺序回放给策略与风控，得到资金曲线与成交记录。
type Simulator struct {
	source      MarketDataSource
	store       *CandleStore
	fetcher     *Service
	results     *ResultStore
	journal     SignalJournal
	registry    *strategy.Registry
	strategyCfg StrategyConfigFunc
	fallback    strategy.Fallback
	catalog     market.Catalog
	defaults    RunConfig

	sem     chan struct{}
	baseCtx context.Context
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	source := cfg.Source
	if source == nil && cfg.CandleStore != nil {
		source = NewStoreSource(cfg.CandleStore)
	}
	if source == nil {
		return nil, fmt.Errorf("market data source 不能为空")
	}
	registry := cfg.Registry
	if registry == nil {
		registry = strategy.NewRegistry()
	}
	catalog := cfg.Catalog
	if len(catalog) == 0 {
		catalog = market.DefaultCatalog()
	}
	strategyCfg := cfg.StrategyConfig
	if strategyCfg == nil {
		strategyCfg = func() strategy.Config { return strategy.Config{} }
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Simulator{
		source:      source,
		store:       cfg.CandleStore,
		fetcher:     cfg.Fetcher,
		results:     cfg.Results,
		journal:     cfg.Journal,
		registry:    registry,
		strategyCfg: strategyCfg,
		fallback:    cfg.Fallback,
		catalog:     catalog,
		defaults:    cfg.Defaults.withDefaults(),
		sem:         make(chan struct{}, maxConcurrent),
		baseCtx:     context.Background(),
	}, nil
}

func (s *Simulator) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Simulator) ctx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// Strategies 返回可用策略名称。
func (s *Simulator) Strategies() []string {
	return s.registry.Names()
}

// Defaults 返回补齐后的默认运行参数。
func (s *Simulator) Defaults() RunConfig {
	return s.defaults
}

func (c RunConfig) withDefaults() RunConfig {
	if strings.TrimSpace(c.Strategy) == "" {
		c.Strategy = strategy.ConfluenceName
	}
	if c.Timeframe == "" {
		c.Timeframe = defaultTimeframe
	}
	if c.WarmupBars <= 0 {
		c.WarmupBars = defaultWarmupBars
	}
	if c.MinWindow <= 0 {
		c.MinWindow = defaultMinWindow
	}
	if c.Parallelism <= 0 {
		c.Parallelism = defaultParallelism
	}
	c.Risk = c.Risk.WithDefaults()
	return c
}

// resolveConfig 合并请求参数与默认值并校验。
func (s *Simulator) resolveConfig(req RunRequest) (RunConfig, error) {
	cfg := s.defaults
	cfg.Symbols = nil
	seen := make(map[string]struct{}, len(req.Symbols))
	for _, sym := range req.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		if _, err := s.catalog.Lookup(sym); err != nil {
			return RunConfig{}, err
		}
		seen[sym] = struct{}{}
		cfg.Symbols = append(cfg.Symbols, sym)
	}
	if len(cfg.Symbols) == 0 {
		return RunConfig{}, fmt.Errorf("symbols 不能为空")
	}
	sort.Strings(cfg.Symbols)
	if req.Strategy != "" {
		cfg.Strategy = strings.ToLower(strings.TrimSpace(req.Strategy))
	}
	if req.Timeframe != "" {
		cfg.Timeframe = req.Timeframe
	}
	tf, err := ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return RunConfig{}, fmt.Errorf("timeframe 无效: %w", err)
	}
	cfg.Timeframe = tf.Key
	if req.StartTS <= 0 || req.EndTS <= 0 || req.EndTS <= req.StartTS {
		return RunConfig{}, fmt.Errorf("start/end 非法")
	}
	cfg.StartTS, cfg.EndTS = tf.AlignRange(req.StartTS, req.EndTS)
	if req.InitialCapital > 0 {
		cfg.Risk.InitialCapital = req.InitialCapital
	}
	if req.RiskPerTrade > 0 {
		cfg.Risk.RiskPerTrade = req.RiskPerTrade
	}
	if req.MaxPositions > 0 {
		cfg.Risk.MaxPositions = req.MaxPositions
	}
	if req.MaxDrawdownUSD > 0 {
		cfg.Risk.MaxDrawdownUSD = ptrFloat(req.MaxDrawdownUSD)
	}
	if req.ConfluenceThreshold > 0 {
		if req.ConfluenceThreshold > 1 {
			return RunConfig{}, fmt.Errorf("confluence_threshold 需在 (0,1] 内")
		}
		cfg.ConfluenceThreshold = req.ConfluenceThreshold
	}
	if req.MaxDailyTrades > 0 {
		cfg.MaxDailyTrades = req.MaxDailyTrades
	}
	if req.TradingStyle != "" {
		if _, ok := levels.StyleSize(req.TradingStyle); !ok {
			return RunConfig{}, fmt.Errorf("未知 trading_style: %s", req.TradingStyle)
		}
		cfg.TradingStyle = strings.ToLower(strings.TrimSpace(req.TradingStyle))
	}
	if req.CloseOpenAtEnd != nil {
		cfg.CloseOpenAtEnd = *req.CloseOpenAtEnd
	}
	cfg.Notes = req.Notes
	cfg.LevelTable = s.strategyCfg().Confluence.LevelTable.Name
	if cfg.LevelTable == "" {
		cfg.LevelTable = levels.DefaultLevelTable().Name
	}
	if _, err := s.registry.Build(cfg.Strategy, strategy.Config{}); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func newRun(id string, cfg RunConfig) Run {
	return Run{
		ID:             id,
		ConfigKey:      cfg.Key(),
		Strategy:       cfg.Strategy,
		Symbols:        append([]string(nil), cfg.Symbols...),
		Status:         RunStatusPending,
		Timeframe:      cfg.Timeframe,
		StartTS:        cfg.StartTS,
		EndTS:          cfg.EndTS,
		InitialCapital: cfg.Risk.InitialCapital,
		FinalEquity:    cfg.Risk.InitialCapital,
		Config:         cfg,
		Stats:          RunStats{FinalEquity: cfg.Risk.InitialCapital, Capital: cfg.Risk.InitialCapital},
	}
}

// Run 同步执行一次回测。结果库存在时同时持久化；ctx 取消时返回已回放部分与 ctx.Err()。
func (s *Simulator) Run(ctx context.Context, req RunRequest) (Result, error) {
	cfg, err := s.resolveConfig(req)
	if err != nil {
		return Result{}, err
	}
	run := newRun(uuid.NewString(), cfg)
	if s.results != nil {
		if err := s.results.InsertRun(ctx, run); err != nil {
			return Result{}, err
		}
	}
	return s.execute(ctx, run.ID, cfg)
}

// StartRun 创建回测任务并立即返回，模拟过程在后台进行。
func (s *Simulator) StartRun(req RunRequest) (Run, error) {
	if s.results == nil {
		return Run{}, fmt.Errorf("result store 未配置")
	}
	cfg, err := s.resolveConfig(req)
	if err != nil {
		return Run{}, err
	}
	run := newRun(uuid.NewString(), cfg)
	if err := s.results.InsertRun(s.ctx(), run); err != nil {
		return Run{}, err
	}
	go s.runLoop(run.ID, cfg)
	return run, nil
}

func (s *Simulator) runLoop(runID string, cfg RunConfig) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.Warnf("[backtest] run %s 等待可用 worker", runID)
		s.sem <- struct{}{}
	}
	defer func() { <-s.sem }()

	if _, err := s.execute(s.ctx(), runID, cfg); err != nil {
		logger.Warnf("[backtest] run %s 结束: %v", runID, err)
	}
}

// execute 回放并记录终态；失败与取消都会写回结果库。
func (s *Simulator) execute(ctx context.Context, runID string, cfg RunConfig) (Result, error) {
	s.updateStatus(ctx, runID, RunStatusRunning, "初始化策略…")
	r, err := s.newReplay(runID, cfg)
	if err != nil {
		s.updateStatus(ctx, runID, RunStatusFailed, err.Error())
		return Result{RunID: runID, Config: cfg}, err
	}
	res, err := r.run(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		res.Canceled = true
		s.finish(context.Background(), r, &res, RunStatusCanceled, "已取消")
		return res, err
	default:
		s.updateStatus(context.Background(), runID, RunStatusFailed, err.Error())
		return res, err
	}
	s.finish(ctx, r, &res, RunStatusDone, "完成")
	return res, nil
}

func (s *Simulator) updateStatus(ctx context.Context, runID, status, message string) {
	if s.results == nil {
		return
	}
	if err := s.results.UpdateRunStatus(ctx, runID, status, message); err != nil {
		logger.Debugf("update run status failed: %v", err)
	}
}

// finish 计算绩效并持久化；写库失败只记录日志。
func (s *Simulator) finish(ctx context.Context, r *replay, res *Result, status, message string) {
	res.Report = performance.Analyze(r.cfg.Risk.InitialCapital, EquityCurve(res.Equity), res.Trades)
	res.Summary = r.book.Summary()
	res.Open = r.book.Positions()
	res.Stats = r.statsFrom(res.Report, res.Summary)
	if s.results == nil {
		return
	}
	if err := s.results.InsertTrades(ctx, r.runID, res.Trades); err != nil {
		logger.Warnf("[backtest] run %s 写入成交失败: %v", r.runID, err)
	}
	if err := s.results.InsertSnapshots(ctx, r.runID, res.Equity); err != nil {
		logger.Warnf("[backtest] run %s 写入资金曲线失败: %v", r.runID, err)
	}
	if err := s.results.UpdateRunSummary(ctx, r.runID, status, res.Stats, message); err != nil {
		logger.Warnf("[backtest] run %s 更新汇总失败: %v", r.runID, err)
	}
}

// replay 持有一次回测的全部可变状态，只在单个 goroutine 中推进。
type replay struct {
	sim      *Simulator
	runID    string
	cfg      RunConfig
	tf       Timeframe
	strat    strategy.Strategy
	fallback strategy.Fallback
	book     *risk.Manager
	insts    []market.Instrument
	series   []market.Bars
	cursors  []int
	stats    RunStats
	snaps    []Snapshot
}

func (s *Simulator) newReplay(runID string, cfg RunConfig) (*replay, error) {
	tf, err := ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, err
	}
	st, _, err := buildStrategy(s.registry, s.strategyCfg(), cfg)
	if err != nil {
		return nil, err
	}
	insts := make([]market.Instrument, len(cfg.Symbols))
	for i, sym := range cfg.Symbols {
		inst, err := s.catalog.Lookup(sym)
		if err != nil {
			return nil, err
		}
		insts[i] = inst
	}
	return &replay{
		sim:      s,
		runID:    runID,
		cfg:      cfg,
		tf:       tf,
		strat:    st,
		fallback: s.fallback,
		book:     risk.NewManager(cfg.Risk, s.catalog),
		insts:    insts,
		stats: RunStats{
			Rejections:   make(map[string]int),
			DroppedBars:  make(map[string]int),
			SourceErrors: make(map[string]string),
		},
	}, nil
}

func (r *replay) run(ctx context.Context) (Result, error) {
	res := Result{RunID: r.runID, Config: r.cfg}
	if err := r.ensureDatasets(ctx); err != nil {
		return res, err
	}
	if err := r.loadSeries(ctx); err != nil {
		return res, err
	}
	timeline := r.timeline()
	logger.Infof("[backtest] run %s 开始：strategy=%s symbols=%s tf=%s steps=%d",
		r.runID, r.cfg.Strategy, strings.Join(r.cfg.Symbols, ","), r.tf.Key, len(timeline))

	progressStep := len(timeline) / 20
	if progressStep < 10 {
		progressStep = 10
	}
	for idx, ts := range timeline {
		if err := ctx.Err(); err != nil {
			res.Equity = r.snaps
			res.Trades = r.book.Trades()
			return res, err
		}
		if err := r.step(ctx, ts); err != nil {
			res.Equity = r.snaps
			res.Trades = r.book.Trades()
			return res, err
		}
		if (idx+1)%progressStep == 0 || idx == len(timeline)-1 {
			percent := float64(idx+1) / float64(len(timeline)) * 100
			r.sim.updateStatus(ctx, r.runID, RunStatusRunning, fmt.Sprintf("processing %d/%d (%.1f%%)", idx+1, len(timeline), percent))
		}
	}
	if r.cfg.CloseOpenAtEnd {
		r.closeAll()
	}
	res.Equity = r.snaps
	res.Trades = r.book.Trades()
	return res, nil
}

// loadSeries 并发读取各品种 K 线，剔除异常数据。
// 单个品种读取失败只记录并跳过；所有品种都没有数据时返回 ErrNoData。
func (r *replay) loadSeries(ctx context.Context) error {
	start := r.tf.WarmupStart(r.cfg.StartTS, r.cfg.WarmupBars)
	raw := make([][]market.Bar, len(r.insts))
	failures := make([]error, len(r.insts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for i, inst := range r.insts {
		i, sym := i, inst.Symbol
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bars, err := r.sim.source.GetBars(gctx, BarsRequest{Symbol: sym, Interval: r.tf.Key, Start: start, End: r.cfg.EndTS})
			if err != nil {
				failures[i] = err
				return nil
			}
			raw[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.series = make([]market.Bars, len(raw))
	r.cursors = make([]int, len(raw))
	total := 0
	for i, bars := range raw {
		if err := failures[i]; err != nil {
			sym := r.insts[i].Symbol
			r.stats.SourceErrors[sym] = err.Error()
			logger.Warnf("[backtest] run %s 读取 %s 失败，跳过该品种: %v", r.runID, sym, err)
			continue
		}
		clean, dropped := market.Sanitize(bars)
		if dropped > 0 {
			sym := r.insts[i].Symbol
			r.stats.DroppedBars[sym] = dropped
			logger.Warnf("[backtest] run %s %s 丢弃异常 K 线 %d 根", r.runID, sym, dropped)
		}
		r.series[i] = clean
		total += len(clean)
	}
	if total == 0 {
		return ErrNoData
	}
	return nil
}

// timeline 合并所有品种在 [StartTS, EndTS] 内的开盘时间，升序去重。
func (r *replay) timeline() []int64 {
	set := make(map[int64]struct{})
	for _, bars := range r.series {
		for _, b := range bars {
			if b.OpenTime < r.cfg.StartTS || b.OpenTime > r.cfg.EndTS {
				continue
			}
			set[b.OpenTime] = struct{}{}
		}
	}
	out := make([]int64, 0, len(set))
	for ts := range set {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// advance 把各品种游标推进到 ts，返回在 ts 有 K 线且窗口足够的品种下标。
func (r *replay) advance(ts int64) []int {
	var active []int
	for i, bars := range r.series {
		c := r.cursors[i]
		for c < len(bars) && bars[c].OpenTime <= ts {
			c++
		}
		r.cursors[i] = c
		if c == 0 || bars[c-1].OpenTime != ts {
			continue
		}
		if c < r.cfg.MinWindow {
			continue
		}
		active = append(active, i)
	}
	return active
}

func (r *replay) window(i int) market.Bars {
	return r.series[i][:r.cursors[i]]
}

func (r *replay) step(ctx context.Context, ts int64) error {
	active := r.advance(ts)
	if len(active) == 0 {
		return nil
	}
	closeTS := ts
	for _, i := range active {
		if last, ok := r.window(i).Last(); ok && last.CloseTime > closeTS {
			closeTS = last.CloseTime
		}
	}
	at := time.UnixMilli(closeTS).UTC()

	for _, i := range active {
		r.markAndExit(i, at)
	}
	if !r.book.Halted() {
		ranked, err := r.generate(ctx, active, at)
		if err != nil {
			return err
		}
		var decisions []SignalDecision
		for k, i := range active {
			decisions = append(decisions, r.apply(i, ranked[k], at)...)
		}
		r.journal(ctx, decisions)
	}
	r.snapshot(closeTS)
	return nil
}

// markAndExit 以收盘价估值；止损优先于止盈，均以收盘价成交。
func (r *replay) markAndExit(i int, at time.Time) {
	sym := r.insts[i].Symbol
	if !r.book.HasPosition(sym) {
		return
	}
	last, _ := r.window(i).Last()
	if _, err := r.book.MarkToMarket(sym, last.Close); err != nil {
		logger.Debugf("[backtest] mark %s failed: %v", sym, err)
		return
	}
	var reason risk.ExitReason
	switch {
	case r.book.CheckStop(sym, last.Close):
		reason = risk.ExitStopLoss
	case r.book.CheckTarget(sym, last.Close):
		reason = risk.ExitTakeProfit
	default:
		return
	}
	r.close(sym, last.Close, reason, at)
}

func (r *replay) close(sym string, price float64, reason risk.ExitReason, at time.Time) {
	trade, err := r.book.ClosePosition(sym, price, reason, at)
	if err != nil {
		logger.Warnf("[backtest] run %s 平仓 %s 失败: %v", r.runID, sym, err)
		return
	}
	logger.LogTrade("CLOSE", r.runID, sym, logger.TradeSection{
		Title: "EXIT",
		Body: fmt.Sprintf("direction=%s size=%.4f entry=%.5f exit=%.5f reason=%s pnl=%.2f holding=%s",
			trade.Direction, trade.Size, trade.Entry, trade.Exit, trade.ExitReason, trade.RealizedPnL, trade.HoldingTime()),
	}, logger.TradeSection{
		Title: "PORTFOLIO",
		Body:  fmt.Sprintf("capital=%.2f equity=%.2f open=%d", r.book.Capital(), r.book.Equity(), len(r.book.Positions())),
	})
}

// generate 并发生成各活跃品种的信号，结果按 active 顺序存放。
func (r *replay) generate(ctx context.Context, active []int, at time.Time) ([][]strategy.RankedSignal, error) {
	out := make([][]strategy.RankedSignal, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for k, i := range active {
		k, i := k, i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			in := strategy.Input{
				Symbol:     r.insts[i].Symbol,
				Instrument: r.insts[i],
				Bars:       r.window(i),
				At:         at,
			}
			signals, _ := r.strat.GenerateSignals(in)
			out[k] = signals
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// apply 依次解析价位、计算仓位并提交风控。
func (r *replay) apply(i int, signals []strategy.RankedSignal, at time.Time) []SignalDecision {
	if len(signals) == 0 {
		return nil
	}
	inst := r.insts[i]
	window := r.window(i)
	decisions := make([]SignalDecision, 0, len(signals))
	for _, sig := range signals {
		sig.Symbol = inst.Symbol
		r.stats.Signals++
		d := SignalDecision{RunID: r.runID, Strategy: r.cfg.Strategy, Symbol: inst.Symbol, At: at, Signal: sig}
		lv, ok := strategy.ResolveLevels(sig.Signal, window, r.fallback)
		if !ok {
			d.Reason = reasonUnresolvedLevels
			r.reject(&d, nil)
			decisions = append(decisions, d)
			continue
		}
		d.Levels = lv
		size, err := r.book.SizePosition(inst.Symbol, lv.Entry, lv.Stop, r.book.Equity())
		if err != nil {
			r.reject(&d, err)
			decisions = append(decisions, d)
			continue
		}
		d.Size = size
		err = r.book.AcceptEntry(risk.EntryRequest{
			Symbol:    inst.Symbol,
			Direction: sig.Direction,
			Size:      size,
			Entry:     lv.Entry,
			Stop:      lv.Stop,
			Target:    lv.Target,
			At:        at,
			Origin:    string(sig.Origin),
			Score:     sig.Score,
		})
		if err != nil {
			r.reject(&d, err)
			decisions = append(decisions, d)
			continue
		}
		d.Accepted = true
		decisions = append(decisions, d)
		logger.LogTrade("OPEN", r.runID, inst.Symbol, logger.TradeSection{
			Title: "SIGNAL",
			Body:  fmt.Sprintf("origin=%s score=%.3f strength=%.3f\n%s", sig.Origin, sig.Score, sig.Strength, sig.Rationale),
		}, logger.TradeSection{
			Title: "ORDER",
			Body: fmt.Sprintf("direction=%s size=%.4f entry=%.5f stop=%.5f target=%.5f atr_fallback=%t",
				sig.Direction, size, lv.Entry, lv.Stop, lv.Target, lv.ATRApplied),
		})
	}
	return decisions
}

func (r *replay) reject(d *SignalDecision, err error) {
	if err != nil {
		d.Reason = risk.Reason(err)
		logger.Debugf("[backtest] run %s %s 信号被拒绝: %v", r.runID, d.Symbol, err)
	}
	r.stats.Rejections[d.Reason]++
}

func (r *replay) journal(ctx context.Context, decisions []SignalDecision) {
	if r.sim.journal == nil || len(decisions) == 0 {
		return
	}
	if err := r.sim.journal.RecordSignals(ctx, decisions); err != nil {
		logger.Debugf("[backtest] run %s 写入信号日志失败: %v", r.runID, err)
	}
}

func (r *replay) snapshot(ts int64) {
	sum := r.book.Summary()
	r.snaps = append(r.snaps, Snapshot{
		RunID:         r.runID,
		TS:            ts,
		Equity:        sum.Equity,
		Capital:       sum.Capital,
		Unrealized:    sum.UnrealizedPnL,
		OpenPositions: sum.OpenPositions,
		Drawdown:      sum.Drawdown,
		Halted:        sum.Halted,
	})
}

// closeAll 在回测结束时以各品种最后收盘价平掉剩余持仓。
func (r *replay) closeAll() {
	for i, inst := range r.insts {
		if !r.book.HasPosition(inst.Symbol) {
			continue
		}
		last, ok := r.window(i).Last()
		if !ok {
			continue
		}
		r.close(inst.Symbol, last.Close, risk.ExitManual, last.EndTime())
	}
	if n := len(r.snaps); n > 0 {
		ts := r.snaps[n-1].TS
		r.snaps = r.snaps[:n-1]
		r.snapshot(ts)
	}
}

func (r *replay) statsFrom(rep performance.Report, sum risk.Summary) RunStats {
	st := r.stats
	st.FinalEquity = sum.Equity
	st.Capital = sum.Capital
	st.Profit = sum.Equity - sum.InitialCapital
	st.ReturnPct = rep.TotalReturn
	st.WinRate = rep.WinRate
	st.MaxDrawdownPct = rep.MaxDrawdown
	st.Sharpe = rep.Sharpe
	st.Trades = rep.TotalTrades
	st.Wins = rep.Wins
	st.Losses = rep.Losses
	st.Snapshots = len(r.snaps)
	st.Halted = sum.Halted
	st.Metrics = rep.Metrics()
	st.FinishedAt = time.Now().UTC()
	return st
}

// ensureDatasets 在配置了拉取服务时补齐本地缺失的 K 线。
func (r *replay) ensureDatasets(ctx context.Context) error {
	if r.sim.store == nil || r.sim.fetcher == nil {
		return nil
	}
	start := r.tf.WarmupStart(r.cfg.StartTS, r.cfg.WarmupBars)
	for _, sym := range r.cfg.Symbols {
		if err := r.ensureTimeframeData(ctx, sym, start, r.cfg.EndTS); err != nil {
			return err
		}
	}
	r.sim.updateStatus(ctx, r.runID, RunStatusRunning, "数据准备完成")
	return nil
}

func (r *replay) ensureTimeframeData(ctx context.Context, symbol string, start, end int64) error {
	report, err := r.sim.store.CheckIntegrity(ctx, symbol, r.tf, start, end)
	if err != nil {
		return err
	}
	r.sim.updateStatus(ctx, r.runID, RunStatusRunning, fmt.Sprintf("warmup %s %s (%s): %d/%d", symbol, r.tf.Key, report.Calendar, report.Present, report.Expected))
	if report.Complete() {
		return nil
	}
	job, err := r.sim.fetcher.SubmitFetch(FetchParams{
		Symbol:    symbol,
		Timeframe: r.tf.Key,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return err
	}
	return r.waitFetchJob(ctx, job)
}

// waitFetchJob 等待拉取任务结束；部分缺口只告警，回放时按现有数据进行。
func (r *replay) waitFetchJob(ctx context.Context, job FetchJob) error {
	final, err := r.sim.fetcher.Wait(ctx, job.ID, time.Second, func(j FetchJob) {
		message := fmt.Sprintf("下载 %s %s: %s", j.Params.Symbol, j.Params.Timeframe, j.Status)
		if j.Total > 0 {
			percent := float64(j.Completed) / float64(j.Total) * 100
			message = fmt.Sprintf("下载 %s %s: %.1f%%", j.Params.Symbol, j.Params.Timeframe, percent)
		}
		if j.Message != "" {
			message = message + " " + j.Message
		}
		r.sim.updateStatus(ctx, r.runID, RunStatusRunning, message)
	})
	if err != nil {
		return err
	}
	switch final.Status {
	case JobStatusFailed:
		if final.Message != "" {
			return fmt.Errorf("下载 %s %s 失败: %s", final.Params.Symbol, final.Params.Timeframe, final.Message)
		}
		return fmt.Errorf("下载 %s %s 失败", final.Params.Symbol, final.Params.Timeframe)
	case JobStatusPartial:
		logger.Warnf("[backtest] run %s %s %s 仍有 %d 段缺口", r.runID, final.Params.Symbol, final.Params.Timeframe, len(final.Missing))
	}
	return nil
}

func ptrFloat(v float64) *float64 { return &v }
