package backtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradecore/internal/logger"
	"tradecore/internal/market"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// FetchParams 为一次补数任务的输入；Exchange 为空时按品种大类选择数据源。
type FetchParams struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
}

// FetchJob 记录补数任务进度。Total 只计开市槽位。
type FetchJob struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Params    FetchParams     `json:"params"`
	Category  market.Category `json:"category"`
	Calendar  string          `json:"calendar"`
	Total     int64           `json:"total"`
	Completed int64           `json:"completed"`
	Message   string          `json:"message,omitempty"`
	Missing   []Gap           `json:"missing,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Finished 任务进入终态时返回 true。
func (j FetchJob) Finished() bool {
	switch j.Status {
	case JobStatusDone, JobStatusPartial, JobStatusFailed:
		return true
	}
	return false
}

type fetchTask struct {
	job  FetchJob
	tf   Timeframe
	src  CandleSource
	gaps []Gap
	done chan struct{}
}

// ServiceConfig 配置补数服务。Routes 把品种大类映射到数据源名，未配置的大类：
// crypto 优先走 binance，其余走 DefaultExchange。
type ServiceConfig struct {
	Store           *CandleStore
	Sources         map[string]CandleSource
	Routes          map[market.Category]string
	DefaultExchange string
	RateLimitPerMin int
	MaxBatch        int
	MaxConcurrent   int
}

// Service 按品种交易日历找出本地缺口，限速从远端补齐并写入 CandleStore。
type Service struct {
	store    *CandleStore
	sources  map[string]CandleSource
	routes   map[market.Category]string
	maxBatch int

	limiter *rate.Limiter
	sem     chan struct{}

	mu    sync.RWMutex
	tasks map[string]*fetchTask

	baseCtx context.Context
}

// NewService 构建补数服务；RateLimitPerMin<=0 时默认每秒 8 次。
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	perSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		perSec = 8
	}
	svc := &Service{
		store:    cfg.Store,
		sources:  make(map[string]CandleSource, len(cfg.Sources)),
		routes:   make(map[market.Category]string),
		maxBatch: cfg.MaxBatch,
		tasks:    make(map[string]*fetchTask),
		baseCtx:  context.Background(),
	}
	if svc.maxBatch <= 0 {
		svc.maxBatch = 1000
	}
	svc.limiter = rate.NewLimiter(perSec, svc.maxBatch)
	workers := cfg.MaxConcurrent
	if workers <= 0 {
		workers = 2
	}
	svc.sem = make(chan struct{}, workers)
	for name, src := range cfg.Sources {
		svc.sources[strings.ToLower(name)] = src
	}
	fallback := strings.ToLower(cfg.DefaultExchange)
	if _, ok := svc.sources[fallback]; !ok {
		fallback = ""
		for name := range svc.sources {
			if fallback == "" || name < fallback {
				fallback = name
			}
		}
	}
	for _, cat := range market.Categories() {
		svc.routes[cat] = fallback
	}
	if _, ok := svc.sources["binance"]; ok {
		svc.routes[market.CategoryCrypto] = "binance"
	}
	for cat, name := range cfg.Routes {
		name = strings.ToLower(name)
		if _, ok := svc.sources[name]; !ok {
			return nil, fmt.Errorf("大类 %s 路由到未知数据源: %s", cat, name)
		}
		svc.routes[cat] = name
	}
	return svc, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// SourceFor 返回 symbol 应使用的数据源；exchange 非空时优先。
func (s *Service) SourceFor(symbol, exchange string) (CandleSource, error) {
	name := strings.ToLower(strings.TrimSpace(exchange))
	if name == "" {
		name = s.routes[s.store.Instrument(symbol).Category]
	}
	src := s.sources[name]
	if src == nil {
		return nil, fmt.Errorf("未知数据源: %s", exchange)
	}
	return src, nil
}

// SubmitFetch 提交补数任务；区间在交易日历内已完整时直接返回 done。
func (s *Service) SubmitFetch(params FetchParams) (FetchJob, error) {
	params.Symbol = normSymbol(params.Symbol)
	if params.Symbol == "" {
		return FetchJob{}, fmt.Errorf("symbol 不能为空")
	}
	tf, err := ParseTimeframe(params.Timeframe)
	if err != nil {
		return FetchJob{}, err
	}
	params.Timeframe = tf.Key
	src, err := s.SourceFor(params.Symbol, params.Exchange)
	if err != nil {
		return FetchJob{}, err
	}
	params.Exchange = src.Name()
	params.Start, params.End = tf.AlignRange(params.Start, params.End)
	if params.Start == params.End {
		return FetchJob{}, fmt.Errorf("start 与 end 需要构成区间")
	}

	report, err := s.store.CheckIntegrity(s.ctx(), params.Symbol, tf, params.Start, params.End)
	if err != nil {
		return FetchJob{}, err
	}
	now := time.Now()
	task := &fetchTask{
		job: FetchJob{
			ID:        uuid.NewString(),
			Status:    JobStatusPending,
			Params:    params,
			Category:  s.store.Instrument(params.Symbol).Category,
			Calendar:  report.Calendar,
			Total:     report.Expected,
			Completed: report.Present,
			Missing:   append([]Gap{}, report.Gaps...),
			StartedAt: now,
			UpdatedAt: now,
		},
		tf:   tf,
		src:  src,
		gaps: report.Gaps,
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.tasks[task.job.ID] = task
	s.mu.Unlock()
	logger.Infof("[fetch] 任务 %s 提交：%s(%s/%s) %s [%d,%d] 开市槽位=%d 休市=%d 缺口=%d",
		task.job.ID, params.Symbol, task.job.Category, params.Exchange, params.Timeframe,
		params.Start, params.End, report.Expected, report.Closed, len(report.Gaps))

	if report.Complete() {
		s.finish(task, JobStatusDone, "数据已完整，无需重新拉取", nil, nil)
		return s.snapshot(task), nil
	}
	snap := s.snapshot(task)
	go s.fill(task)
	return snap, nil
}

// fill 依次补齐每个缺口，结束后按交易日历重新检查。
func (s *Service) fill(task *fetchTask) {
	ctx := s.ctx()
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.finish(task, JobStatusFailed, "服务已关闭", task.gaps, nil)
		return
	}
	defer func() { <-s.sem }()

	s.update(task, func(j *FetchJob) { j.Status = JobStatusRunning })
	params := task.job.Params
	var warnings []string
	for _, gap := range task.gaps {
		w, err := s.fillGap(ctx, task, gap)
		warnings = append(warnings, w...)
		if err != nil {
			s.finish(task, JobStatusFailed, err.Error(), task.gaps, warnings)
			return
		}
	}

	final, err := s.store.CheckIntegrity(ctx, params.Symbol, task.tf, params.Start, params.End)
	switch {
	case err != nil:
		s.finish(task, JobStatusFailed, "完整性检查失败: "+err.Error(), task.gaps, warnings)
	case !final.Complete():
		s.update(task, func(j *FetchJob) { j.Completed = final.Present })
		s.finish(task, JobStatusPartial, "已完成，但开市时段仍存在缺口", final.Gaps, warnings)
	default:
		s.update(task, func(j *FetchJob) { j.Completed = final.Present })
		s.finish(task, JobStatusDone, "拉取完成", nil, warnings)
	}
}

func (s *Service) fillGap(ctx context.Context, task *fetchTask, gap Gap) ([]string, error) {
	params := task.job.Params
	step := task.tf.durationMillis()
	var warnings []string
	for cursor := gap.From; cursor <= gap.To; {
		if err := s.limiter.Wait(ctx); err != nil {
			return warnings, err
		}
		limit := int(min((gap.To-cursor)/step+1, int64(s.maxBatch)))
		data, err := task.src.Fetch(ctx, FetchRequest{
			Symbol:   params.Symbol,
			Interval: task.tf.SourceInterval,
			Start:    cursor,
			End:      gap.To,
			Limit:    limit,
		})
		if err != nil {
			return warnings, fmt.Errorf("%s 拉取失败: %w", task.src.Name(), err)
		}
		if len(data) == 0 {
			warnings = append(warnings, fmt.Sprintf("区间 [%d,%d] 拉取为空", cursor, gap.To))
			return warnings, nil
		}
		written, err := s.store.InsertBars(ctx, params.Symbol, params.Timeframe, data)
		if err != nil {
			return warnings, fmt.Errorf("写入失败: %w", err)
		}
		s.update(task, func(j *FetchJob) {
			j.Completed = min(j.Completed+int64(written), j.Total)
		})
		if written == 0 {
			return warnings, nil
		}
		cursor = data[len(data)-1].OpenTime + step
	}
	return warnings, nil
}

func (s *Service) update(task *fetchTask, fn func(*FetchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&task.job)
	task.job.UpdatedAt = time.Now()
}

func (s *Service) finish(task *fetchTask, status, message string, gaps []Gap, warnings []string) {
	s.update(task, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, gaps...)
		if len(warnings) > 0 {
			j.Warnings = append([]string{}, warnings...)
		}
	})
	close(task.done)
	logger.Infof("[fetch] 任务 %s 结束：状态=%s 缺口=%d", task.job.ID, status, len(gaps))
}

func (s *Service) snapshot(task *fetchTask) FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := task.job
	out.Missing = append([]Gap(nil), task.job.Missing...)
	out.Warnings = append([]string(nil), task.job.Warnings...)
	return out
}

// JobSnapshot 返回任务副本。
func (s *Service) JobSnapshot(id string) (FetchJob, bool) {
	s.mu.RLock()
	task, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return FetchJob{}, false
	}
	return s.snapshot(task), true
}

// Wait 阻塞到任务结束或 ctx 取消；progress 非空时每 poll 回调一次当前进度。
func (s *Service) Wait(ctx context.Context, id string, poll time.Duration, progress func(FetchJob)) (FetchJob, error) {
	s.mu.RLock()
	task, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return FetchJob{}, fmt.Errorf("未知任务: %s", id)
	}
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-task.done:
			return s.snapshot(task), nil
		case <-ctx.Done():
			return s.snapshot(task), ctx.Err()
		case <-ticker.C:
			if progress != nil {
				progress(s.snapshot(task))
			}
		}
	}
}

// Integrity 返回本地数据在品种交易日历下的缺口报告。
func (s *Service) Integrity(ctx context.Context, symbol, timeframe string, start, end int64) (IntegrityReport, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return IntegrityReport{}, err
	}
	return s.store.CheckIntegrity(ctx, symbol, tf, start, end)
}

// Series 返回本地覆盖信息。
func (s *Service) Series(ctx context.Context, symbol, timeframe string) (SeriesInfo, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return SeriesInfo{}, err
	}
	return s.store.Series(ctx, symbol, tf.Key)
}

// Candles 返回 end 之前最近的 limit 根 K 线；start>0 时改为返回 [start, end] 区间。
func (s *Service) Candles(ctx context.Context, symbol, timeframe string, start, end int64, limit int) ([]market.Bar, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		return s.store.Bars(ctx, symbol, tf.Key, start, end)
	}
	return s.store.Tail(ctx, symbol, tf.Key, end, limit)
}
