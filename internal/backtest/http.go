package backtest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tradecore/internal/levels"
	"tradecore/internal/report"
	"tradecore/internal/risk"

	"github.com/gin-gonic/gin"
)

// HTTPServer 暴露补数、回测与结果查询接口。
type HTTPServer struct {
	addr       string
	svc        *Service
	sim        *Simulator
	results    *ResultStore
	signals    SignalQuerier
	levelTable func() levels.LevelTable
	router     *gin.Engine
}

type HTTPConfig struct {
	Addr       string
	Svc        *Service
	Simulator  *Simulator
	Results    *ResultStore
	Signals    SignalQuerier
	LevelTable func() levels.LevelTable
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Svc == nil && cfg.Results == nil {
		return nil, errors.New("service 与 result store 至少需要一个")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if cfg.LevelTable == nil {
		cfg.LevelTable = levels.DefaultLevelTable
	}
	gin.SetMode(gin.ReleaseMode)
	s := &HTTPServer{
		addr:       cfg.Addr,
		svc:        cfg.Svc,
		sim:        cfg.Simulator,
		results:    cfg.Results,
		signals:    cfg.Signals,
		levelTable: cfg.LevelTable,
		router:     gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s, nil
}

// Handler 返回路由，便于测试或挂载到其它 server。
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) routes() {
	api := s.router.Group("/api/backtest")

	data := api.Group("", s.need(s.svc != nil, "拉取服务未启用"))
	data.POST("/fetch", s.handleFetch)
	data.GET("/fetch/:id", s.handleFetchStatus)
	data.GET("/series", s.handleSeries)
	data.GET("/integrity", s.handleIntegrity)
	data.GET("/candles", s.handleCandles)

	runs := api.Group("", s.need(s.results != nil, "结果存储未启用"))
	runs.GET("/runs", s.handleRunList)
	runs.GET("/configs", s.handleConfigs)
	runs.GET("/runs/:id", s.handleRunDetail)
	runs.GET("/runs/:id/trades", s.handleRunTrades)
	runs.GET("/runs/:id/snapshots", s.handleRunSnapshots)
	runs.GET("/runs/:id/chart", s.handleRunChart)

	api.GET("/runs/:id/signals", s.need(s.signals != nil, "信号日志未启用"), s.handleRunSignals)
	api.POST("/runs", s.need(s.sim != nil, "模拟器未启用"), s.handleRunStart)
	api.GET("/strategies", s.need(s.sim != nil, "模拟器未启用"), s.handleStrategies)
	api.GET("/levels", s.handleLevels)
}

// need 在依赖缺失时以 503 终止请求。
func (s *HTTPServer) need(ok bool, msg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ok {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": msg})
		}
	}
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

func queryInt64(c *gin.Context, key string) int64 {
	v, _ := strconv.ParseInt(c.Query(key), 10, 64)
	return v
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

// seriesQuery 是 symbol+timeframe 必填的查询参数。
type seriesQuery struct {
	Symbol    string `form:"symbol" binding:"required"`
	Timeframe string `form:"timeframe" binding:"required"`
	StartTS   int64  `form:"start_ts"`
	EndTS     int64  `form:"end_ts"`
	Limit     int    `form:"limit"`
}

func (s *HTTPServer) handleFetch(c *gin.Context) {
	var req struct {
		Exchange  string `json:"exchange"`
		Symbol    string `json:"symbol" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		StartTS   int64  `json:"start_ts" binding:"required"`
		EndTS     int64  `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	job, err := s.svc.SubmitFetch(FetchParams{
		Exchange:  req.Exchange,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Start:     req.StartTS,
		End:       req.EndTS,
	})
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *HTTPServer) handleFetchStatus(c *gin.Context) {
	job, ok := s.svc.JobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *HTTPServer) handleSeries(c *gin.Context) {
	var q seriesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	info, err := s.svc.Series(c.Request.Context(), q.Symbol, q.Timeframe)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"series": info})
}

func (s *HTTPServer) handleIntegrity(c *gin.Context) {
	var q seriesQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.StartTS <= 0 || q.EndTS <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe/start_ts/end_ts 必填"})
		return
	}
	rep, err := s.svc.Integrity(c.Request.Context(), q.Symbol, q.Timeframe, q.StartTS, q.EndTS)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep, "complete": rep.Complete(), "missing": rep.Missing()})
}

func (s *HTTPServer) handleCandles(c *gin.Context) {
	var q seriesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	bars, err := s.svc.Candles(c.Request.Context(), q.Symbol, q.Timeframe, q.StartTS, q.EndTS, q.Limit)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": bars})
}

func (s *HTTPServer) handleRunStart(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	run, err := s.sim.StartRun(req)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

// handleRunList 支持 strategy/symbol/config_key/status 过滤。
func (s *HTTPServer) handleRunList(c *gin.Context) {
	runs, err := s.results.ListRuns(c.Request.Context(), RunFilter{
		Strategy:  c.Query("strategy"),
		Symbol:    c.Query("symbol"),
		ConfigKey: c.Query("config_key"),
		Status:    c.Query("status"),
		Limit:     queryInt(c, "limit", 50),
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *HTTPServer) handleConfigs(c *gin.Context) {
	configs, err := s.results.ListConfigs(c.Request.Context(), c.Query("strategy"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

func (s *HTTPServer) handleRunDetail(c *gin.Context) {
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *HTTPServer) handleRunTrades(c *gin.Context) {
	trades, err := s.results.ListTrades(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 200))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *HTTPServer) handleRunSnapshots(c *gin.Context) {
	snaps, err := s.results.ListSnapshots(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 400))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *HTTPServer) handleRunSignals(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := s.signals.ListSignals(ctx, c.Param("id"), normSymbol(c.Query("symbol")), queryInt(c, "limit", 500))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	rejections, err := s.signals.RejectionCounts(ctx, c.Param("id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": list, "rejections": rejections})
}

// handleRunChart 由已持久化的资金曲线与成交重算绩效并渲染 HTML。
func (s *HTTPServer) handleRunChart(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.results.GetRun(ctx, c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	snaps, err := s.results.ListSnapshots(ctx, run.ID, 20000)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	records, err := s.results.ListTrades(ctx, run.ID, 2000)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	trades := make([]risk.Trade, len(records))
	for i, rec := range records {
		trades[i] = rec.Trade
	}
	var buf bytes.Buffer
	if err := report.Render(&buf, ReportPage(run, snaps, trades)); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *HTTPServer) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.sim.Strategies(), "defaults": s.sim.Defaults(), "timeframes": SupportedTimeframes()})
}

func (s *HTTPServer) handleLevels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"table": s.levelTable()})
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
		return nil
	case err := <-errCh:
		return err
	}
}
