package app

import (
	"context"

	"tradecore/internal/backtest"
	"tradecore/internal/store/sqlite"
)

// BacktestService 管理回测数据、服务与 HTTP 暴露。
type BacktestService struct {
	store   *backtest.CandleStore
	results *backtest.ResultStore
	journal *sqlite.SqliteStore
	svc     *backtest.Service
	sim     *backtest.Simulator
	server  *backtest.HTTPServer
}

// bind 绑定上下文，用于取消拉取与异步回测任务。
func (b *BacktestService) bind(ctx context.Context) {
	if b == nil {
		return
	}
	if b.svc != nil {
		b.svc.SetContext(ctx)
	}
	if b.sim != nil {
		b.sim.SetContext(ctx)
	}
}

// Close 释放回测相关资源。
func (b *BacktestService) Close() {
	if b == nil {
		return
	}
	if b.journal != nil {
		_ = b.journal.Close()
	}
	if b.results != nil {
		_ = b.results.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
}
