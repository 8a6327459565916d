package backtest

import (
	"context"
	"time"

	"tradecore/internal/levels"
	"tradecore/internal/strategy"
)

// SignalDecision 记录一个候选信号在风控环节的处理结果。
type SignalDecision struct {
	RunID    string                `json:"run_id"`
	Strategy string                `json:"strategy"`
	Symbol   string                `json:"symbol"`
	At       time.Time             `json:"at"`
	Signal   strategy.RankedSignal `json:"signal"`
	Levels   strategy.Levels       `json:"levels"`
	Size     float64               `json:"size"`
	Accepted bool                  `json:"accepted"`
	Reason   string                `json:"reason,omitempty"`
}

// SignalJournal 持久化每个时间点的信号决策；写入失败不会中断回测。
type SignalJournal interface {
	RecordSignals(ctx context.Context, decisions []SignalDecision) error
}

// SignalQuerier 读取已记录的信号决策，供 HTTP 接口使用。
type SignalQuerier interface {
	ListSignals(ctx context.Context, runID, symbol string, limit int) ([]SignalDecision, error)
	RejectionCounts(ctx context.Context, runID string) (map[string]int, error)
}

// StrategyConfigFunc 返回当前生效的策略参数，每次 run 开始时调用一次。
type StrategyConfigFunc func() strategy.Config

// buildStrategy 把 run 级别参数叠加到基础策略配置上。
func buildStrategy(reg *strategy.Registry, base strategy.Config, cfg RunConfig) (strategy.Strategy, strategy.Config, error) {
	sc := base
	if cfg.ConfluenceThreshold > 0 {
		sc.Confluence.Threshold = strategy.Float(cfg.ConfluenceThreshold)
	}
	if cfg.MaxDailyTrades > 0 {
		sc.Confluence.MaxSignals = cfg.MaxDailyTrades
	}
	if cfg.TradingStyle != "" {
		if size, ok := levels.StyleSize(cfg.TradingStyle); ok {
			sc.Confluence.RangeSize = size
		}
	}
	st, err := reg.Build(cfg.Strategy, sc)
	if err != nil {
		return nil, sc, err
	}
	return st, sc, nil
}
