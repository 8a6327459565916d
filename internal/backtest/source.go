package backtest

import (
	"context"
	"fmt"

	"tradecore/internal/market"
)

// FetchRequest 描述一次远端 K 线请求。
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64 // Unix ms
	End      int64 // Unix ms（可选；0 表示不限制）
	Limit    int
}

// CandleSource 统一不同交易所/数据源的拉取行为。
type CandleSource interface {
	Fetch(ctx context.Context, req FetchRequest) ([]market.Bar, error)
	Name() string
}

// BarsRequest 描述回测需要的一段 K 线。
type BarsRequest struct {
	Symbol   string
	Interval string
	Start    int64 // Unix ms，含
	End      int64 // Unix ms，含
}

// MarketDataSource 为模拟器提供历史 K 线；没有数据时返回空切片而不是错误。
type MarketDataSource interface {
	GetBars(ctx context.Context, req BarsRequest) ([]market.Bar, error)
}

// StoreSource 从本地 CandleStore 读取。
type StoreSource struct {
	store *CandleStore
}

// NewStoreSource 包装 CandleStore。
func NewStoreSource(store *CandleStore) *StoreSource {
	return &StoreSource{store: store}
}

func (s *StoreSource) GetBars(ctx context.Context, req BarsRequest) ([]market.Bar, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("store source 未初始化")
	}
	symbol := normSymbol(req.Symbol)
	if symbol == "" || req.Interval == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	return s.store.Bars(ctx, symbol, req.Interval, req.Start, req.End)
}
