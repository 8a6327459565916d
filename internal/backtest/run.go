package backtest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"tradecore/internal/performance"
	"tradecore/internal/risk"
)

const (
	RunStatusPending  = "pending"
	RunStatusRunning  = "running"
	RunStatusDone     = "done"
	RunStatusFailed   = "failed"
	RunStatusCanceled = "canceled"
)

// RunConfig 记录本次模拟的参数快照，便于重放。
type RunConfig struct {
	Strategy            string      `json:"strategy"`
	Symbols             []string    `json:"symbols"`
	Timeframe           string      `json:"timeframe"`
	StartTS             int64       `json:"start_ts"`
	EndTS               int64       `json:"end_ts"`
	WarmupBars          int         `json:"warmup_bars"`
	MinWindow           int         `json:"min_window"`
	Parallelism         int         `json:"parallelism"`
	CloseOpenAtEnd      bool        `json:"close_open_at_end"`
	Risk                risk.Config `json:"risk"`
	ConfluenceThreshold float64     `json:"confluence_threshold"`
	MaxDailyTrades      int         `json:"max_daily_trades"`
	TradingStyle        string      `json:"trading_style,omitempty"`
	LevelTable          string      `json:"level_table,omitempty"`
	Notes               string      `json:"notes,omitempty"`
}

// Key 是策略与风控参数的指纹，品种与区间不参与；同一组参数在不同品种、不同区间上的运行共享一个 key。
func (c RunConfig) Key() string {
	payload, _ := json.Marshal(struct {
		Strategy       string      `json:"strategy"`
		Timeframe      string      `json:"timeframe"`
		Risk           risk.Config `json:"risk"`
		Threshold      float64     `json:"threshold"`
		MaxDailyTrades int         `json:"max_daily_trades"`
		TradingStyle   string      `json:"trading_style"`
		LevelTable     string      `json:"level_table"`
	}{
		Strategy:       strings.ToLower(c.Strategy),
		Timeframe:      strings.ToLower(c.Timeframe),
		Risk:           c.Risk.WithDefaults(),
		Threshold:      c.ConfluenceThreshold,
		MaxDailyTrades: c.MaxDailyTrades,
		TradingStyle:   c.TradingStyle,
		LevelTable:     c.LevelTable,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

// RunStats 汇总收益、风控指标，供前端展示。
type RunStats struct {
	FinalEquity    float64            `json:"final_equity"`
	Capital        float64            `json:"capital"`
	Profit         float64            `json:"profit"`
	ReturnPct      float64            `json:"return_pct"`
	WinRate        float64            `json:"win_rate"`
	MaxDrawdownPct float64            `json:"max_drawdown_pct"`
	Sharpe         float64            `json:"sharpe"`
	Trades         int                `json:"trades"`
	Wins           int                `json:"wins"`
	Losses         int                `json:"losses"`
	Signals        int                `json:"signals"`
	Rejections     map[string]int     `json:"rejections,omitempty"`
	DroppedBars    map[string]int     `json:"dropped_bars,omitempty"`
	SourceErrors   map[string]string  `json:"source_errors,omitempty"`
	Snapshots      int                `json:"snapshots"`
	Halted         bool               `json:"halted"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	FinishedAt     time.Time          `json:"finished_at"`
}

// Run 表示一次模拟任务。
type Run struct {
	ID             string    `json:"id"`
	ConfigKey      string    `json:"config_key"`
	Strategy       string    `json:"strategy"`
	Symbols        []string  `json:"symbols"`
	Status         string    `json:"status"`
	Timeframe      string    `json:"timeframe"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	InitialCapital float64   `json:"initial_capital"`
	FinalEquity    float64   `json:"final_equity"`
	ReturnPct      float64   `json:"return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Trades         int       `json:"trades"`
	Signals        int       `json:"signals"`
	Halted         bool      `json:"halted"`
	Message        string    `json:"message"`
	Config         RunConfig `json:"config"`
	Stats          RunStats  `json:"stats"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// MarshalStats 返回 stats JSON。
func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// RunFilter 过滤运行记录；空字段不参与过滤。
type RunFilter struct {
	Strategy  string
	Symbol    string
	ConfigKey string
	Status    string
	Limit     int
}

// ConfigStats 汇总同一组参数下已完成的运行。
type ConfigStats struct {
	ConfigKey      string    `json:"config_key"`
	Strategy       string    `json:"strategy"`
	Timeframe      string    `json:"timeframe"`
	Runs           int       `json:"runs"`
	AvgReturnPct   float64   `json:"avg_return_pct"`
	BestReturnPct  float64   `json:"best_return_pct"`
	WorstReturnPct float64   `json:"worst_return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Trades         int       `json:"trades"`
	HaltedRuns     int       `json:"halted_runs"`
	LastRunAt      time.Time `json:"last_run_at"`
}

// TradeRecord 是持久化后的一笔平仓记录。
type TradeRecord struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	risk.Trade
}

// Snapshot 是每个时间点的组合状态。
type Snapshot struct {
	ID            int64   `json:"id"`
	RunID         string  `json:"run_id"`
	TS            int64   `json:"ts"`
	Equity        float64 `json:"equity"`
	Capital       float64 `json:"capital"`
	Unrealized    float64 `json:"unrealized"`
	OpenPositions int     `json:"open_positions"`
	Drawdown      float64 `json:"drawdown"`
	Halted        bool    `json:"halted"`
}

// Time 返回快照时间。
func (s Snapshot) Time() time.Time { return time.UnixMilli(s.TS).UTC() }

// EquityCurve 把快照转为绩效分析使用的资金曲线。
func EquityCurve(snaps []Snapshot) []performance.EquityPoint {
	out := make([]performance.EquityPoint, len(snaps))
	for i, s := range snaps {
		out[i] = performance.EquityPoint{Time: s.Time(), Equity: s.Equity}
	}
	return out
}

// RunRequest 为 HTTP/CLI 提交使用；零值字段取模拟器默认值。
type RunRequest struct {
	Strategy            string   `json:"strategy"`
	Symbols             []string `json:"symbols" binding:"required"`
	Timeframe           string   `json:"timeframe"`
	StartTS             int64    `json:"start_ts" binding:"required"`
	EndTS               int64    `json:"end_ts" binding:"required"`
	InitialCapital      float64  `json:"initial_capital"`
	RiskPerTrade        float64  `json:"risk_per_trade"`
	MaxPositions        int      `json:"max_positions"`
	MaxDrawdownUSD      float64  `json:"max_drawdown_usd"`
	ConfluenceThreshold float64  `json:"confluence_threshold"`
	MaxDailyTrades      int      `json:"max_daily_trades"`
	TradingStyle        string   `json:"trading_style"`
	CloseOpenAtEnd      *bool    `json:"close_open_at_end"`
	Notes               string   `json:"notes"`
}

// Result 是一次同步运行的完整输出。
type Result struct {
	RunID    string             `json:"run_id"`
	Config   RunConfig          `json:"config"`
	Stats    RunStats           `json:"stats"`
	Report   performance.Report `json:"report"`
	Summary  risk.Summary       `json:"summary"`
	Equity   []Snapshot         `json:"equity"`
	Trades   []risk.Trade       `json:"trades"`
	Open     []risk.Position    `json:"open,omitempty"`
	Canceled bool               `json:"canceled,omitempty"`
}
