// Package risk sizes positions and owns the open book of one simulated portfolio.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"tradecore/internal/logger"
	"tradecore/internal/market"
	"tradecore/internal/strategy"
)

var (
	// ErrInvalidSizing 价格风险为 0 或计算出的仓位 <= 0。
	ErrInvalidSizing = errors.New("invalid position sizing")
	// ErrConstraintViolation 是所有风控拒绝的父错误。
	ErrConstraintViolation = errors.New("risk constraint violated")

	ErrMaxPositions      = fmt.Errorf("%w: max open positions reached", ErrConstraintViolation)
	ErrDuplicatePosition = fmt.Errorf("%w: position already open", ErrConstraintViolation)
	ErrDrawdownLimit     = fmt.Errorf("%w: drawdown limit reached", ErrConstraintViolation)
	ErrCategoryCap       = fmt.Errorf("%w: category concentration cap reached", ErrConstraintViolation)

	// ErrNoPosition 平仓/估值时找不到持仓。
	ErrNoPosition = errors.New("no open position")
)

// Config 风控参数。
// 后三项为 nil 时取默认值；显式设为 0 表示关闭对应限制。
type Config struct {
	InitialCapital float64  `json:"initial_capital"`
	RiskPerTrade   float64  `json:"risk_per_trade"`
	MaxPositions   int      `json:"max_positions"`
	MaxDrawdownUSD *float64 `json:"max_drawdown_usd,omitempty"`
	MarginCapPct   *float64 `json:"margin_cap_pct,omitempty"`
	MaxPerCategory *int     `json:"max_per_category,omitempty"`
}

// DefaultConfig 返回 100k 资金、单笔 0.25% 风险、最多 6 仓、回撤 1500 美元的默认参数。
func DefaultConfig() Config {
	return Config{
		InitialCapital: 100000,
		RiskPerTrade:   0.0025,
		MaxPositions:   6,
		MaxDrawdownUSD: ptrFloat(1500),
		MarginCapPct:   ptrFloat(0.3),
		MaxPerCategory: ptrInt(2),
	}
}

// WithDefaults 补齐缺省字段：前三项 <=0 视为未设置，指针字段仅在 nil 时补齐。
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.InitialCapital <= 0 {
		c.InitialCapital = def.InitialCapital
	}
	if c.RiskPerTrade <= 0 {
		c.RiskPerTrade = def.RiskPerTrade
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = def.MaxPositions
	}
	if c.MaxDrawdownUSD == nil {
		c.MaxDrawdownUSD = def.MaxDrawdownUSD
	}
	if c.MarginCapPct == nil {
		c.MarginCapPct = def.MarginCapPct
	}
	if c.MaxPerCategory == nil {
		c.MaxPerCategory = def.MaxPerCategory
	}
	return c
}

// DrawdownLimit 返回回撤熔断阈值；ok=false 表示未启用。
func (c Config) DrawdownLimit() (float64, bool) {
	if c.MaxDrawdownUSD == nil || *c.MaxDrawdownUSD <= 0 {
		return 0, false
	}
	return *c.MaxDrawdownUSD, true
}

// MarginCap 返回保证金占权益上限；ok=false 表示不限制。
func (c Config) MarginCap() (float64, bool) {
	if c.MarginCapPct == nil || *c.MarginCapPct <= 0 {
		return 0, false
	}
	return *c.MarginCapPct, true
}

// CategoryCap 返回同类别最大持仓数；ok=false 表示不限制。
func (c Config) CategoryCap() (int, bool) {
	if c.MaxPerCategory == nil || *c.MaxPerCategory <= 0 {
		return 0, false
	}
	return *c.MaxPerCategory, true
}

func ptrFloat(v float64) *float64 { return &v }

func ptrInt(v int) *int { return &v }

// ExitReason 平仓原因。
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitManual     ExitReason = "manual"
)

// Position 一个品种上的未平仓头寸。
type Position struct {
	Symbol        string             `json:"symbol"`
	Category      market.Category    `json:"category"`
	Direction     strategy.Direction `json:"direction"`
	Size          float64            `json:"size"`
	Entry         float64            `json:"entry"`
	Stop          float64            `json:"stop"`
	Target        float64            `json:"target"`
	EntryTime     time.Time          `json:"entry_time"`
	UnitValue     float64            `json:"unit_value"`
	Margin        float64            `json:"margin"`
	LastPrice     float64            `json:"last_price"`
	UnrealizedPnL float64            `json:"unrealized_pnl"`
	MaxFavorable  float64            `json:"max_favorable"`
	MaxAdverse    float64            `json:"max_adverse"`
	Origin        string             `json:"origin,omitempty"`
	Score         float64            `json:"score,omitempty"`
}

// Trade 已平仓记录。
type Trade struct {
	Position
	Exit        float64    `json:"exit"`
	ExitTime    time.Time  `json:"exit_time"`
	RealizedPnL float64    `json:"realized_pnl"`
	ExitReason  ExitReason `json:"exit_reason"`
}

// HoldingTime 返回持仓时长。
func (t Trade) HoldingTime() time.Duration {
	if t.ExitTime.Before(t.EntryTime) {
		return 0
	}
	return t.ExitTime.Sub(t.EntryTime)
}

// EntryRequest 开仓请求。
type EntryRequest struct {
	Symbol    string
	Direction strategy.Direction
	Size      float64
	Entry     float64
	Stop      float64
	Target    float64
	At        time.Time
	Origin    string
	Score     float64
}

// Summary 组合概览。
type Summary struct {
	InitialCapital float64 `json:"initial_capital"`
	Capital        float64 `json:"capital"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	Equity         float64 `json:"equity"`
	Drawdown       float64 `json:"drawdown"`
	MaxDrawdownUSD float64 `json:"max_drawdown_usd"`
	OpenPositions  int     `json:"open_positions"`
	MaxPositions   int     `json:"max_positions"`
	ClosedTrades   int     `json:"closed_trades"`
	Halted         bool    `json:"halted"`
}

// Manager 持有一次回测的资金与持仓，所有方法并发安全。
type Manager struct {
	cfg     Config
	catalog market.Catalog

	mu        sync.RWMutex
	capital   float64
	positions map[string]*Position
	trades    []Trade
	halted    bool
}

// NewManager 使用 cfg 与品种目录构建风控管理器。
func NewManager(cfg Config, catalog market.Catalog) *Manager {
	cfg = cfg.WithDefaults()
	if catalog == nil {
		catalog = market.DefaultCatalog()
	}
	return &Manager{
		cfg:       cfg,
		catalog:   catalog,
		capital:   cfg.InitialCapital,
		positions: make(map[string]*Position),
	}
}

// Config 返回生效参数。
func (m *Manager) Config() Config { return m.cfg }

// SizePosition 按单笔风险与保证金上限计算仓位。
func (m *Manager) SizePosition(symbol string, entry, stop, equity float64) (float64, error) {
	inst, err := m.catalog.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	return SizeFor(inst, m.cfg, entry, stop, equity)
}

// SizeFor 计算 inst 的仓位：floor(equity*riskPerTrade / (|entry-stop|*unitValue)) 按步长取整，
// 再将保证金压到 equity*MarginCapPct 以内。
func SizeFor(inst market.Instrument, cfg Config, entry, stop, equity float64) (float64, error) {
	cfg = cfg.WithDefaults()
	priceRisk := math.Abs(entry - stop)
	if entry <= 0 || priceRisk == 0 || equity <= 0 {
		return 0, fmt.Errorf("%w: %s entry=%.5f stop=%.5f equity=%.2f", ErrInvalidSizing, inst.Symbol, entry, stop, equity)
	}
	riskPerUnit := decFromFloat(entry).Sub(decFromFloat(stop)).Abs().Mul(decFromFloat(inst.UnitValue()))
	if !riskPerUnit.IsPositive() {
		return 0, fmt.Errorf("%w: %s has no unit value", ErrInvalidSizing, inst.Symbol)
	}
	riskAmount := decFromFloat(equity).Mul(decFromFloat(cfg.RiskPerTrade))
	step := inst.Step()
	size := floorToStep(decToFloat(riskAmount.Div(riskPerUnit)), step)
	if capPct, ok := cfg.MarginCap(); ok && size > 0 {
		capAmount := equity * capPct
		if margin := inst.MarginFor(size, entry); margin > capAmount {
			size = floorToStep(size*capAmount/margin, step)
		}
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: %s risk %s per unit %s", ErrInvalidSizing, inst.Symbol, riskAmount.StringFixed(2), riskPerUnit.StringFixed(4))
	}
	return size, nil
}

// AcceptEntry 通过全部风控检查后登记持仓。
func (m *Manager) AcceptEntry(req EntryRequest) error {
	if req.Size <= 0 {
		return fmt.Errorf("%w: size %.4f", ErrInvalidSizing, req.Size)
	}
	inst, err := m.catalog.Lookup(req.Symbol)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return ErrDrawdownLimit
	}
	if limit, ok := m.cfg.DrawdownLimit(); ok {
		if dd := m.drawdownLocked(); dd >= limit {
			m.halted = true
			logger.Warnf("[risk] drawdown %.2f >= %.2f, new entries halted", dd, limit)
			return ErrDrawdownLimit
		}
	}
	if _, ok := m.positions[inst.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, inst.Symbol)
	}
	if len(m.positions) >= m.cfg.MaxPositions {
		return fmt.Errorf("%w: %d", ErrMaxPositions, m.cfg.MaxPositions)
	}
	if limit, ok := m.cfg.CategoryCap(); ok {
		sameCategory := 0
		for _, p := range m.positions {
			if p.Category == inst.Category {
				sameCategory++
			}
		}
		if sameCategory >= limit {
			return fmt.Errorf("%w: %s has %d open", ErrCategoryCap, inst.Category, sameCategory)
		}
	}
	m.positions[inst.Symbol] = &Position{
		Symbol:    inst.Symbol,
		Category:  inst.Category,
		Direction: req.Direction,
		Size:      req.Size,
		Entry:     req.Entry,
		Stop:      req.Stop,
		Target:    req.Target,
		EntryTime: req.At,
		UnitValue: inst.UnitValue(),
		Margin:    inst.MarginFor(req.Size, req.Entry),
		LastPrice: req.Entry,
		Origin:    req.Origin,
		Score:     req.Score,
	}
	logger.Debugf("[risk] open %s %s size=%.4f entry=%.5f stop=%.5f target=%.5f", req.Direction, inst.Symbol, req.Size, req.Entry, req.Stop, req.Target)
	return nil
}

// MarkToMarket 以 price 重估持仓浮盈并更新最大有利/不利偏移。
func (m *Manager) MarkToMarket(symbol string, price float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	p.LastPrice = price
	p.UnrealizedPnL = pnlFor(p.Direction, p.Entry, price, p.UnitValue, p.Size)
	if p.UnrealizedPnL > p.MaxFavorable {
		p.MaxFavorable = p.UnrealizedPnL
	}
	if p.UnrealizedPnL < p.MaxAdverse {
		p.MaxAdverse = p.UnrealizedPnL
	}
	return p.UnrealizedPnL, nil
}

// CheckStop 价格触及止损（含边界）返回 true。
func (m *Manager) CheckStop(symbol string, price float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	return ok && hitStopLoss(p.Direction, price, p.Stop)
}

// CheckTarget 价格触及止盈（含边界）返回 true。
func (m *Manager) CheckTarget(symbol string, price float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	return ok && hitTakeProfit(p.Direction, price, p.Target)
}

// ClosePosition 以 exit 平仓，已实现盈亏计入资金。
func (m *Manager) ClosePosition(symbol string, exit float64, reason ExitReason, at time.Time) (Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	pnl := pnlFor(p.Direction, p.Entry, exit, p.UnitValue, p.Size)
	pos := *p
	pos.LastPrice = exit
	pos.UnrealizedPnL = 0
	if pnl > pos.MaxFavorable {
		pos.MaxFavorable = pnl
	}
	if pnl < pos.MaxAdverse {
		pos.MaxAdverse = pnl
	}
	trade := Trade{Position: pos, Exit: exit, ExitTime: at, RealizedPnL: pnl, ExitReason: reason}
	m.capital += pnl
	m.trades = append(m.trades, trade)
	delete(m.positions, symbol)
	logger.Debugf("[risk] close %s %s exit=%.5f pnl=%.2f reason=%s capital=%.2f", pos.Direction, symbol, exit, pnl, reason, m.capital)
	return trade, nil
}

// Capital 已实现资金。
func (m *Manager) Capital() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capital
}

// UnrealizedPnL 全部持仓浮动盈亏。
func (m *Manager) UnrealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unrealizedLocked()
}

func (m *Manager) unrealizedLocked() float64 {
	total := 0.0
	for _, p := range m.positions {
		total += p.UnrealizedPnL
	}
	return total
}

// Equity = 资金 + 浮动盈亏。
func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capital + m.unrealizedLocked()
}

// Drawdown 已实现资金低于初始资金的部分；盈利时为 0。
func (m *Manager) Drawdown() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drawdownLocked()
}

func (m *Manager) drawdownLocked() float64 {
	return math.Max(0, m.cfg.InitialCapital-m.capital)
}

// Halted 回撤熔断后返回 true，此后拒绝所有新开仓。
func (m *Manager) Halted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted
}

// HasPosition 判断品种是否持仓。
func (m *Manager) HasPosition(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.positions[symbol]
	return ok
}

// Positions 返回按 symbol 排序的持仓副本。
func (m *Manager) Positions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Trades 返回成交记录副本。
func (m *Manager) Trades() []Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Trade(nil), m.trades...)
}

// Summary 返回组合概览。
func (m *Manager) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	unrealized := m.unrealizedLocked()
	limit, _ := m.cfg.DrawdownLimit()
	return Summary{
		InitialCapital: m.cfg.InitialCapital,
		Capital:        m.capital,
		UnrealizedPnL:  unrealized,
		Equity:         m.capital + unrealized,
		Drawdown:       m.drawdownLocked(),
		MaxDrawdownUSD: limit,
		OpenPositions:  len(m.positions),
		MaxPositions:   m.cfg.MaxPositions,
		ClosedTrades:   len(m.trades),
		Halted:         m.halted,
	}
}

// Reason 把拒绝错误映射为稳定的统计 key；nil 返回空串。
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSizing):
		return "invalid_sizing"
	case errors.Is(err, ErrMaxPositions):
		return "max_positions"
	case errors.Is(err, ErrDuplicatePosition):
		return "duplicate_position"
	case errors.Is(err, ErrDrawdownLimit):
		return "drawdown_limit"
	case errors.Is(err, ErrCategoryCap):
		return "category_cap"
	case errors.Is(err, market.ErrUnknownInstrument):
		return "unknown_instrument"
	default:
		return "other"
	}
}
