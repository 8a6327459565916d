package backtest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"tradecore/internal/market"
	"tradecore/internal/risk"
	"tradecore/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var simStart = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

type MockMarketData struct {
	mock.Mock
}

func (m *MockMarketData) GetBars(ctx context.Context, req BarsRequest) ([]market.Bar, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]market.Bar), args.Error(1)
}

// scripted emits a fixed signal when the window ends on a given bar.
type scripted struct {
	at map[string]map[int]strategy.Signal
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Analyze(in strategy.Input) strategy.Analysis {
	last, _ := in.Bars.Last()
	return strategy.Analysis{Symbol: in.Symbol, At: in.At, Ready: true, Price: last.Close}
}

func (s *scripted) GenerateSignals(in strategy.Input) ([]strategy.RankedSignal, strategy.Analysis) {
	a := s.Analyze(in)
	last, _ := in.Bars.Last()
	idx := int(time.UnixMilli(last.OpenTime).Sub(simStart) / time.Hour)
	sig, ok := s.at[in.Symbol][idx]
	if !ok {
		return nil, a
	}
	sig.Symbol = in.Symbol
	return []strategy.RankedSignal{{Signal: sig, Score: 0.9}}, a
}

type memJournal struct {
	mu        sync.Mutex
	decisions []SignalDecision
}

func (j *memJournal) RecordSignals(_ context.Context, decisions []SignalDecision) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.decisions = append(j.decisions, decisions...)
	return nil
}

func (j *memJournal) ListSignals(_ context.Context, runID, symbol string, limit int) ([]SignalDecision, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []SignalDecision
	for _, d := range j.decisions {
		if d.RunID != runID || (symbol != "" && d.Symbol != symbol) {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (j *memJournal) RejectionCounts(_ context.Context, runID string) (map[string]int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]int)
	for _, d := range j.decisions {
		if d.RunID == runID && !d.Accepted {
			out[d.Reason]++
		}
	}
	return out, nil
}

// hourlyBars builds n flat bars around 4500; closes overrides the close of selected bars.
func hourlyBars(n int, closes map[int]float64) []market.Bar {
	out := make([]market.Bar, n)
	for i := range out {
		c := 4500.0
		if v, ok := closes[i]; ok {
			c = v
		}
		open := simStart.Add(time.Duration(i) * time.Hour).UnixMilli()
		out[i] = market.Bar{
			OpenTime:  open,
			CloseTime: open + time.Hour.Milliseconds() - 1,
			Open:      4500,
			High:      math.Max(4502, c+1),
			Low:       math.Min(4498, c-1),
			Close:     c,
			Volume:    1000,
		}
	}
	return out
}

func longAt(entry, stop, target float64) strategy.Signal {
	return strategy.Signal{Direction: strategy.Long, Strength: 0.9, Entry: entry, Stop: stop, Target: target, Origin: strategy.OriginCustom}
}

func newTestSimulator(t *testing.T, src MarketDataSource, script *scripted, opts ...func(*SimulatorConfig)) *Simulator {
	t.Helper()
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register("scripted", func(strategy.Config) strategy.Strategy { return script }))
	cfg := SimulatorConfig{
		Source:   src,
		Registry: reg,
		Catalog:  market.DefaultCatalog(),
		Defaults: RunConfig{Strategy: "scripted"},
	}
	for _, o := range opts {
		o(&cfg)
	}
	sim, err := NewSimulator(cfg)
	require.NoError(t, err)
	return sim
}

func runRequest(symbols ...string) RunRequest {
	return RunRequest{
		Symbols: symbols,
		StartTS: simStart.UnixMilli(),
		EndTS:   simStart.Add(29 * time.Hour).UnixMilli(),
	}
}

func TestSimulatorRunTakeProfit(t *testing.T) {
	src := new(MockMarketData)
	warm := simStart.Add(-defaultWarmupBars * time.Hour).UnixMilli()
	src.On("GetBars", mock.Anything, mock.MatchedBy(func(r BarsRequest) bool {
		return r.Symbol == "ES" && r.Interval == "1h" && r.Start == warm
	})).Return(hourlyBars(30, map[int]float64{22: 4505}), nil).Once()

	script := &scripted{at: map[string]map[int]strategy.Signal{
		"ES": {20: longAt(4500, 4498, 4504)},
	}}
	journal := &memJournal{}
	sim := newTestSimulator(t, src, script, func(c *SimulatorConfig) { c.Journal = journal })

	res, err := sim.Run(context.Background(), runRequest("es"))
	require.NoError(t, err)
	src.AssertExpectations(t)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, risk.ExitTakeProfit, tr.ExitReason)
	assert.Equal(t, 2.0, tr.Size)
	assert.InDelta(t, 500, tr.RealizedPnL, 1e-9)
	assert.Equal(t, simStart.Add(23*time.Hour-time.Millisecond), tr.ExitTime)

	// windows reach 20 bars at index 19, so 11 of the 30 timestamps are replayed
	require.Len(t, res.Equity, 11)
	assert.Equal(t, simStart.Add(20*time.Hour-time.Millisecond).UnixMilli(), res.Equity[0].TS)
	last := res.Equity[len(res.Equity)-1]
	assert.InDelta(t, 100500, last.Equity, 1e-9)
	assert.Zero(t, last.OpenPositions)

	assert.Equal(t, 1, res.Stats.Signals)
	assert.Equal(t, 1, res.Stats.Trades)
	assert.InDelta(t, 100500, res.Stats.FinalEquity, 1e-9)
	assert.InDelta(t, 0.005, res.Report.TotalReturn, 1e-9)
	assert.Empty(t, res.Open)
	assert.False(t, res.Canceled)

	require.Len(t, journal.decisions, 1)
	assert.True(t, journal.decisions[0].Accepted)
	assert.Equal(t, "ES", journal.decisions[0].Symbol)
	assert.Equal(t, 2.0, journal.decisions[0].Size)
}

func TestSimulatorATRTargetAndStopLoss(t *testing.T) {
	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.Anything).Return(hourlyBars(30, map[int]float64{21: 4497}), nil)

	// a target below entry is invalid for a long and is replaced by entry + 4*ATR(14)
	script := &scripted{at: map[string]map[int]strategy.Signal{
		"ES": {20: longAt(4500, 4498, 4496.5)},
	}}
	journal := &memJournal{}
	sim := newTestSimulator(t, src, script, func(c *SimulatorConfig) { c.Journal = journal })
	res, err := sim.Run(context.Background(), runRequest("ES"))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, risk.ExitStopLoss, tr.ExitReason)
	assert.Equal(t, 4498.0, tr.Stop)
	assert.InDelta(t, 4516, tr.Target, 1e-6)
	assert.InDelta(t, -300, tr.RealizedPnL, 1e-9)
	require.Len(t, journal.decisions, 1)
	assert.True(t, journal.decisions[0].Levels.ATRApplied)
}

func TestSimulatorNoData(t *testing.T) {
	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.Anything).Return([]market.Bar{}, nil)

	sim := newTestSimulator(t, src, &scripted{})
	_, err := sim.Run(context.Background(), runRequest("ES", "NQ"))
	require.ErrorIs(t, err, ErrNoData)
	src.AssertNumberOfCalls(t, "GetBars", 2)
}

func TestSimulatorSourceErrorSkipsInstrument(t *testing.T) {
	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.MatchedBy(func(r BarsRequest) bool { return r.Symbol == "ES" })).
		Return(nil, errors.New("es db corrupt"))
	src.On("GetBars", mock.Anything, mock.MatchedBy(func(r BarsRequest) bool { return r.Symbol == "NQ" })).
		Return(hourlyBars(30, map[int]float64{22: 4505}), nil)

	script := &scripted{at: map[string]map[int]strategy.Signal{
		"NQ": {20: longAt(4500, 4498, 4504)},
	}}
	sim := newTestSimulator(t, src, script)
	res, err := sim.Run(context.Background(), runRequest("ES", "NQ"))
	require.NoError(t, err)
	src.AssertNumberOfCalls(t, "GetBars", 2)

	assert.Equal(t, "es db corrupt", res.Stats.SourceErrors["ES"])
	assert.NotContains(t, res.Stats.SourceErrors, "NQ")
	assert.Len(t, res.Equity, 11)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "NQ", res.Trades[0].Symbol)
}

func TestSimulatorAllSourcesFail(t *testing.T) {
	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	sim := newTestSimulator(t, src, &scripted{})
	_, err := sim.Run(context.Background(), runRequest("ES", "NQ"))
	require.ErrorIs(t, err, ErrNoData)
}

func TestSimulatorDropsMalformedBars(t *testing.T) {
	bars := hourlyBars(30, nil)
	bars[5].High = bars[5].Low - 1
	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.Anything).Return(bars, nil)

	sim := newTestSimulator(t, src, &scripted{})
	res, err := sim.Run(context.Background(), runRequest("ES"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.DroppedBars["ES"])
	// one bar fewer delays the first full window by one step
	assert.Len(t, res.Equity, 10)
}

func TestSimulatorSkipsInstrumentWithoutBarAtTimestamp(t *testing.T) {
	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.MatchedBy(func(r BarsRequest) bool { return r.Symbol == "ES" })).
		Return(hourlyBars(30, map[int]float64{22: 4505}), nil)
	nq := hourlyBars(30, nil)
	nq = append(nq[:20], nq[21:]...)
	src.On("GetBars", mock.Anything, mock.MatchedBy(func(r BarsRequest) bool { return r.Symbol == "NQ" })).Return(nq, nil)

	script := &scripted{at: map[string]map[int]strategy.Signal{
		"ES": {20: longAt(4500, 4498, 4504)},
		"NQ": {20: longAt(4500, 4499, 4510)},
	}}
	sim := newTestSimulator(t, src, script)
	res, err := sim.Run(context.Background(), runRequest("ES", "NQ"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Signals)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "ES", res.Trades[0].Symbol)
}

func TestSimulatorHaltsAfterDrawdown(t *testing.T) {
	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.Anything).Return(hourlyBars(30, map[int]float64{21: 4497}), nil)

	script := &scripted{at: map[string]map[int]strategy.Signal{
		"ES": {
			20: longAt(4500, 4498, 4504),
			23: longAt(4500, 4498, 4504),
			25: longAt(4500, 4498, 4504),
		},
	}}
	sim := newTestSimulator(t, src, script)
	req := runRequest("ES")
	req.MaxDrawdownUSD = 100
	res, err := sim.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 99700, res.Summary.Capital, 1e-9)
	assert.True(t, res.Summary.Halted)
	assert.True(t, res.Stats.Halted)
	assert.Equal(t, 1, res.Stats.Rejections["drawdown_limit"])
	// generation stops once halted, so the third signal is never seen
	assert.Equal(t, 2, res.Stats.Signals)
	assert.True(t, res.Equity[len(res.Equity)-1].Halted)
}

func TestSimulatorCloseOpenAtEnd(t *testing.T) {
	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.Anything).Return(hourlyBars(30, map[int]float64{29: 4501}), nil)
	script := &scripted{at: map[string]map[int]strategy.Signal{
		"ES": {20: longAt(4500, 4498, 4520)},
	}}
	sim := newTestSimulator(t, src, script)

	res, err := sim.Run(context.Background(), runRequest("ES"))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	require.Len(t, res.Open, 1)
	assert.InDelta(t, 100, res.Open[0].UnrealizedPnL, 1e-9)

	closeAtEnd := true
	req := runRequest("ES")
	req.CloseOpenAtEnd = &closeAtEnd
	res, err = sim.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, risk.ExitManual, res.Trades[0].ExitReason)
	assert.Empty(t, res.Open)
	assert.Len(t, res.Equity, 11)
	assert.InDelta(t, 100100, res.Equity[10].Capital, 1e-9)
}

func TestSimulatorCanceled(t *testing.T) {
	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.Anything).Return(hourlyBars(30, nil), nil)
	sim := newTestSimulator(t, src, &scripted{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := sim.Run(ctx, runRequest("ES"))
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Canceled)
}

func TestResolveConfig(t *testing.T) {
	sim := newTestSimulator(t, new(MockMarketData), &scripted{})

	t.Run("defaults", func(t *testing.T) {
		cfg, err := sim.resolveConfig(runRequest("nq", "ES", "es"))
		require.NoError(t, err)
		assert.Equal(t, []string{"ES", "NQ"}, cfg.Symbols)
		assert.Equal(t, "scripted", cfg.Strategy)
		assert.Equal(t, "1h", cfg.Timeframe)
		assert.Equal(t, defaultMinWindow, cfg.MinWindow)
		assert.Equal(t, risk.DefaultConfig(), cfg.Risk)
		assert.False(t, cfg.CloseOpenAtEnd)
		assert.Equal(t, "default", cfg.LevelTable)
	})

	t.Run("overrides", func(t *testing.T) {
		req := runRequest("ES")
		req.InitialCapital = 50000
		req.RiskPerTrade = 0.01
		req.ConfluenceThreshold = 0.7
		req.MaxDailyTrades = 1
		req.TradingStyle = "scalping"
		cfg, err := sim.resolveConfig(req)
		require.NoError(t, err)
		assert.Equal(t, 50000.0, cfg.Risk.InitialCapital)
		assert.Equal(t, 0.01, cfg.Risk.RiskPerTrade)
		assert.Equal(t, 0.7, cfg.ConfluenceThreshold)
		assert.Equal(t, 1, cfg.MaxDailyTrades)
		assert.Equal(t, "scalping", cfg.TradingStyle)
	})

	cases := map[string]func(*RunRequest){
		"unknown symbol":   func(r *RunRequest) { r.Symbols = []string{"XYZ"} },
		"no symbols":       func(r *RunRequest) { r.Symbols = nil },
		"bad timeframe":    func(r *RunRequest) { r.Timeframe = "2m" },
		"inverted range":   func(r *RunRequest) { r.StartTS, r.EndTS = r.EndTS, r.StartTS },
		"unknown strategy": func(r *RunRequest) { r.Strategy = "nope" },
		"bad style":        func(r *RunRequest) { r.TradingStyle = "yolo" },
		"threshold > 1":    func(r *RunRequest) { r.ConfluenceThreshold = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := runRequest("ES")
			mutate(&req)
			_, err := sim.resolveConfig(req)
			assert.Error(t, err)
		})
	}
}

func TestBuildStrategyAppliesRunOverrides(t *testing.T) {
	reg := strategy.NewRegistry()
	st, sc, err := buildStrategy(reg, strategy.Config{}, RunConfig{
		Strategy:            strategy.ConfluenceName,
		ConfluenceThreshold: 0.75,
		MaxDailyTrades:      2,
		TradingStyle:        "swing_trading",
	})
	require.NoError(t, err)
	assert.Equal(t, strategy.ConfluenceName, st.Name())
	require.NotNil(t, sc.Confluence.Threshold)
	assert.Equal(t, 0.75, *sc.Confluence.Threshold)
	assert.Equal(t, 2, sc.Confluence.MaxSignals)
	assert.Equal(t, int64(243), sc.Confluence.RangeSize)
}
