package backtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradecore/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource 按请求区间切出预置 K 线。
type sliceSource struct {
	name  string
	mu    sync.Mutex
	bars  []market.Bar
	calls []FetchRequest
}

func (s *sliceSource) Name() string {
	if s.name == "" {
		return "fake"
	}
	return s.name
}

func (s *sliceSource) Fetch(_ context.Context, req FetchRequest) ([]market.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	var out []market.Bar
	for _, b := range s.bars {
		if b.OpenTime < req.Start || (req.End > 0 && b.OpenTime > req.End) {
			continue
		}
		out = append(out, b)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

func (s *sliceSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestService(t *testing.T, src CandleSource, batch int) (*Service, *CandleStore) {
	t.Helper()
	st := newTestCandles(t)
	svc, err := NewService(ServiceConfig{
		Store:           st,
		Sources:         map[string]CandleSource{"Fake": src},
		RateLimitPerMin: 600000,
		MaxBatch:        batch,
	})
	require.NoError(t, err)
	return svc, st
}

func waitFinished(t *testing.T, svc *Service, id string) FetchJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := svc.Wait(ctx, id, 10*time.Millisecond, nil)
	require.NoError(t, err)
	return job
}

func TestServiceFetchFillsGaps(t *testing.T) {
	bars := hourlyBars(24, nil)
	src := &sliceSource{bars: bars}
	svc, st := newTestService(t, src, 5)

	_, err := st.InsertBars(context.Background(), "BTCUSDT", "1h", bars[:4])
	require.NoError(t, err)

	job, err := svc.SubmitFetch(FetchParams{Symbol: "btcusdt", Timeframe: "1H", Start: bars[0].OpenTime, End: bars[23].OpenTime})
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", job.Params.Symbol)
	assert.Equal(t, "fake", job.Params.Exchange)
	assert.Equal(t, market.CategoryCrypto, job.Category)
	assert.Equal(t, int64(24), job.Total)
	assert.Equal(t, int64(4), job.Completed)
	require.Len(t, job.Missing, 1)

	job = waitFinished(t, svc, job.ID)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Equal(t, int64(24), job.Completed)
	assert.Empty(t, job.Missing)
	assert.Equal(t, 4, src.callCount())

	rep, err := svc.Integrity(context.Background(), "BTCUSDT", "1h", bars[0].OpenTime, bars[23].OpenTime)
	require.NoError(t, err)
	assert.True(t, rep.Complete())

	again, err := svc.SubmitFetch(FetchParams{Symbol: "BTCUSDT", Timeframe: "1h", Start: bars[0].OpenTime, End: bars[23].OpenTime})
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, again.Status)
	assert.Equal(t, 4, src.callCount())
}

func TestServiceFetchPartial(t *testing.T) {
	bars := hourlyBars(12, nil)
	src := &sliceSource{bars: bars[:8]}
	svc, _ := newTestService(t, src, 100)

	job, err := svc.SubmitFetch(FetchParams{Symbol: "NQ", Timeframe: "1h", Start: bars[0].OpenTime, End: bars[11].OpenTime})
	require.NoError(t, err)
	job = waitFinished(t, svc, job.ID)
	assert.Equal(t, JobStatusPartial, job.Status)
	assert.Equal(t, []Gap{{From: bars[8].OpenTime, To: bars[11].OpenTime, Bars: 4}}, job.Missing)
	assert.NotEmpty(t, job.Warnings)
	assert.Equal(t, market.CategoryFutures, job.Category)

	snap, ok := svc.JobSnapshot(job.ID)
	require.True(t, ok)
	assert.Equal(t, job.Status, snap.Status)
}

func TestServiceSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, &sliceSource{}, 0)
	start := simStart.UnixMilli()
	end := simStart.Add(time.Hour).UnixMilli()

	cases := []struct {
		name   string
		params FetchParams
	}{
		{"missing symbol", FetchParams{Timeframe: "1h", Start: start, End: end}},
		{"bad timeframe", FetchParams{Symbol: "ES", Timeframe: "2h", Start: start, End: end}},
		{"unknown exchange", FetchParams{Exchange: "cme", Symbol: "ES", Timeframe: "1h", Start: start, End: end}},
		{"empty range", FetchParams{Symbol: "ES", Timeframe: "1h", Start: start, End: start}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitFetch(tc.params)
			assert.Error(t, err)
		})
	}
	_, err := svc.Wait(context.Background(), "missing", time.Millisecond, nil)
	assert.Error(t, err)
}

// 周五晚到周一的外汇区间：周末不计入 Total，也不向数据源请求。
func TestServiceFetchSkipsForexWeekend(t *testing.T) {
	fri := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	mon := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	bars := append(barsFrom(fri, time.Hour, 24), barsFrom(mon, time.Hour, 24)...)
	src := &sliceSource{bars: bars}
	svc, _ := newTestService(t, src, 1000)

	job, err := svc.SubmitFetch(FetchParams{Symbol: "EURUSD", Timeframe: "1h", Start: bars[0].OpenTime, End: bars[47].OpenTime})
	require.NoError(t, err)
	assert.Equal(t, market.CategoryForex, job.Category)
	assert.Equal(t, int64(48), job.Total)
	require.Len(t, job.Missing, 1)
	assert.Equal(t, int64(48), job.Missing[0].Bars)

	job = waitFinished(t, svc, job.ID)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Equal(t, int64(48), job.Completed)
	assert.Equal(t, 1, src.callCount())
}

func TestServiceRoutesByCategory(t *testing.T) {
	yahoo := &sliceSource{name: "yahoo"}
	binance := &sliceSource{name: "binance"}
	oanda := &sliceSource{name: "oanda"}
	sources := map[string]CandleSource{"Yahoo": yahoo, "binance": binance, "oanda": oanda}

	svc, err := NewService(ServiceConfig{
		Store:           newTestCandles(t),
		Sources:         sources,
		DefaultExchange: "yahoo",
		Routes:          map[market.Category]string{market.CategoryForex: "OANDA"},
	})
	require.NoError(t, err)

	cases := []struct {
		symbol, exchange, want string
	}{
		{"ES", "", "yahoo"},
		{"EURUSD", "", "oanda"},
		{"BTCUSDT", "", "binance"},
		{"ES", "binance", "binance"},
	}
	for _, tc := range cases {
		src, err := svc.SourceFor(tc.symbol, tc.exchange)
		require.NoError(t, err, tc.symbol)
		assert.Equal(t, tc.want, src.Name(), tc.symbol)
	}
	_, err = svc.SourceFor("ES", "cme")
	assert.Error(t, err)

	// 没有 DefaultExchange 时退回按名字排序的第一个数据源
	svc, err = NewService(ServiceConfig{Store: newTestCandles(t), Sources: sources})
	require.NoError(t, err)
	src, err := svc.SourceFor("ES", "")
	require.NoError(t, err)
	assert.Equal(t, "binance", src.Name())

	_, err = NewService(ServiceConfig{
		Store:   newTestCandles(t),
		Sources: sources,
		Routes:  map[market.Category]string{market.CategoryFutures: "cme"},
	})
	assert.Error(t, err)
}
