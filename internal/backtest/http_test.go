package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradecore/internal/market"
	"tradecore/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestHTTP(t *testing.T) (http.Handler, *Simulator, *ResultStore) {
	t.Helper()
	rs, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	src := new(MockMarketData)
	src.On("GetBars", mock.Anything, mock.Anything).Return(hourlyBars(30, map[int]float64{22: 4505}), nil)
	script := &scripted{at: map[string]map[int]strategy.Signal{
		"ES": {20: longAt(4500, 4498, 4504)},
	}}
	sim := newTestSimulator(t, src, script, func(c *SimulatorConfig) { c.Results = rs })
	srv, err := NewHTTPServer(HTTPConfig{Simulator: sim, Results: rs})
	require.NoError(t, err)
	return srv.Handler(), sim, rs
}

func doRequest(h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPRunEndpoints(t *testing.T) {
	h, sim, _ := newTestHTTP(t)
	res, err := sim.Run(context.Background(), runRequest("ES"))
	require.NoError(t, err)

	rec := doRequest(h, http.MethodGet, "/api/backtest/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, res.RunID, list.Runs[0].ID)
	assert.Equal(t, RunStatusDone, list.Runs[0].Status)

	rec = doRequest(h, http.MethodGet, "/api/backtest/runs/"+res.RunID+"/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades struct {
		Trades []TradeRecord `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades.Trades, 1)
	assert.InDelta(t, 500, trades.Trades[0].RealizedPnL, 1e-9)

	rec = doRequest(h, http.MethodGet, "/api/backtest/runs/"+res.RunID+"/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	assert.Len(t, snaps.Snapshots, len(res.Equity))

	rec = doRequest(h, http.MethodGet, "/api/backtest/runs/"+res.RunID+"/chart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "scripted "+res.RunID)

	rec = doRequest(h, http.MethodGet, "/api/backtest/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPRunFiltersAndConfigs(t *testing.T) {
	h, sim, _ := newTestHTTP(t)
	res, err := sim.Run(context.Background(), runRequest("ES"))
	require.NoError(t, err)
	key := res.Config.Key()

	listRuns := func(query string) []Run {
		rec := doRequest(h, http.MethodGet, "/api/backtest/runs"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out struct {
			Runs []Run `json:"runs"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out.Runs
	}
	got := listRuns("?config_key=" + key)
	require.Len(t, got, 1)
	assert.Equal(t, key, got[0].ConfigKey)
	assert.Len(t, listRuns("?symbol=es&strategy=scripted"), 1)
	assert.Empty(t, listRuns("?symbol=NQ"))
	assert.Empty(t, listRuns("?config_key=ffffffffffffffff"))

	rec := doRequest(h, http.MethodGet, "/api/backtest/configs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfgs struct {
		Configs []ConfigStats `json:"configs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfgs))
	require.Len(t, cfgs.Configs, 1)
	assert.Equal(t, key, cfgs.Configs[0].ConfigKey)
	assert.Equal(t, 1, cfgs.Configs[0].Runs)
	assert.InDelta(t, res.Stats.ReturnPct, cfgs.Configs[0].AvgReturnPct, 1e-12)

	rec = doRequest(h, http.MethodGet, "/api/backtest/runs/"+res.RunID+"/chart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cfg "+key)
	assert.Contains(t, rec.Body.String(), "Signals through the risk gate")
}

func TestHTTPStartRun(t *testing.T) {
	h, _, rs := newTestHTTP(t)
	body, err := json.Marshal(runRequest("ES"))
	require.NoError(t, err)

	rec := doRequest(h, http.MethodPost, "/api/backtest/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started struct {
		Run Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.Run.ID)

	require.Eventually(t, func() bool {
		run, err := rs.GetRun(context.Background(), started.Run.ID)
		return err == nil && run.Status == RunStatusDone
	}, 5*time.Second, 20*time.Millisecond)

	run, err := rs.GetRun(context.Background(), started.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Trades)
	assert.InDelta(t, 100500, run.FinalEquity, 1e-9)

	rec = doRequest(h, http.MethodPost, "/api/backtest/runs", []byte(`{"symbols":["ES"]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad, err := json.Marshal(RunRequest{Symbols: []string{"DOGE"}, StartTS: simStart.UnixMilli(), EndTS: simStart.Add(time.Hour).UnixMilli()})
	require.NoError(t, err)
	rec = doRequest(h, http.MethodPost, "/api/backtest/runs", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPMetadataAndDisabledFetch(t *testing.T) {
	h, _, _ := newTestHTTP(t)

	rec := doRequest(h, http.MethodGet, "/api/backtest/strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scripted"`)
	assert.Contains(t, rec.Body.String(), `"1h"`)

	rec = doRequest(h, http.MethodGet, "/api/backtest/levels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"default"`)

	rec = doRequest(h, http.MethodPost, "/api/backtest/fetch", []byte(`{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = doRequest(h, http.MethodGet, "/api/backtest/series?symbol=ES&timeframe=1h", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := NewHTTPServer(HTTPConfig{})
	assert.Error(t, err)
}

func TestHTTPFetchAndCandles(t *testing.T) {
	bars := hourlyBars(6, nil)
	svc, _ := newTestService(t, &sliceSource{bars: bars}, 100)
	srv, err := NewHTTPServer(HTTPConfig{Svc: svc})
	require.NoError(t, err)
	h := srv.Handler()

	body, _ := json.Marshal(map[string]any{
		"symbol": "ES", "timeframe": "1h", "start_ts": bars[0].OpenTime, "end_ts": bars[5].OpenTime,
	})
	rec := doRequest(h, http.MethodPost, "/api/backtest/fetch", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		Job FetchJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	waitFinished(t, svc, accepted.Job.ID)

	rec = doRequest(h, http.MethodGet, "/api/backtest/fetch/"+accepted.Job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"done"`)

	rec = doRequest(h, http.MethodGet, "/api/backtest/candles?symbol=ES&timeframe=1h&limit=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var candles struct {
		Candles []market.Bar `json:"candles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &candles))
	require.Len(t, candles.Candles, 4)
	assert.Equal(t, bars[2].OpenTime, candles.Candles[0].OpenTime)
	assert.Equal(t, bars[5].OpenTime, candles.Candles[3].OpenTime)

	rec = doRequest(h, http.MethodGet, "/api/backtest/series?symbol=es&timeframe=1H", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var series struct {
		Series SeriesInfo `json:"series"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	assert.Equal(t, int64(6), series.Series.Bars)
	assert.Equal(t, "futures", series.Series.Calendar)
	assert.Equal(t, bars[0].OpenTime, series.Series.FirstOpen)

	rec = doRequest(h, http.MethodGet, "/api/backtest/candles?symbol=ES", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/backtest/runs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPRunSignals(t *testing.T) {
	rs, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	journal := &memJournal{}
	require.NoError(t, journal.RecordSignals(context.Background(), []SignalDecision{
		{RunID: "r1", Symbol: "ES", Accepted: true, Size: 2},
		{RunID: "r1", Symbol: "NQ", Reason: "max_positions"},
		{RunID: "r2", Symbol: "ES"},
	}))
	srv, err := NewHTTPServer(HTTPConfig{Results: rs, Signals: journal})
	require.NoError(t, err)

	rec := doRequest(srv.Handler(), http.MethodGet, "/api/backtest/runs/r1/signals?symbol=nq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Signals    []SignalDecision `json:"signals"`
		Rejections map[string]int   `json:"rejections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Signals, 1)
	assert.Equal(t, "max_positions", out.Signals[0].Reason)
	assert.Equal(t, map[string]int{"max_positions": 1}, out.Rejections)
}
