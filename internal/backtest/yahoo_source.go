package backtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/market"

	"github.com/tidwall/gjson"
)

const defaultYahooBase = "https://query1.finance.yahoo.com"

var yahooIntervals = map[string]struct {
	param string
	dur   time.Duration
}{
	"1m":  {"1m", time.Minute},
	"5m":  {"5m", 5 * time.Minute},
	"15m": {"15m", 15 * time.Minute},
	"30m": {"30m", 30 * time.Minute},
	"1h":  {"60m", time.Hour},
	"1d":  {"1d", 24 * time.Hour},
	"1w":  {"1wk", 7 * 24 * time.Hour},
}

// DefaultYahooAliases 把内置品种映射到 Yahoo 的报价代码。
func DefaultYahooAliases() map[string]string {
	return map[string]string{
		"ES":     "ES=F",
		"NQ":     "NQ=F",
		"YM":     "YM=F",
		"EURUSD": "EURUSD=X",
		"GBPUSD": "GBPUSD=X",
		"AUDUSD": "AUDUSD=X",
	}
}

// YahooSource 读取 Yahoo chart v8 接口，适用于期货与外汇品种。
type YahooSource struct {
	baseURL string
	client  *http.Client
	aliases map[string]string
}

// NewYahooSource aliases 为 nil 时使用 DefaultYahooAliases。
func NewYahooSource(base string, aliases map[string]string) *YahooSource {
	if base == "" {
		base = defaultYahooBase
	}
	if aliases == nil {
		aliases = DefaultYahooAliases()
	}
	norm := make(map[string]string, len(aliases))
	for k, v := range aliases {
		norm[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &YahooSource{
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		aliases: norm,
	}
}

func (y *YahooSource) Name() string { return "yahoo" }

func (y *YahooSource) ticker(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if alias, ok := y.aliases[symbol]; ok && alias != "" {
		return alias
	}
	return symbol
}

func (y *YahooSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Bar, error) {
	if req.Symbol == "" || req.Interval == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	iv, ok := yahooIntervals[strings.ToLower(req.Interval)]
	if !ok {
		return nil, fmt.Errorf("yahoo 不支持周期 %s", req.Interval)
	}
	end := req.End
	if end <= 0 {
		end = time.Now().UnixMilli()
	}
	q := url.Values{}
	q.Set("interval", iv.param)
	q.Set("period1", strconv.FormatInt(req.Start/1000, 10))
	q.Set("period2", strconv.FormatInt(end/1000+1, 10))
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", y.baseURL, url.PathEscape(y.ticker(req.Symbol)), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := y.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("yahoo 返回状态码 %d", resp.StatusCode)
	}
	bars, err := parseYahooChart(body, iv.dur)
	if err != nil {
		return nil, err
	}
	out := bars[:0]
	for _, b := range bars {
		if b.OpenTime < req.Start || b.OpenTime > end {
			continue
		}
		out = append(out, b)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// parseYahooChart 解析 chart.result[0]；null 报价（休市时段）被跳过。
func parseYahooChart(raw []byte, interval time.Duration) ([]market.Bar, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("yahoo 响应不是合法 JSON")
	}
	doc := gjson.ParseBytes(raw)
	if e := doc.Get("chart.error"); e.Exists() && e.Type != gjson.Null {
		code := e.Get("code").String()
		if strings.EqualFold(code, "Not Found") {
			return nil, nil
		}
		return nil, fmt.Errorf("yahoo: %s %s", code, e.Get("description").String())
	}
	result := doc.Get("chart.result.0")
	if !result.Exists() {
		return nil, nil
	}
	stamps := result.Get("timestamp").Array()
	quote := result.Get("indicators.quote.0")
	opens := quote.Get("open").Array()
	highs := quote.Get("high").Array()
	lows := quote.Get("low").Array()
	closes := quote.Get("close").Array()
	volumes := quote.Get("volume").Array()

	step := interval.Milliseconds()
	out := make([]market.Bar, 0, len(stamps))
	for i, ts := range stamps {
		if i >= len(opens) || i >= len(highs) || i >= len(lows) || i >= len(closes) {
			break
		}
		if opens[i].Type == gjson.Null || highs[i].Type == gjson.Null || lows[i].Type == gjson.Null || closes[i].Type == gjson.Null {
			continue
		}
		open := ts.Int() * 1000
		b := market.Bar{
			OpenTime:  open,
			CloseTime: open + step - 1,
			Open:      opens[i].Float(),
			High:      highs[i].Float(),
			Low:       lows[i].Float(),
			Close:     closes[i].Float(),
		}
		if i < len(volumes) {
			b.Volume = volumes[i].Float()
		}
		out = append(out, b)
	}
	return out, nil
}
