// Package report renders a backtest run as an echarts HTML page: equity and drawdown,
// the risk gate funnel, exit reasons, and PnL split by symbol and by signal origin.
package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"tradecore/internal/performance"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground = "#060c1b"
	colorText       = "#eceff4"
	colorMuted      = "#9ca3af"
	colorBull       = "#34d399"
	colorBear       = "#f87171"
	colorEquity     = "#3b82f6"
	colorPeak       = "#fbbf24"
	colorGate       = "#a78bfa"

	widthPx       = 1400
	equityHeight  = 480
	panelHeight   = 280
	pngChromePad  = 80
	screenshotCap = 20 * time.Second
)

// RiskPanel carries the risk gate and data quality facts of a run.
type RiskPanel struct {
	ConfigKey     string
	Signals       int
	Rejections    map[string]int
	Halted        bool
	DrawdownLimit float64
	SourceErrors  map[string]string
}

// Page is everything one report renders.
type Page struct {
	Title    string
	Subtitle string
	Equity   []performance.EquityPoint
	Report   performance.Report
	Risk     RiskPanel
}

// ImageResult is a rendered PNG of a report page.
type ImageResult struct {
	Bytes    []byte `json:"-"`
	Base64   string `json:"base64"`
	Filename string `json:"filename"`
}

// Render writes the HTML page. It fails when the equity history is empty.
func Render(w io.Writer, p Page) error {
	if len(p.Equity) == 0 {
		return fmt.Errorf("report %q has no equity history", p.Title)
	}
	page := components.NewPage()
	page.PageTitle = p.Title
	page.SetLayout(components.PageFlexLayout)
	for _, c := range p.charts() {
		page.AddCharts(c)
	}
	return page.Render(w)
}

func (p Page) charts() []components.Charter {
	x := timeAxis(p.Equity)
	out := []components.Charter{equityChart(p, x), drawdownChart(p.Report.Drawdowns, x)}
	if p.Risk.Signals > 0 || len(p.Risk.Rejections) > 0 {
		out = append(out, gateChart(p))
	}
	if len(p.Report.ExitReasons) > 0 {
		out = append(out, exitChart(p.Report.ExitReasons))
	}
	if len(p.Report.BySymbol) > 0 {
		out = append(out, pnlChart("PnL by symbol", p.Report.BySymbol))
	}
	if len(p.Report.ByOrigin) > 0 {
		out = append(out, pnlChart("PnL by signal origin", p.Report.ByOrigin))
	}
	return out
}

// Headline is the one-line summary printed under the title.
func (p Page) Headline() string {
	rep := p.Report
	parts := []string{fmt.Sprintf("return %.2f%%", rep.TotalReturn*100),
		fmt.Sprintf("sharpe %.2f", rep.Sharpe),
		fmt.Sprintf("maxDD %.2f%%", rep.MaxDrawdown*100),
		fmt.Sprintf("trades %d", rep.TotalTrades),
		fmt.Sprintf("win %.1f%%", rep.WinRate*100)}
	if rep.ProfitFactorDefined {
		parts = append(parts, fmt.Sprintf("pf %.2f", rep.ProfitFactor))
	}
	if p.Risk.DrawdownLimit > 0 {
		parts = append(parts, fmt.Sprintf("dd limit $%.0f", p.Risk.DrawdownLimit))
	}
	if p.Risk.Halted {
		parts = append(parts, "HALTED")
	}
	if p.Risk.ConfigKey != "" {
		parts = append(parts, "cfg "+p.Risk.ConfigKey)
	}
	if p.Subtitle != "" {
		parts = append([]string{p.Subtitle}, parts...)
	}
	return strings.Join(parts, " | ")
}

// RenderPNG renders the page in headless Chrome and screenshots it.
func RenderPNG(ctx context.Context, p Page) (ImageResult, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return ImageResult{}, err
	}
	var buf bytes.Buffer
	if err := Render(&buf, p); err != nil {
		return ImageResult{}, err
	}
	height := equityHeight + (len(p.charts())-1)*panelHeight + pngChromePad
	png, err := screenshot(ctx, buf.Bytes(), widthPx, height)
	if err != nil {
		return ImageResult{}, err
	}
	name := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p.Title), " ", "_"))
	if name == "" {
		name = "report"
	}
	return ImageResult{
		Bytes:    png,
		Base64:   base64.StdEncoding.EncodeToString(png),
		Filename: name + ".png",
	}, nil
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable checks once per process that a Chrome binary can be started.
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		browser, cancel := chromedp.NewContext(ctx)
		defer cancel()
		headlessErr = chromedp.Run(browser)
	})
	return headlessErr
}

func frame(height int) charts.GlobalOpts {
	return charts.WithInitializationOpts(opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", widthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	})
}

func heading(title, subtitle string) charts.GlobalOpts {
	return charts.WithTitleOpts(opts.Title{
		Title:         title,
		Subtitle:      subtitle,
		Left:          "left",
		TitleStyle:    &opts.TextStyle{Color: colorText},
		SubtitleStyle: &opts.TextStyle{Color: colorMuted},
	})
}

func valueAxis(scale bool) charts.GlobalOpts {
	return charts.WithYAxisOpts(opts.YAxis{
		Scale:     opts.Bool(scale),
		AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorMuted},
		SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorMuted, Opacity: opts.Float(0.15)}},
	})
}

var axisTooltip = charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"})

func flatLine(color string, width float32) []charts.SeriesOpts {
	return []charts.SeriesOpts{
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: color, Width: width}),
	}
}

func equityChart(p Page, x []string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		frame(equityHeight),
		heading(p.Title, p.Headline()),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10", TextStyle: &opts.TextStyle{Color: colorText}}),
		axisTooltip,
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", AxisLabel: &opts.AxisLabel{Color: colorMuted}}),
		valueAxis(true),
	)
	equity := make([]float64, len(p.Equity))
	for i, pt := range p.Equity {
		equity[i] = pt.Equity
	}
	line.SetXAxis(x)
	line.AddSeries("Equity", lineData(equity, len(x), 2), flatLine(colorEquity, 2)...)
	if dds := p.Report.Drawdowns; len(dds) > 0 {
		peaks := make([]float64, len(dds))
		for i, dd := range dds {
			peaks[i] = dd.Peak
		}
		line.AddSeries("Peak", lineData(peaks, len(x), 2), flatLine(colorPeak, 1)...)
	}
	return line
}

func drawdownChart(drawdowns []performance.DrawdownPoint, x []string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		frame(panelHeight),
		heading("Drawdown %", ""),
		axisTooltip,
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		valueAxis(false),
	)
	pct := make([]float64, len(drawdowns))
	for i, dd := range drawdowns {
		pct[i] = dd.Drawdown * 100
	}
	line.SetXAxis(x)
	line.AddSeries("Drawdown", lineData(pct, len(x), 4), flatLine(colorBear, 1)...)
	return line
}

// gateChart shows how many signals reached the book and why the rest were rejected.
func gateChart(p Page) *charts.Bar {
	labels := []string{"signals", "trades"}
	values := []opts.BarData{
		{Value: p.Risk.Signals, ItemStyle: &opts.ItemStyle{Color: colorGate}},
		{Value: p.Report.TotalTrades, ItemStyle: &opts.ItemStyle{Color: colorBull}},
	}
	for _, reason := range sortedKeys(p.Risk.Rejections) {
		labels = append(labels, reason)
		values = append(values, opts.BarData{Value: p.Risk.Rejections[reason], ItemStyle: &opts.ItemStyle{Color: colorBear}})
	}
	var skipped []string
	for _, sym := range sortedKeys(p.Risk.SourceErrors) {
		skipped = append(skipped, sym+": "+p.Risk.SourceErrors[sym])
	}
	subtitle := ""
	if len(skipped) > 0 {
		subtitle = "skipped " + strings.Join(skipped, "; ")
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		frame(panelHeight),
		heading("Signals through the risk gate", subtitle),
		axisTooltip,
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorMuted}}),
		valueAxis(false),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("count", values)
	return bar
}

func exitChart(reasons map[string]int) *charts.Pie {
	data := make([]opts.PieData, 0, len(reasons))
	for _, reason := range sortedKeys(reasons) {
		data = append(data, opts.PieData{Name: reason, Value: reasons[reason]})
	}
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		frame(panelHeight),
		heading("Exit reasons", ""),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10", Orient: "vertical", TextStyle: &opts.TextStyle{Color: colorText}}),
	)
	pie.AddSeries("exits", data, charts.WithPieChartOpts(opts.PieChart{Radius: []string{"35%", "65%"}}))
	return pie
}

func pnlChart(title string, groups map[string]performance.SymbolStats) *charts.Bar {
	names := sortedKeys(groups)
	data := make([]opts.BarData, len(names))
	for i, name := range names {
		st := groups[name]
		color := colorBear
		if st.TotalPnL >= 0 {
			color = colorBull
		}
		data[i] = opts.BarData{
			Name:      fmt.Sprintf("%s (%d/%d)", name, st.Wins, st.Trades),
			Value:     round(st.TotalPnL, 2),
			ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.8)},
		}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		frame(panelHeight),
		heading(title, ""),
		axisTooltip,
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorMuted}}),
		valueAxis(false),
	)
	bar.SetXAxis(names)
	bar.AddSeries("PnL", data)
	return bar
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func timeAxis(equity []performance.EquityPoint) []string {
	x := make([]string, len(equity))
	for i, pt := range equity {
		x[i] = pt.Time.UTC().Format("2006-01-02 15:04")
	}
	return x
}

// lineData pads to length with empty points; NaN and Inf become gaps.
func lineData(series []float64, length, decimals int) []opts.LineData {
	out := make([]opts.LineData, length)
	for i := range out {
		if i >= len(series) || math.IsNaN(series[i]) || math.IsInf(series[i], 0) {
			continue
		}
		out[i] = opts.LineData{Value: round(series[i], decimals)}
	}
	return out
}

func round(val float64, decimals int) float64 {
	scale := math.Pow10(max(decimals, 0))
	return math.Round(val*scale) / scale
}

func screenshot(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	browser, cancel := chromedp.NewContext(ctx)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(browser, screenshotCap)
	defer cancelTimeout()

	var png []byte
	err := chromedp.Run(ctx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate("data:text/html;base64,"+base64.StdEncoding.EncodeToString(html)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500*time.Millisecond),
		chromedp.FullScreenshot(&png, 0),
	)
	return png, err
}
