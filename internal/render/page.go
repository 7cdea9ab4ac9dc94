package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"math"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	talib "github.com/markcheno/go-talib"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorSMA           = "#fbbf24"

	defaultWidthPx  = 720
	chartHeightPx   = 340
	defaultPageName = "Space Weather"
)

// PanelItem 为页面顶部的一个文本槽位。
type PanelItem struct {
	Name      string
	Label     string
	Text      string
	Available bool
}

type PageOptions struct {
	Title string
	Theme string
	// SmoothingPeriod>1 时为主序列叠加 SMA。
	SmoothingPeriod int
	WidthPx         int
	Panel           []PanelItem
	// WSPath 非空时注入实时刷新脚本。
	WSPath string
}

// BuildPage renders one line chart per view plus the slot panel.
func BuildPage(views []ChartView, o PageOptions) ([]byte, error) {
	if strings.TrimSpace(o.Title) == "" {
		o.Title = defaultPageName
	}
	if strings.TrimSpace(o.Theme) == "" {
		o.Theme = types.ThemeChalk
	}
	if o.WidthPx <= 0 {
		o.WidthPx = defaultWidthPx
	}
	page := components.NewPage()
	page.SetPageTitle(o.Title)
	page.SetLayout(components.PageFlexLayout)
	for _, v := range views {
		page.AddCharts(buildLine(v, o))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	html := buf.String()

	panel, err := renderPanel(o)
	if err != nil {
		return nil, err
	}
	html = injectAfterBodyOpen(html, panel)
	if strings.TrimSpace(o.WSPath) != "" {
		script, err := renderLiveScript(views, o)
		if err != nil {
			return nil, err
		}
		html = injectBeforeBodyClose(html, script)
	}
	return []byte(html), nil
}

func buildLine(v ChartView, o PageOptions) *charts.Line {
	line := charts.NewLine()
	subtitle := "no data"
	if n := len(v.Labels); n > 0 {
		subtitle = fmt.Sprintf("%s - %s", v.Labels[0], v.Labels[n-1])
		if v.Source != "" && v.Source != "live" {
			subtitle += " (" + v.Source + ")"
		}
	}
	yType := "value"
	if v.LogScale {
		yType = "log"
	}
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			ChartID:         v.ChartID,
			Theme:           o.Theme,
			Width:           fmt.Sprintf("%dpx", o.WidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         v.Title,
			Subtitle:      subtitle,
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 16},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10", TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name:      v.Unit,
			Type:      yType,
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	line.SetXAxis(v.Labels)

	extended := false
	for idx, s := range v.Series {
		axisIndex := 0
		if s.Right && idx > 0 {
			if !extended {
				line.ExtendYAxis(opts.YAxis{
					Name:      s.Unit,
					Type:      "value",
					Position:  "right",
					Scale:     opts.Bool(true),
					AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
					SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
				})
				extended = true
			}
			axisIndex = 1
		}
		line.AddSeries(s.Name, toLineData(s.Values, v.LogScale && axisIndex == 0),
			charts.WithLineChartOpts(opts.LineChart{
				Smooth:     opts.Bool(v.Smooth),
				ShowSymbol: opts.Bool(false),
				YAxisIndex: axisIndex,
			}),
			charts.WithLineStyleOpts(opts.LineStyle{Color: s.Color, Width: 2}),
		)
	}

	if len(v.Series) > 0 {
		if sma := smaSeries(v.Series[0].Values, o.SmoothingPeriod); sma != nil {
			line.AddSeries(smaName(o.SmoothingPeriod), sma,
				charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true), ShowSymbol: opts.Bool(false)}),
				charts.WithLineStyleOpts(opts.LineStyle{Color: colorSMA, Width: 1, Type: "dashed"}),
			)
		}
	}
	return line
}

// toLineData 在对数轴上把非正值置空，echarts 无法绘制。
func toLineData(values []float64, logAxis bool) []opts.LineData {
	out := make([]opts.LineData, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || (logAxis && v <= 0) {
			out[i] = opts.LineData{Value: nil}
			continue
		}
		out[i] = opts.LineData{Value: v}
	}
	return out
}

// smaSeries 只看 period：点数不足时整条为空，保证 SMA 始终是最后一条序列，
// 实时推送按下标覆盖时不会错位。
func smaSeries(values []float64, period int) []opts.LineData {
	if period <= 1 {
		return nil
	}
	return toLineData(smaValues(values, period), false)
}

// smaValues 与 values 等长，窗口未满或含缺口处为 NaN。
func smaValues(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 1 || len(values) < period {
		return out
	}
	sma := talib.Sma(values, period)
	for i := period - 1; i < len(values) && i < len(sma); i++ {
		if !math.IsNaN(sma[i]) {
			out[i] = round(sma[i], 6)
		}
	}
	return out
}

func smaName(period int) string {
	return fmt.Sprintf("SMA(%d)", period)
}

// WithSMA 给推送用的 view 附上主序列的 SMA，和页面上的叠加线一致。
func WithSMA(views []ChartView, period int) []ChartView {
	if period <= 1 {
		return views
	}
	out := make([]ChartView, len(views))
	for i, v := range views {
		if len(v.Series) > 0 {
			v.SMA = &SeriesData{Name: smaName(period), Values: smaValues(v.Series[0].Values, period)}
		}
		out[i] = v
	}
	return out
}

func round(val float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

var panelTemplate = template.Must(template.New("panel").Parse(`
<style>
body { background: #060c1b; color: #eceff4; font-family: system-ui, sans-serif; }
.swx-panel { display: flex; flex-wrap: wrap; gap: 12px; padding: 12px; }
.swx-slot { background: #0f1a33; border-radius: 8px; padding: 10px 14px; min-width: 150px; }
.swx-slot .swx-label { color: #9ca3af; font-size: 12px; text-transform: uppercase; }
.swx-slot .swx-text { font-size: 18px; margin-top: 4px; }
.swx-slot.swx-off .swx-text { color: #f87171; }
</style>
<h1 style="padding: 0 12px">{{ .Title }}</h1>
<div class="swx-panel">
{{- range .Panel }}
  <div class="swx-slot{{ if not .Available }} swx-off{{ end }}" id="slot-{{ .Name }}">
    <div class="swx-label">{{ .Label }}</div>
    <div class="swx-text">{{ .Text }}</div>
  </div>
{{- end }}
</div>
`))

func renderPanel(o PageOptions) (string, error) {
	items := make([]PanelItem, 0, len(o.Panel))
	for _, it := range o.Panel {
		if strings.TrimSpace(it.Label) == "" {
			it.Label = strings.ReplaceAll(it.Name, "_", " ")
		}
		items = append(items, it)
	}
	var buf bytes.Buffer
	err := panelTemplate.Execute(&buf, struct {
		Title string
		Panel []PanelItem
	}{Title: o.Title, Panel: items})
	if err != nil {
		return "", fmt.Errorf("render panel: %w", err)
	}
	return buf.String(), nil
}

var liveTemplate = template.Must(template.New("live").Parse(`
<script type="text/javascript">
(function () {
  var ids = {{ .IDs }};
  function chartFor(id) {
    try { return eval("goecharts_" + id); } catch (e) { return null; }
  }
  function applyChart(view) {
    var chart = ids[view.feed_id] ? chartFor(ids[view.feed_id]) : null;
    // 页面上没有的 feed（目录热更新新增）需要整页重建
    if (!chart) { return false; }
    var series = (view.series || []).map(function (s, i) {
      var data = s.values;
      if (view.log_scale && !(s.right && i > 0)) {
        data = data.map(function (x) { return x !== null && x > 0 ? x : null; });
      }
      return { data: data };
    });
    if (view.sma) { series.push({ data: view.sma.values }); }
    chart.setOption({ xAxis: [{ data: view.labels }], series: series });
    return true;
  }
  function applySlot(slot) {
    var el = document.getElementById("slot-" + slot.name);
    if (!el) { return; }
    el.querySelector(".swx-text").textContent = slot.text;
    el.classList.toggle("swx-off", !slot.available);
  }
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + {{ .Path }});
    ws.onmessage = function (evt) {
      var msg = JSON.parse(evt.data);
      var missing = (msg.charts || []).filter(function (v) { return !applyChart(v); });
      if (missing.length > 0) { location.reload(); return; }
      (msg.slots || []).forEach(applySlot);
    };
    ws.onclose = function () { setTimeout(connect, 5000); };
  }
  window.addEventListener("load", connect);
})();
</script>
`))

func renderLiveScript(views []ChartView, o PageOptions) (string, error) {
	ids := make(map[string]string, len(views))
	for _, v := range views {
		ids[v.FeedID] = v.ChartID
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = liveTemplate.Execute(&buf, struct {
		IDs  template.JS
		Path string
	}{IDs: template.JS(raw), Path: o.WSPath})
	if err != nil {
		return "", fmt.Errorf("render live script: %w", err)
	}
	return buf.String(), nil
}

func injectAfterBodyOpen(html, fragment string) string {
	idx := strings.Index(html, "<body")
	if idx < 0 {
		return fragment + html
	}
	end := strings.Index(html[idx:], ">")
	if end < 0 {
		return html + fragment
	}
	cut := idx + end + 1
	return html[:cut] + fragment + html[cut:]
}

func injectBeforeBodyClose(html, fragment string) string {
	idx := strings.LastIndex(html, "</body>")
	if idx < 0 {
		return html + fragment
	}
	return html[:idx] + fragment + html[idx:]
}
