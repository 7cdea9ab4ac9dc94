// Package feeds holds the declarative catalog of upstream space-weather feeds:
// where to fetch them, which fields to probe, and how to window them.
package feeds

import (
	"fmt"
	"strings"

	"spacewx/internal/series"
)

// Fallback 为 feed 拉取失败时的降级策略。
type Fallback string

const (
	FallbackInherit Fallback = "inherit"
	FallbackNone    Fallback = "none"
	FallbackCached  Fallback = "cached"
	FallbackDemo    Fallback = "demo"
)

// ParseFallback 解析配置值；空串为 inherit。
func ParseFallback(raw string) (Fallback, error) {
	switch Fallback(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FallbackInherit:
		return FallbackInherit, nil
	case FallbackNone:
		return FallbackNone, nil
	case FallbackCached:
		return FallbackCached, nil
	case FallbackDemo:
		return FallbackDemo, nil
	default:
		return "", fmt.Errorf("unknown fallback %q", raw)
	}
}

// Auth 决定请求携带哪种凭据。
type Auth string

const (
	AuthNone   Auth = "none"
	AuthBearer Auth = "bearer"
	AuthAPIKey Auth = "api_key"
)

type Axis string

const (
	AxisLeft  Axis = "left"
	AxisRight Axis = "right"
)

// Definition 映射 catalog 文件中的单个 feed。
type Definition struct {
	ID         string       `yaml:"id" json:"id"`
	Title      string       `yaml:"title" json:"title"`
	URL        string       `yaml:"url" json:"url"`
	Format     string       `yaml:"format" json:"format,omitempty"`
	Auth       string       `yaml:"auth" json:"auth,omitempty"`
	Slot       string       `yaml:"slot" json:"slot,omitempty"`
	CountSlot  string       `yaml:"count_slot" json:"count_slot,omitempty"`
	Display    string       `yaml:"display" json:"display,omitempty"`
	Unit       string       `yaml:"unit" json:"unit,omitempty"`
	Color      string       `yaml:"color" json:"color,omitempty"`
	TimeFields []string     `yaml:"time_fields" json:"time_fields,omitempty"`
	Filter     *FilterSpec  `yaml:"filter" json:"filter,omitempty"`
	Window     WindowSpec   `yaml:"window" json:"window"`
	Series     []SeriesSpec `yaml:"series" json:"series"`
	Fallback   string       `yaml:"fallback" json:"fallback,omitempty"`
	DemoFile   string       `yaml:"demo_file" json:"demo_file,omitempty"`
	Enabled    *bool        `yaml:"enabled" json:"enabled,omitempty"`
	LogScale   bool         `yaml:"log_scale" json:"log_scale,omitempty"`
	Smooth     bool         `yaml:"smooth" json:"smooth,omitempty"`
}

type FilterSpec struct {
	Field  string `yaml:"field" json:"field"`
	Equals string `yaml:"equals" json:"equals"`
}

type WindowSpec struct {
	Mode     string `yaml:"mode" json:"mode"`
	Count    int    `yaml:"count" json:"count,omitempty"`
	Duration string `yaml:"duration" json:"duration,omitempty"`
}

// SeriesSpec 为图表中的一条线；第一条为主序列，驱动文本槽位。
type SeriesSpec struct {
	Name    string   `yaml:"name" json:"name"`
	Fields  []string `yaml:"fields" json:"fields"`
	Color   string   `yaml:"color" json:"color,omitempty"`
	Missing string   `yaml:"missing" json:"missing,omitempty"`
	Axis    string   `yaml:"axis" json:"axis,omitempty"`
	Slot    string   `yaml:"slot" json:"slot,omitempty"`
	Display string   `yaml:"display" json:"display,omitempty"`
	Unit    string   `yaml:"unit" json:"unit,omitempty"`
}

// Feed 为校验、归一化后的运行期 feed。
type Feed struct {
	ID         string
	Title      string
	URL        string
	Format     series.Format
	Auth       Auth
	Unit       string
	CountSlot  string
	TimeFields series.FieldChain
	Filter     *series.Filter
	Window     series.Window
	Series     []Series
	Fallback   Fallback
	DemoFile   string
	Enabled    bool
	LogScale   bool
	Smooth     bool
}

type Series struct {
	Name    string
	Fields  series.FieldChain
	Color   string
	Missing series.MissingPolicy
	Axis    Axis
	Slot    string
	Display string
	Unit    string
}

// Primary returns the series that drives the feed's text slot.
func (f Feed) Primary() Series {
	if len(f.Series) == 0 {
		return Series{}
	}
	return f.Series[0]
}

// Slots 返回 feed 写入的全部文本槽位，含计数槽位。
func (f Feed) Slots() []string {
	out := make([]string, 0, len(f.Series)+1)
	for _, s := range f.Series {
		if s.Slot != "" {
			out = append(out, s.Slot)
		}
	}
	if f.CountSlot != "" {
		out = append(out, f.CountSlot)
	}
	return out
}

// ResolveFallback 将 inherit 解析为全局默认策略。
func (f Feed) ResolveFallback(def Fallback) Fallback {
	if f.Fallback == "" || f.Fallback == FallbackInherit {
		if def == "" || def == FallbackInherit {
			return FallbackNone
		}
		return def
	}
	return f.Fallback
}

// Compile 归一化并校验单个定义。
func (d Definition) Compile() (Feed, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return Feed{}, fmt.Errorf("feed id is required")
	}
	url := strings.TrimSpace(d.URL)
	if url == "" {
		return Feed{}, fmt.Errorf("feed %s: url is required", id)
	}
	if len(d.Series) == 0 {
		return Feed{}, fmt.Errorf("feed %s: at least one series is required", id)
	}
	if len(d.Series) > 2 {
		return Feed{}, fmt.Errorf("feed %s: a chart holds at most two series", id)
	}
	window, err := series.ParseWindow(d.Window.Mode, d.Window.Count, d.Window.Duration)
	if err != nil {
		return Feed{}, fmt.Errorf("feed %s: %w", id, err)
	}
	fallback, err := ParseFallback(d.Fallback)
	if err != nil {
		return Feed{}, fmt.Errorf("feed %s: %w", id, err)
	}
	if fallback == FallbackDemo && strings.TrimSpace(d.DemoFile) == "" {
		return Feed{}, fmt.Errorf("feed %s: fallback demo requires demo_file", id)
	}
	format := series.Format(strings.ToLower(strings.TrimSpace(d.Format)))
	switch format {
	case series.FormatAuto, series.FormatRecords, series.FormatTable:
	default:
		return Feed{}, fmt.Errorf("feed %s: unknown format %q", id, d.Format)
	}
	auth := Auth(strings.ToLower(strings.TrimSpace(d.Auth)))
	switch auth {
	case "":
		auth = AuthNone
	case AuthNone, AuthBearer, AuthAPIKey:
	default:
		return Feed{}, fmt.Errorf("feed %s: unknown auth %q", id, d.Auth)
	}

	feed := Feed{
		ID:         id,
		Title:      strings.TrimSpace(d.Title),
		URL:        url,
		Format:     format,
		Auth:       auth,
		Unit:       strings.TrimSpace(d.Unit),
		CountSlot:  strings.TrimSpace(d.CountSlot),
		TimeFields: normalizeFields(d.TimeFields),
		Window:     window,
		Fallback:   fallback,
		DemoFile:   strings.TrimSpace(d.DemoFile),
		Enabled:    d.Enabled == nil || *d.Enabled,
		LogScale:   d.LogScale,
		Smooth:     d.Smooth,
	}
	if feed.Title == "" {
		feed.Title = id
	}
	if d.Filter != nil && strings.TrimSpace(d.Filter.Field) != "" {
		feed.Filter = &series.Filter{
			Field:  strings.TrimSpace(d.Filter.Field),
			Equals: strings.TrimSpace(d.Filter.Equals),
		}
	}

	seen := make(map[string]struct{}, len(d.Series))
	for idx, spec := range d.Series {
		s, err := compileSeries(idx, spec, d)
		if err != nil {
			return Feed{}, fmt.Errorf("feed %s: %w", id, err)
		}
		if _, dup := seen[s.Name]; dup {
			return Feed{}, fmt.Errorf("feed %s: duplicate series %q", id, s.Name)
		}
		seen[s.Name] = struct{}{}
		feed.Series = append(feed.Series, s)
	}
	return feed, nil
}

func compileSeries(idx int, spec SeriesSpec, d Definition) (Series, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Series{}, fmt.Errorf("series #%d: name is required", idx+1)
	}
	fields := normalizeFields(spec.Fields)
	if len(fields) == 0 {
		return Series{}, fmt.Errorf("series %s: fields are required", name)
	}
	missing, ok := series.ParseMissingPolicy(spec.Missing)
	if !ok {
		return Series{}, fmt.Errorf("series %s: unknown missing policy %q", name, spec.Missing)
	}
	axis := Axis(strings.ToLower(strings.TrimSpace(spec.Axis)))
	switch axis {
	case "":
		axis = AxisLeft
	case AxisLeft, AxisRight:
	default:
		return Series{}, fmt.Errorf("series %s: unknown axis %q", name, spec.Axis)
	}
	out := Series{
		Name:    name,
		Fields:  fields,
		Color:   strings.TrimSpace(spec.Color),
		Missing: missing,
		Axis:    axis,
		Slot:    strings.TrimSpace(spec.Slot),
		Display: strings.TrimSpace(spec.Display),
		Unit:    strings.TrimSpace(spec.Unit),
	}
	// 主序列继承 feed 级别的槽位与展示方式
	if idx == 0 {
		if out.Slot == "" {
			out.Slot = strings.TrimSpace(d.Slot)
		}
		if out.Display == "" {
			out.Display = strings.TrimSpace(d.Display)
		}
		if out.Color == "" {
			out.Color = strings.TrimSpace(d.Color)
		}
	}
	if out.Unit == "" {
		out.Unit = strings.TrimSpace(d.Unit)
	}
	return out, nil
}

func normalizeFields(in []string) series.FieldChain {
	if len(in) == 0 {
		return nil
	}
	out := make(series.FieldChain, 0, len(in))
	for _, f := range in {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
