// Package render owns per-feed chart state and turns it into an ECharts page.
package render

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"
)

// ErrDisposed 表示 handle 已随 feed 一起被移除。
var ErrDisposed = errors.New("chart handle disposed")

// Spec 描述 handle 的静态属性。
type Spec struct {
	FeedID   string
	Title    string
	Unit     string
	LogScale bool
	Smooth   bool
}

type SeriesData struct {
	Name   string    `json:"name"`
	Color  string    `json:"color,omitempty"`
	Unit   string    `json:"unit,omitempty"`
	Right  bool      `json:"right,omitempty"`
	Values []float64 `json:"values"`
}

// MarshalJSON 把 NaN/Inf（对齐后的缺口）输出为 null。
func (s SeriesData) MarshalJSON() ([]byte, error) {
	type alias SeriesData
	values := make([]*float64, len(s.Values))
	for i := range s.Values {
		if v := s.Values[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
			values[i] = &v
		}
	}
	return json.Marshal(struct {
		alias
		Values []*float64 `json:"values"`
	}{alias: alias(s), Values: values})
}

// SeriesSet 为一次刷新得到的整张图数据，所有序列共用 Labels。
type SeriesSet struct {
	Labels []string
	Series []SeriesData
	Source string
}

// ChartHandle 每个 feed 一个，跨周期复用：Update 原地替换数据而不是重建。
type ChartHandle struct {
	spec    Spec
	chartID string

	mu        sync.RWMutex
	labels    []string
	series    []SeriesData
	version   int64
	updatedAt time.Time
	source    string
	disposed  bool
}

func NewChartHandle(spec Spec) *ChartHandle {
	spec.FeedID = strings.TrimSpace(spec.FeedID)
	if strings.TrimSpace(spec.Title) == "" {
		spec.Title = spec.FeedID
	}
	return &ChartHandle{spec: spec, chartID: chartID(spec.FeedID)}
}

func (h *ChartHandle) FeedID() string {
	return h.spec.FeedID
}

func (h *ChartHandle) Spec() Spec {
	return h.spec
}

// ChartID is the DOM/JS identifier of the chart on the page.
func (h *ChartHandle) ChartID() string {
	return h.chartID
}

// Update 用新的一组序列替换当前数据，并递增版本号。
func (h *ChartHandle) Update(set SeriesSet, at time.Time) error {
	if h == nil {
		return ErrDisposed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return ErrDisposed
	}
	h.labels = append(h.labels[:0], set.Labels...)
	if cap(h.series) < len(set.Series) {
		h.series = make([]SeriesData, len(set.Series))
	}
	h.series = h.series[:len(set.Series)]
	for i, s := range set.Series {
		values := append(h.series[i].Values[:0], s.Values...)
		h.series[i] = s
		h.series[i].Values = values
	}
	h.source = set.Source
	h.updatedAt = at
	h.version++
	return nil
}

// Clear empties the chart, e.g. when the window yields no samples.
func (h *ChartHandle) Clear(at time.Time) error {
	if h == nil {
		return ErrDisposed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return ErrDisposed
	}
	h.labels = h.labels[:0]
	for i := range h.series {
		h.series[i].Values = h.series[i].Values[:0]
	}
	h.source = ""
	h.updatedAt = at
	h.version++
	return nil
}

// Dispose 释放 handle；之后的 Update 返回 ErrDisposed。
func (h *ChartHandle) Dispose() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.disposed = true
	h.labels = nil
	h.series = nil
	h.mu.Unlock()
}

func (h *ChartHandle) Disposed() bool {
	if h == nil {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.disposed
}

// ChartView 为 handle 的只读副本，供页面渲染与 API 输出。
type ChartView struct {
	FeedID    string       `json:"feed_id"`
	ChartID   string       `json:"chart_id"`
	Title     string       `json:"title"`
	Unit      string       `json:"unit,omitempty"`
	LogScale  bool         `json:"log_scale,omitempty"`
	Smooth    bool         `json:"smooth,omitempty"`
	Labels    []string     `json:"labels"`
	Series    []SeriesData `json:"series"`
	Version   int64        `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
	Source    string       `json:"source,omitempty"`

	// SMA 仅出现在实时推送里，页面首屏由 BuildPage 自行计算。
	SMA *SeriesData `json:"sma,omitempty"`
}

func (h *ChartHandle) View() ChartView {
	h.mu.RLock()
	defer h.mu.RUnlock()
	view := ChartView{
		FeedID:    h.spec.FeedID,
		ChartID:   h.chartID,
		Title:     h.spec.Title,
		Unit:      h.spec.Unit,
		LogScale:  h.spec.LogScale,
		Smooth:    h.spec.Smooth,
		Labels:    append(make([]string, 0, len(h.labels)), h.labels...),
		Series:    make([]SeriesData, 0, len(h.series)),
		Version:   h.version,
		UpdatedAt: h.updatedAt,
		Source:    h.source,
	}
	for _, s := range h.series {
		s.Values = append(make([]float64, 0, len(s.Values)), s.Values...)
		view.Series = append(view.Series, s)
	}
	return view
}

func chartID(feedID string) string {
	var b strings.Builder
	b.WriteString("spacewx_")
	for _, r := range feedID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
