// Package series turns raw upstream feed records into chart-ready,
// chronologically ordered series.
package series

import (
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"spacewx/internal/pkg/convert"
)

// MissingPolicy 决定无法转换为数字的取值如何处理。
type MissingPolicy string

const (
	// MissingZero 保留该点并记为 0。
	MissingZero MissingPolicy = "zero"
	// MissingDrop 从 labels/values/times 中同时移除该点。
	MissingDrop MissingPolicy = "drop"
)

// ParseMissingPolicy 解析配置值，空串为 MissingZero。
func ParseMissingPolicy(raw string) (MissingPolicy, bool) {
	switch MissingPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MissingZero:
		return MissingZero, true
	case MissingDrop:
		return MissingDrop, true
	default:
		return "", false
	}
}

// DefaultTimeFields 是未配置时依次探测的时间字段。
var DefaultTimeFields = FieldChain{"time_tag", "timestamp", "date"}

const DefaultLabelLayout = "15:04"

// FieldChain 为有序的候选字段名，第一个非 null 的字段生效。
type FieldChain []string

// Resolve returns the first present, non-null field value.
func (c FieldChain) Resolve(s RawSample) (gjson.Result, bool) {
	for _, name := range c {
		v := s.Field(name)
		if v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

// Filter keeps only samples whose field equals the given text.
type Filter struct {
	Field  string
	Equals string
}

func (f *Filter) match(s RawSample) bool {
	if f == nil || strings.TrimSpace(f.Field) == "" {
		return true
	}
	return strings.TrimSpace(s.Field(f.Field).String()) == f.Equals
}

type Options struct {
	TimeFields  FieldChain
	Location    *time.Location
	LabelLayout string
	Missing     MissingPolicy
	Filter      *Filter
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if len(o.TimeFields) == 0 {
		o.TimeFields = DefaultTimeFields
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if strings.TrimSpace(o.LabelLayout) == "" {
		o.LabelLayout = DefaultLabelLayout
	}
	if o.Missing == "" {
		o.Missing = MissingZero
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Latest 为窗口内最新的一个点；Available=false 即 "unavailable" 哨兵。
type Latest struct {
	Value     float64   `json:"value"`
	Time      time.Time `json:"time"`
	Available bool      `json:"available"`
}

// Unavailable is the sentinel returned for an empty window.
var Unavailable = Latest{}

// NormalizedSeries 三个切片等长，按时间升序。
type NormalizedSeries struct {
	Labels []string    `json:"labels"`
	Values []float64   `json:"values"`
	Times  []time.Time `json:"times"`
	Latest Latest      `json:"latest"`
	// Skipped 为缺少可解析时间戳或未通过过滤的记录数。
	Skipped int `json:"skipped"`
	// Defaulted 为按 MissingPolicy 处理过的取值数。
	Defaulted int `json:"defaulted"`
}

func (s NormalizedSeries) Len() int {
	return len(s.Values)
}

func (s NormalizedSeries) Empty() bool {
	return len(s.Values) == 0
}

type point struct {
	at     time.Time
	sample RawSample
}

// Extract 对样本做过滤、排序、开窗，再按字段链取值。
// 对任意输入都不会失败：无法解析的部分按 Options 降级处理。
func Extract(samples []RawSample, selectors FieldChain, window Window, opts Options) NormalizedSeries {
	opts = opts.withDefaults()
	out := NormalizedSeries{
		Labels: make([]string, 0),
		Values: make([]float64, 0),
		Times:  make([]time.Time, 0),
	}

	points := make([]point, 0, len(samples))
	for _, s := range samples {
		if !opts.Filter.match(s) {
			out.Skipped++
			continue
		}
		raw, ok := opts.TimeFields.Resolve(s)
		if !ok {
			out.Skipped++
			continue
		}
		at, ok := ParseTime(raw)
		if !ok {
			out.Skipped++
			continue
		}
		points = append(points, point{at: at, sample: s})
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].at.Before(points[j].at)
	})

	points = window.apply(points, opts.Now())
	for _, p := range points {
		value, ok := numericValue(selectors, p.sample)
		if !ok {
			out.Defaulted++
			if opts.Missing == MissingDrop {
				continue
			}
			value = 0
		}
		out.Labels = append(out.Labels, p.at.In(opts.Location).Format(opts.LabelLayout))
		out.Values = append(out.Values, value)
		out.Times = append(out.Times, p.at)
	}

	if n := len(out.Values); n > 0 {
		out.Latest = Latest{Value: out.Values[n-1], Time: out.Times[n-1], Available: true}
	}
	return out
}

func numericValue(selectors FieldChain, s RawSample) (float64, bool) {
	v, ok := selectors.Resolve(s)
	if !ok {
		return 0, false
	}
	switch v.Type {
	case gjson.Number:
		return convert.ParseNumber(v.Raw)
	case gjson.String:
		return convert.ParseNumber(v.Str)
	default:
		return 0, false
	}
}
