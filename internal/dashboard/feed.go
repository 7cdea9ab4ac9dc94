package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"spacewx/internal/archive"
	"spacewx/internal/display"
	"spacewx/internal/feeds"
	"spacewx/internal/gateway/swpc"
	"spacewx/internal/logger"
	"spacewx/internal/render"
	"spacewx/internal/series"
	"spacewx/internal/store"
)

// payload 为一次取数的结果，可能来自上游也可能来自回退源。
type payload struct {
	body      []byte
	source    display.Source
	fetchedAt time.Time
}

// runFeed 处理单个 feed，任何错误与 panic 都只影响该 feed。
func (d *Dashboard) runFeed(ctx context.Context, f feeds.Feed) (res FeedResult, rows []archive.Row) {
	start := time.Now()
	res = FeedResult{FeedID: f.ID}
	log := logger.With("feed", f.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("feed 处理 panic: %v", r)
			d.markUnavailable(f)
			res.Status = StatusUnavailable
			res.Error = fmt.Sprintf("panic: %v", r)
			rows = nil
		}
		res.Duration = time.Since(start)
	}()

	p, fetchErr := d.acquire(ctx, f)
	if fetchErr != nil {
		res.Error = fetchErr.Error()
	}
	if p == nil && ctx.Err() != nil {
		// 周期被取消，槽位与 chart 保持原样
		log.Debugf("周期已取消，跳过: %v", fetchErr)
		res.Status = StatusCancelled
		return res, nil
	}
	if p == nil {
		log.Warnf("无可用数据: %v", fetchErr)
		d.markUnavailable(f)
		res.Status = StatusUnavailable
		return res, nil
	}
	res.Source = p.source

	samples, err := series.ParseSamples(p.body, f.Format)
	if err != nil {
		var malformed *series.MalformedDataError
		if errors.As(err, &malformed) {
			log.Warnf("报文格式异常，按空序列处理: %v", err)
		}
		samples = nil
	} else if p.source == display.SourceLive && len(samples) > 0 {
		d.saveLastGood(ctx, f.ID, p)
	}

	now := d.nowFn
	if p.source != display.SourceLive {
		// 回退数据按其最新样本时间开窗，否则滚动窗口必然为空。
		if anchor, ok := newestSampleTime(samples, f.TimeFields); ok {
			now = func() time.Time { return anchor }
		}
	}

	extracted := make([]series.NormalizedSeries, len(f.Series))
	points := 0
	for i, s := range f.Series {
		extracted[i] = series.Extract(samples, s.Fields, f.Window, series.Options{
			TimeFields:  f.TimeFields,
			Location:    d.opts.Location,
			LabelLayout: d.opts.LabelLayout,
			Missing:     s.Missing,
			Filter:      f.Filter,
			Now:         now,
		})
		points += extracted[i].Len()
		if i == 0 {
			res.Skipped = extracted[i].Skipped
		}
	}
	res.Points = points

	at := d.nowFn()
	if points == 0 {
		if h := d.existingHandle(f.ID); h != nil {
			if err := h.Clear(at); err != nil && !errors.Is(err, render.ErrDisposed) {
				log.Warnf("清空 chart 失败: %v", err)
			}
		}
		d.markUnavailable(f)
		// 拿到了报文只是窗口内没有样本，计数为 0 而不是不可用
		d.setCount(f, 0, at, p.source)
		res.Status = StatusEmpty
		return res, nil
	}

	labels, aligned := alignSeries(extracted, d.opts.Location, d.opts.LabelLayout)
	set := render.SeriesSet{Labels: labels, Source: string(p.source)}
	for i, s := range f.Series {
		set.Series = append(set.Series, render.SeriesData{
			Name:   s.Name,
			Color:  s.Color,
			Unit:   s.Unit,
			Right:  s.Axis == feeds.AxisRight,
			Values: aligned[i],
		})
	}
	if err := d.handleFor(f).Update(set, at); err != nil {
		log.Warnf("更新 chart 失败: %v", err)
	}
	d.setCount(f, extracted[0].Len(), extracted[0].Latest.Time, p.source)

	for i, s := range f.Series {
		latest := extracted[i].Latest
		if !latest.Available {
			if s.Slot != "" {
				d.board.Unavailable(s.Slot)
			}
			continue
		}
		if s.Slot != "" {
			d.board.Set(s.Slot, display.Reading{
				Value:  latest.Value,
				Time:   latest.Time,
				Kind:   display.Kind(s.Display),
				Unit:   s.Unit,
				Source: p.source,
			})
		}
		rows = append(rows, archive.Row{
			Time:   latest.Time,
			Feed:   f.ID,
			Series: s.Name,
			Value:  latest.Value,
			Source: string(p.source),
		})
	}

	res.Status = StatusOK
	if p.source != display.SourceLive {
		res.Status = StatusFallback
	}
	return res, rows
}

// acquire 先拉上游，失败时按回退策略取数据；返回 nil 表示无数据可用。
func (d *Dashboard) acquire(ctx context.Context, f feeds.Feed) (*payload, error) {
	req := swpc.Request{FeedID: f.ID, URL: f.URL}
	switch f.Auth {
	case feeds.AuthAPIKey:
		req.APIKey = d.opts.APIKey
	case feeds.AuthBearer:
		req.BearerToken = d.opts.BearerToken
	}
	body, err := d.opts.Fetcher.Fetch(ctx, req)
	if err == nil {
		return &payload{body: body, source: display.SourceLive, fetchedAt: d.nowFn()}, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	policy := f.ResolveFallback(d.opts.DefaultFallback)
	switch policy {
	case feeds.FallbackCached:
		p, cerr := d.cachedPayload(ctx, f.ID)
		if cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		logger.Warnf("feed %s 上游失败，使用缓存数据 (%s): %v", f.ID, p.fetchedAt.Format(time.RFC3339), err)
		return p, err
	case feeds.FallbackDemo:
		p, derr := d.demoPayload(f)
		if derr != nil {
			return nil, errors.Join(err, derr)
		}
		logger.Warnf("feed %s 上游失败，使用演示数据: %v", f.ID, err)
		return p, err
	default:
		return nil, err
	}
}

func (d *Dashboard) cachedPayload(ctx context.Context, feedID string) (*payload, error) {
	if d.opts.Store == nil {
		return nil, fmt.Errorf("cached fallback: store disabled")
	}
	p, err := d.opts.Store.LatestPayload(ctx, feedID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("cached fallback: no payload for %s", feedID)
		}
		return nil, fmt.Errorf("cached fallback: %w", err)
	}
	return &payload{body: p.Body, source: display.SourceCached, fetchedAt: p.FetchedAt}, nil
}

func (d *Dashboard) demoPayload(f feeds.Feed) (*payload, error) {
	name := strings.TrimSpace(f.DemoFile)
	if name == "" {
		return nil, fmt.Errorf("demo fallback: feed %s has no demo_file", f.ID)
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(d.opts.DemoDir, name)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("demo fallback: %w", err)
	}
	return &payload{body: body, source: display.SourceDemo, fetchedAt: d.nowFn()}, nil
}

func (d *Dashboard) saveLastGood(ctx context.Context, feedID string, p *payload) {
	if d.opts.Store == nil {
		return
	}
	err := d.opts.Store.SavePayload(context.WithoutCancel(ctx), store.Payload{FeedID: feedID, FetchedAt: p.fetchedAt, Body: p.body})
	if err != nil {
		logger.Warnf("保存 %s 缓存失败: %v", feedID, err)
	}
}

// markUnavailable 仅改写文本槽位，chart 保持上一次的数据。
func (d *Dashboard) markUnavailable(f feeds.Feed) {
	for _, slot := range f.Slots() {
		d.board.Unavailable(slot)
	}
}

// setCount 写入窗口内主序列的样本数，如 "3 recent"。
func (d *Dashboard) setCount(f feeds.Feed, n int, at time.Time, source display.Source) {
	if f.CountSlot == "" {
		return
	}
	d.board.Set(f.CountSlot, display.Reading{Value: float64(n), Time: at, Kind: display.KindCount, Source: source})
}

func newestSampleTime(samples []series.RawSample, fields series.FieldChain) (time.Time, bool) {
	if len(fields) == 0 {
		fields = series.DefaultTimeFields
	}
	var newest time.Time
	for _, s := range samples {
		raw, ok := fields.Resolve(s)
		if !ok {
			continue
		}
		if at, ok := series.ParseTime(raw); ok && at.After(newest) {
			newest = at
		}
	}
	return newest, !newest.IsZero()
}

// alignSeries 把多条序列对齐到时间并集上，缺口为 NaN。
func alignSeries(in []series.NormalizedSeries, loc *time.Location, layout string) ([]string, [][]float64) {
	if len(in) == 1 {
		return in[0].Labels, [][]float64{in[0].Values}
	}
	index := make(map[int64]int)
	var times []time.Time
	for _, s := range in {
		for _, t := range s.Times {
			if _, ok := index[t.UnixNano()]; !ok {
				index[t.UnixNano()] = 0
				times = append(times, t)
			}
		}
	}
	sort.SliceStable(times, func(i, j int) bool { return times[i].Before(times[j]) })
	labels := make([]string, len(times))
	for i, t := range times {
		index[t.UnixNano()] = i
		labels[i] = t.In(loc).Format(layout)
	}
	out := make([][]float64, len(in))
	for i, s := range in {
		values := make([]float64, len(times))
		for j := range values {
			values[j] = math.NaN()
		}
		for j, t := range s.Times {
			values[index[t.UnixNano()]] = s.Values[j]
		}
		out[i] = values
	}
	return labels, out
}
