// Package dashboard runs refresh cycles: every feed is fetched, normalized and
// pushed into its chart handle and text slots independently of the others.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"spacewx/internal/archive"
	"spacewx/internal/display"
	"spacewx/internal/feeds"
	"spacewx/internal/gateway/swpc"
	"spacewx/internal/logger"
	"spacewx/internal/render"
	"spacewx/internal/series"
	"spacewx/internal/store"
)

// ErrCycleInFlight 表示上一个周期尚未结束。
var ErrCycleInFlight = errors.New("refresh cycle already in flight")

// Fetcher 由 swpc.Client 实现。
type Fetcher interface {
	Fetch(ctx context.Context, req swpc.Request) ([]byte, error)
}

// PayloadStore 由 store.Store 实现。
type PayloadStore interface {
	SavePayload(ctx context.Context, p store.Payload) error
	LatestPayload(ctx context.Context, feedID string) (store.Payload, error)
	RecordCycle(ctx context.Context, rec store.CycleRecord) error
}

// Archiver 由 archive.Sink 实现。
type Archiver interface {
	Write(ctx context.Context, rows []archive.Row) error
}

type Broadcaster interface {
	Broadcast(u Update)
}

type Options struct {
	Fetcher     Fetcher
	Board       *display.Board
	Store       PayloadStore
	Archive     Archiver
	Broadcaster Broadcaster

	DefaultFallback feeds.Fallback
	DemoDir         string
	Only            []string
	Location        *time.Location
	LabelLayout     string
	APIKey          string
	BearerToken     string
	// Concurrency<=0 表示所有 feed 同时拉取。
	Concurrency int
	Page        render.PageOptions
	Now         func() time.Time
}

// Dashboard 持有 feed 列表与 chart handle 表；周期写、HTTP 读。
type Dashboard struct {
	opts  Options
	board *display.Board
	nowFn func() time.Time

	running atomic.Bool

	mu        sync.RWMutex
	feeds     []feeds.Feed
	handles   map[string]*render.ChartHandle
	last      CycleReport
	broadcast Broadcaster

	catalogVersion int64
}

func New(opts Options) (*Dashboard, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("dashboard: fetcher 必填")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if strings.TrimSpace(opts.LabelLayout) == "" {
		opts.LabelLayout = series.DefaultLabelLayout
	}
	board := opts.Board
	if board == nil {
		board = display.NewBoard(opts.Location)
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Dashboard{
		opts:      opts,
		board:     board,
		nowFn:     nowFn,
		handles:   make(map[string]*render.ChartHandle),
		broadcast: opts.Broadcaster,
	}, nil
}

func (d *Dashboard) Board() *display.Board {
	if d == nil {
		return nil
	}
	return d.board
}

// ApplyCatalog 切换到新的 feed 列表；已移除或定义变化的 feed 其 handle 被释放。
func (d *Dashboard) ApplyCatalog(snap feeds.Snapshot) {
	if d == nil {
		return
	}
	active := snap.Active(d.opts.Only)
	keep := make(map[string]render.Spec, len(active))
	for _, f := range active {
		keep[f.ID] = chartSpec(f)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// 监听回调是异步的，旧版本晚到时忽略
	if d.catalogVersion > 0 && snap.Version <= d.catalogVersion {
		logger.Warnf("忽略过期的 feed catalog v%d（当前 v%d）", snap.Version, d.catalogVersion)
		return
	}
	d.catalogVersion = snap.Version
	d.releaseSlots(active)
	d.feeds = active
	for id, h := range d.handles {
		spec, ok := keep[id]
		if ok && h.Spec() == spec {
			continue
		}
		h.Dispose()
		delete(d.handles, id)
		logger.Infof("chart handle 已释放: %s", id)
	}
	logger.Infof("feed catalog v%d 生效: %d 个 feed (%s)", snap.Version, len(active), snap.Source)
}

// releaseSlots 把不再由任何活跃 feed 写入的槽位置为不可用。调用方持有 d.mu。
func (d *Dashboard) releaseSlots(active []feeds.Feed) {
	used := make(map[string]struct{})
	for _, f := range active {
		for _, slot := range f.Slots() {
			used[slot] = struct{}{}
		}
	}
	for _, f := range d.feeds {
		for _, slot := range f.Slots() {
			if _, ok := used[slot]; !ok {
				d.board.Unavailable(slot)
			}
		}
	}
}

func (d *Dashboard) Feeds() []feeds.Feed {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]feeds.Feed(nil), d.feeds...)
}

// Views 按 catalog 顺序返回当前所有 chart 的只读副本。
func (d *Dashboard) Views() []render.ChartView {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]render.ChartView, 0, len(d.handles))
	for _, f := range d.feeds {
		if h, ok := d.handles[f.ID]; ok && !h.Disposed() {
			out = append(out, h.View())
		}
	}
	return out
}

func (d *Dashboard) View(feedID string) (render.ChartView, bool) {
	if d == nil {
		return render.ChartView{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handles[strings.TrimSpace(feedID)]
	if !ok || h.Disposed() {
		return render.ChartView{}, false
	}
	return h.View(), true
}

func (d *Dashboard) LastReport() CycleReport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// Page renders the full HTML dashboard from the current state.
func (d *Dashboard) Page() ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("dashboard 未初始化")
	}
	o := d.opts.Page
	slots := d.board.Snapshot()
	o.Panel = make([]render.PanelItem, 0, len(slots))
	for _, s := range slots {
		o.Panel = append(o.Panel, render.PanelItem{Name: s.Name, Text: s.Text, Available: s.Available})
	}
	return render.BuildPage(d.Views(), o)
}

// RunCycle 执行一次完整刷新。并发调用返回 ErrCycleInFlight。
func (d *Dashboard) RunCycle(ctx context.Context) (CycleReport, error) {
	if d == nil {
		return CycleReport{}, fmt.Errorf("dashboard 未初始化")
	}
	if !d.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInFlight
	}
	defer d.running.Store(false)
	if ctx == nil {
		ctx = context.Background()
	}

	report := CycleReport{CycleID: uuid.NewString(), StartedAt: d.nowFn()}
	list := d.Feeds()
	results := make([]FeedResult, len(list))
	var (
		rowsMu sync.Mutex
		rows   []archive.Row
	)

	g, gctx := errgroup.WithContext(ctx)
	if d.opts.Concurrency > 0 {
		g.SetLimit(d.opts.Concurrency)
	}
	for i, f := range list {
		i, f := i, f
		g.Go(func() error {
			res, latest := d.runFeed(gctx, f)
			results[i] = res
			if len(latest) > 0 {
				rowsMu.Lock()
				for _, r := range latest {
					r.CycleID = report.CycleID
					rows = append(rows, r)
				}
				rowsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Feeds = results
	report.FinishedAt = d.nowFn()
	if err := ctx.Err(); err != nil {
		// 被取消的周期不计入历史，也不推送
		logger.Warnf("刷新周期 %s 已取消: ok=%d fallback=%d cancelled=%d",
			report.CycleID, report.OK(), report.Fallback(), report.Cancelled())
		return report, err
	}
	d.board.Touch(report.FinishedAt)

	d.mu.Lock()
	d.last = report
	b := d.broadcast
	d.mu.Unlock()

	d.recordCycle(ctx, report)
	d.archiveRows(ctx, rows)
	if b != nil {
		b.Broadcast(Update{CycleID: report.CycleID, At: report.FinishedAt, Charts: render.WithSMA(d.Views(), d.opts.Page.SmoothingPeriod), Slots: d.board.Snapshot()})
	}
	logger.Infof("刷新周期 %s 完成: ok=%d fallback=%d failed=%d 用时 %s",
		report.CycleID, report.OK(), report.Fallback(), report.Failed(), report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, ctx.Err()
}

func (d *Dashboard) recordCycle(ctx context.Context, report CycleReport) {
	if d.opts.Store == nil {
		return
	}
	detail, err := json.Marshal(report.Feeds)
	if err != nil {
		logger.Warnf("序列化周期详情失败: %v", err)
	}
	rec := store.CycleRecord{
		CycleID:    report.CycleID,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		OK:         report.OK(),
		Failed:     report.Failed(),
		Fallback:   report.Fallback(),
		Detail:     detail,
	}
	if err := d.opts.Store.RecordCycle(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warnf("记录刷新周期失败: %v", err)
	}
}

func (d *Dashboard) archiveRows(ctx context.Context, rows []archive.Row) {
	if d.opts.Archive == nil || len(rows) == 0 {
		return
	}
	if err := d.opts.Archive.Write(context.WithoutCancel(ctx), rows); err != nil {
		logger.Warnf("归档写入失败: %v", err)
	}
}

func (d *Dashboard) handleFor(f feeds.Feed) *render.ChartHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handles[f.ID]; ok && !h.Disposed() {
		return h
	}
	h := render.NewChartHandle(chartSpec(f))
	d.handles[f.ID] = h
	return h
}

func (d *Dashboard) existingHandle(feedID string) *render.ChartHandle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handles[feedID]
}

func chartSpec(f feeds.Feed) render.Spec {
	return render.Spec{
		FeedID:   f.ID,
		Title:    f.Title,
		Unit:     f.Unit,
		LogScale: f.LogScale,
		Smooth:   f.Smooth,
	}
}
