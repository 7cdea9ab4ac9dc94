package dashboard

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spacewx/internal/archive"
	"spacewx/internal/display"
	"spacewx/internal/feeds"
	"spacewx/internal/gateway/swpc"
	"spacewx/internal/render"
	"spacewx/internal/series"
	"spacewx/internal/store"
)

const testCatalog = `
feeds:
  - id: kp
    title: Kp
    url: https://example.test/kp.json
    slot: kp
    display: kp
    window: {mode: last_n, count: 10}
    series:
      - name: Kp
        fields: [kp_index, estimated_kp]
    fallback: none
  - id: wind
    url: https://example.test/wind.json
    format: table
    window: {mode: rolling, duration: PT2H}
    series:
      - name: Speed
        fields: [speed]
        slot: wind_speed
        display: speed
        unit: km/s
        missing: drop
      - name: Density
        fields: [density]
        slot: wind_density
        display: density
        axis: right
        missing: drop
    fallback: cached
  - id: cme
    url: https://example.test/cme.json
    auth: api_key
    slot: cme_speed
    count_slot: cme_count
    display: speed
    time_fields: [time21_5]
    window: {mode: last_n, count: 5}
    series:
      - name: Speed
        fields: [speed]
    fallback: demo
    demo_file: cme.json
`

const (
	kpBody   = `[{"time_tag":"2024-05-10T11:58:00","kp_index":2},{"time_tag":"2024-05-10T11:59:00","estimated_kp":3}]`
	windBody = `[["time_tag","density","speed","temperature"],
["2024-05-10 11:00:00.000","5.1","400.0","90000"],
["2024-05-10 11:30:00.000",null,"420.0","91000"],
["2024-05-10 09:00:00.000","9.9","999.0","1"],
["2024-05-10 11:59:00.000","6.0","450.4","92000"]]`
	cmeBody = `[{"time21_5":"2024-05-09T20:00Z","speed":800},{"time21_5":"2024-05-10T02:30Z","speed":1250}]`
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fetcherMock struct {
	mock.Mock
}

func (m *fetcherMock) Fetch(_ context.Context, req swpc.Request) ([]byte, error) {
	args := m.Called(req)
	body, _ := args.Get(0).([]byte)
	return body, args.Error(1)
}

func forFeed(id string) interface{} {
	return mock.MatchedBy(func(req swpc.Request) bool { return req.FeedID == id })
}

type archiveMock struct {
	mock.Mock
}

func (m *archiveMock) Write(_ context.Context, rows []archive.Row) error {
	return m.Called(rows).Error(0)
}

type broadcastRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (b *broadcastRecorder) Broadcast(u Update) {
	b.mu.Lock()
	b.updates = append(b.updates, u)
	b.mu.Unlock()
}

func testSnapshot(t *testing.T, raw string) feeds.Snapshot {
	t.Helper()
	list, err := feeds.Parse([]byte(raw))
	require.NoError(t, err)
	return feeds.Snapshot{Version: 1, Source: "test", Feeds: list}
}

func newTestDashboard(t *testing.T, opts Options) *Dashboard {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	d, err := New(opts)
	require.NoError(t, err)
	d.ApplyCatalog(testSnapshot(t, testCatalog))
	return d
}

func resultFor(t *testing.T, r CycleReport, id string) FeedResult {
	t.Helper()
	for _, f := range r.Feeds {
		if f.FeedID == id {
			return f
		}
	}
	t.Fatalf("feed %s missing from report", id)
	return FeedResult{}
}

func slotText(t *testing.T, d *Dashboard, name string) display.Slot {
	t.Helper()
	s, ok := d.Board().Get(name)
	require.True(t, ok, name)
	return s
}

func TestRunCycleLiveFeeds(t *testing.T) {
	f := new(fetcherMock)
	f.On("Fetch", forFeed("kp")).Return([]byte(kpBody), nil)
	f.On("Fetch", forFeed("wind")).Return([]byte(windBody), nil)
	f.On("Fetch", mock.MatchedBy(func(req swpc.Request) bool {
		return req.FeedID == "cme" && req.APIKey == "DEMO_KEY"
	})).Return([]byte(cmeBody), nil)

	arch := new(archiveMock)
	arch.On("Write", mock.MatchedBy(func(rows []archive.Row) bool {
		return len(rows) == 4 && rows[0].CycleID != ""
	})).Return(nil).Once()
	rec := &broadcastRecorder{}

	d := newTestDashboard(t, Options{
		Fetcher: f, Archive: arch, Broadcaster: rec, APIKey: "DEMO_KEY",
		Page: render.PageOptions{SmoothingPeriod: 2},
	})
	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.CycleID)
	assert.Equal(t, 3, report.OK())
	assert.Equal(t, 0, report.Failed())

	kp := resultFor(t, report, "kp")
	assert.Equal(t, display.SourceLive, kp.Source)
	assert.Equal(t, 2, kp.Points)

	view, ok := d.View("kp")
	require.True(t, ok)
	assert.Equal(t, []string{"11:58", "11:59"}, view.Labels)
	assert.Equal(t, []float64{2, 3}, view.Series[0].Values)
	assert.Equal(t, "Kp 3", slotText(t, d, display.SlotKp).Text)

	wind, ok := d.View("wind")
	require.True(t, ok)
	// 09:00 超出 2 小时窗口
	assert.Equal(t, []string{"11:00", "11:30", "11:59"}, wind.Labels)
	assert.Equal(t, []float64{400, 420, 450.4}, wind.Series[0].Values)
	require.Len(t, wind.Series, 2)
	assert.True(t, wind.Series[1].Right)
	assert.True(t, math.IsNaN(wind.Series[1].Values[1]))
	assert.Equal(t, "450 km/s", slotText(t, d, display.SlotWindSpeed).Text)
	assert.Equal(t, "6.0 p/cm³", slotText(t, d, display.SlotWindDensity).Text)
	assert.Equal(t, "1250 km/s", slotText(t, d, display.SlotCMESpeed).Text)
	assert.Equal(t, "2 recent", slotText(t, d, display.SlotCMECount).Text)
	assert.Equal(t, "2 recent", slotText(t, d, display.SlotCMECount).Text)
	assert.True(t, slotText(t, d, display.SlotLastUpdated).Available)

	require.Len(t, rec.updates, 1)
	assert.Equal(t, report.CycleID, rec.updates[0].CycleID)
	assert.Len(t, rec.updates[0].Charts, 3)
	for _, c := range rec.updates[0].Charts {
		if c.FeedID == "kp" {
			require.NotNil(t, c.SMA)
			assert.Equal(t, 2.5, c.SMA.Values[1])
		}
	}
	assert.Equal(t, report.CycleID, d.LastReport().CycleID)

	f.AssertExpectations(t)
	arch.AssertExpectations(t)
}

func TestFallbackNoneKeepsChart(t *testing.T) {
	f := new(fetcherMock)
	f.On("Fetch", forFeed("kp")).Return([]byte(kpBody), nil).Once()
	f.On("Fetch", forFeed("kp")).Return(nil, &swpc.NetworkError{FeedID: "kp", Status: 503}).Once()
	f.On("Fetch", mock.Anything).Return(nil, errors.New("offline"))

	d := newTestDashboard(t, Options{Fetcher: f})
	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	before, ok := d.View("kp")
	require.True(t, ok)

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	res := resultFor(t, report, "kp")
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.Contains(t, res.Error, "503")

	kp := slotText(t, d, display.SlotKp)
	assert.False(t, kp.Available)
	assert.Equal(t, display.UnavailableText, kp.Text)

	after, ok := d.View("kp")
	require.True(t, ok)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Labels, after.Labels)

	// cached 策略但 store 未配置
	assert.Equal(t, StatusUnavailable, resultFor(t, report, "wind").Status)
}

func TestFallbackCachedUsesLastGoodPayload(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "spacewx.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := new(fetcherMock)
	f.On("Fetch", forFeed("wind")).Return([]byte(windBody), nil).Once()
	f.On("Fetch", forFeed("wind")).Return(nil, &swpc.NetworkError{FeedID: "wind", Err: context.DeadlineExceeded}).Once()
	f.On("Fetch", mock.Anything).Return(nil, errors.New("offline"))

	d := newTestDashboard(t, Options{Fetcher: f, Store: st})
	_, err = d.RunCycle(context.Background())
	require.NoError(t, err)

	n, err := st.PayloadCount(context.Background(), "wind")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	res := resultFor(t, report, "wind")
	assert.Equal(t, StatusFallback, res.Status)
	assert.Equal(t, display.SourceCached, res.Source)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, "450 km/s (cached)", slotText(t, d, display.SlotWindSpeed).Text)

	view, _ := d.View("wind")
	assert.Equal(t, "cached", view.Source)

	cycles, err := st.RecentCycles(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, report.CycleID, cycles[0].CycleID)
	assert.Equal(t, 1, cycles[0].Fallback)
}

func TestFallbackDemoAnchorsWindowAtNewestSample(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cme.json"), []byte(cmeBody), 0o644))

	f := new(fetcherMock)
	f.On("Fetch", mock.Anything).Return(nil, errors.New("offline"))

	d := newTestDashboard(t, Options{
		Fetcher: f,
		DemoDir: dir,
		Now:     func() time.Time { return testNow.AddDate(1, 0, 0) },
	})
	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	res := resultFor(t, report, "cme")
	assert.Equal(t, StatusFallback, res.Status)
	assert.Equal(t, display.SourceDemo, res.Source)
	assert.Equal(t, 2, res.Points)
	assert.Equal(t, "1250 km/s (demo)", slotText(t, d, display.SlotCMESpeed).Text)
	assert.Equal(t, "2 recent (demo)", slotText(t, d, display.SlotCMECount).Text)
}

func TestMalformedPayloadClearsChart(t *testing.T) {
	f := new(fetcherMock)
	f.On("Fetch", forFeed("kp")).Return([]byte(kpBody), nil).Once()
	f.On("Fetch", forFeed("kp")).Return([]byte(`<html>maintenance</html>`), nil).Once()
	f.On("Fetch", mock.Anything).Return(nil, errors.New("offline"))

	d := newTestDashboard(t, Options{Fetcher: f})
	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, resultFor(t, report, "kp").Status)
	assert.False(t, slotText(t, d, display.SlotKp).Available)

	view, ok := d.View("kp")
	require.True(t, ok)
	assert.Empty(t, view.Labels)
	assert.Empty(t, view.Series[0].Values)
}

type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) Fetch(ctx context.Context, _ swpc.Request) ([]byte, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte(`[]`), nil
}

func TestRunCycleRejectsOverlap(t *testing.T) {
	bf := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	d := newTestDashboard(t, Options{Fetcher: bf})

	done := make(chan error, 1)
	go func() {
		_, err := d.RunCycle(context.Background())
		done <- err
	}()
	<-bf.entered

	_, err := d.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInFlight)

	close(bf.release)
	require.NoError(t, <-done)

	_, err = d.RunCycle(context.Background())
	assert.NoError(t, err)
}

// ctxFetcher 尊重 ctx，取消后返回 NetworkError，与真实客户端一致。
type ctxFetcher struct{}

func (ctxFetcher) Fetch(ctx context.Context, req swpc.Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &swpc.NetworkError{FeedID: req.FeedID, URL: req.URL, Err: err}
	}
	switch req.FeedID {
	case "kp":
		return []byte(kpBody), nil
	case "wind":
		return []byte(windBody), nil
	default:
		return []byte(cmeBody), nil
	}
}

func TestCancelledCycleKeepsDisplay(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cme.json"), []byte(`[{"time21_5":"2024-05-10T01:00Z","speed":300}]`), 0o644))
	st, err := store.Open(filepath.Join(dir, "spacewx.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	arch := new(archiveMock)
	arch.On("Write", mock.Anything).Return(nil).Once()
	rec := &broadcastRecorder{}
	clock := testNow
	d := newTestDashboard(t, Options{
		Fetcher:     ctxFetcher{},
		Store:       st,
		Archive:     arch,
		Broadcaster: rec,
		DemoDir:     dir,
		Now:         func() time.Time { return clock },
	})

	first, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, first.OK())
	lastUpdated := slotText(t, d, display.SlotLastUpdated).Text
	kpView, _ := d.View("kp")

	clock = testNow.Add(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := d.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, report.Cancelled())
	assert.Equal(t, 0, report.Failed())
	assert.Equal(t, StatusCancelled, resultFor(t, report, "cme").Status)

	// 槽位、chart、历史与推送都保持上一周期的状态，且不使用回退数据
	assert.Equal(t, "Kp 3", slotText(t, d, display.SlotKp).Text)
	assert.Equal(t, "450 km/s", slotText(t, d, display.SlotWindSpeed).Text)
	assert.Equal(t, "1250 km/s", slotText(t, d, display.SlotCMESpeed).Text)
	assert.Equal(t, lastUpdated, slotText(t, d, display.SlotLastUpdated).Text)
	after, _ := d.View("kp")
	assert.Equal(t, kpView.Version, after.Version)
	assert.Equal(t, first.CycleID, d.LastReport().CycleID)
	assert.Len(t, rec.updates, 1)

	cycles, err := st.RecentCycles(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
	arch.AssertExpectations(t)
}

type panicFetcher struct{}

func (panicFetcher) Fetch(_ context.Context, req swpc.Request) ([]byte, error) {
	if req.FeedID == "wind" {
		panic("boom")
	}
	return []byte(kpBody), nil
}

func TestFeedPanicIsContained(t *testing.T) {
	d := newTestDashboard(t, Options{Fetcher: panicFetcher{}})
	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, resultFor(t, report, "wind").Status)
	assert.Contains(t, resultFor(t, report, "wind").Error, "boom")
	assert.Equal(t, StatusOK, resultFor(t, report, "kp").Status)
}

func TestApplyCatalogDisposesRemovedFeeds(t *testing.T) {
	f := new(fetcherMock)
	f.On("Fetch", forFeed("kp")).Return([]byte(kpBody), nil)
	f.On("Fetch", mock.Anything).Return(nil, errors.New("offline"))

	d := newTestDashboard(t, Options{Fetcher: f})
	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	h := d.existingHandle("kp")
	require.NotNil(t, h)

	require.True(t, slotText(t, d, display.SlotKp).Available)

	snap := testSnapshot(t, testCatalog)
	snap.Version = 2
	snap.Feeds = snap.Feeds[1:]
	d.ApplyCatalog(snap)

	assert.True(t, h.Disposed())
	_, ok := d.View("kp")
	assert.False(t, ok)
	assert.Len(t, d.Feeds(), 2)
	kp := slotText(t, d, display.SlotKp)
	assert.False(t, kp.Available)
	assert.Equal(t, display.UnavailableText, kp.Text)
}

func TestCMECountSlot(t *testing.T) {
	f := new(fetcherMock)
	f.On("Fetch", forFeed("cme")).Return([]byte(`[]`), nil)
	f.On("Fetch", mock.Anything).Return(nil, errors.New("offline"))

	d := newTestDashboard(t, Options{Fetcher: f})
	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, resultFor(t, report, "cme").Status)

	// 窗口为空时显示 0，而不是不可用
	count := slotText(t, d, display.SlotCMECount)
	assert.True(t, count.Available)
	assert.Equal(t, "0 recent", count.Text)
	assert.False(t, slotText(t, d, display.SlotCMESpeed).Available)

	snap := testSnapshot(t, testCatalog)
	snap.Version = 2
	snap.Feeds = snap.Feeds[:2]
	d.ApplyCatalog(snap)
	assert.False(t, slotText(t, d, display.SlotCMECount).Available)
}

func TestApplyCatalogIgnoresOlderVersion(t *testing.T) {
	d := newTestDashboard(t, Options{Fetcher: new(fetcherMock)})

	newer := testSnapshot(t, testCatalog)
	newer.Version = 3
	newer.Feeds = newer.Feeds[:1]
	d.ApplyCatalog(newer)
	require.Len(t, d.Feeds(), 1)

	// v2 晚于 v3 到达
	older := testSnapshot(t, testCatalog)
	older.Version = 2
	d.ApplyCatalog(older)
	assert.Len(t, d.Feeds(), 1)

	same := testSnapshot(t, testCatalog)
	same.Version = 3
	d.ApplyCatalog(same)
	assert.Len(t, d.Feeds(), 1)
}

func TestApplyCatalogOnlyFilter(t *testing.T) {
	d, err := New(Options{Fetcher: new(fetcherMock), Only: []string{"cme"}})
	require.NoError(t, err)
	d.ApplyCatalog(testSnapshot(t, testCatalog))
	list := d.Feeds()
	require.Len(t, list, 1)
	assert.Equal(t, "cme", list[0].ID)
}

func TestPageIncludesPanelAndCharts(t *testing.T) {
	f := new(fetcherMock)
	f.On("Fetch", forFeed("kp")).Return([]byte(kpBody), nil)
	f.On("Fetch", mock.Anything).Return(nil, errors.New("offline"))

	d := newTestDashboard(t, Options{Fetcher: f})
	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	html, err := d.Page()
	require.NoError(t, err)
	assert.Contains(t, string(html), "goecharts_spacewx_kp")
	assert.Contains(t, string(html), "Kp 3")
	assert.Contains(t, string(html), display.UnavailableText)
}

func TestAlignSeries(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := series.NormalizedSeries{Times: []time.Time{t0, t0.Add(2 * time.Minute)}, Values: []float64{1, 3}}
	b := series.NormalizedSeries{Times: []time.Time{t0.Add(time.Minute), t0.Add(2 * time.Minute)}, Values: []float64{20, 30}}

	labels, values := alignSeries([]series.NormalizedSeries{a, b}, time.UTC, "15:04")
	assert.Equal(t, []string{"00:00", "00:01", "00:02"}, labels)
	assert.Equal(t, 1.0, values[0][0])
	assert.True(t, math.IsNaN(values[0][1]))
	assert.Equal(t, 3.0, values[0][2])
	assert.True(t, math.IsNaN(values[1][0]))
	assert.Equal(t, []float64{20, 30}, values[1][1:])
}

func TestNewRequiresFetcher(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
