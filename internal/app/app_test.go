package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	brcfg "spacewx/internal/config"
	"spacewx/internal/gateway/swpc"
	dashboardhttp "spacewx/internal/transport/http/dashboard"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kpPayload = `[
 {"time_tag":"2024-05-10T11:58:00","kp_index":3},
 {"time_tag":"2024-05-10T11:59:00","kp_index":4}
]`

type stubFetcher struct {
	body []byte
	err  error
}

func (s stubFetcher) Fetch(_ context.Context, _ swpc.Request) ([]byte, error) {
	return s.body, s.err
}

func loadTestConfig(t *testing.T, extra string) *brcfg.Config {
	t.Helper()
	dir := t.TempDir()
	body := `
app:
  env: test
  http_addr: "127.0.0.1:0"
  log_level: error
feeds:
  only: [kp]
store:
  path: ` + filepath.ToSlash(filepath.Join(dir, "spacewx.db")) + `
` + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := brcfg.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresDashboard(t *testing.T) {
	cfg := loadTestConfig(t, "")
	app, err := NewAppBuilder(cfg, WithFetcher(stubFetcher{body: []byte(kpPayload)})).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(app.close)

	require.NotNil(t, app.Dashboard())
	require.NotNil(t, app.Server())
	require.NotNil(t, app.store)
	assert.Nil(t, app.archive)

	active := app.Dashboard().Feeds()
	require.Len(t, active, 1)
	assert.Equal(t, "kp", active[0].ID)

	report, err := app.Dashboard().RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OK())

	slot, ok := app.Dashboard().Board().Get("kp")
	require.True(t, ok)
	assert.True(t, slot.Available)
	assert.Contains(t, slot.Text, "Kp 4")

	cycles, err := app.store.RecentCycles(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
}

func TestBuildSkipsUnreachableArchive(t *testing.T) {
	cfg := loadTestConfig(t, "archive:\n  enabled: true\n  address: 127.0.0.1:1\n")
	app, err := NewAppBuilder(cfg, WithFetcher(stubFetcher{err: errors.New("offline")})).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(app.close)
	assert.Nil(t, app.archive)
	assert.Equal(t, "disabled", app.Summary.Archive)
}

func TestDefaultFetcherReportsBreakers(t *testing.T) {
	f := buildFetcher(brcfg.UpstreamConfig{BreakerThreshold: 3})
	br, ok := f.(dashboardhttp.BreakerReporter)
	require.True(t, ok)
	assert.Empty(t, br.BreakerStates())
}

func TestBuildRejectsNilConfig(t *testing.T) {
	_, err := NewAppBuilder(nil).Build(context.Background())
	assert.Error(t, err)
	_, err = NewApp(nil)
	assert.Error(t, err)
}

func TestRunRefreshesUntilCancelled(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.Store.Enabled = false
	app, err := NewAppBuilder(cfg, WithFetcher(stubFetcher{body: []byte(kpPayload)})).Build(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return app.Dashboard().LastReport().CycleID != ""
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestRefreshOnceToleratesOverlap(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.Store.Enabled = false
	app, err := NewAppBuilder(cfg, WithFetcher(stubFetcher{body: []byte(kpPayload)})).Build(context.Background())
	require.NoError(t, err)
	app.refreshOnce(context.Background())
	assert.NotEmpty(t, app.Dashboard().LastReport().CycleID)
}

func TestSummaryListsFeeds(t *testing.T) {
	cfg := loadTestConfig(t, "")
	app, err := NewAppBuilder(cfg, WithFetcher(stubFetcher{body: []byte(kpPayload)})).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(app.close)

	s := app.Summary
	require.Len(t, s.Feeds, 1)
	assert.Equal(t, "kp", s.Feeds[0].ID)
	assert.Equal(t, []string{"Kp"}, s.Feeds[0].Series)
	assert.Equal(t, "last 180", s.Feeds[0].Window)
	assert.Equal(t, "none", s.Feeds[0].Fallback)
	assert.Equal(t, "(builtin)", s.Catalog)
	assert.Contains(t, s.Store, "keep 5")
}
