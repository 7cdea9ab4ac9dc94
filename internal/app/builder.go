package app

import (
	"context"
	"fmt"

	"spacewx/internal/archive"
	brcfg "spacewx/internal/config"
	"spacewx/internal/dashboard"
	"spacewx/internal/display"
	"spacewx/internal/feeds"
	"spacewx/internal/gateway/swpc"
	"spacewx/internal/logger"
	"spacewx/internal/render"
	"spacewx/internal/store"
	dashboardhttp "spacewx/internal/transport/http/dashboard"
)

// AppBuilder 按配置组装依赖；各 *Fn 可在测试中替换。
type AppBuilder struct {
	cfg *brcfg.Config

	fetcherFn func(brcfg.UpstreamConfig) dashboard.Fetcher
	storeFn   func(brcfg.StoreConfig) (*store.Store, error)
	archiveFn func(context.Context, brcfg.ArchiveConfig) (*archive.Sink, error)
}

type AppBuilderOption func(*AppBuilder)

// WithFetcher 替换上游客户端。
func WithFetcher(f dashboard.Fetcher) AppBuilderOption {
	return func(b *AppBuilder) {
		b.fetcherFn = func(brcfg.UpstreamConfig) dashboard.Fetcher { return f }
	}
}

func NewAppBuilder(cfg *brcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		fetcherFn: buildFetcher,
		storeFn:   buildStore,
		archiveFn: buildArchive,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildFetcher(cfg brcfg.UpstreamConfig) dashboard.Fetcher {
	return swpc.NewClient(swpc.Options{
		Timeout:          cfg.Timeout(),
		UserAgent:        cfg.UserAgent,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown(),
	})
}

func buildStore(cfg brcfg.StoreConfig) (*store.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return store.Open(cfg.Path, cfg.KeepPayloads)
}

func buildArchive(ctx context.Context, cfg brcfg.ArchiveConfig) (*archive.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return archive.Open(ctx, archive.Config{Address: cfg.Address, Database: cfg.Database, Table: cfg.Table})
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	loc, err := cfg.Feeds.LoadLocation()
	if err != nil {
		return nil, err
	}
	fallback, err := feeds.ParseFallback(cfg.Feeds.DefaultFallback)
	if err != nil {
		return nil, err
	}
	registry, err := feeds.NewRegistry(cfg.Feeds.CatalogPath, cfg.Feeds.Watch)
	if err != nil {
		return nil, err
	}
	snap := registry.Snapshot()
	logger.Infof("✓ feed catalog 已加载: %d 个 feed (%s)", len(snap.Feeds), snap.Source)

	st, err := b.storeFn(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// 归档是可选能力，连不上只告警
	sink, err := b.archiveFn(ctx, cfg.Archive)
	if err != nil {
		logger.Warnf("ClickHouse 归档不可用，已跳过: %v", err)
		sink = nil
	}

	hub := dashboardhttp.NewHub()
	fetcher := b.fetcherFn(cfg.Upstream)
	opts := dashboard.Options{
		Fetcher:         fetcher,
		Board:           display.NewBoard(loc),
		Broadcaster:     hub,
		DefaultFallback: fallback,
		DemoDir:         cfg.Feeds.DemoDir,
		Only:            cfg.Feeds.Only,
		Location:        loc,
		LabelLayout:     cfg.Feeds.LabelLayout,
		APIKey:          cfg.Upstream.APIKey,
		BearerToken:     cfg.Upstream.BearerToken,
		Concurrency:     cfg.Refresh.Concurrency,
		Page: render.PageOptions{
			Title:           cfg.Render.Title,
			Theme:           cfg.Render.Theme,
			SmoothingPeriod: cfg.Render.SmoothingPeriod,
			WidthPx:         cfg.Render.WidthPx,
			WSPath:          dashboardhttp.WSPath,
		},
	}
	if st != nil {
		opts.Store = st
	}
	if sink != nil {
		opts.Archive = sink
	}
	dash, err := dashboard.New(opts)
	if err != nil {
		return nil, err
	}
	dash.ApplyCatalog(snap)
	registry.Subscribe(dash.ApplyCatalog)

	serverCfg := dashboardhttp.ServerConfig{
		Addr:           cfg.App.HTTPAddr,
		Service:        dash,
		Hub:            hub,
		SnapshotWidth:  cfg.Render.SnapshotWidth,
		SnapshotHeight: cfg.Render.SnapshotHeight,
	}
	if st != nil {
		serverCfg.History = st
	}
	if br, ok := fetcher.(dashboardhttp.BreakerReporter); ok {
		serverCfg.Breakers = br
	}
	if cfg.Render.SnapshotEnabled {
		serverCfg.Snapshot = render.SnapshotPNG
	}
	server, err := dashboardhttp.NewServer(serverCfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		dash:     dash,
		http:     server,
		registry: registry,
		store:    st,
		archive:  sink,
		Summary:  buildSummary(cfg, dash.Feeds(), st != nil, sink != nil),
	}, nil
}
