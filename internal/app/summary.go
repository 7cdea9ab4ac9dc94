package app

import (
	"fmt"
	"strings"

	brcfg "spacewx/internal/config"
	"spacewx/internal/feeds"
	"spacewx/internal/series"
)

type StartupSummary struct {
	HTTPAddr string
	Catalog  string
	Refresh  RefreshSummary
	Feeds    []FeedDetail
	Store    string
	Archive  string
}

type RefreshSummary struct {
	IntervalSeconds int
	Aligned         bool
	OffsetSeconds   int
	RunImmediately  bool
	DefaultFallback string
}

type FeedDetail struct {
	ID       string
	Title    string
	Series   []string
	Fallback string
	Window   string
}

func buildSummary(cfg *brcfg.Config, active []feeds.Feed, storeOn, archiveOn bool) *StartupSummary {
	s := &StartupSummary{
		HTTPAddr: cfg.App.HTTPAddr,
		Catalog:  cfg.Feeds.CatalogPath,
		Refresh: RefreshSummary{
			IntervalSeconds: cfg.Refresh.IntervalSeconds,
			Aligned:         cfg.Refresh.Align,
			OffsetSeconds:   cfg.Refresh.OffsetSeconds,
			RunImmediately:  cfg.Refresh.RunImmediately,
			DefaultFallback: cfg.Feeds.DefaultFallback,
		},
		Store:   "disabled",
		Archive: "disabled",
	}
	if s.Catalog == "" {
		s.Catalog = "(builtin)"
	}
	if storeOn {
		s.Store = fmt.Sprintf("%s (keep %d)", cfg.Store.Path, cfg.Store.KeepPayloads)
	}
	if archiveOn {
		s.Archive = fmt.Sprintf("%s/%s.%s", cfg.Archive.Address, cfg.Archive.Database, cfg.Archive.Table)
	}
	def, _ := feeds.ParseFallback(cfg.Feeds.DefaultFallback)
	for _, f := range active {
		names := make([]string, 0, len(f.Series))
		for _, sr := range f.Series {
			names = append(names, sr.Name)
		}
		window := "-"
		switch {
		case f.Window.Mode == series.WindowRolling:
			window = f.Window.Duration.String()
		case f.Window.Count > 0:
			window = fmt.Sprintf("last %d", f.Window.Count)
		}
		s.Feeds = append(s.Feeds, FeedDetail{
			ID:       f.ID,
			Title:    f.Title,
			Series:   names,
			Fallback: string(f.ResolveFallback(def)),
			Window:   window,
		})
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[服务 (SERVICE)]")
	fmt.Printf("  HTTP 地址: %s\n", s.HTTPAddr)
	fmt.Printf("  Catalog: %s\n", s.Catalog)
	fmt.Printf("  本地存储: %s\n", s.Store)
	fmt.Printf("  ClickHouse 归档: %s\n", s.Archive)
	fmt.Println()

	fmt.Println("[刷新 (REFRESH)]")
	fmt.Printf("  间隔: %ds\n", s.Refresh.IntervalSeconds)
	if s.Refresh.Aligned {
		fmt.Printf("  对齐: 是 (offset %ds)\n", s.Refresh.OffsetSeconds)
	}
	fmt.Printf("  立即执行: %v\n", s.Refresh.RunImmediately)
	fmt.Printf("  默认回退: %s\n", s.Refresh.DefaultFallback)
	fmt.Println()

	fmt.Println("[数据源 (FEEDS)]")
	if len(s.Feeds) == 0 {
		fmt.Println("  (无启用的 feed)")
	}
	for _, f := range s.Feeds {
		fmt.Printf("  > %s (%s)\n", f.ID, f.Title)
		fmt.Printf("    序列: %s\n", formatList(f.Series))
		fmt.Printf("    窗口: %s  回退: %s\n", f.Window, f.Fallback)
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
