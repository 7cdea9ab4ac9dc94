package config

import (
	"strings"
	"time"
)

// Config 是 spacewx 的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Refresh  RefreshConfig  `toml:"refresh"`
	Feeds    FeedsConfig    `toml:"feeds"`
	Upstream UpstreamConfig `toml:"upstream"`
	Store    StoreConfig    `toml:"store"`
	Archive  ArchiveConfig  `toml:"archive"`
	Render   RenderConfig   `toml:"render"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	// UpstreamLogPath 非空时记录上游请求/响应摘要。
	UpstreamLogPath string `toml:"upstream_log_path"`
	UpstreamDump    bool   `toml:"upstream_dump_payload"`
}

// RefreshConfig 控制刷新节奏：首次立即执行，之后按固定间隔。
type RefreshConfig struct {
	IntervalSeconds int  `toml:"interval_seconds"`
	Align           bool `toml:"align"`
	OffsetSeconds   int  `toml:"offset_seconds"`
	RunImmediately  bool `toml:"run_immediately"`
	// Concurrency 为单周期内同时拉取的 feed 数，0 表示不限。
	Concurrency int `toml:"concurrency"`
}

func (r RefreshConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

func (r RefreshConfig) Offset() time.Duration {
	return time.Duration(r.OffsetSeconds) * time.Second
}

type FeedsConfig struct {
	// CatalogPath 为空时使用内置 catalog。
	CatalogPath     string   `toml:"catalog_path"`
	Watch           bool     `toml:"watch"`
	Only            []string `toml:"only"`
	Location        string   `toml:"location"`
	LabelLayout     string   `toml:"label_layout"`
	DefaultFallback string   `toml:"default_fallback"`
	DemoDir         string   `toml:"demo_dir"`
}

// LoadLocation 解析标签所用时区。
func (f FeedsConfig) LoadLocation() (*time.Location, error) {
	name := strings.TrimSpace(f.Location)
	if name == "" || strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

type UpstreamConfig struct {
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	APIKey                 string `toml:"api_key"`
	BearerToken            string `toml:"bearer_token"`
	UserAgent              string `toml:"user_agent"`
	BreakerThreshold       int    `toml:"breaker_threshold"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

func (u UpstreamConfig) BreakerCooldown() time.Duration {
	return time.Duration(u.BreakerCooldownSeconds) * time.Second
}

type StoreConfig struct {
	Enabled      bool   `toml:"enabled"`
	Path         string `toml:"path"`
	KeepPayloads int    `toml:"keep_payloads"`
}

// ArchiveConfig 描述可选的 ClickHouse 归档。
type ArchiveConfig struct {
	Enabled  bool   `toml:"enabled"`
	Address  string `toml:"address"`
	Database string `toml:"database"`
	Table    string `toml:"table"`
}

type RenderConfig struct {
	Title           string `toml:"title"`
	Theme           string `toml:"theme"`
	SmoothingPeriod int    `toml:"smoothing_period"`
	WidthPx         int    `toml:"width_px"`
	SnapshotEnabled bool   `toml:"snapshot_enabled"`
	SnapshotWidth   int    `toml:"snapshot_width"`
	SnapshotHeight  int    `toml:"snapshot_height"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
