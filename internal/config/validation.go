package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	minRefreshSeconds = 60
	maxRefreshSeconds = 300
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Refresh.validate(); err != nil {
		return err
	}
	if err := c.Feeds.validate(); err != nil {
		return err
	}
	if err := c.Upstream.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	if err := c.Render.validate(); err != nil {
		return err
	}
	return nil
}

func (r *RefreshConfig) validate() error {
	if r.IntervalSeconds < minRefreshSeconds || r.IntervalSeconds > maxRefreshSeconds {
		return fmt.Errorf("refresh.interval_seconds must be within [%d, %d]", minRefreshSeconds, maxRefreshSeconds)
	}
	if r.OffsetSeconds < 0 || r.OffsetSeconds >= r.IntervalSeconds {
		return fmt.Errorf("refresh.offset_seconds must be within [0, interval_seconds)")
	}
	if r.Concurrency < 0 {
		return fmt.Errorf("refresh.concurrency must be >= 0")
	}
	return nil
}

func (f *FeedsConfig) validate() error {
	switch f.DefaultFallback {
	case "none", "cached", "demo":
	default:
		return fmt.Errorf("feeds.default_fallback must be one of none|cached|demo, got %q", f.DefaultFallback)
	}
	if f.Watch && strings.TrimSpace(f.CatalogPath) == "" {
		return fmt.Errorf("feeds.watch requires feeds.catalog_path")
	}
	if _, err := f.LoadLocation(); err != nil {
		return fmt.Errorf("feeds.location invalid: %w", err)
	}
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if ref.Format(f.LabelLayout) == f.LabelLayout {
		return fmt.Errorf("feeds.label_layout %q has no time fields", f.LabelLayout)
	}
	return nil
}

func (u *UpstreamConfig) validate() error {
	if u.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	if u.BreakerCooldownSeconds < 0 {
		return fmt.Errorf("upstream.breaker_cooldown_seconds must be >= 0")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if s.Enabled && strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("store.path is required when store is enabled")
	}
	return nil
}

func (a *ArchiveConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if strings.TrimSpace(a.Address) == "" {
		return fmt.Errorf("archive.address is required when archive is enabled")
	}
	return nil
}

func (r *RenderConfig) validate() error {
	if r.SmoothingPeriod < 0 {
		return fmt.Errorf("render.smoothing_period must be >= 0")
	}
	if r.SnapshotWidth < 0 || r.SnapshotHeight < 0 {
		return fmt.Errorf("render.snapshot_width/height must be >= 0")
	}
	return nil
}
