package config

import "strings"

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":8080"
	defaultAppLogPath       = "data/logs/spacewx.log"
	defaultRefreshInterval  = 60
	defaultLabelLayout      = "15:04"
	defaultFallback         = "none"
	defaultDemoDir          = "configs/demo"
	defaultUpstreamTimeout  = 15
	defaultUpstreamAPIKey   = "DEMO_KEY"
	defaultUpstreamUA       = "spacewx/1.0"
	defaultBreakerThreshold = 3
	defaultBreakerCooldown  = 300
	defaultStorePath        = "data/spacewx.db"
	defaultStoreKeep        = 5
	defaultArchiveDatabase  = "spacewx"
	defaultArchiveTable     = "readings"
	defaultRenderTitle      = "Space Weather"
	defaultRenderTheme      = "chalk"
	defaultRenderSmoothing  = 5
	defaultRenderWidth      = 720
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Refresh.applyDefaults(keys)
	c.Feeds.applyDefaults(keys)
	c.Upstream.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Archive.applyDefaults(keys)
	c.Render.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (r *RefreshConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "refresh.interval_seconds",
			need:  func() bool { return r.IntervalSeconds <= 0 },
			apply: func() { r.IntervalSeconds = defaultRefreshInterval },
		},
		boolFieldDefault("refresh.run_immediately", &r.RunImmediately, true),
	)
}

func (f *FeedsConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("feeds.location", &f.Location, "UTC"),
		stringFieldDefault("feeds.label_layout", &f.LabelLayout, defaultLabelLayout),
		stringFieldDefault("feeds.default_fallback", &f.DefaultFallback, defaultFallback),
		stringFieldDefault("feeds.demo_dir", &f.DemoDir, defaultDemoDir),
	)
	f.Only = normalizeIDList(f.Only)
	f.DefaultFallback = strings.ToLower(strings.TrimSpace(f.DefaultFallback))
}

func (u *UpstreamConfig) applyDefaults(keys keySet) {
	if u == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "upstream.timeout_seconds",
			need:  func() bool { return u.TimeoutSeconds <= 0 },
			apply: func() { u.TimeoutSeconds = defaultUpstreamTimeout },
		},
		stringFieldDefault("upstream.api_key", &u.APIKey, defaultUpstreamAPIKey),
		stringFieldDefault("upstream.user_agent", &u.UserAgent, defaultUpstreamUA),
		fieldDefault{
			key:   "upstream.breaker_threshold",
			need:  func() bool { return u.BreakerThreshold == 0 },
			apply: func() { u.BreakerThreshold = defaultBreakerThreshold },
		},
		fieldDefault{
			key:   "upstream.breaker_cooldown_seconds",
			need:  func() bool { return u.BreakerCooldownSeconds == 0 },
			apply: func() { u.BreakerCooldownSeconds = defaultBreakerCooldown },
		},
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("store.enabled", &s.Enabled, true),
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		fieldDefault{
			key:   "store.keep_payloads",
			need:  func() bool { return s.KeepPayloads <= 0 },
			apply: func() { s.KeepPayloads = defaultStoreKeep },
		},
	)
}

func (a *ArchiveConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("archive.database", &a.Database, defaultArchiveDatabase),
		stringFieldDefault("archive.table", &a.Table, defaultArchiveTable),
	)
}

func (r *RenderConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("render.title", &r.Title, defaultRenderTitle),
		stringFieldDefault("render.theme", &r.Theme, defaultRenderTheme),
		fieldDefault{
			key:   "render.smoothing_period",
			need:  func() bool { return r.SmoothingPeriod <= 0 },
			apply: func() { r.SmoothingPeriod = defaultRenderSmoothing },
		},
		fieldDefault{
			key:   "render.width_px",
			need:  func() bool { return r.WidthPx <= 0 },
			apply: func() { r.WidthPx = defaultRenderWidth },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func normalizeIDList(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
