package feeds

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"spacewx/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

//go:embed catalog.schema.json
var catalogSchema string

const embeddedSource = "embedded"

// FileConfig 映射 catalog 文件。
type FileConfig struct {
	Feeds []Definition `yaml:"feeds"`
}

// Snapshot 为某一版本的 catalog，Feeds 保持文件中的顺序。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Source   string
	Feeds    []Feed
}

// Feed 按 ID 查找。
func (s Snapshot) Feed(id string) (Feed, bool) {
	id = strings.TrimSpace(id)
	for _, f := range s.Feeds {
		if f.ID == id {
			return f, true
		}
	}
	return Feed{}, false
}

// Active 返回启用的 feed；only 非空时只保留其中列出的 ID。
func (s Snapshot) Active(only []string) []Feed {
	allow := make(map[string]struct{}, len(only))
	for _, id := range only {
		if id = strings.TrimSpace(id); id != "" {
			allow[id] = struct{}{}
		}
	}
	out := make([]Feed, 0, len(s.Feeds))
	for _, f := range s.Feeds {
		if !f.Enabled {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[f.ID]; !ok {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// ChangeListener 在 catalog 重载成功后触发。
type ChangeListener func(Snapshot)

// Registry 管理 feed catalog，并在文件变更时热加载。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取 catalog。path 为空时使用内置 catalog 且不监听文件。
func NewRegistry(path string, watch bool) (*Registry, error) {
	path = strings.TrimSpace(path)
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	if path == "" || !watch {
		return r, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read feed catalog failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.Reload(); err != nil {
			logger.Errorf("feed catalog reload failed (%s): %v", evt.Name, err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	r.v = v
	return r, nil
}

// Snapshot 返回当前 catalog。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Subscribe 注册变更监听。
func (r *Registry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Reload 重新读取 catalog；失败时保留上一版本。
func (r *Registry) Reload() error {
	raw := defaultCatalog
	source := embeddedSource
	if r.path != "" {
		data, err := os.ReadFile(r.path)
		if err != nil {
			return fmt.Errorf("read feed catalog failed: %w", err)
		}
		raw = data
		source = filepath.Base(r.path)
	}
	list, err := Parse(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Source:   source,
		Feeds:    list,
	}
	r.mu.Unlock()
	logger.Infof("Feed catalog loaded %d feeds from %s", len(list), source)
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("feed catalog listener")
			cb(snap)
		}(fn)
	}
}

// DefaultCatalog returns the embedded catalog document.
func DefaultCatalog() []byte {
	return append([]byte(nil), defaultCatalog...)
}

// Parse 依次做 JSON schema 校验、严格 YAML 解码与语义校验。
func Parse(raw []byte) ([]Feed, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse feed catalog failed: %w", err)
	}
	out := make([]Feed, 0, len(cfg.Feeds))
	seen := make(map[string]struct{}, len(cfg.Feeds))
	for _, def := range cfg.Feeds {
		feed, err := def.Compile()
		if err != nil {
			return nil, fmt.Errorf("invalid feed catalog: %w", err)
		}
		if _, dup := seen[feed.ID]; dup {
			return nil, fmt.Errorf("invalid feed catalog: duplicate feed id %q", feed.ID)
		}
		seen[feed.ID] = struct{}{}
		out = append(out, feed)
	}
	return out, nil
}

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("catalog.schema.json", strings.NewReader(catalogSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("catalog.schema.json")
	})
	return schemaCompiled, schemaErr
}

func validateSchema(raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile feed catalog schema failed: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse feed catalog failed: %w", err)
	}
	// 经 JSON 往返，统一 yaml 解出的类型（map[string]any / json.Number）
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parse feed catalog failed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return fmt.Errorf("parse feed catalog failed: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("feed catalog schema violation: %w", err)
	}
	return nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := src
	dst.Feeds = append([]Feed(nil), src.Feeds...)
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}
