// Package archive 把每个周期的最新读数以列式批量写入 ClickHouse。
package archive

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/ch-go"
	"github.com/ClickHouse/ch-go/proto"

	"spacewx/internal/logger"
)

const (
	defaultDatabase = "spacewx"
	defaultTable    = "readings"
	dialTimeout     = 10 * time.Second
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Row 为一条归档读数：一个 feed 的一个序列在某周期的最新值。
type Row struct {
	Time    time.Time
	Feed    string
	Series  string
	Value   float64
	Source  string
	CycleID string
}

// Batch holds column data for a native insert.
type Batch struct {
	Time    *proto.ColDateTime
	Feed    *proto.ColStr
	Series  *proto.ColStr
	Value   *proto.ColFloat64
	Source  *proto.ColStr
	CycleID *proto.ColStr
}

func NewBatch() *Batch {
	return &Batch{
		Time:    new(proto.ColDateTime),
		Feed:    new(proto.ColStr),
		Series:  new(proto.ColStr),
		Value:   new(proto.ColFloat64),
		Source:  new(proto.ColStr),
		CycleID: new(proto.ColStr),
	}
}

func (b *Batch) Add(r Row) {
	b.Time.Append(r.Time.UTC())
	b.Feed.Append(r.Feed)
	b.Series.Append(r.Series)
	b.Value.Append(r.Value)
	b.Source.Append(r.Source)
	b.CycleID.Append(r.CycleID)
}

func (b *Batch) Len() int {
	return b.Time.Rows()
}

func (b *Batch) Reset() {
	b.Time.Reset()
	b.Feed.Reset()
	b.Series.Reset()
	b.Value.Reset()
	b.Source.Reset()
	b.CycleID.Reset()
}

func (b *Batch) Input() proto.Input {
	return proto.Input{
		{Name: "time", Data: b.Time},
		{Name: "feed", Data: b.Feed},
		{Name: "series", Data: b.Series},
		{Name: "value", Data: b.Value},
		{Name: "source", Data: b.Source},
		{Name: "cycle_id", Data: b.CycleID},
	}
}

type Config struct {
	Address  string
	Database string
	Table    string
}

func (c Config) normalized() (Config, error) {
	c.Address = strings.TrimSpace(c.Address)
	c.Database = strings.TrimSpace(c.Database)
	c.Table = strings.TrimSpace(c.Table)
	if c.Address == "" {
		return c, fmt.Errorf("archive: address 必填")
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.Table == "" {
		c.Table = defaultTable
	}
	if !identRe.MatchString(c.Database) || !identRe.MatchString(c.Table) {
		return c, fmt.Errorf("archive: 非法的库/表名 %s.%s", c.Database, c.Table)
	}
	return c, nil
}

// TableFQN 返回 db.table。
func (c Config) TableFQN() string {
	return c.Database + "." + c.Table
}

func insertQuery(tableFQN string) string {
	return fmt.Sprintf("INSERT INTO %s (time, feed, series, value, source, cycle_id) VALUES", tableFQN)
}

func createQuery(tableFQN string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	time DateTime,
	feed LowCardinality(String),
	series LowCardinality(String),
	value Float64,
	source LowCardinality(String),
	cycle_id String
) ENGINE = MergeTree ORDER BY (feed, series, time)`, tableFQN)
}

// Sink 持有一个 ch-go 连接；ch.Client 不支持并发，写入串行化。
type Sink struct {
	mu       sync.Mutex
	conn     *ch.Client
	tableFQN string
	query    string
	batch    *Batch
}

// Open 连接 ClickHouse 并确保目标表存在。
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := ch.Dial(dialCtx, ch.Options{
		Address:     cfg.Address,
		Database:    cfg.Database,
		Compression: ch.CompressionLZ4,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: dial %s: %w", cfg.Address, err)
	}
	tableFQN := cfg.TableFQN()
	if err := conn.Do(ctx, ch.Query{Body: createQuery(tableFQN)}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("archive: create table %s: %w", tableFQN, err)
	}
	logger.Infof("ClickHouse 归档已连接: %s -> %s", cfg.Address, tableFQN)
	return &Sink{
		conn:     conn,
		tableFQN: tableFQN,
		query:    insertQuery(tableFQN),
		batch:    NewBatch(),
	}, nil
}

// Write 以单个 block 插入全部行；空切片直接返回。
func (s *Sink) Write(ctx context.Context, rows []Row) error {
	if s == nil || s.conn == nil {
		return errors.New("archive 未初始化")
	}
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch.Reset()
	for _, r := range rows {
		s.batch.Add(r)
	}
	if err := s.conn.Do(ctx, ch.Query{Body: s.query, Input: s.batch.Input()}); err != nil {
		return fmt.Errorf("archive: insert %d rows into %s: %w", s.batch.Len(), s.tableFQN, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
