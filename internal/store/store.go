// Package store persists last-known-good feed payloads and the refresh cycle log
// in SQLite through gorm.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// ErrNotFound 表示没有该 feed 的缓存报文。
var ErrNotFound = errors.New("store: not found")

const defaultKeepPayloads = 5

type feedPayloadModel struct {
	ID        int64          `gorm:"column:id;primaryKey"`
	FeedID    string         `gorm:"column:feed_id;index:idx_feed_fetched,priority:1"`
	FetchedAt time.Time      `gorm:"column:fetched_at;index:idx_feed_fetched,priority:2"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	Bytes     int            `gorm:"column:bytes"`
}

func (feedPayloadModel) TableName() string { return "feed_payloads" }

type refreshCycleModel struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	CycleID    string         `gorm:"column:cycle_id;uniqueIndex"`
	StartedAt  time.Time      `gorm:"column:started_at;index"`
	FinishedAt time.Time      `gorm:"column:finished_at"`
	OK         int            `gorm:"column:ok"`
	Failed     int            `gorm:"column:failed"`
	Fallback   int            `gorm:"column:fallback"`
	Detail     datatypes.JSON `gorm:"column:detail"`
}

func (refreshCycleModel) TableName() string { return "refresh_cycles" }

// Payload 为某个 feed 的一份原始响应。
type Payload struct {
	FeedID    string
	FetchedAt time.Time
	Body      []byte
}

// CycleRecord 为一次刷新周期的摘要，Detail 为任意 JSON。
type CycleRecord struct {
	CycleID    string          `json:"cycle_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	OK         int             `json:"ok"`
	Failed     int             `json:"failed"`
	Fallback   int             `json:"fallback"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// Store 基于 gorm + modernc SQLite (WAL)。
type Store struct {
	db   *gorm.DB
	keep int
}

func Open(path string, keepPayloads int) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: path 不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	if keepPayloads <= 0 {
		keepPayloads = defaultKeepPayloads
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.AutoMigrate(&feedPayloadModel{}, &refreshCycleModel{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db, keep: keepPayloads}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SavePayload 保存报文并只保留该 feed 最新的 keep 份。
func (s *Store) SavePayload(ctx context.Context, p Payload) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store 未初始化")
	}
	feedID := strings.TrimSpace(p.FeedID)
	if feedID == "" {
		return fmt.Errorf("store: feed_id 必填")
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := feedPayloadModel{
			FeedID:    feedID,
			FetchedAt: p.FetchedAt.UTC(),
			Payload:   datatypes.JSON(p.Body),
			Bytes:     len(p.Body),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		keepIDs := tx.Model(&feedPayloadModel{}).
			Select("id").
			Where("feed_id = ?", feedID).
			Order("fetched_at DESC, id DESC").
			Limit(s.keep)
		return tx.Where("feed_id = ? AND id NOT IN (?)", feedID, keepIDs).
			Delete(&feedPayloadModel{}).Error
	})
}

// LatestPayload 返回该 feed 最新的一份报文，没有时返回 ErrNotFound。
func (s *Store) LatestPayload(ctx context.Context, feedID string) (Payload, error) {
	if s == nil || s.db == nil {
		return Payload{}, fmt.Errorf("store 未初始化")
	}
	var row feedPayloadModel
	err := s.db.WithContext(ctx).
		Where("feed_id = ?", strings.TrimSpace(feedID)).
		Order("fetched_at DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Payload{}, ErrNotFound
	}
	if err != nil {
		return Payload{}, err
	}
	return Payload{FeedID: row.FeedID, FetchedAt: row.FetchedAt, Body: []byte(row.Payload)}, nil
}

// PayloadCount 返回该 feed 当前保留的报文数量。
func (s *Store) PayloadCount(ctx context.Context, feedID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store 未初始化")
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&feedPayloadModel{}).Where("feed_id = ?", feedID).Count(&n).Error
	return n, err
}

func (s *Store) RecordCycle(ctx context.Context, rec CycleRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store 未初始化")
	}
	if strings.TrimSpace(rec.CycleID) == "" {
		return fmt.Errorf("store: cycle_id 必填")
	}
	row := refreshCycleModel{
		CycleID:    rec.CycleID,
		StartedAt:  rec.StartedAt.UTC(),
		FinishedAt: rec.FinishedAt.UTC(),
		OK:         rec.OK,
		Failed:     rec.Failed,
		Fallback:   rec.Fallback,
		Detail:     datatypes.JSON(rec.Detail),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RecentCycles 按开始时间倒序返回最近的周期记录。
func (s *Store) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []refreshCycleModel
	if err := s.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]CycleRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, CycleRecord{
			CycleID:    r.CycleID,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			OK:         r.OK,
			Failed:     r.Failed,
			Fallback:   r.Fallback,
			Detail:     json.RawMessage(r.Detail),
		})
	}
	return out, nil
}
