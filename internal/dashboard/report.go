package dashboard

import (
	"time"

	"spacewx/internal/display"
	"spacewx/internal/render"
)

// Status 为单个 feed 在一个周期内的结果。
type Status string

const (
	StatusOK          Status = "ok"
	StatusFallback    Status = "fallback"
	StatusEmpty       Status = "empty"
	StatusUnavailable Status = "unavailable"

	// StatusCancelled 表示周期在该 feed 取到数据前被取消。
	StatusCancelled Status = "cancelled"
)

type FeedResult struct {
	FeedID   string         `json:"feed_id"`
	Status   Status         `json:"status"`
	Source   display.Source `json:"source,omitempty"`
	Points   int            `json:"points"`
	Skipped  int            `json:"skipped,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// CycleReport 汇总一次刷新；单个 feed 的失败只体现在这里，不会中断周期。
type CycleReport struct {
	CycleID    string       `json:"cycle_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Feeds      []FeedResult `json:"feeds"`
}

func (r CycleReport) count(match func(FeedResult) bool) int {
	n := 0
	for _, f := range r.Feeds {
		if match(f) {
			n++
		}
	}
	return n
}

func (r CycleReport) OK() int {
	return r.count(func(f FeedResult) bool { return f.Status == StatusOK })
}

func (r CycleReport) Fallback() int {
	return r.count(func(f FeedResult) bool { return f.Status == StatusFallback })
}

// Failed 统计无数据可显示的 feed（含空窗口）。
func (r CycleReport) Failed() int {
	return r.count(func(f FeedResult) bool { return f.Status == StatusUnavailable || f.Status == StatusEmpty })
}

func (r CycleReport) Cancelled() int {
	return r.count(func(f FeedResult) bool { return f.Status == StatusCancelled })
}

// Update 是每个周期结束后推送给浏览器的消息。
type Update struct {
	CycleID string             `json:"cycle_id"`
	At      time.Time          `json:"at"`
	Charts  []render.ChartView `json:"charts"`
	Slots   []display.Slot     `json:"slots"`
}
