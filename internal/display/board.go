// Package display keeps the dashboard's named text slots.
package display

import (
	"strings"
	"sync"
	"time"
)

const (
	SlotKp          = "kp"
	SlotWindSpeed   = "wind_speed"
	SlotWindDensity = "wind_density"
	SlotBz          = "bz"
	SlotXray        = "xray"
	SlotCMESpeed    = "cme_speed"
	SlotCMECount    = "cme_count"
	SlotProton      = "proton"
	SlotLastUpdated = "last_updated"
)

// DefaultSlots 为面板上的固定槽位顺序。
var DefaultSlots = []string{
	SlotKp, SlotWindSpeed, SlotWindDensity, SlotBz, SlotXray, SlotCMESpeed, SlotCMECount, SlotProton, SlotLastUpdated,
}

const lastUpdatedLayout = "2006-01-02 15:04:05 MST"

type Slot struct {
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Value     float64   `json:"value"`
	Available bool      `json:"available"`
	Source    Source    `json:"source,omitempty"`
	ReadingAt time.Time `json:"reading_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Board 由编排器写、HTTP 读，内部加锁。
type Board struct {
	mu    sync.RWMutex
	loc   *time.Location
	order []string
	slots map[string]Slot
	nowFn func() time.Time
}

func NewBoard(loc *time.Location) *Board {
	if loc == nil {
		loc = time.UTC
	}
	b := &Board{
		loc:   loc,
		slots: make(map[string]Slot, len(DefaultSlots)),
		nowFn: time.Now,
	}
	for _, name := range DefaultSlots {
		b.ensure(name)
	}
	return b
}

// Set 格式化读数并写入槽位；未知槽位会追加在末尾。
func (b *Board) Set(slot string, r Reading) {
	slot = strings.TrimSpace(slot)
	if b == nil || slot == "" {
		return
	}
	if r.Source == "" {
		r.Source = SourceLive
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(slot)
	b.slots[slot] = Slot{
		Name:      slot,
		Text:      Format(r),
		Value:     r.Value,
		Available: true,
		Source:    r.Source,
		ReadingAt: r.Time,
		UpdatedAt: b.nowFn(),
	}
}

// Unavailable marks a slot as "Data unavailable".
func (b *Board) Unavailable(slot string) {
	slot = strings.TrimSpace(slot)
	if b == nil || slot == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(slot)
	b.slots[slot] = Slot{Name: slot, Text: UnavailableText, UpdatedAt: b.nowFn()}
}

// Touch 更新 last_updated 槽位。
func (b *Board) Touch(now time.Time) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[SlotLastUpdated] = Slot{
		Name:      SlotLastUpdated,
		Text:      now.In(b.loc).Format(lastUpdatedLayout),
		Available: true,
		Source:    SourceLive,
		ReadingAt: now,
		UpdatedAt: now,
	}
}

func (b *Board) Get(slot string) (Slot, bool) {
	if b == nil {
		return Slot{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.slots[strings.TrimSpace(slot)]
	return s, ok
}

// Snapshot 按槽位顺序返回副本。
func (b *Board) Snapshot() []Slot {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Slot, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.slots[name])
	}
	return out
}

func (b *Board) ensure(slot string) {
	if _, ok := b.slots[slot]; ok {
		return
	}
	b.order = append(b.order, slot)
	b.slots[slot] = Slot{Name: slot, Text: UnavailableText}
}
