package series

import (
	"fmt"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

type WindowMode string

const (
	WindowLastN   WindowMode = "last_n"
	WindowRolling WindowMode = "rolling"
)

// Window 为单个 feed 的取样窗口，每个周期重新计算，不跨周期保存状态。
type Window struct {
	Mode     WindowMode
	Count    int
	Duration time.Duration
}

// LastN keeps the count most recent samples.
func LastN(count int) Window {
	return Window{Mode: WindowLastN, Count: count}
}

// Rolling keeps samples whose timestamp is at or after now-d.
func Rolling(d time.Duration) Window {
	return Window{Mode: WindowRolling, Duration: d}
}

func (w Window) String() string {
	switch w.Mode {
	case WindowLastN:
		return fmt.Sprintf("last %d", w.Count)
	case WindowRolling:
		return fmt.Sprintf("last %s", w.Duration)
	default:
		return "unbounded"
	}
}

// apply 假定 points 已按时间升序排列。
func (w Window) apply(points []point, now time.Time) []point {
	switch w.Mode {
	case WindowLastN:
		if w.Count <= 0 {
			return points[:0]
		}
		if len(points) <= w.Count {
			return points
		}
		return points[len(points)-w.Count:]
	case WindowRolling:
		cutoff := now.Add(-w.Duration)
		for i, p := range points {
			if !p.at.Before(cutoff) {
				return points[i:]
			}
		}
		return points[:0]
	default:
		return points
	}
}

// ParseWindow builds a window from catalog fields.
func ParseWindow(mode string, count int, dur string) (Window, error) {
	switch WindowMode(strings.ToLower(strings.TrimSpace(mode))) {
	case WindowLastN, "":
		if count <= 0 {
			return Window{}, fmt.Errorf("last_n window requires count > 0")
		}
		return LastN(count), nil
	case WindowRolling:
		d, err := ParseDuration(dur)
		if err != nil {
			return Window{}, err
		}
		if d <= 0 {
			return Window{}, fmt.Errorf("rolling window requires a positive duration")
		}
		return Rolling(d), nil
	default:
		return Window{}, fmt.Errorf("unknown window mode %q", mode)
	}
}

// ParseDuration 同时接受 Go 写法（"5h"）与 ISO-8601 写法（"PT5H"）。
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("duration is empty")
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	iso, err := duration.Parse(strings.ToUpper(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return iso.ToTimeDuration(), nil
}
