package series

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
	"github.com/tidwall/gjson"
)

// 上游常见但不符合 ISO-8601 的时间格式，均按 UTC 解释。
var fallbackLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
}

// epoch 数值大于该阈值时视为毫秒。
const epochMillisThreshold = 1e11

// ParseTime resolves a timestamp field. Strings are parsed as ISO-8601
// (zone-less means UTC) or one of the NOAA layouts; numbers are epoch
// seconds or milliseconds.
func ParseTime(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return epochTime(v.Num)
	case gjson.String:
		return ParseTimeString(v.Str)
	default:
		return time.Time{}, false
	}
}

func ParseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if isDigits(s) {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, false
		}
		return epochTime(n)
	}
	if t, err := iso8601.ParseString(s); err == nil {
		return t.UTC(), true
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func epochTime(n float64) (time.Time, bool) {
	if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return time.Time{}, false
	}
	if n > epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
