// Package convert provides type conversion utilities.
package convert

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseNumber parses a numeric string. Empty strings, placeholders like
// "N/A" or "---", NaN and infinities are rejected.
func ParseNumber(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, false
	}
	f, _ := d.Float64()
	return finite(f)
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
