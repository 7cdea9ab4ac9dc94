package display

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind 决定数值的格式化方式。
type Kind string

const (
	KindKp      Kind = "kp"
	KindSpeed   Kind = "speed"
	KindDensity Kind = "density"
	KindNT      Kind = "nt"
	KindXray    Kind = "xray"
	KindPFU     Kind = "pfu"
	KindPlain   Kind = "plain"
	KindCount   Kind = "count"
)

// Source 标记读数来源；非 live 的读数在文本中显式标出。
type Source string

const (
	SourceLive   Source = "live"
	SourceCached Source = "cached"
	SourceDemo   Source = "demo"
)

type Reading struct {
	Value  float64
	Time   time.Time
	Kind   Kind
	Unit   string
	Source Source
}

const UnavailableText = "Data unavailable"

// Format renders a reading for a text slot.
func Format(r Reading) string {
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return UnavailableText
	}
	var text string
	switch r.Kind {
	case KindKp:
		text = "Kp " + round(r.Value, 2)
		if g := GeomagneticScale(r.Value); g != "" {
			text += " (" + g + ")"
		}
	case KindSpeed:
		text = fmt.Sprintf("%.0f %s", r.Value, unitOr(r.Unit, "km/s"))
	case KindDensity:
		text = fmt.Sprintf("%.1f %s", r.Value, unitOr(r.Unit, "p/cm³"))
	case KindNT:
		text = fmt.Sprintf("%.1f %s", r.Value, unitOr(r.Unit, "nT"))
	case KindXray:
		text = fmt.Sprintf("%s (%.2e %s)", FlareClass(r.Value), r.Value, unitOr(r.Unit, "W/m²"))
	case KindCount:
		text = fmt.Sprintf("%.0f recent", r.Value)
	case KindPFU:
		text = fmt.Sprintf("%.2f %s", r.Value, unitOr(r.Unit, "pfu"))
		if s := RadiationScale(r.Value); s != "" {
			text += " (" + s + ")"
		}
	default:
		text = round(r.Value, 2)
		if u := strings.TrimSpace(r.Unit); u != "" {
			text += " " + u
		}
	}
	switch r.Source {
	case SourceCached:
		text += " (cached)"
	case SourceDemo:
		text += " (demo)"
	}
	return text
}

// FlareClass 按 GOES 0.1-0.8nm 通量给出耀斑级别，如 M2.3。
// 系数先按一位小数取整，进位到 10 时升一级（9.96e-6 为 M1.0）。
func FlareClass(flux float64) string {
	if flux <= 0 || math.IsNaN(flux) || math.IsInf(flux, 0) {
		return "A0.0"
	}
	classes := []struct {
		letter string
		base   float64
	}{
		{"A", 1e-8},
		{"B", 1e-7},
		{"C", 1e-6},
		{"M", 1e-5},
		{"X", 1e-4},
	}
	i := 0
	for i < len(classes)-1 && flux >= classes[i+1].base {
		i++
	}
	m := math.Round(flux/classes[i].base*10) / 10
	if m >= 10 && i < len(classes)-1 {
		i++
		m = math.Round(flux/classes[i].base*10) / 10
	}
	return fmt.Sprintf("%s%.1f", classes[i].letter, m)
}

// GeomagneticScale 返回 NOAA G 级别，Kp<5 为空。
func GeomagneticScale(kp float64) string {
	switch {
	case kp >= 9:
		return "G5"
	case kp >= 8:
		return "G4"
	case kp >= 7:
		return "G3"
	case kp >= 6:
		return "G2"
	case kp >= 5:
		return "G1"
	default:
		return ""
	}
}

// RadiationScale 返回 ≥10 MeV 质子通量对应的 NOAA S 级别。
func RadiationScale(pfu float64) string {
	switch {
	case pfu >= 1e5:
		return "S5"
	case pfu >= 1e4:
		return "S4"
	case pfu >= 1e3:
		return "S3"
	case pfu >= 1e2:
		return "S2"
	case pfu >= 10:
		return "S1"
	default:
		return ""
	}
}

func round(v float64, places int32) string {
	return decimal.NewFromFloat(v).Round(places).String()
}

func unitOr(unit, def string) string {
	if u := strings.TrimSpace(unit); u != "" {
		return u
	}
	return def
}
