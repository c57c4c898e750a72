package normalize

import (
	"math"
	"strings"

	"github.com/lox/worldaq/internal/models"
)

func FahrenheitToCelsius(f float64) float64 { return (f - 32) * 5 / 9 }

func InchesToMM(in float64) float64 { return in * 25.4 }

func KnotsToKMH(kn float64) float64 { return kn * 1.852 }

func MilesToKM(mi float64) float64 { return mi * 1.60934 }

// concentration scale factors into the canonical unit, keyed by canonical
// source unit spelling.
var (
	toMicrogramsPerM3 = map[string]float64{
		"ug/m3": 1,
		"mg/m3": 1000,
		"g/m3":  1e6,
	}
	toPPM = map[string]float64{
		"ppm": 1,
		"ppb": 1.0 / 1000,
		"ppt": 1.0 / 1e6,
	}
)

// canonicalUnit folds the spellings seen in OpenAQ data ("µg/m³", "μg/m³",
// "ug/m3") onto one form.
func canonicalUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	u = strings.NewReplacer("µ", "u", "μ", "u", "³", "3", " ", "").Replace(u)
	return u
}

// ConvertConcentration converts a pollutant reading into the field's
// canonical unit. Conversions between mass and volume ratios need molecular
// weights and conditions, so they are refused rather than guessed.
func ConvertConcentration(value float64, unit string, field models.Field) (float64, bool) {
	var table map[string]float64
	switch field {
	case models.PM25, models.PM10:
		table = toMicrogramsPerM3
	case models.O3, models.NO2, models.SO2, models.CO:
		table = toPPM
	default:
		return 0, false
	}
	factor, ok := table[canonicalUnit(unit)]
	if !ok {
		return 0, false
	}
	return value * factor, true
}

func isSentinel(v, sentinel float64) bool {
	return math.Abs(v-sentinel) < 1e-6
}
