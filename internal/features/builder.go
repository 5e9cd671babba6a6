// Package features builds the 17-element vector the ridge model consumes.
package features

import (
	"math"
	"time"

	"github.com/kynex/loadforecast/internal/model"
)

// Fallbacks for optional profile fields.
const (
	defaultHomeAreaM2    = 80
	defaultHouseholdSize = 2
)

var names = [model.FeatureCount]string{
	"last_watts",
	"hour_sin",
	"hour_cos",
	"dow_sin",
	"dow_cos",
	"is_weekend",
	"temp_c",
	"contracted_power_kva",
	"tariff_simples",
	"tariff_bihorario",
	"segment_residential",
	"segment_sme",
	"segment_industrial",
	"home_area_m2",
	"household_size",
	"has_solar",
	"ev_count",
}

var coastalCities = map[string]bool{
	"Porto":             true,
	"Matosinhos":        true,
	"Vila Nova de Gaia": true,
	"Aveiro":            true,
}

// Names returns the feature names in vector order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names[:])
	return out
}

// Builder is the default feature builder.
type Builder struct{}

// Build returns the features describing the interval that starts at ts, given
// the previous reading.
func (Builder) Build(ts time.Time, p model.CustomerProfile, prevWatts float64, prevTempC *float64) []float64 {
	ts = ts.UTC()
	hour := float64(ts.Hour()) + float64(ts.Minute())/60
	dow := (int(ts.Weekday()) + 6) % 7

	hourRad := 2 * math.Pi * hour / 24
	dowRad := 2 * math.Pi * float64(dow) / 7

	temp := SeasonalTemperature(ts, p.City)
	if prevTempC != nil {
		temp = *prevTempC
	}

	area := float64(defaultHomeAreaM2)
	if p.HomeAreaM2 != nil {
		area = *p.HomeAreaM2
	}
	household := defaultHouseholdSize
	if p.HouseholdSize != nil {
		household = *p.HouseholdSize
	}
	var evs int
	if p.EVCount != nil {
		evs = *p.EVCount
	}

	return []float64{
		prevWatts,
		math.Sin(hourRad),
		math.Cos(hourRad),
		math.Sin(dowRad),
		math.Cos(dowRad),
		indicator(dow >= 5),
		temp,
		p.ContractedPowerKVA,
		indicator(p.Tariff == model.TariffSimples),
		indicator(p.Tariff == model.TariffBiHorario),
		indicator(p.Segment == model.SegmentResidential),
		indicator(p.Segment == model.SegmentSME),
		indicator(p.Segment == model.SegmentIndustrial),
		area,
		float64(household),
		indicator(p.HasSolar != nil && *p.HasSolar),
		float64(evs),
	}
}

// SeasonalTemperature approximates the outdoor temperature in mainland
// Portugal for the day of ts. Coastal cities run one degree cooler.
func SeasonalTemperature(ts time.Time, city string) float64 {
	day := float64(ts.UTC().YearDay())
	t := 16 + 7*math.Sin(2*math.Pi*(day-170)/365)
	if coastalCities[city] {
		t--
	}
	return t
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
