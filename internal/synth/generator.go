// Package synth generates synthetic customers and 15-minute telemetry for
// demos and tests. Output is fully determined by the seed.
package synth

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/kynex/loadforecast/internal/features"
	"github.com/kynex/loadforecast/internal/model"
)

// Interval is the telemetry resolution.
const Interval = 15 * time.Minute

var (
	segments    = []string{model.SegmentResidential, model.SegmentSME, model.SegmentIndustrial}
	segmentW    = []float64{0.72, 0.22, 0.06}
	tariffs     = []string{model.TariffSimples, model.TariffBiHorario}
	tariffW     = []float64{0.7, 0.3}
	utilities   = []string{"EDP", "Endesa", "Iberdrola"}
	cities      = []string{"Porto", "Matosinhos", "Maia", "Vila Nova de Gaia", "Braga", "Aveiro", "Coimbra", "Lisboa"}
	firstNames  = []string{"Ana", "João", "Maria", "Pedro", "Rita", "Tiago", "Inês", "Rui"}
	lastNames   = []string{"Silva", "Santos", "Ferreira", "Pereira", "Costa", "Oliveira", "Martins"}
	companyTail = []string{"Lda", "S.A.", "Unipessoal"}
)

// Customer is a generated customer with its display fields.
type Customer struct {
	model.CustomerProfile
	Name    string
	Utility string
}

// Generator produces customers and readings from a single random stream.
type Generator struct {
	src *rand.ChaCha8
	rng *rand.Rand
}

// New returns a generator seeded with seed.
func New(seed uint64) *Generator {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:], seed)
	src := rand.NewChaCha8(key)
	return &Generator{src: src, rng: rand.New(src)}
}

// Customers creates n customers with a realistic segment mix.
func (g *Generator) Customers(n int) []Customer {
	out := make([]Customer, 0, n)
	for range n {
		segment := pickWeighted(g.rng, segments, segmentW)
		p := model.CustomerProfile{
			ID:      g.id(),
			Segment: segment,
			City:    pick(g.rng, cities),
			Tariff:  pickWeighted(g.rng, tariffs, tariffW),
		}

		var area float64
		var household int
		switch segment {
		case model.SegmentResidential:
			p.ContractedPowerKVA = pick(g.rng, []float64{3.45, 4.6, 5.75, 6.9, 10.35})
			area = pick(g.rng, []float64{45, 70, 95, 130, 180}) + uniform(g.rng, -6, 10)
			household = pickWeighted(g.rng, []int{1, 2, 3, 4, 5}, []float64{0.18, 0.34, 0.22, 0.16, 0.10})
		case model.SegmentSME:
			p.ContractedPowerKVA = pick(g.rng, []float64{10.35, 13.8, 17.25})
			area = pick(g.rng, []float64{120, 180, 260, 420}) + uniform(g.rng, -20, 30)
			household = pick(g.rng, []int{3, 5, 8, 12})
		default:
			p.ContractedPowerKVA = pick(g.rng, []float64{17.25, 20.7, 27.6})
			area = pick(g.rng, []float64{800, 1500, 2600}) + uniform(g.rng, -120, 180)
			household = pick(g.rng, []int{20, 35, 60})
		}
		solar := segment == model.SegmentResidential && g.rng.Float64() < 0.22
		evs := 0
		if segment == model.SegmentResidential {
			evs = pickWeighted(g.rng, []int{0, 1, 2}, []float64{0.78, 0.18, 0.04})
		}
		price := math.Max(0.08, math.Min(0.45, 0.20+0.03*g.rng.NormFloat64()))

		p.HomeAreaM2 = &area
		p.HouseholdSize = &household
		p.HasSolar = &solar
		p.EVCount = &evs
		p.PriceEURPerKWh = &price

		out = append(out, Customer{
			CustomerProfile: p,
			Name:            g.name(segment),
			Utility:         pick(g.rng, utilities),
		})
	}
	return out
}

// Telemetry simulates steps readings for p starting at start. last seeds the
// autocorrelation and may be nil.
func (g *Generator) Telemetry(p model.CustomerProfile, start time.Time, steps int, last *float64) []model.TelemetrySample {
	out := make([]model.TelemetrySample, 0, steps)
	ts := start.UTC()
	for range steps {
		watts, temp := g.Reading(ts, p, last)
		out = append(out, model.TelemetrySample{
			CustomerID: p.ID,
			Timestamp:  ts,
			Watts:      watts,
			TempC:      &temp,
		})
		last = &watts
		ts = ts.Add(Interval)
	}
	return out
}

// Reading simulates the average watts drawn during the interval at ts and the
// outdoor temperature.
func (g *Generator) Reading(ts time.Time, p model.CustomerProfile, last *float64) (watts, tempC float64) {
	ts = ts.UTC()
	hour := float64(ts.Hour()) + float64(ts.Minute())/60
	weekend := (int(ts.Weekday())+6)%7 >= 5

	tempC = features.SeasonalTemperature(ts, p.City) + 1.2*g.rng.NormFloat64()

	var load float64
	switch p.Segment {
	case model.SegmentResidential:
		load = 180 + 220*bump(hour, 7.5, 5.5) + 380*bump(hour, 20.5, 7)
		if weekend {
			load *= 1.15
		}
	case model.SegmentSME:
		load = 420 + 900*bump(hour, 13, 18)
		if weekend {
			load *= 0.55
		}
	default:
		load = 1500 + 1200*bump(hour, 11, 26)
	}

	area, household := 80.0, 2
	if p.HomeAreaM2 != nil {
		area = *p.HomeAreaM2
	}
	if p.HouseholdSize != nil {
		household = *p.HouseholdSize
	}
	load *= clamp(1+(area-80)/420, 0.7, 2.2)
	load *= clamp(1+float64(household-2)*0.08, 0.75, 2.0)

	const comfort = 19.0
	tempEffect := 18*math.Max(0, comfort-tempC) + 14*math.Max(0, tempC-25)

	if p.HasSolar != nil && *p.HasSolar && hour >= 10 && hour <= 16 {
		load *= 1 - (0.10 + 0.18*bump(hour, 13, 4.5))
	}
	if p.EVCount != nil && *p.EVCount > 0 && hour <= 6 && g.rng.Float64() < 0.10 {
		load += 900 * float64(*p.EVCount)
	}

	limit := p.ContractedPowerKVA * 1000 * 0.92
	prev := load
	if last != nil {
		prev = *last
	}

	noise := math.Max(12, 0.03*load) * g.rng.NormFloat64()
	watts = 0.70*load + 0.25*prev + 0.05*tempEffect + noise
	watts = math.Max(40, math.Min(watts, limit))

	spike := 0.002
	if p.Segment == model.SegmentResidential {
		spike = 0.004
	}
	if g.rng.Float64() < spike {
		watts = math.Min(limit, watts+uniform(g.rng, 800, 2200))
	}
	return watts, tempC
}

func (g *Generator) id() string {
	u, err := uuid.NewRandomFromReader(g.src)
	if err != nil {
		// ChaCha8 reads never fail.
		panic(fmt.Sprintf("synth: generating id: %v", err))
	}
	return "C_" + u.String()
}

func (g *Generator) name(segment string) string {
	person := pick(g.rng, firstNames) + " " + pick(g.rng, lastNames)
	if segment == model.SegmentResidential {
		return person
	}
	return pick(g.rng, lastNames) + " & " + pick(g.rng, lastNames) + " " + pick(g.rng, companyTail)
}

func bump(x, center, width float64) float64 {
	d := x - center
	return math.Exp(-(d * d) / width)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

func pick[T any](rng *rand.Rand, xs []T) T {
	return xs[rng.IntN(len(xs))]
}

func pickWeighted[T any](rng *rand.Rand, xs []T, weights []float64) T {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return xs[i]
		}
		r -= w
	}
	return xs[len(xs)-1]
}
