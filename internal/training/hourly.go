package training

import "github.com/kynex/loadforecast/internal/model"

// HourlyProfile is the fitted weekly baseline.
type HourlyProfile struct {
	Buckets    []float64
	GlobalMean float64
}

// FitHourlyProfile averages targets per (day-of-week, hour) bucket of the
// row timestamp. Empty buckets take the global mean.
func FitHourlyProfile(rows []Row) HourlyProfile {
	var sums, counts [model.BucketCount]float64
	var total float64
	for _, r := range rows {
		i := model.BucketIndex(r.Timestamp)
		sums[i] += r.Target
		counts[i]++
		total += r.Target
	}

	var global float64
	if len(rows) > 0 {
		global = total / float64(len(rows))
	}

	buckets := make([]float64, model.BucketCount)
	for i := range buckets {
		if counts[i] == 0 {
			buckets[i] = global
			continue
		}
		buckets[i] = sums[i] / counts[i]
	}
	return HourlyProfile{Buckets: buckets, GlobalMean: global}
}

// Predict returns the bucket mean for the row's timestamp.
func (h HourlyProfile) Predict(r Row) float64 {
	return h.Buckets[model.BucketIndex(r.Timestamp)]
}
