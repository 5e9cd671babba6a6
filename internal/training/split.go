package training

import "sort"

// DefaultTestFraction is the share of the newest rows held out for evaluation.
const DefaultTestFraction = 0.2

// TemporalSplit orders rows by timestamp and holds out the newest fraction.
// Both halves are non-empty when len(rows) >= 2. rows is sorted in place.
func TemporalSplit(rows []Row, testFraction float64) (train, test []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})

	if testFraction <= 0 || testFraction >= 1 {
		testFraction = DefaultTestFraction
	}
	cut := int(float64(len(rows)) * (1 - testFraction))
	if cut >= len(rows) {
		cut = len(rows) - 1
	}
	if cut < 1 {
		cut = 1
	}
	if cut > len(rows) {
		cut = len(rows)
	}
	return rows[:cut], rows[cut:]
}
