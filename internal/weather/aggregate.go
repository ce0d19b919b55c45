package weather

import (
	"sort"
	"time"
)

// Aggregate combines readings into a single Snapshot. Numeric fields are
// averaged; the condition is picked by majority, ties going to the condition
// reported first. now stamps the snapshot when no reading carries a time.
func Aggregate(loc Location, readings []Reading, now time.Time) Snapshot {
	if len(readings) == 0 {
		return Snapshot{
			Location:  loc,
			Timestamp: now.UTC(),
			Condition: ConditionUnknown,
		}
	}

	// stable output regardless of fan-in order
	sorted := make([]Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Source < sorted[j].Source })

	var (
		sumTemp     float64
		sumHumidity float64
		sumWind     float64
		sumPressure float64
		sumPrecip   float64
	)

	conditionCounts := make(map[Condition]int)
	var order []Condition
	sources := make([]Contribution, 0, len(sorted))
	var newestTS time.Time

	for _, r := range sorted {
		sumTemp += r.TemperatureC
		sumHumidity += r.HumidityPct
		sumWind += r.WindSpeedMS
		sumPressure += r.PressureHpa
		sumPrecip += r.PrecipMm

		if _, seen := conditionCounts[r.Condition]; !seen {
			order = append(order, r.Condition)
		}
		conditionCounts[r.Condition]++

		if r.Timestamp.After(newestTS) {
			newestTS = r.Timestamp
		}

		sources = append(sources, Contribution{
			Source:    r.Source,
			Timestamp: r.Timestamp.UTC(),
		})
	}

	n := float64(len(sorted))

	bestCond := ConditionUnknown
	bestCount := 0
	for _, cond := range order {
		if conditionCounts[cond] > bestCount {
			bestCount = conditionCounts[cond]
			bestCond = cond
		}
	}

	if newestTS.IsZero() {
		newestTS = now
	}

	return Snapshot{
		Location:    loc,
		Timestamp:   newestTS.UTC(),
		Temperature: sumTemp / n,
		Humidity:    sumHumidity / n,
		WindSpeed:   sumWind / n,
		Pressure:    sumPressure / n,
		PrecipMM:    sumPrecip / n,
		Condition:   bestCond,
		Sources:     sources,
	}
}
