package analysis

import (
	"time"

	"traffic-vsl-optimizer/internal/models"
)

// Resample projects one sensor's optimized series onto a regular time grid
// with the given step, linearly interpolating the continuous channels between
// the two nearest observations. Discrete channels (state, rush-hour flag,
// limit, activation) hold the value of the preceding observation. Rows must
// be sorted by timestamp.
func Resample(rows []models.OptimizedObservation, step time.Duration) []models.OptimizedObservation {
	if len(rows) < 2 || step <= 0 {
		return rows
	}

	start := rows[0].Timestamp.Truncate(step)
	for start.Before(rows[0].Timestamp) {
		start = start.Add(step)
	}
	end := rows[len(rows)-1].Timestamp

	out := make([]models.OptimizedObservation, 0, end.Sub(start)/step+1)
	i := 0
	for t := start; !t.After(end); t = t.Add(step) {
		for i+1 < len(rows) && !rows[i+1].Timestamp.After(t) {
			i++
		}
		prev := rows[i]
		next := prev
		if i+1 < len(rows) {
			next = rows[i+1]
		}
		var alpha float64
		if span := next.Timestamp.Sub(prev.Timestamp); span > 0 {
			alpha = float64(t.Sub(prev.Timestamp)) / float64(span)
		}
		out = append(out, blend(prev, next, t, alpha))
	}
	return out
}

func blend(prev, next models.OptimizedObservation, t time.Time, alpha float64) models.OptimizedObservation {
	row := prev
	row.ID = 0
	row.Timestamp = t
	row.Hour = t.Hour()
	row.DayOfWeek = t.Weekday()

	row.Speed = lerp(prev.Speed, next.Speed, alpha)
	row.Flow = lerp(prev.Flow, next.Flow, alpha)
	row.Occupancy = lerp(prev.Occupancy, next.Occupancy, alpha)
	row.Density = lerp(prev.Density, next.Density, alpha)
	row.RollingMeanSpeed = lerp(prev.RollingMeanSpeed, next.RollingMeanSpeed, alpha)
	row.SpeedVolatility = lerp(prev.SpeedVolatility, next.SpeedVolatility, alpha)
	row.DensityForecast = lerp(prev.DensityForecast, next.DensityForecast, alpha)
	row.OptimizedFlow = lerp(prev.OptimizedFlow, next.OptimizedFlow, alpha)
	row.OptimizedSpeed = lerp(prev.OptimizedSpeed, next.OptimizedSpeed, alpha)
	return row
}

// lerp propagates missing values: if either endpoint is NaN the result is.
func lerp(a, b, alpha float64) float64 {
	return a + (b-a)*alpha
}
