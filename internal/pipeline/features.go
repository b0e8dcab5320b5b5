package pipeline

import (
	"math"
	"time"

	"traffic-vsl-optimizer/internal/config"
	"traffic-vsl-optimizer/internal/models"
)

// Enricher derives density, traffic state, time flags and rolling trend
// statistics from cleaned observations.
type Enricher struct {
	cfg config.Config
}

func NewEnricher(cfg config.Config) *Enricher {
	return &Enricher{cfg: cfg}
}

// Enrich computes the derived feature set. The input must be cleaned and
// sorted by (sensor_id, timestamp); the output preserves row count, order
// and grouping. The computation is deterministic, so enriching the same
// rows twice yields identical values.
func (e *Enricher) Enrich(cleaned []models.Observation) []models.EnrichedObservation {
	out := make([]models.EnrichedObservation, len(cleaned))
	for i, o := range cleaned {
		out[i] = models.EnrichedObservation{
			Observation:  o,
			Density:      e.density(o),
			TrafficState: e.classify(o.Speed),
		}
		e.timeFeatures(&out[i])
	}
	for _, group := range models.PartitionBySensor(out) {
		e.rollingFeatures(group)
		e.trendFeatures(group)
	}
	return out
}

// density estimates vehicles per km with a two-regime hybrid. In moving
// traffic the flow/speed ratio is reliable; near standstill it blows up, so
// an occupancy-derived estimate substitutes when the detector reports one.
// The denominator floor guards the ratio in both regimes, and the result is
// clipped into [0, jam ceiling] to suppress unphysical spikes.
func (e *Enricher) density(o models.Observation) float64 {
	d := o.Flow / math.Max(o.Speed, e.cfg.LowSpeedThreshold)
	if o.Speed <= e.cfg.LowSpeedThreshold && !models.IsMissing(o.Occupancy) {
		d = o.Occupancy * e.cfg.OccupancyDensityFactor
	}
	if d < 0 {
		d = 0
	}
	if d > e.cfg.JamDensityCap {
		d = e.cfg.JamDensityCap
	}
	return d
}

// classify maps mean speed to a level-of-service label. The boundary value
// belongs to the faster class: exactly 70 is Free, exactly 40 is Dense.
func (e *Enricher) classify(speed float64) models.TrafficState {
	switch {
	case speed >= e.cfg.FreeSpeedThreshold:
		return models.StateFree
	case speed >= e.cfg.DenseSpeedThreshold:
		return models.StateDense
	default:
		return models.StateCongested
	}
}

func (e *Enricher) timeFeatures(row *models.EnrichedObservation) {
	row.Hour = row.Timestamp.Hour()
	row.DayOfWeek = row.Timestamp.Weekday()
	weekday := row.DayOfWeek >= time.Monday && row.DayOfWeek <= time.Friday
	row.IsRushHour = weekday &&
		((row.Hour >= e.cfg.MorningRushStart && row.Hour < e.cfg.MorningRushEnd) ||
			(row.Hour >= e.cfg.EveningRushStart && row.Hour < e.cfg.EveningRushEnd))
}

// rollingFeatures fills the trailing-window speed statistics for one
// sensor's chronological block. The window includes the current interval
// and needs only one point; volatility is zero, not undefined, until two
// points are available.
func (e *Enricher) rollingFeatures(group []models.EnrichedObservation) {
	for i := range group {
		lo := i - e.cfg.RollingWindow + 1
		if lo < 0 {
			lo = 0
		}
		group[i].RollingMeanSpeed, group[i].SpeedVolatility = meanStddev(group[lo : i+1])
	}
}

// meanStddev returns the mean and sample standard deviation of speed over
// the window rows.
func meanStddev(window []models.EnrichedObservation) (float64, float64) {
	n := float64(len(window))
	var sum float64
	for _, r := range window {
		sum += r.Speed
	}
	mean := sum / n
	if len(window) < 2 {
		return mean, 0
	}
	var sq float64
	for _, r := range window {
		d := r.Speed - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / (n - 1))
}

// trendFeatures fills the first-difference flow trend and the one-step
// density forecast for one sensor's chronological block. The trend has no
// value at the block head; the forecast repeats the final density because
// no next interval exists there.
func (e *Enricher) trendFeatures(group []models.EnrichedObservation) {
	for i := range group {
		if i == 0 {
			group[i].FlowTrend = models.Missing()
		} else {
			group[i].FlowTrend = group[i].Flow - group[i-1].Flow
		}
		if i+1 < len(group) {
			group[i].DensityForecast = group[i+1].Density
		} else {
			group[i].DensityForecast = group[i].Density
		}
	}
}
