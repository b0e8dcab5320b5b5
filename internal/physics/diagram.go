package physics

import (
	"math"
	"sort"

	"traffic-vsl-optimizer/internal/config"
	"traffic-vsl-optimizer/internal/models"
)

// Estimator derives fundamental-diagram parameters from one sensor's
// enriched history. Both estimates are pure functions of their input;
// callers cache per-sensor results when they reuse them.
type Estimator struct {
	cfg config.Config
}

func NewEstimator(cfg config.Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// CriticalDensity returns the density at which flow peaks. Density is
// binned to denoise the flow-density scatter, mean flow is computed per
// bin, and the floor of the winning bin is returned; ties go to the lowest
// bin. This is discretized peak-finding, not a curve fit, so resolution is
// limited by the bin width. Fewer than two valid (density, flow) pairs
// cannot place a peak, so the documented fallback is returned instead.
func (e *Estimator) CriticalDensity(rows []models.EnrichedObservation) float64 {
	type bin struct {
		sum float64
		n   int
	}
	bins := make(map[float64]*bin)
	valid := 0
	for _, r := range rows {
		if models.IsMissing(r.Density) || models.IsMissing(r.Flow) {
			continue
		}
		valid++
		key := math.Floor(r.Density/e.cfg.DensityBinWidth) * e.cfg.DensityBinWidth
		b := bins[key]
		if b == nil {
			b = &bin{}
			bins[key] = b
		}
		b.sum += r.Flow
		b.n++
	}
	if valid < 2 {
		return e.cfg.FallbackCriticalDensity
	}

	keys := make([]float64, 0, len(bins))
	for k := range bins {
		keys = append(keys, k)
	}
	sort.Float64s(keys)

	best, bestFlow := keys[0], math.Inf(-1)
	for _, k := range keys {
		if mean := bins[k].sum / float64(bins[k].n); mean > bestFlow {
			best, bestFlow = k, mean
		}
	}
	return best
}

// MaxCapacity returns a high percentile of observed flow: robust to
// sporadic sensor overcounts while still near the section's true throughput
// ceiling. Fewer than two valid flows return the documented fallback.
func (e *Estimator) MaxCapacity(rows []models.EnrichedObservation) float64 {
	flows := make([]float64, 0, len(rows))
	for _, r := range rows {
		if !models.IsMissing(r.Flow) {
			flows = append(flows, r.Flow)
		}
	}
	if len(flows) < 2 {
		return e.cfg.FallbackMaxCapacity
	}
	return percentile(flows, e.cfg.CapacityPercentile)
}

// Params bundles both estimates with their provenance for one sensor.
func (e *Estimator) Params(sensorID string, rows []models.EnrichedObservation) models.DiagramParams {
	validPairs, validFlows := 0, 0
	for _, r := range rows {
		if models.IsMissing(r.Flow) {
			continue
		}
		validFlows++
		if !models.IsMissing(r.Density) {
			validPairs++
		}
	}
	return models.DiagramParams{
		SensorID:         sensorID,
		CriticalDensity:  e.CriticalDensity(rows),
		MaxCapacity:      e.MaxCapacity(rows),
		CriticalFallback: validPairs < 2,
		CapacityFallback: validFlows < 2,
		SampleSize:       len(rows),
	}
}

// percentile computes the p-th quantile with linear interpolation between
// order statistics. vals is not modified.
func percentile(vals []float64, p float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (rank-float64(lo))*(sorted[lo+1]-sorted[lo])
}
