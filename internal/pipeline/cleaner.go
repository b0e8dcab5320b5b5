package pipeline

import (
	"math"
	"sort"

	"traffic-vsl-optimizer/internal/config"
	"traffic-vsl-optimizer/internal/models"
)

// Cleaner validates and repairs raw observation batches. Clean works on its
// own copy and never modifies the slice it is given.
type Cleaner struct {
	cfg    config.Config
	filter map[string]struct{}
}

// NewCleaner creates a cleaner; when sensor ids are given, rows from any
// other sensor are discarded up front.
func NewCleaner(cfg config.Config, sensorFilter ...string) *Cleaner {
	c := &Cleaner{cfg: cfg}
	if len(sensorFilter) > 0 {
		c.filter = make(map[string]struct{}, len(sensorFilter))
		for _, id := range sensorFilter {
			c.filter[id] = struct{}{}
		}
	}
	return c
}

// Clean runs the repair sequence over raw observations and reports what it
// did: sensor filtering, chronological sort, physical-range rejection,
// zero-speed flow repair, bounded per-sensor interpolation, then a final
// drop of rows that stayed unrepairable. An empty input yields an empty
// output and a zeroed report, never an error.
func (c *Cleaner) Clean(raw []models.Observation) ([]models.Observation, models.QualityReport) {
	report := models.QualityReport{InitialRows: len(raw)}
	if len(raw) == 0 {
		return nil, report
	}

	rows := c.filterSensors(raw)

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].SensorID != rows[j].SensorID {
			return rows[i].SensorID < rows[j].SensorID
		}
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})

	rows = c.rejectOutliers(rows, &report)
	c.repairZeroSpeed(rows, &report)
	c.interpolateGaps(rows, &report)
	// interpolating between two standstills can write a zero speed next to
	// a present positive flow, so the consistency repair runs once more
	c.repairZeroSpeed(rows, &report)
	rows = c.dropUnrepairable(rows, &report)

	report.FinalRows = len(rows)
	report.PercentKept = math.Round(float64(report.FinalRows)/float64(report.InitialRows)*10000) / 100
	return rows, report
}

// filterSensors copies the batch, keeping only rows that pass the sensor
// filter. The copy is what makes the later in-place steps safe.
func (c *Cleaner) filterSensors(raw []models.Observation) []models.Observation {
	rows := make([]models.Observation, 0, len(raw))
	for _, o := range raw {
		if c.filter != nil {
			if _, ok := c.filter[o.SensorID]; !ok {
				continue
			}
		}
		rows = append(rows, o)
	}
	return rows
}

// rejectOutliers drops rows whose speed or flow is physically impossible.
// Missing values pass through: they are gaps for interpolation, not
// outliers.
func (c *Cleaner) rejectOutliers(rows []models.Observation, report *models.QualityReport) []models.Observation {
	kept := rows[:0]
	for _, o := range rows {
		if outOfRange(o.Speed, c.cfg.SpeedMin, c.cfg.SpeedMax) ||
			outOfRange(o.Flow, c.cfg.FlowMin, c.cfg.FlowMax) {
			report.OutliersRemoved++
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

func outOfRange(v, lo, hi float64) bool {
	return !models.IsMissing(v) && (v < lo || v > hi)
}

// repairZeroSpeed enforces that a standstill passes no vehicles. Sensors
// occasionally report speed 0 with a positive count (stuck detector); the
// count is zeroed rather than the row dropped.
func (c *Cleaner) repairZeroSpeed(rows []models.Observation, report *models.QualityReport) {
	for i := range rows {
		if rows[i].Speed == 0 && rows[i].Flow > 0 {
			rows[i].Flow = 0
			report.LogicRepairs++
		}
	}
}

// interpolateGaps fills short runs of missing speed and flow within each
// sensor's chronological block. Only interior gaps bounded by known values
// on both sides and no longer than MaxInterpolationGap are filled; longer
// outages stay missing so the drop step excludes them instead of
// fabricating half an hour of traffic.
func (c *Cleaner) interpolateGaps(rows []models.Observation, report *models.QualityReport) {
	for _, group := range models.PartitionBySensor(rows) {
		col := make([]float64, len(group))

		for i, o := range group {
			col[i] = o.Speed
		}
		report.InterpolatedValues += interpolateBounded(col, c.cfg.MaxInterpolationGap)
		for i := range group {
			group[i].Speed = col[i]
		}

		for i, o := range group {
			col[i] = o.Flow
		}
		report.InterpolatedValues += interpolateBounded(col, c.cfg.MaxInterpolationGap)
		for i := range group {
			group[i].Flow = col[i]
		}
	}
}

// interpolateBounded linearly fills NaN runs in vals in place and returns
// how many values it wrote. Runs touching either edge or longer than maxGap
// are left as NaN.
func interpolateBounded(vals []float64, maxGap int) int {
	filled := 0
	for i := 0; i < len(vals); {
		if !math.IsNaN(vals[i]) {
			i++
			continue
		}
		start := i
		for i < len(vals) && math.IsNaN(vals[i]) {
			i++
		}
		if start == 0 || i == len(vals) || i-start > maxGap {
			continue
		}
		lo, hi := vals[start-1], vals[i]
		span := float64(i - start + 1)
		for j := start; j < i; j++ {
			vals[j] = lo + (hi-lo)*float64(j-start+1)/span
			filled++
		}
	}
	return filled
}

// dropUnrepairable removes rows that still miss speed or flow, rows without
// a usable timestamp, and duplicate (sensor, timestamp) readings, keeping
// the first. Exclusion beats defaulting here: zero-filled gaps would drag
// the density and capacity statistics toward zero.
func (c *Cleaner) dropUnrepairable(rows []models.Observation, report *models.QualityReport) []models.Observation {
	kept := rows[:0]
	for _, o := range rows {
		switch {
		case o.Timestamp.IsZero():
			report.InvalidTimestamps++
		case models.IsMissing(o.Speed) || models.IsMissing(o.Flow):
			// unrepairable gap
		case len(kept) > 0 && kept[len(kept)-1].SensorID == o.SensorID &&
			kept[len(kept)-1].Timestamp.Equal(o.Timestamp):
			report.DuplicatesDropped++
		default:
			kept = append(kept, o)
		}
	}
	return kept
}
