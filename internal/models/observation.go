package models

import (
	"math"
	"time"
)

// Missing returns the sentinel for a numeric field with no reported value.
// Road-sensor feeds drop readings routinely; the cleaning stage repairs or
// discards them before anything downstream runs.
func Missing() float64 { return math.NaN() }

// IsMissing reports whether v carries no reading.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// Observation is a single road-sensor reading for one measurement interval.
type Observation struct {
	ID        int64     `json:"id,omitempty"`
	SensorID  string    `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	Speed     float64   `json:"speed"`     // mean speed, km/h, physical range [0, 150]
	Flow      float64   `json:"flow"`      // veh/h, physical range [0, 12000]
	Occupancy float64   `json:"occupancy"` // percent of interval occupied, NaN when the detector does not report it
}

// Sensor returns the sensor identifier; embedding propagates it to the
// enriched and optimized row types.
func (o Observation) Sensor() string { return o.SensorID }

// TrafficState is a coarse level-of-service label derived from mean speed.
type TrafficState string

const (
	StateFree      TrafficState = "Free"
	StateDense     TrafficState = "Dense"
	StateCongested TrafficState = "Congested"
)

// EnrichedObservation is an Observation plus the derived traffic features.
type EnrichedObservation struct {
	Observation
	Density          float64      `json:"density"` // veh/km, capped at the jam-density ceiling
	TrafficState     TrafficState `json:"traffic_state"`
	Hour             int          `json:"hour"`
	DayOfWeek        time.Weekday `json:"day_of_week"`
	IsRushHour       bool         `json:"is_rush_hour"`
	RollingMeanSpeed float64      `json:"rolling_mean_speed"` // km/h, trailing window
	SpeedVolatility  float64      `json:"speed_volatility"`   // rolling stddev of speed, zero when undefined
	FlowTrend        float64      `json:"flow_trend"`         // first difference of flow, NaN at each sensor's first row
	DensityForecast  float64      `json:"density_forecast"`   // next-interval density, edge-extended at the tail
}

// OptimizedObservation is an EnrichedObservation plus the counterfactual
// series produced by the VSL engine.
type OptimizedObservation struct {
	EnrichedObservation
	OptimizedFlow  float64 `json:"optimized_flow"`  // veh/h under the VSL scenario
	OptimizedSpeed float64 `json:"optimized_speed"` // km/h, rounded to a signable multiple of 10 when the VSL engaged and the bounds allow
	DynamicLimit   float64 `json:"dynamic_limit"`   // km/h, the limit in force for the interval
	VSLActive      bool    `json:"vsl_active"`
}

// QualityReport summarizes what cleaning did to one batch. Informational
// only; it never feeds back into the pipeline.
type QualityReport struct {
	InitialRows        int     `json:"initial_rows"`
	FinalRows          int     `json:"final_rows"`
	OutliersRemoved    int     `json:"outliers_removed"`
	LogicRepairs       int     `json:"logic_errors_fixed"`
	InterpolatedValues int     `json:"interpolated_values"`
	InvalidTimestamps  int     `json:"invalid_timestamps"`
	DuplicatesDropped  int     `json:"duplicates_dropped"`
	PercentKept        float64 `json:"pct_data_kept"`
}

// DiagramParams are the per-sensor fundamental-diagram estimates.
type DiagramParams struct {
	SensorID         string  `json:"sensor_id"`
	CriticalDensity  float64 `json:"critical_density"` // veh/km
	MaxCapacity      float64 `json:"max_capacity"`     // veh/h
	CriticalFallback bool    `json:"critical_fallback"`
	CapacityFallback bool    `json:"capacity_fallback"`
	SampleSize       int     `json:"sample_size"`
}

// SensorSummary is one row of the corridor-wide VSL improvement report.
type SensorSummary struct {
	SensorID        string  `json:"sensor_id"`
	Rows            int     `json:"rows"`
	BaseLimit       float64 `json:"base_limit"`       // km/h
	CriticalDensity float64 `json:"critical_density"` // veh/km
	MaxCapacity     float64 `json:"max_capacity"`     // veh/h
	ActiveIntervals int     `json:"active_intervals"`
	PctActive       float64 `json:"pct_active"`     // percent of intervals with the VSL engaged
	AvgSpeedGain    float64 `json:"avg_speed_gain"` // km/h, over active intervals
	PctSpeedGain    float64 `json:"pct_speed_gain"` // percent, over active intervals
}

// Station is descriptive sensor metadata, used for display only.
type Station struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	CreatedAt time.Time `json:"created_at"`
}

// AnalysisRun records one corridor-wide batch analysis.
type AnalysisRun struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	BaseLimit   float64         `json:"base_limit"` // km/h default applied where no override exists
	SensorCount int             `json:"sensor_count"`
	Summaries   []SensorSummary `json:"summaries,omitempty"`
}

// ObservationQuery represents query parameters for observation searches.
type ObservationQuery struct {
	SensorID  string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}
