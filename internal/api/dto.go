package api

import (
	"time"

	"traffic-vsl-optimizer/internal/models"
)

// observationDTO is the wire shape for stored observations. Measurements are
// pointers because the missing sentinel is NaN, which encoding/json refuses
// to emit; missing values serialize as null instead.
type observationDTO struct {
	ID        int64     `json:"id,omitempty"`
	SensorID  string    `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed"`
	Flow      *float64  `json:"flow"`
	Occupancy *float64  `json:"occupancy"`
}

func toObservationDTO(o models.Observation) observationDTO {
	return observationDTO{
		ID:        o.ID,
		SensorID:  o.SensorID,
		Timestamp: o.Timestamp,
		Speed:     optional(o.Speed),
		Flow:      optional(o.Flow),
		Occupancy: optional(o.Occupancy),
	}
}

func toObservationDTOs(obs []models.Observation) []observationDTO {
	out := make([]observationDTO, len(obs))
	for i, o := range obs {
		out[i] = toObservationDTO(o)
	}
	return out
}

// observationPayload is the accepted POST body. Absent numeric keys become
// NaN internally rather than zero.
type observationPayload struct {
	SensorID  string    `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed"`
	Flow      *float64  `json:"flow"`
	Occupancy *float64  `json:"occupancy"`
}

func (p observationPayload) observation() models.Observation {
	return models.Observation{
		SensorID:  p.SensorID,
		Timestamp: p.Timestamp,
		Speed:     deref(p.Speed),
		Flow:      deref(p.Flow),
		Occupancy: deref(p.Occupancy),
	}
}

// optimizedRow is the wire shape for counterfactual results. After cleaning,
// speed and flow are always present; occupancy and the flow trend can still
// be missing and are elided from the JSON when they are.
type optimizedRow struct {
	SensorID         string              `json:"sensor_id"`
	Timestamp        time.Time           `json:"timestamp"`
	Speed            float64             `json:"speed"`
	Flow             float64             `json:"flow"`
	Occupancy        *float64            `json:"occupancy,omitempty"`
	Density          float64             `json:"density"`
	TrafficState     models.TrafficState `json:"traffic_state"`
	Hour             int                 `json:"hour"`
	DayOfWeek        string              `json:"day_of_week"`
	IsRushHour       bool                `json:"is_rush_hour"`
	RollingMeanSpeed float64             `json:"rolling_mean_speed"`
	SpeedVolatility  float64             `json:"speed_volatility"`
	FlowTrend        *float64            `json:"flow_trend,omitempty"`
	DensityForecast  float64             `json:"density_forecast"`
	OptimizedFlow    float64             `json:"optimized_flow"`
	OptimizedSpeed   float64             `json:"optimized_speed"`
	DynamicLimit     float64             `json:"dynamic_limit"`
	VSLActive        bool                `json:"vsl_active"`
}

func toOptimizedRows(rows []models.OptimizedObservation) []optimizedRow {
	out := make([]optimizedRow, len(rows))
	for i, r := range rows {
		out[i] = optimizedRow{
			SensorID:         r.SensorID,
			Timestamp:        r.Timestamp,
			Speed:            r.Speed,
			Flow:             r.Flow,
			Occupancy:        optional(r.Occupancy),
			Density:          r.Density,
			TrafficState:     r.TrafficState,
			Hour:             r.Hour,
			DayOfWeek:        r.DayOfWeek.String(),
			IsRushHour:       r.IsRushHour,
			RollingMeanSpeed: r.RollingMeanSpeed,
			SpeedVolatility:  r.SpeedVolatility,
			FlowTrend:        optional(r.FlowTrend),
			DensityForecast:  r.DensityForecast,
			OptimizedFlow:    r.OptimizedFlow,
			OptimizedSpeed:   r.OptimizedSpeed,
			DynamicLimit:     r.DynamicLimit,
			VSLActive:        r.VSLActive,
		}
	}
	return out
}

// optional returns nil for the NaN missing sentinel.
func optional(v float64) *float64 {
	if models.IsMissing(v) {
		return nil
	}
	return &v
}

// deref returns the missing sentinel for nil.
func deref(v *float64) float64 {
	if v == nil {
		return models.Missing()
	}
	return *v
}
