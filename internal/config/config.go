package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable constant of the cleaning pipeline and the
// physics model in one place, so nothing hides in package-level globals and
// tests can override single values. Zero values are never meaningful; start
// from Default and overlay.
type Config struct {
	// Physical plausibility bounds. Readings outside are sensor garbage,
	// not traffic.
	SpeedMin float64 `yaml:"speed_min"` // km/h
	SpeedMax float64 `yaml:"speed_max"` // km/h, 150 clears any legal corridor speed
	FlowMin  float64 `yaml:"flow_min"`  // veh/h
	FlowMax  float64 `yaml:"flow_max"`  // veh/h, 12000 clears a 3-4 lane section with margin

	// MaxInterpolationGap bounds linear gap-filling to this many consecutive
	// missing intervals (2 intervals at 15-minute cadence is 30 minutes).
	// Longer outages are dropped rather than fabricated.
	MaxInterpolationGap int `yaml:"max_interpolation_gap"`

	// Density estimation. Below LowSpeedThreshold the flow/speed ratio is
	// numerically unstable, so occupancy takes over when the detector
	// reports it.
	LowSpeedThreshold      float64 `yaml:"low_speed_threshold"`      // km/h
	OccupancyDensityFactor float64 `yaml:"occupancy_density_factor"` // veh/km per occupancy percent
	JamDensityCap          float64 `yaml:"jam_density_cap"`          // veh/km, whole-section jam ceiling

	// Traffic-state thresholds on mean speed. The boundary value belongs to
	// the faster class.
	FreeSpeedThreshold  float64 `yaml:"free_speed_threshold"`  // km/h
	DenseSpeedThreshold float64 `yaml:"dense_speed_threshold"` // km/h

	// Rush-hour windows, weekdays only. Start inclusive, end exclusive.
	MorningRushStart int `yaml:"morning_rush_start"`
	MorningRushEnd   int `yaml:"morning_rush_end"`
	EveningRushStart int `yaml:"evening_rush_start"`
	EveningRushEnd   int `yaml:"evening_rush_end"`

	// RollingWindow is the trailing window, in intervals, for the rolling
	// speed statistics (4 intervals at 15-minute cadence is one hour).
	RollingWindow int `yaml:"rolling_window"`

	// Fundamental-diagram estimation.
	DensityBinWidth         float64 `yaml:"density_bin_width"`         // veh/km
	CapacityPercentile      float64 `yaml:"capacity_percentile"`       // in (0, 1]
	FallbackCriticalDensity float64 `yaml:"fallback_critical_density"` // veh/km when estimation is infeasible
	FallbackMaxCapacity     float64 `yaml:"fallback_max_capacity"`     // veh/h when estimation is infeasible

	// VSL policy.
	ActivationMargin    float64 `yaml:"activation_margin"`     // engage above this fraction of critical density
	BaseImprovementRate float64 `yaml:"base_improvement_rate"` // assumed throughput recovery ceiling
	ComplianceRate      float64 `yaml:"compliance_rate"`       // fraction of drivers obeying the posted limit
	DefaultBaseLimit    float64 `yaml:"default_base_limit"`    // km/h when no per-sensor override exists

	// MinAnalysisRows is the smallest per-sensor history the batch driver
	// will estimate a diagram from.
	MinAnalysisRows int `yaml:"min_analysis_rows"`
}

// Default returns the documented defaults, calibrated for a 15-minute,
// multi-lane urban freeway feed.
func Default() Config {
	return Config{
		SpeedMin:                0,
		SpeedMax:                150,
		FlowMin:                 0,
		FlowMax:                 12000,
		MaxInterpolationGap:     2,
		LowSpeedThreshold:       10,
		OccupancyDensityFactor:  3.5,
		JamDensityCap:           500,
		FreeSpeedThreshold:      70,
		DenseSpeedThreshold:     40,
		MorningRushStart:        7,
		MorningRushEnd:          10,
		EveningRushStart:        17,
		EveningRushEnd:          20,
		RollingWindow:           4,
		DensityBinWidth:         5,
		CapacityPercentile:      0.99,
		FallbackCriticalDensity: 40,
		FallbackMaxCapacity:     4000,
		ActivationMargin:        0.9,
		BaseImprovementRate:     0.10,
		ComplianceRate:          0.8,
		DefaultBaseLimit:        90,
		MinAnalysisRows:         100,
	}
}

// Load reads a YAML parameter file and overlays it on the defaults, so a
// file only needs the values it changes.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.SpeedMax <= c.SpeedMin {
		return fmt.Errorf("speed_max (%g) must exceed speed_min (%g)", c.SpeedMax, c.SpeedMin)
	}
	if c.FlowMax <= c.FlowMin {
		return fmt.Errorf("flow_max (%g) must exceed flow_min (%g)", c.FlowMax, c.FlowMin)
	}
	if c.MaxInterpolationGap < 0 {
		return fmt.Errorf("max_interpolation_gap must not be negative, got %d", c.MaxInterpolationGap)
	}
	if c.RollingWindow < 1 {
		return fmt.Errorf("rolling_window must be at least 1, got %d", c.RollingWindow)
	}
	if c.DensityBinWidth <= 0 {
		return fmt.Errorf("density_bin_width must be positive, got %g", c.DensityBinWidth)
	}
	if c.CapacityPercentile <= 0 || c.CapacityPercentile > 1 {
		return fmt.Errorf("capacity_percentile must be in (0, 1], got %g", c.CapacityPercentile)
	}
	if c.ActivationMargin <= 0 {
		return fmt.Errorf("activation_margin must be positive, got %g", c.ActivationMargin)
	}
	if c.DefaultBaseLimit <= 0 {
		return fmt.Errorf("default_base_limit must be positive, got %g", c.DefaultBaseLimit)
	}
	return nil
}
