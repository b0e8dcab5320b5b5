package optimizer

import (
	"math"

	"traffic-vsl-optimizer/internal/config"
	"traffic-vsl-optimizer/internal/models"
	"traffic-vsl-optimizer/internal/physics"
)

// Engine simulates one sensor's series under a variable-speed-limit policy,
// producing a counterfactual flow/speed/limit alongside each observation.
type Engine struct {
	cfg config.Config
	est *physics.Estimator
}

func New(cfg config.Config) *Engine {
	return &Engine{cfg: cfg, est: physics.NewEstimator(cfg)}
}

// params collects the per-call knobs. NaN means "estimate from the input".
type params struct {
	criticalDensity float64
	maxCapacity     float64
	baseLimit       float64
}

// Option overrides one optimization parameter for a single Optimize call.
type Option func(*params)

// WithCriticalDensity pins the critical density instead of estimating it.
func WithCriticalDensity(v float64) Option {
	return func(p *params) { p.criticalDensity = v }
}

// WithMaxCapacity pins the road capacity instead of estimating it.
func WithMaxCapacity(v float64) Option {
	return func(p *params) { p.maxCapacity = v }
}

// WithBaseLimit sets the posted base speed limit for the sensor's section.
func WithBaseLimit(v float64) Option {
	return func(p *params) { p.baseLimit = v }
}

// Optimize returns the counterfactual series for one sensor's rows. Physics
// parameters not pinned by options are estimated from the rows themselves.
// The VSL engages on intervals whose observed density exceeds the activation
// margin times the critical density, stepping in before the capacity point
// is reached; every other interval passes through unchanged at the base
// limit. Missing speed, flow or density read as zero, and zero rows yield
// zero rows.
func (e *Engine) Optimize(rows []models.EnrichedObservation, opts ...Option) []models.OptimizedObservation {
	p := params{
		criticalDensity: math.NaN(),
		maxCapacity:     math.NaN(),
		baseLimit:       e.cfg.DefaultBaseLimit,
	}
	for _, opt := range opts {
		opt(&p)
	}

	out := make([]models.OptimizedObservation, len(rows))
	if len(rows) == 0 {
		return out
	}
	if math.IsNaN(p.criticalDensity) {
		p.criticalDensity = e.est.CriticalDensity(rows)
	}
	if math.IsNaN(p.maxCapacity) {
		p.maxCapacity = e.est.MaxCapacity(rows)
	}

	target := ladderTarget(p.baseLimit)
	threshold := e.cfg.ActivationMargin * p.criticalDensity
	recovery := 1 + e.cfg.BaseImprovementRate*e.cfg.ComplianceRate

	for i, r := range rows {
		o := models.OptimizedObservation{EnrichedObservation: r}
		speed, flow, density := orZero(r.Speed), orZero(r.Flow), orZero(r.Density)

		if density > threshold {
			o.VSLActive = true
			o.DynamicLimit = target
			o.OptimizedFlow = math.Min(flow*recovery, p.maxCapacity)
			o.OptimizedSpeed = e.recoveredSpeed(o.OptimizedFlow, density, speed, p.baseLimit)
		} else {
			o.DynamicLimit = p.baseLimit
			o.OptimizedFlow = flow
			o.OptimizedSpeed = speed
		}
		out[i] = o
	}
	return out
}

// recoveredSpeed re-derives speed from the recovered flow at unchanged
// density (harmonization restores throughput; density is the slower state
// variable), clamps it into [observed, baseLimit], and rounds to a signable
// multiple of 10. Rounding never undercuts the observed speed: the
// counterfactual may not look worse than reality. That floor is a modeling
// simplification, not a law of traffic flow. When the two bounds leave no
// room — the observed speed is already at or past the limit, or no multiple
// of ten fits between them — the bounds win over the display convention.
func (e *Engine) recoveredSpeed(flow, density, observed, baseLimit float64) float64 {
	if observed >= baseLimit {
		return observed
	}
	v := observed
	if density > 0 {
		v = flow / density
	}
	if v > baseLimit {
		v = baseLimit
	}
	if v < observed {
		v = observed
	}
	r := math.Round(v/10) * 10
	if r < observed {
		r += 10
	}
	if r > baseLimit {
		r = baseLimit
	}
	return r
}

// ladderTarget maps a base limit to the lowered VSL target one regulatory
// signage step down: 90 to 70, 70 to 50, anything lower to 30.
func ladderTarget(baseLimit float64) float64 {
	switch {
	case baseLimit >= 90:
		return 70
	case baseLimit >= 70:
		return 50
	default:
		return 30
	}
}

func orZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
