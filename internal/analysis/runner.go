package analysis

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"traffic-vsl-optimizer/internal/config"
	"traffic-vsl-optimizer/internal/models"
	"traffic-vsl-optimizer/internal/optimizer"
	"traffic-vsl-optimizer/internal/physics"
	"traffic-vsl-optimizer/internal/pipeline"
)

// Runner drives the full pipeline for every sensor in a batch: clean and
// enrich once, then estimate and optimize each sensor independently. The
// per-sensor passes run in parallel; they share nothing but the enriched
// input, so no synchronization is needed beyond collecting result rows.
type Runner struct {
	cfg      config.Config
	cleaner  *pipeline.Cleaner
	enricher *pipeline.Enricher
	est      *physics.Estimator
	engine   *optimizer.Engine
	limits   map[string]float64
	logger   *slog.Logger
	workers  int
}

func NewRunner(cfg config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		cleaner:  pipeline.NewCleaner(cfg),
		enricher: pipeline.NewEnricher(cfg),
		est:      physics.NewEstimator(cfg),
		engine:   optimizer.New(cfg),
		logger:   logger,
		workers:  runtime.GOMAXPROCS(0),
	}
}

// SetBaseLimits installs the per-sensor posted-limit overrides; sensors
// without an entry use the configured default.
func (r *Runner) SetBaseLimits(limits map[string]float64) {
	r.limits = limits
}

// SetWorkers caps the number of concurrent per-sensor analyses.
func (r *Runner) SetWorkers(n int) {
	if n > 0 {
		r.workers = n
	}
}

// Report is the output of one corridor-wide analysis run.
type Report struct {
	RunID          string
	CreatedAt      time.Time
	Quality        models.QualityReport
	Summaries      []models.SensorSummary
	SkippedSensors int
}

// Run cleans and enriches the raw batch, then analyzes every sensor with
// enough history. Sensors below the configured row minimum are skipped: a
// diagram estimated from a handful of points is noise, not physics.
// Summaries come back in sensor order regardless of scheduling.
func (r *Runner) Run(ctx context.Context, raw []models.Observation) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}

	cleaned, quality := r.cleaner.Clean(raw)
	report.Quality = quality
	enriched := r.enricher.Enrich(cleaned)
	groups := models.PartitionBySensor(enriched)

	results := make([]*models.SensorSummary, len(groups))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, group := range groups {
		if len(group) < r.cfg.MinAnalysisRows {
			report.SkippedSensors++
			r.logger.Debug("skipping sensor with thin history",
				"sensor_id", group[0].SensorID, "rows", len(group))
			continue
		}
		i, group := i, group
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s := r.analyzeSensor(group)
			results[i] = &s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, s := range results {
		if s != nil {
			report.Summaries = append(report.Summaries, *s)
		}
	}
	r.logger.Info("batch analysis complete",
		"run_id", report.RunID,
		"sensors", len(report.Summaries),
		"skipped", report.SkippedSensors,
		"rows", quality.FinalRows)
	return report, nil
}

func (r *Runner) analyzeSensor(group []models.EnrichedObservation) models.SensorSummary {
	sensorID := group[0].SensorID
	baseLimit := r.baseLimit(sensorID)
	dp := r.est.Params(sensorID, group)

	optimized := r.engine.Optimize(group,
		optimizer.WithCriticalDensity(dp.CriticalDensity),
		optimizer.WithMaxCapacity(dp.MaxCapacity),
		optimizer.WithBaseLimit(baseLimit),
	)
	return Summarize(sensorID, baseLimit, dp, optimized)
}

func (r *Runner) baseLimit(sensorID string) float64 {
	if v, ok := r.limits[sensorID]; ok {
		return v
	}
	return r.cfg.DefaultBaseLimit
}

// Summarize aggregates one sensor's optimized series into a report row.
// Gains are measured over the VSL-active intervals only; a sensor where the
// policy never engaged reports zero gain.
func Summarize(sensorID string, baseLimit float64, dp models.DiagramParams, rows []models.OptimizedObservation) models.SensorSummary {
	s := models.SensorSummary{
		SensorID:        sensorID,
		Rows:            len(rows),
		BaseLimit:       baseLimit,
		CriticalDensity: dp.CriticalDensity,
		MaxCapacity:     dp.MaxCapacity,
	}
	if len(rows) == 0 {
		return s
	}

	var obsSum, optSum float64
	for _, r := range rows {
		if !r.VSLActive {
			continue
		}
		s.ActiveIntervals++
		obsSum += r.Speed
		optSum += r.OptimizedSpeed
	}
	s.PctActive = float64(s.ActiveIntervals) / float64(len(rows)) * 100

	if s.ActiveIntervals > 0 {
		n := float64(s.ActiveIntervals)
		s.AvgSpeedGain = (optSum - obsSum) / n
		if avgObserved := obsSum / n; avgObserved > 0 {
			s.PctSpeedGain = s.AvgSpeedGain / avgObserved * 100
		}
	}
	return s
}

// minActivePct keeps near-inactive sensors out of the improvement ranking:
// a percentage gain computed over a handful of intervals dominates the sort
// as an outlier.
const minActivePct = 0.1

// TopImprovements returns the n sensors with the largest percentage speed
// gain, ignoring sensors whose VSL share is negligible. n <= 0 means all.
func TopImprovements(summaries []models.SensorSummary, n int) []models.SensorSummary {
	relevant := make([]models.SensorSummary, 0, len(summaries))
	for _, s := range summaries {
		if s.PctActive > minActivePct {
			relevant = append(relevant, s)
		}
	}
	sort.SliceStable(relevant, func(i, j int) bool {
		return relevant[i].PctSpeedGain > relevant[j].PctSpeedGain
	})
	if n > 0 && len(relevant) > n {
		relevant = relevant[:n]
	}
	return relevant
}
