package main

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"traffic-vsl-optimizer/internal/analysis"
	"traffic-vsl-optimizer/internal/api"
	"traffic-vsl-optimizer/internal/config"
	"traffic-vsl-optimizer/internal/db"
	"traffic-vsl-optimizer/internal/models"
	"traffic-vsl-optimizer/internal/optimizer"
	"traffic-vsl-optimizer/internal/parser"
	"traffic-vsl-optimizer/internal/physics"
	"traffic-vsl-optimizer/internal/pipeline"

	"github.com/spf13/cobra"
)

var (
	dbPath   string
	cfgPath  string
	verbose  bool
	cfg      config.Config
	database *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vsl-optimizer",
		Short: "Traffic VSL Optimizer - Road sensor analysis and speed limit simulation",
		Long: `A CLI tool for ingesting, cleaning, and analyzing road sensor data.
Estimates each sensor's fundamental diagram and simulates a variable speed
limit policy over its history, with SQLite storage and REST API access.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			return loadConfig()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "traffic_vsl.db", "Path to SQLite database")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML parameter file (defaults apply when empty)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(stationsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(generateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func loadConfig() error {
	if cfgPath == "" {
		cfg = config.Default()
		return nil
	}
	var err error
	cfg, err = config.Load(cfgPath)
	return err
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(dbPath)
	return err
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			server := api.NewServer(database, cfg, slog.Default())
			addr := fmt.Sprintf(":%d", port)

			fmt.Printf("🚦 Traffic VSL Optimizer API Server\n")
			fmt.Printf("   Listening on http://localhost%s\n", addr)
			fmt.Printf("   Database: %s\n\n", dbPath)
			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /health")
			fmt.Println("  GET  /api/v1/stations")
			fmt.Println("  POST /api/v1/stations")
			fmt.Println("  GET  /api/v1/stations/{id}")
			fmt.Println("  GET  /api/v1/observations")
			fmt.Println("  POST /api/v1/observations")
			fmt.Println("  POST /api/v1/observations/batch")
			fmt.Println("  GET  /api/v1/observations/latest/{sensor_id}")
			fmt.Println("  GET  /api/v1/sensors")
			fmt.Println("  GET  /api/v1/sensors/{sensor_id}/diagram")
			fmt.Println("  GET  /api/v1/sensors/{sensor_id}/optimized")
			fmt.Println("  GET  /api/v1/sensors/{sensor_id}/summary")
			fmt.Println("  GET  /api/v1/analysis/runs")
			fmt.Println("  GET  /api/v1/analysis/runs/{id}")
			fmt.Println("  GET  /api/v1/stats")
			fmt.Println()

			return http.ListenAndServe(addr, server.Router())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port")
	return cmd
}

// ingestCmd ingests sensor data files and the station registry
func ingestCmd() *cobra.Command {
	var format string
	var stationsPath string

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest sensor data from files",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && stationsPath == "" {
				return fmt.Errorf("nothing to ingest: pass data files or --stations")
			}

			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			if stationsPath != "" {
				stations, err := parser.ReadStations(stationsPath)
				if err != nil {
					return fmt.Errorf("stations error: %w", err)
				}
				for i := range stations {
					if err := database.UpsertStation(&stations[i]); err != nil {
						return fmt.Errorf("station %s: %w", stations[i].ID, err)
					}
				}
				fmt.Printf("✓ Registered %d stations\n", len(stations))
			}

			p := parser.NewParser(format)
			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				records, err := p.ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}

				// Insert into database
				count, err := database.InsertObservationBatch(records)
				if err != nil {
					fmt.Printf("  Database error: %v\n", err)
					continue
				}

				elapsed := time.Since(start)
				fmt.Printf("  ✓ Inserted %d records in %v (%.0f records/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
				totalRecords += int(count)
			}

			if len(args) > 0 {
				fmt.Printf("\nTotal: %d records ingested", totalRecords)
				if totalErrors > 0 {
					fmt.Printf(", %d errors", totalErrors)
				}
				fmt.Println()
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json)")
	cmd.Flags().StringVar(&stationsPath, "stations", "", "Station registry CSV to load first")
	return cmd
}

// processCmd runs the full pipeline over a file and prints the results,
// without touching the database
func processCmd() *cobra.Command {
	var input string
	var format string
	var sensorID string
	var baseLimit float64

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Clean, enrich, and simulate VSL over a data file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parser.NewParser(format).ParseFile(input)
			if err != nil {
				return err
			}

			var cleaner *pipeline.Cleaner
			if sensorID != "" {
				cleaner = pipeline.NewCleaner(cfg, sensorID)
			} else {
				cleaner = pipeline.NewCleaner(cfg)
			}

			cleaned, quality := cleaner.Clean(raw)
			printQuality(quality)
			if len(cleaned) == 0 {
				return fmt.Errorf("no usable rows after cleaning")
			}

			limit := baseLimit
			if limit <= 0 {
				limit = cfg.DefaultBaseLimit
			}

			enriched := pipeline.NewEnricher(cfg).Enrich(cleaned)
			est := physics.NewEstimator(cfg)
			engine := optimizer.New(cfg)

			for _, group := range models.PartitionBySensor(enriched) {
				id := group[0].SensorID
				dp := est.Params(id, group)
				optimized := engine.Optimize(group,
					optimizer.WithCriticalDensity(dp.CriticalDensity),
					optimizer.WithMaxCapacity(dp.MaxCapacity),
					optimizer.WithBaseLimit(limit),
				)
				printSensor(dp, analysis.Summarize(id, limit, dp, optimized))
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input data file")
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json)")
	cmd.Flags().StringVarP(&sensorID, "sensor", "s", "", "Process a single sensor")
	cmd.Flags().Float64VarP(&baseLimit, "base-limit", "b", 0, "Posted speed limit in km/h (0 = configured default)")
	cmd.MarkFlagRequired("input")
	return cmd
}

// analyzeCmd analyzes every sensor in a batch and persists the run
func analyzeCmd() *cobra.Command {
	var input string
	var format string
	var limitsPath string
	var output string
	var top int
	var workers int

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Rank sensors by simulated VSL improvement",
		Long: `Runs the cleaning, feature, and optimization pipeline over every sensor
in a data file (or over the stored observations when no file is given),
ranks the sensors by simulated speed gain, and saves the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			var raw []models.Observation
			var err error
			if input != "" {
				raw, err = parser.NewParser(format).ParseFile(input)
			} else {
				raw, err = database.QueryObservations(models.ObservationQuery{})
			}
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				return fmt.Errorf("no observations to analyze")
			}

			runner := analysis.NewRunner(cfg, slog.Default())
			runner.SetWorkers(workers)
			if limitsPath != "" {
				limits, err := parser.ReadLimits(limitsPath)
				if err != nil {
					return fmt.Errorf("limits error: %w", err)
				}
				runner.SetBaseLimits(limits)
				fmt.Printf("Loaded %d sensor speed limits\n", len(limits))
			}

			report, err := runner.Run(cmd.Context(), raw)
			if err != nil {
				return err
			}

			run := &models.AnalysisRun{
				ID:          report.RunID,
				CreatedAt:   report.CreatedAt,
				BaseLimit:   cfg.DefaultBaseLimit,
				SensorCount: len(report.Summaries),
				Summaries:   report.Summaries,
			}
			if err := database.SaveAnalysisRun(run); err != nil {
				return fmt.Errorf("failed to save analysis run: %w", err)
			}

			printReport(report, top)

			if output != "" {
				if err := writeSummaryCSV(output, report.Summaries); err != nil {
					return err
				}
				fmt.Printf("\nSummaries exported to %s\n", output)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input data file (defaults to stored observations)")
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json)")
	cmd.Flags().StringVar(&limitsPath, "limits", "", "Per-sensor speed limit CSV")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export per-sensor summaries to a CSV file")
	cmd.Flags().IntVarP(&top, "top", "t", 10, "Number of sensors to show in the ranking")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent sensor analyses (0 = number of CPUs)")
	return cmd
}

// stationsCmd manages the station registry
func stationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Station registry commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all stations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stations, err := database.ListStations()
			if err != nil {
				return fmt.Errorf("error listing stations: %w", err)
			}

			if len(stations) == 0 {
				fmt.Println("No stations found. Load a registry with 'vsl-optimizer ingest --stations'.")
				return nil
			}

			fmt.Printf("%-10s %-32s %10s %10s\n", "ID", "Name", "Lat", "Lon")
			fmt.Println(strings.Repeat("-", 66))
			for _, s := range stations {
				fmt.Printf("%-10s %-32s %10.5f %10.5f\n", s.ID, s.Name, s.Latitude, s.Longitude)
			}

			return nil
		},
	}

	cmd.AddCommand(listCmd)
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats()
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Traffic VSL Optimizer Statistics")
			fmt.Println("===================================")
			fmt.Printf("  Stations:      %v\n", stats["total_stations"])
			fmt.Printf("  Sensors:       %v\n", stats["total_sensors"])
			fmt.Printf("  Observations:  %v\n", stats["total_observations"])
			fmt.Printf("  Analysis runs: %v\n", stats["analysis_runs"])
			fmt.Printf("  Database:      %s\n", dbPath)

			return nil
		},
	}
}

// generateCmd generates sample corridor sensor data
func generateCmd() *cobra.Command {
	var sensorCount int
	var days int
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample sensor data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))

			// Create sample stations along the ring road
			sensors := make([]string, sensorCount)
			for i := range sensors {
				id := fmt.Sprintf("PM%04d", 1001+i)
				sensors[i] = id
				st := models.Station{
					ID:        id,
					Name:      fmt.Sprintf("Ring road km %.1f", 0.4*float64(i)),
					Latitude:  40.42 + (rng.Float64()-0.5)*0.05,
					Longitude: -3.68 + (rng.Float64()-0.5)*0.05,
				}
				if err := database.UpsertStation(&st); err != nil {
					return fmt.Errorf("station %s: %w", id, err)
				}
			}
			fmt.Printf("Created %d stations\n", sensorCount)

			// Generate observations at the 15-minute aggregation cadence
			var records []models.Observation
			baseTime := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour).Truncate(15 * time.Minute)
			steps := days * 24 * 4

			for _, id := range sensors {
				for i := 0; i < steps; i++ {
					ts := baseTime.Add(time.Duration(i) * 15 * time.Minute)
					records = append(records, syntheticObservation(rng, id, ts))
				}
			}

			// Insert in batches of 1000
			start := time.Now()
			batchSize := 1000
			inserted := 0

			for i := 0; i < len(records); i += batchSize {
				end := i + batchSize
				if end > len(records) {
					end = len(records)
				}
				count, _ := database.InsertObservationBatch(records[i:end])
				inserted += int(count)
				fmt.Printf("\rInserted %d/%d records...", inserted, len(records))
			}

			elapsed := time.Since(start)
			fmt.Printf("\n✓ Generated %d observations in %v (%.0f records/sec)\n",
				inserted, elapsed, float64(inserted)/elapsed.Seconds())

			// Export to file if requested
			if output != "" {
				if err := writeObservationCSV(output, records); err != nil {
					return err
				}
				fmt.Printf("Data exported to %s\n", output)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&sensorCount, "sensors", "n", 8, "Number of sensors to simulate")
	cmd.Flags().IntVarP(&days, "days", "d", 2, "Days of history to generate")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export generated data to a corridor-format CSV")
	return cmd
}

// syntheticObservation draws one 15-minute interval from a two-peak weekday
// demand profile, then injects the fault classes the cleaning stage repairs.
func syntheticObservation(rng *rand.Rand, sensorID string, ts time.Time) models.Observation {
	h := float64(ts.Hour()) + float64(ts.Minute())/60

	morning := math.Exp(-(h - 8.5) * (h - 8.5) / 4)
	evening := math.Exp(-(h - 18.5) * (h - 18.5) / 6)
	demand := 0.2 + 0.8*math.Max(morning, evening)
	if dow := ts.Weekday(); dow == time.Saturday || dow == time.Sunday {
		demand *= 0.55
	}
	demand *= 0.85 + 0.3*rng.Float64()
	if demand > 1 {
		demand = 1
	}

	flow := demand * 5400
	speed := 95 - 60*demand + (rng.Float64()-0.5)*12
	if speed < 8 {
		speed = 8
	}
	occupancy := flow / math.Max(speed, 10) / 3.5
	if occupancy > 100 {
		occupancy = 100
	}

	o := models.Observation{
		SensorID:  sensorID,
		Timestamp: ts,
		Speed:     speed,
		Flow:      flow,
		Occupancy: occupancy,
	}

	switch r := rng.Float64(); {
	case r < 0.01:
		o.Speed = models.Missing()
	case r < 0.02:
		o.Flow = models.Missing()
	case r < 0.025:
		o.Flow = 90000 // stuck counter
	case r < 0.03:
		o.Speed = 0 // dead loop still reporting flow
	}
	return o
}

func printQuality(q models.QualityReport) {
	fmt.Println("🧹 Data quality report")
	fmt.Printf("  Initial rows:        %d\n", q.InitialRows)
	fmt.Printf("  Outliers removed:    %d\n", q.OutliersRemoved)
	fmt.Printf("  Logic errors fixed:  %d\n", q.LogicRepairs)
	fmt.Printf("  Values interpolated: %d\n", q.InterpolatedValues)
	fmt.Printf("  Invalid timestamps:  %d\n", q.InvalidTimestamps)
	fmt.Printf("  Duplicates dropped:  %d\n", q.DuplicatesDropped)
	fmt.Printf("  Final rows:          %d (%.2f%% kept)\n", q.FinalRows, q.PercentKept)
}

func printSensor(dp models.DiagramParams, s models.SensorSummary) {
	fmt.Printf("\n🚦 Sensor %s (%d intervals)\n", s.SensorID, s.Rows)

	critical := fmt.Sprintf("%.1f veh/km", dp.CriticalDensity)
	if dp.CriticalFallback {
		critical += " (fallback)"
	}
	capacity := fmt.Sprintf("%.0f veh/h", dp.MaxCapacity)
	if dp.CapacityFallback {
		capacity += " (fallback)"
	}

	fmt.Printf("  Critical density: %s\n", critical)
	fmt.Printf("  Max capacity:     %s\n", capacity)
	fmt.Printf("  Base limit:       %.0f km/h\n", s.BaseLimit)
	fmt.Printf("  VSL active:       %d intervals (%.1f%%)\n", s.ActiveIntervals, s.PctActive)
	fmt.Printf("  Avg speed gain:   %.2f km/h (%.2f%%)\n", s.AvgSpeedGain, s.PctSpeedGain)
}

func printReport(report *analysis.Report, top int) {
	q := report.Quality
	fmt.Printf("📈 Analysis run %s\n", report.RunID)
	fmt.Printf("   Rows kept: %d of %d (%.2f%%)\n", q.FinalRows, q.InitialRows, q.PercentKept)
	fmt.Printf("   Sensors analyzed: %d (%d skipped for thin history)\n\n", len(report.Summaries), report.SkippedSensors)

	best := analysis.TopImprovements(report.Summaries, top)
	if len(best) == 0 {
		fmt.Println("No sensor had meaningful VSL activity.")
		return
	}

	fmt.Println("Top improvements under the VSL counterfactual:")
	fmt.Printf("%-10s %8s %8s %10s %10s %10s %8s\n",
		"Sensor", "Rows", "Active%", "Critical", "Capacity", "Gain", "Gain%")
	for _, s := range best {
		fmt.Printf("%-10s %8d %8.1f %10.1f %10.0f %10.2f %8.2f\n",
			s.SensorID, s.Rows, s.PctActive, s.CriticalDensity, s.MaxCapacity,
			s.AvgSpeedGain, s.PctSpeedGain)
	}
}

// writeSummaryCSV exports every sensor summary, best gain first
func writeSummaryCSV(path string, summaries []models.SensorSummary) error {
	sorted := make([]models.SensorSummary, len(summaries))
	copy(sorted, summaries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PctSpeedGain > sorted[j].PctSpeedGain
	})

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{
		"sensor_id", "rows", "base_limit", "critical_density", "max_capacity",
		"active_intervals", "pct_active", "avg_speed_gain", "pct_speed_gain",
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range sorted {
		rec := []string{
			s.SensorID,
			strconv.Itoa(s.Rows),
			strconv.FormatFloat(s.BaseLimit, 'f', -1, 64),
			strconv.FormatFloat(s.CriticalDensity, 'f', 2, 64),
			strconv.FormatFloat(s.MaxCapacity, 'f', 2, 64),
			strconv.Itoa(s.ActiveIntervals),
			strconv.FormatFloat(s.PctActive, 'f', 2, 64),
			strconv.FormatFloat(s.AvgSpeedGain, 'f', 2, 64),
			strconv.FormatFloat(s.PctSpeedGain, 'f', 2, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// writeObservationCSV exports observations in the corridor feed format, so
// generated files round-trip through the ingest path.
func writeObservationCSV(path string, records []models.Observation) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	w.Comma = ';'
	if err := w.Write([]string{"id", "fecha", "vmed", "intensidad", "ocupacion"}); err != nil {
		return err
	}
	for _, o := range records {
		rec := []string{
			o.SensorID,
			o.Timestamp.Format("2006-01-02 15:04:05"),
			formatValue(o.Speed),
			formatValue(o.Flow),
			formatValue(o.Occupancy),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// formatValue renders missing measurements as empty fields
func formatValue(v float64) string {
	if models.IsMissing(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
